// Package objective composes the reform goal of the program from one or more
// weighted terms. Terms of different priorities are optimized
// lexicographically, highest priority first.
package objective

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/go-logr/logr"

	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/pkg/constraints"
	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/lp"
	"github.com/taxsolver/taxsolver/pkg/rules"
)

// Kind enumerates the closed set of objective terms.
type Kind int

const (
	// Budget optimizes the aggregate change in net income of a Budget constraint.
	Budget Kind = iota
	// MarginalPressure optimizes the bound of a MarginalPressure constraint.
	MarginalPressure
	// Complexity optimizes the weighted number of active rule variables.
	Complexity
	// Variables optimizes the sum of named rate variables.
	Variables
)

func (k Kind) String() string {
	switch k {
	case Budget:
		return "Budget"
	case MarginalPressure:
		return "MarginalPressure"
	case Complexity:
		return "Complexity"
	case Variables:
		return "Variables"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps an objective kind name to its Kind.
func ParseKind(s string) (Kind, error) {
	for k := Budget; k <= Variables; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unsupported objective kind: %q", s)
}

// Spec is one weighted objective term.
type Spec struct {
	Kind Kind
	// Label references the constraint of Budget and MarginalPressure terms.
	Label string
	// Names lists the rate variables of a Variables term.
	Names  []string
	Sense  lp.Sense
	Weight float64
	// Priority orders terms lexicographically. Terms sharing a priority are
	// summed into one stage.
	Priority int
	// Tolerance is how far the stage of this term may degrade, in objective
	// units, while lower priorities are optimized. Terms of one stage add up.
	Tolerance float64
}

// NewBudget minimizes or maximizes the aggregate change of a Budget constraint.
func NewBudget(label string, sense lp.Sense) Spec {
	return Spec{Kind: Budget, Label: label, Sense: sense, Weight: 1}
}

// NewMarginalPressure minimizes the highest marginal rate of a MarginalPressure constraint.
func NewMarginalPressure(label string) Spec {
	return Spec{Kind: MarginalPressure, Label: label, Sense: lp.Minimize, Weight: 1}
}

// NewComplexity minimizes the weighted number of active rule variables.
func NewComplexity() Spec {
	return Spec{Kind: Complexity, Sense: lp.Minimize, Weight: 1}
}

// NewVariables optimizes the sum of the named rate variables.
func NewVariables(sense lp.Sense, names ...string) Spec {
	return Spec{Kind: Variables, Names: names, Sense: sense, Weight: 1}
}

// Default tolerances of NewSequentialMixed.
const (
	DefaultBudgetTolerance     = 100
	DefaultComplexityTolerance = 15
)

// NewSequentialMixed minimizes the aggregate cost of a Budget constraint
// first, then the number of active rule variables, then the highest
// marginal rate of a MarginalPressure constraint. The first two stages may
// give up budgetTol and complexityTol for the later ones.
func NewSequentialMixed(budgetLabel, pressureLabel string, budgetTol, complexityTol float64) []Spec {
	budget := NewBudget(budgetLabel, lp.Minimize)
	budget.Priority, budget.Tolerance = 3, budgetTol
	complexity := NewComplexity()
	complexity.Priority, complexity.Tolerance = 2, complexityTol
	pressure := NewMarginalPressure(pressureLabel)
	pressure.Priority = 1
	return []Spec{budget, complexity, pressure}
}

func (s Spec) subject() string {
	if s.Label != "" {
		return fmt.Sprintf("%s objective %q", s.Kind, s.Label)
	}
	return fmt.Sprintf("%s objective", s.Kind)
}

// Validate checks that specs can be combined: known kinds, positive weights,
// non-negative tolerances and one common sense per priority.
func Validate(specs []Spec) error {
	senses := make(map[int]Spec, len(specs))
	for _, s := range specs {
		if s.Kind < Budget || s.Kind > Variables {
			return core.NewConfigurationError(s.subject(), fmt.Errorf("%w: unsupported objective kind", core.ErrInvalidValue))
		}
		if math.IsNaN(s.Weight) || math.IsInf(s.Weight, 0) || s.Weight <= 0 {
			return core.NewConfigurationError(s.subject(), fmt.Errorf("%w: weight must be finite and > 0, got %g", core.ErrInvalidValue, s.Weight))
		}
		if (s.Kind == Budget || s.Kind == MarginalPressure) && s.Label == "" {
			return core.NewConfigurationError(s.subject(), fmt.Errorf("%w: no constraint label", core.ErrInvalidValue))
		}
		if s.Kind == Variables && len(s.Names) == 0 {
			return core.NewConfigurationError(s.subject(), fmt.Errorf("%w: no variables", core.ErrInvalidValue))
		}
		if math.IsNaN(s.Tolerance) || math.IsInf(s.Tolerance, 0) || s.Tolerance < 0 {
			return core.NewConfigurationError(s.subject(), fmt.Errorf("%w: tolerance must be finite and >= 0, got %g", core.ErrInvalidValue, s.Tolerance))
		}
		first, ok := senses[s.Priority]
		if !ok {
			senses[s.Priority] = s
			continue
		}
		if s.Sense != first.Sense {
			return core.NewConfigurationError(s.subject(),
				fmt.Errorf("%w: sense %s conflicts with %s of %s at priority %d", core.ErrInvalidValue, s.Sense, first.Sense, first.subject(), s.Priority))
		}
	}
	return nil
}

// stage is the sum of the terms sharing a priority.
type stage struct {
	priority  int
	sense     lp.Sense
	expr      lp.Expr
	tolerance float64
	terms     int
}

// stages groups specs by priority, highest first.
func stages(prog *lp.Program, compiled *rules.Compiled, built *constraints.Built, specs []Spec) ([]*stage, error) {
	byPriority := make(map[int]*stage)
	for _, s := range specs {
		term, err := termExpr(prog, compiled, built, s)
		if err != nil {
			return nil, err
		}
		st, ok := byPriority[s.Priority]
		if !ok {
			st = &stage{priority: s.Priority, sense: s.Sense}
			byPriority[s.Priority] = st
		}
		st.expr.AddExpr(term, s.Weight)
		st.tolerance += s.Tolerance
		st.terms++
	}
	out := make([]*stage, 0, len(byPriority))
	for _, st := range byPriority {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *stage) int { return b.priority - a.priority })
	return out, nil
}

// Build sets the weighted sum of specs as the objective of prog. Specs of
// several priorities become objective stages of prog instead. Without specs
// the program keeps no objective and any feasible point is acceptable.
func Build(ctx context.Context, prog *lp.Program, compiled *rules.Compiled, built *constraints.Built, specs []Spec) error {
	logger := logr.FromContextOrDiscard(ctx)
	if len(specs) == 0 {
		logger.V(logging.DEBUG).Info("No objective registered, solving for feasibility")
		return nil
	}
	if err := Validate(specs); err != nil {
		return err
	}

	levels, err := stages(prog, compiled, built, specs)
	if err != nil {
		return err
	}
	if len(levels) == 1 {
		if err := prog.SetObjective(levels[0].sense, levels[0].expr); err != nil {
			return core.NewConfigurationError("objective", err)
		}
		logger.V(logging.DEBUG).Info("Built objective",
			"terms", len(specs), "sense", levels[0].sense.String(), "nonzeros", levels[0].expr.Len())
		return nil
	}
	for _, st := range levels {
		if err := prog.AddStage(st.sense, st.expr, st.tolerance); err != nil {
			return core.NewConfigurationError(fmt.Sprintf("objective priority %d", st.priority), err)
		}
		logger.V(logging.DEBUG).Info("Built objective stage", "priority", st.priority, "terms", st.terms,
			"sense", st.sense.String(), "tolerance", st.tolerance, "nonzeros", st.expr.Len())
	}
	return nil
}

func termExpr(prog *lp.Program, compiled *rules.Compiled, built *constraints.Built, s Spec) (lp.Expr, error) {
	var e lp.Expr
	switch s.Kind {
	case Budget:
		m, ok := built.Measure(s.Label)
		if !ok {
			return e, core.NewConfigurationError(s.subject(), fmt.Errorf("%w: no budget constraint %q", core.ErrUnknownReference, s.Label))
		}
		return m, nil
	case MarginalPressure:
		z, ok := built.PressureVariable(s.Label)
		if !ok {
			return e, core.NewConfigurationError(s.subject(), fmt.Errorf("%w: no marginal pressure constraint %q", core.ErrUnknownReference, s.Label))
		}
		e.Add(z, 1)
	case Complexity:
		for _, v := range compiled.Activations() {
			e.Add(v.Activation, compiled.Rules[v.Rule].Spec.EffectiveWeight())
		}
	case Variables:
		for _, name := range s.Names {
			v, ok := compiled.Variable(name)
			if !ok {
				return e, core.NewConfigurationError(s.subject(), fmt.Errorf("%w: no compiled variable %q", core.ErrUnknownReference, name))
			}
			e.Add(v.Rate, 1)
		}
	}
	return e, nil
}
