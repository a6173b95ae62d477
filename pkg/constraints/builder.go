package constraints

import (
	"context"
	"fmt"
	"math"

	"github.com/go-logr/logr"

	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/lp"
	"github.com/taxsolver/taxsolver/pkg/rules"
)

// Built is what the builder registered, indexed by constraint label.
type Built struct {
	measures map[string]lp.Expr
	pressure map[string]int
	specs    map[string]Spec
	// Rows counts the rows the builder added.
	Rows int
}

// Measure returns the aggregate cost expression of the Budget constraint
// with label. See BudgetMeasure.
func (b *Built) Measure(label string) (lp.Expr, bool) {
	e, ok := b.measures[label]
	return e.Clone(), ok
}

// PressureVariable returns the program index of the variable bounding the
// marginal rates of the MarginalPressure constraint with label.
func (b *Built) PressureVariable(label string) (int, bool) {
	i, ok := b.pressure[label]
	return i, ok
}

// Builder registers constraint rows on a program.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder { return &Builder{} }

// Validate checks spec against the household store and, when compiled is not
// nil, against the compiled rule variables.
func (b *Builder) Validate(store *core.Store, compiled *rules.Compiled, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, err := Households(store, spec); err != nil {
		return err
	}
	if compiled == nil {
		return nil
	}
	for _, name := range spec.Variables {
		v, ok := compiled.Variable(name)
		if !ok {
			return core.NewConfigurationError(spec.Subject(), fmt.Errorf("%w: no compiled variable %q", core.ErrUnknownReference, name))
		}
		if (spec.Type == ForceActive || spec.Type == MutuallyExclusive) && v.Activation == rules.NoActivation {
			return core.NewConfigurationError(spec.Subject(), fmt.Errorf("%w: variable %q has no activation", core.ErrInvalidValue, name))
		}
	}
	return nil
}

// Households resolves the household subset of spec. Nil means every
// household. Each id may appear once.
func Households(store *core.Store, spec Spec) ([]*core.Household, error) {
	if spec.Households == nil {
		return store.Households(), nil
	}
	out := make([]*core.Household, 0, len(spec.Households))
	seen := make(map[string]struct{}, len(spec.Households))
	for _, id := range spec.Households {
		if _, dup := seen[id]; dup {
			return nil, core.NewConfigurationError(spec.Subject(), fmt.Errorf("%w: household %q listed twice", core.ErrDuplicateName, id))
		}
		seen[id] = struct{}{}
		h, ok := store.Household(id)
		if !ok {
			return nil, core.NewConfigurationError(spec.Subject(), fmt.Errorf("%w: unknown household %q", core.ErrUnknownReference, id))
		}
		out = append(out, h)
	}
	return out, nil
}

// Behavior returns the single BehavioralEffects spec of specs, or nil.
func Behavior(specs []Spec) (*Spec, error) {
	var found *Spec
	for i := range specs {
		if specs[i].Type != BehavioralEffects {
			continue
		}
		if found != nil {
			return nil, core.NewConfigurationError(specs[i].Subject(),
				fmt.Errorf("%w: %s already declares behavioral effects", core.ErrInvalidValue, found.Subject()))
		}
		found = &specs[i]
	}
	return found, nil
}

// Elasticities returns the elasticity spec assigns to each household of the
// store, 0 outside its subset.
func Elasticities(store *core.Store, spec Spec) ([]float64, error) {
	households, err := Households(store, spec)
	if err != nil {
		return nil, err
	}
	own := store.Values(core.AttrElasticity)
	out := make([]float64, store.Len())
	for _, h := range households {
		out[h.Index()] = own[h.Index()]
		if spec.Elasticity != nil {
			out[h.Index()] = *spec.Elasticity
		}
	}
	return out, nil
}

// Build adds the rows of specs to prog. Rows only reference variables the
// compiler created.
func (b *Builder) Build(ctx context.Context, prog *lp.Program, compiled *rules.Compiled, specs []Spec) (*Built, error) {
	logger := logr.FromContextOrDiscard(ctx)
	built := &Built{
		measures: make(map[string]lp.Expr),
		pressure: make(map[string]int),
		specs:    make(map[string]Spec),
	}

	// responses change every income expression, so they come first
	behavior, err := Behavior(specs)
	if err != nil {
		return nil, err
	}
	if behavior != nil {
		if err := b.Validate(compiled.Store, compiled, *behavior); err != nil {
			return nil, err
		}
		elasticities, err := Elasticities(compiled.Store, *behavior)
		if err != nil {
			return nil, err
		}
		compiled.SetResponses(elasticities)
		logger.V(logging.DEBUG).Info("Applied behavioral effects", "label", behavior.Label,
			"responding", countNonZero(elasticities))
	}

	for _, spec := range specs {
		if _, dup := built.specs[spec.Label]; dup {
			return nil, core.NewConfigurationError(spec.Subject(), core.ErrDuplicateName)
		}
		if err := b.Validate(compiled.Store, compiled, spec); err != nil {
			return nil, err
		}
		built.specs[spec.Label] = spec

		before := prog.NumRows()
		switch spec.Type {
		case Income:
			err = b.income(prog, compiled, spec)
		case Budget:
			err = b.budget(prog, compiled, spec, built)
		case MarginalPressure:
			err = b.marginalPressure(prog, compiled, spec, built)
		case FixRate:
			v, _ := compiled.Variable(spec.Variables[0])
			err = prog.AddRow(spec.Label, lp.NewExpr(v.Rate, 1), lp.EQ, spec.Rate)
		case ForceActive:
			for _, name := range spec.Variables {
				v, _ := compiled.Variable(name)
				if err = prog.AddRow(spec.Label+":"+name, lp.NewExpr(v.Activation, 1), lp.GE, 1); err != nil {
					break
				}
			}
		case MutuallyExclusive:
			var sum lp.Expr
			for _, name := range spec.Variables {
				v, _ := compiled.Variable(name)
				sum.Add(v.Activation, 1)
			}
			err = prog.AddRow(spec.Label, sum, lp.LE, 1)
		case BehavioralEffects:
			// applied before the loop
		}
		if err != nil {
			return nil, core.NewConfigurationError(spec.Subject(), err)
		}
		added := prog.NumRows() - before
		built.Rows += added
		logger.V(logging.DEBUG).Info("Built constraint", "type", spec.Type.String(), "label", spec.Label, "rows", added)
	}
	return built, nil
}

// income adds current - tau|current| <= new(h) <= current + tau|current| as
// two rows per household.
func (b *Builder) income(prog *lp.Program, compiled *rules.Compiled, spec Spec) error {
	households, err := Households(compiled.Store, spec)
	if err != nil {
		return err
	}
	for _, h := range households {
		current := h.IncomeAfterTax()
		band := spec.Tolerance * math.Abs(current)
		e := compiled.NewIncome(h.Index())
		name := fmt.Sprintf("%s[%s]", spec.Label, h.ID())
		if err := prog.AddRow(name+":lo", e, lp.GE, current-band); err != nil {
			return err
		}
		if err := prog.AddRow(name+":hi", e, lp.LE, current+band); err != nil {
			return err
		}
	}
	return nil
}

// BudgetMeasure returns sum w(h)cost(h) over households, where cost(h) is
// new(h) - baseline(h) less the tax raised on any behavioral response.
func BudgetMeasure(compiled *rules.Compiled, households []*core.Household) lp.Expr {
	var measure lp.Expr
	for _, h := range households {
		measure.AddExpr(compiled.Cost(h.Index()), h.Weight())
	}
	return measure
}

func countNonZero(values []float64) int {
	var n int
	for _, v := range values {
		if v != 0 {
			n++
		}
	}
	return n
}

func (b *Builder) budget(prog *lp.Program, compiled *rules.Compiled, spec Spec, built *Built) error {
	households, err := Households(compiled.Store, spec)
	if err != nil {
		return err
	}
	measure := BudgetMeasure(compiled, households)
	built.measures[spec.Label] = measure
	return prog.AddRange(spec.Label, measure, spec.Lower, spec.Upper)
}

func (b *Builder) marginalPressure(prog *lp.Program, compiled *rules.Compiled, spec Spec, built *Built) error {
	households, err := Households(compiled.Store, spec)
	if err != nil {
		return err
	}
	z, err := prog.AddVariable(lp.Variable{Name: "mp:" + spec.Label, Lower: 0, Upper: spec.Limit})
	if err != nil {
		return err
	}
	built.pressure[spec.Label] = z
	for _, h := range households {
		mr := compiled.MarginalRates[h.Index()]
		if mr.Len() == 0 {
			continue
		}
		e := mr.Clone()
		e.Add(z, -1)
		if err := prog.AddRow(fmt.Sprintf("%s[%s]", spec.Label, h.ID()), e, lp.LE, 0); err != nil {
			return err
		}
	}
	return nil
}
