// Package constraints turns declared policy guarantees into linear rows over
// the variables created by the rule compiler.
package constraints

import (
	"fmt"
	"math"

	"github.com/taxsolver/taxsolver/pkg/core"
)

// Type enumerates the closed set of constraint variants.
type Type int

const (
	// Income bounds every household's relative change in net income.
	Income Type = iota
	// Budget bounds the weighted aggregate change in net income.
	Budget
	// MarginalPressure caps the highest marginal rate any household faces.
	MarginalPressure
	// FixRate pins one rate variable to a value.
	FixRate
	// ForceActive switches the activation of the named variables on.
	ForceActive
	// MutuallyExclusive allows at most one of the named activations to be on.
	MutuallyExclusive
	// BehavioralEffects lets gross incomes respond to marginal rate changes.
	// It adds no rows of its own but changes every income and budget row.
	BehavioralEffects
)

func (t Type) String() string {
	switch t {
	case Income:
		return "Income"
	case Budget:
		return "Budget"
	case MarginalPressure:
		return "MarginalPressure"
	case FixRate:
		return "FixRate"
	case ForceActive:
		return "ForceActive"
	case MutuallyExclusive:
		return "MutuallyExclusive"
	case BehavioralEffects:
		return "BehavioralEffects"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType maps a constraint type name to its Type.
func ParseType(s string) (Type, error) {
	for t := Income; t <= BehavioralEffects; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unsupported constraint type: %q", s)
}

// Spec declares one constraint.
type Spec struct {
	Type Type
	// Label identifies the constraint for objectives and reports.
	Label string
	// Households restricts Income, Budget, MarginalPressure and
	// BehavioralEffects to these ids. Nil means all.
	Households []string

	// Tolerance is the relative income change an Income constraint allows.
	Tolerance float64
	// Lower and Upper bound a Budget's aggregate change in net income.
	Lower float64
	Upper float64
	// Limit caps a MarginalPressure constraint.
	Limit float64

	// Variables names the rule variables of FixRate, ForceActive and MutuallyExclusive.
	Variables []string
	// Rate is the value FixRate pins its variable to.
	Rate float64

	// Elasticity is the labour supply elasticity of BehavioralEffects. Nil
	// reads the "elasticity" attribute of each household, 0 when absent.
	Elasticity *float64
}

// NewIncome declares an income guarantee with relative tolerance.
func NewIncome(tolerance float64, households ...string) Spec {
	return Spec{Type: Income, Label: "income", Tolerance: tolerance, Households: households}
}

// NewBudget declares a bound on the aggregate change of net income. Bounds
// (0, 0) enforce exact revenue neutrality.
func NewBudget(label string, lower, upper float64, households ...string) Spec {
	return Spec{Type: Budget, Label: label, Lower: lower, Upper: upper, Households: households}
}

// NewMarginalPressure caps the highest marginal rate at limit.
func NewMarginalPressure(label string, limit float64, households ...string) Spec {
	return Spec{Type: MarginalPressure, Label: label, Limit: limit, Households: households}
}

// NewFixRate pins variable to rate.
func NewFixRate(variable string, rate float64) Spec {
	return Spec{Type: FixRate, Label: "fix:" + variable, Variables: []string{variable}, Rate: rate}
}

// NewForceActive switches the activations of variables on.
func NewForceActive(variables ...string) Spec {
	return Spec{Type: ForceActive, Label: fmt.Sprintf("force_active%v", variables), Variables: variables}
}

// NewMutuallyExclusive allows at most one of variables to be active.
func NewMutuallyExclusive(label string, variables ...string) Spec {
	return Spec{Type: MutuallyExclusive, Label: label, Variables: variables}
}

// NewBehavioralEffects lets the gross income of households respond to the
// change of their marginal rate with elasticity, or with their own
// elasticity attribute when nil.
func NewBehavioralEffects(elasticity *float64, households ...string) Spec {
	return Spec{Type: BehavioralEffects, Label: "behavioral_effects", Elasticity: elasticity, Households: households}
}

// Subject names the constraint in error messages.
func (s Spec) Subject() string {
	return fmt.Sprintf("%s constraint %q", s.Type, s.Label)
}

// Validate checks the spec on its own.
func (s Spec) Validate() error {
	fail := func(err error) error { return core.NewConfigurationError(s.Subject(), err) }
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

	if s.Label == "" {
		return fail(fmt.Errorf("%w: empty label", core.ErrInvalidValue))
	}
	switch s.Type {
	case Income:
		if !finite(s.Tolerance) || s.Tolerance < 0 {
			return fail(fmt.Errorf("%w: tolerance must be finite and >= 0, got %g", core.ErrInvalidValue, s.Tolerance))
		}
	case Budget:
		if math.IsNaN(s.Lower) || math.IsNaN(s.Upper) || math.IsInf(s.Lower, 1) || math.IsInf(s.Upper, -1) {
			return fail(fmt.Errorf("%w: bounds [%g, %g]", core.ErrInvalidValue, s.Lower, s.Upper))
		}
		if s.Lower > s.Upper {
			return fail(fmt.Errorf("%w: lower bound %g exceeds upper bound %g", core.ErrInvalidBounds, s.Lower, s.Upper))
		}
	case MarginalPressure:
		if !finite(s.Limit) || s.Limit < 0 {
			return fail(fmt.Errorf("%w: limit must be finite and >= 0, got %g", core.ErrInvalidValue, s.Limit))
		}
	case FixRate:
		if len(s.Variables) != 1 {
			return fail(fmt.Errorf("%w: exactly one variable required, got %d", core.ErrInvalidValue, len(s.Variables)))
		}
		if !finite(s.Rate) {
			return fail(fmt.Errorf("%w: rate %g", core.ErrInvalidValue, s.Rate))
		}
	case ForceActive, MutuallyExclusive:
		if len(s.Variables) == 0 {
			return fail(fmt.Errorf("%w: no variables", core.ErrInvalidValue))
		}
	case BehavioralEffects:
		if s.Elasticity != nil && !finite(*s.Elasticity) {
			return fail(fmt.Errorf("%w: elasticity %g", core.ErrInvalidValue, *s.Elasticity))
		}
	default:
		return fail(fmt.Errorf("%w: unsupported constraint type", core.ErrInvalidValue))
	}
	return nil
}
