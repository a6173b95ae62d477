// Package rules defines the tax rule variants and compiles them into decision
// variables and per-household contribution coefficients.
package rules

import (
	"fmt"
	"math"

	"github.com/taxsolver/taxsolver/pkg/core"
)

// Type enumerates the closed set of rule variants.
type Type int

const (
	// Flat applies one rate to an attribute and is collected as tax.
	Flat Type = iota
	// Bracket applies one rate per bracket segment of an attribute.
	Bracket
	// Benefit pays rate times an indicator (optionally scaled) to the household.
	Benefit
	// PreTaxBenefit is a deduction: it pays rate times an attribute, net of
	// the household's current marginal rate.
	PreTaxBenefit
	// ExistingBenefit scales a benefit already paid today. Its amount column
	// is "sq_a_<attribute>" and its marginal pressure column "sq_m_<attribute>".
	ExistingBenefit
)

const (
	existingAmountPrefix = "sq_a_"
	existingScalerPrefix = "sq_m_"
)

func (t Type) String() string {
	switch t {
	case Flat:
		return "Flat"
	case Bracket:
		return "Bracket"
	case Benefit:
		return "Benefit"
	case PreTaxBenefit:
		return "PreTaxBenefit"
	case ExistingBenefit:
		return "ExistingBenefit"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType maps a rule type name to its Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "Flat", "flat":
		return Flat, nil
	case "Bracket", "bracket":
		return Bracket, nil
	case "Benefit", "benefit":
		return Benefit, nil
	case "PreTaxBenefit", "pre_tax_benefit":
		return PreTaxBenefit, nil
	case "ExistingBenefit", "existing_benefit":
		return ExistingBenefit, nil
	default:
		return 0, fmt.Errorf("unsupported rule type: %q", s)
	}
}

// Spec declares one rule. Fields that only apply to some variants are
// ignored by the others.
type Spec struct {
	Type Type
	// Name identifies the rule and prefixes its variable names.
	Name string
	// Attribute is the household attribute the rate applies to.
	Attribute string
	// GroupBy optionally splits the rule into one rate per distinct value of
	// this attribute.
	GroupBy string
	// Lower and Upper bound every rate of the rule.
	Lower float64
	Upper float64
	// Weight scales the rule's activations in the complexity objective. Zero means 1.
	Weight float64

	// Switchable pairs Flat and Benefit rates with a binary activation whose
	// value 0 forces the rate to 0.
	Switchable bool
	// MarginalPressure counts a Flat rate towards the marginal rate of every
	// household it touches. Bracket rates always count.
	MarginalPressure bool

	// ScaleBy multiplies the attribute of Benefit and PreTaxBenefit rules by
	// this attribute.
	ScaleBy string

	// InflectionPoints delimit the Bracket segments.
	InflectionPoints []float64
	// Ascending forbids a Bracket rate lower than the previous segment's.
	Ascending bool
	// MaxBrackets, when positive, releases the segment activations and
	// limits how many may be on per group.
	MaxBrackets int
	// LastBracketZero pins the rate of the last Bracket segment to 0.
	LastBracketZero bool
}

// NewFlat declares a flat tax rule.
func NewFlat(name, attribute string, lower, upper float64) Spec {
	return Spec{Type: Flat, Name: name, Attribute: attribute, Lower: lower, Upper: upper}
}

// NewBracket declares a bracket rule over attribute split at points.
func NewBracket(name, attribute string, points []float64, lower, upper float64) Spec {
	return Spec{Type: Bracket, Name: name, Attribute: attribute, InflectionPoints: points, Lower: lower, Upper: upper}
}

// NewBenefit declares a benefit keyed by an indicator attribute, with rates in [0, upper].
func NewBenefit(name, indicator string, upper float64) Spec {
	return Spec{Type: Benefit, Name: name, Attribute: indicator, Lower: 0, Upper: upper}
}

// NewPreTaxBenefit declares a deduction of attribute applied before marginal rates.
func NewPreTaxBenefit(name, attribute string, lower, upper float64) Spec {
	return Spec{Type: PreTaxBenefit, Name: name, Attribute: attribute, Lower: lower, Upper: upper}
}

// NewExistingBenefit declares a scaling factor on the current benefit base.
// The store must carry "sq_a_"+base and "sq_m_"+base.
func NewExistingBenefit(name, base string, lower, upper float64) Spec {
	return Spec{Type: ExistingBenefit, Name: name, Attribute: base, Lower: lower, Upper: upper}
}

// IsBenefit reports whether the rule's contributions are paid to households.
func (t Type) IsBenefit() bool {
	return t == Benefit || t == PreTaxBenefit || t == ExistingBenefit
}

// AmountAttribute is the household column the rate multiplies.
func (s Spec) AmountAttribute() string {
	if s.Type == ExistingBenefit {
		return existingAmountPrefix + s.Attribute
	}
	return s.Attribute
}

// ScalerAttribute is the column scaling an ExistingBenefit's marginal
// pressure. Other rules have none.
func (s Spec) ScalerAttribute() string {
	if s.Type == ExistingBenefit {
		return existingScalerPrefix + s.Attribute
	}
	return ""
}

// EffectiveWeight returns the complexity weight, defaulting to 1.
func (s Spec) EffectiveWeight() float64 {
	if s.Weight == 0 {
		return 1
	}
	return s.Weight
}

// Subject names the rule in error messages.
func (s Spec) Subject() string {
	return fmt.Sprintf("rule %q", s.Name)
}

// Validate checks the spec on its own, without looking at household data.
func (s Spec) Validate() error {
	fail := func(err error) error { return core.NewConfigurationError(s.Subject(), err) }

	if s.Name == "" {
		return core.NewConfigurationError("rule", fmt.Errorf("%w: empty rule name", core.ErrInvalidValue))
	}
	if s.Type < Flat || s.Type > ExistingBenefit {
		return fail(fmt.Errorf("%w: unsupported rule type %v", core.ErrInvalidValue, s.Type))
	}
	if s.Attribute == "" {
		return fail(fmt.Errorf("%w: no attribute", core.ErrInvalidValue))
	}
	if math.IsNaN(s.Lower) || math.IsNaN(s.Upper) || math.IsInf(s.Lower, 1) || math.IsInf(s.Upper, -1) {
		return fail(fmt.Errorf("%w: bounds [%g, %g]", core.ErrInvalidValue, s.Lower, s.Upper))
	}
	if s.Lower > s.Upper {
		return fail(fmt.Errorf("%w: lower bound %g exceeds upper bound %g", core.ErrInvalidBounds, s.Lower, s.Upper))
	}
	if math.IsNaN(s.Weight) || s.Weight < 0 {
		return fail(fmt.Errorf("%w: weight must be >= 0, got %g", core.ErrInvalidValue, s.Weight))
	}
	infinite := math.IsInf(s.Lower, 0) || math.IsInf(s.Upper, 0)
	if s.Switchable && s.Type != Bracket {
		if s.Lower > 0 || s.Upper < 0 {
			return fail(fmt.Errorf("%w: switchable rule bounds [%g, %g] must contain 0", core.ErrInvalidBounds, s.Lower, s.Upper))
		}
		if infinite {
			return fail(fmt.Errorf("%w: switchable rule needs finite bounds, got [%g, %g]", core.ErrInvalidBounds, s.Lower, s.Upper))
		}
	}
	if s.Type == Bracket {
		if s.MaxBrackets < 0 {
			return fail(fmt.Errorf("%w: maxBrackets must be >= 0, got %d", core.ErrInvalidValue, s.MaxBrackets))
		}
		if s.MaxBrackets > 0 && infinite {
			return fail(fmt.Errorf("%w: maxBrackets needs finite bounds, got [%g, %g]", core.ErrInvalidBounds, s.Lower, s.Upper))
		}
		if s.LastBracketZero && (s.Lower > 0 || s.Upper < 0) {
			return fail(fmt.Errorf("%w: lastBracketZero needs bounds containing 0, got [%g, %g]", core.ErrInvalidBounds, s.Lower, s.Upper))
		}
		if len(s.InflectionPoints) < 2 {
			return fail(fmt.Errorf("%w: need at least 2 inflection points, got %d", core.ErrInvalidValue, len(s.InflectionPoints)))
		}
	}
	return nil
}
