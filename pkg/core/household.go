package core

import (
	"maps"
	"math"
)

// Attribute names every household record must or may carry.
const (
	// AttrIncomeBeforeTax is the gross (pre-tax) income of a household. Required.
	AttrIncomeBeforeTax = "income_before_tax"
	// AttrIncomeAfterTax is the baseline net income under the current system. Required.
	AttrIncomeAfterTax = "income_after_tax"
	// AttrMarginalRateCurrent is the household's marginal rate under the current system. Defaults to 0.
	AttrMarginalRateCurrent = "marginal_rate_current"
	// AttrElasticity is the household's labour supply elasticity, read by
	// behavioral effects without a global elasticity. Defaults to 0.
	AttrElasticity = "elasticity"

	// DefaultWeight is the population multiplier applied when a record carries no weight.
	DefaultWeight = 1.0
)

// Record is the input contract from the data-loading collaborator.
type Record struct {
	// ID uniquely identifies the household.
	ID string
	// Attributes holds the numeric columns of the household.
	Attributes map[string]float64
	// Weight is the population multiplier. Nil means DefaultWeight.
	Weight *float64
	// MirrorID references a counterfactual twin household. Empty means the household itself.
	MirrorID string
}

// Household is one immutable member of a Store.
type Household struct {
	id     string
	index  int
	weight float64
	mirror string
	attrs  map[string]float64
}

// ID returns the household identifier.
func (h *Household) ID() string { return h.id }

// Index returns the position of the household in its store.
func (h *Household) Index() int { return h.index }

// Weight returns the population multiplier.
func (h *Household) Weight() float64 { return h.weight }

// MirrorID returns the id of the household's counterfactual twin.
func (h *Household) MirrorID() string { return h.mirror }

// Lookup returns the value of attribute name and whether the household carries it.
func (h *Household) Lookup(name string) (float64, bool) {
	v, ok := h.attrs[name]
	return v, ok
}

// Value returns the value of attribute name, or 0 when absent.
func (h *Household) Value(name string) float64 {
	return h.attrs[name]
}

// IncomeBeforeTax returns the gross income.
func (h *Household) IncomeBeforeTax() float64 { return h.attrs[AttrIncomeBeforeTax] }

// IncomeAfterTax returns the baseline net income.
func (h *Household) IncomeAfterTax() float64 { return h.attrs[AttrIncomeAfterTax] }

// MarginalRateCurrent returns the marginal rate under the current system.
func (h *Household) MarginalRateCurrent() float64 { return h.attrs[AttrMarginalRateCurrent] }

// with returns a copy of h carrying the extra attributes.
func (h *Household) with(extra map[string]float64) *Household {
	attrs := make(map[string]float64, len(h.attrs)+len(extra))
	maps.Copy(attrs, h.attrs)
	maps.Copy(attrs, extra)
	return &Household{id: h.id, index: h.index, weight: h.weight, mirror: h.mirror, attrs: attrs}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
