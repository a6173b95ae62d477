package core

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/go-logr/logr"
)

// Store is an immutable, ordered collection of households.
type Store struct {
	households []*Household
	index      map[string]int
	coverage   map[string]int
	splits     map[SplitKey]*Split
	splitOrder []SplitKey
	warnings   []string
}

// NewStore validates records and builds a Store in input order. Missing
// optional columns are defaulted and reported as warnings; everything else
// that is malformed returns a DataError.
func NewStore(ctx context.Context, records []Record) (*Store, error) {
	logger := logr.FromContextOrDiscard(ctx)

	s := &Store{
		households: make([]*Household, 0, len(records)),
		index:      make(map[string]int, len(records)),
		coverage:   make(map[string]int),
		splits:     make(map[SplitKey]*Split),
	}

	var missingWeight, missingMirror, missingMarginal int
	for i, r := range records {
		if r.ID == "" {
			return nil, &DataError{Household: fmt.Sprintf("#%d", i), Err: fmt.Errorf("%w: empty household id", ErrInvalidValue)}
		}
		if _, dup := s.index[r.ID]; dup {
			return nil, &DataError{Household: r.ID, Err: ErrDuplicateName}
		}
		for _, name := range []string{AttrIncomeBeforeTax, AttrIncomeAfterTax} {
			if _, ok := r.Attributes[name]; !ok {
				return nil, &DataError{Household: r.ID, Attribute: name, Err: ErrMissingAttribute}
			}
		}
		for _, name := range slices.Sorted(maps.Keys(r.Attributes)) {
			if !finite(r.Attributes[name]) {
				return nil, &DataError{Household: r.ID, Attribute: name,
					Err: fmt.Errorf("%w: %v", ErrInvalidValue, r.Attributes[name])}
			}
		}

		weight := DefaultWeight
		if r.Weight != nil {
			weight = *r.Weight
			if !finite(weight) || weight < 0 {
				return nil, &DataError{Household: r.ID, Attribute: "weight",
					Err: fmt.Errorf("%w: weight must be finite and >= 0, got %v", ErrInvalidValue, weight)}
			}
		} else {
			missingWeight++
		}

		mirror := r.MirrorID
		if mirror == "" {
			mirror = r.ID
			missingMirror++
		}

		attrs := make(map[string]float64, len(r.Attributes)+1)
		maps.Copy(attrs, r.Attributes)
		if _, ok := attrs[AttrMarginalRateCurrent]; !ok {
			attrs[AttrMarginalRateCurrent] = 0
			missingMarginal++
		}

		h := &Household{id: r.ID, index: i, weight: weight, mirror: mirror, attrs: attrs}
		s.index[r.ID] = i
		s.households = append(s.households, h)
		for name := range attrs {
			s.coverage[name]++
		}
	}

	for _, h := range s.households {
		if _, ok := s.index[h.mirror]; !ok {
			return nil, &DataError{Household: h.id, Attribute: "mirror",
				Err: fmt.Errorf("%w: mirror household %q not found", ErrInvalidValue, h.mirror)}
		}
	}

	if missingWeight > 0 {
		s.warn(logger, fmt.Sprintf("weight not provided for %d households, defaulting to %g", missingWeight, DefaultWeight))
	}
	if missingMirror > 0 {
		s.warn(logger, fmt.Sprintf("mirror reference not provided for %d households, defaulting to the household itself", missingMirror))
	}
	if missingMarginal > 0 {
		s.warn(logger, fmt.Sprintf("%s not provided for %d households, defaulting to 0", AttrMarginalRateCurrent, missingMarginal))
	}
	return s, nil
}

func (s *Store) warn(logger logr.Logger, msg string) {
	s.warnings = append(s.warnings, msg)
	logger.Info("Household data warning", "warning", msg)
}

// Len returns the number of households.
func (s *Store) Len() int { return len(s.households) }

// Households returns the households in input order.
func (s *Store) Households() []*Household {
	return slices.Clone(s.households)
}

// At returns the household at position i.
func (s *Store) At(i int) *Household { return s.households[i] }

// Household looks a household up by id.
func (s *Store) Household(id string) (*Household, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.households[i], true
}

// Mirror returns the counterfactual twin of h.
func (s *Store) Mirror(h *Household) *Household {
	return s.households[s.index[h.mirror]]
}

// Coverage returns how many households carry attribute name.
func (s *Store) Coverage(name string) int { return s.coverage[name] }

// HasAttribute reports whether every household carries attribute name.
func (s *Store) HasAttribute(name string) bool {
	return len(s.households) > 0 && s.coverage[name] == len(s.households)
}

// CheckAttribute returns ErrUnknownAttribute when no household carries name
// and a DataError when only some do. An empty store accepts every name.
func (s *Store) CheckAttribute(name string) error {
	if len(s.households) == 0 {
		return nil
	}
	switch c := s.coverage[name]; {
	case c == 0:
		return fmt.Errorf("%w %q", ErrUnknownAttribute, name)
	case c < len(s.households):
		return &DataError{Attribute: name,
			Err: fmt.Errorf("%w: carried by %d of %d households", ErrPartialAttribute, c, len(s.households))}
	}
	return nil
}

// Values returns attribute name for every household, in store order.
func (s *Store) Values(name string) []float64 {
	out := make([]float64, len(s.households))
	for i, h := range s.households {
		out[i] = h.attrs[name]
	}
	return out
}

// GroupValues returns the distinct values of attribute name in ascending order.
func (s *Store) GroupValues(name string) []float64 {
	seen := make(map[float64]struct{})
	for _, h := range s.households {
		if v, ok := h.attrs[name]; ok {
			seen[v] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// TotalWeight returns the sum of household weights.
func (s *Store) TotalWeight() float64 {
	var total float64
	for _, h := range s.households {
		total += h.weight
	}
	return total
}

// Split returns the registered segmentation of source by group.
func (s *Store) Split(source, group string) (*Split, bool) {
	sp, ok := s.splits[SplitKey{Source: source, Group: group}]
	return sp, ok
}

// Splits returns every registered segmentation in registration order.
func (s *Store) Splits() []*Split {
	out := make([]*Split, 0, len(s.splitOrder))
	for _, k := range s.splitOrder {
		out = append(out, s.splits[k])
	}
	return out
}

// Warnings returns the non-fatal data warnings raised while loading.
func (s *Store) Warnings() []string {
	return slices.Clone(s.warnings)
}

// WithDerived returns a new Store carrying the extra columns and split
// metadata. Column names must not collide with existing attributes and every
// column must hold one value per household. Splits replace any previous split
// with the same key.
func (s *Store) WithDerived(columns []Column, splits ...*Split) (*Store, error) {
	for _, c := range columns {
		if s.coverage[c.Name] > 0 {
			return nil, &DataError{Attribute: c.Name, Err: fmt.Errorf("%w: derived column collides with an existing attribute", ErrDuplicateName)}
		}
		if len(c.Values) != len(s.households) {
			return nil, &DataError{Attribute: c.Name,
				Err: fmt.Errorf("%w: derived column has %d values for %d households", ErrInvalidValue, len(c.Values), len(s.households))}
		}
	}

	out := &Store{
		households: make([]*Household, len(s.households)),
		index:      s.index,
		coverage:   maps.Clone(s.coverage),
		splits:     maps.Clone(s.splits),
		splitOrder: slices.Clone(s.splitOrder),
		warnings:   s.warnings,
	}
	for i, h := range s.households {
		extra := make(map[string]float64, len(columns))
		for _, c := range columns {
			extra[c.Name] = c.Values[i]
		}
		out.households[i] = h.with(extra)
	}
	for _, c := range columns {
		out.coverage[c.Name] = len(s.households)
	}
	for _, sp := range splits {
		k := sp.Key()
		if _, ok := out.splits[k]; !ok {
			out.splitOrder = append(out.splitOrder, k)
		}
		out.splits[k] = sp
	}
	return out, nil
}
