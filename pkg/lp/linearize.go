package lp

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// DefaultBigM is the largest big-M constant Linearize accepts by default.
const DefaultBigM = 1e7

// ErrUnboundedIndicator is returned by Linearize when the activity of an
// indicator row has no finite bound over the variable box.
var ErrUnboundedIndicator = errors.New("indicator row has no finite big-M")

// activityRange returns the smallest and largest value sum(terms) can take
// over the variable bounds.
func (p *Program) activityRange(terms []Term) (lo, hi float64) {
	for _, t := range terms {
		v := p.vars[t.Var]
		if t.Coef > 0 {
			lo += t.Coef * v.Lower
			hi += t.Coef * v.Upper
		} else {
			lo += t.Coef * v.Upper
			hi += t.Coef * v.Lower
		}
	}
	return lo, hi
}

// Linearize returns a copy of p in which every indicator constraint is
// replaced by big-M rows. The big-M constant of each row is derived from the
// variable bounds and must be finite and at most maxM. A non-positive maxM
// means DefaultBigM. Indicators on fixed binaries become plain rows or vanish.
func (p *Program) Linearize(maxM float64) (*Program, error) {
	if maxM <= 0 {
		maxM = DefaultBigM
	}
	out := p.Clone()
	out.indicators = nil
	for _, ind := range p.indicators {
		if b := p.vars[ind.Binary]; b.Fixed() {
			if int(math.Round(b.Lower)) != ind.Trigger {
				continue
			}
			// the row keeps the name the indicator reserved
			row := ind.Row
			row.Terms = slices.Clone(row.Terms)
			out.rows = append(out.rows, row)
			continue
		}
		lo, hi := p.activityRange(ind.Row.Terms)
		if ind.Row.Rel == LE || ind.Row.Rel == EQ {
			if err := out.relaxSide(ind, LE, hi-ind.Row.RHS, maxM); err != nil {
				return nil, err
			}
		}
		if ind.Row.Rel == GE || ind.Row.Rel == EQ {
			if err := out.relaxSide(ind, GE, ind.Row.RHS-lo, maxM); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (p *Program) relaxSide(ind Indicator, rel Relation, m, maxM float64) error {
	switch {
	case math.IsInf(m, 0) || math.IsNaN(m):
		return fmt.Errorf("linearize indicator %q: %w", ind.Name, ErrUnboundedIndicator)
	case m > maxM:
		return fmt.Errorf("linearize indicator %q: big-M %g exceeds the limit %g", ind.Name, m, maxM)
	case m <= 0:
		// the row holds everywhere on the box
		return nil
	}
	return p.addRelaxed(ind, rel, m)
}

// addRelaxed adds "terms rel rhs" relaxed by m whenever the binary differs
// from the trigger.
//
//	trigger 1, LE: terms + m*b <= rhs + m
//	trigger 0, LE: terms - m*b <= rhs
//	trigger 1, GE: terms - m*b >= rhs - m
//	trigger 0, GE: terms + m*b >= rhs
func (p *Program) addRelaxed(ind Indicator, rel Relation, m float64) error {
	var e Expr
	for _, t := range ind.Row.Terms {
		e.Add(t.Var, t.Coef)
	}
	rhs := ind.Row.RHS
	sign := 1.0
	if rel == GE {
		sign = -1
	}
	if ind.Trigger == 1 {
		e.Add(ind.Binary, sign*m)
		rhs += sign * m
	} else {
		e.Add(ind.Binary, -sign*m)
	}
	suffix := ":le"
	if rel == GE {
		suffix = ":ge"
	}
	if err := p.AddRow(ind.Name+suffix, e, rel, rhs); err != nil {
		return fmt.Errorf("linearize indicator %q: %w", ind.Name, err)
	}
	return nil
}
