package lp

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Term is one coefficient of a sparse linear expression.
type Term struct {
	Var  int
	Coef float64
}

// Expr is a sparse linear expression over program variables plus a constant.
// The zero value is an empty expression ready to use.
type Expr struct {
	terms    map[int]float64
	Constant float64
}

// NewExpr returns an expression holding a single term.
func NewExpr(v int, coef float64) Expr {
	var e Expr
	e.Add(v, coef)
	return e
}

// Add accumulates coef on variable v.
func (e *Expr) Add(v int, coef float64) {
	if coef == 0 {
		return
	}
	if e.terms == nil {
		e.terms = make(map[int]float64)
	}
	e.terms[v] += coef
	if e.terms[v] == 0 {
		delete(e.terms, v)
	}
}

// AddConstant adds c to the constant part.
func (e *Expr) AddConstant(c float64) {
	e.Constant += c
}

// AddExpr accumulates scale*o.
func (e *Expr) AddExpr(o Expr, scale float64) {
	for _, t := range o.Terms() {
		e.Add(t.Var, scale*t.Coef)
	}
	e.Constant += scale * o.Constant
}

// Coef returns the coefficient of variable v.
func (e Expr) Coef(v int) float64 { return e.terms[v] }

// Len returns the number of nonzero terms.
func (e Expr) Len() int { return len(e.terms) }

// Terms returns the nonzero terms ordered by variable index.
func (e Expr) Terms() []Term {
	out := make([]Term, 0, len(e.terms))
	for _, v := range slices.Sorted(maps.Keys(e.terms)) {
		out = append(out, Term{Var: v, Coef: e.terms[v]})
	}
	return out
}

// Clone returns an independent copy of e.
func (e Expr) Clone() Expr {
	return Expr{terms: maps.Clone(e.terms), Constant: e.Constant}
}

// Eval evaluates e at values, indexed by variable.
func (e Expr) Eval(values []float64) float64 {
	return e.Constant + evalTerms(e.Terms(), values)
}

// String renders e with x<index> variable names, mostly for debugging.
func (e Expr) String() string {
	var b strings.Builder
	for i, t := range e.Terms() {
		if i > 0 {
			b.WriteString(" + ")
		}
		b.WriteString(strconv.FormatFloat(t.Coef, 'g', -1, 64))
		b.WriteString(" x")
		b.WriteString(strconv.Itoa(t.Var))
	}
	if e.Constant != 0 || len(e.terms) == 0 {
		if len(e.terms) > 0 {
			b.WriteString(" + ")
		}
		b.WriteString(strconv.FormatFloat(e.Constant, 'g', -1, 64))
	}
	return b.String()
}

// evalTerms evaluates a sorted term list.
func evalTerms(terms []Term, values []float64) float64 {
	var sum float64
	for _, t := range terms {
		sum += t.Coef * values[t.Var]
	}
	return sum
}
