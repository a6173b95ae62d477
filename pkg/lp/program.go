// Package lp holds the compiled linear program: an ordered list of bounded
// variables, sparse constraint rows, indicator constraints and an objective.
// A Program is built by the rule compiler and the constraint and objective
// builders and then handed, read-only, to a solver backend.
package lp

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Kind is the domain of a variable.
type Kind int

const (
	Continuous Kind = iota
	Binary
)

func (k Kind) String() string {
	if k == Binary {
		return "binary"
	}
	return "continuous"
}

// Relation is the comparison of a row against its right-hand side.
type Relation int

const (
	LE Relation = iota
	GE
	EQ
)

func (r Relation) String() string {
	switch r {
	case LE:
		return "<="
	case GE:
		return ">="
	default:
		return "="
	}
}

// Sense is the optimization direction.
type Sense int

const (
	Minimize Sense = iota
	Maximize
)

func (s Sense) String() string {
	if s == Maximize {
		return "maximize"
	}
	return "minimize"
}

var (
	ErrDuplicateVariable = errors.New("duplicate variable name")
	ErrDuplicateRow      = errors.New("duplicate row name")
	ErrUnknownVariable   = errors.New("unknown variable")
	ErrBadBounds         = errors.New("invalid variable bounds")
	ErrBadCoefficient    = errors.New("coefficient must be finite")
	ErrNotBinary         = errors.New("indicator variable must be binary")
)

// Variable is a decision variable of the program.
type Variable struct {
	Name  string
	Lower float64
	Upper float64
	Kind  Kind
}

// Fixed reports whether the variable's bounds pin it to one value.
func (v Variable) Fixed() bool { return v.Lower == v.Upper }

// Row is a linear constraint: sum(Terms) Rel RHS.
type Row struct {
	Name  string
	Terms []Term
	Rel   Relation
	RHS   float64
}

// Indicator enforces Row only when variable Binary equals Trigger (0 or 1).
type Indicator struct {
	Name    string
	Binary  int
	Trigger int
	Row     Row
}

// Objective is the linear goal of the program.
type Objective struct {
	Sense    Sense
	Terms    []Term
	Constant float64
	// Set is false for programs that only ask for a feasible point.
	Set bool
}

// Expr returns the objective function as an expression.
func (o Objective) Expr() Expr {
	var e Expr
	for _, t := range o.Terms {
		e.Add(t.Var, t.Coef)
	}
	e.Constant = o.Constant
	return e
}

// Stage is one level of a lexicographic objective. Once solved, its value
// may degrade by at most Tolerance while later stages are optimized.
type Stage struct {
	Objective Objective
	Tolerance float64
}

// Program is a linear or mixed-integer program under construction.
type Program struct {
	name       string
	vars       []Variable
	varIndex   map[string]int
	rows       []Row
	rowNames   map[string]struct{}
	indicators []Indicator
	objective  Objective
	stages     []Stage
}

// New returns an empty program.
func New(name string) *Program {
	return &Program{
		name:     name,
		varIndex: make(map[string]int),
		rowNames: make(map[string]struct{}),
	}
}

// Name returns the program name.
func (p *Program) Name() string { return p.name }

// AddVariable appends a variable and returns its index. Binary bounds are
// clamped to [0, 1].
func (p *Program) AddVariable(v Variable) (int, error) {
	if v.Name == "" {
		return -1, fmt.Errorf("%w: empty name", ErrBadBounds)
	}
	if _, ok := p.varIndex[v.Name]; ok {
		return -1, fmt.Errorf("%w %q", ErrDuplicateVariable, v.Name)
	}
	if v.Kind == Binary {
		v.Lower = math.Max(0, math.Ceil(v.Lower))
		v.Upper = math.Min(1, math.Floor(v.Upper))
	}
	if math.IsNaN(v.Lower) || math.IsNaN(v.Upper) || v.Lower > v.Upper ||
		math.IsInf(v.Lower, 1) || math.IsInf(v.Upper, -1) {
		return -1, fmt.Errorf("%w for %q: [%g, %g]", ErrBadBounds, v.Name, v.Lower, v.Upper)
	}
	p.varIndex[v.Name] = len(p.vars)
	p.vars = append(p.vars, v)
	return len(p.vars) - 1, nil
}

// NumVariables returns the number of variables.
func (p *Program) NumVariables() int { return len(p.vars) }

// Variable returns variable i.
func (p *Program) Variable(i int) Variable { return p.vars[i] }

// Variables returns a copy of the variable list.
func (p *Program) Variables() []Variable { return slices.Clone(p.vars) }

// Lookup returns the index of the named variable.
func (p *Program) Lookup(name string) (int, bool) {
	i, ok := p.varIndex[name]
	return i, ok
}

func (p *Program) checkExpr(e Expr) error {
	for _, t := range e.Terms() {
		if t.Var < 0 || t.Var >= len(p.vars) {
			return fmt.Errorf("%w: index %d", ErrUnknownVariable, t.Var)
		}
		if math.IsNaN(t.Coef) || math.IsInf(t.Coef, 0) {
			return fmt.Errorf("%w: %g on %q", ErrBadCoefficient, t.Coef, p.vars[t.Var].Name)
		}
	}
	if math.IsNaN(e.Constant) || math.IsInf(e.Constant, 0) {
		return fmt.Errorf("%w: constant %g", ErrBadCoefficient, e.Constant)
	}
	return nil
}

func (p *Program) newRow(name string, e Expr, rel Relation, rhs float64) (Row, error) {
	if err := p.checkExpr(e); err != nil {
		return Row{}, fmt.Errorf("row %q: %w", name, err)
	}
	if math.IsNaN(rhs) || math.IsInf(rhs, 0) {
		return Row{}, fmt.Errorf("row %q: %w: right-hand side %g", name, ErrBadCoefficient, rhs)
	}
	return Row{Name: name, Terms: e.Terms(), Rel: rel, RHS: rhs - e.Constant}, nil
}

// AddRow appends the constraint e rel rhs. The constant of e is moved to the
// right-hand side.
func (p *Program) AddRow(name string, e Expr, rel Relation, rhs float64) error {
	if _, ok := p.rowNames[name]; ok {
		return fmt.Errorf("%w %q", ErrDuplicateRow, name)
	}
	row, err := p.newRow(name, e, rel, rhs)
	if err != nil {
		return err
	}
	p.rowNames[name] = struct{}{}
	p.rows = append(p.rows, row)
	return nil
}

// AddRange constrains lower <= e <= upper. Equal bounds produce one EQ row
// named name; otherwise finite sides produce name+":lo" and name+":hi".
func (p *Program) AddRange(name string, e Expr, lower, upper float64) error {
	if lower > upper {
		return fmt.Errorf("row %q: %w: [%g, %g]", name, ErrBadBounds, lower, upper)
	}
	if lower == upper {
		return p.AddRow(name, e, EQ, lower)
	}
	if !math.IsInf(lower, -1) {
		if err := p.AddRow(name+":lo", e, GE, lower); err != nil {
			return err
		}
	}
	if !math.IsInf(upper, 1) {
		if err := p.AddRow(name+":hi", e, LE, upper); err != nil {
			return err
		}
	}
	return nil
}

// AddIndicator appends the constraint "binary == trigger implies e rel rhs".
func (p *Program) AddIndicator(name string, binary, trigger int, e Expr, rel Relation, rhs float64) error {
	if binary < 0 || binary >= len(p.vars) {
		return fmt.Errorf("indicator %q: %w: index %d", name, ErrUnknownVariable, binary)
	}
	if p.vars[binary].Kind != Binary {
		return fmt.Errorf("indicator %q: %w: %q", name, ErrNotBinary, p.vars[binary].Name)
	}
	if trigger != 0 && trigger != 1 {
		return fmt.Errorf("indicator %q: trigger must be 0 or 1, got %d", name, trigger)
	}
	if _, ok := p.rowNames[name]; ok {
		return fmt.Errorf("%w %q", ErrDuplicateRow, name)
	}
	row, err := p.newRow(name, e, rel, rhs)
	if err != nil {
		return err
	}
	p.rowNames[name] = struct{}{}
	p.indicators = append(p.indicators, Indicator{Name: name, Binary: binary, Trigger: trigger, Row: row})
	return nil
}

// SetObjective replaces the objective with sense applied to e.
func (p *Program) SetObjective(sense Sense, e Expr) error {
	if err := p.checkExpr(e); err != nil {
		return fmt.Errorf("objective: %w", err)
	}
	p.objective = Objective{Sense: sense, Terms: e.Terms(), Constant: e.Constant, Set: true}
	return nil
}

// AddStage appends a lexicographic objective stage, highest priority first.
// The first stage also becomes the objective of the program.
func (p *Program) AddStage(sense Sense, e Expr, tolerance float64) error {
	if math.IsNaN(tolerance) || math.IsInf(tolerance, 0) || tolerance < 0 {
		return fmt.Errorf("stage %d: %w: tolerance %g", len(p.stages), ErrBadCoefficient, tolerance)
	}
	if err := p.checkExpr(e); err != nil {
		return fmt.Errorf("stage %d: %w", len(p.stages), err)
	}
	obj := Objective{Sense: sense, Terms: e.Terms(), Constant: e.Constant, Set: true}
	if len(p.stages) == 0 {
		p.objective = obj
	}
	p.stages = append(p.stages, Stage{Objective: obj, Tolerance: tolerance})
	return nil
}

// Stages returns the objective stages, empty for a single objective.
func (p *Program) Stages() []Stage {
	out := slices.Clone(p.stages)
	for i := range out {
		out[i].Objective.Terms = slices.Clone(out[i].Objective.Terms)
	}
	return out
}

// Objective returns the objective.
func (p *Program) Objective() Objective {
	o := p.objective
	o.Terms = slices.Clone(o.Terms)
	return o
}

// Rows returns the constraint rows in insertion order.
func (p *Program) Rows() []Row { return slices.Clone(p.rows) }

// NumRows returns the number of plain rows.
func (p *Program) NumRows() int { return len(p.rows) }

// Indicators returns the indicator constraints in insertion order.
func (p *Program) Indicators() []Indicator { return slices.Clone(p.indicators) }

// Stats summarises the program size.
type Stats struct {
	Variables  int
	Binaries   int
	Rows       int
	Indicators int
	Nonzeros   int
}

// Stats returns the program size.
func (p *Program) Stats() Stats {
	s := Stats{Variables: len(p.vars), Rows: len(p.rows), Indicators: len(p.indicators)}
	for _, v := range p.vars {
		if v.Kind == Binary {
			s.Binaries++
		}
	}
	for _, r := range p.rows {
		s.Nonzeros += len(r.Terms)
	}
	return s
}

// Clone returns a deep copy of p.
func (p *Program) Clone() *Program {
	c := &Program{
		name:      p.name,
		vars:      slices.Clone(p.vars),
		varIndex:  make(map[string]int, len(p.varIndex)),
		rows:      make([]Row, len(p.rows)),
		rowNames:  make(map[string]struct{}, len(p.rowNames)),
		objective: p.Objective(),
		stages:    p.Stages(),
	}
	for k, v := range p.varIndex {
		c.varIndex[k] = v
	}
	for k := range p.rowNames {
		c.rowNames[k] = struct{}{}
	}
	for i, r := range p.rows {
		r.Terms = slices.Clone(r.Terms)
		c.rows[i] = r
	}
	for _, ind := range p.indicators {
		ind.Row.Terms = slices.Clone(ind.Row.Terms)
		c.indicators = append(c.indicators, ind)
	}
	return c
}

// ObjectiveValue evaluates the objective at values.
func (p *Program) ObjectiveValue(values []float64) float64 {
	return p.objective.Constant + evalTerms(p.objective.Terms, values)
}

// Violation describes the worst constraint violation of a point.
type Violation struct {
	// Name is the offending row, indicator or variable.
	Name string
	// Amount is the violation scaled by the row's largest coefficient.
	Amount float64
}

// MaxViolation returns the largest scaled violation of values over bounds,
// integrality, rows and indicators. A feasible point returns Amount 0.
func (p *Program) MaxViolation(values []float64) Violation {
	var worst Violation
	note := func(name string, amount float64) {
		if amount > worst.Amount {
			worst = Violation{Name: name, Amount: amount}
		}
	}
	for i, v := range p.vars {
		x := values[i]
		note(v.Name, v.Lower-x)
		note(v.Name, x-v.Upper)
		if v.Kind == Binary {
			note(v.Name, math.Abs(x-math.Round(x)))
		}
	}
	for _, r := range p.rows {
		note(r.Name, rowViolation(r, values))
	}
	for _, ind := range p.indicators {
		if math.Round(values[ind.Binary]) == float64(ind.Trigger) {
			note(ind.Name, rowViolation(ind.Row, values))
		}
	}
	return worst
}

func rowViolation(r Row, values []float64) float64 {
	scale := 1.0
	for _, t := range r.Terms {
		scale = math.Max(scale, math.Abs(t.Coef))
	}
	lhs := evalTerms(r.Terms, values)
	var v float64
	switch r.Rel {
	case LE:
		v = lhs - r.RHS
	case GE:
		v = r.RHS - lhs
	case EQ:
		v = math.Abs(lhs - r.RHS)
	}
	return v / scale
}
