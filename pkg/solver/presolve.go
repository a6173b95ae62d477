package solver

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/taxsolver/taxsolver/pkg/lp"
)

var (
	errPresolveInfeasible = errors.New("presolve proved infeasibility")
	errPresolveUnbounded  = errors.New("presolve proved unboundedness")
	// ErrIntegerVariables is returned by the gonum backend for programs with
	// binaries that are not fixed.
	ErrIntegerVariables = errors.New("integer variables require a MILP backend")
)

// rangeRow is lower <= sum(coef[k] * x[cols[k]]) <= upper over presolved columns.
type rangeRow struct {
	name  string
	cols  []int
	coefs []float64
	lower float64
	upper float64
}

// presolved is a program reduced to its free continuous part.
type presolved struct {
	prog *lp.Program
	// values holds every variable the presolve fixed; the others are NaN.
	values []float64
	// free lists the program index of each remaining column.
	free []int
	rows []rangeRow
	// dropped counts rows removed as duplicates or as always satisfied.
	dropped int
}

// presolve substitutes fixed variables, resolves indicators on fixed
// binaries, normalises and merges rows, evaluates empty rows and fixes
// columns that appear in no row.
func presolve(prog *lp.Program, tol float64) (*presolved, error) {
	n := prog.NumVariables()
	p := &presolved{prog: prog, values: make([]float64, n)}
	for i, v := range prog.Variables() {
		p.values[i] = math.NaN()
		if v.Fixed() {
			p.values[i] = v.Lower
			continue
		}
		if v.Kind == lp.Binary {
			return nil, fmt.Errorf("%w: %q is not fixed", ErrIntegerVariables, v.Name)
		}
	}

	rows := prog.Rows()
	for _, ind := range prog.Indicators() {
		if int(math.Round(p.values[ind.Binary])) == ind.Trigger {
			rows = append(rows, ind.Row)
		}
	}

	merged := make(map[string]int)
	for _, r := range rows {
		rr, ok := p.substitute(r)
		if !ok {
			p.dropped++
			continue
		}
		if len(rr.cols) == 0 {
			if rr.lower > tol || rr.upper < -tol {
				return nil, fmt.Errorf("%w: row %q has no free variables and needs %g <= 0 <= %g",
					errPresolveInfeasible, r.Name, rr.lower, rr.upper)
			}
			p.dropped++
			continue
		}
		normalize(&rr)
		key := rowKey(rr)
		if at, dup := merged[key]; dup {
			prev := &p.rows[at]
			prev.lower = math.Max(prev.lower, rr.lower)
			prev.upper = math.Min(prev.upper, rr.upper)
			if prev.lower > prev.upper+tol {
				return nil, fmt.Errorf("%w: rows %q and %q conflict", errPresolveInfeasible, prev.name, rr.name)
			}
			p.dropped++
			continue
		}
		merged[key] = len(p.rows)
		p.rows = append(p.rows, rr)
	}

	if err := p.fixEmptyColumns(); err != nil {
		return nil, err
	}
	return p, nil
}

// substitute moves fixed variables to the bounds of r. It reports false for
// rows that bound nothing.
func (p *presolved) substitute(r lp.Row) (rangeRow, bool) {
	rr := rangeRow{name: r.Name, lower: math.Inf(-1), upper: math.Inf(1)}
	switch r.Rel {
	case lp.LE:
		rr.upper = r.RHS
	case lp.GE:
		rr.lower = r.RHS
	case lp.EQ:
		rr.lower, rr.upper = r.RHS, r.RHS
	}
	var fixed float64
	for _, t := range r.Terms {
		if v := p.values[t.Var]; !math.IsNaN(v) {
			fixed += t.Coef * v
			continue
		}
		rr.cols = append(rr.cols, t.Var)
		rr.coefs = append(rr.coefs, t.Coef)
	}
	rr.lower -= fixed
	rr.upper -= fixed
	return rr, !math.IsInf(rr.lower, -1) || !math.IsInf(rr.upper, 1)
}

// normalize scales rr so its largest coefficient is 1 in magnitude and its
// first coefficient is positive.
func normalize(rr *rangeRow) {
	scale := floats.Norm(rr.coefs, math.Inf(1))
	if rr.coefs[0] < 0 {
		scale = -scale
	}
	floats.Scale(1/scale, rr.coefs)
	lo, hi := rr.lower/scale, rr.upper/scale
	if scale < 0 {
		lo, hi = hi, lo
	}
	rr.lower, rr.upper = lo, hi
}

func rowKey(rr rangeRow) string {
	var sb strings.Builder
	for k, c := range rr.cols {
		sb.WriteString(strconv.Itoa(c))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(noNegZero(rr.coefs[k]), 'g', 12, 64))
		sb.WriteByte(' ')
	}
	return sb.String()
}

// noNegZero folds negative zero into zero so equal rows share a key.
func noNegZero(v float64) float64 {
	if v == 0 {
		return 0
	}
	return v
}

// fixEmptyColumns pins every free variable that no row mentions to the bound
// its objective coefficient prefers.
func (p *presolved) fixEmptyColumns() error {
	used := make(map[int]bool)
	for _, r := range p.rows {
		for _, c := range r.cols {
			used[c] = true
		}
	}
	cost := minimizeCosts(p.prog)
	for i, v := range p.prog.Variables() {
		if !math.IsNaN(p.values[i]) {
			continue
		}
		if used[i] {
			p.free = append(p.free, i)
			continue
		}
		switch c := cost[i]; {
		case c > 0 && math.IsInf(v.Lower, -1), c < 0 && math.IsInf(v.Upper, 1):
			return fmt.Errorf("%w: variable %q", errPresolveUnbounded, v.Name)
		case c > 0:
			p.values[i] = v.Lower
		case c < 0:
			p.values[i] = v.Upper
		case !math.IsInf(v.Lower, -1):
			p.values[i] = v.Lower
		case !math.IsInf(v.Upper, 1):
			p.values[i] = v.Upper
		default:
			p.values[i] = 0
		}
	}
	sort.Ints(p.free)
	return nil
}

// minimizeCosts returns the objective coefficients of prog as a
// minimization.
func minimizeCosts(prog *lp.Program) []float64 {
	cost := make([]float64, prog.NumVariables())
	obj := prog.Objective()
	if !obj.Set {
		return cost
	}
	for _, t := range obj.Terms {
		cost[t.Var] = t.Coef
	}
	if obj.Sense == lp.Maximize {
		floats.Scale(-1, cost)
	}
	return cost
}
