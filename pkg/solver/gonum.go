package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	glp "gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/pkg/lp"
)

const (
	// simplexTol is the reduced cost tolerance passed to the simplex.
	simplexTol = 1e-10
	// unboundedBox bounds every open column once a working program turns
	// out unbounded. A final point at half of it is reported as unbounded.
	unboundedBox = 1e9
	// minBatch is the least number of violated rows added per round.
	minBatch = 16
)

// GonumSolver solves continuous programs with the gonum simplex.
type GonumSolver struct {
	opts Options
}

// NewGonumSolver returns a gonum backend.
func NewGonumSolver(opts Options) *GonumSolver {
	return &GonumSolver{opts: opts.withDefaults()}
}

func (g *GonumSolver) Name() string { return GonumBackend.String() }

// Solve presolves prog and runs row generation on the rest: the simplex
// only ever sees the rows that the previous working point violated. The
// run is bounded by ctx and by the session time limit, and the recovered
// point is checked against every row of prog.
func (g *GonumSolver) Solve(ctx context.Context, session *Session, prog *lp.Program) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient(g.Name(), err)
	}
	logger := session.Logger.WithValues("backend", g.Name())

	pre, err := presolve(prog, g.opts.Tolerance)
	switch {
	case errors.Is(err, errPresolveInfeasible):
		logger.V(logging.DEBUG).Info("Presolve proved infeasibility", "detail", err.Error())
		return &Result{Status: Infeasible, Detail: err.Error()}, nil
	case errors.Is(err, errPresolveUnbounded):
		return &Result{Status: Unbounded, Detail: err.Error()}, nil
	case err != nil:
		return nil, fatal(g.Name(), err)
	}
	logger.V(logging.DEBUG).Info("Presolved program",
		"columns", len(pre.free), "rows", len(pre.rows), "droppedRows", pre.dropped)

	values := pre.values
	detail := "optimal"
	if len(pre.free) > 0 {
		out, err := g.generate(ctx, session, logger, pre)
		if err != nil {
			return nil, err
		}
		if out.status != Optimal {
			return &Result{Status: out.status, Detail: out.detail}, nil
		}
		values, detail = out.values, out.detail
	}

	if v := prog.MaxViolation(values); v.Amount > g.opts.Tolerance {
		return nil, fatal(g.Name(), fmt.Errorf("recovered point violates %q by %g", v.Name, v.Amount))
	}
	obj := prog.ObjectiveValue(values)
	logger.V(logging.DEBUG).Info("Simplex finished", "objective", obj, "detail", detail,
		"elapsed", session.Elapsed().String())
	return &Result{Status: Optimal, Values: values, Objective: obj, Detail: detail}, nil
}

type generated struct {
	status Status
	values []float64
	detail string
	err    error
}

// generate runs row generation in its own goroutine and gives up when ctx
// ends or the session time limit passes. An abandoned simplex finishes in
// the background and its result is dropped.
func (g *GonumSolver) generate(ctx context.Context, session *Session, logger logr.Logger, pre *presolved) (generated, error) {
	if session.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, session.TimeLimit)
		defer cancel()
	}
	done := make(chan generated, 1)
	go func() {
		done <- rowGeneration(ctx, logger, pre, g.opts.Tolerance)
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return out, transient(g.Name(), out.err)
			}
			return out, fatal(g.Name(), out.err)
		}
		return out, nil
	case <-ctx.Done():
		logger.Info("Simplex interrupted", "elapsed", session.Elapsed().String(), "reason", ctx.Err().Error())
		return generated{}, transient(g.Name(), fmt.Errorf("simplex interrupted: %w", ctx.Err()))
	}
}

// rowGeneration solves pre by growing a working set of rows. Each round
// solves the working program and adds the rows its optimum violates most,
// until no row is violated. Rows are never removed, so the loop ends.
func rowGeneration(ctx context.Context, logger logr.Logger, pre *presolved, tol float64) generated {
	cols := newColumns(pre)
	values := slices.Clone(pre.values)
	inWork := make([]bool, len(pre.rows))
	var work []rangeRow
	batch := max(minBatch, 2*cols.ny)
	box := 0.0

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return generated{err: err}
		}
		y, err := cols.solve(work, box)
		switch {
		case errors.Is(err, glp.ErrInfeasible):
			return generated{status: Infeasible, detail: err.Error()}
		case errors.Is(err, glp.ErrUnbounded) && box == 0:
			logger.V(logging.TRACE).Info("Working program unbounded, boxing open columns", "round", round)
			box = unboundedBox
			continue
		case errors.Is(err, glp.ErrUnbounded):
			return generated{status: Unbounded, detail: err.Error()}
		case err != nil:
			return generated{err: fmt.Errorf("simplex: %w", err)}
		}
		cols.recover(y, values)

		violated := violatedRows(pre.rows, inWork, values, tol/10)
		logger.V(logging.TRACE).Info("Row generation round", "round", round,
			"workingRows", len(work), "violatedRows", len(violated))
		if len(violated) == 0 {
			if box > 0 && cols.atBox(values, box/2) {
				return generated{status: Unbounded, detail: "objective improves without bound"}
			}
			return generated{
				status: Optimal,
				values: values,
				detail: fmt.Sprintf("optimal after %d rounds on %d of %d rows", round, len(work), len(pre.rows)),
			}
		}
		for _, i := range violated[:min(batch, len(violated))] {
			inWork[i] = true
			work = append(work, pre.rows[i])
		}
	}
}

// violatedRows returns the rows outside the working set whose violation at
// values exceeds tol, worst first.
func violatedRows(rows []rangeRow, inWork []bool, values []float64, tol float64) []int {
	type violation struct {
		row    int
		amount float64
	}
	var found []violation
	for i, r := range rows {
		if inWork[i] {
			continue
		}
		var lhs float64
		for k, c := range r.cols {
			lhs += r.coefs[k] * values[c]
		}
		if v := math.Max(r.lower-lhs, lhs-r.upper); v > tol {
			found = append(found, violation{row: i, amount: v})
		}
	}
	slices.SortStableFunc(found, func(a, b violation) int {
		switch {
		case a.amount > b.amount:
			return -1
		case a.amount < b.amount:
			return 1
		}
		return 0
	})
	out := make([]int, len(found))
	for k, v := range found {
		out[k] = v.row
	}
	return out
}

// shift records how a program variable maps onto nonnegative columns:
// x = offset + sign*y[pos] - y[neg].
type shift struct {
	variable int
	offset   float64
	sign     float64
	pos      int
	// neg is -1 unless the variable is free and split in two columns.
	neg int
	// open is set when a side of the variable is infinite.
	open bool
}

// columns is the column layout shared by every working program.
type columns struct {
	shifts []shift
	index  map[int]int
	ny     int
	cost   []float64
	// upper holds the finite widths y[col] <= max of shifted columns.
	upper []columnBound
}

type columnBound struct {
	col int
	max float64
}

func newColumns(pre *presolved) *columns {
	cols := &columns{index: make(map[int]int, len(pre.free))}
	for k, vi := range pre.free {
		v := pre.prog.Variable(vi)
		cols.index[vi] = k
		s := shift{variable: vi, pos: cols.ny, neg: -1}
		switch {
		case !math.IsInf(v.Lower, -1):
			s.offset, s.sign = v.Lower, 1
			if math.IsInf(v.Upper, 1) {
				s.open = true
			} else {
				cols.upper = append(cols.upper, columnBound{col: cols.ny, max: v.Upper - v.Lower})
			}
			cols.ny++
		case !math.IsInf(v.Upper, 1):
			s.offset, s.sign, s.open = v.Upper, -1, true
			cols.ny++
		default:
			s.sign, s.neg, s.open = 1, cols.ny+1, true
			cols.ny += 2
		}
		cols.shifts = append(cols.shifts, s)
	}

	full := minimizeCosts(pre.prog)
	cols.cost = make([]float64, cols.ny)
	for _, s := range cols.shifts {
		cols.cost[s.pos] += full[s.variable] * s.sign
		if s.neg >= 0 {
			cols.cost[s.neg] -= full[s.variable]
		}
	}
	if scale := floats.Norm(cols.cost, math.Inf(1)); scale > 0 {
		floats.Scale(1/scale, cols.cost)
	}
	return cols
}

// solve runs the simplex on minimize cost'y subject to the working rows,
// the finite column widths and, when box is positive, |x - offset| <= box
// on open columns. The program is put in standard form A = [G I] over the
// slacks of G y <= h.
func (cols *columns) solve(work []rangeRow, box float64) ([]float64, error) {
	var g [][]float64
	var h []float64
	add := func(line []float64, rhs float64) {
		g = append(g, line)
		h = append(h, rhs)
	}
	for _, r := range work {
		line := make([]float64, cols.ny)
		var constant float64
		for k, vi := range r.cols {
			s := cols.shifts[cols.index[vi]]
			a := r.coefs[k]
			line[s.pos] += a * s.sign
			if s.neg >= 0 {
				line[s.neg] -= a
			}
			constant += a * s.offset
		}
		if !math.IsInf(r.upper, 1) {
			add(line, r.upper-constant)
		}
		if !math.IsInf(r.lower, -1) {
			neg := make([]float64, cols.ny)
			floats.ScaleTo(neg, -1, line)
			add(neg, constant-r.lower)
		}
	}
	for _, b := range cols.upper {
		line := make([]float64, cols.ny)
		line[b.col] = 1
		add(line, b.max)
	}
	if box > 0 {
		for _, s := range cols.shifts {
			if !s.open {
				continue
			}
			line := make([]float64, cols.ny)
			line[s.pos] = 1
			if s.neg >= 0 {
				line[s.neg] = -1
				neg := make([]float64, cols.ny)
				floats.ScaleTo(neg, -1, line)
				add(neg, box)
			}
			add(line, box)
		}
	}

	// columns no working row touches rest at 0 unless their cost falls
	var used []int
	for j := range cols.ny {
		if slices.ContainsFunc(g, func(line []float64) bool { return line[j] != 0 }) {
			used = append(used, j)
			continue
		}
		if cols.cost[j] < 0 {
			return nil, glp.ErrUnbounded
		}
	}
	y := make([]float64, cols.ny)
	if len(used) == 0 {
		return y, nil
	}

	m := len(g)
	n := len(used) + m
	a := mat.NewDense(m, n, nil)
	c := make([]float64, n)
	for k, j := range used {
		c[k] = cols.cost[j]
		for i, line := range g {
			a.Set(i, k, line[j])
		}
	}
	for i := range m {
		a.Set(i, len(used)+i, 1)
	}
	_, x, err := glp.Simplex(c, a, h, simplexTol, nil)
	if err != nil {
		return nil, err
	}
	for k, j := range used {
		y[j] = x[k]
	}
	return y, nil
}

// recover writes the program values of the standard form solution y.
func (cols *columns) recover(y []float64, values []float64) {
	for _, s := range cols.shifts {
		x := s.offset + s.sign*y[s.pos]
		if s.neg >= 0 {
			x -= y[s.neg]
		}
		values[s.variable] = x
	}
}

// atBox reports whether an open column sits at least limit away from its
// finite side, or from 0 when it has none.
func (cols *columns) atBox(values []float64, limit float64) bool {
	for _, s := range cols.shifts {
		if s.open && math.Abs(values[s.variable]-s.offset) >= limit {
			return true
		}
	}
	return false
}
