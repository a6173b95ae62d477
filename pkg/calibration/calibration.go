// Package calibration checks, before any solver runs, whether the registered
// constraints can be met at all within the rule bounds.
//
// Every check is interval arithmetic over the variable box of the program, so
// the report is cheap and never wrong when it claims infeasibility. It can
// miss infeasibility that only the interaction of several rows reveals.
package calibration

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/go-logr/logr"

	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/pkg/constraints"
	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/lp"
	"github.com/taxsolver/taxsolver/pkg/rules"
)

// Epsilon absorbs rounding in range comparisons.
const Epsilon = 1e-6

// maxExamples caps the household ids kept per Income check.
const maxExamples = 5

// Interval is a closed range of values.
type Interval struct {
	Min float64
	Max float64
}

func (i Interval) String() string {
	return fmt.Sprintf("[%g, %g]", i.Min, i.Max)
}

func (i Interval) intersect(o Interval) (Interval, bool) {
	out := Interval{Min: math.Max(i.Min, o.Min), Max: math.Min(i.Max, o.Max)}
	return out, out.Min <= out.Max+Epsilon
}

// BudgetCheck compares a Budget window with what the rules can reach.
type BudgetCheck struct {
	Label string
	// Balance is the current aggregate tax balance -sum w(before - after).
	Balance   float64
	Window    Interval
	Reachable Interval
	// Feasible is false when Window and Reachable do not overlap.
	Feasible bool
}

// IncomeCheck counts households whose tolerance band is out of reach.
type IncomeCheck struct {
	Label       string
	Tolerance   float64
	Households  int
	Unreachable int
	// Examples lists the first unreachable household ids.
	Examples []string
}

// PressureCheck compares the marginal pressure limit with current rates and
// with the lowest rates the rules allow.
type PressureCheck struct {
	Label string
	Limit float64
	// CurrentMax is the highest marginal_rate_current among the households.
	CurrentMax float64
	// LowestMax is the smallest achievable value of the highest new marginal rate.
	LowestMax float64
	Feasible  bool
}

// Report gathers the pre-solve checks. It implements core.Diagnosis.
type Report struct {
	Budgets   []BudgetCheck
	Incomes   []IncomeCheck
	Pressures []PressureCheck
}

var _ core.Diagnosis = (*Report)(nil)

// Impossible reports whether any check proves the program infeasible.
func (r *Report) Impossible() bool {
	if r == nil {
		return false
	}
	for _, b := range r.Budgets {
		if !b.Feasible {
			return true
		}
	}
	for _, i := range r.Incomes {
		if i.Unreachable > 0 {
			return true
		}
	}
	for _, p := range r.Pressures {
		if !p.Feasible {
			return true
		}
	}
	return false
}

// Summary describes the failed checks in one line.
func (r *Report) Summary() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, b := range r.Budgets {
		if !b.Feasible {
			parts = append(parts, fmt.Sprintf("budget %q window %s outside reachable %s", b.Label, b.Window, b.Reachable))
		}
	}
	for _, i := range r.Incomes {
		if i.Unreachable > 0 {
			parts = append(parts, fmt.Sprintf("income %q: %d of %d households out of reach (%s)",
				i.Label, i.Unreachable, i.Households, strings.Join(i.Examples, ", ")))
		}
	}
	for _, p := range r.Pressures {
		if !p.Feasible {
			parts = append(parts, fmt.Sprintf("marginal pressure %q: limit %g below lowest reachable %g", p.Label, p.Limit, p.LowestMax))
		}
	}
	return strings.Join(parts, "; ")
}

// Calibrate runs every check against the compiled rules and the variable
// bounds of prog, and logs the findings.
func Calibrate(ctx context.Context, prog *lp.Program, compiled *rules.Compiled, specs []constraints.Spec) *Report {
	logger := logr.FromContextOrDiscard(ctx)
	box := rateBox(prog)
	store := compiled.Store

	// the tightest known range of each household's new income
	incomes := make([]Interval, store.Len())
	for i := range incomes {
		incomes[i] = exprRange(compiled.NewIncome(i), box)
	}

	report := &Report{}
	for _, spec := range specs {
		if spec.Type != constraints.Income {
			continue
		}
		households, err := constraints.Households(store, spec)
		if err != nil {
			continue
		}
		check := IncomeCheck{Label: spec.Label, Tolerance: spec.Tolerance, Households: len(households)}
		for _, h := range households {
			cur := h.IncomeAfterTax()
			band := Interval{Min: cur - spec.Tolerance*math.Abs(cur), Max: cur + spec.Tolerance*math.Abs(cur)}
			narrowed, ok := incomes[h.Index()].intersect(band)
			if !ok {
				check.Unreachable++
				if len(check.Examples) < maxExamples {
					check.Examples = append(check.Examples, h.ID())
				}
				continue
			}
			incomes[h.Index()] = narrowed
		}
		report.Incomes = append(report.Incomes, check)
	}

	for _, spec := range specs {
		switch spec.Type {
		case constraints.Budget:
			households, err := constraints.Households(store, spec)
			if err != nil {
				continue
			}
			check := BudgetCheck{Label: spec.Label, Window: Interval{Min: spec.Lower, Max: spec.Upper}}
			for _, h := range households {
				w := h.Weight()
				if w == 0 {
					continue
				}
				check.Balance -= w * (h.IncomeBeforeTax() - h.IncomeAfterTax())
				cost := Interval{Min: incomes[h.Index()].Min - h.IncomeAfterTax(), Max: incomes[h.Index()].Max - h.IncomeAfterTax()}
				if compiled.Responds(h.Index()) {
					// the response moves the cost away from the income change
					cost = exprRange(compiled.Cost(h.Index()), box)
				}
				check.Reachable.Min += w * cost.Min
				check.Reachable.Max += w * cost.Max
			}
			_, check.Feasible = check.Reachable.intersect(check.Window)
			report.Budgets = append(report.Budgets, check)
		case constraints.MarginalPressure:
			households, err := constraints.Households(store, spec)
			if err != nil {
				continue
			}
			check := PressureCheck{Label: spec.Label, Limit: spec.Limit, CurrentMax: math.Inf(-1)}
			lowest := math.Inf(-1)
			for _, h := range households {
				check.CurrentMax = math.Max(check.CurrentMax, h.MarginalRateCurrent())
				if mr := compiled.MarginalRates[h.Index()]; mr.Len() > 0 {
					lowest = math.Max(lowest, exprRange(mr, box).Min)
				}
			}
			if len(households) == 0 {
				check.CurrentMax = 0
			}
			check.LowestMax = math.Max(lowest, 0)
			check.Feasible = check.LowestMax <= spec.Limit+Epsilon
			report.Pressures = append(report.Pressures, check)
		}
	}

	for _, b := range report.Budgets {
		logger.Info("Budget calibration", "label", b.Label, "balance", b.Balance,
			"window", b.Window.String(), "reachable", b.Reachable.String(), "feasible", b.Feasible)
	}
	for _, i := range report.Incomes {
		logger.V(logging.DEBUG).Info("Income calibration", "label", i.Label,
			"households", i.Households, "unreachable", i.Unreachable)
	}
	for _, p := range report.Pressures {
		logger.V(logging.DEBUG).Info("Marginal pressure calibration", "label", p.Label,
			"limit", p.Limit, "currentMax", p.CurrentMax, "lowestMax", p.LowestMax)
	}
	if report.Impossible() {
		logger.Info("Calibration proves the program infeasible", "summary", report.Summary())
	}
	return report
}

// rateBox returns the bounds of every program variable. Switchable rates
// always contain 0 in their bounds, so the box covers switched-off rules.
func rateBox(prog *lp.Program) []Interval {
	box := make([]Interval, prog.NumVariables())
	for i, v := range prog.Variables() {
		box[i] = Interval{Min: v.Lower, Max: v.Upper}
	}
	return box
}

func exprRange(e lp.Expr, box []Interval) Interval {
	out := Interval{Min: e.Constant, Max: e.Constant}
	for _, t := range e.Terms() {
		b := box[t.Var]
		if t.Coef > 0 {
			out.Min += t.Coef * b.Min
			out.Max += t.Coef * b.Max
		} else {
			out.Min += t.Coef * b.Max
			out.Max += t.Coef * b.Min
		}
	}
	return out
}
