// Package solution turns raw backend values into the rates table and the
// per-household outcomes of a solved reform.
package solution

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/taxsolver/taxsolver/pkg/calibration"
	"github.com/taxsolver/taxsolver/pkg/rules"
)

// ZeroTolerance is the magnitude below which solver output is taken as 0.
const ZeroTolerance = 1e-9

// Status is the outcome status of a solve.
type Status string

const (
	Optimal Status = "OPTIMAL"
	// Feasible marks a solve without objective: any feasible point is returned.
	Feasible     Status = "FEASIBLE"
	Infeasible   Status = "INFEASIBLE"
	Unbounded    Status = "UNBOUNDED"
	SolverFailed Status = "SOLVER_ERROR"
)

// RateRow is one line of the rates table.
type RateRow struct {
	RuleName string
	RuleType string
	VarName  string
	Rate     float64
	// B is 1 when the variable is active.
	B      int
	Weight float64
}

// RatesTable lists every rate variable in rule registration order.
type RatesTable []RateRow

// CSVHeader is the fixed column order of WriteCSV.
var CSVHeader = []string{"rule_name", "rule_type", "var_name", "rate", "b", "weight"}

// WriteCSV writes the table with a header line.
func (t RatesTable) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range t {
		record := []string{
			r.RuleName,
			r.RuleType,
			r.VarName,
			strconv.FormatFloat(r.Rate, 'g', -1, 64),
			strconv.Itoa(r.B),
			strconv.FormatFloat(r.Weight, 'g', -1, 64),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Lookup returns the row of the named variable.
func (t RatesTable) Lookup(varName string) (RateRow, bool) {
	for _, r := range t {
		if r.VarName == varName {
			return r, true
		}
	}
	return RateRow{}, false
}

// HouseholdOutcome compares a household's net income under the reform with
// its baseline.
type HouseholdOutcome struct {
	ID       string
	Weight   float64
	Baseline float64
	New      float64
	// Change is New - Baseline.
	Change float64
	// MarginalRate is the household's new marginal rate.
	MarginalRate float64
}

// SolvedSystem is the read-only result of a successful solve.
type SolvedSystem struct {
	Status     Status
	Objective  float64
	Rates      RatesTable
	Households []HouseholdOutcome
	Report     *calibration.Report
	SessionID  string
}

// Rate returns the rate of the named variable.
func (s *SolvedSystem) Rate(varName string) (float64, bool) {
	r, ok := s.Rates.Lookup(varName)
	return r.Rate, ok
}

// TotalChange returns the weighted sum of net income changes.
func (s *SolvedSystem) TotalChange() float64 {
	var total float64
	for _, h := range s.Households {
		total += h.Weight * h.Change
	}
	return total
}

// Input is what Extract reads from a finished solve.
type Input struct {
	Status    Status
	Values    []float64
	Objective float64
	Report    *calibration.Report
	SessionID string
}

// Extract builds the solved system from the backend values of compiled's
// variables. Rates within ZeroTolerance of 0 are reported as 0, and the
// household outcomes are recomputed from the reported rates.
func Extract(compiled *rules.Compiled, in Input) (*SolvedSystem, error) {
	values := make([]float64, len(in.Values))
	copy(values, in.Values)

	out := &SolvedSystem{
		Status:    in.Status,
		Objective: in.Objective,
		Report:    in.Report,
		SessionID: in.SessionID,
		Rates:     make(RatesTable, 0, len(compiled.Variables)),
	}
	for _, v := range compiled.Variables {
		if v.Rate >= len(values) || v.Activation >= len(values) {
			return nil, fmt.Errorf("solution has %d values, variable %q needs more", len(values), v.Name)
		}
		rate := clean(values[v.Rate])
		values[v.Rate] = rate

		b := 0
		if v.Activation != rules.NoActivation {
			b = int(math.Round(values[v.Activation]))
		} else if rate != 0 {
			b = 1
		}
		spec := compiled.Rules[v.Rule].Spec
		out.Rates = append(out.Rates, RateRow{
			RuleName: spec.Name,
			RuleType: spec.Type.String(),
			VarName:  v.Name,
			Rate:     rate,
			B:        b,
			Weight:   spec.EffectiveWeight(),
		})
	}

	households := compiled.Store.Households()
	out.Households = make([]HouseholdOutcome, len(households))
	for i, h := range households {
		newIncome := compiled.NewIncome(i).Eval(values)
		out.Households[i] = HouseholdOutcome{
			ID:           h.ID(),
			Weight:       h.Weight(),
			Baseline:     h.IncomeAfterTax(),
			New:          newIncome,
			Change:       newIncome - h.IncomeAfterTax(),
			MarginalRate: compiled.MarginalRates[i].Eval(values),
		}
	}
	return out, nil
}

func clean(v float64) float64 {
	if math.Abs(v) < ZeroTolerance {
		return 0
	}
	return v
}
