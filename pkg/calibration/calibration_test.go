package calibration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/taxsolver/taxsolver/pkg/constraints"
	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/lp"
	"github.com/taxsolver/taxsolver/pkg/rules"
)

// two households taxed at a flat 20% today
func compile(t *testing.T, flat rules.Spec) (*lp.Program, *rules.Compiled) {
	t.Helper()
	records := []core.Record{
		{ID: "a", Attributes: map[string]float64{
			core.AttrIncomeBeforeTax: 10000, core.AttrIncomeAfterTax: 8000, core.AttrMarginalRateCurrent: 0.2,
		}},
		{ID: "b", Weight: ptr.To(1.0), Attributes: map[string]float64{
			core.AttrIncomeBeforeTax: 50000, core.AttrIncomeAfterTax: 40000, core.AttrMarginalRateCurrent: 0.4,
		}},
	}
	store, err := core.NewStore(context.Background(), records)
	require.NoError(t, err)
	prog := lp.New("test")
	compiled, err := rules.NewCompiler().Compile(context.Background(), store, prog, []rules.Spec{flat})
	require.NoError(t, err)
	return prog, compiled
}

func TestBudgetCheck(t *testing.T) {
	tests := []struct {
		name      string
		specs     []constraints.Spec
		reachable Interval
		feasible  bool
	}{
		{
			name:      "Test case 1: open window inside the box",
			specs:     []constraints.Spec{constraints.NewBudget("budget", 0, 0)},
			reachable: Interval{Min: -48000, Max: 12000},
			feasible:  true,
		},
		{
			name:      "Test case 2: window above the box",
			specs:     []constraints.Spec{constraints.NewBudget("budget", 20000, 30000)},
			reachable: Interval{Min: -48000, Max: 12000},
			feasible:  false,
		},
		{
			name: "Test case 3: zero tolerance pins the reachable budget",
			specs: []constraints.Spec{
				constraints.NewIncome(0),
				constraints.NewBudget("budget", 100, 200),
			},
			reachable: Interval{Min: 0, Max: 0},
			feasible:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, compiled := compile(t, rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 1))
			report := Calibrate(context.Background(), prog, compiled, tt.specs)
			require.Len(t, report.Budgets, 1)
			b := report.Budgets[0]
			assert.InDelta(t, -12000, b.Balance, 1e-9)
			assert.InDelta(t, tt.reachable.Min, b.Reachable.Min, 1e-6)
			assert.InDelta(t, tt.reachable.Max, b.Reachable.Max, 1e-6)
			assert.Equal(t, tt.feasible, b.Feasible)
			assert.Equal(t, !tt.feasible, report.Impossible())
		})
	}
}

func TestIncomeCheck(t *testing.T) {
	prog, compiled := compile(t, rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 0.1))
	report := Calibrate(context.Background(), prog, compiled, []constraints.Spec{
		constraints.NewIncome(0.05),
	})
	require.Len(t, report.Incomes, 1)
	assert.Equal(t, 2, report.Incomes[0].Households)
	assert.Equal(t, 2, report.Incomes[0].Unreachable)
	assert.Equal(t, []string{"a", "b"}, report.Incomes[0].Examples)
	assert.True(t, report.Impossible())
	assert.Contains(t, report.Summary(), `income "income": 2 of 2 households`)
}

func TestPressureCheck(t *testing.T) {
	tests := []struct {
		name     string
		limit    float64
		feasible bool
	}{
		{name: "Test case 1: limit above the rate floor", limit: 0.5, feasible: true},
		{name: "Test case 2: limit below the rate floor", limit: 0.25, feasible: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flat := rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0.3, 1)
			flat.MarginalPressure = true
			prog, compiled := compile(t, flat)
			report := Calibrate(context.Background(), prog, compiled, []constraints.Spec{
				constraints.NewMarginalPressure("pressure", tt.limit),
			})
			require.Len(t, report.Pressures, 1)
			p := report.Pressures[0]
			assert.InDelta(t, 0.4, p.CurrentMax, 1e-12)
			assert.InDelta(t, 0.3, p.LowestMax, 1e-12)
			assert.Equal(t, tt.feasible, p.Feasible)
			assert.Equal(t, !tt.feasible, report.Impossible())
		})
	}
}

func TestBudgetCheckWithResponses(t *testing.T) {
	flat := rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 1)
	flat.MarginalPressure = true
	prog, compiled := compile(t, flat)
	specs := []constraints.Spec{
		constraints.NewBehavioralEffects(ptr.To(0.25)),
		constraints.NewBudget("budget", 0, 0),
	}
	_, err := constraints.NewBuilder().Build(context.Background(), prog, compiled, specs)
	require.NoError(t, err)

	report := Calibrate(context.Background(), prog, compiled, specs)
	require.Len(t, report.Budgets, 1)
	b := report.Budgets[0]
	// a costs 1900 - 9500r and b costs 8000 - 45000r
	assert.InDelta(t, -44600, b.Reachable.Min, 1e-6)
	assert.InDelta(t, 9900, b.Reachable.Max, 1e-6)
	assert.True(t, b.Feasible)
}

func TestNilReport(t *testing.T) {
	var r *Report
	assert.False(t, r.Impossible())
	assert.Empty(t, r.Summary())
}
