package constraints

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/lp"
	"github.com/taxsolver/taxsolver/pkg/rules"
)

// two households taxed at a flat 20% today
func setup(t *testing.T, specs ...rules.Spec) (*rules.Compiled, *lp.Program) {
	t.Helper()
	records := []core.Record{
		{ID: "a", Weight: ptr.To(2.0), Attributes: map[string]float64{
			core.AttrIncomeBeforeTax: 10000, core.AttrIncomeAfterTax: 8000,
		}},
		{ID: "b", Attributes: map[string]float64{
			core.AttrIncomeBeforeTax: 50000, core.AttrIncomeAfterTax: 40000,
		}},
	}
	store, err := core.NewStore(context.Background(), records)
	require.NoError(t, err)
	if len(specs) == 0 {
		specs = []rules.Spec{rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 1)}
	}
	prog := lp.New("test")
	compiled, err := rules.NewCompiler().Compile(context.Background(), store, prog, specs)
	require.NoError(t, err)
	return compiled, prog
}

func TestIncomeRows(t *testing.T) {
	compiled, prog := setup(t)
	built, err := NewBuilder().Build(context.Background(), prog, compiled, []Spec{NewIncome(0.05)})
	require.NoError(t, err)
	assert.Equal(t, 4, built.Rows)

	tests := []struct {
		rate     float64
		feasible bool
	}{
		{rate: 0.2, feasible: true},
		{rate: 0.16, feasible: true},
		// a's income would rise 5% above 8000
		{rate: 0.15, feasible: false},
		{rate: 0.25, feasible: false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("rate %.2f", tt.rate), func(t *testing.T) {
			v := prog.MaxViolation([]float64{tt.rate})
			assert.Equal(t, tt.feasible, v.Amount <= 1e-9, "violation %+v", v)
		})
	}
}

func TestZeroToleranceUsesTwoRows(t *testing.T) {
	compiled, prog := setup(t)
	built, err := NewBuilder().Build(context.Background(), prog, compiled, []Spec{NewIncome(0, "b")})
	require.NoError(t, err)
	assert.Equal(t, 2, built.Rows)
	assert.LessOrEqual(t, prog.MaxViolation([]float64{0.2}).Amount, 1e-9)
	assert.Greater(t, prog.MaxViolation([]float64{0.2001}).Amount, 1e-6)
}

func TestBudgetMeasure(t *testing.T) {
	compiled, prog := setup(t)
	built, err := NewBuilder().Build(context.Background(), prog, compiled, []Spec{
		NewBudget("neutral", 0, 0),
		NewBudget("band", -1000, 1000),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, built.Rows)

	measure, ok := built.Measure("neutral")
	require.True(t, ok)
	// 2*(10000(1-r) - 8000) + (50000(1-r) - 40000)
	assert.InDelta(t, 0, measure.Eval([]float64{0.2}), 1e-9)
	assert.InDelta(t, -700, measure.Eval([]float64{0.21}), 1e-9)

	rows := prog.Rows()
	assert.Equal(t, lp.EQ, rows[0].Rel)
	assert.Equal(t, "band:lo", rows[1].Name)
	assert.LessOrEqual(t, prog.MaxViolation([]float64{0.2}).Amount, 1e-9)

	_, ok = built.Measure("missing")
	assert.False(t, ok)
}

func TestMarginalPressure(t *testing.T) {
	flat := rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 1)
	flat.MarginalPressure = true
	compiled, prog := setup(t, flat)

	built, err := NewBuilder().Build(context.Background(), prog, compiled, []Spec{NewMarginalPressure("mp", 0.5)})
	require.NoError(t, err)
	z, ok := built.PressureVariable("mp")
	require.True(t, ok)
	assert.Equal(t, 0.5, prog.Variable(z).Upper)
	assert.Equal(t, 2, built.Rows)

	assert.Zero(t, prog.MaxViolation([]float64{0.4, 0.4}).Amount)
	assert.Positive(t, prog.MaxViolation([]float64{0.4, 0.3}).Amount)
	assert.Positive(t, prog.MaxViolation([]float64{0.6, 0.6}).Amount)
}

func TestRuleConstraints(t *testing.T) {
	a := rules.NewBenefit("a", core.AttrIncomeBeforeTax, 1)
	a.Switchable = true
	b := rules.NewBenefit("b", core.AttrIncomeBeforeTax, 1)
	b.Switchable = true
	compiled, prog := setup(t, a, b)

	built, err := NewBuilder().Build(context.Background(), prog, compiled, []Spec{
		NewFixRate("a", 0.5),
		NewForceActive("a"),
		NewMutuallyExclusive("one_of", "a", "b"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, built.Rows)

	va, _ := compiled.Variable("a")
	vb, _ := compiled.Variable("b")
	x := make([]float64, prog.NumVariables())
	x[va.Rate], x[va.Activation] = 0.5, 1
	assert.Zero(t, prog.MaxViolation(x).Amount)

	x[vb.Activation] = 1
	assert.Positive(t, prog.MaxViolation(x).Amount, "both active")
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		specs   []Spec
		wantErr error
	}{
		{name: "Test case 1: negative tolerance", specs: []Spec{NewIncome(-0.1)}, wantErr: core.ErrInvalidValue},
		{name: "Test case 2: inverted budget", specs: []Spec{NewBudget("b", 1, -1)}, wantErr: core.ErrInvalidBounds},
		{name: "Test case 3: unknown household", specs: []Spec{NewBudget("b", 0, 0, "zz")}, wantErr: core.ErrUnknownReference},
		{name: "Test case 4: unknown variable", specs: []Spec{NewFixRate("nope", 0)}, wantErr: core.ErrUnknownReference},
		{name: "Test case 5: force without activation", specs: []Spec{NewForceActive("flat")}, wantErr: core.ErrInvalidValue},
		{name: "Test case 6: duplicate labels", specs: []Spec{NewBudget("b", 0, 0), NewBudget("b", 0, 1)}, wantErr: core.ErrDuplicateName},
		{name: "Test case 7: NaN limit", specs: []Spec{NewMarginalPressure("mp", math.NaN())}, wantErr: core.ErrInvalidValue},
		{name: "Test case 8: household listed twice", specs: []Spec{NewBudget("b", 0, 0, "a", "b", "a")}, wantErr: core.ErrDuplicateName},
		{name: "Test case 9: infinite elasticity", specs: []Spec{NewBehavioralEffects(ptr.To(math.Inf(1)))}, wantErr: core.ErrInvalidValue},
		{
			name: "Test case 10: two behavioral effects",
			specs: []Spec{
				NewBehavioralEffects(ptr.To(0.1)),
				{Type: BehavioralEffects, Label: "again"},
			},
			wantErr: core.ErrInvalidValue,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, prog := setup(t)
			_, err := NewBuilder().Build(context.Background(), prog, compiled, tt.specs)
			require.Error(t, err)
			assert.True(t, core.IsConfigurationError(err), err.Error())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBehavioralEffects(t *testing.T) {
	records := []core.Record{
		{ID: "a", Attributes: map[string]float64{
			core.AttrIncomeBeforeTax: 10000, core.AttrIncomeAfterTax: 8000, core.AttrMarginalRateCurrent: 0.2,
		}},
		{ID: "b", Attributes: map[string]float64{
			core.AttrIncomeBeforeTax: 50000, core.AttrIncomeAfterTax: 40000, core.AttrMarginalRateCurrent: 0.2,
			core.AttrElasticity: 0.5,
		}},
	}
	store, err := core.NewStore(context.Background(), records)
	require.NoError(t, err)
	flat := rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 1)
	flat.MarginalPressure = true

	tests := []struct {
		name       string
		behavior   Spec
		responds   []bool
		newIncome  []float64
		budgetCost float64
	}{
		{
			// a: response 2500(0.2-r), income 9000 + 0.8*250, cost 1000 - 0.2*250
			name:       "Test case 1: global elasticity",
			behavior:   NewBehavioralEffects(ptr.To(0.25)),
			responds:   []bool{true, true},
			newIncome:  []float64{9200, 46000},
			budgetCost: 950 + 4750,
		},
		{
			name:       "Test case 2: elasticity read from the households",
			behavior:   NewBehavioralEffects(nil),
			responds:   []bool{false, true},
			newIncome:  []float64{9000, 47000},
			budgetCost: 1000 + 4500,
		},
		{
			name:       "Test case 3: responding subset",
			behavior:   NewBehavioralEffects(ptr.To(0.25), "a"),
			responds:   []bool{true, false},
			newIncome:  []float64{9200, 45000},
			budgetCost: 950 + 5000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := lp.New("test")
			compiled, err := rules.NewCompiler().Compile(context.Background(), store, prog, []rules.Spec{flat})
			require.NoError(t, err)
			// the budget precedes the behavior it depends on
			built, err := NewBuilder().Build(context.Background(), prog, compiled, []Spec{
				NewBudget("budget", -1e9, 1e9),
				tt.behavior,
			})
			require.NoError(t, err)
			assert.Equal(t, 2, built.Rows, "behavioral effects add no rows")

			values := []float64{0.1}
			for i := range records {
				assert.Equal(t, tt.responds[i], compiled.Responds(i), records[i].ID)
				assert.InDelta(t, tt.newIncome[i], compiled.NewIncome(i).Eval(values), 1e-6, records[i].ID)
			}
			measure, ok := built.Measure("budget")
			require.True(t, ok)
			assert.InDelta(t, tt.budgetCost, measure.Eval(values), 1e-6)
			// nobody responds while marginal rates stay put
			assert.InDelta(t, 0, measure.Eval([]float64{0.2}), 1e-6)
		})
	}
}

func TestHouseholdsRejectsDuplicates(t *testing.T) {
	compiled, _ := setup(t)
	got, err := Households(compiled.Store, NewIncome(0.1, "b", "a"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID())

	_, err = Households(compiled.Store, NewIncome(0.1, "b", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDuplicateName)
	assert.Contains(t, err.Error(), `household "b" listed twice`)
}

func TestParseType(t *testing.T) {
	got, err := ParseType("Budget")
	require.NoError(t, err)
	assert.Equal(t, Budget, got)
	got, err = ParseType("BehavioralEffects")
	require.NoError(t, err)
	assert.Equal(t, BehavioralEffects, got)
	_, err = ParseType("Wealth")
	assert.Error(t, err)
}
