package lp

import (
	"bytes"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustVar(t *testing.T, p *Program, v Variable) int {
	t.Helper()
	i, err := p.AddVariable(v)
	require.NoError(t, err)
	return i
}

func TestExpr(t *testing.T) {
	var e Expr
	e.Add(2, 1.5)
	e.Add(0, -1)
	e.Add(2, -1.5)
	e.AddConstant(4)
	assert.Equal(t, 1, e.Len(), "cancelled terms are dropped")

	var o Expr
	o.Add(1, 2)
	o.AddConstant(1)
	e.AddExpr(o, 3)

	want := []Term{{Var: 0, Coef: -1}, {Var: 1, Coef: 6}}
	if diff := cmp.Diff(want, e.Terms()); diff != "" {
		t.Errorf("Terms() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 7.0, e.Constant)
	assert.Equal(t, 7.0-2+6*3, e.Eval([]float64{2, 3, 100}))

	c := e.Clone()
	c.Add(0, 1)
	assert.Equal(t, -1.0, e.Coef(0), "clone must be independent")
}

func TestAddVariable(t *testing.T) {
	tests := []struct {
		name    string
		v       Variable
		wantErr error
		want    Variable
	}{
		{
			name: "Test case 1: continuous",
			v:    Variable{Name: "r", Lower: 0, Upper: 1},
			want: Variable{Name: "r", Lower: 0, Upper: 1},
		},
		{
			name: "Test case 2: binary bounds clamped",
			v:    Variable{Name: "b", Lower: -3, Upper: 7, Kind: Binary},
			want: Variable{Name: "b", Lower: 0, Upper: 1, Kind: Binary},
		},
		{
			name:    "Test case 3: inverted bounds",
			v:       Variable{Name: "r", Lower: 2, Upper: 1},
			wantErr: ErrBadBounds,
		},
		{
			name:    "Test case 4: NaN bound",
			v:       Variable{Name: "r", Lower: math.NaN(), Upper: 1},
			wantErr: ErrBadBounds,
		},
		{
			name: "Test case 5: free variable",
			v:    Variable{Name: "z", Lower: math.Inf(-1), Upper: math.Inf(1)},
			want: Variable{Name: "z", Lower: math.Inf(-1), Upper: math.Inf(1)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New("test")
			i, err := p.AddVariable(tt.v)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Variable(i))
		})
	}

	p := New("dup")
	mustVar(t, p, Variable{Name: "r", Upper: 1})
	_, err := p.AddVariable(Variable{Name: "r", Upper: 1})
	assert.ErrorIs(t, err, ErrDuplicateVariable)
}

func TestAddRow(t *testing.T) {
	p := New("rows")
	x := mustVar(t, p, Variable{Name: "x", Upper: 10})

	e := NewExpr(x, 2)
	e.AddConstant(3)
	require.NoError(t, p.AddRow("r1", e, LE, 7))
	assert.Equal(t, 4.0, p.Rows()[0].RHS, "constant moves to the right-hand side")

	assert.ErrorIs(t, p.AddRow("r1", e, LE, 7), ErrDuplicateRow)
	assert.ErrorIs(t, p.AddRow("r2", NewExpr(5, 1), LE, 7), ErrUnknownVariable)
	assert.ErrorIs(t, p.AddRow("r3", NewExpr(x, math.Inf(1)), LE, 7), ErrBadCoefficient)

	require.NoError(t, p.AddRange("band", NewExpr(x, 1), 1, 2))
	require.NoError(t, p.AddRange("point", NewExpr(x, 1), 3, 3))
	require.NoError(t, p.AddRange("half", NewExpr(x, 1), math.Inf(-1), 9))
	var names []string
	for _, r := range p.Rows() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"r1", "band:lo", "band:hi", "point", "half:hi"}, names)
	assert.Equal(t, EQ, p.Rows()[3].Rel)
}

func TestIndicatorAndLinearize(t *testing.T) {
	p := New("ind")
	r0 := mustVar(t, p, Variable{Name: "r0", Upper: 1})
	r1 := mustVar(t, p, Variable{Name: "r1", Upper: 1})
	b := mustVar(t, p, Variable{Name: "b", Upper: 1, Kind: Binary})

	assert.ErrorIs(t, p.AddIndicator("bad", r0, 0, NewExpr(r1, 1), EQ, 0), ErrNotBinary)

	var diff Expr
	diff.Add(r1, 1)
	diff.Add(r0, -1)
	require.NoError(t, p.AddIndicator("tie", b, 0, diff, EQ, 0))

	lin, err := p.Linearize(0)
	require.NoError(t, err)
	assert.Empty(t, lin.Indicators())
	assert.Len(t, p.Indicators(), 1, "linearize must not modify the receiver")
	require.Equal(t, 2, lin.NumRows())

	// b = 0 forces r1 == r0
	assert.Greater(t, lin.MaxViolation([]float64{0.2, 0.5, 0}).Amount, 0.0)
	assert.Zero(t, lin.MaxViolation([]float64{0.3, 0.3, 0}).Amount)
	// b = 1 leaves them free
	assert.Zero(t, lin.MaxViolation([]float64{0.2, 0.9, 1}).Amount)
	// the derived big-M is the activity range, not the default constant
	for _, r := range lin.Rows() {
		for _, term := range r.Terms {
			if term.Var == b {
				assert.Equal(t, 1.0, math.Abs(term.Coef))
			}
		}
	}

	// same semantics on the original program through indicator evaluation
	assert.Greater(t, p.MaxViolation([]float64{0.2, 0.5, 0}).Amount, 0.0)
	assert.Zero(t, p.MaxViolation([]float64{0.2, 0.5, 1}).Amount)
}

func TestLinearizeBigM(t *testing.T) {
	tests := []struct {
		name    string
		upper   float64
		binary  Variable
		maxM    float64
		rows    []string
		wantErr error
		inMsg   string
	}{
		{
			name:    "Test case 1: unbounded activity",
			upper:   math.Inf(1),
			binary:  Variable{Name: "b", Upper: 1, Kind: Binary},
			wantErr: ErrUnboundedIndicator,
			inMsg:   `"cap"`,
		},
		{
			name:   "Test case 2: big-M above the limit",
			upper:  1e6,
			binary: Variable{Name: "b", Upper: 1, Kind: Binary},
			maxM:   1e3,
			inMsg:  "exceeds the limit",
		},
		{
			name:   "Test case 3: big-M within the limit",
			upper:  1e6,
			binary: Variable{Name: "b", Upper: 1, Kind: Binary},
			rows:   []string{"cap:le"},
		},
		{
			name:   "Test case 4: row holding over the whole box",
			upper:  5,
			binary: Variable{Name: "b", Upper: 1, Kind: Binary},
		},
		{
			name:   "Test case 5: binary fixed at the trigger",
			upper:  math.Inf(1),
			binary: Variable{Name: "b", Lower: 1, Upper: 1, Kind: Binary},
			rows:   []string{"cap"},
		},
		{
			name:   "Test case 6: binary fixed off the trigger",
			upper:  math.Inf(1),
			binary: Variable{Name: "b", Upper: 0, Kind: Binary},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New("bigm")
			x := mustVar(t, p, Variable{Name: "x", Upper: tt.upper})
			b := mustVar(t, p, tt.binary)
			require.NoError(t, p.AddIndicator("cap", b, 1, NewExpr(x, 1), LE, 5))

			lin, err := p.Linearize(tt.maxM)
			if tt.inMsg != "" {
				require.Error(t, err)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				assert.Contains(t, err.Error(), tt.inMsg)
				return
			}
			require.NoError(t, err)
			var rows []string
			for _, r := range lin.Rows() {
				rows = append(rows, r.Name)
			}
			assert.Equal(t, tt.rows, rows)
		})
	}
}

func TestMaxViolation(t *testing.T) {
	p := New("viol")
	x := mustVar(t, p, Variable{Name: "x", Lower: 0, Upper: 10})
	b := mustVar(t, p, Variable{Name: "b", Upper: 1, Kind: Binary})
	require.NoError(t, p.AddRow("cap", NewExpr(x, 2), LE, 8))

	assert.Zero(t, p.MaxViolation([]float64{4, 1}).Amount)

	v := p.MaxViolation([]float64{5, 1})
	assert.Equal(t, "cap", v.Name)
	assert.InDelta(t, 1.0, v.Amount, 1e-12)

	v = p.MaxViolation([]float64{1, 0.5})
	assert.Equal(t, "b", v.Name)
	_ = b
}

func TestWriteLP(t *testing.T) {
	p := New("demo")
	x := mustVar(t, p, Variable{Name: "rate[0:25000]", Lower: 0, Upper: 1})
	y := mustVar(t, p, Variable{Name: "benefit", Lower: 0, Upper: math.Inf(1)})
	z := mustVar(t, p, Variable{Name: "free", Lower: math.Inf(-1), Upper: math.Inf(1)})
	b := mustVar(t, p, Variable{Name: "b:rate", Lower: 1, Upper: 1, Kind: Binary})

	var e Expr
	e.Add(x, -25000)
	e.Add(y, 1)
	require.NoError(t, p.AddRow("income", e, GE, -100))
	require.NoError(t, p.AddIndicator("tie", b, 0, NewExpr(x, 1), EQ, 0))
	require.NoError(t, p.SetObjective(Maximize, NewExpr(z, 1)))

	var buf bytes.Buffer
	assert.ErrorIs(t, p.WriteLP(&buf, LPOptions{}), ErrIndicatorsUnsupported)

	buf.Reset()
	require.NoError(t, p.WriteLP(&buf, LPOptions{NativeIndicators: true}))
	want := `\ Problem: demo
\ x0 rate[0:25000]
\ x1 benefit
\ x2 free
\ x3 b:rate
Maximize
 obj: 1 x2
Subject To
 c0: - 25000 x0 + 1 x1 >= -100
 c1: x3 = 0 -> 1 x0 = 0
Bounds
 0 <= x0 <= 1
 x2 free
 x3 = 1
Binaries
 x3
End
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("WriteLP() mismatch (-want +got):\n%s", diff)
	}

	idx, ok := ParseColumnName("x3")
	assert.True(t, ok)
	assert.Equal(t, 3, idx)
	_, ok = ParseColumnName("c3")
	assert.False(t, ok)
}
