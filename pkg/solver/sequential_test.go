package solver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxsolver/taxsolver/pkg/lp"
)

// countingBackend counts the runs of the backend it wraps.
type countingBackend struct {
	Backend
	calls int
}

func (b *countingBackend) Solve(ctx context.Context, session *Session, prog *lp.Program) (*Result, error) {
	b.calls++
	return b.Backend.Solve(ctx, session, prog)
}

func TestSolveSequential(t *testing.T) {
	tests := []struct {
		name      string
		tolerance float64
		values    []float64
		objective float64
	}{
		{
			name:      "Test case 1: exact first stage",
			values:    []float64{5, 10},
			objective: 15,
		},
		{
			name:      "Test case 2: first stage gives up its tolerance",
			tolerance: 2,
			values:    []float64{5, 8},
			objective: 13,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := lp.New("stages")
			x := addVar(t, prog, "x", 0, 5)
			y := addVar(t, prog, "y", 0, 10)
			require.NoError(t, prog.AddStage(lp.Maximize, expr(lp.Term{Var: x, Coef: 1}, lp.Term{Var: y, Coef: 1}), tt.tolerance))
			require.NoError(t, prog.AddStage(lp.Minimize, expr(lp.Term{Var: y, Coef: 1}), 0))

			backend := &countingBackend{Backend: NewGonumSolver(DefaultOptions())}
			res, err := SolveSequential(context.Background(), backend, newSession(t), prog)
			require.NoError(t, err)
			require.Equal(t, Optimal, res.Status, res.Detail)
			assert.Equal(t, 2, backend.calls)
			assert.InDeltaSlice(t, tt.values, res.Values, 1e-6)
			assert.InDelta(t, tt.objective, res.Objective, 1e-6)
			assert.Contains(t, res.Detail, "after 2 stages")
			assert.Zero(t, prog.NumRows(), "stage rows stay off the caller's program")
		})
	}
}

func TestSolveSequentialSingleObjective(t *testing.T) {
	prog := lp.New("single")
	x := addVar(t, prog, "x", 0, 5)
	require.NoError(t, prog.SetObjective(lp.Maximize, expr(lp.Term{Var: x, Coef: 1})))

	backend := &countingBackend{Backend: NewGonumSolver(DefaultOptions())}
	res, err := SolveSequential(context.Background(), backend, newSession(t), prog)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls)
	assert.InDelta(t, 5, res.Objective, 1e-9)
}

func TestAddStageRejectsBadTolerance(t *testing.T) {
	prog := lp.New("stages")
	x := addVar(t, prog, "x", 0, 5)
	assert.ErrorIs(t, prog.AddStage(lp.Minimize, expr(lp.Term{Var: x, Coef: 1}), -1), lp.ErrBadCoefficient)
	assert.Empty(t, prog.Stages())
	assert.False(t, prog.Objective().Set)
}
