package solver

import (
	"context"
	"fmt"
	"math"

	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/pkg/lp"
)

// stageSlack is the relative slack added to a pinned stage so the next
// stage does not fail on rounding.
const stageSlack = 1e-9

// SolveSequential solves a program with objective stages one stage at a time.
// After each stage its objective is pinned to the optimum within the stage
// tolerance, and the next stage is optimized over what is left. Programs
// with fewer than two stages are solved once. The result reports the value
// of the first stage.
func SolveSequential(ctx context.Context, backend Backend, session *Session, prog *lp.Program) (*Result, error) {
	stages := prog.Stages()
	if len(stages) < 2 {
		return backend.Solve(ctx, session, prog)
	}
	logger := session.Logger.WithValues("backend", backend.Name())

	work := prog.Clone()
	var res *Result
	for k, stage := range stages {
		obj := stage.Objective.Expr()
		if err := work.SetObjective(stage.Objective.Sense, obj); err != nil {
			return nil, fatal(backend.Name(), fmt.Errorf("stage %d: %w", k, err))
		}
		var err error
		res, err = backend.Solve(ctx, session, work)
		if err != nil {
			return nil, err
		}
		if res.Status != Optimal {
			res.Detail = fmt.Sprintf("stage %d of %d: %s", k+1, len(stages), res.Detail)
			return res, nil
		}
		logger.V(logging.DEBUG).Info("Solved objective stage", "stage", k+1, "stages", len(stages),
			"sense", stage.Objective.Sense.String(), "objective", res.Objective)
		if k == len(stages)-1 {
			break
		}

		slack := stage.Tolerance + stageSlack*math.Max(1, math.Abs(res.Objective))
		rel, rhs := lp.LE, res.Objective+slack
		if stage.Objective.Sense == lp.Maximize {
			rel, rhs = lp.GE, res.Objective-slack
		}
		if err := work.AddRow(fmt.Sprintf("stage:%d", k+1), obj, rel, rhs); err != nil {
			return nil, fatal(backend.Name(), err)
		}
	}
	res.Objective = prog.ObjectiveValue(res.Values)
	res.Detail = fmt.Sprintf("%s after %d stages", res.Detail, len(stages))
	return res, nil
}
