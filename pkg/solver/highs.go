package solver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/taxsolver/taxsolver/pkg/lp"
)

// HighsSolver runs the HiGHS command line solver.
type HighsSolver struct {
	cliSolver
}

// NewHighsSolver returns a HiGHS backend. The binary defaults to "highs" on PATH.
func NewHighsSolver(opts Options) *HighsSolver {
	return &HighsSolver{cliSolver: newCLISolver(HighsBackend, "highs", opts)}
}

func (h *HighsSolver) Name() string { return h.name }

// Solve linearizes the indicators of prog, since HiGHS reads none, and runs
// the solver on the result.
func (h *HighsSolver) Solve(ctx context.Context, session *Session, prog *lp.Program) (*Result, error) {
	linear, err := prog.Linearize(h.opts.BigM)
	if err != nil {
		return nil, fatal(h.name, fmt.Errorf("linearizing indicators: %w", err))
	}
	model, err := h.writeModel(session, linear, false)
	if err != nil {
		return nil, err
	}
	args := []string{"--model_file", model, "--solution_file", session.Path(solutionFile)}
	if session.TimeLimit > 0 {
		args = append(args, "--time_limit", h.timeLimitArg(session))
	}
	out, err := h.run(ctx, session, args)
	if err != nil && !isExit(err) {
		return nil, err
	}

	data, rerr := os.ReadFile(session.Path(solutionFile))
	if rerr != nil {
		if status, ok := highsLogStatus(out); ok {
			return h.result(status, nil, 0)
		}
		if err != nil {
			return nil, fatal(h.name, fmt.Errorf("highs failed: %w: %s", err, lastLine(out)))
		}
		return nil, fatal(h.name, fmt.Errorf("reading solution: %w", rerr))
	}
	sol, perr := parseHighsSolution(data, prog.NumVariables())
	if perr != nil {
		return nil, fatal(h.name, fmt.Errorf("parsing solution: %w", perr))
	}
	res, err := h.result(sol.status, sol.values, sol.objective)
	if err == nil && res.Status == Optimal {
		h.finish(session, prog, res.Values)
		res.Objective = prog.ObjectiveValue(res.Values)
	}
	return res, err
}

func (h *HighsSolver) result(status string, values []float64, objective float64) (*Result, error) {
	switch strings.ToLower(status) {
	case "optimal":
		return &Result{Status: Optimal, Values: values, Objective: objective, Detail: status}, nil
	case "infeasible", "primal infeasible or unbounded":
		return &Result{Status: Infeasible, Detail: status}, nil
	case "unbounded":
		return &Result{Status: Unbounded, Detail: status}, nil
	case "time limit reached", "iteration limit reached", "interrupted by user":
		return nil, transient(h.name, fmt.Errorf("highs stopped: %s", status))
	default:
		return nil, fatal(h.name, fmt.Errorf("unexpected highs model status %q", status))
	}
}

type highsSolution struct {
	status    string
	objective float64
	values    []float64
}

// parseHighsSolution reads a HiGHS solution file: the model status, then the
// primal section with the objective and one "name value" line per column.
func parseHighsSolution(data []byte, n int) (*highsSolution, error) {
	sol := &highsSolution{values: make([]float64, n)}
	sc := scanLines(data)
	primal := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "Model status":
			for sc.Scan() {
				if s := strings.TrimSpace(sc.Text()); s != "" {
					sol.status = s
					break
				}
			}
		case strings.HasPrefix(line, "# Primal solution values"):
			primal = true
		case strings.HasPrefix(line, "# Dual solution values"):
			primal = false
		case primal && strings.HasPrefix(line, "Objective "):
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "Objective ")), 64)
			if err != nil {
				return nil, fmt.Errorf("objective: %w", err)
			}
			sol.objective = v
		case primal && strings.HasPrefix(line, "# Columns "):
			count, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "# Columns ")))
			if err != nil {
				return nil, fmt.Errorf("column count: %w", err)
			}
			for i := 0; i < count; i++ {
				if !sc.Scan() {
					return nil, fmt.Errorf("solution ends after %d of %d columns", i, count)
				}
				if err := parseValue(sc.Text(), sol.values); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if sol.status == "" {
		return nil, fmt.Errorf("no model status")
	}
	return sol, nil
}

// highsLogStatus finds "Model status : X" in the solver log.
func highsLogStatus(out []byte) (string, bool) {
	sc := scanLines(out)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "Model status") {
			continue
		}
		if _, status, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(status), true
		}
	}
	return "", false
}
