package solver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/taxsolver/taxsolver/pkg/lp"
)

// gurobiStatus maps gurobi_cl log lines to a status. Order matters: the
// combined infeasible-or-unbounded message must win over either alone.
var gurobiStatus = []struct {
	marker string
	status Status
}{
	{marker: "Optimal solution found", status: Optimal},
	{marker: "Infeasible or unbounded model", status: Infeasible},
	{marker: "Infeasible model", status: Infeasible},
	{marker: "Model is infeasible", status: Infeasible},
	{marker: "Unbounded model", status: Unbounded},
	{marker: "Model is unbounded", status: Unbounded},
}

// gurobiTransient are log lines of failures worth retrying.
var gurobiTransient = []string{
	"No Gurobi license found",
	"License expired",
	"Failed to connect",
	"license server",
	"Time limit reached",
}

// GurobiSolver runs the gurobi_cl command line solver.
type GurobiSolver struct {
	cliSolver
}

// NewGurobiSolver returns a Gurobi backend. The binary defaults to "gurobi_cl" on PATH.
func NewGurobiSolver(opts Options) *GurobiSolver {
	return &GurobiSolver{cliSolver: newCLISolver(GurobiBackend, "gurobi_cl", opts)}
}

func (g *GurobiSolver) Name() string { return g.name }

// Solve writes prog with native indicator constraints and runs gurobi_cl.
// The status is read from the solver log and values from the result file.
func (g *GurobiSolver) Solve(ctx context.Context, session *Session, prog *lp.Program) (*Result, error) {
	model, err := g.writeModel(session, prog, true)
	if err != nil {
		return nil, err
	}
	args := []string{"ResultFile=" + session.Path(solutionFile)}
	if session.TimeLimit > 0 {
		args = append(args, "TimeLimit="+g.timeLimitArg(session))
	}
	if g.opts.Threads > 0 {
		args = append(args, "Threads="+strconv.Itoa(g.opts.Threads))
	}
	args = append(args, model)

	out, runErr := g.run(ctx, session, args)
	if runErr != nil && !isExit(runErr) {
		return nil, runErr
	}
	log := string(out)
	for _, marker := range gurobiTransient {
		if strings.Contains(log, marker) {
			return nil, transient(g.name, fmt.Errorf("gurobi: %s", marker))
		}
	}
	if runErr != nil {
		return nil, fatal(g.name, fmt.Errorf("gurobi_cl failed: %w: %s", runErr, lastLine(out)))
	}

	status, ok := gurobiLogStatus(log)
	if !ok {
		return nil, fatal(g.name, fmt.Errorf("no status in gurobi log: %s", lastLine(out)))
	}
	if status != Optimal {
		return &Result{Status: status, Detail: status.String()}, nil
	}

	data, err := os.ReadFile(session.Path(solutionFile))
	if err != nil {
		return nil, fatal(g.name, fmt.Errorf("reading solution: %w", err))
	}
	values, err := parseGurobiSolution(data, prog.NumVariables())
	if err != nil {
		return nil, fatal(g.name, fmt.Errorf("parsing solution: %w", err))
	}
	g.finish(session, prog, values)
	return &Result{Status: Optimal, Values: values, Objective: prog.ObjectiveValue(values), Detail: "optimal"}, nil
}

func gurobiLogStatus(log string) (Status, bool) {
	for _, s := range gurobiStatus {
		if strings.Contains(log, s.marker) {
			return s.status, true
		}
	}
	return Error, false
}

// parseGurobiSolution reads a .sol file: comment lines starting with '#',
// then one "name value" line per variable.
func parseGurobiSolution(data []byte, n int) ([]float64, error) {
	values := make([]float64, n)
	sc := scanLines(data)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := parseValue(line, values); err != nil {
			return nil, err
		}
	}
	return values, sc.Err()
}
