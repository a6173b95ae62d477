// Package solver runs a linear program on a pluggable backend.
//
// A Backend receives a fully built *lp.Program and a per-solve Session and
// returns a Result holding the status and one value per program variable.
// Backends never change the meaning of a program: the same program solved on
// two backends has the same feasible set.
//
// Backends:
//
//   - gonum: in-process simplex from gonum.org/v1/gonum/optimize/convex/lp.
//     It solves continuous programs only; binaries must be fixed by the time
//     the program reaches it. A presolve pass substitutes fixed variables,
//     resolves indicator constraints and deduplicates rows before the
//     problem is put in standard form.
//   - highs: the HiGHS command line solver. Indicators are linearized with
//     big-M rows first.
//   - gurobi: the gurobi_cl command line solver with native indicators.
//
// Failures are reported as *core.SolverError. Transient failures (license
// unavailable, time limit reached) can be retried by the caller.
//
// Example usage:
//
//	backend, err := solver.NewBackend(solver.GonumBackend, solver.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	session, err := solver.NewSession(ctx, solver.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	result, err := backend.Solve(ctx, session, prog)
//	if err != nil {
//	    return err
//	}
//	logger.Info("solved", "status", result.Status.String(), "objective", result.Objective)
package solver
