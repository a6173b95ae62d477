/*
Package taxsolver orchestrates a reform: it owns the registered rules,
constraints and objective, enforces the build-then-solve lifecycle and
drives one solve at a time.

	EMPTY -> RULES_REGISTERED -> CONSTRAINTS_REGISTERED -> (OBJECTIVE_REGISTERED)
	      -> SOLVING -> {SOLVED, INFEASIBLE, SOLVER_FAILED}

Every Solve rebuilds the program from the registries: the rules are
compiled, constraints and objective are added, the bounds are calibrated and
the backend runs inside a fresh session. Transient backend failures are
retried with exponential backoff.

Example usage:

	store, err := core.NewStore(ctx, records)
	backend, err := solver.NewBackend(solver.GonumBackend, solver.DefaultOptions())
	ts, err := taxsolver.New(store, backend)

	err = ts.AddRules(ctx, rules.NewBracket("income_tax", core.AttrIncomeBeforeTax, points, 0, 1))
	err = ts.AddConstraints(ctx, constraints.NewIncome(1e-4), constraints.NewBudget("budget", 0, 0))
	outcome, err := ts.Solve(ctx)
*/
package taxsolver
