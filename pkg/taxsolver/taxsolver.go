package taxsolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/internal/metrics"
	"github.com/taxsolver/taxsolver/pkg/calibration"
	"github.com/taxsolver/taxsolver/pkg/config"
	"github.com/taxsolver/taxsolver/pkg/constraints"
	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/lp"
	"github.com/taxsolver/taxsolver/pkg/objective"
	"github.com/taxsolver/taxsolver/pkg/rules"
	"github.com/taxsolver/taxsolver/pkg/solution"
	"github.com/taxsolver/taxsolver/pkg/solver"
)

const programName = "taxsolver"

// Outcome is the result of a Solve call that reached the backend or was
// stopped by calibration. Infeasible and failed solves are outcomes, not
// errors.
type Outcome struct {
	Status solution.Status
	// System is set when Status is Optimal or Feasible.
	System *solution.SolvedSystem
	// Report holds the pre-solve calibration numbers.
	Report *calibration.Report
	// Err describes a non-solved status: a *core.InfeasibleError or a
	// *core.SolverError.
	Err       error
	SessionID string
	// Attempts counts backend runs, retries included.
	Attempts int
	Elapsed  time.Duration
}

// TaxSolver owns the rule, constraint and objective registries of one reform
// and drives its solves. It is safe for concurrent use; registrations and
// solves fail with core.ErrInvalidState while a solve is running.
type TaxSolver struct {
	prepared *core.Store
	backend  solver.Backend
	cfg      config.SolverConfig
	logger   *logr.Logger
	recorder *metrics.Recorder

	compiler *rules.Compiler
	builder  *constraints.Builder

	mu          sync.Mutex
	state       State
	rules       []rules.Spec
	constraints []constraints.Spec
	objectives  []objective.Spec
	solution    *solution.SolvedSystem
}

// New returns a TaxSolver over store that solves with backend.
func New(store *core.Store, backend solver.Backend, opts ...Option) (*TaxSolver, error) {
	if store == nil {
		return nil, core.NewConfigurationError("taxsolver", core.ErrNoHouseholds)
	}
	if backend == nil {
		return nil, core.NewConfigurationError("taxsolver", errors.New("no solver backend"))
	}
	s := &TaxSolver{
		prepared: store,
		backend:  backend,
		cfg:      config.Defaults(),
		compiler: rules.NewCompiler(),
		builder:  constraints.NewBuilder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError("solver configuration", err)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *TaxSolver) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Solution returns the system of the last successful solve, or nil.
func (s *TaxSolver) Solution() *solution.SolvedSystem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solution
}

// Store returns the household store, bracket columns included.
func (s *TaxSolver) Store() *core.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared
}

// busy fails an operation that would race the running solve. Callers hold mu.
func (s *TaxSolver) busy(op string) error {
	if s.state == Solving {
		return fmt.Errorf("%w: cannot %s while %s", core.ErrInvalidState, op, s.state)
	}
	return nil
}

func (s *TaxSolver) withLogger(ctx context.Context) context.Context {
	if s.logger == nil {
		return ctx
	}
	if _, err := logr.FromContext(ctx); err == nil {
		return ctx
	}
	return logging.IntoContext(ctx, *s.logger)
}

// AddRules validates and registers specs in order. Bracket splits are built
// here. Nothing is registered when any spec fails.
func (s *TaxSolver) AddRules(ctx context.Context, specs ...rules.Spec) error {
	ctx = s.withLogger(ctx)
	logger := logr.FromContextOrDiscard(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.busy("register rules"); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(s.rules)+len(specs))
	for _, r := range s.rules {
		seen[r.Name] = struct{}{}
	}
	for _, spec := range specs {
		if _, dup := seen[spec.Name]; dup {
			return core.NewConfigurationError(spec.Subject(), core.ErrDuplicateName)
		}
		seen[spec.Name] = struct{}{}
		if err := s.compiler.Validate(s.prepared, spec); err != nil {
			return err
		}
	}
	prepared, err := s.compiler.Prepare(ctx, s.prepared, specs)
	if err != nil {
		return err
	}

	s.prepared = prepared
	s.rules = append(s.rules, specs...)
	s.invalidate(RulesRegistered)
	logger.V(logging.DEBUG).Info("Registered rules", "added", len(specs), "rules", len(s.rules), "state", s.state.String())
	return nil
}

// AddConstraints validates and registers specs in order. Rules must be
// registered first. Nothing is registered when any spec fails.
func (s *TaxSolver) AddConstraints(ctx context.Context, specs ...constraints.Spec) error {
	ctx = s.withLogger(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.busy("register constraints"); err != nil {
		return err
	}
	if len(s.rules) == 0 {
		return core.NewConfigurationError("constraints", fmt.Errorf("%w: register rules before constraints", core.ErrNoRules))
	}

	var compiled *rules.Compiled
	for _, spec := range specs {
		if len(spec.Variables) > 0 {
			var err error
			if compiled, err = s.compile(ctx); err != nil {
				return err
			}
			break
		}
	}

	seen := make(map[string]struct{}, len(s.constraints)+len(specs))
	for _, c := range s.constraints {
		seen[c.Label] = struct{}{}
	}
	for _, spec := range specs {
		if _, dup := seen[spec.Label]; dup {
			return core.NewConfigurationError(spec.Subject(), core.ErrDuplicateName)
		}
		seen[spec.Label] = struct{}{}
		if err := s.builder.Validate(s.prepared, compiled, spec); err != nil {
			return err
		}
	}
	if _, err := constraints.Behavior(append(slices.Clone(s.constraints), specs...)); err != nil {
		return err
	}

	s.constraints = append(s.constraints, specs...)
	s.invalidate(ConstraintsRegistered)
	logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("Registered constraints",
		"added", len(specs), "constraints", len(s.constraints), "state", s.state.String())
	return nil
}

// SetObjective replaces the objective terms. Senses must agree and every
// referenced constraint label must be registered with a matching type.
// Calling it without specs clears the objective.
func (s *TaxSolver) SetObjective(ctx context.Context, specs ...objective.Spec) error {
	ctx = s.withLogger(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.busy("set the objective"); err != nil {
		return err
	}
	if len(s.rules) == 0 {
		return core.NewConfigurationError("objective", fmt.Errorf("%w: register rules before the objective", core.ErrNoRules))
	}
	if err := objective.Validate(specs); err != nil {
		return err
	}
	var compiled *rules.Compiled
	for _, spec := range specs {
		if err := s.checkObjectiveReference(spec); err != nil {
			return err
		}
		if spec.Kind != objective.Variables {
			continue
		}
		if compiled == nil {
			var err error
			if compiled, err = s.compile(ctx); err != nil {
				return err
			}
		}
		for _, name := range spec.Names {
			if _, ok := compiled.Variable(name); !ok {
				return core.NewConfigurationError(fmt.Sprintf("%s objective", spec.Kind),
					fmt.Errorf("%w: no compiled variable %q", core.ErrUnknownReference, name))
			}
		}
	}

	s.objectives = append([]objective.Spec(nil), specs...)
	s.solution = nil
	s.state = ObjectiveRegistered
	logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("Registered objective", "terms", len(specs))
	return nil
}

func (s *TaxSolver) checkObjectiveReference(spec objective.Spec) error {
	var want constraints.Type
	switch spec.Kind {
	case objective.Budget:
		want = constraints.Budget
	case objective.MarginalPressure:
		want = constraints.MarginalPressure
	default:
		return nil
	}
	for _, c := range s.constraints {
		if c.Label == spec.Label && c.Type == want {
			return nil
		}
	}
	return core.NewConfigurationError(fmt.Sprintf("%s objective %q", spec.Kind, spec.Label),
		fmt.Errorf("%w: no %s constraint %q", core.ErrUnknownReference, want, spec.Label))
}

// invalidate moves the state forward after a registration and drops a
// previous solution. Callers hold mu.
func (s *TaxSolver) invalidate(reached State) {
	s.state = afterRegistration(s.state, reached)
	s.solution = nil
}

// compile compiles the registered rules into a scratch program. Callers hold mu.
func (s *TaxSolver) compile(ctx context.Context) (*rules.Compiled, error) {
	return s.compiler.Compile(ctx, s.prepared, lp.New(programName), s.rules)
}

// registry is the snapshot of the registries a solve works on.
type registry struct {
	store       *core.Store
	rules       []rules.Spec
	constraints []constraints.Spec
	objectives  []objective.Spec
}

// start checks that a solve may begin, snapshots the registries and moves
// to Solving. It returns the state to restore on a configuration error.
func (s *TaxSolver) start() (registry, State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.busy("solve"); err != nil {
		return registry{}, s.state, err
	}
	if s.prepared.Len() == 0 {
		return registry{}, s.state, core.NewConfigurationError("solve", core.ErrNoHouseholds)
	}
	if len(s.rules) == 0 {
		return registry{}, s.state, core.NewConfigurationError("solve", core.ErrNoRules)
	}
	reg := registry{
		store:       s.prepared,
		rules:       slices.Clone(s.rules),
		constraints: slices.Clone(s.constraints),
		objectives:  slices.Clone(s.objectives),
	}
	previous := s.state
	s.state = Solving
	s.solution = nil
	return reg, previous, nil
}

// restore leaves Solving for state after a configuration error.
func (s *TaxSolver) restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Solve rebuilds the program from the registries and runs the backend.
// Configuration and data errors are returned as errors and leave the state
// unchanged; infeasibility and backend failures are returned as outcomes.
func (s *TaxSolver) Solve(ctx context.Context) (*Outcome, error) {
	ctx = s.withLogger(ctx)
	logger := logr.FromContextOrDiscard(ctx).WithValues("backend", s.backend.Name())
	ctx = logr.NewContext(ctx, logger)

	reg, previous, err := s.start()
	if err != nil {
		return nil, err
	}
	started := time.Now()

	prog := lp.New(programName)
	compiled, built, err := s.build(ctx, prog, reg)
	if err != nil {
		s.restore(previous)
		return nil, err
	}
	stats := prog.Stats()
	s.recorder.SetProgramSize(stats.Variables, stats.Rows+stats.Indicators)
	logger.Info("Built program", "households", compiled.Store.Len(), "variables", stats.Variables,
		"binaries", stats.Binaries, "rows", stats.Rows, "constraintRows", built.Rows, "indicators", stats.Indicators)

	report := calibration.Calibrate(ctx, prog, compiled, reg.constraints)
	out := &Outcome{Report: report}
	if s.cfg.FailFast && report.Impossible() {
		out.Status = solution.Infeasible
		out.Err = &core.InfeasibleError{Report: report, Detail: "rejected by calibration"}
		return s.finish(ctx, out, started), nil
	}

	session, err := solver.NewSession(ctx, s.cfg.SolverOptions())
	if err != nil {
		s.restore(previous)
		return nil, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Error(err, "Failed to close solver session", "session", session.ID)
		}
	}()
	out.SessionID = session.ID

	res, err := s.run(ctx, session, prog, out)
	if err != nil {
		out.Status = solution.SolverFailed
		out.Err = err
		return s.finish(ctx, out, started), nil
	}

	switch res.Status {
	case solver.Infeasible:
		out.Status = solution.Infeasible
		out.Err = &core.InfeasibleError{Report: report, Detail: res.Detail}
	case solver.Unbounded:
		out.Status = solution.Unbounded
		out.Err = &core.SolverError{Backend: s.backend.Name(), Err: fmt.Errorf("program is unbounded: %s", res.Detail)}
	case solver.Optimal:
		status := solution.Optimal
		if len(reg.objectives) == 0 {
			status = solution.Feasible
		}
		system, err := solution.Extract(compiled, solution.Input{
			Status:    status,
			Values:    res.Values,
			Objective: res.Objective,
			Report:    report,
			SessionID: session.ID,
		})
		if err != nil {
			out.Status = solution.SolverFailed
			out.Err = &core.SolverError{Backend: s.backend.Name(), Err: err}
			break
		}
		out.Status = status
		out.System = system
	default:
		out.Status = solution.SolverFailed
		out.Err = &core.SolverError{Backend: s.backend.Name(), Err: fmt.Errorf("backend status %s: %s", res.Status, res.Detail)}
	}
	return s.finish(ctx, out, started), nil
}

// build compiles the rules and adds constraints and objective to prog.
func (s *TaxSolver) build(ctx context.Context, prog *lp.Program, reg registry) (*rules.Compiled, *constraints.Built, error) {
	compiled, err := s.compiler.Compile(ctx, reg.store, prog, reg.rules)
	if err != nil {
		return nil, nil, err
	}
	built, err := s.builder.Build(ctx, prog, compiled, reg.constraints)
	if err != nil {
		return nil, nil, err
	}
	if err := objective.Build(ctx, prog, compiled, built, reg.objectives); err != nil {
		return nil, nil, err
	}
	return compiled, built, nil
}

// run solves prog stage by stage, retrying transient failures with
// exponential backoff. Any other error stops the retries.
func (s *TaxSolver) run(ctx context.Context, session *solver.Session, prog *lp.Program, out *Outcome) (*solver.Result, error) {
	logger := logr.FromContextOrDiscard(ctx)
	name := s.backend.Name()

	operation := func() (*solver.Result, error) {
		out.Attempts++
		if out.Attempts > 1 {
			s.recorder.ObserveRetry(name)
		}
		res, err := solver.SolveSequential(ctx, s.backend, session, prog)
		if err != nil && !core.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Info("Transient solver failure, retrying", "error", err.Error(), "retryIn", next.String())
		}),
	)
}

// finish records the terminal state of a solve.
func (s *TaxSolver) finish(ctx context.Context, out *Outcome, started time.Time) *Outcome {
	out.Elapsed = time.Since(started)
	s.mu.Lock()
	switch out.Status {
	case solution.Optimal, solution.Feasible:
		s.state = Solved
		s.solution = out.System
	case solution.Infeasible:
		s.state = Infeasible
	default:
		s.state = SolverFailed
	}
	s.mu.Unlock()
	s.recorder.ObserveSolve(s.backend.Name(), string(out.Status), out.Elapsed)

	logger := logr.FromContextOrDiscard(ctx)
	if out.Err != nil {
		logger.Info("Solve finished without solution", "status", string(out.Status), "attempts", out.Attempts,
			"elapsed", out.Elapsed.String(), "reason", out.Err.Error())
		return out
	}
	logger.Info("Solve finished", "status", string(out.Status), "objective", out.System.Objective,
		"attempts", out.Attempts, "elapsed", out.Elapsed.String())
	return out
}
