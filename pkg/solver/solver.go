package solver

import (
	"context"
	"fmt"
	"time"

	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/lp"
)

// Backend solves linear programs.
type Backend interface {
	// Name identifies the backend in errors, logs and metrics.
	Name() string
	// Solve runs prog within session. Infeasible and unbounded programs are
	// reported through Result.Status; the error is reserved for failures of
	// the backend itself and is always a *core.SolverError.
	Solve(ctx context.Context, session *Session, prog *lp.Program) (*Result, error)
}

// Status is the terminal status of a backend run.
type Status int

const (
	Optimal Status = iota
	Infeasible
	Unbounded
	Error
)

func (s Status) String() string {
	switch s {
	case Optimal:
		return "OPTIMAL"
	case Infeasible:
		return "INFEASIBLE"
	case Unbounded:
		return "UNBOUNDED"
	case Error:
		return "SOLVER_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the outcome of a backend run.
type Result struct {
	Status Status
	// Values holds one value per program variable when Status is Optimal.
	Values    []float64
	Objective float64
	// Detail is the backend's own status text, if any.
	Detail string
}

// Options configure backends and sessions.
type Options struct {
	// TimeLimit bounds a single backend run. Zero means no limit.
	TimeLimit time.Duration
	// Tolerance is the largest scaled row violation accepted in a solution.
	Tolerance float64
	// BigM is the largest big-M constant accepted when indicators are linearized.
	BigM float64
	// BinaryPath overrides the solver executable of CLI backends.
	BinaryPath string
	// WorkDir is the parent of session scratch directories. Empty means the OS temp dir.
	WorkDir string
	// KeepFiles leaves the scratch directory in place after the session closes.
	KeepFiles bool
	// Threads caps solver threads. Zero lets the solver decide.
	Threads int
}

const (
	DefaultTimeLimit = 5 * time.Minute
	DefaultTolerance = 1e-6
)

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		TimeLimit: DefaultTimeLimit,
		Tolerance: DefaultTolerance,
		BigM:      lp.DefaultBigM,
	}
}

func (o Options) withDefaults() Options {
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.BigM <= 0 {
		o.BigM = lp.DefaultBigM
	}
	return o
}

// BackendKind is an enumeration of the available backends.
type BackendKind int

// enumeration of BackendKind
const (
	GonumBackend BackendKind = iota
	HighsBackend
	GurobiBackend
)

func (k BackendKind) String() string {
	switch k {
	case GonumBackend:
		return "gonum"
	case HighsBackend:
		return "highs"
	case GurobiBackend:
		return "gurobi"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

// ParseBackendKind maps a backend name to its kind.
func ParseBackendKind(name string) (BackendKind, error) {
	for k := GonumBackend; k <= GurobiBackend; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unsupported solver backend: %q", name)
}

// NewBackend is a factory that creates a new Backend of the provided kind.
func NewBackend(kind BackendKind, opts Options) (Backend, error) {
	opts = opts.withDefaults()
	switch kind {
	case GonumBackend:
		return NewGonumSolver(opts), nil
	case HighsBackend:
		return NewHighsSolver(opts), nil
	case GurobiBackend:
		return NewGurobiSolver(opts), nil
	default:
		return nil, fmt.Errorf("unsupported solver backend: %v", kind)
	}
}

func fatal(backend string, err error) error {
	return &core.SolverError{Backend: backend, Err: err}
}

func transient(backend string, err error) error {
	return &core.SolverError{Backend: backend, Transient: true, Err: err}
}
