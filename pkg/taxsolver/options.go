package taxsolver

import (
	"github.com/go-logr/logr"

	"github.com/taxsolver/taxsolver/internal/metrics"
	"github.com/taxsolver/taxsolver/pkg/config"
)

// Option configures a TaxSolver.
type Option func(*TaxSolver)

// WithLogger sets the logger used when a call's context carries none.
func WithLogger(logger logr.Logger) Option {
	return func(s *TaxSolver) { s.logger = &logger }
}

// WithRecorder records solve metrics on r.
func WithRecorder(r *metrics.Recorder) Option {
	return func(s *TaxSolver) { s.recorder = r }
}

// WithConfig applies the session, retry and fail-fast settings of cfg. The
// backend itself is passed to New.
func WithConfig(cfg config.SolverConfig) Option {
	return func(s *TaxSolver) { s.cfg = cfg }
}

// WithMaxRetries overrides how often a transient solver failure is retried.
func WithMaxRetries(n int) Option {
	return func(s *TaxSolver) { s.cfg.MaxRetries = n }
}

// WithFailFast skips the backend when calibration proves the program infeasible.
func WithFailFast(failFast bool) Option {
	return func(s *TaxSolver) { s.cfg.FailFast = failFast }
}
