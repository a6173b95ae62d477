// Package metrics records solve activity on a Prometheus registry.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taxsolver"

// Recorder exposes solve metrics. A nil *Recorder records nothing.
type Recorder struct {
	duration  *prometheus.HistogramVec
	solves    *prometheus.CounterVec
	retries   *prometheus.CounterVec
	variables prometheus.Gauge
	rows      prometheus.Gauge
}

// NewRecorder creates the solve metrics and registers them on reg.
// Collectors already registered by another Recorder are reused.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solve_duration_seconds",
			Help:      "Wall time of a solve, from compilation to extraction.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"backend", "status"}),
		solves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solves_total",
			Help:      "Solves by backend and terminal status.",
		}, []string{"backend", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solve_retries_total",
			Help:      "Backend runs repeated after a transient failure.",
		}, []string{"backend"}),
		variables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "program_variables",
			Help:      "Variables of the last program handed to a backend.",
		}),
		rows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "program_rows",
			Help:      "Rows and indicator constraints of the last program handed to a backend.",
		}),
	}

	var err error
	r.duration, err = register(reg, r.duration)
	if err != nil {
		return nil, err
	}
	if r.solves, err = register(reg, r.solves); err != nil {
		return nil, err
	}
	if r.retries, err = register(reg, r.retries); err != nil {
		return nil, err
	}
	if r.variables, err = register(reg, r.variables); err != nil {
		return nil, err
	}
	if r.rows, err = register(reg, r.rows); err != nil {
		return nil, err
	}
	return r, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveSolve records a finished solve.
func (r *Recorder) ObserveSolve(backend, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(backend, status).Observe(elapsed.Seconds())
	r.solves.WithLabelValues(backend, status).Inc()
}

// ObserveRetry records a backend run repeated after a transient failure.
func (r *Recorder) ObserveRetry(backend string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(backend).Inc()
}

// SetProgramSize records the size of the program about to be solved.
func (r *Recorder) SetProgramSize(variables, rows int) {
	if r == nil {
		return
	}
	r.variables.Set(float64(variables))
	r.rows.Set(float64(rows))
}
