// Command taxsolver solves a reform scenario against a household file and
// prints the rates table as CSV.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/pflag"

	scenarioconfig "github.com/taxsolver/taxsolver/internal/config"
	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/internal/metrics"
	"github.com/taxsolver/taxsolver/pkg/config"
	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/solution"
	"github.com/taxsolver/taxsolver/pkg/taxsolver"
)

// exit codes
const (
	exitSolved     = 0
	exitError      = 1
	exitNoSolution = 2
)

type options struct {
	configPath     string
	scenarioPath   string
	householdsPath string
	ratesOut       string
	metricsOut     string
	flags          *pflag.FlagSet
}

func main() {
	fs := pflag.NewFlagSet("taxsolver", pflag.ExitOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "solver configuration file")
	fs.StringVar(&opts.scenarioPath, "scenario", "", "reform scenario file (required)")
	fs.StringVar(&opts.householdsPath, "households", "", "household records file (required)")
	fs.StringVar(&opts.ratesOut, "rates-out", "", "rates CSV output, stdout when empty")
	fs.StringVar(&opts.metricsOut, "metrics-out", "", "write solve metrics in Prometheus text format to this file")
	level := fs.Int("v", logging.INFO, "log verbosity: 0 info, 1 debug, 2 trace")
	development := fs.Bool("development", false, "human readable logs")
	config.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])
	opts.flags = fs

	logger, err := logging.NewLogger(logging.Options{Level: *level, Development: *development})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.IntoContext(ctx, logger)

	status, err := run(ctx, opts, os.Stdout)
	if err != nil {
		logger.Error(err, "Solve failed")
		stop()
		os.Exit(exitError)
	}
	if status != solution.Optimal && status != solution.Feasible {
		stop()
		os.Exit(exitNoSolution)
	}
}

// run loads the inputs, solves and writes the rates table to stdout or
// opts.ratesOut. Statuses without a solution are not errors.
func run(ctx context.Context, opts options, stdout io.Writer) (solution.Status, error) {
	logger := logr.FromContextOrDiscard(ctx)
	if opts.scenarioPath == "" || opts.householdsPath == "" {
		return "", errors.New("--scenario and --households are required")
	}

	cfg, err := config.Load(opts.configPath, opts.flags)
	if err != nil {
		return "", err
	}
	scenario, err := scenarioconfig.LoadScenario(opts.scenarioPath)
	if err != nil {
		return "", err
	}
	specs, err := scenario.Specs()
	if err != nil {
		return "", err
	}
	records, err := scenarioconfig.LoadHouseholds(opts.householdsPath)
	if err != nil {
		return "", err
	}
	store, err := core.NewStore(ctx, records)
	if err != nil {
		return "", err
	}

	backend, err := cfg.NewBackend()
	if err != nil {
		return "", err
	}
	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return "", err
	}

	ts, err := taxsolver.New(store, backend, taxsolver.WithConfig(cfg), taxsolver.WithRecorder(recorder))
	if err != nil {
		return "", err
	}
	if err := ts.AddRules(ctx, specs.Rules...); err != nil {
		return "", err
	}
	if len(specs.Constraints) > 0 {
		if err := ts.AddConstraints(ctx, specs.Constraints...); err != nil {
			return "", err
		}
	}
	if len(specs.Objectives) > 0 {
		if err := ts.SetObjective(ctx, specs.Objectives...); err != nil {
			return "", err
		}
	}

	logger.Info("Solving scenario", "scenario", scenario.Name, "households", store.Len(), "backend", backend.Name())
	out, err := ts.Solve(ctx)
	if err != nil {
		return "", err
	}
	if opts.metricsOut != "" {
		if err := writeMetrics(reg, opts.metricsOut); err != nil {
			return "", err
		}
	}
	if out.System == nil {
		logger.Info("No solution", "status", string(out.Status), "reason", out.Err.Error())
		return out.Status, nil
	}

	w := stdout
	if opts.ratesOut != "" {
		f, err := os.Create(opts.ratesOut)
		if err != nil {
			return "", fmt.Errorf("creating rates output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := out.System.Rates.WriteCSV(w); err != nil {
		return "", fmt.Errorf("writing rates: %w", err)
	}
	return out.Status, nil
}

func writeMetrics(reg prometheus.Gatherer, path string) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating metrics output: %w", err)
	}
	defer f.Close()
	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
