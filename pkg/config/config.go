package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/taxsolver/taxsolver/pkg/lp"
	"github.com/taxsolver/taxsolver/pkg/solver"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "TAXSOLVER"

const (
	DefaultMaxRetries           = 3
	DefaultRetryInitialInterval = 500 * time.Millisecond
)

// SolverConfig holds the settings of a solve.
type SolverConfig struct {
	// Backend is one of "gonum", "highs" or "gurobi".
	Backend              string        `mapstructure:"backend"`
	TimeLimit            time.Duration `mapstructure:"time_limit"`
	FeasibilityTolerance float64       `mapstructure:"feasibility_tolerance"`
	BigM                 float64       `mapstructure:"big_m"`
	BinaryPath           string        `mapstructure:"binary_path"`
	WorkDir              string        `mapstructure:"work_dir"`
	KeepFiles            bool          `mapstructure:"keep_files"`
	Threads              int           `mapstructure:"threads"`
	// MaxRetries caps the attempts made after a transient solver failure.
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	// FailFast skips the backend when calibration proves infeasibility.
	FailFast bool `mapstructure:"fail_fast"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() SolverConfig {
	return SolverConfig{
		Backend:              solver.GonumBackend.String(),
		TimeLimit:            solver.DefaultTimeLimit,
		FeasibilityTolerance: solver.DefaultTolerance,
		BigM:                 lp.DefaultBigM,
		MaxRetries:           DefaultMaxRetries,
		RetryInitialInterval: DefaultRetryInitialInterval,
	}
}

// Validate checks for invalid configuration values.
func (c SolverConfig) Validate() error {
	if _, err := solver.ParseBackendKind(c.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if c.TimeLimit < 0 {
		return fmt.Errorf("time_limit must be >= 0, got %s", c.TimeLimit)
	}
	if !(c.FeasibilityTolerance > 0) || math.IsInf(c.FeasibilityTolerance, 0) {
		return fmt.Errorf("feasibility_tolerance must be a positive number, got %g", c.FeasibilityTolerance)
	}
	if !(c.BigM > 0) || math.IsInf(c.BigM, 0) {
		return fmt.Errorf("big_m must be a positive number, got %g", c.BigM)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads must be >= 0, got %d", c.Threads)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryInitialInterval < 0 {
		return fmt.Errorf("retry_initial_interval must be >= 0, got %s", c.RetryInitialInterval)
	}
	return nil
}

// BackendKind returns the configured backend.
func (c SolverConfig) BackendKind() (solver.BackendKind, error) {
	return solver.ParseBackendKind(c.Backend)
}

// SolverOptions returns the backend and session options of c.
func (c SolverConfig) SolverOptions() solver.Options {
	return solver.Options{
		TimeLimit:  c.TimeLimit,
		Tolerance:  c.FeasibilityTolerance,
		BigM:       c.BigM,
		BinaryPath: c.BinaryPath,
		WorkDir:    c.WorkDir,
		KeepFiles:  c.KeepFiles,
		Threads:    c.Threads,
	}
}

// NewBackend creates the configured backend.
func (c SolverConfig) NewBackend() (solver.Backend, error) {
	kind, err := c.BackendKind()
	if err != nil {
		return nil, err
	}
	return solver.NewBackend(kind, c.SolverOptions())
}

// setting ties a configuration key to its command-line flag.
type setting struct {
	key   string
	flag  string
	usage string
}

var settings = []setting{
	{key: "backend", flag: "backend", usage: "solver backend: gonum, highs or gurobi"},
	{key: "time_limit", flag: "time-limit", usage: "time limit of one solver run"},
	{key: "feasibility_tolerance", flag: "feasibility-tolerance", usage: "largest scaled row violation accepted"},
	{key: "big_m", flag: "big-m", usage: "largest big-M constant accepted when linearizing indicators"},
	{key: "binary_path", flag: "binary-path", usage: "path of the solver executable"},
	{key: "work_dir", flag: "work-dir", usage: "parent directory of solver scratch files"},
	{key: "keep_files", flag: "keep-files", usage: "keep solver scratch files"},
	{key: "threads", flag: "threads", usage: "solver threads, 0 lets the solver decide"},
	{key: "max_retries", flag: "max-retries", usage: "retries after a transient solver failure"},
	{key: "retry_initial_interval", flag: "retry-initial-interval", usage: "first backoff interval between retries"},
	{key: "fail_fast", flag: "fail-fast", usage: "skip the solver when calibration proves infeasibility"},
}

// BindFlags defines one flag per setting on fs, defaulting to Defaults().
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("backend", d.Backend, usage("backend"))
	fs.Duration("time-limit", d.TimeLimit, usage("time_limit"))
	fs.Float64("feasibility-tolerance", d.FeasibilityTolerance, usage("feasibility_tolerance"))
	fs.Float64("big-m", d.BigM, usage("big_m"))
	fs.String("binary-path", d.BinaryPath, usage("binary_path"))
	fs.String("work-dir", d.WorkDir, usage("work_dir"))
	fs.Bool("keep-files", d.KeepFiles, usage("keep_files"))
	fs.Int("threads", d.Threads, usage("threads"))
	fs.Int("max-retries", d.MaxRetries, usage("max_retries"))
	fs.Duration("retry-initial-interval", d.RetryInitialInterval, usage("retry_initial_interval"))
	fs.Bool("fail-fast", d.FailFast, usage("fail_fast"))
}

func usage(key string) string {
	for _, s := range settings {
		if s.key == key {
			return s.usage
		}
	}
	return ""
}

// Load reads the configuration from defaults, the optional YAML file at
// path, TAXSOLVER_* environment variables and the flags of fs, in increasing
// priority. Flags must have been defined with BindFlags.
func Load(path string, fs *pflag.FlagSet) (SolverConfig, error) {
	v := viper.New()
	d := Defaults()
	v.SetDefault("backend", d.Backend)
	v.SetDefault("time_limit", d.TimeLimit)
	v.SetDefault("feasibility_tolerance", d.FeasibilityTolerance)
	v.SetDefault("big_m", d.BigM)
	v.SetDefault("binary_path", d.BinaryPath)
	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("keep_files", d.KeepFiles)
	v.SetDefault("threads", d.Threads)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_initial_interval", d.RetryInitialInterval)
	v.SetDefault("fail_fast", d.FailFast)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return SolverConfig{}, fmt.Errorf("reading config %q: %w", path, err)
		}
	}
	if fs != nil {
		for _, s := range settings {
			f := fs.Lookup(s.flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(s.key, f); err != nil {
				return SolverConfig{}, fmt.Errorf("binding flag %q: %w", s.flag, err)
			}
		}
	}

	var cfg SolverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return SolverConfig{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return SolverConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// ErrInvalidConfig is returned by Load for values that fail Validate.
var ErrInvalidConfig = errors.New("invalid solver configuration")
