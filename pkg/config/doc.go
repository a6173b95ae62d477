// Package config provides configuration management for solver runs.
//
// SolverConfig selects the backend and tunes it: time limit, feasibility
// tolerance, big-M constant, binary location, scratch directory, threads and
// the retry policy for transient solver failures.
//
// Configuration Sources:
//
//  1. Command-line flags (highest priority)
//  2. Environment variables with the TAXSOLVER_ prefix
//  3. A YAML configuration file
//  4. Default values (lowest priority)
//
// Example usage:
//
//	fs := pflag.NewFlagSet("taxsolver", pflag.ExitOnError)
//	config.BindFlags(fs)
//	_ = fs.Parse(os.Args[1:])
//
//	cfg, err := config.Load("taxsolver.yaml", fs)
//	if err != nil {
//	    return err
//	}
//	backend, err := cfg.NewBackend()
//
// All values are validated on load.
package config
