// Package logging builds the logr loggers used across the solver. Loggers are
// backed by zap and travel through context.Context; packages retrieve them
// with logr.FromContextOrDiscard and never hold a global logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels passed to logr's V().
const (
	INFO  = 0
	DEBUG = 1
	TRACE = 2
)

// Options configure NewLogger.
type Options struct {
	// Level is the highest logr verbosity that is emitted (INFO, DEBUG or TRACE).
	Level int
	// Development switches to zap's console encoder with caller and stack traces on warnings.
	Development bool
	// Output receives the log lines. Defaults to stderr.
	Output io.Writer
}

// NewLogger creates a zap-backed logr.Logger.
func NewLogger(opts Options) (logr.Logger, error) {
	if opts.Level < INFO || opts.Level > TRACE {
		return logr.Discard(), fmt.Errorf("log level must be between %d and %d, got %d", INFO, TRACE, opts.Level)
	}
	// logr V(n) maps to zap level -n
	level := zap.NewAtomicLevelAt(zapcore.Level(-opts.Level))

	var encoder zapcore.Encoder
	if opts.Development {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	var sink zapcore.WriteSyncer
	if opts.Output != nil {
		sink = zapcore.AddSync(opts.Output)
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	zapOpts := []zap.Option{zap.AddCaller()}
	if opts.Development {
		zapOpts = append(zapOpts, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	}
	return zapr.NewLogger(zap.New(zapcore.NewCore(encoder, sink, level), zapOpts...)), nil
}

// NewTestLogger returns a development logger at TRACE verbosity writing to w,
// typically GinkgoWriter so output only surfaces for failing specs.
func NewTestLogger(w io.Writer) logr.Logger {
	logger, err := NewLogger(Options{Level: TRACE, Development: true, Output: w})
	if err != nil {
		panic(err)
	}
	return logger
}

// IntoContext stores logger in ctx.
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// FromContext returns the logger stored in ctx, or a discarding logger.
func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}
