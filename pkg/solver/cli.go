package solver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/pkg/lp"
)

// killGrace is how long a CLI solver may run past its own time limit before
// the process is killed.
const killGrace = 10 * time.Second

const (
	modelFile    = "model.lp"
	solutionFile = "model.sol"
	logFile      = "solver.log"
)

// cliSolver holds what the command line backends share: writing the model,
// running the binary within the time limit and reading values back.
type cliSolver struct {
	name   string
	binary string
	opts   Options
}

func newCLISolver(kind BackendKind, binary string, opts Options) cliSolver {
	if opts.BinaryPath != "" {
		binary = opts.BinaryPath
	}
	return cliSolver{name: kind.String(), binary: binary, opts: opts.withDefaults()}
}

func (c *cliSolver) writeModel(session *Session, prog *lp.Program, native bool) (string, error) {
	path := session.Path(modelFile)
	f, err := os.Create(path)
	if err != nil {
		return "", fatal(c.name, fmt.Errorf("creating model file: %w", err))
	}
	defer f.Close()
	if err := prog.WriteLP(f, lp.LPOptions{NativeIndicators: native}); err != nil {
		return "", fatal(c.name, fmt.Errorf("writing model: %w", err))
	}
	if err := f.Close(); err != nil {
		return "", fatal(c.name, fmt.Errorf("writing model: %w", err))
	}
	return path, nil
}

// run executes the solver binary in the session directory and returns its
// combined output. Exit errors are returned with the output so callers can
// classify them.
func (c *cliSolver) run(ctx context.Context, session *Session, args []string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient(c.name, err)
	}
	runCtx := ctx
	if session.TimeLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, session.TimeLimit+killGrace)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.binary, args...)
	cmd.Dir = session.Dir
	session.Logger.V(logging.DEBUG).Info("Running solver", "backend", c.name, "binary", c.binary, "args", args)
	out, err := cmd.CombinedOutput()
	if werr := os.WriteFile(session.Path(logFile), out, 0o644); werr != nil {
		session.Logger.V(logging.DEBUG).Info("Could not keep solver log", "error", werr.Error())
	}

	if runCtx.Err() != nil {
		return out, transient(c.name, fmt.Errorf("%s did not finish: %w", c.binary, runCtx.Err()))
	}
	if errors.Is(err, exec.ErrNotFound) {
		return out, fatal(c.name, fmt.Errorf("solver binary: %w", err))
	}
	if err != nil && !isExit(err) {
		return out, fatal(c.name, fmt.Errorf("running %s: %w", c.binary, err))
	}
	return out, err
}

func isExit(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// lastLine returns the last non-empty line of a solver log.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// finish rounds binaries and logs rows the backend left violated beyond
// tolerance. The backend's own tolerances are authoritative.
func (c *cliSolver) finish(session *Session, prog *lp.Program, values []float64) {
	for i, v := range prog.Variables() {
		if v.Kind == lp.Binary {
			values[i] = math.Round(values[i])
		}
	}
	if v := prog.MaxViolation(values); v.Amount > c.opts.Tolerance {
		session.Logger.Info("Solver solution exceeds feasibility tolerance",
			"backend", c.name, "row", v.Name, "violation", v.Amount)
	}
}

func (c *cliSolver) timeLimitArg(session *Session) string {
	return strconv.FormatFloat(session.TimeLimit.Seconds(), 'f', -1, 64)
}

// parseValue reads one "name value" line into values.
func parseValue(line string, values []float64) error {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return fmt.Errorf("malformed solution line %q", line)
	}
	i, ok := lp.ParseColumnName(fields[0])
	if !ok || i >= len(values) {
		return fmt.Errorf("unknown column %q", fields[0])
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("column %q: %w", fields[0], err)
	}
	values[i] = v
	return nil
}

func scanLines(data []byte) *bufio.Scanner {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return sc
}
