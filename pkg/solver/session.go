package solver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Session is the scratch state of one solve. Nothing is shared between
// sessions.
type Session struct {
	ID        string
	Dir       string
	TimeLimit time.Duration
	Logger    logr.Logger
	Started   time.Time

	keep bool
}

// NewSession creates a session with its own scratch directory under
// opts.WorkDir.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	id := uuid.NewString()
	if opts.WorkDir != "" {
		if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating work dir %q: %w", opts.WorkDir, err)
		}
	}
	dir, err := os.MkdirTemp(opts.WorkDir, "taxsolver-"+id[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &Session{
		ID:        id,
		Dir:       dir,
		TimeLimit: opts.TimeLimit,
		Logger:    logr.FromContextOrDiscard(ctx).WithValues("session", id),
		Started:   time.Now(),
		keep:      opts.KeepFiles,
	}, nil
}

// Path returns the path of a scratch file.
func (s *Session) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Elapsed returns the time since the session started.
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.Started)
}

// Close removes the scratch directory unless files are kept.
func (s *Session) Close() error {
	if s.keep || s.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("removing session dir %q: %w", s.Dir, err)
	}
	return nil
}
