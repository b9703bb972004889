// Package session holds per-connection settings and the restores a
// connection has in flight.
//
// Two parameters govern long-running work: statement_timeout bounds
// how long a caller waits on a statement, and abort_detached_query
// decides whether closing the session cancels its running restores or
// lets them finish server-side. Restoring from the archive tier can
// take up to its retrieval ceiling, so callers raise the timeout and
// disable the abort before issuing one.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/logging"
)

// Session parameter names.
const (
	ParamStatementTimeout   = "statement_timeout"
	ParamAbortDetachedQuery = "abort_detached_query"
)

// Task is the part of a running restore a session manages: it can be
// canceled and reports when it settles.
type Task interface {
	ID() string
	Cancel()
	Done() <-chan struct{}
}

// Parameter is one session setting, formatted for display.
type Parameter struct {
	Name        string
	Value       string
	Description string
}

// Session is one connection's settings plus its running restores.
// A zero statement_timeout means no deadline.
type Session struct {
	id  string
	log *slog.Logger

	mu      sync.Mutex
	timeout time.Duration
	abort   bool
	closed  bool
	tasks   map[string]Task
}

// New creates a session with the configured parameter defaults.
func New(cfg config.SessionConfig) *Session {
	timeout := cfg.StatementTimeout
	if timeout < 0 {
		timeout = 0
	}
	s := &Session{
		id:      uuid.New().String(),
		timeout: timeout,
		abort:   cfg.AbortDetachedQuery,
		tasks:   make(map[string]Task),
	}
	s.log = logging.Component("session").With("session_id", s.id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// StatementTimeout returns the current statement timeout. Zero means
// statements wait without a deadline.
func (s *Session) StatementTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// AbortDetachedQuery reports whether closing the session cancels its
// running restores.
func (s *Session) AbortDetachedQuery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Set updates one session parameter. The timeout accepts a Go
// duration ("30m", "48h") or a bare number of seconds; zero disables
// the deadline. The abort flag accepts boolean literals.
func (s *Session) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.Wrap(errors.ErrSessionClosed, "set parameter")
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case ParamStatementTimeout:
		d, err := parseTimeout(value)
		if err != nil {
			return err
		}
		s.timeout = d

	case ParamAbortDetachedQuery:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return errors.Wrapf(errors.ErrInvalidParameter,
				"%s: %q is not a boolean", ParamAbortDetachedQuery, value)
		}
		s.abort = b

	default:
		return errors.Wrapf(errors.ErrInvalidParameter, "unknown parameter %q", name)
	}

	s.log.Info("session parameter set", "name", strings.ToLower(strings.TrimSpace(name)), "value", value)
	return nil
}

func parseTimeout(value string) (time.Duration, error) {
	v := strings.TrimSpace(value)

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if parsed, err := time.ParseDuration(v); err == nil {
		d = parsed
	} else {
		return 0, errors.Wrapf(errors.ErrInvalidParameter,
			"%s: %q is not a duration or a number of seconds", ParamStatementTimeout, value)
	}

	if d < 0 {
		return 0, errors.Wrapf(errors.ErrInvalidParameter,
			"%s: must not be negative, got %q", ParamStatementTimeout, value)
	}
	return d, nil
}

// Parameters returns the session settings in display order.
func (s *Session) Parameters() []Parameter {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := "0"
	if s.timeout > 0 {
		timeout = s.timeout.String()
	}
	return []Parameter{
		{
			Name:        ParamAbortDetachedQuery,
			Value:       strconv.FormatBool(s.abort),
			Description: "cancel this session's running restores when it closes",
		},
		{
			Name:        ParamStatementTimeout,
			Value:       timeout,
			Description: "how long a statement may block; 0 waits forever",
		},
	}
}

// Context derives a statement context from parent: with a deadline
// when a statement timeout is set, cancellable-only otherwise.
func (s *Session) Context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := s.StatementTimeout()
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}

// Track registers a running restore with the session. The entry is
// dropped on its own once the task settles.
func (s *Session) Track(t Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrSessionClosed, "track task")
	}
	s.tasks[t.ID()] = t
	s.mu.Unlock()

	go func() {
		<-t.Done()
		s.mu.Lock()
		delete(s.tasks, t.ID())
		s.mu.Unlock()
	}()

	return nil
}

// Tasks returns how many of the session's restores are still running.
func (s *Session) Tasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close marks the session closed. With abort_detached_query set, its
// running restores are canceled; otherwise they keep running and
// settle into the audit history. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	abort := s.abort
	running := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		running = append(running, t)
	}
	s.mu.Unlock()

	if abort {
		for _, t := range running {
			t.Cancel()
		}
		if len(running) > 0 {
			s.log.Info("session closed, detached restores aborted", "aborted", len(running))
			return nil
		}
	} else if len(running) > 0 {
		s.log.Info("session closed, detached restores continue", "running", len(running))
		return nil
	}

	s.log.Debug("session closed")
	return nil
}

// String identifies the session in logs and errors.
func (s *Session) String() string {
	return fmt.Sprintf("session %s", s.id)
}
