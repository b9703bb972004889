package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/config"
	apperrors "github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
)

type fakeTask struct {
	id       string
	done     chan struct{}
	canceled atomic.Bool
}

func newFakeTask(id string) *fakeTask {
	return &fakeTask{id: id, done: make(chan struct{})}
}

func (f *fakeTask) ID() string            { return f.id }
func (f *fakeTask) Cancel()               { f.canceled.Store(true) }
func (f *fakeTask) Done() <-chan struct{} { return f.done }

func newSession(t *testing.T) *Session {
	t.Helper()
	s := New(config.DefaultConfig().Session)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionDefaults(t *testing.T) {
	s := newSession(t)

	if s.ID() == "" {
		t.Error("session has no id")
	}
	if got := s.StatementTimeout(); got != 10*time.Minute {
		t.Errorf("statement_timeout = %v, want 10m", got)
	}
	if !s.AbortDetachedQuery() {
		t.Error("abort_detached_query should default to true")
	}
	if s.Closed() {
		t.Error("new session reports closed")
	}
}

func TestSessionSet(t *testing.T) {
	tests := []struct {
		name    string
		param   string
		value   string
		wantErr bool
		check   func(t *testing.T, s *Session)
	}{
		{
			name:  "timeout as duration",
			param: "statement_timeout",
			value: "30m",
			check: func(t *testing.T, s *Session) {
				if got := s.StatementTimeout(); got != 30*time.Minute {
					t.Errorf("timeout = %v, want 30m", got)
				}
			},
		},
		{
			name:  "timeout for archive retrieval",
			param: "statement_timeout",
			value: "48h",
			check: func(t *testing.T, s *Session) {
				if got := s.StatementTimeout(); got != 48*time.Hour {
					t.Errorf("timeout = %v, want 48h", got)
				}
			},
		},
		{
			name:  "timeout as seconds",
			param: "statement_timeout",
			value: "600",
			check: func(t *testing.T, s *Session) {
				if got := s.StatementTimeout(); got != 10*time.Minute {
					t.Errorf("timeout = %v, want 10m", got)
				}
			},
		},
		{
			name:  "timeout zero disables deadline",
			param: "statement_timeout",
			value: "0",
			check: func(t *testing.T, s *Session) {
				if got := s.StatementTimeout(); got != 0 {
					t.Errorf("timeout = %v, want 0", got)
				}
			},
		},
		{
			name:  "uppercase parameter name",
			param: "STATEMENT_TIMEOUT",
			value: "1h",
			check: func(t *testing.T, s *Session) {
				if got := s.StatementTimeout(); got != time.Hour {
					t.Errorf("timeout = %v, want 1h", got)
				}
			},
		},
		{
			name:    "negative timeout",
			param:   "statement_timeout",
			value:   "-5m",
			wantErr: true,
		},
		{
			name:    "unparseable timeout",
			param:   "statement_timeout",
			value:   "soon",
			wantErr: true,
		},
		{
			name:  "abort disabled",
			param: "abort_detached_query",
			value: "false",
			check: func(t *testing.T, s *Session) {
				if s.AbortDetachedQuery() {
					t.Error("abort_detached_query still true")
				}
			},
		},
		{
			name:  "abort as numeral",
			param: "abort_detached_query",
			value: "0",
			check: func(t *testing.T, s *Session) {
				if s.AbortDetachedQuery() {
					t.Error("abort_detached_query still true")
				}
			},
		},
		{
			name:    "abort not boolean",
			param:   "abort_detached_query",
			value:   "maybe",
			wantErr: true,
		},
		{
			name:    "unknown parameter",
			param:   "query_tag",
			value:   "x",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t)
			err := s.Set(tt.param, tt.value)
			if tt.wantErr {
				if !apperrors.Is(err, apperrors.ErrInvalidParameter) {
					t.Fatalf("error = %v, want ErrInvalidParameter", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("set failed: %v", err)
			}
			tt.check(t, s)
		})
	}
}

func TestSessionParameters(t *testing.T) {
	s := newSession(t)
	if err := s.Set("statement_timeout", "48h"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.Set("abort_detached_query", "false"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	params := s.Parameters()
	if len(params) != 2 {
		t.Fatalf("parameters = %d, want 2", len(params))
	}
	if params[0].Name != ParamAbortDetachedQuery || params[0].Value != "false" {
		t.Errorf("first parameter = %s=%s", params[0].Name, params[0].Value)
	}
	if params[1].Name != ParamStatementTimeout || params[1].Value != "48h0m0s" {
		t.Errorf("second parameter = %s=%s", params[1].Name, params[1].Value)
	}
	for _, p := range params {
		if p.Description == "" {
			t.Errorf("parameter %s has no description", p.Name)
		}
	}
}

func TestSessionContext(t *testing.T) {
	s := newSession(t)

	ctx, cancel := s.Context(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Error("expected a deadline from the default statement timeout")
	}

	if err := s.Set("statement_timeout", "0"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	ctx, cancel = s.Context(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Error("expected no deadline with statement_timeout 0")
	}
}

func TestSessionCloseAbortsDetached(t *testing.T) {
	s := New(config.DefaultConfig().Session)

	t1, t2 := newFakeTask("q-1"), newFakeTask("q-2")
	if err := s.Track(t1); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if err := s.Track(t2); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if got := s.Tasks(); got != 2 {
		t.Fatalf("tracked tasks = %d, want 2", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !s.Closed() {
		t.Error("session not reporting closed")
	}
	if !t1.canceled.Load() || !t2.canceled.Load() {
		t.Error("running restores not canceled on close")
	}

	if err := s.Set("statement_timeout", "1h"); !apperrors.Is(err, apperrors.ErrSessionClosed) {
		t.Errorf("set after close = %v, want ErrSessionClosed", err)
	}
	if err := s.Track(newFakeTask("q-3")); !apperrors.Is(err, apperrors.ErrSessionClosed) {
		t.Errorf("track after close = %v, want ErrSessionClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close = %v, want nil", err)
	}
}

func TestSessionCloseLeavesDetachedRunning(t *testing.T) {
	s := New(config.DefaultConfig().Session)
	if err := s.Set("abort_detached_query", "false"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	task := newFakeTask("q-1")
	if err := s.Track(task); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if task.canceled.Load() {
		t.Error("detached restore canceled despite abort_detached_query=false")
	}
}

func TestSessionReleasesSettledTasks(t *testing.T) {
	s := newSession(t)

	task := newFakeTask("q-1")
	if err := s.Track(task); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	close(task.done)

	deadline := time.Now().Add(2 * time.Second)
	for s.Tasks() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("settled task still tracked, %d remaining", s.Tasks())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
