package retrieval

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
)

// TaskStatus is the lifecycle state of a restore task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// Result is the final accounting of one restore task. Files and Bytes
// count archive data touched by the scan; Credits derive from those,
// never from Rows.
type Result struct {
	QueryID     string
	Source      string
	Destination string

	Files   int
	Bytes   int64
	Rows    int64
	Credits float64

	Duration time.Duration
}

// Progress is a point-in-time snapshot of a task's counters.
type Progress struct {
	Status     TaskStatus
	Files      int
	FilesTotal int
	Bytes      int64
	BytesTotal int64
	Rows       int64
}

// Task is one asynchronous restore. It starts pending, runs in the
// background, and settles exactly once; waiters observe the settled
// result through Wait.
type Task struct {
	id          string
	source      string
	destination string
	startedAt   time.Time

	cancel context.CancelFunc
	done   chan struct{}

	filesTotal int
	bytesTotal int64

	files atomic.Int64
	bytes atomic.Int64
	rows  atomic.Int64

	mu     sync.Mutex
	status TaskStatus
	result *Result
	err    error
}

func newTask(id string, est *Estimate, cancel context.CancelFunc) *Task {
	return &Task{
		id:          id,
		source:      est.Source,
		destination: est.Destination,
		startedAt:   time.Now().UTC(),
		cancel:      cancel,
		done:        make(chan struct{}),
		filesTotal:  est.Files,
		bytesTotal:  est.Bytes,
		status:      TaskPending,
	}
}

// ID returns the query id, shared with the audit history record.
func (t *Task) ID() string { return t.id }

// Source returns the archived table being read.
func (t *Task) Source() string { return t.source }

// Destination returns the table being materialized.
func (t *Task) Destination() string { return t.destination }

// StartedAt returns when the task was created.
func (t *Task) StartedAt() time.Time { return t.startedAt }

// Status returns the current task status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns a snapshot of the fetch counters. Totals come from
// the plan; the rest advance as partitions complete.
func (t *Task) Progress() Progress {
	return Progress{
		Status:     t.Status(),
		Files:      int(t.files.Load()),
		FilesTotal: t.filesTotal,
		Bytes:      t.bytes.Load(),
		BytesTotal: t.bytesTotal,
		Rows:       t.rows.Load(),
	}
}

// Cancel requests cancellation. The task settles as canceled once the
// in-flight partition scans observe it. Safe to call repeatedly and
// after the task has settled.
func (t *Task) Cancel() {
	t.cancel()
}

// Done returns a channel closed when the task settles.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task settles or ctx expires. The deadline is
// the caller's statement timeout: hitting it abandons the wait, not
// the task, which keeps running server-side. A settled task always
// returns its outcome, even on an expired context.
func (t *Task) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
		return t.outcome()
	default:
	}

	select {
	case <-t.done:
		return t.outcome()
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(errors.ErrTimeout, "restore %s still running", t.id)
		}
		return nil, ctx.Err()
	}
}

func (t *Task) outcome() (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

func (t *Task) markRunning() {
	t.mu.Lock()
	t.status = TaskRunning
	t.mu.Unlock()
}

// settle records the final state and releases waiters.
func (t *Task) settle(status TaskStatus, res *Result, err error) {
	t.mu.Lock()
	t.status = status
	t.result = res
	t.err = err
	t.mu.Unlock()
	close(t.done)
}
