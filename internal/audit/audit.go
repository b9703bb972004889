// Package audit records what the engine did to the data: every
// partition action a policy run attempted and every archive retrieval.
// Lifecycle runs happen on a schedule with nobody watching, so this
// history is the only place their failures surface.
//
// Records live in the catalog database alongside the partition
// metadata they describe. Timestamps are stored as integer unix
// milliseconds.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/logging"
)

// Status is the outcome of a recorded operation.
type Status string

const (
	// StatusRunning marks an operation still in flight.
	StatusRunning Status = "running"

	// StatusCompleted marks a successful operation.
	StatusCompleted Status = "completed"

	// StatusFailed marks a failed operation.
	StatusFailed Status = "failed"

	// StatusCanceled marks an operation canceled before completion.
	StatusCanceled Status = "canceled"

	// StatusSkipped marks an action the evaluator decided not to take.
	StatusSkipped Status = "skipped"
)

// PolicyExecution is one partition-level action attempted during a
// policy evaluation run.
type PolicyExecution struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Table      string     `json:"table"`
	Quarter    string     `json:"quarter"`
	Policy     string     `json:"policy"`
	Action     string     `json:"action"`
	FromState  string     `json:"from_state"`
	ToState    string     `json:"to_state"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Files      int        `json:"files"`
	Bytes      int64      `json:"bytes"`
	Rows       int64      `json:"rows"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Complete marks the execution successful as of now.
func (e *PolicyExecution) Complete() {
	e.Status = StatusCompleted
	now := time.Now().UTC()
	e.FinishedAt = &now
}

// Fail marks the execution failed with the error's message and class.
func (e *PolicyExecution) Fail(err error) {
	e.Status = StatusFailed
	e.Error = err.Error()
	e.ErrorCode = errors.Code(err)
	now := time.Now().UTC()
	e.FinishedAt = &now
}

// RetrievalRecord is one archive retrieval: the restore of archived
// rows into a new table.
type RetrievalRecord struct {
	ID          string     `json:"id"`
	Table       string     `json:"table"`
	Destination string     `json:"destination"`
	Predicate   string     `json:"predicate"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Files       int        `json:"files"`
	Bytes       int64      `json:"bytes"`
	Rows        int64      `json:"rows"`
	Credits     float64    `json:"credits"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// RetrievalOutcome finalizes a retrieval record.
type RetrievalOutcome struct {
	Status  Status
	Files   int
	Bytes   int64
	Rows    int64
	Credits float64

	// Err is recorded as message plus error class when non-nil.
	Err error
}

// Recorder writes and reads audit records.
type Recorder struct {
	db  *sql.DB
	log *slog.Logger
}

// New creates a recorder on the given database, applying the audit
// schema if it is not present. The database is shared with the
// catalog.
func New(db *sql.DB) (*Recorder, error) {
	r := &Recorder{
		db:  db,
		log: logging.Component("audit"),
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return r, nil
}

func (r *Recorder) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS policy_executions (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	quarter     TEXT NOT NULL,
	policy_name TEXT NOT NULL,
	action      TEXT NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	error_code  TEXT NOT NULL DEFAULT '',
	files       INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	row_count   INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_executions_run
	ON policy_executions(run_id);
CREATE INDEX IF NOT EXISTS idx_executions_table
	ON policy_executions(table_name, started_at);

CREATE TABLE IF NOT EXISTS retrieval_history (
	id          TEXT PRIMARY KEY,
	table_name  TEXT NOT NULL,
	destination TEXT NOT NULL,
	predicate   TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	error_code  TEXT NOT NULL DEFAULT '',
	files       INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	row_count   INTEGER NOT NULL DEFAULT 0,
	credits     REAL NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_retrievals_table
	ON retrieval_history(table_name, started_at);
`
	_, err := r.db.Exec(schema)
	return err
}

// NewRunID returns a fresh run identifier for grouping one evaluation
// sweep's executions.
func NewRunID() string {
	return uuid.New().String()
}

// RecordExecution inserts a finished (or skipped) policy execution.
func (r *Recorder) RecordExecution(ctx context.Context, e *PolicyExecution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	var finished sql.NullInt64
	if e.FinishedAt != nil {
		finished = sql.NullInt64{Int64: e.FinishedAt.UnixMilli(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policy_executions (
			id, run_id, table_name, quarter, policy_name, action,
			from_state, to_state, status, error, error_code,
			files, bytes, row_count, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Table, e.Quarter, e.Policy, e.Action,
		e.FromState, e.ToState, string(e.Status), e.Error, e.ErrorCode,
		e.Files, e.Bytes, e.Rows, e.StartedAt.UnixMilli(), finished,
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// BeginRetrieval inserts a retrieval record in the running state. The
// record becomes visible in history immediately, so an operator can
// watch a long restore progress from another session.
func (r *Recorder) BeginRetrieval(ctx context.Context, rec *RetrievalRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.Status = StatusRunning

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retrieval_history (
			id, table_name, destination, predicate, status,
			files, bytes, row_count, credits, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Table, rec.Destination, rec.Predicate, string(rec.Status),
		rec.Files, rec.Bytes, rec.Rows, rec.Credits, rec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record retrieval start: %w", err)
	}
	return nil
}

// FinishRetrieval finalizes a running retrieval record.
func (r *Recorder) FinishRetrieval(ctx context.Context, id string, out RetrievalOutcome) error {
	errMsg, errCode := "", ""
	if out.Err != nil {
		errMsg = out.Err.Error()
		errCode = errors.Code(out.Err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE retrieval_history
		SET status = ?, error = ?, error_code = ?,
		    files = ?, bytes = ?, row_count = ?, credits = ?,
		    finished_at = ?
		WHERE id = ?`,
		string(out.Status), errMsg, errCode,
		out.Files, out.Bytes, out.Rows, out.Credits,
		time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("record retrieval finish: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record retrieval finish: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("retrieval %s: %w", id, errors.ErrTaskNotFound)
	}
	return nil
}
