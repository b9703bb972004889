package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sfc-gh-agavic/lifecycle-policy/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
)

// ExecutionQuery filters policy execution history. Zero-value fields
// match everything.
type ExecutionQuery struct {
	Table  string
	Policy string
	RunID  string
	Status Status
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// RetrievalQuery filters retrieval history.
type RetrievalQuery struct {
	Table       string
	Destination string
	Status      Status
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// Executions returns policy execution history, newest first.
func (r *Recorder) Executions(ctx context.Context, q ExecutionQuery) ([]*PolicyExecution, error) {
	where, args := buildExecutionWhere(q)

	sqlQuery := "SELECT id, run_id, table_name, quarter, policy_name, action, from_state, to_state, status, error, error_code, files, bytes, row_count, started_at, finished_at FROM policy_executions"
	if where != "" {
		sqlQuery += " WHERE " + where
	}
	sqlQuery += " ORDER BY started_at DESC, id"
	sqlQuery += fmt.Sprintf(" LIMIT %d", limitOrDefault(q.Limit))
	if q.Offset > 0 {
		sqlQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*PolicyExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountExecutions returns the number of matching executions.
func (r *Recorder) CountExecutions(ctx context.Context, q ExecutionQuery) (int64, error) {
	where, args := buildExecutionWhere(q)

	sqlQuery := "SELECT COUNT(*) FROM policy_executions"
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	var count int64
	if err := r.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return count, nil
}

// Retrievals returns retrieval history, newest first.
func (r *Recorder) Retrievals(ctx context.Context, q RetrievalQuery) ([]*RetrievalRecord, error) {
	where, args := buildRetrievalWhere(q)

	sqlQuery := "SELECT id, table_name, destination, predicate, status, error, error_code, files, bytes, row_count, credits, started_at, finished_at FROM retrieval_history"
	if where != "" {
		sqlQuery += " WHERE " + where
	}
	sqlQuery += " ORDER BY started_at DESC, id"
	sqlQuery += fmt.Sprintf(" LIMIT %d", limitOrDefault(q.Limit))
	if q.Offset > 0 {
		sqlQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query retrievals: %w", err)
	}
	defer rows.Close()

	var out []*RetrievalRecord
	for rows.Next() {
		rec, err := scanRetrieval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retrieval: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRetrieval returns one retrieval record by id.
func (r *Recorder) GetRetrieval(ctx context.Context, id string) (*RetrievalRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, table_name, destination, predicate, status, error, error_code,
		       files, bytes, row_count, credits, started_at, finished_at
		FROM retrieval_history WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get retrieval: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("retrieval %s: %w", id, errors.ErrTaskNotFound)
	}
	return scanRetrieval(rows)
}

// RunSummary aggregates one evaluation run.
type RunSummary struct {
	RunID     string
	StartedAt time.Time
	Actions   int64
	Completed int64
	Failed    int64
	Skipped   int64
}

// RunSummaries returns per-run rollups of execution history, newest
// run first.
func (r *Recorder) RunSummaries(ctx context.Context, limit int) ([]*RunSummary, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT run_id, MIN(started_at),
		       COUNT(*),
		       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END)
		FROM policy_executions
		GROUP BY run_id
		ORDER BY MIN(started_at) DESC
		LIMIT %d`, limitOrDefault(limit)))
	if err != nil {
		return nil, fmt.Errorf("query run summaries: %w", err)
	}
	defer rows.Close()

	var out []*RunSummary
	for rows.Next() {
		var s RunSummary
		var startedMs int64
		if err := rows.Scan(&s.RunID, &startedMs, &s.Actions, &s.Completed, &s.Failed, &s.Skipped); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		s.StartedAt = time.UnixMilli(startedMs).UTC()
		out = append(out, &s)
	}
	return out, rows.Err()
}

func buildExecutionWhere(q ExecutionQuery) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if q.Table != "" {
		conditions = append(conditions, "table_name = ?")
		args = append(args, q.Table)
	}
	if q.Policy != "" {
		conditions = append(conditions, "policy_name = ?")
		args = append(args, q.Policy)
	}
	if q.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.Since != nil {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if q.Until != nil {
		conditions = append(conditions, "started_at <= ?")
		args = append(args, q.Until.UnixMilli())
	}

	return joinConditions(conditions), args
}

func buildRetrievalWhere(q RetrievalQuery) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if q.Table != "" {
		conditions = append(conditions, "table_name = ?")
		args = append(args, q.Table)
	}
	if q.Destination != "" {
		conditions = append(conditions, "destination = ?")
		args = append(args, q.Destination)
	}
	if q.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.Since != nil {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if q.Until != nil {
		conditions = append(conditions, "started_at <= ?")
		args = append(args, q.Until.UnixMilli())
	}

	return joinConditions(conditions), args
}

func joinConditions(conditions []string) string {
	return strings.Join(conditions, " AND ")
}

func limitOrDefault(limit int) int {
	if limit > 0 {
		return limit
	}
	return config.DefaultHistoryLimit
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*PolicyExecution, error) {
	var e PolicyExecution
	var status string
	var startedMs int64
	var finished sql.NullInt64

	err := row.Scan(
		&e.ID, &e.RunID, &e.Table, &e.Quarter, &e.Policy, &e.Action,
		&e.FromState, &e.ToState, &status, &e.Error, &e.ErrorCode,
		&e.Files, &e.Bytes, &e.Rows, &startedMs, &finished,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.StartedAt = time.UnixMilli(startedMs).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		e.FinishedAt = &t
	}
	return &e, nil
}

func scanRetrieval(row rowScanner) (*RetrievalRecord, error) {
	var rec RetrievalRecord
	var status string
	var startedMs int64
	var finished sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.Table, &rec.Destination, &rec.Predicate, &status,
		&rec.Error, &rec.ErrorCode, &rec.Files, &rec.Bytes, &rec.Rows,
		&rec.Credits, &startedMs, &finished,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.StartedAt = time.UnixMilli(startedMs).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		rec.FinishedAt = &t
	}
	return &rec, nil
}
