package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/catalog"
	apperrors "github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()

	cfg := catalog.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "catalog.db")
	cat, err := catalog.New(cfg)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	rec, err := New(cat.DB())
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	return rec
}

func TestRecordExecution(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()
	runID := NewRunID()
	base := time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC)

	ok := &PolicyExecution{
		RunID:     runID,
		Table:     "transactions",
		Quarter:   "2024-Q1",
		Policy:    "standard",
		Action:    "cool",
		FromState: "HOT",
		ToState:   "COOL",
		Files:     3,
		Bytes:     1 << 20,
		Rows:      1000,
		StartedAt: base,
	}
	ok.Complete()
	if err := r.RecordExecution(ctx, ok); err != nil {
		t.Fatalf("record execution: %v", err)
	}

	bad := &PolicyExecution{
		RunID:     runID,
		Table:     "transactions",
		Quarter:   "2023-Q4",
		Policy:    "standard",
		Action:    "expire",
		FromState: "COOL",
		ToState:   "EXPIRED",
		StartedAt: base.Add(time.Second),
	}
	bad.Fail(apperrors.ErrInvalidTransition)
	if err := r.RecordExecution(ctx, bad); err != nil {
		t.Fatalf("record failed execution: %v", err)
	}

	got, err := r.Executions(ctx, ExecutionQuery{Table: "transactions"})
	if err != nil {
		t.Fatalf("query executions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("executions = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Quarter != "2023-Q4" || got[1].Quarter != "2024-Q1" {
		t.Errorf("order = %s, %s; want 2023-Q4 first", got[0].Quarter, got[1].Quarter)
	}

	failed, err := r.Executions(ctx, ExecutionQuery{Status: StatusFailed})
	if err != nil {
		t.Fatalf("query failed executions: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed executions = %d, want 1", len(failed))
	}
	if failed[0].ErrorCode != apperrors.CodeState {
		t.Errorf("error code = %s, want %s", failed[0].ErrorCode, apperrors.CodeState)
	}
	if failed[0].FinishedAt == nil {
		t.Error("finished_at not set on failed execution")
	}

	count, err := r.CountExecutions(ctx, ExecutionQuery{RunID: runID})
	if err != nil {
		t.Fatalf("count executions: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	none, err := r.Executions(ctx, ExecutionQuery{Table: "other"})
	if err != nil {
		t.Fatalf("query other table: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no rows for other table, got %d", len(none))
	}
}

func TestExecutionTimeRange(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := &PolicyExecution{
			RunID:     "run-1",
			Table:     "transactions",
			Quarter:   "2024-Q1",
			Policy:    "standard",
			Action:    "cool",
			FromState: "HOT",
			ToState:   "COOL",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		e.Complete()
		if err := r.RecordExecution(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	since := base.Add(90 * time.Minute)
	until := base.Add(210 * time.Minute)
	got, err := r.Executions(ctx, ExecutionQuery{Since: &since, Until: &until})
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("rows in range = %d, want 2", len(got))
	}

	limited, err := r.Executions(ctx, ExecutionQuery{Limit: 2})
	if err != nil {
		t.Fatalf("query limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited rows = %d, want 2", len(limited))
	}
}

func TestRetrievalLifecycle(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	rec := &RetrievalRecord{
		Table:       "transactions",
		Destination: "txn_2024_audit",
		Predicate:   "transaction_date >= '2024-01-01'",
	}
	if err := r.BeginRetrieval(ctx, rec); err != nil {
		t.Fatalf("begin retrieval: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("begin did not assign an id")
	}

	running, err := r.GetRetrieval(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get running retrieval: %v", err)
	}
	if running.Status != StatusRunning {
		t.Errorf("status = %s, want running", running.Status)
	}
	if running.FinishedAt != nil {
		t.Error("running retrieval has finished_at")
	}

	err = r.FinishRetrieval(ctx, rec.ID, RetrievalOutcome{
		Status:  StatusCompleted,
		Files:   12,
		Bytes:   4 << 20,
		Rows:    5000,
		Credits: 0.052,
	})
	if err != nil {
		t.Fatalf("finish retrieval: %v", err)
	}

	done, err := r.GetRetrieval(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get finished retrieval: %v", err)
	}
	if done.Status != StatusCompleted || done.Files != 12 || done.Rows != 5000 {
		t.Errorf("finished record = %+v", done)
	}
	if done.FinishedAt == nil {
		t.Error("finished retrieval missing finished_at")
	}
	if done.Credits != 0.052 {
		t.Errorf("credits = %v, want 0.052", done.Credits)
	}
}

func TestRetrievalFailure(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	rec := &RetrievalRecord{Table: "transactions", Destination: "dst", Predicate: "type = 'fee'"}
	if err := r.BeginRetrieval(ctx, rec); err != nil {
		t.Fatalf("begin: %v", err)
	}

	err := r.FinishRetrieval(ctx, rec.ID, RetrievalOutcome{
		Status: StatusCanceled,
		Err:    apperrors.ErrTaskCanceled,
	})
	if err != nil {
		t.Fatalf("finish canceled: %v", err)
	}

	got, err := r.GetRetrieval(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCanceled || got.ErrorCode != apperrors.CodeCanceled {
		t.Errorf("record = status %s code %s, want canceled/%s", got.Status, got.ErrorCode, apperrors.CodeCanceled)
	}

	// Finalizing an unknown id reports not found.
	err = r.FinishRetrieval(ctx, "no-such-id", RetrievalOutcome{Status: StatusCompleted})
	if !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}

	if _, err := r.GetRetrieval(ctx, "no-such-id"); !apperrors.IsNotFound(err) {
		t.Errorf("get unknown id: expected not-found, got %v", err)
	}
}

func TestRunSummaries(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	record := func(runID string, at time.Time, status Status) {
		t.Helper()
		e := &PolicyExecution{
			RunID: runID, Table: "transactions", Quarter: "2024-Q1",
			Policy: "standard", Action: "cool",
			FromState: "HOT", ToState: "COOL",
			Status: status, StartedAt: at,
		}
		if err := r.RecordExecution(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	record("run-a", base, StatusCompleted)
	record("run-a", base.Add(time.Minute), StatusFailed)
	record("run-b", base.Add(time.Hour), StatusCompleted)
	record("run-b", base.Add(time.Hour+time.Minute), StatusSkipped)
	record("run-b", base.Add(time.Hour+2*time.Minute), StatusCompleted)

	sums, err := r.RunSummaries(ctx, 10)
	if err != nil {
		t.Fatalf("run summaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("summaries = %d, want 2", len(sums))
	}
	if sums[0].RunID != "run-b" {
		t.Errorf("newest run = %s, want run-b", sums[0].RunID)
	}
	if sums[0].Actions != 3 || sums[0].Completed != 2 || sums[0].Skipped != 1 {
		t.Errorf("run-b summary = %+v", sums[0])
	}
	if sums[1].Actions != 2 || sums[1].Failed != 1 {
		t.Errorf("run-a summary = %+v", sums[1])
	}
}

func TestCSVExport(t *testing.T) {
	e := &PolicyExecution{
		ID: "x-1", RunID: "run-1", Table: "transactions", Quarter: "2024-Q1",
		Policy: "standard", Action: "cool", FromState: "HOT", ToState: "COOL",
		Status: StatusCompleted, Files: 2, Bytes: 100, Rows: 50,
		StartedAt: time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC),
	}

	var buf bytes.Buffer
	if err := NewCSVExporter(true).ExportExecutions(&buf, []*PolicyExecution{e}); err != nil {
		t.Fatalf("export csv: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("csv rows = %d, want header + 1", len(rows))
	}
	if rows[0][0] != "id" {
		t.Errorf("header starts with %s, want id", rows[0][0])
	}
	if rows[1][0] != "x-1" || rows[1][8] != "completed" {
		t.Errorf("data row = %v", rows[1])
	}

	var rbuf bytes.Buffer
	rec := &RetrievalRecord{
		ID: "r-1", Table: "transactions", Destination: "dst",
		Predicate: "type = 'fee'", Status: StatusCompleted,
		Files: 3, Bytes: 200, Rows: 10, Credits: 0.01,
		StartedAt: time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC),
	}
	if err := NewCSVExporter(false).ExportRetrievals(&rbuf, []*RetrievalRecord{rec}); err != nil {
		t.Fatalf("export retrievals: %v", err)
	}
	rrows, err := csv.NewReader(&rbuf).ReadAll()
	if err != nil {
		t.Fatalf("parse retrievals csv: %v", err)
	}
	if len(rrows) != 1 {
		t.Fatalf("csv rows = %d, want 1 (no header)", len(rrows))
	}
}

func TestJSONExport(t *testing.T) {
	var empty bytes.Buffer
	if err := NewJSONExporter(false).ExportExecutions(&empty, nil); err != nil {
		t.Fatalf("export empty: %v", err)
	}
	if empty.String() != "[]" {
		t.Errorf("empty export = %q, want []", empty.String())
	}

	e := &PolicyExecution{
		ID: "x-1", RunID: "run-1", Table: "transactions", Quarter: "2024-Q1",
		Policy: "standard", Action: "expire", FromState: "COOL", ToState: "EXPIRED",
		Status: StatusCompleted, StartedAt: time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC),
	}
	var buf bytes.Buffer
	if err := NewJSONExporter(true).ExportExecutions(&buf, []*PolicyExecution{e}); err != nil {
		t.Fatalf("export: %v", err)
	}

	var back []*PolicyExecution
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back) != 1 || back[0].ID != "x-1" || back[0].Action != "expire" {
		t.Errorf("round trip = %+v", back)
	}
}
