package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/audit"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	apperrors "github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/lifecycle"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/retrieval"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Lifecycle.ActivationDelay = 0

	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return eng
}

func mkTxn(t *testing.T, id, date, typ string, cents int64) domain.Transaction {
	t.Helper()

	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		t.Fatalf("parse date %q: %v", date, err)
	}
	txn := domain.Transaction{
		TransactionID:   id,
		CustomerID:      "c-1",
		AccountID:       "a-1",
		TransactionDate: d,
		Amount:          decimal.New(cents, -2),
		Type:            typ,
		Currency:        "USD",
	}
	txn.Normalize()
	return txn
}

func TestEngineStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.Running() {
		t.Fatal("engine reports running before Start")
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !eng.Running() {
		t.Fatal("engine not running after Start")
	}
	if err := eng.Start(ctx); !apperrors.Is(err, apperrors.ErrInvalidState) {
		t.Fatalf("second Start: got %v, want ErrInvalidState", err)
	}
	if err := eng.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if eng.Running() {
		t.Fatal("engine still running after Stop")
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := eng.CreateTable(ctx, "transactions", ""); !apperrors.Is(err, apperrors.ErrEngineClosed) {
		t.Fatalf("CreateTable after Stop: got %v, want ErrEngineClosed", err)
	}
	if _, err := eng.LifecycleRun(ctx); !apperrors.Is(err, apperrors.ErrEngineClosed) {
		t.Fatalf("LifecycleRun after Stop: got %v, want ErrEngineClosed", err)
	}
	if err := eng.Health(ctx); !apperrors.Is(err, apperrors.ErrEngineClosed) {
		t.Fatalf("Health after Stop: got %v, want ErrEngineClosed", err)
	}
}

func TestEngineTableOps(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	if err := eng.CreateTable(ctx, "transactions", "card ledger"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := eng.CreateTable(ctx, "transactions", ""); !apperrors.Is(err, apperrors.ErrTableAlreadyExists) {
		t.Fatalf("duplicate CreateTable: got %v, want ErrTableAlreadyExists", err)
	}
	if err := eng.CreateTable(ctx, "9bad", ""); !apperrors.Is(err, apperrors.ErrInvalidName) {
		t.Fatalf("invalid name: got %v, want ErrInvalidName", err)
	}

	tables, err := eng.ListTables()
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 1 || tables[0].Name != "transactions" || tables[0].Comment != "card ledger" {
		t.Fatalf("unexpected tables: %+v", tables)
	}

	parts, err := eng.ListPartitions("transactions")
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("expected no partitions, got %d", len(parts))
	}
	if _, err := eng.ListPartitions("ghost"); !apperrors.Is(err, apperrors.ErrTableNotFound) {
		t.Fatalf("ListPartitions ghost: got %v, want ErrTableNotFound", err)
	}

	if err := eng.DropTable(ctx, "ghost", false); !apperrors.Is(err, apperrors.ErrTableNotFound) {
		t.Fatalf("DropTable ghost: got %v, want ErrTableNotFound", err)
	}
	if err := eng.DropTable(ctx, "ghost", true); err != nil {
		t.Fatalf("DropTable ghost if-exists: %v", err)
	}

	rows := []domain.Transaction{
		mkTxn(t, "t-1", "2024-02-10", domain.TypePurchase, 1250),
		mkTxn(t, "t-2", "2024-02-11", domain.TypeFee, 99),
	}
	if err := eng.Append(ctx, "transactions", rows); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := eng.Flush(ctx, "transactions"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	parts, err = eng.ListPartitions("transactions")
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(parts) != 1 || parts[0].Rows != 2 || parts[0].State != domain.StateHot {
		t.Fatalf("unexpected partitions after flush: %+v", parts)
	}

	summary, err := eng.TierSummary()
	if err != nil {
		t.Fatalf("TierSummary: %v", err)
	}
	found := false
	for _, s := range summary {
		if s.State == domain.StateHot {
			found = true
			if s.Partitions != 1 || s.Rows != 2 {
				t.Fatalf("unexpected hot summary: %+v", s)
			}
		}
	}
	if !found {
		t.Fatalf("no hot entry in summary: %+v", summary)
	}

	hotDir := filepath.Join(eng.cfg.TierDir(domain.TierHot.String()), "transactions")
	if _, err := os.Stat(hotDir); err != nil {
		t.Fatalf("hot dir missing before drop: %v", err)
	}

	if err := eng.DropTable(ctx, "transactions", false); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if _, err := os.Stat(hotDir); !os.IsNotExist(err) {
		t.Fatalf("hot dir survived drop: %v", err)
	}
	tables, err = eng.ListTables()
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 0 {
		t.Fatalf("tables survived drop: %+v", tables)
	}
}

func TestEnginePolicyOps(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	if err := eng.CreatePolicy(ctx, lifecycle.Spec{Name: "archive_90", RetentionDays: 90}); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if err := eng.CreatePolicy(ctx, lifecycle.Spec{Name: "archive_90", RetentionDays: 120}); !apperrors.Is(err, apperrors.ErrPolicyAlreadyExists) {
		t.Fatalf("duplicate CreatePolicy: got %v, want ErrPolicyAlreadyExists", err)
	}
	if err := eng.CreatePolicy(ctx, lifecycle.Spec{Name: "weak", RetentionDays: 30}); !apperrors.Is(err, apperrors.ErrRetentionTooShort) {
		t.Fatalf("short retention: got %v, want ErrRetentionTooShort", err)
	}

	policies, err := eng.ListPolicies()
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "archive_90" {
		t.Fatalf("unexpected policies: %+v", policies)
	}

	info, err := eng.DescribePolicy(ctx, "archive_90")
	if err != nil {
		t.Fatalf("DescribePolicy: %v", err)
	}
	if info.Policy.RetentionDays != 90 || len(info.Bindings) != 0 {
		t.Fatalf("unexpected describe: %+v", info)
	}
	if _, err := eng.DescribePolicy(ctx, "ghost"); !apperrors.IsNotFound(err) {
		t.Fatalf("describe ghost: got %v, want not found", err)
	}

	if err := eng.CreateTable(ctx, "transactions", ""); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := eng.BindPolicy(ctx, "transactions", "ghost"); !apperrors.Is(err, apperrors.ErrPolicyNotFound) {
		t.Fatalf("bind ghost policy: got %v, want ErrPolicyNotFound", err)
	}
	if _, err := eng.BindPolicy(ctx, "ghost", "archive_90"); !apperrors.Is(err, apperrors.ErrTableNotFound) {
		t.Fatalf("bind ghost table: got %v, want ErrTableNotFound", err)
	}

	binding, err := eng.BindPolicy(ctx, "transactions", "archive_90")
	if err != nil {
		t.Fatalf("BindPolicy: %v", err)
	}
	if !binding.EffectiveAt.Equal(binding.BoundAt) {
		t.Fatalf("zero activation delay, got bound %v effective %v", binding.BoundAt, binding.EffectiveAt)
	}

	info, err = eng.DescribePolicy(ctx, "archive_90")
	if err != nil {
		t.Fatalf("DescribePolicy: %v", err)
	}
	if len(info.Bindings) != 1 || info.Bindings[0].Table != "transactions" {
		t.Fatalf("binding not visible: %+v", info)
	}

	if err := eng.DropPolicy(ctx, "archive_90", false); !apperrors.Is(err, apperrors.ErrPolicyBound) {
		t.Fatalf("drop bound policy: got %v, want ErrPolicyBound", err)
	}
	if err := eng.UnbindPolicy(ctx, "transactions"); err != nil {
		t.Fatalf("UnbindPolicy: %v", err)
	}
	if err := eng.UnbindPolicy(ctx, "transactions"); !apperrors.Is(err, apperrors.ErrBindingNotFound) {
		t.Fatalf("second unbind: got %v, want ErrBindingNotFound", err)
	}
	if err := eng.DropPolicy(ctx, "archive_90", false); err != nil {
		t.Fatalf("DropPolicy: %v", err)
	}
	if err := eng.DropPolicy(ctx, "archive_90", false); !apperrors.IsNotFound(err) {
		t.Fatalf("drop missing policy: got %v, want not found", err)
	}
	if err := eng.DropPolicy(ctx, "archive_90", true); err != nil {
		t.Fatalf("drop missing policy if-exists: %v", err)
	}
}

func TestEngineLifecycleRun(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	if err := eng.CreateTable(ctx, "transactions", ""); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	today := time.Now().UTC().Format("2006-01-02")
	rows := []domain.Transaction{
		mkTxn(t, "t-1", "2023-01-15", domain.TypePurchase, 1000),
		mkTxn(t, "t-2", "2023-02-20", domain.TypeFee, 55),
		mkTxn(t, "t-3", "2023-05-10", domain.TypeRefund, -400),
		mkTxn(t, "t-4", today, domain.TypePayment, 2500),
	}
	if err := eng.Append(ctx, "transactions", rows); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := eng.Flush(ctx, "transactions"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := eng.CreatePolicy(ctx, lifecycle.Spec{Name: "archive_90", RetentionDays: 90}); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if _, err := eng.BindPolicy(ctx, "transactions", "archive_90"); err != nil {
		t.Fatalf("BindPolicy: %v", err)
	}

	plan, err := eng.LifecyclePlan(ctx)
	if err != nil {
		t.Fatalf("LifecyclePlan: %v", err)
	}
	planned := make(map[string]lifecycle.Action, len(plan.Actions))
	for _, a := range plan.Actions {
		planned[a.Quarter.Label()] = a
	}
	if len(planned) != 2 {
		t.Fatalf("expected 2 planned actions, got %+v", plan.Actions)
	}
	for _, label := range []string{"2023-Q1", "2023-Q2"} {
		a, ok := planned[label]
		if !ok {
			t.Fatalf("quarter %s not planned: %+v", label, plan.Actions)
		}
		if a.To != domain.StateCool {
			t.Fatalf("quarter %s planned to %s, want cool", label, a.To)
		}
	}

	res, err := eng.LifecycleRun(ctx)
	if err != nil {
		t.Fatalf("LifecycleRun: %v", err)
	}
	if res.Planned != 2 || res.Cooled != 2 || res.Expired != 0 || res.Failed != 0 {
		t.Fatalf("unexpected run result: %+v", res)
	}

	parts, err := eng.ListPartitions("transactions")
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	for _, p := range parts {
		switch p.Quarter.Label() {
		case "2023-Q1", "2023-Q2":
			if p.State != domain.StateCool || p.CooledAt == nil {
				t.Fatalf("partition %s not cooled: %+v", p.Quarter.Label(), p)
			}
		default:
			if p.State != domain.StateHot {
				t.Fatalf("partition %s left hot tier: %+v", p.Quarter.Label(), p)
			}
		}
	}

	coolFiles, err := filepath.Glob(filepath.Join(eng.coolDir, "transactions", "2023-Q1", "*.parquet"))
	if err != nil {
		t.Fatalf("glob cool dir: %v", err)
	}
	if len(coolFiles) != 1 {
		t.Fatalf("expected 1 archived file for 2023-Q1, got %d", len(coolFiles))
	}

	execs, err := eng.PolicyExecutionHistory(ctx, audit.ExecutionQuery{Table: "transactions"})
	if err != nil {
		t.Fatalf("PolicyExecutionHistory: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	for _, e := range execs {
		if e.Status != audit.StatusCompleted || e.Action != "cool" || e.Policy != "archive_90" {
			t.Fatalf("unexpected execution: %+v", e)
		}
	}

	runs, err := eng.LifecycleRuns(ctx, 10)
	if err != nil {
		t.Fatalf("LifecycleRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != res.RunID || runs[0].Completed != 2 {
		t.Fatalf("unexpected run summaries: %+v", runs)
	}

	// Re-running moves nothing: the cooled partitions have not aged
	// past their retention yet.
	res, err = eng.LifecycleRun(ctx)
	if err != nil {
		t.Fatalf("second LifecycleRun: %v", err)
	}
	if res.Cooled != 0 || res.Expired != 0 {
		t.Fatalf("second run moved partitions: %+v", res)
	}

	stats := eng.Stats()
	if !stats.Running || stats.Lifecycle.Runs != 2 || stats.Mover.FilesMoved != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEngineRestoreFlow(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	if err := eng.CreateTable(ctx, "transactions", ""); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	rows := []domain.Transaction{
		mkTxn(t, "t-1", "2023-01-10", domain.TypeFee, 100),
		mkTxn(t, "t-2", "2023-02-11", domain.TypeFee, 200),
		mkTxn(t, "t-3", "2023-03-12", domain.TypeFee, 300),
		mkTxn(t, "t-4", "2023-03-13", domain.TypePurchase, 4000),
	}
	if err := eng.Append(ctx, "transactions", rows); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := eng.Flush(ctx, "transactions"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := eng.CreatePolicy(ctx, lifecycle.Spec{Name: "archive_90", RetentionDays: 90}); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if _, err := eng.BindPolicy(ctx, "transactions", "archive_90"); err != nil {
		t.Fatalf("BindPolicy: %v", err)
	}
	if _, err := eng.LifecycleRun(ctx); err != nil {
		t.Fatalf("LifecycleRun: %v", err)
	}

	req := retrieval.Request{
		Source:      "transactions",
		Destination: "fees_2023",
		Predicate:   "type = 'FEE'",
	}
	est, err := eng.EstimateRestore(ctx, req)
	if err != nil {
		t.Fatalf("EstimateRestore: %v", err)
	}
	if est.Files != 1 || len(est.Partitions) != 1 || est.Credits <= 0 {
		t.Fatalf("unexpected estimate: %+v", est)
	}

	sess := eng.NewSession()
	defer sess.Close()
	if params := eng.ShowParameters(sess); len(params) != 2 {
		t.Fatalf("expected 2 session parameters, got %+v", params)
	}

	task, err := eng.Restore(ctx, sess, req)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	res, err := task.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Rows != 3 || res.Files != 1 || res.Credits <= 0 {
		t.Fatalf("unexpected restore result: %+v", res)
	}

	tables, err := eng.ListTables()
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	var restored bool
	for _, tb := range tables {
		if tb.Name == "fees_2023" {
			restored = true
			if tb.RestoredFrom != "transactions" {
				t.Fatalf("restored_from not recorded: %+v", tb)
			}
		}
	}
	if !restored {
		t.Fatalf("destination table missing: %+v", tables)
	}

	// The destination opens for reads shortly after the task settles.
	deadline := time.Now().Add(2 * time.Second)
	for {
		recent, err := eng.RecentRows("fees_2023", 10)
		if err == nil {
			if len(recent) != 3 {
				t.Fatalf("expected 3 restored rows, got %d", len(recent))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("restored table never opened: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	history, err := eng.RetrievalHistory(ctx, audit.RetrievalQuery{Destination: "fees_2023"})
	if err != nil {
		t.Fatalf("RetrievalHistory: %v", err)
	}
	if len(history) != 1 || history[0].Status != audit.StatusCompleted || history[0].Rows != 3 {
		t.Fatalf("unexpected retrieval history: %+v", history)
	}

	usage := eng.Usage()
	if usage.TotalCredits <= 0 {
		t.Fatalf("no credits recorded: %+v", usage)
	}
	var metered bool
	for _, c := range usage.Categories {
		if c.Category == "restore" {
			metered = true
		}
	}
	if !metered {
		t.Fatalf("restore category missing: %+v", usage.Categories)
	}

	closed := eng.NewSession()
	closed.Close()
	if _, err := eng.Restore(ctx, closed, retrieval.Request{
		Source:      "transactions",
		Destination: "fees_again",
		Predicate:   "type = 'FEE'",
	}); !apperrors.Is(err, apperrors.ErrSessionClosed) {
		t.Fatalf("restore on closed session: got %v, want ErrSessionClosed", err)
	}

	// A nil session detaches the task entirely.
	task, err = eng.Restore(ctx, nil, retrieval.Request{
		Source:      "transactions",
		Destination: "fees_again",
		Predicate:   "type = 'FEE'",
	})
	if err != nil {
		t.Fatalf("detached Restore: %v", err)
	}
	if res, err := task.Wait(ctx); err != nil || res.Rows != 3 {
		t.Fatalf("detached restore: res=%+v err=%v", res, err)
	}
}

func TestEngineSeed(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	if _, err := eng.Seed(ctx, "ghost", 10, 2); !apperrors.Is(err, apperrors.ErrTableNotFound) {
		t.Fatalf("seed ghost table: got %v, want ErrTableNotFound", err)
	}

	if err := eng.CreateTable(ctx, "transactions", ""); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	n, err := eng.Seed(ctx, "transactions", 20, 3)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 60 {
		t.Fatalf("seeded %d rows, want 60", n)
	}
	if err := eng.Flush(ctx, "transactions"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	parts, err := eng.ListPartitions("transactions")
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("expected 3 partitions, got %+v", parts)
	}

	want := map[string]bool{}
	q := domain.QuarterOf(time.Now().UTC())
	for i := 0; i < 3; i++ {
		want[q.Label()] = true
		q = q.Previous()
	}
	var total int64
	for _, p := range parts {
		if !want[p.Quarter.Label()] {
			t.Fatalf("unexpected quarter %s", p.Quarter.Label())
		}
		if p.Rows != 20 {
			t.Fatalf("partition %s has %d rows, want 20", p.Quarter.Label(), p.Rows)
		}
		total += p.Rows
	}
	if total != 60 {
		t.Fatalf("partitions hold %d rows, want 60", total)
	}

	recent, err := eng.RecentRows("transactions", 5)
	if err != nil {
		t.Fatalf("RecentRows: %v", err)
	}
	if len(recent) != 5 {
		t.Fatalf("expected 5 recent rows, got %d", len(recent))
	}

	stats := eng.Stats()
	if stats.Ingest.RowsAppended < 60 {
		t.Fatalf("ingest stats missed seeded rows: %+v", stats.Ingest)
	}
}
