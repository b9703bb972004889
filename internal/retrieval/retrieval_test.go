package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sfc-gh-agavic/lifecycle-policy/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/archive"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/audit"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/catalog"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	apperrors "github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/metering"
)

type restoreEnv struct {
	cat     *catalog.Store
	rec     *audit.Recorder
	meter   *metering.Meter
	ex      *Executor
	hotDir  string
	coolDir string
}

func newRestoreEnv(t *testing.T) *restoreEnv {
	t.Helper()
	return newRestoreEnvOpts(t, ExecutorOptions{
		MaxFiles:    10,
		Parallelism: 2,
		Archive:     archive.DefaultOptions(),
	})
}

func newRestoreEnvOpts(t *testing.T, opts ExecutorOptions) *restoreEnv {
	t.Helper()

	dir := t.TempDir()

	cfg := catalog.DefaultConfig()
	cfg.Path = filepath.Join(dir, "catalog.db")
	cat, err := catalog.New(cfg)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	rec, err := audit.New(cat.DB())
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}

	meter := metering.NewMeter(metering.Rates{PerFile: 0.001, PerGB: 0.01})

	hotDir := filepath.Join(dir, "hot")
	coolDir := filepath.Join(dir, "cool")
	ex, err := NewExecutor(cat, rec, meter, hotDir, coolDir, opts)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	t.Cleanup(func() { ex.Close() })

	if err := cat.CreateTable(&catalog.Table{Name: "transactions"}); err != nil {
		t.Fatalf("failed to create source table: %v", err)
	}

	return &restoreEnv{cat: cat, rec: rec, meter: meter, ex: ex, hotDir: hotDir, coolDir: coolDir}
}

func mkTxn(id, date, typ string, cents int64) domain.Transaction {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	txn := domain.Transaction{
		TransactionID:   id,
		CustomerID:      "c-1",
		AccountID:       "a-1",
		TransactionDate: d.UTC(),
		Type:            typ,
		Amount:          decimal.New(cents, -2),
		Currency:        "USD",
	}
	txn.Normalize()
	return txn
}

// seedArchiveFile writes one archive file into the cool tier and
// records it against the partition, which stays HOT until
// coolPartition flips it. Returns the file size.
func (env *restoreEnv) seedArchiveFile(t *testing.T, table string, seq int, txns []domain.Transaction) int64 {
	t.Helper()

	q := txns[0].Quarter
	lo, hi := txns[0].TransactionDate, txns[0].TransactionDate
	for _, txn := range txns[1:] {
		if txn.TransactionDate.Before(lo) {
			lo = txn.TransactionDate
		}
		if txn.TransactionDate.After(hi) {
			hi = txn.TransactionDate
		}
	}

	name := fmt.Sprintf("%013d-%05d.parquet", time.Now().UnixMilli(), seq)
	path := filepath.Join(env.coolDir, table, q.Label(), name)
	size, err := archive.WriteFile(path, txns, archive.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to write archive file: %v", err)
	}
	if err := env.cat.RecordFlush(table, q, 1, size, int64(len(txns)), lo, hi); err != nil {
		t.Fatalf("failed to record flush: %v", err)
	}
	return size
}

func (env *restoreEnv) coolPartition(t *testing.T, table string, q domain.Quarter) {
	t.Helper()
	err := env.cat.TransitionPartition(table, q, domain.StateHot, domain.StateCool, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to cool partition %s: %v", q.Label(), err)
	}
}

// seedCoolPartition is seedArchiveFile plus the cool transition.
func (env *restoreEnv) seedCoolPartition(t *testing.T, table string, seq int, txns []domain.Transaction) int64 {
	t.Helper()
	size := env.seedArchiveFile(t, table, seq, txns)
	env.coolPartition(t, table, txns[0].Quarter)
	return size
}

func readRestoredIDs(t *testing.T, dir string) map[string]domain.Transaction {
	t.Helper()

	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	out := make(map[string]domain.Transaction)
	for _, f := range files {
		txns, err := archive.ReadFile(f)
		if err != nil {
			t.Fatalf("failed to read %s: %v", f, err)
		}
		for _, txn := range txns {
			out[txn.TransactionID] = txn
		}
	}
	return out
}

// =============================================================================
// Planning
// =============================================================================

func TestEstimateValidation(t *testing.T) {
	env := newRestoreEnv(t)
	env.seedCoolPartition(t, "transactions", 0, []domain.Transaction{
		mkTxn("t-1", "2023-02-15", domain.TypeFee, 1250),
	})

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name: "valid",
			req:  Request{Source: "transactions", Destination: "restored", Predicate: "type = 'FEE'"},
		},
		{
			name:    "unknown source",
			req:     Request{Source: "missing", Destination: "restored", Predicate: "type = 'FEE'"},
			wantErr: apperrors.ErrTableNotFound,
		},
		{
			name:    "destination already exists",
			req:     Request{Source: "transactions", Destination: "transactions", Predicate: "type = 'FEE'"},
			wantErr: apperrors.ErrTableAlreadyExists,
		},
		{
			name:    "invalid destination name",
			req:     Request{Source: "transactions", Destination: "9restored", Predicate: "type = 'FEE'"},
			wantErr: apperrors.ErrInvalidName,
		},
		{
			name:    "empty predicate",
			req:     Request{Source: "transactions", Destination: "restored", Predicate: ""},
			wantErr: apperrors.ErrPredicateRequired,
		},
		{
			name:    "unknown column",
			req:     Request{Source: "transactions", Destination: "restored", Predicate: "colour = 'red'"},
			wantErr: apperrors.ErrUnknownColumn,
		},
		{
			name:    "malformed predicate",
			req:     Request{Source: "transactions", Destination: "restored", Predicate: "type = 'FEE' AND"},
			wantErr: apperrors.ErrInvalidPredicate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, err := env.ex.Estimate(tt.req)
			if tt.wantErr != nil {
				if !apperrors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("estimate failed: %v", err)
			}
			if est.Source != "transactions" || est.Destination != "restored" {
				t.Errorf("estimate names = %s -> %s", est.Source, est.Destination)
			}
			if est.Predicate == "" {
				t.Error("expected canonical predicate text")
			}
			if est.Files != 1 || est.Rows != 1 {
				t.Errorf("estimate files/rows = %d/%d, want 1/1", est.Files, est.Rows)
			}
		})
	}
}

func TestEstimatePrunesPartitions(t *testing.T) {
	env := newRestoreEnv(t)

	env.seedCoolPartition(t, "transactions", 0, []domain.Transaction{
		mkTxn("t-q4", "2022-11-15", domain.TypePurchase, 100),
	})
	q1Size := env.seedCoolPartition(t, "transactions", 1, []domain.Transaction{
		mkTxn("t-q1", "2023-02-15", domain.TypeFee, 200),
	})
	env.seedCoolPartition(t, "transactions", 2, []domain.Transaction{
		mkTxn("t-q2", "2023-05-10", domain.TypeFee, 300),
	})
	// Current quarter stays hot and is never restorable.
	env.seedArchiveFile(t, "transactions", 3, []domain.Transaction{
		mkTxn("t-q3", "2023-08-01", domain.TypeFee, 400),
	})

	req := Request{
		Source:      "transactions",
		Destination: "restored",
		Predicate:   "transaction_date BETWEEN '2023-01-01' AND '2023-03-31'",
	}
	est, err := env.ex.Estimate(req)
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}

	if len(est.Partitions) != 1 {
		t.Fatalf("partitions = %d, want 1", len(est.Partitions))
	}
	if got := est.Partitions[0].Quarter.Label(); got != "2023-Q1" {
		t.Errorf("planned partition = %s, want 2023-Q1", got)
	}
	if est.Files != 1 || est.Bytes != q1Size {
		t.Errorf("estimate files/bytes = %d/%d, want 1/%d", est.Files, est.Bytes, q1Size)
	}
	if want := env.meter.Cost(est.Files, est.Bytes); est.Credits != want || est.Credits <= 0 {
		t.Errorf("credits = %v, want %v", est.Credits, want)
	}
	if est.Duration != config.FileFetchEstimate {
		t.Errorf("duration = %v, want %v", est.Duration, config.FileFetchEstimate)
	}

	// The same request plans identically.
	again, err := env.ex.Estimate(req)
	if err != nil {
		t.Fatalf("second estimate failed: %v", err)
	}
	if !reflect.DeepEqual(est, again) {
		t.Errorf("estimate not deterministic:\n%+v\n%+v", est, again)
	}

	// A predicate without date bounds scans every archived partition,
	// but still never the hot one.
	est, err = env.ex.Estimate(Request{
		Source:      "transactions",
		Destination: "restored",
		Predicate:   "type = 'FEE'",
	})
	if err != nil {
		t.Fatalf("unbounded estimate failed: %v", err)
	}
	if len(est.Partitions) != 3 || est.Files != 3 {
		t.Errorf("unbounded plan = %d partitions %d files, want 3/3", len(est.Partitions), est.Files)
	}
	for _, part := range est.Partitions {
		if part.Quarter.Label() == "2023-Q3" {
			t.Error("hot partition included in restore plan")
		}
	}
}

// =============================================================================
// Restore
// =============================================================================

func TestRestoreEndToEnd(t *testing.T) {
	env := newRestoreEnv(t)

	size := env.seedCoolPartition(t, "transactions", 0, []domain.Transaction{
		mkTxn("fee-1", "2023-01-01", domain.TypeFee, 500),
		mkTxn("fee-2", "2023-02-15", domain.TypeFee, 750),
		mkTxn("fee-3", "2023-03-31", domain.TypeFee, 125),
		mkTxn("buy-1", "2023-01-20", domain.TypePurchase, 9900),
		mkTxn("buy-2", "2023-03-05", domain.TypePurchase, 4500),
	})

	task, err := env.ex.Restore(context.Background(), Request{
		Source:      "transactions",
		Destination: "q1_fees",
		Predicate:   "type = 'FEE' AND transaction_date BETWEEN '2023-01-01' AND '2023-03-31'",
	})
	if err != nil {
		t.Fatalf("restore failed to start: %v", err)
	}

	res, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if res.QueryID != task.ID() {
		t.Errorf("result query id = %s, want %s", res.QueryID, task.ID())
	}
	if res.Rows != 3 {
		t.Errorf("rows = %d, want 3", res.Rows)
	}
	if res.Files != 1 || res.Bytes != size {
		t.Errorf("cost basis = %d files %d bytes, want 1/%d", res.Files, res.Bytes, size)
	}
	if want := env.meter.Cost(1, size); res.Credits != want {
		t.Errorf("credits = %v, want %v", res.Credits, want)
	}
	if task.Status() != TaskSucceeded {
		t.Errorf("status = %s, want %s", task.Status(), TaskSucceeded)
	}

	// Settled tasks answer even an already-expired wait.
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Hour))
	defer cancel()
	if again, err := task.Wait(expired); err != nil || again != res {
		t.Errorf("settled wait = %v, %v", again, err)
	}

	// Destination is a real, independent table in catalog and on disk.
	tbl, err := env.cat.GetTable("q1_fees")
	if err != nil {
		t.Fatalf("destination table missing: %v", err)
	}
	if tbl.RestoredFrom != "transactions" {
		t.Errorf("restored_from = %q, want transactions", tbl.RestoredFrom)
	}

	q := domain.QuarterOf(time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC))
	part, err := env.cat.GetPartition("q1_fees", q)
	if err != nil {
		t.Fatalf("destination partition missing: %v", err)
	}
	if part.State != domain.StateHot {
		t.Errorf("destination partition state = %s, want %s", part.State, domain.StateHot)
	}
	if part.Files != 1 || part.Rows != 3 {
		t.Errorf("destination partition = %d files %d rows, want 1/3", part.Files, part.Rows)
	}

	restored := readRestoredIDs(t, filepath.Join(env.hotDir, "q1_fees", q.Label()))
	if len(restored) != 3 {
		t.Fatalf("restored rows = %d, want 3", len(restored))
	}
	for _, id := range []string{"fee-1", "fee-2", "fee-3"} {
		txn, ok := restored[id]
		if !ok {
			t.Fatalf("missing restored row %s", id)
		}
		if txn.Type != domain.TypeFee {
			t.Errorf("row %s type = %s, want FEE", id, txn.Type)
		}
	}

	// Outcome is in the audit history under the same query id.
	rec, err := env.rec.GetRetrieval(context.Background(), task.ID())
	if err != nil {
		t.Fatalf("failed to load retrieval record: %v", err)
	}
	if rec.Status != audit.StatusCompleted {
		t.Errorf("audit status = %s, want %s", rec.Status, audit.StatusCompleted)
	}
	if rec.Files != 1 || rec.Rows != 3 || rec.Credits <= 0 {
		t.Errorf("audit outcome = %d files %d rows %v credits", rec.Files, rec.Rows, rec.Credits)
	}
	if rec.FinishedAt == nil {
		t.Error("audit record missing finished_at")
	}

	if st := env.ex.Stats(); st.Restores != 1 || st.Succeeded != 1 {
		t.Errorf("stats = %+v, want 1 restore 1 succeeded", st)
	}
}

func TestRestoreMultiplePartitions(t *testing.T) {
	env := newRestoreEnv(t)

	env.seedCoolPartition(t, "transactions", 0, []domain.Transaction{
		mkTxn("q1-a", "2023-01-10", domain.TypeFee, 100),
		mkTxn("q1-b", "2023-02-20", domain.TypeFee, 200),
	})
	env.seedCoolPartition(t, "transactions", 1, []domain.Transaction{
		mkTxn("q2-a", "2023-04-05", domain.TypeFee, 300),
		mkTxn("q2-b", "2023-06-30", domain.TypeFee, 400),
	})

	task, err := env.ex.Restore(context.Background(), Request{
		Source:      "transactions",
		Destination: "all_fees",
		Predicate:   "type = 'FEE'",
	})
	if err != nil {
		t.Fatalf("restore failed to start: %v", err)
	}
	res, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if res.Files != 2 || res.Rows != 4 {
		t.Errorf("result = %d files %d rows, want 2/4", res.Files, res.Rows)
	}

	parts, err := env.cat.ListPartitions("all_fees")
	if err != nil {
		t.Fatalf("failed to list destination partitions: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("destination partitions = %d, want 2", len(parts))
	}
	for _, part := range parts {
		if part.State != domain.StateHot || part.Files != 1 || part.Rows != 2 {
			t.Errorf("partition %s = %s %d files %d rows, want hot 1/2",
				part.Quarter.Label(), part.State, part.Files, part.Rows)
		}
		restored := readRestoredIDs(t, filepath.Join(env.hotDir, "all_fees", part.Quarter.Label()))
		if len(restored) != 2 {
			t.Errorf("partition %s restored rows = %d, want 2", part.Quarter.Label(), len(restored))
		}
	}
}

func TestRestoreBoundaryDates(t *testing.T) {
	env := newRestoreEnv(t)

	env.seedCoolPartition(t, "transactions", 0, []domain.Transaction{
		mkTxn("dec-31", "2022-12-31", domain.TypeFee, 100),
	})
	env.seedCoolPartition(t, "transactions", 1, []domain.Transaction{
		mkTxn("jan-01", "2023-01-01", domain.TypeFee, 200),
		mkTxn("mar-31", "2023-03-31", domain.TypeFee, 300),
	})
	env.seedCoolPartition(t, "transactions", 2, []domain.Transaction{
		mkTxn("apr-01", "2023-04-01", domain.TypeFee, 400),
	})

	req := Request{
		Source:      "transactions",
		Destination: "q1_window",
		Predicate:   "transaction_date BETWEEN '2023-01-01' AND '2023-03-31'",
	}

	// Window endpoints are inclusive: only the quarter they span is
	// planned, and both boundary rows survive the scan.
	est, err := env.ex.Estimate(req)
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if est.Files != 1 {
		t.Fatalf("estimate files = %d, want 1", est.Files)
	}

	task, err := env.ex.Restore(context.Background(), req)
	if err != nil {
		t.Fatalf("restore failed to start: %v", err)
	}
	res, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if res.Rows != 2 {
		t.Errorf("rows = %d, want 2", res.Rows)
	}

	q := domain.QuarterOf(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	restored := readRestoredIDs(t, filepath.Join(env.hotDir, "q1_window", q.Label()))
	if _, ok := restored["jan-01"]; !ok {
		t.Error("missing row on lower boundary date")
	}
	if _, ok := restored["mar-31"]; !ok {
		t.Error("missing row on upper boundary date")
	}
	if _, ok := restored["dec-31"]; ok {
		t.Error("row before the window was restored")
	}
}

func TestRestoreChargesForScannedFiles(t *testing.T) {
	env := newRestoreEnv(t)

	size := env.seedCoolPartition(t, "transactions", 0, []domain.Transaction{
		mkTxn("buy-1", "2023-02-01", domain.TypePurchase, 100),
		mkTxn("buy-2", "2023-02-02", domain.TypePurchase, 200),
	})

	task, err := env.ex.Restore(context.Background(), Request{
		Source:      "transactions",
		Destination: "transfers",
		Predicate:   "type = 'TRANSFER'",
	})
	if err != nil {
		t.Fatalf("restore failed to start: %v", err)
	}
	res, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	// Nothing matched, but the archive was still scanned: the cost is
	// the files touched, not the rows produced.
	if res.Rows != 0 {
		t.Errorf("rows = %d, want 0", res.Rows)
	}
	if res.Files != 1 || res.Bytes != size || res.Credits <= 0 {
		t.Errorf("cost basis = %d files %d bytes %v credits", res.Files, res.Bytes, res.Credits)
	}

	exists, err := env.cat.TableExists("transfers")
	if err != nil || !exists {
		t.Fatalf("destination table exists = %v, %v", exists, err)
	}
	parts, err := env.cat.ListPartitions("transfers")
	if err != nil {
		t.Fatalf("failed to list destination partitions: %v", err)
	}
	if len(parts) != 0 {
		t.Errorf("destination partitions = %d, want 0", len(parts))
	}

	rec, err := env.rec.GetRetrieval(context.Background(), task.ID())
	if err != nil {
		t.Fatalf("failed to load retrieval record: %v", err)
	}
	if rec.Status != audit.StatusCompleted || rec.Files != 1 || rec.Rows != 0 {
		t.Errorf("audit record = %s %d files %d rows", rec.Status, rec.Files, rec.Rows)
	}
}

func TestRestoreFileCeiling(t *testing.T) {
	env := newRestoreEnvOpts(t, ExecutorOptions{
		MaxFiles:    2,
		Parallelism: 2,
		Archive:     archive.DefaultOptions(),
	})

	for i := 0; i < 3; i++ {
		env.seedArchiveFile(t, "transactions", i, []domain.Transaction{
			mkTxn(fmt.Sprintf("t-%d", i), "2023-02-15", domain.TypeFee, 100),
		})
	}
	env.coolPartition(t, "transactions", domain.QuarterOf(time.Date(2023, 2, 15, 0, 0, 0, 0, time.UTC)))

	task, err := env.ex.Restore(context.Background(), Request{
		Source:      "transactions",
		Destination: "too_big",
		Predicate:   "type = 'FEE'",
	})
	if !apperrors.Is(err, apperrors.ErrTooManyFiles) {
		t.Fatalf("error = %v, want ErrTooManyFiles", err)
	}
	if task != nil {
		t.Error("expected no task for a rejected restore")
	}

	// Rejection happens before anything is created.
	exists, err := env.cat.TableExists("too_big")
	if err != nil {
		t.Fatalf("table exists: %v", err)
	}
	if exists {
		t.Error("destination table created despite rejection")
	}
	if st := env.ex.Stats(); st.Restores != 0 {
		t.Errorf("restores = %d, want 0", st.Restores)
	}
}

func TestRestoreFailureCleansUpDestination(t *testing.T) {
	env := newRestoreEnv(t)

	env.seedCoolPartition(t, "transactions", 0, []domain.Transaction{
		mkTxn("fee-1", "2023-01-15", domain.TypeFee, 100),
		mkTxn("fee-2", "2023-02-15", domain.TypeFee, 200),
	})

	// A plain file where the destination directory must go makes the
	// writer fail after the scan found rows.
	if err := os.MkdirAll(env.hotDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	blocker := filepath.Join(env.hotDir, "blocked")
	if err := os.WriteFile(blocker, []byte("in the way"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	req := Request{
		Source:      "transactions",
		Destination: "blocked",
		Predicate:   "type = 'FEE'",
	}
	task, err := env.ex.Restore(context.Background(), req)
	if err != nil {
		t.Fatalf("restore failed to start: %v", err)
	}

	res, err := task.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected restore failure, got %+v", res)
	}
	if !apperrors.Is(err, apperrors.ErrStorage) {
		t.Errorf("error = %v, want ErrStorage", err)
	}
	if task.Status() != TaskFailed {
		t.Errorf("status = %s, want %s", task.Status(), TaskFailed)
	}

	// The failure is in the history with the error class recorded.
	rec, err := env.rec.GetRetrieval(context.Background(), task.ID())
	if err != nil {
		t.Fatalf("failed to load retrieval record: %v", err)
	}
	if rec.Status != audit.StatusFailed {
		t.Errorf("audit status = %s, want %s", rec.Status, audit.StatusFailed)
	}
	if rec.Error == "" || rec.ErrorCode != apperrors.CodeInternal {
		t.Errorf("audit error = %q code %q", rec.Error, rec.ErrorCode)
	}
	if rec.FinishedAt == nil {
		t.Error("audit record missing finished_at")
	}

	// The half-made destination is gone, so the same request works once
	// the underlying problem is fixed. Cleanup removed the blocker too,
	// since it sat exactly where the destination files belong.
	exists, err := env.cat.TableExists("blocked")
	if err != nil {
		t.Fatalf("table exists: %v", err)
	}
	if exists {
		t.Error("destination table survived a failed restore")
	}
	if _, err := os.Stat(blocker); !os.IsNotExist(err) {
		t.Fatalf("blocker still present: %v", err)
	}

	task, err = env.ex.Restore(context.Background(), req)
	if err != nil {
		t.Fatalf("retry failed to start: %v", err)
	}
	res, err = task.Wait(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Rows != 2 {
		t.Errorf("retry rows = %d, want 2", res.Rows)
	}

	if st := env.ex.Stats(); st.Failed != 1 || st.Succeeded != 1 {
		t.Errorf("stats = %+v, want 1 failed 1 succeeded", st)
	}
}

func TestRestoreAfterClose(t *testing.T) {
	env := newRestoreEnv(t)

	if err := env.ex.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := env.ex.Close(); err != nil {
		t.Errorf("second close = %v, want nil", err)
	}

	_, err := env.ex.Restore(context.Background(), Request{
		Source:      "transactions",
		Destination: "restored",
		Predicate:   "type = 'FEE'",
	})
	if !apperrors.Is(err, apperrors.ErrEngineClosed) {
		t.Errorf("error = %v, want ErrEngineClosed", err)
	}
}

// =============================================================================
// Task
// =============================================================================

func TestTaskSettlement(t *testing.T) {
	taskCtx, cancel := context.WithCancel(context.Background())
	task := newTask("q-1", &Estimate{
		Source:      "transactions",
		Destination: "restored",
		Files:       4,
		Bytes:       2048,
	}, cancel)

	if task.ID() != "q-1" || task.Source() != "transactions" || task.Destination() != "restored" {
		t.Errorf("task identity = %s %s %s", task.ID(), task.Source(), task.Destination())
	}
	if task.StartedAt().IsZero() {
		t.Error("task has no start time")
	}
	if task.Status() != TaskPending {
		t.Errorf("status = %s, want %s", task.Status(), TaskPending)
	}

	// Waiting on an unsettled task times out on the caller's deadline
	// without disturbing the task.
	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Hour))
	defer cancelExpired()
	if _, err := task.Wait(expired); !apperrors.Is(err, apperrors.ErrTimeout) {
		t.Errorf("expired wait error = %v, want ErrTimeout", err)
	}
	if taskCtx.Err() != nil {
		t.Error("abandoned wait canceled the task")
	}

	canceled, cancelWait := context.WithCancel(context.Background())
	cancelWait()
	if _, err := task.Wait(canceled); !apperrors.Is(err, context.Canceled) {
		t.Errorf("canceled wait error = %v, want context.Canceled", err)
	}

	task.markRunning()
	task.files.Add(2)
	task.bytes.Add(1024)
	task.rows.Add(10)

	prog := task.Progress()
	if prog.Status != TaskRunning {
		t.Errorf("progress status = %s, want %s", prog.Status, TaskRunning)
	}
	if prog.Files != 2 || prog.FilesTotal != 4 || prog.Bytes != 1024 || prog.BytesTotal != 2048 || prog.Rows != 10 {
		t.Errorf("progress = %+v", prog)
	}

	// Cancel reaches the executor through the task's context.
	task.Cancel()
	if !apperrors.Is(taskCtx.Err(), context.Canceled) {
		t.Errorf("task context = %v, want canceled", taskCtx.Err())
	}
	task.Cancel()

	want := &Result{QueryID: "q-1", Source: "transactions", Destination: "restored"}
	task.settle(TaskCanceled, want, apperrors.Wrapf(apperrors.ErrTaskCanceled, "restore q-1"))

	select {
	case <-task.Done():
	default:
		t.Fatal("done channel not closed after settle")
	}

	res, err := task.Wait(expired)
	if res != want {
		t.Errorf("settled result = %+v, want %+v", res, want)
	}
	if !apperrors.Is(err, apperrors.ErrTaskCanceled) {
		t.Errorf("settled error = %v, want ErrTaskCanceled", err)
	}
	if task.Status() != TaskCanceled {
		t.Errorf("status = %s, want %s", task.Status(), TaskCanceled)
	}
}
