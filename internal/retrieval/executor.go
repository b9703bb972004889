package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/errgroup"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/archive"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/audit"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/catalog"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/filter"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/logging"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/metering"
)

// scanColumns is the physical column list fetched from the archive,
// in archive.Row field order.
const scanColumns = "transaction_id, customer_id, account_id, quarter, " +
	"transaction_date_ms, description, amount_cents, type, currency, " +
	"created_at_ms, updated_at_ms"

// scanBatch is how many rows accumulate before a write to the
// destination parquet file.
const scanBatch = 4096

// =============================================================================
// Executor
// =============================================================================

// ExecutorOptions configures restore execution.
type ExecutorOptions struct {
	// MaxFiles is the hard ceiling on files one restore may touch.
	MaxFiles int

	// Parallelism bounds concurrent partition scans.
	Parallelism int

	// MemoryLimit is the DuckDB memory limit, e.g. "2GB".
	MemoryLimit string

	// Archive is the codec for re-materialized destination files.
	Archive archive.Options
}

// Executor plans and runs restores. It owns an in-memory DuckDB
// instance used purely as a parquet scan engine.
type Executor struct {
	cat     *catalog.Store
	aud     *audit.Recorder
	meter   *metering.Meter
	planner *Planner
	opts    ExecutorOptions

	hotDir  string
	coolDir string

	db  *sql.DB
	log *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*Task

	restores  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	canceled  atomic.Int64
}

// NewExecutor opens the scan engine and prepares restore execution.
// coolDir holds the archive being read; hotDir receives destination
// partitions.
func NewExecutor(cat *catalog.Store, aud *audit.Recorder, meter *metering.Meter, hotDir, coolDir string, opts ExecutorOptions) (*Executor, error) {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 1000
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDatabase, "open scan engine: %v", err)
	}
	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit)); err != nil {
			db.Close()
			return nil, errors.Wrapf(errors.ErrDatabase, "set memory limit: %v", err)
		}
	}

	return &Executor{
		cat:     cat,
		aud:     aud,
		meter:   meter,
		planner: NewPlanner(cat, meter.Rates()),
		opts:    opts,
		hotDir:  hotDir,
		coolDir: coolDir,
		db:      db,
		log:     logging.Component("retrieval"),
		tasks:   make(map[string]*Task),
	}, nil
}

// Close cancels running restores, waits for them to settle, and shuts
// the scan engine down.
func (ex *Executor) Close() error {
	if !ex.closed.CompareAndSwap(false, true) {
		return nil
	}

	ex.mu.Lock()
	for _, t := range ex.tasks {
		t.Cancel()
	}
	ex.mu.Unlock()

	ex.wg.Wait()
	return ex.db.Close()
}

// Estimate plans a restore without touching data files.
func (ex *Executor) Estimate(req Request) (*Estimate, error) {
	est, _, err := ex.planner.Plan(req)
	return est, err
}

// Restore plans and launches a restore task. Validation and the file
// ceiling are enforced synchronously; the fetch runs in the background
// and its outcome lands in the audit history whether or not anyone is
// still waiting on the task.
func (ex *Executor) Restore(ctx context.Context, req Request) (*Task, error) {
	if ex.closed.Load() {
		return nil, errors.Wrap(errors.ErrEngineClosed, "retrieval executor")
	}

	est, node, err := ex.planner.Plan(req)
	if err != nil {
		return nil, err
	}
	if est.Files > ex.opts.MaxFiles {
		return nil, errors.Wrapf(errors.ErrTooManyFiles,
			"restore touches %d files, ceiling is %d; narrow the predicate", est.Files, ex.opts.MaxFiles)
	}

	if err := ex.cat.CreateTable(&catalog.Table{
		Name:         est.Destination,
		RestoredFrom: est.Source,
	}); err != nil {
		return nil, err
	}

	rec := &audit.RetrievalRecord{
		Table:       est.Source,
		Destination: est.Destination,
		Predicate:   est.Predicate,
	}
	if err := ex.aud.BeginRetrieval(ctx, rec); err != nil {
		ex.cleanupDestination(est.Destination)
		return nil, err
	}

	// The task runs on its own context: the caller's deadline governs
	// waiting, not execution. Sessions cancel through the task.
	taskCtx, cancel := context.WithCancel(context.Background())
	task := newTask(rec.ID, est, cancel)

	ex.mu.Lock()
	ex.tasks[task.id] = task
	ex.mu.Unlock()

	ex.restores.Add(1)
	ex.wg.Add(1)
	go ex.run(taskCtx, task, est, node)

	ex.log.Info("restore started",
		"query_id", task.id,
		"source", est.Source,
		"destination", est.Destination,
		"partitions", len(est.Partitions),
		"files", est.Files,
		"estimated_credits", est.Credits)

	return task, nil
}

// Task returns a live task by query id. Settled tasks are only
// reachable through the audit history.
func (ex *Executor) Task(id string) (*Task, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	t, ok := ex.tasks[id]
	return t, ok
}

// =============================================================================
// Execution
// =============================================================================

func (ex *Executor) run(ctx context.Context, task *Task, est *Estimate, node *filter.Node) {
	defer ex.wg.Done()
	defer ex.forget(task.id)

	start := time.Now()
	task.markRunning()

	runErr := ex.fetch(ctx, task, est, node)

	files := int(task.files.Load())
	bytes := task.bytes.Load()
	rows := task.rows.Load()
	credits := ex.meter.Cost(files, bytes)
	elapsed := time.Since(start)

	res := &Result{
		QueryID:     task.id,
		Source:      est.Source,
		Destination: est.Destination,
		Files:       files,
		Bytes:       bytes,
		Rows:        rows,
		Credits:     credits,
		Duration:    elapsed,
	}

	outcome := audit.RetrievalOutcome{
		Files:   files,
		Bytes:   bytes,
		Rows:    rows,
		Credits: credits,
	}

	var status TaskStatus
	switch {
	case runErr == nil:
		status = TaskSucceeded
		outcome.Status = audit.StatusCompleted
		ex.succeeded.Add(1)
	case errors.Is(runErr, context.Canceled):
		status = TaskCanceled
		runErr = errors.Wrapf(errors.ErrTaskCanceled, "restore %s", task.id)
		outcome.Status = audit.StatusCanceled
		outcome.Err = runErr
		ex.canceled.Add(1)
	default:
		status = TaskFailed
		outcome.Status = audit.StatusFailed
		outcome.Err = runErr
		ex.failed.Add(1)
	}

	if status != TaskSucceeded {
		// A half-restored destination would block a retry under the
		// same name.
		ex.cleanupDestination(est.Destination)
	}

	// The task context may already be canceled; history is written
	// regardless.
	if err := ex.aud.FinishRetrieval(context.Background(), task.id, outcome); err != nil {
		ex.log.Error("failed to record retrieval outcome",
			"query_id", task.id, "error", err)
	}

	ex.meter.Record(metering.CategoryRestore, credits, elapsed)

	if runErr != nil {
		ex.log.Error("restore finished",
			"query_id", task.id,
			"destination", est.Destination,
			"status", string(status),
			"error", runErr)
	} else {
		ex.log.Info("restore finished",
			"query_id", task.id,
			"destination", est.Destination,
			"status", string(status),
			"files", files,
			"rows", rows,
			"credits", credits,
			"duration_ms", elapsed.Milliseconds())
	}

	task.settle(status, res, runErr)
}

// fetch scans the planned partitions with bounded parallelism.
func (ex *Executor) fetch(ctx context.Context, task *Task, est *Estimate, node *filter.Node) error {
	where, args, err := filter.Compile(node)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ex.opts.Parallelism)

	for seq, part := range est.Partitions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := ex.restorePartition(gctx, task, est, part, seq, where, args); err != nil {
				return err
			}
			task.files.Add(int64(part.Files))
			task.bytes.Add(part.Bytes)
			return nil
		})
	}

	return g.Wait()
}

// restorePartition scans one COOL partition's parquet files and writes
// the matching rows to a fresh file in the destination's hot tier.
func (ex *Executor) restorePartition(ctx context.Context, task *Task, est *Estimate, part PartitionEstimate, seq int, where string, args []any) error {
	label := part.Quarter.Label()
	pattern := filepath.Join(ex.coolDir, est.Source, label, "*.parquet")

	// The glob rides along as the final positional parameter, after
	// the predicate's own.
	query := fmt.Sprintf(
		"SELECT %s FROM read_parquet($%d) WHERE %s ORDER BY transaction_date_ms, transaction_id",
		scanColumns, len(args)+1, where)

	scanArgs := make([]any, len(args), len(args)+1)
	copy(scanArgs, args)
	scanArgs = append(scanArgs, pattern)

	rows, err := ex.db.QueryContext(ctx, query, scanArgs...)
	if err != nil {
		return errors.Wrapf(errors.ErrDatabase, "scan %s/%s: %v", est.Source, label, err)
	}
	defer rows.Close()

	var (
		w      *archive.Writer
		path   string
		buf    = make([]domain.Transaction, 0, scanBatch)
		count  int64
		lo, hi time.Time
	)

	abort := func() {
		if w != nil {
			w.Close()
			os.Remove(path)
		}
	}

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if w == nil {
			name := fmt.Sprintf("%013d-%05d.parquet", time.Now().UnixMilli(), seq)
			path = filepath.Join(ex.hotDir, est.Destination, label, name)
			writer, err := archive.NewWriter(path, ex.opts.Archive)
			if err != nil {
				return errors.Wrapf(errors.ErrStorage, "restore %s/%s: %v", est.Destination, label, err)
			}
			w = writer
		}
		if err := w.Write(buf); err != nil {
			return errors.Wrapf(errors.ErrStorage, "restore %s/%s: %v", est.Destination, label, err)
		}
		buf = buf[:0]
		return nil
	}

	for rows.Next() {
		var r archive.Row
		var desc sql.NullString
		if err := rows.Scan(
			&r.TransactionID, &r.CustomerID, &r.AccountID, &r.Quarter,
			&r.TransactionDateMs, &desc, &r.AmountCents, &r.Type,
			&r.Currency, &r.CreatedAtMs, &r.UpdatedAtMs,
		); err != nil {
			abort()
			return errors.Wrapf(errors.ErrDatabase, "scan %s/%s row: %v", est.Source, label, err)
		}
		r.Description = desc.String

		txn := archive.FromRow(&r)
		if lo.IsZero() || txn.TransactionDate.Before(lo) {
			lo = txn.TransactionDate
		}
		if hi.IsZero() || txn.TransactionDate.After(hi) {
			hi = txn.TransactionDate
		}
		buf = append(buf, txn)
		count++

		if len(buf) == scanBatch {
			if err := flush(); err != nil {
				abort()
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		abort()
		return errors.Wrapf(errors.ErrDatabase, "scan %s/%s: %v", est.Source, label, err)
	}
	if err := flush(); err != nil {
		abort()
		return err
	}

	if w == nil {
		// Nothing matched here. The files were still scanned, and the
		// caller still pays for them.
		return nil
	}

	if err := w.Close(); err != nil {
		os.Remove(path)
		return errors.Wrapf(errors.ErrStorage, "close %s: %v", path, err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(errors.ErrStorage, "stat %s: %v", path, err)
	}
	if err := ex.cat.RecordFlush(est.Destination, part.Quarter, 1, stat.Size(), count, lo, hi); err != nil {
		os.Remove(path)
		return err
	}

	task.rows.Add(count)
	return nil
}

// cleanupDestination removes a destination table and its files after a
// failed or canceled restore so the name is free for a retry.
func (ex *Executor) cleanupDestination(dest string) {
	if err := ex.cat.DeleteTable(dest); err != nil && !errors.IsNotFound(err) {
		ex.log.Warn("failed to drop restore destination", "table", dest, "error", err)
	}
	if err := os.RemoveAll(filepath.Join(ex.hotDir, dest)); err != nil {
		ex.log.Warn("failed to remove restore destination files", "table", dest, "error", err)
	}
}

func (ex *Executor) forget(id string) {
	ex.mu.Lock()
	delete(ex.tasks, id)
	ex.mu.Unlock()
}

// =============================================================================
// Stats
// =============================================================================

// ExecutorStats summarizes restore activity.
type ExecutorStats struct {
	Active    int
	Restores  int64
	Succeeded int64
	Failed    int64
	Canceled  int64
}

// Stats returns current executor statistics.
func (ex *Executor) Stats() ExecutorStats {
	ex.mu.Lock()
	active := len(ex.tasks)
	ex.mu.Unlock()

	return ExecutorStats{
		Active:    active,
		Restores:  ex.restores.Load(),
		Succeeded: ex.succeeded.Load(),
		Failed:    ex.failed.Load(),
		Canceled:  ex.canceled.Load(),
	}
}
