package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/audit"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/catalog"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/hotstore"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/lifecycle"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/logging"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/metering"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/retrieval"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/session"
)

// Engine orchestrates the catalog, hot store, lifecycle evaluator, and
// retrieval executor behind one API.
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	cat   *catalog.Store
	aud   *audit.Recorder
	meter *metering.Meter
	hot   *hotstore.Store
	mover *lifecycle.Mover
	eval  *lifecycle.Evaluator
	ret   *retrieval.Executor

	coolDir string

	running   atomic.Bool
	startedAt time.Time
}

// tableFlusher adapts the hot store to the evaluator's pre-run flush
// hook.
type tableFlusher struct {
	hot *hotstore.Store
}

func (f tableFlusher) FlushTable(ctx context.Context, table string) error {
	return f.hot.FlushTable(table)
}

// New builds an engine from configuration. Components are constructed
// but not started; call Start before serving operations.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	cat, err := catalog.New(catalog.Config{
		Path:         cfg.CatalogPath(),
		MaxOpenConns: cfg.Catalog.MaxOpenConns,
		MaxIdleConns: cfg.Catalog.MaxIdleConns,
		BusyTimeout:  cfg.Catalog.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create catalog: %w", err)
	}

	aud, err := audit.New(cat.DB())
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("create audit recorder: %w", err)
	}

	meter := metering.NewMeter(metering.Rates{
		PerFile: cfg.Retrieval.Credits.PerFile,
		PerGB:   cfg.Retrieval.Credits.PerGB,
	})

	hcfg := hotstore.FromConfig(cfg)
	hot := hotstore.New(hcfg, cat)

	coolDir := cfg.TierDir(domain.TierCool.String())
	mover := lifecycle.NewMover(cat, hcfg.HotDir, coolDir)
	eval := lifecycle.NewEvaluator(cat, mover, aud, lifecycle.EvaluatorOptions{
		Schedule: cfg.Lifecycle.Schedule,
		Workers:  cfg.Lifecycle.Workers,
		Flusher:  tableFlusher{hot: hot},
		Meter:    meter,
	})

	ret, err := retrieval.NewExecutor(cat, aud, meter, hcfg.HotDir, coolDir, retrieval.ExecutorOptions{
		MaxFiles:    cfg.Retrieval.MaxFiles,
		Parallelism: cfg.Retrieval.Parallelism,
		MemoryLimit: cfg.Retrieval.MemoryLimit,
		Archive:     hcfg.Archive,
	})
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("create retrieval executor: %w", err)
	}

	return &Engine{
		cfg:     cfg,
		log:     logging.Component("engine"),
		cat:     cat,
		aud:     aud,
		meter:   meter,
		hot:     hot,
		mover:   mover,
		eval:    eval,
		ret:     ret,
		coolDir: coolDir,
	}, nil
}

// Start brings the engine up: the hot store and its flush worker, WAL
// replay for every cataloged table, and the evaluator schedule.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrInvalidState, "engine already running")
	}
	e.startedAt = time.Now()

	if err := e.hot.Start(ctx); err != nil {
		e.running.Store(false)
		return fmt.Errorf("start hot store: %w", err)
	}

	tables, err := e.cat.ListTables()
	if err != nil {
		e.hot.Stop()
		e.running.Store(false)
		return fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		if err := e.hot.OpenTable(t.Name); err != nil {
			e.hot.Stop()
			e.running.Store(false)
			return fmt.Errorf("open table %s: %w", t.Name, err)
		}
	}

	if err := e.eval.Start(ctx); err != nil {
		e.hot.Stop()
		e.running.Store(false)
		return fmt.Errorf("start evaluator: %w", err)
	}

	e.log.Info("engine started",
		"data_dir", e.cfg.DataDir,
		"tables", len(tables),
		"schedule", e.cfg.Lifecycle.Schedule)
	return nil
}

// Stop shuts the engine down: evaluator first so no new moves start,
// then running restores, then the hot store (flushing buffers), then
// the catalog.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}

	e.eval.Stop()

	var errs []error
	if err := e.ret.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close retrieval: %w", err))
	}
	if err := e.hot.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop hot store: %w", err))
	}
	if err := e.cat.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close catalog: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	e.log.Info("engine stopped")
	return nil
}

// Running reports whether the engine has been started and not stopped.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// NewSession opens a session with the configured parameter defaults.
func (e *Engine) NewSession() *session.Session {
	return session.New(e.cfg.Session)
}

// Health verifies the catalog is reachable.
func (e *Engine) Health(ctx context.Context) error {
	if !e.running.Load() {
		return errors.Wrap(errors.ErrEngineClosed, "engine")
	}
	return e.cat.Health(ctx)
}

func (e *Engine) requireRunning() error {
	if !e.running.Load() {
		return errors.Wrap(errors.ErrEngineClosed, "engine")
	}
	return nil
}

// =============================================================================
// Tables
// =============================================================================

// CreateTable registers a managed table and opens it for ingest.
// Every managed table carries the canonical transactions schema.
func (e *Engine) CreateTable(ctx context.Context, name, comment string) error {
	if err := e.requireRunning(); err != nil {
		return err
	}

	if err := e.cat.CreateTable(&catalog.Table{Name: name, Comment: comment}); err != nil {
		return err
	}
	if err := e.hot.OpenTable(name); err != nil {
		if delErr := e.cat.DeleteTable(name); delErr != nil {
			e.log.Error("failed to undo table creation", "table", name, "error", delErr)
		}
		return err
	}

	e.log.Info("table created", "table", name)
	return nil
}

// DropTable removes a table, its binding, and its data files in every
// tier. With ifExists, dropping an absent table succeeds.
func (e *Engine) DropTable(ctx context.Context, name string, ifExists bool) error {
	if err := e.requireRunning(); err != nil {
		return err
	}

	exists, err := e.cat.TableExists(name)
	if err != nil {
		return err
	}
	if !exists {
		if ifExists {
			return nil
		}
		return errors.Wrapf(errors.ErrTableNotFound, "table %s", name)
	}

	if err := e.hot.DropTable(name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(e.coolDir, name)); err != nil {
		return errors.Wrapf(errors.ErrStorage, "remove archived files for %s: %v", name, err)
	}
	if err := e.cat.DeleteTable(name); err != nil && !errors.IsNotFound(err) {
		return err
	}

	e.log.Info("table dropped", "table", name)
	return nil
}

// ListTables returns all managed tables ordered by name.
func (e *Engine) ListTables() ([]*catalog.Table, error) {
	return e.cat.ListTables()
}

// ListPartitions returns a table's partitions ordered by quarter.
func (e *Engine) ListPartitions(table string) ([]*domain.Partition, error) {
	if _, err := e.cat.GetTable(table); err != nil {
		return nil, err
	}
	return e.cat.ListPartitions(table)
}

// TierSummary aggregates partition counts and sizes per state.
func (e *Engine) TierSummary() ([]catalog.StateSummary, error) {
	return e.cat.Summary()
}

// =============================================================================
// Policies
// =============================================================================

// CreatePolicy validates and registers a lifecycle policy. Retention
// below the configured floor is rejected.
func (e *Engine) CreatePolicy(ctx context.Context, spec lifecycle.Spec) error {
	if err := e.requireRunning(); err != nil {
		return err
	}

	pol, err := lifecycle.NewPolicy(spec, e.cfg.Lifecycle.MinRetentionDays)
	if err != nil {
		return err
	}
	if err := e.cat.CreatePolicy(pol.Stored()); err != nil {
		return err
	}

	e.log.Info("policy created",
		"policy", pol.Name(),
		"tier", pol.Tier().String(),
		"retention_days", pol.RetentionDays())
	return nil
}

// DropPolicy removes a policy. A bound policy cannot be dropped;
// unbind it first. With ifExists, dropping an absent policy succeeds.
func (e *Engine) DropPolicy(ctx context.Context, name string, ifExists bool) error {
	if err := e.requireRunning(); err != nil {
		return err
	}

	err := e.cat.DeletePolicy(name)
	if err != nil {
		if ifExists && errors.IsNotFound(err) {
			return nil
		}
		return err
	}

	e.log.Info("policy dropped", "policy", name)
	return nil
}

// ListPolicies returns all policies ordered by name.
func (e *Engine) ListPolicies() ([]*catalog.Policy, error) {
	return e.cat.ListPolicies()
}

// PolicyInfo is a policy with its current bindings.
type PolicyInfo struct {
	Policy   *catalog.Policy
	Bindings []*catalog.Binding
}

// DescribePolicy returns a policy's definition and binding state.
func (e *Engine) DescribePolicy(ctx context.Context, name string) (*PolicyInfo, error) {
	pol, err := e.cat.GetPolicy(name)
	if err != nil {
		return nil, err
	}
	bindings, err := e.cat.ListBindingsForPolicy(name)
	if err != nil {
		return nil, err
	}
	return &PolicyInfo{Policy: pol, Bindings: bindings}, nil
}

// BindPolicy attaches a policy to a table, replacing any existing
// binding. The binding takes effect after the activation delay; until
// then evaluation skips the table.
func (e *Engine) BindPolicy(ctx context.Context, table, policy string) (*catalog.Binding, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}

	boundAt := time.Now().UTC()
	effectiveAt := boundAt.Add(e.cfg.Lifecycle.ActivationDelay)
	if err := e.cat.BindPolicy(table, policy, boundAt, effectiveAt); err != nil {
		return nil, err
	}

	e.log.Info("policy bound",
		"table", table,
		"policy", policy,
		"effective_at", effectiveAt.Format(time.RFC3339))
	return &catalog.Binding{
		Table:       table,
		Policy:      policy,
		BoundAt:     boundAt,
		EffectiveAt: effectiveAt,
	}, nil
}

// UnbindPolicy detaches a table's policy.
func (e *Engine) UnbindPolicy(ctx context.Context, table string) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	if err := e.cat.UnbindPolicy(table); err != nil {
		return err
	}
	e.log.Info("policy unbound", "table", table)
	return nil
}

// ListBindings returns all table-policy bindings.
func (e *Engine) ListBindings() ([]*catalog.Binding, error) {
	return e.cat.ListBindings()
}

// =============================================================================
// Ingest
// =============================================================================

// Append ingests rows into a table's hot tier. Rows are durable per
// the WAL sync mode when Append returns; admission control may reject
// under sustained overload.
func (e *Engine) Append(ctx context.Context, table string, rows []domain.Transaction) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.hot.Append(ctx, table, rows)
}

// Flush synchronously writes a table's buffered rows to its hot
// partitions.
func (e *Engine) Flush(ctx context.Context, table string) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.hot.FlushTable(table)
}

// RecentRows returns a table's most recently ingested rows, newest
// first.
func (e *Engine) RecentRows(table string, n int) ([]domain.Transaction, error) {
	return e.hot.Recent(table, n)
}

// =============================================================================
// Lifecycle
// =============================================================================

// LifecyclePlan lists the transitions an evaluation now would apply,
// without moving anything.
func (e *Engine) LifecyclePlan(ctx context.Context) (*lifecycle.Plan, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	return e.eval.Plan(time.Now().UTC())
}

// LifecycleRun executes one evaluation immediately, the same work the
// cron schedule performs.
func (e *Engine) LifecycleRun(ctx context.Context) (*lifecycle.Result, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	return e.eval.Run(ctx, time.Now().UTC())
}

// =============================================================================
// Retrieval
// =============================================================================

// EstimateRestore prices a restore from catalog state without touching
// data files.
func (e *Engine) EstimateRestore(ctx context.Context, req retrieval.Request) (*retrieval.Estimate, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	return e.ret.Estimate(req)
}

// Restore launches an archive restore owned by the given session.
// The session's abort_detached_query setting decides what happens to
// the task when the session closes; a nil session detaches the task
// entirely.
func (e *Engine) Restore(ctx context.Context, sess *session.Session, req retrieval.Request) (*retrieval.Task, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	if sess != nil && sess.Closed() {
		return nil, errors.Wrap(errors.ErrSessionClosed, "restore")
	}

	task, err := e.ret.Restore(ctx, req)
	if err != nil {
		return nil, err
	}

	if sess != nil {
		if err := sess.Track(task); err != nil {
			task.Cancel()
			return nil, err
		}
	}

	// Open the destination for ingest once the restore lands, so the
	// new table accepts reads and appends without a restart.
	go func() {
		<-task.Done()
		if task.Status() != retrieval.TaskSucceeded || !e.running.Load() {
			return
		}
		if err := e.hot.OpenTable(req.Destination); err != nil {
			e.log.Warn("restored table not opened for ingest",
				"table", req.Destination, "error", err)
		}
	}()
	return task, nil
}

// RestoreTask returns a live restore task by query id.
func (e *Engine) RestoreTask(id string) (*retrieval.Task, bool) {
	return e.ret.Task(id)
}

// ShowParameters lists the session's parameters for display.
func (e *Engine) ShowParameters(sess *session.Session) []session.Parameter {
	return sess.Parameters()
}

// =============================================================================
// History & usage
// =============================================================================

// PolicyExecutionHistory queries the per-partition lifecycle audit
// trail, newest first.
func (e *Engine) PolicyExecutionHistory(ctx context.Context, q audit.ExecutionQuery) ([]*audit.PolicyExecution, error) {
	return e.aud.Executions(ctx, q)
}

// RetrievalHistory queries past and running restores, newest first.
func (e *Engine) RetrievalHistory(ctx context.Context, q audit.RetrievalQuery) ([]*audit.RetrievalRecord, error) {
	return e.aud.Retrievals(ctx, q)
}

// LifecycleRuns summarizes recent evaluation runs.
func (e *Engine) LifecycleRuns(ctx context.Context, limit int) ([]*audit.RunSummary, error) {
	return e.aud.RunSummaries(ctx, limit)
}

// UsageSummary aggregates credit spend and operation durations.
type UsageSummary struct {
	TotalCredits float64
	Categories   []metering.CategorySummary
}

// Usage returns the engine's credit and duration accounting.
func (e *Engine) Usage() UsageSummary {
	return UsageSummary{
		TotalCredits: e.meter.TotalCredits(),
		Categories:   e.meter.Summaries(),
	}
}

// =============================================================================
// Stats
// =============================================================================

// Stats is a combined snapshot of component counters.
type Stats struct {
	Running   bool
	Uptime    time.Duration
	Ingest    hotstore.Stats
	Lifecycle lifecycle.EvaluatorStats
	Mover     lifecycle.MoverStats
	Retrieval retrieval.ExecutorStats
	Credits   float64
}

// Stats returns current statistics from every component.
func (e *Engine) Stats() Stats {
	var uptime time.Duration
	if e.running.Load() && !e.startedAt.IsZero() {
		uptime = time.Since(e.startedAt)
	}
	return Stats{
		Running:   e.running.Load(),
		Uptime:    uptime,
		Ingest:    e.hot.Stats(),
		Lifecycle: e.eval.Stats(),
		Mover:     e.mover.Stats(),
		Retrieval: e.ret.Stats(),
		Credits:   e.meter.TotalCredits(),
	}
}
