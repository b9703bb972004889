// Package lifecycle implements age-based tiering over partitioned
// transaction tables. A policy binds a retention rule to a table; the
// evaluator runs on a cron schedule, cools partitions whose quarter
// has fully aged past the sliding boundary, and expires cooled
// partitions once their time in the archive tier exceeds the policy
// retention. Evaluation is fire and forget: transition failures are
// logged and written to the audit history, never returned to a
// session.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/audit"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/catalog"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/logging"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/metering"
)

// Flusher persists buffered ingest rows before a table is evaluated,
// so partition moves see every row on disk.
type Flusher interface {
	FlushTable(ctx context.Context, table string) error
}

// EvaluatorOptions configures the evaluator.
type EvaluatorOptions struct {
	// Schedule is the cron expression for automatic runs. Empty
	// disables the scheduler; Run can still be called directly.
	Schedule string

	// Workers is the number of concurrent partition movers per run.
	Workers int

	// Flusher, when set, is invoked for each bound table before the
	// run plans its partitions.
	Flusher Flusher

	// Meter, when set, receives one lifecycle credit observation per
	// run.
	Meter *metering.Meter
}

// Evaluator plans and executes lifecycle runs.
type Evaluator struct {
	cat   *catalog.Store
	mover *Mover
	aud   *audit.Recorder
	opts  EvaluatorOptions
	log   *slog.Logger

	// runMu serializes Run; the cron trigger and a console-issued run
	// must not move partitions concurrently.
	runMu sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	running bool

	runs           atomic.Int64
	actionsApplied atomic.Int64
	actionsFailed  atomic.Int64
	lastRunMs      atomic.Int64
}

// NewEvaluator creates an evaluator over the catalog, mover, and audit
// recorder.
func NewEvaluator(cat *catalog.Store, mover *Mover, rec *audit.Recorder, opts EvaluatorOptions) *Evaluator {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	return &Evaluator{
		cat:   cat,
		mover: mover,
		aud:   rec,
		opts:  opts,
		log:   logging.Component("lifecycle"),
	}
}

// Action is one planned partition transition.
type Action struct {
	Table   string
	Quarter domain.Quarter
	Policy  string
	From    domain.State
	To      domain.State

	// Footprint of the partition when the plan was built, carried
	// into the audit record.
	Files int
	Bytes int64
	Rows  int64
}

// Skip is a binding a run leaves alone and why.
type Skip struct {
	Table  string
	Policy string
	Reason string
}

// Plan is the set of transitions one evaluation would apply.
type Plan struct {
	EvalAt   time.Time
	Boundary time.Time
	Actions  []Action
	Skips    []Skip
}

// Plan lists the transitions a run at eval time would apply, without
// touching data. Planning reads only the catalog, so two plans over an
// unchanged catalog are identical.
func (e *Evaluator) Plan(eval time.Time) (*Plan, error) {
	bindings, err := e.cat.ListBindings()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		EvalAt:   eval,
		Boundary: domain.AgingBoundary(eval),
	}

	for _, b := range bindings {
		if eval.Before(b.EffectiveAt) {
			plan.Skips = append(plan.Skips, Skip{
				Table:  b.Table,
				Policy: b.Policy,
				Reason: fmt.Sprintf("binding effective at %s", b.EffectiveAt.Format(time.RFC3339)),
			})
			continue
		}

		stored, err := e.cat.GetPolicy(b.Policy)
		if err != nil {
			plan.Skips = append(plan.Skips, Skip{Table: b.Table, Policy: b.Policy, Reason: err.Error()})
			continue
		}
		pol, err := FromStored(stored)
		if err != nil {
			plan.Skips = append(plan.Skips, Skip{Table: b.Table, Policy: b.Policy, Reason: err.Error()})
			continue
		}

		parts, err := e.cat.ListPartitions(b.Table)
		if err != nil {
			return nil, err
		}

		for _, part := range parts {
			switch part.State {
			case domain.StateHot:
				if pol.PartitionAged(part.Quarter, eval) {
					plan.Actions = append(plan.Actions, action(part, pol.Name(), domain.StateCool))
				}
			case domain.StateCool:
				if pol.ExpireEligible(part, eval) {
					plan.Actions = append(plan.Actions, action(part, pol.Name(), domain.StateExpired))
				}
			}
		}
	}

	return plan, nil
}

func action(part *domain.Partition, policy string, to domain.State) Action {
	return Action{
		Table:   part.Table,
		Quarter: part.Quarter,
		Policy:  policy,
		From:    part.State,
		To:      to,
		Files:   part.Files,
		Bytes:   part.Bytes,
		Rows:    part.Rows,
	}
}

// Result summarizes one executed run.
type Result struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Planned   int
	Cooled    int
	Expired   int
	Failed    int
	Skipped   int
	Files     int
	Bytes     int64
}

// Run executes one full evaluation at eval time. Concurrent calls are
// serialized. The returned error covers planning only; individual
// transition failures are counted in the result and recorded in the
// audit history.
func (e *Evaluator) Run(ctx context.Context, eval time.Time) (*Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	started := time.Now()

	if e.opts.Flusher != nil {
		e.flushBoundTables(ctx, eval)
	}

	plan, err := e.Plan(eval)
	if err != nil {
		return nil, err
	}

	runID := audit.NewRunID()
	res := &Result{
		RunID:     runID,
		StartedAt: started.UTC(),
		Planned:   len(plan.Actions),
		Skipped:   len(plan.Skips),
	}

	for _, skip := range plan.Skips {
		e.recordSkip(ctx, runID, skip)
	}

	var (
		resMu sync.Mutex
		wg    sync.WaitGroup
		jobCh = make(chan Action)
	)

	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for act := range jobCh {
				moved, err := e.apply(ctx, runID, eval, act)

				resMu.Lock()
				if err != nil {
					res.Failed++
				} else {
					switch act.To {
					case domain.StateCool:
						res.Cooled++
					case domain.StateExpired:
						res.Expired++
					}
					res.Files += moved.Files
					res.Bytes += moved.Bytes
				}
				resMu.Unlock()
			}
		}()
	}

	for _, act := range plan.Actions {
		if ctx.Err() != nil {
			break
		}
		jobCh <- act
	}
	close(jobCh)
	wg.Wait()

	res.Duration = time.Since(started)
	e.runs.Add(1)
	e.lastRunMs.Store(time.Now().UnixMilli())

	if e.opts.Meter != nil {
		credits := e.opts.Meter.Cost(res.Files, res.Bytes)
		e.opts.Meter.Record(metering.CategoryLifecycle, credits, res.Duration)
	}

	e.log.Info("lifecycle run finished",
		"run_id", runID,
		"planned", res.Planned,
		"cooled", res.Cooled,
		"expired", res.Expired,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"duration", res.Duration)

	return res, nil
}

// flushBoundTables drains ingest buffers for every effective binding so
// the plan sees complete partitions. Flush failures do not stop the
// run; the affected rows simply wait for the next one.
func (e *Evaluator) flushBoundTables(ctx context.Context, eval time.Time) {
	bindings, err := e.cat.ListBindings()
	if err != nil {
		e.log.Warn("pre-run flush: list bindings", "error", err)
		return
	}
	for _, b := range bindings {
		if eval.Before(b.EffectiveAt) {
			continue
		}
		if err := e.opts.Flusher.FlushTable(ctx, b.Table); err != nil {
			e.log.Warn("pre-run flush failed", "table", b.Table, "error", err)
		}
	}
}

// apply executes a single transition and writes its audit record.
func (e *Evaluator) apply(ctx context.Context, runID string, eval time.Time, act Action) (MoveResult, error) {
	exec := &audit.PolicyExecution{
		RunID:     runID,
		Table:     act.Table,
		Quarter:   act.Quarter.Label(),
		Policy:    act.Policy,
		Action:    actionName(act.To),
		FromState: act.From.String(),
		ToState:   act.To.String(),
		Rows:      act.Rows,
		StartedAt: time.Now().UTC(),
	}

	var (
		moved MoveResult
		err   error
	)
	switch act.To {
	case domain.StateCool:
		moved, err = e.mover.Cool(ctx, act.Table, act.Quarter, eval)
	case domain.StateExpired:
		moved, err = e.mover.Expire(ctx, act.Table, act.Quarter, eval)
	default:
		err = errors.Wrapf(errors.ErrInvalidTransition, "%s to %s", act.From, act.To)
	}

	exec.Files = moved.Files
	exec.Bytes = moved.Bytes

	if err != nil {
		exec.Fail(err)
		e.actionsFailed.Add(1)
		e.log.Error("partition transition failed",
			"table", act.Table,
			"quarter", act.Quarter.Label(),
			"action", exec.Action,
			"error", err)
	} else {
		exec.Complete()
		e.actionsApplied.Add(1)
	}

	if aerr := e.aud.RecordExecution(ctx, exec); aerr != nil {
		e.log.Error("failed to record policy execution", "run_id", runID, "error", aerr)
	}

	return moved, err
}

// recordSkip writes an audit row for a binding the run did not
// evaluate, so the history explains quiet runs.
func (e *Evaluator) recordSkip(ctx context.Context, runID string, skip Skip) {
	now := time.Now().UTC()
	exec := &audit.PolicyExecution{
		RunID:      runID,
		Table:      skip.Table,
		Policy:     skip.Policy,
		Action:     "evaluate",
		Status:     audit.StatusSkipped,
		Error:      skip.Reason,
		StartedAt:  now,
		FinishedAt: &now,
	}
	if err := e.aud.RecordExecution(ctx, exec); err != nil {
		e.log.Error("failed to record skipped binding", "run_id", runID, "error", err)
	}
}

func actionName(to domain.State) string {
	if to == domain.StateExpired {
		return "expire"
	}
	return "cool"
}

// =============================================================================
// Scheduling
// =============================================================================

// Start schedules automatic runs. It is a no-op when no schedule is
// configured.
func (e *Evaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.Wrap(errors.ErrInvalidState, "evaluator already started")
	}
	if e.opts.Schedule == "" {
		e.log.Info("lifecycle schedule not configured, automatic runs disabled")
		return nil
	}

	if _, err := cron.ParseStandard(e.opts.Schedule); err != nil {
		return errors.Wrapf(errors.ErrInvalidConfig, "lifecycle schedule %q: %v", e.opts.Schedule, err)
	}

	c := cron.New()
	_, err := c.AddFunc(e.opts.Schedule, func() {
		if _, err := e.Run(ctx, time.Now().UTC()); err != nil {
			e.log.Error("scheduled lifecycle run failed", "error", err)
		}
	})
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidConfig, "schedule lifecycle run: %v", err)
	}

	c.Start()
	e.cron = c
	e.running = true
	e.log.Info("lifecycle evaluator started",
		"schedule", e.opts.Schedule,
		"workers", e.opts.Workers)
	return nil
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cron != nil && e.running {
		<-e.cron.Stop().Done()
		e.cron = nil
		e.log.Info("lifecycle evaluator stopped")
	}
	e.running = false
}

// NextRun returns the next scheduled run time, zero when unscheduled.
func (e *Evaluator) NextRun() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cron == nil {
		return time.Time{}
	}
	entries := e.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// EvaluatorStats is a snapshot of evaluator counters.
type EvaluatorStats struct {
	Running        bool
	Runs           int64
	ActionsApplied int64
	ActionsFailed  int64
	LastRun        time.Time
	NextRun        time.Time
}

// Stats returns current statistics.
func (e *Evaluator) Stats() EvaluatorStats {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	s := EvaluatorStats{
		Running:        running,
		Runs:           e.runs.Load(),
		ActionsApplied: e.actionsApplied.Load(),
		ActionsFailed:  e.actionsFailed.Load(),
		NextRun:        e.NextRun(),
	}
	if ms := e.lastRunMs.Load(); ms > 0 {
		s.LastRun = time.UnixMilli(ms).UTC()
	}
	return s
}
