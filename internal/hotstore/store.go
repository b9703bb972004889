// Package hotstore implements the hot-tier ingest path. Appended rows
// are logged to a per-table WAL, buffered in memory by quarter, and
// flushed as parquet files into hot partitions. Every flush is
// recorded in the catalog, so partition metadata stays queryable
// without touching data files.
//
// Recovery is at-least-once: rows stay in the WAL until the flush that
// persisted them checkpoints, so a crash between flush and checkpoint
// replays the tail on the next open.
package hotstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/archive"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/catalog"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/logging"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/wal"
)

// Config holds hot store settings.
type Config struct {
	// HotDir is the root directory for hot-tier parquet files.
	HotDir string

	// WALDir is the root directory for per-table write-ahead logs.
	WALDir string

	// WAL configures each table's log writer.
	WAL wal.Options

	// Archive configures the parquet codec for flushed files.
	Archive archive.Options

	// FlushInterval is the background flush cadence.
	FlushInterval time.Duration

	// FlushMaxRows triggers a flush when a table buffers this many
	// rows. Zero disables the row trigger.
	FlushMaxRows int

	// MaxBufferBytes is the admission budget: usage is total buffered
	// bytes across tables divided by this. Zero disables admission.
	MaxBufferBytes int64

	// Admission configures load shedding.
	Admission AdmissionConfig

	// RecentRows is the per-table preview ring capacity.
	RecentRows int
}

// DefaultConfig returns hot store settings with defaults.
func DefaultConfig() Config {
	return Config{
		WAL:            wal.DefaultOptions(),
		Archive:        archive.DefaultOptions(),
		FlushInterval:  10 * time.Minute,
		FlushMaxRows:   100000,
		MaxBufferBytes: 64 * 1024 * 1024,
		Admission: AdmissionConfig{
			Enabled:  true,
			Warning:  0.50,
			Critical: 0.90,
			Cooldown: 30 * time.Second,
		},
		RecentRows: 1000,
	}
}

// FromConfig maps the application configuration onto hot store
// settings.
func FromConfig(cfg *config.Config) Config {
	walOpts := wal.DefaultOptions()
	if cfg.Ingest.WAL.SyncMode != "" {
		walOpts.SyncMode = cfg.Ingest.WAL.SyncMode
	}
	if cfg.Ingest.WAL.SyncInterval > 0 {
		walOpts.SyncInterval = cfg.Ingest.WAL.SyncInterval
	}
	if cfg.Ingest.WAL.MaxSegmentSize > 0 {
		walOpts.MaxSegmentSize = cfg.Ingest.WAL.MaxSegmentSize
	}

	arcOpts := archive.DefaultOptions()
	arcOpts.Compression = archive.ParseCompressionType(cfg.Archive.Compression)
	if cfg.Archive.CompressionLevel > 0 {
		arcOpts.CompressionLevel = cfg.Archive.CompressionLevel
	}
	if cfg.Archive.RowGroupSize > 0 {
		arcOpts.RowGroupSize = cfg.Archive.RowGroupSize
	}
	if cfg.Archive.PageSize > 0 {
		arcOpts.PageSize = cfg.Archive.PageSize
	}

	return Config{
		HotDir:         cfg.TierDir(domain.TierHot.String()),
		WALDir:         cfg.WALDir(),
		WAL:            walOpts,
		Archive:        arcOpts,
		FlushInterval:  cfg.Ingest.Flush.Interval,
		FlushMaxRows:   cfg.Ingest.Flush.MaxRows,
		MaxBufferBytes: cfg.Ingest.Flush.MaxBufferBytes,
		Admission: AdmissionConfig{
			Enabled:  cfg.Ingest.Admission.Enabled,
			Warning:  cfg.Ingest.Admission.Warning,
			Critical: cfg.Ingest.Admission.Critical,
			Cooldown: cfg.Ingest.Admission.Cooldown,
		},
		RecentRows: cfg.Ingest.RecentRows,
	}
}

// tableState is the per-table ingest state: one WAL, one memtable
// keyed by quarter, one preview ring.
type tableState struct {
	mu       sync.Mutex
	name     string
	wal      *wal.Writer
	mem      map[domain.Quarter][]domain.Transaction
	memRows  int
	memBytes int64
	ring     *Ring
	flushSeq int64
}

// insert adds rows to the memtable and ring. Caller holds ts.mu.
// Quarters are always derived from the transaction date, so a row can
// never land in the wrong partition.
func (ts *tableState) insert(rows []domain.Transaction) int64 {
	var bytes int64
	for i := range rows {
		q := domain.QuarterOf(rows[i].TransactionDate)
		rows[i].Quarter = q
		ts.mem[q] = append(ts.mem[q], rows[i])
		bytes += approxRowSize(&rows[i])
		ts.ring.Push(rows[i])
	}
	ts.memRows += len(rows)
	ts.memBytes += bytes
	return bytes
}

// Store is the hot-tier ingest engine. One Store serves all tables.
type Store struct {
	mu  sync.Mutex
	cfg Config
	cat *catalog.Store
	log *slog.Logger

	tables map[string]*tableState

	admission *Controller

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	flushCh chan struct{}

	bufferedBytes atomic.Int64

	rowsAppended atomic.Int64
	rowsFlushed  atomic.Int64
	rowsReplayed atomic.Int64
	rowsRejected atomic.Int64
	flushes      atomic.Int64
	flushErrors  atomic.Int64
}

// New creates a hot store backed by the given catalog.
func New(cfg Config, cat *catalog.Store) *Store {
	s := &Store{
		cfg:     cfg,
		cat:     cat,
		log:     logging.Component("hotstore"),
		tables:  make(map[string]*tableState),
		flushCh: make(chan struct{}, 1),
	}
	s.admission = NewController(cfg.Admission, func(old, new Level) {
		if new > old {
			s.log.Warn("admission level raised", "from", old.String(), "to", new.String())
			s.signalFlush()
		} else {
			s.log.Info("admission level lowered", "from", old.String(), "to", new.String())
		}
	})
	return s
}

// Start launches the background flush worker.
func (s *Store) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("hot store already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.flushWorker(ctx)

	s.log.Info("hot store started",
		"flush_interval", s.cfg.FlushInterval,
		"flush_max_rows", s.cfg.FlushMaxRows,
		"admission", s.cfg.Admission.Enabled)
	return nil
}

// Stop flushes every table, closes the logs, and stops the worker. The
// store cannot be restarted after Stop.
func (s *Store) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	states := make([]*tableState, 0, len(s.tables))
	for _, ts := range s.tables {
		states = append(states, ts)
	}
	s.mu.Unlock()

	var firstErr error
	for _, ts := range states {
		if err := s.flush(ts); err != nil {
			s.log.Error("final flush failed", "table", ts.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := ts.wal.Close(); err != nil {
			s.log.Error("wal close failed", "table", ts.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.log.Info("hot store stopped", "tables", len(states))
	return firstErr
}

// OpenTable attaches a table to the store: its WAL directory is
// created, leftover segments are replayed into the memtable, and a
// fresh segment becomes current. Opening an already open table is a
// no-op.
func (s *Store) OpenTable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[name]; ok {
		return nil
	}

	w, err := wal.NewWriter(filepath.Join(s.cfg.WALDir, name), s.cfg.WAL)
	if err != nil {
		return errors.Wrapf(err, "open wal for %s", name)
	}

	ts := &tableState{
		name: name,
		wal:  w,
		mem:  make(map[domain.Quarter][]domain.Transaction),
		ring: NewRing(s.cfg.RecentRows),
	}

	if err := s.replay(ts); err != nil {
		w.Close()
		return errors.Wrapf(err, "replay wal for %s", name)
	}

	s.tables[name] = ts
	return nil
}

// replay loads rows from segments written before this open. The rows
// re-enter the memtable and flush again; the checkpoint after that
// flush finally deletes the old segments.
func (s *Store) replay(ts *tableState) error {
	segs, err := ts.wal.ListSegments()
	if err != nil {
		return err
	}

	current := ts.wal.CurrentSegment()
	var rows []domain.Transaction
	for _, seg := range segs {
		if seg == current {
			continue
		}
		r, err := wal.ReadSegment(seg)
		if err != nil {
			return err
		}
		rows = append(rows, r...)
	}
	if len(rows) == 0 {
		return nil
	}

	ts.mu.Lock()
	bytes := ts.insert(rows)
	ts.mu.Unlock()
	s.bufferedBytes.Add(bytes)
	s.rowsReplayed.Add(int64(len(rows)))

	s.log.Info("wal replayed",
		"table", ts.name,
		"rows", len(rows),
		"segments", len(segs)-1)
	return nil
}

// DropTable detaches a table and removes its WAL and hot-tier files.
// Buffered rows are discarded with it. Dropping a table that was never
// opened still removes any leftover directories.
func (s *Store) DropTable(name string) error {
	s.mu.Lock()
	ts, ok := s.tables[name]
	if ok {
		delete(s.tables, name)
	}
	s.mu.Unlock()

	if ok {
		ts.mu.Lock()
		s.bufferedBytes.Add(-ts.memBytes)
		ts.mem = nil
		ts.memRows = 0
		ts.memBytes = 0
		err := ts.wal.Close()
		ts.mu.Unlock()
		if err != nil {
			s.log.Warn("wal close failed", "table", name, "error", err)
		}
	}

	if err := os.RemoveAll(filepath.Join(s.cfg.WALDir, name)); err != nil {
		return errors.Wrapf(err, "remove wal for %s", name)
	}
	if err := os.RemoveAll(filepath.Join(s.cfg.HotDir, name)); err != nil {
		return errors.Wrapf(err, "remove hot files for %s", name)
	}
	return nil
}

// Append logs rows to the table's WAL and buffers them for flush. The
// rows are durable per the WAL sync mode once Append returns.
func (s *Store) Append(ctx context.Context, table string, rows []domain.Transaction) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	usage := s.usage()
	if level := s.admission.Check(usage); level >= LevelCritical {
		s.rowsRejected.Add(int64(len(rows)))
		return errors.Wrapf(errors.ErrBackpressure, "table %s: ingest buffer at %.0f%%", table, usage*100)
	}

	ts, err := s.table(table)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	if err := ts.wal.Write(rows); err != nil {
		ts.mu.Unlock()
		return errors.Wrapf(err, "wal write for %s", table)
	}
	bytes := ts.insert(rows)
	memRows := ts.memRows
	ts.mu.Unlock()

	s.bufferedBytes.Add(bytes)
	s.rowsAppended.Add(int64(len(rows)))

	if s.cfg.FlushMaxRows > 0 && memRows >= s.cfg.FlushMaxRows {
		s.signalFlush()
	}
	return nil
}

// FlushTable synchronously flushes one table's buffered rows.
func (s *Store) FlushTable(name string) error {
	ts, err := s.table(name)
	if err != nil {
		return err
	}
	return s.flush(ts)
}

// FlushAll synchronously flushes every open table.
func (s *Store) FlushAll() error {
	var firstErr error
	for _, name := range s.openTables() {
		if err := s.FlushTable(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flush writes a table's buffered rows to hot parquet files, one file
// per quarter, records each in the catalog, then checkpoints the WAL.
// On a partial failure the unflushed quarters go back into the
// memtable and the WAL keeps its segments, so nothing is lost.
func (s *Store) flush(ts *tableState) error {
	ts.mu.Lock()
	if ts.memRows == 0 {
		ts.mu.Unlock()
		return nil
	}

	mem := ts.mem
	rows := ts.memRows
	bytes := ts.memBytes
	ts.mem = make(map[domain.Quarter][]domain.Transaction)
	ts.memRows = 0
	ts.memBytes = 0

	// Rotate before writing: every buffered row lives in a segment
	// older than the new current one, so the checkpoint below cannot
	// delete rows appended during the flush.
	if err := ts.wal.Rotate(); err != nil {
		ts.mem = mem
		ts.memRows = rows
		ts.memBytes = bytes
		ts.mu.Unlock()
		return errors.Wrapf(err, "rotate wal for %s", ts.name)
	}
	checkpoint := ts.wal.CurrentSeq()
	seq := ts.flushSeq
	ts.flushSeq++
	ts.mu.Unlock()

	s.bufferedBytes.Add(-bytes)

	quarters := make([]domain.Quarter, 0, len(mem))
	for q := range mem {
		quarters = append(quarters, q)
	}
	sort.Slice(quarters, func(i, j int) bool {
		return quarters[i].Start().Before(quarters[j].Start())
	})

	start := time.Now()
	var flushedRows int64
	var failed error
	unflushed := make(map[domain.Quarter][]domain.Transaction)
	for _, q := range quarters {
		if failed != nil {
			unflushed[q] = mem[q]
			continue
		}
		if err := s.flushQuarter(ts.name, q, seq, mem[q]); err != nil {
			failed = errors.Wrapf(err, "flush %s/%s", ts.name, q.Label())
			unflushed[q] = mem[q]
			continue
		}
		flushedRows += int64(len(mem[q]))
	}

	if failed != nil {
		s.flushErrors.Add(1)
		var back int64
		ts.mu.Lock()
		for q, batch := range unflushed {
			// Unflushed rows predate anything appended since the swap.
			ts.mem[q] = append(batch, ts.mem[q]...)
			ts.memRows += len(batch)
			for i := range batch {
				back += approxRowSize(&batch[i])
			}
		}
		ts.memBytes += back
		ts.mu.Unlock()
		s.bufferedBytes.Add(back)

		s.rowsFlushed.Add(flushedRows)
		return failed
	}

	if _, err := ts.wal.DeleteSegmentsBefore(checkpoint); err != nil {
		s.log.Warn("wal checkpoint failed", "table", ts.name, "error", err)
	}

	s.rowsFlushed.Add(flushedRows)
	s.flushes.Add(1)
	s.log.Info("table flushed",
		"table", ts.name,
		"rows", flushedRows,
		"quarters", len(quarters),
		"duration", time.Since(start))
	return nil
}

// flushQuarter writes one quarter's rows as a single parquet file and
// records the flush in the catalog. A file that cannot be recorded is
// removed again so the next flush does not double-write its rows.
func (s *Store) flushQuarter(table string, q domain.Quarter, seq int64, rows []domain.Transaction) error {
	dir := filepath.Join(s.cfg.HotDir, table, q.Label())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Zero-padded unix milliseconds keep lexical order chronological.
	name := fmt.Sprintf("%013d-%05d.parquet", time.Now().UnixMilli(), seq)
	path := filepath.Join(dir, name)

	size, err := archive.WriteFile(path, rows, s.cfg.Archive)
	if err != nil {
		return err
	}

	lo, hi := dateRange(rows)
	if err := s.cat.RecordFlush(table, q, 1, size, int64(len(rows)), lo, hi); err != nil {
		os.Remove(path)
		return errors.Wrap(err, "record flush")
	}
	return nil
}

// Recent returns up to n of a table's most recently appended rows,
// newest first. When the preview ring holds fewer than n rows, the
// remainder is read back from the table's newest hot parquet file.
func (s *Store) Recent(table string, n int) ([]domain.Transaction, error) {
	ts, err := s.table(table)
	if err != nil {
		return nil, err
	}

	rows := ts.ring.Recent(n)
	if len(rows) >= n {
		return rows, nil
	}

	fromFile, err := s.newestFileRows(table)
	if err != nil {
		s.log.Debug("recent rows file fallback failed", "table", table, "error", err)
		return rows, nil
	}

	need := n - len(rows)
	seen := make(map[string]bool, len(rows))
	for i := range rows {
		seen[rows[i].TransactionID] = true
	}
	// File rows are in append order, so walk from the end.
	for i := len(fromFile) - 1; i >= 0 && need > 0; i-- {
		if seen[fromFile[i].TransactionID] {
			continue
		}
		rows = append(rows, fromFile[i])
		need--
	}
	return rows, nil
}

// newestFileRows reads the lexically newest parquet file under the
// table's hot directory. Flush filenames embed zero-padded unix
// milliseconds, so the lexically last name is the newest flush.
func (s *Store) newestFileRows(table string) ([]domain.Transaction, error) {
	root := filepath.Join(s.cfg.HotDir, table)
	quarters, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var newest string
	for _, q := range quarters {
		if !q.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, q.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".parquet") {
				continue
			}
			if newest == "" || f.Name() > filepath.Base(newest) {
				newest = filepath.Join(root, q.Name(), f.Name())
			}
		}
	}
	if newest == "" {
		return nil, nil
	}
	return archive.ReadFile(newest)
}

// BufferedRows returns the number of rows buffered for a table.
func (s *Store) BufferedRows(table string) int {
	ts, err := s.table(table)
	if err != nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.memRows
}

// Stats is a point-in-time snapshot of ingest activity.
type Stats struct {
	TablesOpen     int
	RowsAppended   int64
	RowsFlushed    int64
	RowsReplayed   int64
	RowsRejected   int64
	Flushes        int64
	FlushErrors    int64
	BufferedRows   int
	BufferedBytes  int64
	AdmissionLevel string
}

// Stats returns a snapshot of ingest counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	open := len(s.tables)
	var bufRows int
	for _, ts := range s.tables {
		ts.mu.Lock()
		bufRows += ts.memRows
		ts.mu.Unlock()
	}
	s.mu.Unlock()

	return Stats{
		TablesOpen:     open,
		RowsAppended:   s.rowsAppended.Load(),
		RowsFlushed:    s.rowsFlushed.Load(),
		RowsReplayed:   s.rowsReplayed.Load(),
		RowsRejected:   s.rowsRejected.Load(),
		Flushes:        s.flushes.Load(),
		FlushErrors:    s.flushErrors.Load(),
		BufferedRows:   bufRows,
		BufferedBytes:  s.bufferedBytes.Load(),
		AdmissionLevel: s.admission.Level().String(),
	}
}

// flushWorker flushes on a fixed interval and on demand.
func (s *Store) flushWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushDirty()
		case <-s.flushCh:
			s.flushDirty()
		}
	}
}

// flushDirty flushes every table with buffered rows, logging failures
// rather than stopping; a failed table retries on the next cycle.
func (s *Store) flushDirty() {
	for _, name := range s.openTables() {
		ts, err := s.table(name)
		if err != nil {
			continue
		}
		if err := s.flush(ts); err != nil {
			s.log.Error("background flush failed", "table", name, "error", err)
		}
	}
}

// signalFlush nudges the worker without blocking.
func (s *Store) signalFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// openTables returns the open table names in stable order.
func (s *Store) openTables() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// table looks up an open table.
func (s *Store) table(name string) (*tableState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tables[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrTableNotFound, "table %s is not open for ingest", name)
	}
	return ts, nil
}

// usage returns the buffered fraction of the admission budget.
func (s *Store) usage() float64 {
	if s.cfg.MaxBufferBytes <= 0 {
		return 0
	}
	return float64(s.bufferedBytes.Load()) / float64(s.cfg.MaxBufferBytes)
}

// approxRowSize estimates the in-memory footprint of a buffered row.
func approxRowSize(t *domain.Transaction) int64 {
	const base = 120 // struct, decimal, and header overhead
	return int64(base +
		len(t.TransactionID) +
		len(t.CustomerID) +
		len(t.AccountID) +
		len(t.Description) +
		len(t.Type) +
		len(t.Currency))
}

func dateRange(rows []domain.Transaction) (time.Time, time.Time) {
	lo, hi := rows[0].TransactionDate, rows[0].TransactionDate
	for i := 1; i < len(rows); i++ {
		d := rows[i].TransactionDate
		if d.Before(lo) {
			lo = d
		}
		if d.After(hi) {
			hi = d
		}
	}
	return lo, hi
}
