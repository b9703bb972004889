// Package metrics exposes engine counters in the Prometheus exposition
// format. The exporter reads component snapshots at scrape time instead
// of maintaining parallel counters, so the numbers always agree with
// what stats reports.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/catalog"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/engine"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/logging"
)

const namespace = "lifecycled"

// StatsSource supplies the snapshots the exporter publishes. The
// engine satisfies it.
type StatsSource interface {
	Stats() engine.Stats
	TierSummary() ([]catalog.StateSummary, error)
}

// Exporter implements prometheus.Collector over a StatsSource.
type Exporter struct {
	src StatsSource

	up            *prometheus.Desc
	uptime        *prometheus.Desc
	tablesOpen    *prometheus.Desc
	rowsAppended  *prometheus.Desc
	rowsFlushed   *prometheus.Desc
	rowsRejected  *prometheus.Desc
	flushes       *prometheus.Desc
	flushErrors   *prometheus.Desc
	bufferedRows  *prometheus.Desc
	bufferedBytes *prometheus.Desc

	partitions     *prometheus.Desc
	partitionFiles *prometheus.Desc
	partitionBytes *prometheus.Desc
	partitionRows  *prometheus.Desc

	runs           *prometheus.Desc
	actionsApplied *prometheus.Desc
	actionsFailed  *prometheus.Desc
	lastRun        *prometheus.Desc
	nextRun        *prometheus.Desc
	filesMoved     *prometheus.Desc
	filesDeleted   *prometheus.Desc
	bytesFreed     *prometheus.Desc

	restoresActive *prometheus.Desc
	restores       *prometheus.Desc
	credits        *prometheus.Desc
}

// NewExporter creates an exporter publishing the source's snapshots.
func NewExporter(src StatsSource) *Exporter {
	fq := func(name string) string {
		return prometheus.BuildFQName(namespace, "", name)
	}
	return &Exporter{
		src: src,

		up: prometheus.NewDesc(fq("up"),
			"Whether the engine is running.", nil, nil),
		uptime: prometheus.NewDesc(fq("uptime_seconds"),
			"Seconds since the engine started.", nil, nil),
		tablesOpen: prometheus.NewDesc(fq("tables_open"),
			"Tables open for ingest.", nil, nil),
		rowsAppended: prometheus.NewDesc(fq("ingest_rows_appended_total"),
			"Rows accepted into the hot tier.", nil, nil),
		rowsFlushed: prometheus.NewDesc(fq("ingest_rows_flushed_total"),
			"Rows written to hot partition files.", nil, nil),
		rowsRejected: prometheus.NewDesc(fq("ingest_rows_rejected_total"),
			"Rows rejected by admission control.", nil, nil),
		flushes: prometheus.NewDesc(fq("ingest_flushes_total"),
			"Completed memtable flushes.", nil, nil),
		flushErrors: prometheus.NewDesc(fq("ingest_flush_errors_total"),
			"Failed memtable flushes.", nil, nil),
		bufferedRows: prometheus.NewDesc(fq("ingest_buffered_rows"),
			"Rows buffered in memtables awaiting flush.", nil, nil),
		bufferedBytes: prometheus.NewDesc(fq("ingest_buffered_bytes"),
			"Approximate bytes buffered in memtables.", nil, nil),

		partitions: prometheus.NewDesc(fq("partitions"),
			"Partitions per lifecycle state.", []string{"state"}, nil),
		partitionFiles: prometheus.NewDesc(fq("partition_files"),
			"Data files per lifecycle state.", []string{"state"}, nil),
		partitionBytes: prometheus.NewDesc(fq("partition_bytes"),
			"Stored bytes per lifecycle state.", []string{"state"}, nil),
		partitionRows: prometheus.NewDesc(fq("partition_rows"),
			"Stored rows per lifecycle state.", []string{"state"}, nil),

		runs: prometheus.NewDesc(fq("lifecycle_runs_total"),
			"Completed policy evaluation runs.", nil, nil),
		actionsApplied: prometheus.NewDesc(fq("lifecycle_actions_applied_total"),
			"Partition transitions applied by evaluation runs.", nil, nil),
		actionsFailed: prometheus.NewDesc(fq("lifecycle_actions_failed_total"),
			"Partition transitions that failed.", nil, nil),
		lastRun: prometheus.NewDesc(fq("lifecycle_last_run_timestamp_seconds"),
			"Unix time of the last evaluation run, 0 before the first.", nil, nil),
		nextRun: prometheus.NewDesc(fq("lifecycle_next_run_timestamp_seconds"),
			"Unix time of the next scheduled run, 0 when unscheduled.", nil, nil),
		filesMoved: prometheus.NewDesc(fq("mover_files_moved_total"),
			"Files moved to the archive tier.", nil, nil),
		filesDeleted: prometheus.NewDesc(fq("mover_files_deleted_total"),
			"Archive files deleted by expiration.", nil, nil),
		bytesFreed: prometheus.NewDesc(fq("mover_bytes_freed_total"),
			"Bytes freed by expiration.", nil, nil),

		restoresActive: prometheus.NewDesc(fq("restores_active"),
			"Restores currently running.", nil, nil),
		restores: prometheus.NewDesc(fq("restores_total"),
			"Finished restores by outcome.", []string{"status"}, nil),
		credits: prometheus.NewDesc(fq("credits_used_total"),
			"Credits charged across all metered operations.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.up, e.uptime, e.tablesOpen,
		e.rowsAppended, e.rowsFlushed, e.rowsRejected,
		e.flushes, e.flushErrors, e.bufferedRows, e.bufferedBytes,
		e.partitions, e.partitionFiles, e.partitionBytes, e.partitionRows,
		e.runs, e.actionsApplied, e.actionsFailed, e.lastRun, e.nextRun,
		e.filesMoved, e.filesDeleted, e.bytesFreed,
		e.restoresActive, e.restores, e.credits,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector. One engine snapshot feeds
// every metric, so a scrape is internally consistent.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.src.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	running := 0.0
	if s.Running {
		running = 1
	}
	gauge(e.up, running)
	gauge(e.uptime, s.Uptime.Seconds())
	gauge(e.tablesOpen, float64(s.Ingest.TablesOpen))

	counter(e.rowsAppended, float64(s.Ingest.RowsAppended))
	counter(e.rowsFlushed, float64(s.Ingest.RowsFlushed))
	counter(e.rowsRejected, float64(s.Ingest.RowsRejected))
	counter(e.flushes, float64(s.Ingest.Flushes))
	counter(e.flushErrors, float64(s.Ingest.FlushErrors))
	gauge(e.bufferedRows, float64(s.Ingest.BufferedRows))
	gauge(e.bufferedBytes, float64(s.Ingest.BufferedBytes))

	counter(e.runs, float64(s.Lifecycle.Runs))
	counter(e.actionsApplied, float64(s.Lifecycle.ActionsApplied))
	counter(e.actionsFailed, float64(s.Lifecycle.ActionsFailed))
	gauge(e.lastRun, unixOrZero(s.Lifecycle.LastRun))
	gauge(e.nextRun, unixOrZero(s.Lifecycle.NextRun))
	counter(e.filesMoved, float64(s.Mover.FilesMoved))
	counter(e.filesDeleted, float64(s.Mover.FilesDeleted))
	counter(e.bytesFreed, float64(s.Mover.BytesFreed))

	gauge(e.restoresActive, float64(s.Retrieval.Active))
	counter(e.restores, float64(s.Retrieval.Succeeded), "succeeded")
	counter(e.restores, float64(s.Retrieval.Failed), "failed")
	counter(e.restores, float64(s.Retrieval.Canceled), "canceled")
	counter(e.credits, s.Credits)

	summary, err := e.src.TierSummary()
	if err != nil {
		logging.Component("metrics").Debug("tier summary unavailable", "error", err)
		return
	}
	for _, ts := range summary {
		state := ts.State.String()
		gauge(e.partitions, float64(ts.Partitions), state)
		gauge(e.partitionFiles, float64(ts.Files), state)
		gauge(e.partitionBytes, float64(ts.Bytes), state)
		gauge(e.partitionRows, float64(ts.Rows), state)
	}
}

// Handler returns the /metrics endpoint for the source.
func Handler(src StatsSource) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewExporter(src))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func unixOrZero(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix())
}
