package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// Catalog configures the metadata store.
	Catalog CatalogConfig `yaml:"catalog"`

	// Ingest configures the hot-tier ingest pipeline.
	Ingest IngestConfig `yaml:"ingest"`

	// Archive configures the parquet codec for partition files.
	Archive ArchiveConfig `yaml:"archive"`

	// Lifecycle configures policy evaluation.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Retrieval configures archive restore operations.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Session defines session parameter defaults.
	Session SessionConfig `yaml:"session"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON emits JSON log lines instead of text.
	JSON bool `yaml:"json"`
}

// CatalogConfig configures the metadata store.
type CatalogConfig struct {
	// Path is the catalog database file. Defaults to {DataDir}/catalog.db.
	Path string `yaml:"path"`

	// MaxOpenConns limits concurrent database connections.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the idle connection pool size.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// BusyTimeout is how long a statement waits on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// IngestConfig configures the hot-tier ingest pipeline.
type IngestConfig struct {
	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// Flush configures memtable flush behavior.
	Flush FlushConfig `yaml:"flush"`

	// Admission configures ingest load shedding.
	Admission AdmissionConfig `yaml:"admission"`

	// RecentRows is the per-table ring capacity for the recent-rows
	// preview. Zero disables the ring.
	RecentRows int `yaml:"recent_rows"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// FlushConfig configures memtable flush behavior.
type FlushConfig struct {
	// Interval is the background flush interval.
	Interval time.Duration `yaml:"interval"`

	// MaxRows triggers a flush when a table buffers this many rows.
	MaxRows int `yaml:"max_rows"`

	// MaxBufferBytes triggers a flush when the estimated buffered
	// size is reached.
	MaxBufferBytes int64 `yaml:"max_buffer_bytes"`
}

// AdmissionConfig configures ingest load shedding.
type AdmissionConfig struct {
	// Enabled enables admission control.
	Enabled bool `yaml:"enabled"`

	// Warning is the buffer usage fraction that triggers an early
	// flush (0.0-1.0).
	Warning float64 `yaml:"warning"`

	// Critical is the buffer usage fraction above which appends are
	// rejected (0.0-1.0).
	Critical float64 `yaml:"critical"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ArchiveConfig configures the parquet codec for partition files.
type ArchiveConfig struct {
	// Compression is the algorithm: snappy, zstd, lz4, none.
	Compression string `yaml:"compression"`

	// CompressionLevel is the compression level (for zstd: 1-22).
	CompressionLevel int `yaml:"compression_level"`

	// RowGroupSize is the target number of rows per parquet row group.
	RowGroupSize int `yaml:"row_group_size"`

	// PageSize is the parquet page size in bytes.
	PageSize int `yaml:"page_size"`
}

// LifecycleConfig configures policy evaluation.
type LifecycleConfig struct {
	// Schedule is the cron expression for the daily evaluation run.
	Schedule string `yaml:"schedule"`

	// ActivationDelay is how long after a policy is bound before it
	// takes effect.
	ActivationDelay time.Duration `yaml:"activation_delay"`

	// MinRetentionDays is the enforced retention floor for the cool
	// tier. Policies with a shorter retention are rejected.
	MinRetentionDays int `yaml:"min_retention_days"`

	// Workers is the number of parallel partition movers.
	Workers int `yaml:"workers"`
}

// RetrievalConfig configures archive restore operations.
type RetrievalConfig struct {
	// MaxFiles is the hard ceiling on files touched by one restore.
	MaxFiles int `yaml:"max_files"`

	// Parallelism is the number of partitions fetched concurrently.
	Parallelism int `yaml:"parallelism"`

	// MemoryLimit is the DuckDB memory limit for restore scans.
	MemoryLimit string `yaml:"memory_limit"`

	// Credits defines the retrieval cost model.
	Credits CreditRates `yaml:"credits"`
}

// CreditRates defines the linear retrieval cost model. Cost scales
// with files and bytes touched, never with row count.
type CreditRates struct {
	// PerFile credits charged per archive file fetched.
	PerFile float64 `yaml:"per_file"`

	// PerGB credits charged per gigabyte fetched.
	PerGB float64 `yaml:"per_gb"`
}

// SessionConfig defines session parameter defaults.
type SessionConfig struct {
	// StatementTimeout is the default per-statement timeout. Long
	// restores require raising it at the session level.
	StatementTimeout time.Duration `yaml:"statement_timeout"`

	// AbortDetachedQuery cancels a session's running restores when
	// the session closes. Disable it before issuing restores that
	// must survive a disconnect.
	AbortDetachedQuery bool `yaml:"abort_detached_query"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled enables the /metrics HTTP listener.
	Enabled bool `yaml:"enabled"`

	// Listen is the metrics listen address.
	Listen string `yaml:"listen"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/lifecycled/data",
		Logging: LoggingConfig{
			Level: "info",
		},
		Catalog: CatalogConfig{
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			BusyTimeout:  5 * time.Second,
		},
		Ingest: IngestConfig{
			WAL: WALConfig{
				SyncMode:       "async",
				SyncInterval:   time.Second,
				MaxSegmentSize: 64 * 1024 * 1024, // 64MB
			},
			Flush: FlushConfig{
				Interval:       10 * time.Minute,
				MaxRows:        100000,
				MaxBufferBytes: 64 * 1024 * 1024, // 64MB
			},
			Admission: AdmissionConfig{
				Enabled:  true,
				Warning:  0.50,
				Critical: 0.90,
				Cooldown: 30 * time.Second,
			},
			RecentRows: 1000,
		},
		Archive: ArchiveConfig{
			Compression:      "zstd",
			CompressionLevel: 3,
			RowGroupSize:     100000,
			PageSize:         1024 * 1024, // 1MB
		},
		Lifecycle: LifecycleConfig{
			Schedule:         "0 3 * * *", // Daily at 3am
			ActivationDelay:  24 * time.Hour,
			MinRetentionDays: 90,
			Workers:          2,
		},
		Retrieval: RetrievalConfig{
			MaxFiles:    1000,
			Parallelism: 4,
			MemoryLimit: "2GB",
			Credits: CreditRates{
				PerFile: 0.001,
				PerGB:   0.01,
			},
		},
		Session: SessionConfig{
			StatementTimeout:   10 * time.Minute,
			AbortDetachedQuery: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9188",
		},
	}
}
