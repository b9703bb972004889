package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if err := c.Catalog.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("catalog: %w", err))
	}

	if err := c.Ingest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}

	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}

	if err := c.Lifecycle.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: %w", err))
	}

	if err := c.Retrieval.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retrieval: %w", err))
	}

	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("level must be one of: debug, info, warn, error")
	}
}

// Validate checks the catalog configuration.
func (c *CatalogConfig) Validate() error {
	var errs []error

	if c.MaxOpenConns < 0 {
		errs = append(errs, errors.New("max_open_conns must be non-negative"))
	}

	if c.MaxIdleConns < 0 {
		errs = append(errs, errors.New("max_idle_conns must be non-negative"))
	}

	if c.BusyTimeout < 0 {
		errs = append(errs, errors.New("busy_timeout must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingest configuration.
func (c *IngestConfig) Validate() error {
	var errs []error

	validSyncModes := map[string]bool{
		"async": true,
		"sync":  true,
		"":      true, // Empty defaults to async
	}
	if !validSyncModes[c.WAL.SyncMode] {
		errs = append(errs, errors.New("wal.sync_mode must be one of: async, sync"))
	}

	if c.WAL.SyncMode == "async" && c.WAL.SyncInterval <= 0 {
		errs = append(errs, errors.New("wal.sync_interval must be positive for async mode"))
	}

	if c.WAL.MaxSegmentSize < 0 {
		errs = append(errs, errors.New("wal.max_segment_size must be non-negative"))
	}

	if c.Flush.Interval <= 0 {
		errs = append(errs, errors.New("flush.interval must be positive"))
	}

	if c.Flush.MaxRows <= 0 {
		errs = append(errs, errors.New("flush.max_rows must be positive"))
	}

	if c.Flush.MaxBufferBytes < 0 {
		errs = append(errs, errors.New("flush.max_buffer_bytes must be non-negative"))
	}

	if c.Admission.Enabled {
		if c.Admission.Warning <= 0 || c.Admission.Warning >= 1 {
			errs = append(errs, errors.New("admission.warning must be between 0 and 1"))
		}
		if c.Admission.Critical <= 0 || c.Admission.Critical >= 1 {
			errs = append(errs, errors.New("admission.critical must be between 0 and 1"))
		}
		if c.Admission.Warning >= c.Admission.Critical {
			errs = append(errs, errors.New("admission.warning must be < admission.critical"))
		}
		if c.Admission.Cooldown <= 0 {
			errs = append(errs, errors.New("admission.cooldown must be positive"))
		}
	}

	if c.RecentRows < 0 {
		errs = append(errs, errors.New("recent_rows must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	var errs []error

	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression] {
		errs = append(errs, fmt.Errorf("compression must be one of: snappy, zstd, lz4, none"))
	}

	if c.Compression == "zstd" && (c.CompressionLevel < 0 || c.CompressionLevel > 22) {
		errs = append(errs, errors.New("compression_level for zstd must be between 0 and 22"))
	}

	if c.RowGroupSize < 0 {
		errs = append(errs, errors.New("row_group_size must be non-negative"))
	}

	if c.PageSize < 0 {
		errs = append(errs, errors.New("page_size must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the lifecycle configuration.
func (c *LifecycleConfig) Validate() error {
	var errs []error

	if c.Schedule == "" {
		errs = append(errs, errors.New("schedule is required"))
	} else if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}

	if c.ActivationDelay < 0 {
		errs = append(errs, errors.New("activation_delay must be non-negative"))
	}

	if c.MinRetentionDays <= 0 {
		errs = append(errs, errors.New("min_retention_days must be positive"))
	}

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retrieval configuration.
func (c *RetrievalConfig) Validate() error {
	var errs []error

	if c.MaxFiles <= 0 {
		errs = append(errs, errors.New("max_files must be positive"))
	}

	if c.Parallelism <= 0 {
		errs = append(errs, errors.New("parallelism must be positive"))
	}

	if c.Credits.PerFile < 0 {
		errs = append(errs, errors.New("credits.per_file must be non-negative"))
	}

	if c.Credits.PerGB < 0 {
		errs = append(errs, errors.New("credits.per_gb must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the session configuration.
func (c *SessionConfig) Validate() error {
	if c.StatementTimeout <= 0 {
		return errors.New("statement_timeout must be positive")
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.WALDir(),
		c.TierDir("hot"),
		c.TierDir("cool"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.Ingest.WAL.Dir != "" {
		return c.Ingest.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// TierDir returns the directory path for a storage tier.
func (c *Config) TierDir(tier string) string {
	return filepath.Join(c.DataDir, tier)
}

// CatalogPath returns the catalog database file path.
func (c *Config) CatalogPath() string {
	if c.Catalog.Path != "" {
		return c.Catalog.Path
	}
	return filepath.Join(c.DataDir, "catalog.db")
}
