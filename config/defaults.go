// Package config provides configuration defaults and utilities
// for the lifecycled application.
//
// This package defines all configurable constants with documented defaults.
// Users can override engine settings via config.yaml; the constants here
// cover the daemon and console surfaces that sit above the engine.
package config

import "time"

// =============================================================================
// Daemon Defaults
// =============================================================================

const (
	// DefaultConfigPath is where the daemon looks for its configuration
	// when -config is not given.
	DefaultConfigPath = "/etc/lifecycled/config.yaml"

	// DefaultShutdownTimeout is how long to wait for in-flight work
	// during shutdown. After this timeout, remaining tasks are abandoned.
	DefaultShutdownTimeout = 30 * time.Second
)

// =============================================================================
// Identifier Defaults
// =============================================================================

const (
	// MaxIdentifierLength is the maximum length of table and policy names.
	MaxIdentifierLength = 128
)

// =============================================================================
// Retrieval Planning Defaults
// =============================================================================

const (
	// FileFetchEstimate is the planning-time duration attributed to
	// fetching one archive file. Restore duration estimates are
	// files * FileFetchEstimate, capped at the tier's retrieval bound.
	FileFetchEstimate = 15 * time.Second
)

// =============================================================================
// Console Defaults
// =============================================================================

const (
	// DefaultHistoryLimit is the number of audit rows shown by the
	// history commands when no limit is given.
	DefaultHistoryLimit = 50

	// DefaultSeedRows is the row count per quarter produced by the
	// console seed command.
	DefaultSeedRows = 250

	// DefaultSeedQuarters is the number of trailing quarters the seed
	// command generates rows for.
	DefaultSeedQuarters = 6
)
