// Package archive implements Parquet file reading and writing for
// transaction partitions.
//
// The package provides:
//   - Writer/Reader for partition data files in hot and cool tiers
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Type conversion between domain rows and the on-disk column layout
//
// Dates and timestamps are stored as int64 unix milliseconds and amounts
// as int64 cents, so engine-side scans compare plain integers.
package archive
