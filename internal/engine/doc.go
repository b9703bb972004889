// Package engine wires the lifecycle components into one service.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Hot Store  │────▶│   Catalog   │◀────│  Evaluator  │
//	│ (WAL/flush) │     │  (sqlite)   │     │ (cron+pool) │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	       │                   ▲                   │
//	       ▼                   │                   ▼
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Hot tier   │     │  Retrieval  │     │  Cool tier  │
//	│  (parquet)  │◀────│  (duckdb)   │◀────│  (parquet)  │
//	└─────────────┘     └─────────────┘     └─────────────┘
//
// The engine owns component construction, startup and shutdown order,
// and exposes the operations the console and daemon call: table and
// policy DDL, binding, ingest, lifecycle runs, archive restores,
// history, and usage accounting. Sessions (internal/session) carry the
// per-connection parameters that govern restore waits.
package engine
