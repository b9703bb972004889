package catalog

// initSchema creates the catalog schema if it doesn't exist.
//
// All timestamps are stored as INTEGER unix milliseconds, matching the
// convention used in partition data files.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tables (
		name TEXT PRIMARY KEY,
		comment TEXT NOT NULL DEFAULT '',
		restored_from TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policies (
		name TEXT PRIMARY KEY,
		predicate TEXT NOT NULL,
		tier TEXT NOT NULL,
		retention_days INTEGER NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bindings (
		table_name TEXT PRIMARY KEY,
		policy_name TEXT NOT NULL,
		bound_at INTEGER NOT NULL,
		effective_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bindings_policy ON bindings(policy_name);

	CREATE TABLE IF NOT EXISTS partitions (
		table_name TEXT NOT NULL,
		quarter TEXT NOT NULL,
		state TEXT NOT NULL,
		files INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		row_count INTEGER NOT NULL DEFAULT 0,
		min_date_ms INTEGER NOT NULL DEFAULT 0,
		max_date_ms INTEGER NOT NULL DEFAULT 0,
		cooled_at INTEGER,
		expired_at INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (table_name, quarter)
	);

	CREATE INDEX IF NOT EXISTS idx_partitions_state ON partitions(state);
	`

	_, err := s.db.Exec(schema)
	return err
}
