package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
)

// =============================================================================
// Partition Operations
// =============================================================================

// RecordFlush folds a freshly written data file into a partition's
// stats, creating the partition in the HOT state if it does not exist.
func (s *Store) RecordFlush(table string, q domain.Quarter, files int, bytes, rowCount int64, minDate, maxDate time.Time) error {
	now := time.Now().UTC().UnixMilli()

	_, err := s.db.Exec(`
		INSERT INTO partitions (table_name, quarter, state, files, bytes, row_count, min_date_ms, max_date_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, quarter) DO UPDATE SET
			files = files + excluded.files,
			bytes = bytes + excluded.bytes,
			row_count = row_count + excluded.row_count,
			min_date_ms = MIN(min_date_ms, excluded.min_date_ms),
			max_date_ms = MAX(max_date_ms, excluded.max_date_ms),
			updated_at = excluded.updated_at
	`, table, q.Label(), domain.StateHot.String(), files, bytes, rowCount,
		minDate.UnixMilli(), maxDate.UnixMilli(), now)

	if err != nil {
		return fmt.Errorf("record flush: %w", err)
	}
	return nil
}

// GetPartition retrieves a partition by table and quarter.
func (s *Store) GetPartition(table string, q domain.Quarter) (*domain.Partition, error) {
	row := s.db.QueryRow(`
		SELECT table_name, quarter, state, files, bytes, row_count, min_date_ms, max_date_ms, cooled_at, expired_at
		FROM partitions WHERE table_name = ? AND quarter = ?
	`, table, q.Label())

	p, err := scanPartition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("partition %s/%s: %w", table, q.Label(), ErrPartitionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query partition: %w", err)
	}
	return p, nil
}

// ListPartitions returns all partitions of a table ordered by quarter.
func (s *Store) ListPartitions(table string) ([]*domain.Partition, error) {
	return s.listPartitions(`
		SELECT table_name, quarter, state, files, bytes, row_count, min_date_ms, max_date_ms, cooled_at, expired_at
		FROM partitions WHERE table_name = ? ORDER BY quarter
	`, table)
}

// ListPartitionsByState returns all partitions in a given state across
// all tables, ordered by table then quarter.
func (s *Store) ListPartitionsByState(state domain.State) ([]*domain.Partition, error) {
	return s.listPartitions(`
		SELECT table_name, quarter, state, files, bytes, row_count, min_date_ms, max_date_ms, cooled_at, expired_at
		FROM partitions WHERE state = ? ORDER BY table_name, quarter
	`, state.String())
}

// TransitionPartition moves a partition from one lifecycle state to the
// next. Illegal steps are rejected before touching the database, and the
// update is conditional on the current state so concurrent movers cannot
// double-apply a transition.
func (s *Store) TransitionPartition(table string, q domain.Quarter, from, to domain.State, at time.Time) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%s to %s: %w", from, to, ErrInvalidTransition)
	}

	var stampCol string
	switch to {
	case domain.StateCool:
		stampCol = "cooled_at"
	case domain.StateExpired:
		stampCol = "expired_at"
	}

	result, err := s.db.Exec(`
		UPDATE partitions SET state = ?, `+stampCol+` = ?, updated_at = ?
		WHERE table_name = ? AND quarter = ? AND state = ?
	`, to.String(), at.UnixMilli(), time.Now().UTC().UnixMilli(),
		table, q.Label(), from.String())

	if err != nil {
		return fmt.Errorf("transition partition: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a missing partition from a state mismatch.
		if _, getErr := s.GetPartition(table, q); getErr != nil {
			return getErr
		}
		return fmt.Errorf("partition %s/%s is not %s: %w", table, q.Label(), from, ErrInvalidTransition)
	}
	return nil
}

// SetPartitionStats overwrites a partition's storage footprint. Used
// when files are rewritten or deleted rather than added.
func (s *Store) SetPartitionStats(table string, q domain.Quarter, files int, bytes, rowCount int64) error {
	result, err := s.db.Exec(`
		UPDATE partitions SET files = ?, bytes = ?, row_count = ?, updated_at = ?
		WHERE table_name = ? AND quarter = ?
	`, files, bytes, rowCount, time.Now().UTC().UnixMilli(), table, q.Label())

	if err != nil {
		return fmt.Errorf("set partition stats: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("partition %s/%s: %w", table, q.Label(), ErrPartitionNotFound)
	}
	return nil
}

// =============================================================================
// Aggregate Stats
// =============================================================================

// StateSummary aggregates partition footprint per lifecycle state.
type StateSummary struct {
	State      domain.State
	Partitions int
	Files      int64
	Bytes      int64
	Rows       int64
}

// Summary returns per-state partition totals across all tables.
func (s *Store) Summary() ([]StateSummary, error) {
	rows, err := s.db.Query(`
		SELECT state, COUNT(*), COALESCE(SUM(files), 0), COALESCE(SUM(bytes), 0), COALESCE(SUM(row_count), 0)
		FROM partitions GROUP BY state ORDER BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var summaries []StateSummary
	for rows.Next() {
		var sum StateSummary
		var state string

		if err := rows.Scan(&state, &sum.Partitions, &sum.Files, &sum.Bytes, &sum.Rows); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}

		st, err := domain.ParseState(state)
		if err != nil {
			return nil, err
		}
		sum.State = st
		summaries = append(summaries, sum)
	}

	return summaries, rows.Err()
}

// =============================================================================
// Scan Helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPartition(r rowScanner) (*domain.Partition, error) {
	var (
		p         domain.Partition
		quarter   string
		state     string
		minMs     int64
		maxMs     int64
		cooledMs  sql.NullInt64
		expiredMs sql.NullInt64
	)

	if err := r.Scan(&p.Table, &quarter, &state, &p.Files, &p.Bytes, &p.Rows,
		&minMs, &maxMs, &cooledMs, &expiredMs); err != nil {
		return nil, err
	}

	q, err := domain.ParseQuarter(quarter)
	if err != nil {
		return nil, fmt.Errorf("parse quarter: %w", err)
	}
	p.Quarter = q

	st, err := domain.ParseState(state)
	if err != nil {
		return nil, err
	}
	p.State = st

	p.MinDate = time.UnixMilli(minMs).UTC()
	p.MaxDate = time.UnixMilli(maxMs).UTC()

	if cooledMs.Valid {
		t := time.UnixMilli(cooledMs.Int64).UTC()
		p.CooledAt = &t
	}
	if expiredMs.Valid {
		t := time.UnixMilli(expiredMs.Int64).UTC()
		p.ExpiredAt = &t
	}

	return &p, nil
}

func (s *Store) listPartitions(query string, args ...interface{}) ([]*domain.Partition, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var partitions []*domain.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}

	return partitions, rows.Err()
}
