package catalog

import (
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Table Types
// =============================================================================

// Table represents a managed dataset registered in the catalog.
type Table struct {
	Name    string
	Comment string

	// RestoredFrom names the source table when this table was produced
	// by an archive retrieval. Empty for directly created tables.
	RestoredFrom string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// Table Operations
// =============================================================================

// CreateTable registers a new table.
func (s *Store) CreateTable(t *Table) error {
	if err := ValidateIdentifier(t.Name); err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.Transaction(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tables WHERE name = ?`, t.Name).Scan(&count); err != nil {
			return fmt.Errorf("check table: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("table %s: %w", t.Name, ErrTableAlreadyExists)
		}

		_, err := tx.Exec(`
			INSERT INTO tables (name, comment, restored_from, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, t.Name, t.Comment, t.RestoredFrom, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert table: %w", err)
		}

		t.CreatedAt = now
		t.UpdatedAt = now
		return nil
	})
}

// GetTable retrieves a table by name.
func (s *Store) GetTable(name string) (*Table, error) {
	t := &Table{}
	var createdMs, updatedMs int64

	err := s.db.QueryRow(`
		SELECT name, comment, restored_from, created_at, updated_at
		FROM tables WHERE name = ?
	`, name).Scan(&t.Name, &t.Comment, &t.RestoredFrom, &createdMs, &updatedMs)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("table %s: %w", name, ErrTableNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query table: %w", err)
	}

	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	t.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return t, nil
}

// ListTables returns all tables ordered by name.
func (s *Store) ListTables() ([]*Table, error) {
	rows, err := s.db.Query(`
		SELECT name, comment, restored_from, created_at, updated_at
		FROM tables ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []*Table
	for rows.Next() {
		t := &Table{}
		var createdMs, updatedMs int64

		if err := rows.Scan(&t.Name, &t.Comment, &t.RestoredFrom, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}

		t.CreatedAt = time.UnixMilli(createdMs).UTC()
		t.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		tables = append(tables, t)
	}

	return tables, rows.Err()
}

// TableExists checks if a table exists.
func (s *Store) TableExists(name string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tables WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// TouchTable updates a table's updated_at timestamp.
func (s *Store) TouchTable(name string) error {
	_, err := s.db.Exec(`UPDATE tables SET updated_at = ? WHERE name = ?`,
		time.Now().UTC().UnixMilli(), name)
	return err
}

// DeleteTable removes a table along with its partitions and binding.
func (s *Store) DeleteTable(name string) error {
	return s.Transaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`DELETE FROM tables WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete table: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("table %s: %w", name, ErrTableNotFound)
		}

		if _, err := tx.Exec(`DELETE FROM partitions WHERE table_name = ?`, name); err != nil {
			return fmt.Errorf("delete partitions: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM bindings WHERE table_name = ?`, name); err != nil {
			return fmt.Errorf("delete binding: %w", err)
		}
		return nil
	})
}
