package catalog

import (
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Policy Types
// =============================================================================

// Policy is the stored form of a lifecycle policy. The predicate is kept
// in its canonical text form; parsing and validation happen above the
// catalog.
type Policy struct {
	Name          string
	Predicate     string
	Tier          string
	RetentionDays int
	Comment       string
	CreatedAt     time.Time
}

// Binding associates a table with its lifecycle policy. A table holds at
// most one binding; binding a new policy replaces the previous one.
type Binding struct {
	Table  string
	Policy string

	// BoundAt is when the binding was created. EffectiveAt is BoundAt
	// plus the activation delay; evaluation skips bindings that are not
	// yet effective.
	BoundAt     time.Time
	EffectiveAt time.Time
}

// =============================================================================
// Policy Operations
// =============================================================================

// CreatePolicy registers a new lifecycle policy.
func (s *Store) CreatePolicy(p *Policy) error {
	if err := ValidateIdentifier(p.Name); err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.Transaction(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM policies WHERE name = ?`, p.Name).Scan(&count); err != nil {
			return fmt.Errorf("check policy: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("policy %s: %w", p.Name, ErrPolicyAlreadyExists)
		}

		_, err := tx.Exec(`
			INSERT INTO policies (name, predicate, tier, retention_days, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.Name, p.Predicate, p.Tier, p.RetentionDays, p.Comment, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert policy: %w", err)
		}

		p.CreatedAt = now
		return nil
	})
}

// GetPolicy retrieves a policy by name.
func (s *Store) GetPolicy(name string) (*Policy, error) {
	p := &Policy{}
	var createdMs int64

	err := s.db.QueryRow(`
		SELECT name, predicate, tier, retention_days, comment, created_at
		FROM policies WHERE name = ?
	`, name).Scan(&p.Name, &p.Predicate, &p.Tier, &p.RetentionDays, &p.Comment, &createdMs)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy %s: %w", name, ErrPolicyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query policy: %w", err)
	}

	p.CreatedAt = time.UnixMilli(createdMs).UTC()
	return p, nil
}

// ListPolicies returns all policies ordered by name.
func (s *Store) ListPolicies() ([]*Policy, error) {
	rows, err := s.db.Query(`
		SELECT name, predicate, tier, retention_days, comment, created_at
		FROM policies ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		p := &Policy{}
		var createdMs int64

		if err := rows.Scan(&p.Name, &p.Predicate, &p.Tier, &p.RetentionDays, &p.Comment, &createdMs); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}

		p.CreatedAt = time.UnixMilli(createdMs).UTC()
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

// DeletePolicy removes a policy. A policy still bound to any table
// cannot be dropped; unbind it first.
func (s *Store) DeletePolicy(name string) error {
	return s.Transaction(func(tx *sql.Tx) error {
		var bound int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM bindings WHERE policy_name = ?`, name).Scan(&bound); err != nil {
			return fmt.Errorf("check bindings: %w", err)
		}
		if bound > 0 {
			return fmt.Errorf("policy %s is bound to %d table(s): %w", name, bound, ErrPolicyBound)
		}

		result, err := tx.Exec(`DELETE FROM policies WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete policy: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("policy %s: %w", name, ErrPolicyNotFound)
		}
		return nil
	})
}

// =============================================================================
// Binding Operations
// =============================================================================

// BindPolicy binds a policy to a table, replacing any previous binding.
func (s *Store) BindPolicy(table, policy string, boundAt, effectiveAt time.Time) error {
	return s.Transaction(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tables WHERE name = ?`, table).Scan(&count); err != nil {
			return fmt.Errorf("check table: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("table %s: %w", table, ErrTableNotFound)
		}

		if err := tx.QueryRow(`SELECT COUNT(*) FROM policies WHERE name = ?`, policy).Scan(&count); err != nil {
			return fmt.Errorf("check policy: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("policy %s: %w", policy, ErrPolicyNotFound)
		}

		_, err := tx.Exec(`
			INSERT INTO bindings (table_name, policy_name, bound_at, effective_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (table_name) DO UPDATE SET
				policy_name = excluded.policy_name,
				bound_at = excluded.bound_at,
				effective_at = excluded.effective_at
		`, table, policy, boundAt.UnixMilli(), effectiveAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("bind policy: %w", err)
		}
		return nil
	})
}

// UnbindPolicy removes the binding from a table.
func (s *Store) UnbindPolicy(table string) error {
	result, err := s.db.Exec(`DELETE FROM bindings WHERE table_name = ?`, table)
	if err != nil {
		return fmt.Errorf("unbind policy: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("table %s: %w", table, ErrBindingNotFound)
	}
	return nil
}

// GetBinding retrieves the binding for a table.
func (s *Store) GetBinding(table string) (*Binding, error) {
	b := &Binding{}
	var boundMs, effectiveMs int64

	err := s.db.QueryRow(`
		SELECT table_name, policy_name, bound_at, effective_at
		FROM bindings WHERE table_name = ?
	`, table).Scan(&b.Table, &b.Policy, &boundMs, &effectiveMs)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("table %s: %w", table, ErrBindingNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query binding: %w", err)
	}

	b.BoundAt = time.UnixMilli(boundMs).UTC()
	b.EffectiveAt = time.UnixMilli(effectiveMs).UTC()
	return b, nil
}

// ListBindings returns all bindings ordered by table name.
func (s *Store) ListBindings() ([]*Binding, error) {
	return s.listBindings(`
		SELECT table_name, policy_name, bound_at, effective_at
		FROM bindings ORDER BY table_name
	`)
}

// ListBindingsForPolicy returns the bindings referencing a policy.
func (s *Store) ListBindingsForPolicy(policy string) ([]*Binding, error) {
	return s.listBindings(`
		SELECT table_name, policy_name, bound_at, effective_at
		FROM bindings WHERE policy_name = ? ORDER BY table_name
	`, policy)
}

func (s *Store) listBindings(query string, args ...interface{}) ([]*Binding, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*Binding
	for rows.Next() {
		b := &Binding{}
		var boundMs, effectiveMs int64

		if err := rows.Scan(&b.Table, &b.Policy, &boundMs, &effectiveMs); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}

		b.BoundAt = time.UnixMilli(boundMs).UTC()
		b.EffectiveAt = time.UnixMilli(effectiveMs).UTC()
		bindings = append(bindings, b)
	}

	return bindings, rows.Err()
}
