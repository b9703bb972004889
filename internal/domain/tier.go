package domain

import (
	"fmt"
	"time"
)

// Tier represents a storage class with specific cost and retrieval
// characteristics.
type Tier int

const (
	// TierHot is standard storage. Rows are directly queryable and
	// retrieval is immediate.
	TierHot Tier = iota

	// TierCool is archive storage. Cheaper per byte, but data is only
	// reachable through an explicit restore with a filter predicate,
	// and a restore may run for a very long time.
	TierCool
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierCool:
		return "cool"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// IsArchive returns true if data in this tier requires an explicit
// restore operation to be queried.
func (t Tier) IsArchive() bool {
	return t == TierCool
}

// MaxRetrievalDuration returns the upper bound on how long a restore
// from this tier may run. Callers must raise session timeouts to at
// least this value before restoring.
func (t Tier) MaxRetrievalDuration() time.Duration {
	switch t {
	case TierHot:
		return 0
	case TierCool:
		return 48 * time.Hour
	default:
		return 0
	}
}

// ParseTier parses a string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "hot":
		return TierHot, nil
	case "cool":
		return TierCool, nil
	default:
		return TierHot, fmt.Errorf("unknown tier: %s", s)
	}
}

// AllTiers returns all storage tiers in temperature order.
func AllTiers() []Tier {
	return []Tier{TierHot, TierCool}
}
