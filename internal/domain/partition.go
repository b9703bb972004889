package domain

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a partition.
type State int

const (
	// StateHot means the partition lives in standard storage and is
	// directly queryable.
	StateHot State = iota

	// StateCool means the partition has been moved to archive storage
	// and is only reachable through an explicit restore.
	StateCool

	// StateExpired means the partition's files have been permanently
	// deleted. Terminal.
	StateExpired
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateHot:
		return "HOT"
	case StateCool:
		return "COOL"
	case StateExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ParseState parses a string into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "HOT":
		return StateHot, nil
	case "COOL":
		return StateCool, nil
	case "EXPIRED":
		return StateExpired, nil
	default:
		return StateHot, fmt.Errorf("unknown partition state: %s", s)
	}
}

// AllStates returns all lifecycle states in order.
func AllStates() []State {
	return []State{StateHot, StateCool, StateExpired}
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle step. Only HOT to COOL and COOL to EXPIRED are allowed; a
// partition may never skip the cool tier and EXPIRED is terminal.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateHot:
		return next == StateCool
	case StateCool:
		return next == StateExpired
	default:
		return false
	}
}

// Tier returns the storage class holding a partition in this state.
// Expired partitions have no storage.
func (s State) Tier() Tier {
	if s == StateCool {
		return TierCool
	}
	return TierHot
}

// Partition is one table/quarter storage unit and its lifecycle state.
type Partition struct {
	Table   string
	Quarter Quarter
	State   State

	// Storage footprint, maintained by the catalog as files are
	// flushed, moved, and deleted.
	Files int
	Bytes int64
	Rows  int64

	// Observed transaction-date bounds of the stored rows.
	MinDate time.Time
	MaxDate time.Time

	// Transition timestamps. CooledAt starts the retention clock.
	CooledAt  *time.Time
	ExpiredAt *time.Time
}

// Key returns a unique identifier for the partition.
func (p *Partition) Key() string {
	return p.Table + "/" + p.Quarter.Label()
}

// TimeInCool returns how long the partition has been in the cool tier
// as of now. Zero if it never cooled.
func (p *Partition) TimeInCool(now time.Time) time.Duration {
	if p.CooledAt == nil {
		return 0
	}
	return now.Sub(*p.CooledAt)
}

// OverlapsDateRange reports whether the partition could hold rows in
// the inclusive date range [from, to]. Zero bounds are open.
func (p *Partition) OverlapsDateRange(from, to time.Time) bool {
	if p.MinDate.IsZero() || p.MaxDate.IsZero() {
		return true
	}
	if !from.IsZero() && p.MaxDate.Before(from) {
		return false
	}
	if !to.IsZero() && p.MinDate.After(to) {
		return false
	}
	return true
}
