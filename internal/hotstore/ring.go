package hotstore

import (
	"sync"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
)

// Ring is a fixed-capacity ring of the most recently appended rows.
// Once full, new rows overwrite the oldest. It backs the recent-rows
// preview and is never a source of truth: rows reach the WAL before
// they reach the ring.
type Ring struct {
	mu       sync.Mutex
	data     []domain.Transaction
	head     int // next write position
	count    int
	capacity int

	pushed      int64
	overwritten int64
}

// NewRing creates a ring holding up to capacity rows. A capacity of
// zero disables the ring: pushes are dropped and Recent returns nil.
func NewRing(capacity int) *Ring {
	r := &Ring{capacity: capacity}
	if capacity > 0 {
		r.data = make([]domain.Transaction, capacity)
	}
	return r
}

// Push adds a row, overwriting the oldest when the ring is full.
func (r *Ring) Push(t domain.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity == 0 {
		return
	}

	if r.count == r.capacity {
		r.overwritten++
	} else {
		r.count++
	}
	r.data[r.head] = t
	r.head = (r.head + 1) % r.capacity
	r.pushed++
}

// Recent returns up to n rows, newest first.
func (r *Ring) Recent(n int) []domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	out := make([]domain.Transaction, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + r.capacity) % r.capacity
		out = append(out, r.data[idx])
	}
	return out
}

// Len returns the number of buffered rows.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return r.capacity
}

// Clear drops all rows.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.count = 0
}

// RingStats holds ring counters.
type RingStats struct {
	Len         int
	Cap         int
	Pushed      int64
	Overwritten int64
}

// Stats returns a snapshot of ring counters.
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Len:         r.count,
		Cap:         r.capacity,
		Pushed:      r.pushed,
		Overwritten: r.overwritten,
	}
}
