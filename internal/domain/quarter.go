package domain

import (
	"fmt"
	"time"
)

// Quarter identifies one calendar quarter, the engine's partition unit.
// Every transaction belongs to the quarter of its transaction date.
type Quarter struct {
	Year int
	Q    int // 1..4
}

// QuarterOf returns the quarter containing t (UTC).
func QuarterOf(t time.Time) Quarter {
	t = t.UTC()
	return Quarter{
		Year: t.Year(),
		Q:    (int(t.Month())-1)/3 + 1,
	}
}

// Start returns the first day of the quarter at midnight UTC.
func (q Quarter) Start() time.Time {
	month := time.Month((q.Q-1)*3 + 1)
	return time.Date(q.Year, month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the exclusive end of the quarter, i.e. the start of the
// next quarter.
func (q Quarter) End() time.Time {
	return q.Next().Start()
}

// Next returns the following quarter.
func (q Quarter) Next() Quarter {
	if q.Q == 4 {
		return Quarter{Year: q.Year + 1, Q: 1}
	}
	return Quarter{Year: q.Year, Q: q.Q + 1}
}

// Previous returns the preceding quarter.
func (q Quarter) Previous() Quarter {
	if q.Q == 1 {
		return Quarter{Year: q.Year - 1, Q: 4}
	}
	return Quarter{Year: q.Year, Q: q.Q - 1}
}

// Before reports whether q is strictly earlier than other.
func (q Quarter) Before(other Quarter) bool {
	if q.Year != other.Year {
		return q.Year < other.Year
	}
	return q.Q < other.Q
}

// Label returns the canonical quarter label, e.g. "2023-Q1".
func (q Quarter) Label() string {
	return fmt.Sprintf("%04d-Q%d", q.Year, q.Q)
}

// String implements fmt.Stringer.
func (q Quarter) String() string {
	return q.Label()
}

// IsZero reports whether q is the zero value.
func (q Quarter) IsZero() bool {
	return q.Year == 0 && q.Q == 0
}

// Valid reports whether q denotes a real quarter.
func (q Quarter) Valid() bool {
	return q.Year >= 1 && q.Q >= 1 && q.Q <= 4
}

// ParseQuarter parses a canonical quarter label such as "2023-Q1".
func ParseQuarter(s string) (Quarter, error) {
	var q Quarter
	if _, err := fmt.Sscanf(s, "%d-Q%d", &q.Year, &q.Q); err != nil {
		return Quarter{}, fmt.Errorf("invalid quarter label %q", s)
	}
	if !q.Valid() {
		return Quarter{}, fmt.Errorf("invalid quarter label %q", s)
	}
	return q, nil
}

// AgingBoundary returns the sliding cutoff for the aging predicate:
// the first day of the calendar quarter one quarter prior to eval's
// quarter. For eval 2025-11-05 the boundary is 2025-07-01. Rows dated
// before the boundary are considered aged.
func AgingBoundary(eval time.Time) time.Time {
	return QuarterOf(eval).Previous().Start()
}

// Aged reports whether a row dated rowDate counts as aged at eval
// time. The predicate is pure and monotone: once true for a fixed
// rowDate it stays true for every later eval.
func Aged(rowDate, eval time.Time) bool {
	return rowDate.UTC().Before(AgingBoundary(eval))
}

// AgedAsOf reports whether the entire quarter is aged at eval time,
// i.e. every possible row date inside it satisfies the aging
// predicate. This is the partition-level form used by lifecycle
// evaluation.
func (q Quarter) AgedAsOf(eval time.Time) bool {
	return !q.End().After(AgingBoundary(eval))
}

// Midnight truncates t to its date at midnight UTC. Transaction dates
// are normalized through this before storage so date comparisons are
// exact.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
