package metering

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Tracker maintains running statistics for one category of
// observations: count, sum, min, max, and DDSketch-backed percentiles.
// A Tracker never resets on its own; it covers the life of the process
// unless Reset is called.
type Tracker struct {
	mu sync.Mutex

	category string

	count   int64
	sum     float64
	min     float64
	max     float64
	firstAt int64 // Unix milliseconds
	lastAt  int64

	sketch *ddsketch.DDSketch
}

// defaultAccuracy is the DDSketch relative accuracy (1%).
const defaultAccuracy = 0.01

// NewTracker creates a tracker with the default percentile accuracy.
func NewTracker(category string) *Tracker {
	return NewTrackerWithAccuracy(category, defaultAccuracy)
}

// NewTrackerWithAccuracy creates a tracker with a custom DDSketch
// relative accuracy.
func NewTrackerWithAccuracy(category string, accuracy float64) *Tracker {
	t := &Tracker{
		category: category,
		min:      math.MaxFloat64,
		max:      -math.MaxFloat64,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
		t.sketch = sketch
	}
	return t
}

// Observe records one value at the given time.
func (t *Tracker) Observe(value float64, at time.Time) {
	ms := at.UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	t.sum += value

	if value < t.min {
		t.min = value
	}
	if value > t.max {
		t.max = value
	}

	if t.firstAt == 0 || ms < t.firstAt {
		t.firstAt = ms
	}
	if ms > t.lastAt {
		t.lastAt = ms
	}

	if t.sketch != nil {
		t.sketch.Add(value)
	}
}

// Count returns the number of observations.
func (t *Tracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Summary is a point-in-time snapshot of a tracker.
type Summary struct {
	Category string
	Count    int64
	Sum      float64
	Avg      float64
	Min      float64
	Max      float64
	P50      float64
	P90      float64
	P95      float64
	P99      float64
	FirstAt  time.Time
	LastAt   time.Time
}

// Result returns the tracker's current summary.
func (t *Tracker) Result() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		Category: t.category,
		Count:    t.count,
		Sum:      t.sum,
	}

	if t.count > 0 {
		s.Avg = t.sum / float64(t.count)
		s.Min = t.min
		s.Max = t.max
		s.FirstAt = time.UnixMilli(t.firstAt).UTC()
		s.LastAt = time.UnixMilli(t.lastAt).UTC()
	}

	if t.sketch != nil && t.count > 0 {
		s.P50, _ = t.sketch.GetValueAtQuantile(0.50)
		s.P90, _ = t.sketch.GetValueAtQuantile(0.90)
		s.P95, _ = t.sketch.GetValueAtQuantile(0.95)
		s.P99, _ = t.sketch.GetValueAtQuantile(0.99)
	}

	return s
}

// Reset clears all observations.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count = 0
	t.sum = 0
	t.min = math.MaxFloat64
	t.max = -math.MaxFloat64
	t.firstAt = 0
	t.lastAt = 0

	if t.sketch != nil {
		// DDSketch has no clear; swap in a fresh one.
		if sketch, err := ddsketch.NewDefaultDDSketch(defaultAccuracy); err == nil {
			t.sketch = sketch
		}
	}
}

// Merge combines another tracker into this one. The two trackers must
// not merge each other concurrently.
func (t *Tracker) Merge(other *Tracker) {
	if other == nil {
		return
	}

	t.mu.Lock()
	other.mu.Lock()
	defer t.mu.Unlock()
	defer other.mu.Unlock()

	if other.count == 0 {
		return
	}

	t.count += other.count
	t.sum += other.sum

	if other.min < t.min {
		t.min = other.min
	}
	if other.max > t.max {
		t.max = other.max
	}

	if t.firstAt == 0 || (other.firstAt != 0 && other.firstAt < t.firstAt) {
		t.firstAt = other.firstAt
	}
	if other.lastAt > t.lastAt {
		t.lastAt = other.lastAt
	}

	if t.sketch != nil && other.sketch != nil {
		t.sketch.MergeWith(other.sketch)
	}
}
