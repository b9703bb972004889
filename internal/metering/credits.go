// Package metering accounts for what operations cost. Archive
// retrieval bills by files and bytes touched, never by rows returned,
// so the credit model is linear in both. Trackers keep DDSketch-backed
// distributions of spend and duration per operation category.
package metering

import (
	"sort"
	"sync"
	"time"
)

// Operation categories recorded by the engine.
const (
	CategoryRestore   = "restore"
	CategoryLifecycle = "lifecycle"
	CategoryFlush     = "flush"
)

const bytesPerGB = 1 << 30

// Rates defines the linear credit model.
type Rates struct {
	// PerFile credits charged per archive file touched.
	PerFile float64

	// PerGB credits charged per gigabyte fetched.
	PerGB float64
}

// Cost returns the credits charged for touching the given number of
// files totaling the given bytes.
func (r Rates) Cost(files int, bytes int64) float64 {
	return float64(files)*r.PerFile + float64(bytes)/bytesPerGB*r.PerGB
}

// Meter accumulates credit spend and durations per operation category.
type Meter struct {
	mu        sync.RWMutex
	rates     Rates
	credits   map[string]*Tracker
	durations map[string]*Tracker
}

// NewMeter creates a meter with the given rates.
func NewMeter(rates Rates) *Meter {
	return &Meter{
		rates:     rates,
		credits:   make(map[string]*Tracker),
		durations: make(map[string]*Tracker),
	}
}

// Rates returns the configured rates.
func (m *Meter) Rates() Rates {
	return m.rates
}

// Cost returns the credits for touching files totaling bytes.
func (m *Meter) Cost(files int, bytes int64) float64 {
	return m.rates.Cost(files, bytes)
}

// Record logs one completed operation: its credit spend and how long
// it took.
func (m *Meter) Record(category string, credits float64, d time.Duration) {
	now := time.Now()

	m.mu.Lock()
	ct, ok := m.credits[category]
	if !ok {
		ct = NewTracker(category)
		m.credits[category] = ct
	}
	dt, ok := m.durations[category]
	if !ok {
		dt = NewTracker(category)
		m.durations[category] = dt
	}
	m.mu.Unlock()

	ct.Observe(credits, now)
	dt.Observe(d.Seconds(), now)
}

// CreditSummary returns the spend distribution for a category.
func (m *Meter) CreditSummary(category string) Summary {
	m.mu.RLock()
	t, ok := m.credits[category]
	m.mu.RUnlock()
	if !ok {
		return Summary{Category: category}
	}
	return t.Result()
}

// DurationSummary returns the duration distribution for a category,
// in seconds.
func (m *Meter) DurationSummary(category string) Summary {
	m.mu.RLock()
	t, ok := m.durations[category]
	m.mu.RUnlock()
	if !ok {
		return Summary{Category: category}
	}
	return t.Result()
}

// CategorySummary pairs the spend and duration views of one category.
type CategorySummary struct {
	Category string
	Credits  Summary
	Duration Summary
}

// Summaries returns every recorded category, sorted by name.
func (m *Meter) Summaries() []CategorySummary {
	m.mu.RLock()
	categories := make([]string, 0, len(m.credits))
	for c := range m.credits {
		categories = append(categories, c)
	}
	m.mu.RUnlock()
	sort.Strings(categories)

	out := make([]CategorySummary, 0, len(categories))
	for _, c := range categories {
		out = append(out, CategorySummary{
			Category: c,
			Credits:  m.CreditSummary(c),
			Duration: m.DurationSummary(c),
		})
	}
	return out
}

// TotalCredits returns the total spend across all categories.
func (m *Meter) TotalCredits() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	for _, t := range m.credits {
		total += t.Result().Sum
	}
	return total
}
