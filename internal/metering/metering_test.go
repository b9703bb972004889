package metering

import (
	"math"
	"testing"
	"time"
)

func TestRatesCost(t *testing.T) {
	rates := Rates{PerFile: 0.001, PerGB: 0.01}

	tests := []struct {
		name  string
		files int
		bytes int64
		want  float64
	}{
		{"nothing", 0, 0, 0},
		{"files only", 100, 0, 0.1},
		{"one gigabyte", 0, bytesPerGB, 0.01},
		{"half gigabyte", 0, bytesPerGB / 2, 0.005},
		{"both", 50, 2 * bytesPerGB, 0.05 + 0.02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rates.Cost(tt.files, tt.bytes)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cost(%d, %d) = %v, want %v", tt.files, tt.bytes, got, tt.want)
			}
		})
	}
}

func TestTrackerBasic(t *testing.T) {
	tr := NewTracker("restore")
	now := time.Now()

	for i := 1; i <= 100; i++ {
		tr.Observe(float64(i), now.Add(time.Duration(i)*time.Second))
	}

	s := tr.Result()
	if s.Category != "restore" {
		t.Errorf("category = %s, want restore", s.Category)
	}
	if s.Count != 100 {
		t.Errorf("count = %d, want 100", s.Count)
	}
	if s.Avg != 50.5 {
		t.Errorf("avg = %v, want 50.5", s.Avg)
	}
	if s.Min != 1 || s.Max != 100 {
		t.Errorf("min/max = %v/%v, want 1/100", s.Min, s.Max)
	}
	if s.P50 < 45 || s.P50 > 55 {
		t.Errorf("p50 = %v, want ~50", s.P50)
	}
	if s.P99 < 93 || s.P99 > 105 {
		t.Errorf("p99 = %v, want ~99", s.P99)
	}
	if !s.LastAt.After(s.FirstAt) {
		t.Errorf("timestamps not ordered: first %v last %v", s.FirstAt, s.LastAt)
	}
}

func TestTrackerEmpty(t *testing.T) {
	tr := NewTracker("idle")
	s := tr.Result()
	if s.Count != 0 || s.Sum != 0 || s.Avg != 0 || s.Min != 0 || s.Max != 0 {
		t.Errorf("empty tracker summary not zero: %+v", s)
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker("restore")
	tr.Observe(10, time.Now())
	tr.Observe(20, time.Now())
	tr.Reset()

	s := tr.Result()
	if s.Count != 0 {
		t.Errorf("count after reset = %d, want 0", s.Count)
	}

	tr.Observe(5, time.Now())
	s = tr.Result()
	if s.Count != 1 || s.Min != 5 || s.Max != 5 {
		t.Errorf("tracker unusable after reset: %+v", s)
	}
}

func TestTrackerMerge(t *testing.T) {
	a := NewTracker("restore")
	b := NewTracker("restore")
	now := time.Now()

	for i := 1; i <= 50; i++ {
		a.Observe(float64(i), now)
	}
	for i := 51; i <= 100; i++ {
		b.Observe(float64(i), now)
	}

	a.Merge(b)
	s := a.Result()
	if s.Count != 100 {
		t.Errorf("merged count = %d, want 100", s.Count)
	}
	if s.Min != 1 || s.Max != 100 {
		t.Errorf("merged min/max = %v/%v, want 1/100", s.Min, s.Max)
	}
	if s.P90 < 85 || s.P90 > 95 {
		t.Errorf("merged p90 = %v, want ~90", s.P90)
	}

	// Merging an empty tracker changes nothing.
	a.Merge(NewTracker("restore"))
	if got := a.Result().Count; got != 100 {
		t.Errorf("count after empty merge = %d, want 100", got)
	}
}

func TestMeterRecord(t *testing.T) {
	m := NewMeter(Rates{PerFile: 0.001, PerGB: 0.01})

	m.Record(CategoryRestore, 1.5, 2*time.Second)
	m.Record(CategoryRestore, 2.5, 4*time.Second)
	m.Record(CategoryLifecycle, 0.1, time.Second)

	cs := m.CreditSummary(CategoryRestore)
	if cs.Count != 2 || cs.Sum != 4.0 {
		t.Errorf("restore credits = count %d sum %v, want 2/4.0", cs.Count, cs.Sum)
	}

	ds := m.DurationSummary(CategoryRestore)
	if ds.Count != 2 || ds.Avg != 3.0 {
		t.Errorf("restore durations = count %d avg %v, want 2/3.0", ds.Count, ds.Avg)
	}

	if got := m.TotalCredits(); math.Abs(got-4.1) > 1e-9 {
		t.Errorf("total credits = %v, want 4.1", got)
	}

	sums := m.Summaries()
	if len(sums) != 2 {
		t.Fatalf("summaries = %d categories, want 2", len(sums))
	}
	// Sorted by category name.
	if sums[0].Category != CategoryLifecycle || sums[1].Category != CategoryRestore {
		t.Errorf("summary order = %s, %s", sums[0].Category, sums[1].Category)
	}
}

func TestMeterUnknownCategory(t *testing.T) {
	m := NewMeter(Rates{})
	s := m.CreditSummary("nope")
	if s.Count != 0 || s.Category != "nope" {
		t.Errorf("unknown category summary = %+v", s)
	}
	if m.TotalCredits() != 0 {
		t.Errorf("total credits = %v, want 0", m.TotalCredits())
	}
}
