package hotstore

import (
	"sync"
	"time"
)

// Level classifies ingest buffer pressure.
type Level int

const (
	// LevelNormal admits everything.
	LevelNormal Level = iota

	// LevelWarning admits appends and requests an early flush.
	LevelWarning

	// LevelCritical rejects appends until the buffer drains.
	LevelCritical
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AdmissionConfig configures ingest load shedding.
type AdmissionConfig struct {
	// Enabled turns admission control on. When false Check always
	// returns LevelNormal.
	Enabled bool

	// Warning is the usage fraction that triggers an early flush.
	Warning float64

	// Critical is the usage fraction above which appends are rejected.
	Critical float64

	// Cooldown is the minimum time between a level change and the
	// next downgrade. Escalations are never delayed.
	Cooldown time.Duration
}

// downgradeMargin is how far usage must fall below a threshold before
// the level steps back down. Without it the level flaps when usage
// hovers at a boundary.
const downgradeMargin = 0.05

// Controller maps buffer usage to an admission level. Escalations
// apply immediately; downgrades wait for the cooldown and for usage to
// clear the hysteresis margin.
type Controller struct {
	mu         sync.Mutex
	cfg        AdmissionConfig
	level      Level
	lastChange time.Time
	changes    int64

	// onChange runs under the controller lock on every transition.
	// Keep it fast: log, bump a counter, signal a channel.
	onChange func(old, new Level)
}

// NewController creates an admission controller. onChange may be nil.
func NewController(cfg AdmissionConfig, onChange func(old, new Level)) *Controller {
	return &Controller{
		cfg:      cfg,
		level:    LevelNormal,
		onChange: onChange,
	}
}

// Check evaluates the usage fraction and returns the admission level
// in effect for this append.
func (c *Controller) Check(usage float64) Level {
	if !c.cfg.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.target(usage)
	if target == c.level {
		return c.level
	}

	if target < c.level && time.Since(c.lastChange) < c.cfg.Cooldown {
		return c.level
	}

	old := c.level
	c.level = target
	c.lastChange = time.Now()
	c.changes++
	if c.onChange != nil {
		c.onChange(old, target)
	}
	return c.level
}

// target maps usage to a level, holding the current level when a
// downgrade has not cleared the hysteresis margin.
func (c *Controller) target(usage float64) Level {
	var raw Level
	switch {
	case usage >= c.cfg.Critical:
		raw = LevelCritical
	case usage >= c.cfg.Warning:
		raw = LevelWarning
	default:
		raw = LevelNormal
	}

	if raw >= c.level {
		return raw
	}

	threshold := c.cfg.Warning
	if c.level == LevelCritical {
		threshold = c.cfg.Critical
	}
	if usage > threshold-downgradeMargin {
		return c.level
	}
	return raw
}

// Level returns the current admission level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Changes returns the number of level transitions so far.
func (c *Controller) Changes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes
}
