// Package backpressure grades the load of a storage engine's queues.
//
// The queues themselves are unbounded. An engine configured with a
// pending limit asks a Controller before each store, and rejects stores
// while the controller reports LevelEmergency.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - queues are filling up, usually a slow backend.
	LevelWarning

	// LevelCritical - close to the limit.
	LevelCritical

	// LevelEmergency - at the limit, new measurements are dropped.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Thresholds are usage ratios at which each level starts.
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// Config configures a controller.
type Config struct {
	Thresholds Thresholds

	// Hysteresis is how far usage must fall below a threshold before the
	// level goes down again.
	Hysteresis float64

	// Cooldown is the minimum time between two evaluations. Zero evaluates
	// on every Check.
	Cooldown time.Duration
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			Warning:   0.5,
			Critical:  0.8,
			Emergency: 1.0,
		},
		Hysteresis: 0.1,
	}
}

// Controller manages backpressure based on a usage ratio.
type Controller struct {
	mu sync.RWMutex

	config Config
	usage  func() float64

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges        int64
	WarningCount        int64
	CriticalCount       int64
	EmergencyCount      int64
	MeasurementsDropped int64
}

// New creates a controller. usage reports the current load, where 1.0
// means the limit is reached.
func New(cfg Config, usage func() float64) *Controller {
	return &Controller{
		config: cfg,
		usage:  usage,
	}
}

// SetOnLevelChange sets the callback for level changes. The callback runs
// with the controller locked and must not call back into it.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates current conditions and updates the level.
func (c *Controller) Check() Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// Respect cooldown
	if c.config.Cooldown > 0 && now.Sub(c.lastCheck) < c.config.Cooldown {
		return Level(c.level.Load())
	}
	c.lastCheck = now

	newLevel := c.determineLevel(c.usage())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}

	return newLevel
}

// determineLevel determines the backpressure level based on usage.
func (c *Controller) determineLevel(usage float64) Level {
	thresholds := c.config.Thresholds
	hysteresis := c.config.Hysteresis
	currentLevel := c.lastLevel

	// Going up (increasing pressure)
	if usage >= thresholds.Emergency {
		return LevelEmergency
	}
	if usage >= thresholds.Critical && currentLevel < LevelCritical {
		return LevelCritical
	}
	if usage >= thresholds.Warning && currentLevel < LevelWarning {
		return LevelWarning
	}

	// Going down (decreasing pressure) - apply hysteresis
	switch currentLevel {
	case LevelEmergency:
		if usage < thresholds.Emergency-hysteresis {
			return c.stepDown(usage)
		}
		return LevelEmergency
	case LevelCritical:
		if usage < thresholds.Critical-hysteresis {
			return c.stepDown(usage)
		}
		return LevelCritical
	case LevelWarning:
		if usage < thresholds.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// stepDown returns the level for usage ignoring hysteresis. A fast drain
// can skip levels on the way down.
func (c *Controller) stepDown(usage float64) Level {
	switch t := c.config.Thresholds; {
	case usage >= t.Critical:
		return LevelCritical
	case usage >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel updates the current level and fires callback.
func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the level of the last Check.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldDrop returns true if measurements should be dropped.
func (c *Controller) ShouldDrop() bool {
	return c.CurrentLevel() == LevelEmergency
}

// RecordDrop records n dropped measurements.
func (c *Controller) RecordDrop(n int) {
	c.mu.Lock()
	c.stats.MeasurementsDropped += int64(n)
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:        c.CurrentLevel().String(),
		LevelChanges:        c.stats.LevelChanges,
		WarningCount:        c.stats.WarningCount,
		CriticalCount:       c.stats.CriticalCount,
		EmergencyCount:      c.stats.EmergencyCount,
		MeasurementsDropped: c.stats.MeasurementsDropped,
		Usage:               c.usage(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel        string  `json:"level"`
	LevelChanges        int64   `json:"level_changes"`
	WarningCount        int64   `json:"warning_count"`
	CriticalCount       int64   `json:"critical_count"`
	EmergencyCount      int64   `json:"emergency_count"`
	MeasurementsDropped int64   `json:"measurements_dropped"`
	Usage               float64 `json:"usage"`
}
