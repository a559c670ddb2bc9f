package history

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/daqstore/internal/measurement"
)

// DefaultAccuracy is the relative accuracy of summary percentiles.
const DefaultAccuracy = 0.01

// KeySummary holds statistics over the retained history of one key.
type KeySummary struct {
	Key string `json:"key"`

	// Basic statistics over valid readings
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`

	// Invalid counts readings the driver flagged as failed
	Invalid int64 `json:"invalid"`

	// Percentiles (nil if no valid readings)
	P50 *float64 `json:"p50,omitempty"`
	P90 *float64 `json:"p90,omitempty"`
	P99 *float64 `json:"p99,omitempty"`

	// Timestamps of the oldest and newest reading, valid or not
	FirstTs int64 `json:"first_ts"`
	LastTs  int64 `json:"last_ts"`
}

// HasPercentiles returns true if percentile data is available.
func (s *KeySummary) HasPercentiles() bool {
	return s.P50 != nil
}

// Aggregate maintains running statistics for one key. Percentiles come
// from a DDSketch.
//
// Aggregate is not safe for concurrent use.
type Aggregate struct {
	key string

	count   int64
	invalid int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64
	seen    bool

	sketch *ddsketch.DDSketch
}

// NewAggregate creates an aggregate for key. Percentiles are disabled if
// the sketch cannot be built for accuracy.
func NewAggregate(key string, accuracy float64) *Aggregate {
	agg := &Aggregate{
		key: key,
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}

	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err == nil {
		agg.sketch = sketch
	}
	return agg
}

// Add adds a reading. Invalid readings only move the time range and the
// invalid counter.
func (a *Aggregate) Add(m measurement.Measurement) {
	if !a.seen || m.TimestampMs < a.firstTs {
		a.firstTs = m.TimestampMs
	}
	if !a.seen || m.TimestampMs > a.lastTs {
		a.lastTs = m.TimestampMs
	}
	a.seen = true

	if !m.Valid {
		a.invalid++
		return
	}

	a.count++
	a.sum += m.Value
	if m.Value < a.min {
		a.min = m.Value
	}
	if m.Value > a.max {
		a.max = m.Value
	}

	// DDSketch rejects NaN and infinities
	if a.sketch != nil && !math.IsNaN(m.Value) && !math.IsInf(m.Value, 0) {
		a.sketch.Add(m.Value)
	}
}

// Result returns the aggregation result.
func (a *Aggregate) Result() KeySummary {
	s := KeySummary{
		Key:     a.key,
		Count:   a.count,
		Invalid: a.invalid,
		Sum:     a.sum,
		FirstTs: a.firstTs,
		LastTs:  a.lastTs,
	}

	if a.count > 0 {
		s.Avg = a.sum / float64(a.count)
		s.Min = a.min
		s.Max = a.max
	}

	if a.sketch != nil && !a.sketch.IsEmpty() {
		p50, err50 := a.sketch.GetValueAtQuantile(0.50)
		p90, err90 := a.sketch.GetValueAtQuantile(0.90)
		p99, err99 := a.sketch.GetValueAtQuantile(0.99)
		if err50 == nil && err90 == nil && err99 == nil {
			s.P50, s.P90, s.P99 = &p50, &p90, &p99
		}
	}

	return s
}

// Summarize returns one summary per key of c, in key order.
func Summarize(c *measurement.Container, accuracy float64) []KeySummary {
	keys := c.Keys()
	out := make([]KeySummary, 0, len(keys))
	for _, key := range keys {
		agg := NewAggregate(key, accuracy)
		for _, m := range c.Series(key) {
			agg.Add(m)
		}
		out = append(out, agg.Result())
	}
	return out
}
