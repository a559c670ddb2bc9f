// Package measurement defines the measurement container shared by drivers,
// the live history registry and the storage pipeline.
//
// A Container holds, for one source (controller, sensor or hardware unit),
// one ordered sequence of measurements per measurement type key. Inserts
// are O(1) appends; ordering and retention are enforced when containers
// are merged.
package measurement

import (
	"slices"
	"time"
)

// Unlimited disables the retention cap of a container.
const Unlimited = -1

// Measurement is a single timestamped reading produced by a driver.
// The pipeline orders measurements by TimestampMs and treats the rest
// as opaque payload.
type Measurement struct {
	TimestampMs int64 `json:"timestamp_ms"` // Unix timestamp in milliseconds

	Value float64 `json:"value"`          // Numeric reading
	Text  string  `json:"text,omitempty"` // Textual reading (status strings, firmware versions)

	Valid bool   `json:"valid"`           // False if the driver reported a failed reading
	Error string `json:"error,omitempty"` // Driver error for invalid readings
}

// At returns a valid numeric measurement taken at ts.
func At(ts time.Time, value float64) Measurement {
	return Measurement{TimestampMs: ts.UnixMilli(), Value: value, Valid: true}
}

// Time returns the timestamp as a time.Time.
func (m Measurement) Time() time.Time {
	return time.UnixMilli(m.TimestampMs)
}

// Kind names the concrete type of a container (for example "thermocouple"
// or "kepco-psu"). Only containers of the same kind can be merged.
type Kind string

// Container is a per-source collection of measurement sequences keyed by
// measurement type.
//
// Container is not safe for concurrent use. The storage pipeline always
// works on deep copies (see Clone).
type Container struct {
	id        string
	kind      Kind
	maxStored int

	series map[string][]Measurement
	keys   []string // insertion order of keys
}

// New creates an empty container for source id. maxStored caps every
// key's sequence length on merge; pass Unlimited (or any negative value)
// to keep everything.
func New(id string, kind Kind, maxStored int) *Container {
	if maxStored < 0 {
		maxStored = Unlimited
	}
	return &Container{
		id:        id,
		kind:      kind,
		maxStored: maxStored,
		series:    make(map[string][]Measurement),
	}
}

// ID returns the identifier of the device the data originated from.
func (c *Container) ID() string { return c.id }

// Kind returns the concrete container type.
func (c *Container) Kind() Kind { return c.kind }

// MaxStored returns the per-key retention cap, or Unlimited.
func (c *Container) MaxStored() int { return c.maxStored }

// SetMaxStored changes the retention cap used by later merges.
func (c *Container) SetMaxStored(n int) {
	if n < 0 {
		n = Unlimited
	}
	c.maxStored = n
}

// Insert appends m to the sequence for key, creating the key if absent.
// The sequence is not re-sorted.
func (c *Container) Insert(key string, m Measurement) {
	seq, ok := c.series[key]
	if !ok {
		c.keys = append(c.keys, key)
	}
	c.series[key] = append(seq, m)
}

// InsertAll appends several measurements to the sequence for key.
func (c *Container) InsertAll(key string, ms ...Measurement) {
	for _, m := range ms {
		c.Insert(key, m)
	}
}

// Keys returns the measurement type keys in the order they were first seen.
func (c *Container) Keys() []string {
	return slices.Clone(c.keys)
}

// Has reports whether key exists in the container.
func (c *Container) Has(key string) bool {
	_, ok := c.series[key]
	return ok
}

// Series returns a copy of the sequence stored for key.
func (c *Container) Series(key string) []Measurement {
	return slices.Clone(c.series[key])
}

// Len returns the number of measurements stored for key.
func (c *Container) Len(key string) int {
	return len(c.series[key])
}

// Size returns the logical length of the container: the total number of
// measurements across all keys, not the number of keys.
func (c *Container) Size() int {
	n := 0
	for _, seq := range c.series {
		n += len(seq)
	}
	return n
}

// IsEmpty returns true if the container holds no measurements.
func (c *Container) IsEmpty() bool {
	return c.Size() == 0
}

// MostRecent returns the last measurement of every non-empty key. Stored
// history is left untouched.
func (c *Container) MostRecent() map[string]Measurement {
	recent := make(map[string]Measurement, len(c.series))
	for key, seq := range c.series {
		if len(seq) == 0 {
			continue
		}
		recent[key] = seq[len(seq)-1]
	}
	return recent
}

// SortChronologically sorts every sequence by timestamp, in place. The sort
// is stable: readings sharing a timestamp keep their insertion order.
func (c *Container) SortChronologically() {
	for _, seq := range c.series {
		slices.SortStableFunc(seq, func(a, b Measurement) int {
			switch {
			case a.TimestampMs < b.TimestampMs:
				return -1
			case a.TimestampMs > b.TimestampMs:
				return 1
			default:
				return 0
			}
		})
	}
}

// Cull drops the oldest entries of every sequence longer than max so that
// exactly max remain. A negative max is a no-op.
func (c *Container) Cull(max int) {
	if max < 0 {
		return
	}
	for key, seq := range c.series {
		if len(seq) <= max {
			continue
		}
		kept := make([]Measurement, max)
		copy(kept, seq[len(seq)-max:])
		c.series[key] = kept
	}
}

// Clone returns a deep copy of the container.
func (c *Container) Clone() *Container {
	out := &Container{
		id:        c.id,
		kind:      c.kind,
		maxStored: c.maxStored,
		series:    make(map[string][]Measurement, len(c.series)),
		keys:      slices.Clone(c.keys),
	}
	for key, seq := range c.series {
		out.series[key] = slices.Clone(seq)
	}
	return out
}

// TimeRange returns the oldest and newest timestamps across all keys.
// Returns (0, 0) if the container is empty.
func (c *Container) TimeRange() (oldest, newest int64) {
	first := true
	for _, seq := range c.series {
		for _, m := range seq {
			if first || m.TimestampMs < oldest {
				oldest = m.TimestampMs
			}
			if first || m.TimestampMs > newest {
				newest = m.TimestampMs
			}
			first = false
		}
	}
	return oldest, newest
}
