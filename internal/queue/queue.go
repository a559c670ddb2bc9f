// Package queue implements the buffered item queue that sits between
// measurement producers and a storage backend.
//
// The queue is a mutex-guarded, unbounded list of (category, container)
// items. Producers never block on it for more than a copy, and Drain hands
// the whole pending list to a single consumer atomically.
package queue

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/measurement"
)

// Category tags the kind of source a queued container came from.
type Category string

const (
	Controllers Category = "controllers"
	Sensors     Category = "sensors"
	Hardware    Category = "hardware"
	Mixed       Category = "mixed"
)

// String returns the category name.
func (c Category) String() string { return string(c) }

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case Controllers, Sensors, Hardware, Mixed:
		return Category(s), nil
	default:
		return "", errors.Wrapf(errors.ErrUnknownCategory, "%q", s)
	}
}

// Item is a container waiting to be persisted.
type Item struct {
	Category  Category
	Container *measurement.Container
}

// Size returns the number of measurements in the item.
func (i Item) Size() int {
	if i.Container == nil {
		return 0
	}
	return i.Container.Size()
}

// Queue is a thread-safe FIFO of items.
//
// Once Add returns, the queue owns a private deep copy of every container;
// once Drain returns, the caller owns the drained items.
type Queue struct {
	mu    sync.Mutex
	items []Item

	// Statistics
	added    atomic.Int64
	drained  atomic.Int64
	requeued atomic.Int64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Add appends one or more items under a single lock acquisition. Each
// container is deep-copied before it is queued, so the producer may keep
// using its own instance. Nil containers are skipped.
func (q *Queue) Add(items ...Item) {
	if len(items) == 0 {
		return
	}

	owned := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Container == nil {
			continue
		}
		owned = append(owned, Item{Category: it.Category, Container: it.Container.Clone()})
	}

	q.mu.Lock()
	q.items = append(q.items, owned...)
	q.mu.Unlock()

	q.added.Add(int64(len(owned)))
}

// Drain returns the items currently queued, in enqueue order. With clear
// set the queue is emptied in the same critical section, so concurrent Adds
// land entirely before or entirely after the drain. Without clear the queue
// is left as is and the returned slice is a snapshot.
func (q *Queue) Drain(clear bool) []Item {
	q.mu.Lock()
	items := q.items
	if clear {
		q.items = nil
	} else {
		items = slices.Clone(items)
	}
	q.mu.Unlock()

	if clear {
		q.drained.Add(int64(len(items)))
	}
	return items
}

// Requeue puts items back at the head of the queue, ahead of anything
// added since they were drained, preserving their relative order. Used to
// return a batch a backend failed to persist.
func (q *Queue) Requeue(items []Item) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	q.items = append(slices.Clone(items), q.items...)
	q.mu.Unlock()

	q.requeued.Add(int64(len(items)))
}

// Len returns the number of queued measurements, i.e. the sum of the
// container sizes, not the number of items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, it := range q.items {
		n += it.Size()
	}
	return n
}

// Count returns the number of queued items.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty returns true if nothing is queued.
func (q *Queue) IsEmpty() bool {
	return q.Count() == 0
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	count := len(q.items)
	measurements := 0
	for _, it := range q.items {
		measurements += it.Size()
	}
	q.mu.Unlock()

	return Stats{
		Items:        count,
		Measurements: measurements,
		Added:        q.added.Load(),
		Drained:      q.drained.Load(),
		Requeued:     q.requeued.Load(),
	}
}

// Stats holds queue statistics.
type Stats struct {
	Items        int
	Measurements int
	Added        int64
	Drained      int64
	Requeued     int64
}

// BatchSize returns the number of measurements in a drained batch.
func BatchSize(batch []Item) int {
	n := 0
	for _, it := range batch {
		n += it.Size()
	}
	return n
}
