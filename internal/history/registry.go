// Package history keeps the live, retention-capped measurement history of
// every source the acquisition loop polls.
//
// Each poll result is merged into the source's retained container, so the
// registry always holds the most recent max_stored readings per key in
// chronological order. Retained containers are immutable once published;
// readers get them without locking.
package history

import (
	"slices"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/queue"
)

// entry is the retained state of one source. Entries are replaced, never
// modified.
type entry struct {
	category  queue.Category
	container *measurement.Container
	updated   time.Time
	polls     int64
}

// Registry maps source ids to their retained history.
type Registry struct {
	entries  *xsync.MapOf[string, *entry]
	accuracy float64
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:  xsync.NewMapOf[string, *entry](),
		accuracy: DefaultAccuracy,
		now:      time.Now,
	}
}

// Record merges c into the history of c.ID(). The first record of a source
// fixes its kind and retention cap; a later container of a different kind
// fails with ErrTypeMismatch and leaves the history untouched.
func (r *Registry) Record(category queue.Category, c *measurement.Container) error {
	if c == nil {
		return nil
	}

	var mergeErr error
	r.entries.Compute(c.ID(), func(old *entry, loaded bool) (*entry, bool) {
		base := old
		if !loaded {
			base = &entry{container: measurement.New(c.ID(), c.Kind(), c.MaxStored())}
		}

		merged, err := base.container.Merge(c)
		if err != nil {
			mergeErr = err
			return old, !loaded
		}

		return &entry{
			category:  category,
			container: merged,
			updated:   r.now(),
			polls:     base.polls + 1,
		}, false
	})

	if mergeErr != nil {
		return errors.Wrapf(mergeErr, "record %s", c.ID())
	}
	return nil
}

// Latest returns the most recent reading of every key of source id.
func (r *Registry) Latest(id string) (map[string]measurement.Measurement, bool) {
	e, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return e.container.MostRecent(), true
}

// Snapshot returns a copy of the retained container of source id.
func (r *Registry) Snapshot(id string) (*measurement.Container, bool) {
	e, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return e.container.Clone(), true
}

// Summary returns per-key statistics over the retained history of id.
func (r *Registry) Summary(id string) ([]KeySummary, error) {
	e, ok := r.entries.Load(id)
	if !ok {
		return nil, errors.Wrapf(errors.ErrSourceNotFound, "%q", id)
	}
	return Summarize(e.container, r.accuracy), nil
}

// Source describes one registered source.
type Source struct {
	ID       string           `json:"id"`
	Kind     measurement.Kind `json:"kind"`
	Category queue.Category   `json:"category"`
	Size     int              `json:"size"`
	Polls    int64            `json:"polls"`
	Updated  time.Time        `json:"updated"`
}

// Sources lists every source, sorted by id.
func (r *Registry) Sources() []Source {
	var out []Source
	r.entries.Range(func(id string, e *entry) bool {
		out = append(out, Source{
			ID:       id,
			Kind:     e.container.Kind(),
			Category: e.category,
			Size:     e.container.Size(),
			Polls:    e.polls,
			Updated:  e.updated,
		})
		return true
	})
	slices.SortFunc(out, func(a, b Source) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Remove drops the history of id.
func (r *Registry) Remove(id string) {
	r.entries.Delete(id)
}

// Len returns the number of sources.
func (r *Registry) Len() int {
	return r.entries.Size()
}
