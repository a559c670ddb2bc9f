package measurement

import (
	"slices"

	"github.com/xtxerr/daqstore/internal/errors"
)

// Merge combines c and other into a new container.
//
// For every key present in either container the result holds c's sequence
// followed by other's, then sorted chronologically and culled to c's
// retention cap. The result carries c's id, kind and cap. Neither input is
// modified. A nil other yields a sorted and culled copy of c.
//
// Merging containers of different kinds fails with ErrTypeMismatch, even if
// their ids match.
func (c *Container) Merge(other *Container) (*Container, error) {
	if other == nil {
		merged := c.Clone()
		merged.SortChronologically()
		merged.Cull(merged.maxStored)
		return merged, nil
	}
	if other.kind != c.kind {
		return nil, errors.NewTypeMismatch(string(other.kind), string(c.kind))
	}

	merged := &Container{
		id:        c.id,
		kind:      c.kind,
		maxStored: c.maxStored,
		series:    make(map[string][]Measurement, len(c.series)+len(other.series)),
		keys:      slices.Clone(c.keys),
	}

	for key, seq := range c.series {
		merged.series[key] = concat(seq, other.series[key])
	}
	for _, key := range other.keys {
		if _, ok := c.series[key]; ok {
			continue
		}
		merged.keys = append(merged.keys, key)
		merged.series[key] = slices.Clone(other.series[key])
	}

	merged.SortChronologically()
	merged.Cull(merged.maxStored)

	return merged, nil
}

// MergeAll folds containers left to right into base. Every container must
// share base's kind. Without others it behaves like base.Merge(nil).
func MergeAll(base *Container, others ...*Container) (*Container, error) {
	if len(others) == 0 {
		return base.Merge(nil)
	}

	acc := base
	for _, o := range others {
		next, err := acc.Merge(o)
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}

func concat(a, b []Measurement) []Measurement {
	out := make([]Measurement, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
