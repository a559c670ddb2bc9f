// Package pebblestore provides a storage backend that keeps every flushed
// measurement as one key of a Pebble LSM store.
//
// Keys sort by stream, source, key and timestamp, so a series is one range
// scan:
//
//	<stream> 0x00 <source> 0x00 <key> 0x00 <timestamp:8> <seq:8>
//
// The sequence number is persisted with every batch and keeps measurements
// sharing a timestamp in flush order.
package pebblestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage"
)

// Code is the backend code used in configuration.
const Code = "pebble"

func init() {
	storage.RegisterBackend(Code, func(opts map[string]any) (storage.Backend, error) {
		var o Options
		if err := storage.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		return Open(o)
	})
}

// Fsync modes.
const (
	FsyncAlways   = "always"
	FsyncInterval = "interval"
	FsyncNever    = "never"
)

// Options configures the backend.
type Options struct {
	Dir string `yaml:"dir"`

	// Fsync is one of always, interval or never. Empty means interval.
	Fsync string `yaml:"fsync"`

	// FsyncInterval is the group-commit window in interval mode.
	FsyncInterval time.Duration `yaml:"fsync_interval"`
}

// seqKey holds the last used sequence number. 0xff sorts after every
// stream name.
var seqKey = []byte{0xff, 's', 'e', 'q'}

// Backend writes each flush as one atomic Pebble batch.
type Backend struct {
	mu         sync.Mutex
	db         *pebble.DB
	syncWrites bool
	seq        uint64
	closed     bool
}

// Open opens or creates the store in o.Dir.
func Open(o Options) (*Backend, error) {
	if o.Dir == "" {
		return nil, errors.NewMissingField("pebble.dir")
	}

	po := &pebble.Options{}
	switch o.Fsync {
	case FsyncAlways:
	case FsyncInterval, "":
		interval := o.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncNever:
	default:
		return nil, errors.NewInvalidValue("pebble.fsync", o.Fsync, "must be always, interval or never")
	}

	db, err := pebble.Open(o.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", o.Dir, err)
	}

	b := &Backend{
		db:         db,
		syncWrites: o.Fsync != FsyncNever,
	}

	val, closer, err := db.Get(seqKey)
	switch {
	case err == nil:
		if len(val) == 8 {
			b.seq = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("read sequence: %w", err)
	}

	return b, nil
}

// Code implements storage.Backend.
func (b *Backend) Code() string { return Code }

// FlushSimple implements storage.Backend.
func (b *Backend) FlushSimple(ctx context.Context, batch []queue.Item) error {
	return b.write(ctx, storage.StreamSimple, batch)
}

// FlushCompound implements storage.Backend.
func (b *Backend) FlushCompound(ctx context.Context, batch []queue.Item) error {
	return b.write(ctx, storage.StreamCompound, batch)
}

func (b *Backend) write(ctx context.Context, stream storage.Stream, batch []queue.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrBackendClosed
	}
	if queue.BatchSize(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := b.db.NewBatch()
	defer wb.Close()

	seq := b.seq
	for _, it := range batch {
		c := it.Container
		for _, key := range c.Keys() {
			prefix := seriesPrefix(stream.String(), c.ID(), key)
			for _, m := range c.Series(key) {
				seq++
				k := make([]byte, 0, len(prefix)+16)
				k = appendUint64(appendUint64(append(k, prefix...), orderedInt(m.TimestampMs)), seq)
				if err := wb.Set(k, encodeValue(it.Category, c.Kind(), m), nil); err != nil {
					return fmt.Errorf("batch set: %w", err)
				}
			}
		}
	}

	var sv [8]byte
	binary.BigEndian.PutUint64(sv[:], seq)
	if err := wb.Set(seqKey, sv[:], nil); err != nil {
		return fmt.Errorf("batch set: %w", err)
	}

	opts := pebble.NoSync
	if b.syncWrites {
		opts = pebble.Sync
	}
	if err := wb.Commit(opts); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	b.seq = seq
	return nil
}

// Entry is a stored measurement with its origin.
type Entry struct {
	Category    queue.Category
	Kind        measurement.Kind
	Measurement measurement.Measurement
}

// Series returns the stored measurements of one source key of a stream,
// oldest first.
func (b *Backend) Series(stream storage.Stream, source, key string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.ErrBackendClosed
	}

	prefix := seriesPrefix(stream.String(), source, key)
	iter := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) != len(prefix)+16 {
			return nil, fmt.Errorf("malformed key %q", k)
		}
		e, err := decodeValue(iter.Value())
		if err != nil {
			return nil, err
		}
		e.Measurement.TimestampMs = unorderedInt(binary.BigEndian.Uint64(k[len(prefix):]))
		out = append(out, e)
	}
	return out, iter.Error()
}

// Count returns the number of stored measurements.
func (b *Backend) Count() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.ErrBackendClosed
	}

	iter := b.db.NewIter(&pebble.IterOptions{UpperBound: seqKey})
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// =============================================================================
// Encoding
// =============================================================================

func seriesPrefix(stream, source, key string) []byte {
	p := make([]byte, 0, len(stream)+len(source)+len(key)+3)
	p = append(p, stream...)
	p = append(p, 0)
	p = append(p, source...)
	p = append(p, 0)
	p = append(p, key...)
	return append(p, 0)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

// orderedInt maps an int64 to a uint64 with the same sort order.
func orderedInt(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func unorderedInt(v uint64) int64 {
	return int64(v ^ (1 << 63))
}

// Value layout:
//
//	category | kind | value:8 | valid:1 | text | error
//
// with every string as uvarint length plus bytes.
func encodeValue(cat queue.Category, kind measurement.Kind, m measurement.Measurement) []byte {
	buf := make([]byte, 0, 32+len(cat)+len(kind)+len(m.Text)+len(m.Error))
	buf = appendString(buf, string(cat))
	buf = appendString(buf, string(kind))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(m.Value))
	if m.Valid {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendString(buf, m.Text)
	return appendString(buf, m.Error)
}

func decodeValue(buf []byte) (Entry, error) {
	var e Entry
	var s string
	var ok bool

	if s, buf, ok = readString(buf); !ok {
		return e, errCorruptValue
	}
	e.Category = queue.Category(s)
	if s, buf, ok = readString(buf); !ok {
		return e, errCorruptValue
	}
	e.Kind = measurement.Kind(s)

	if len(buf) < 9 {
		return e, errCorruptValue
	}
	e.Measurement.Value = math.Float64frombits(binary.BigEndian.Uint64(buf))
	e.Measurement.Valid = buf[8] == 1
	buf = buf[9:]

	if e.Measurement.Text, buf, ok = readString(buf); !ok {
		return e, errCorruptValue
	}
	if e.Measurement.Error, _, ok = readString(buf); !ok {
		return e, errCorruptValue
	}
	return e, nil
}

var errCorruptValue = errors.New("pebble: corrupt value")

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, bool) {
	n, w := binary.Uvarint(buf)
	if w <= 0 || uint64(len(buf)-w) < n {
		return "", nil, false
	}
	buf = buf[w:]
	return string(buf[:n]), buf[n:], true
}
