// Package memory provides an in-process storage backend that keeps every
// flushed batch in memory. It backs dry runs of daqd and the storage tests.
package memory

import (
	"context"
	"sync"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage"
)

// Code is the backend code used in configuration.
const Code = "memory"

func init() {
	storage.RegisterBackend(Code, func(opts map[string]any) (storage.Backend, error) {
		var o Options
		if err := storage.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		if o.MaxBatches < 0 {
			return nil, errors.NewInvalidValue("max_batches", o.MaxBatches, "must be >= 0")
		}
		return New(o), nil
	})
}

// Options configures the backend.
type Options struct {
	// MaxBatches bounds the retained batches per stream; the oldest are
	// dropped first. Zero keeps everything.
	MaxBatches int `yaml:"max_batches"`

	// Fail makes every flush fail with this message, for rehearsing
	// failure handling.
	Fail string `yaml:"fail"`
}

// Call records one backend call.
type Call struct {
	Stream string
	Batch  []queue.Item
}

// Backend records flushed batches.
type Backend struct {
	mu       sync.Mutex
	opts     Options
	simple   [][]queue.Item
	compound [][]queue.Item
	calls    []Call
	failWith error
	closed   bool
	closes   int
}

// New creates a memory backend.
func New(opts Options) *Backend {
	b := &Backend{opts: opts}
	if opts.Fail != "" {
		b.failWith = errors.New(opts.Fail)
	}
	return b
}

// Code implements storage.Backend.
func (b *Backend) Code() string { return Code }

// FlushSimple implements storage.Backend.
func (b *Backend) FlushSimple(_ context.Context, batch []queue.Item) error {
	return b.record("simple", batch, &b.simple)
}

// FlushCompound implements storage.Backend.
func (b *Backend) FlushCompound(_ context.Context, batch []queue.Item) error {
	return b.record("compound", batch, &b.compound)
}

func (b *Backend) record(stream string, batch []queue.Item, dst *[][]queue.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrBackendClosed
	}
	b.calls = append(b.calls, Call{Stream: stream, Batch: batch})
	if b.failWith != nil {
		return b.failWith
	}
	if len(batch) == 0 {
		return nil
	}

	*dst = append(*dst, batch)
	if b.opts.MaxBatches > 0 && len(*dst) > b.opts.MaxBatches {
		*dst = (*dst)[len(*dst)-b.opts.MaxBatches:]
	}
	return nil
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.closes++
	return nil
}

// FailWith makes every following flush fail with err. A nil err restores
// normal operation. Failed flushes are still counted as calls.
func (b *Backend) FailWith(err error) {
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}

// Calls returns every flush call in order, failed ones included.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// Simple returns the batches persisted on the simple stream.
func (b *Backend) Simple() [][]queue.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]queue.Item(nil), b.simple...)
}

// Compound returns the batches persisted on the compound stream.
func (b *Backend) Compound() [][]queue.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]queue.Item(nil), b.compound...)
}

// Measurements returns the number of persisted measurements on both streams.
func (b *Backend) Measurements() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, batch := range b.simple {
		n += queue.BatchSize(batch)
	}
	for _, batch := range b.compound {
		n += queue.BatchSize(batch)
	}
	return n
}

// Closes returns how often Close was called.
func (b *Backend) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}
