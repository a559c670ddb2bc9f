package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/logging"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage/backpressure"
)

// Stream selects one of the two independent queues of an engine.
type Stream int

const (
	// StreamSimple carries containers of single-value sources.
	StreamSimple Stream = iota
	// StreamCompound carries containers of multi-value sources.
	StreamCompound
)

var streams = [...]Stream{StreamSimple, StreamCompound}

// String returns the stream name.
func (s Stream) String() string {
	if s == StreamCompound {
		return "compound"
	}
	return "simple"
}

func streamOf(compound bool) Stream {
	if compound {
		return StreamCompound
	}
	return StreamSimple
}

// Options configures an engine built with New.
type Options struct {
	Name               string
	BufferSize         int
	RequeueOnFailure   bool
	LegacyMixedRouting bool

	// MaxPending caps the measurements waiting in both queues. Stores are
	// rejected with ErrBackpressure once it is reached. Zero is unbounded.
	MaxPending int
}

// Engine buffers containers in two queues and hands them to a backend.
type Engine struct {
	name    string
	backend Backend

	queues     [2]*queue.Queue
	flushMu    [2]sync.Mutex
	bufferSize int
	requeue    bool
	legacyMix  bool
	maxPending int
	pressure   *backpressure.Controller

	// lifecycle is held shared by stores and exclusively by Shutdown, so
	// no store is half way through when the final drain happens.
	lifecycle    sync.RWMutex
	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	metrics *engineMetrics
	log     *slog.Logger
}

// New creates an engine around an existing backend.
func New(backend Backend, opts Options) *Engine {
	if opts.Name == "" {
		opts.Name = backend.Code()
	}
	if opts.BufferSize < 0 {
		opts.BufferSize = 0
	}
	if opts.MaxPending < 0 {
		opts.MaxPending = 0
	}

	e := &Engine{
		name:       opts.Name,
		backend:    backend,
		queues:     [2]*queue.Queue{queue.New(), queue.New()},
		bufferSize: opts.BufferSize,
		requeue:    opts.RequeueOnFailure,
		legacyMix:  opts.LegacyMixedRouting,
		maxPending: opts.MaxPending,
		log: logging.Component("storage").With(
			"engine", opts.Name,
			"backend", backend.Code(),
		),
	}
	if e.maxPending > 0 {
		e.pressure = backpressure.New(backpressure.DefaultConfig(), e.usage)
		e.pressure.SetOnLevelChange(func(old, new backpressure.Level) {
			e.log.Warn("backpressure level changed", "from", old.String(), "to", new.String())
		})
	}
	e.metrics = newEngineMetrics(e)

	e.log.Debug("engine created", "buffer_size", e.bufferSize, "requeue", e.requeue,
		"max_pending", e.maxPending)
	return e
}

// Name returns the engine name.
func (e *Engine) Name() string { return e.name }

// Backend returns the backend the engine flushes to.
func (e *Engine) Backend() Backend { return e.backend }

// BackendCode returns the backend code.
func (e *Engine) BackendCode() string { return e.backend.Code() }

// BufferSize returns the flush threshold.
func (e *Engine) BufferSize() int { return e.bufferSize }

// =============================================================================
// Store
// =============================================================================

// StoreController stores a container tagged as controller data.
func (e *Engine) StoreController(ctx context.Context, c *measurement.Container, compound bool) error {
	return e.Store(ctx, queue.Controllers, c, compound)
}

// StoreSensor stores a container tagged as sensor data.
func (e *Engine) StoreSensor(ctx context.Context, c *measurement.Container, compound bool) error {
	return e.Store(ctx, queue.Sensors, c, compound)
}

// StoreHardware stores a container tagged as hardware data.
func (e *Engine) StoreHardware(ctx context.Context, c *measurement.Container, compound bool) error {
	return e.Store(ctx, queue.Hardware, c, compound)
}

// StoreMixed stores a container tagged as mixed data, or as hardware data
// when the engine runs with legacy mixed routing.
func (e *Engine) StoreMixed(ctx context.Context, c *measurement.Container, compound bool) error {
	if e.legacyMix {
		return e.Store(ctx, queue.Hardware, c, compound)
	}
	return e.Store(ctx, queue.Mixed, c, compound)
}

// Store enqueues a deep copy of c in the simple or compound queue and, if
// that queue now holds at least BufferSize measurements, flushes it.
//
// The threshold check and the flush are not atomic. Two concurrent stores
// may both trigger a flush, in which case the later one drains whatever is
// left, possibly nothing. A store that lands right after another store's
// drain is picked up by the next flush or by Shutdown.
//
// With MaxPending set, a store arriving while the queues are at the limit
// drops c and returns ErrBackpressure. Every non-empty queue is then flushed
// regardless of BufferSize, so a recovered backend drains the backlog.
//
// A nil container is ignored. After Shutdown, Store returns ErrEngineClosed.
func (e *Engine) Store(ctx context.Context, category queue.Category, c *measurement.Container, compound bool) error {
	if c == nil {
		return nil
	}

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()

	if e.closed.Load() {
		return fmt.Errorf("engine %s: %w", e.name, errors.ErrEngineClosed)
	}

	stream := streamOf(compound)
	q := e.queues[stream]

	if e.pressure != nil && e.pressure.Check() == backpressure.LevelEmergency {
		e.pressure.RecordDrop(c.Size())
		e.metrics.dropped[stream].Add(c.Size())
		err := fmt.Errorf("engine %s: %w", e.name, errors.ErrBackpressure)
		// the limit spans both queues, so neither may be due on its own
		for _, s := range streams {
			if e.queues[s].Len() > 0 {
				err = errors.Join(err, e.flush(ctx, s, e.requeue))
			}
		}
		return err
	}

	q.Add(queue.Item{Category: category, Container: c})
	e.metrics.stored[stream].Add(c.Size())

	if q.Len() >= e.bufferSize {
		return e.flush(ctx, stream, e.requeue)
	}
	return nil
}

// =============================================================================
// Flush
// =============================================================================

// FlushSimple drains the simple queue into the backend.
func (e *Engine) FlushSimple(ctx context.Context) error {
	return e.flushOpen(ctx, StreamSimple)
}

// FlushCompound drains the compound queue into the backend.
func (e *Engine) FlushCompound(ctx context.Context) error {
	return e.flushOpen(ctx, StreamCompound)
}

func (e *Engine) flushOpen(ctx context.Context, stream Stream) error {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()

	if e.closed.Load() {
		return fmt.Errorf("engine %s: %w", e.name, errors.ErrEngineClosed)
	}
	return e.flush(ctx, stream, e.requeue)
}

// Flush drains both queues. Both flushes are attempted even if the first
// one fails.
func (e *Engine) Flush(ctx context.Context) error {
	return errors.Join(e.FlushSimple(ctx), e.FlushCompound(ctx))
}

// flush drains one queue and passes the batch to the backend. An empty
// drain makes no backend call.
func (e *Engine) flush(ctx context.Context, stream Stream, requeue bool) error {
	e.flushMu[stream].Lock()
	defer e.flushMu[stream].Unlock()

	q := e.queues[stream]
	batch := q.Drain(true)
	if len(batch) == 0 {
		return nil
	}

	size := queue.BatchSize(batch)
	start := time.Now()

	var err error
	if stream == StreamCompound {
		err = e.backend.FlushCompound(ctx, batch)
	} else {
		err = e.backend.FlushSimple(ctx, batch)
	}

	e.metrics.flushDuration[stream].UpdateDuration(start)
	e.metrics.flushes[stream].Inc()

	if err != nil {
		e.metrics.flushErrors[stream].Inc()
		if requeue {
			q.Requeue(batch)
		}
		e.log.Warn("flush failed",
			"stream", stream.String(),
			"items", len(batch),
			"measurements", size,
			"requeued", requeue,
			"error", err)
		return errors.NewBackendWrite(e.backend.Code(), stream.String(), err)
	}

	e.metrics.flushed[stream].Add(size)
	e.log.Debug("flushed",
		"stream", stream.String(),
		"items", len(batch),
		"measurements", size,
		"duration", time.Since(start))
	return nil
}

// =============================================================================
// Shutdown
// =============================================================================

// Shutdown flushes both queues and closes the backend. It makes exactly one
// backend call per non-empty queue and none for an empty one, waits for
// in-flight stores, and rejects later ones. Only the first call does any
// work; every call returns the first call's result.
//
// Errors are logged and returned joined. A batch that fails here is lost,
// since nothing would flush it again.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.lifecycle.Lock()
		e.closed.Store(true)
		e.lifecycle.Unlock()

		e.log.Info("shutting down", "pending_measurements", e.Pending())

		var errs []error
		for _, s := range streams {
			if err := e.flush(ctx, s, false); err != nil {
				e.log.Error("final flush failed, measurements lost", "stream", s.String(), "error", err)
				errs = append(errs, err)
			}
		}

		if err := e.backend.Close(); err != nil {
			e.log.Error("close backend", "error", err)
			errs = append(errs, fmt.Errorf("%s: close: %w", e.backend.Code(), err))
		}

		e.shutdownErr = errors.Join(errs...)
		e.log.Info("shutdown complete", "errors", len(errs))
	})
	return e.shutdownErr
}

// Closed reports whether Shutdown has been called.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

// =============================================================================
// Introspection
// =============================================================================

// Len returns the number of measurements waiting in a stream's queue.
func (e *Engine) Len(s Stream) int {
	return e.queues[s].Len()
}

// Pending returns the number of measurements waiting in both queues.
func (e *Engine) Pending() int {
	return e.queues[StreamSimple].Len() + e.queues[StreamCompound].Len()
}

// usage is the fill ratio of the pending limit.
func (e *Engine) usage() float64 {
	return float64(e.Pending()) / float64(e.maxPending)
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	st := Stats{
		Name:       e.name,
		Backend:    e.backend.Code(),
		BufferSize: e.bufferSize,
		Closed:     e.closed.Load(),
		MaxPending: e.maxPending,
	}
	if e.pressure != nil {
		bp := e.pressure.Stats()
		st.Backpressure = &bp
	}
	for _, s := range streams {
		st.Streams[s] = StreamStats{
			Queue:       e.queues[s].Stats(),
			Stored:      e.metrics.stored[s].Get(),
			Flushed:     e.metrics.flushed[s].Get(),
			Flushes:     e.metrics.flushes[s].Get(),
			FlushErrors: e.metrics.flushErrors[s].Get(),
			Dropped:     e.metrics.dropped[s].Get(),
		}
	}
	return st
}

// WriteMetrics writes the engine metrics in Prometheus text format.
func (e *Engine) WriteMetrics(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}

// Stats holds engine statistics.
type Stats struct {
	Name       string         `json:"name"`
	Backend    string         `json:"backend"`
	BufferSize int            `json:"buffer_size"`
	Closed     bool           `json:"closed"`
	MaxPending int            `json:"max_pending,omitempty"`
	Streams    [2]StreamStats `json:"streams"`

	Backpressure *backpressure.ControllerStats `json:"backpressure,omitempty"`
}

// Simple returns the simple stream statistics.
func (s Stats) Simple() StreamStats { return s.Streams[StreamSimple] }

// Compound returns the compound stream statistics.
func (s Stats) Compound() StreamStats { return s.Streams[StreamCompound] }

// StreamStats holds per-stream statistics. Counters are in measurements,
// except Flushes and FlushErrors which count backend calls.
type StreamStats struct {
	Queue       queue.Stats `json:"queue"`
	Stored      uint64      `json:"stored"`
	Flushed     uint64      `json:"flushed"`
	Flushes     uint64      `json:"flushes"`
	FlushErrors uint64      `json:"flush_errors"`
	Dropped     uint64      `json:"dropped"`
}
