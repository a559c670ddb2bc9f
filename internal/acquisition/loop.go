// Package acquisition runs the polling loop that feeds drivers' readings
// into the live history and the storage engines.
//
// Every driver gets its own goroutine and ticker. The first poll of each
// driver is delayed by a random jitter so that sources configured with the
// same interval do not all poll at once. Poll and store failures are logged
// and counted; they never stop the loop.
package acquisition

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/driver"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/history"
	"github.com/xtxerr/daqstore/internal/logging"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/queue"
)

var log = logging.Component("acquisition")

// =============================================================================
// Types
// =============================================================================

// Sink receives polled containers. *storage.Engine implements it.
type Sink interface {
	Name() string
	StoreController(ctx context.Context, c *measurement.Container, compound bool) error
	StoreSensor(ctx context.Context, c *measurement.Container, compound bool) error
	StoreHardware(ctx context.Context, c *measurement.Container, compound bool) error
	StoreMixed(ctx context.Context, c *measurement.Container, compound bool) error
}

// Source is a driver with its schedule.
type Source struct {
	Driver   driver.Driver
	Interval time.Duration
	Timeout  time.Duration
}

// Options configures the loop.
type Options struct {
	// StartJitter bounds the random delay of each source's first poll.
	StartJitter time.Duration
}

// DefaultOptions returns the default loop options.
func DefaultOptions() Options {
	return Options{StartJitter: config.DefaultStartJitter}
}

// sourceState is the per-source bookkeeping.
type sourceState struct {
	Source

	polls      atomic.Int64
	pollErrors atomic.Int64

	mu       sync.Mutex
	lastPoll time.Time
	lastErr  string

	pollsTotal    *metrics.Counter
	errorsTotal   *metrics.Counter
	pollDuration  *metrics.Histogram
	storeFailures *metrics.Counter
}

// Loop polls sources and forwards their readings.
type Loop struct {
	sources []*sourceState
	sinks   []Sink
	history *history.Registry
	opts    Options
	set     *metrics.Set

	storeErrors atomic.Int64
}

// New creates a loop. history may be nil.
func New(sources []Source, sinks []Sink, reg *history.Registry, opts Options) *Loop {
	l := &Loop{
		sinks:   sinks,
		history: reg,
		opts:    opts,
		set:     metrics.NewSet(),
	}

	for _, src := range sources {
		if src.Interval <= 0 {
			src.Interval = config.DefaultPollInterval
		}
		if src.Timeout <= 0 {
			src.Timeout = config.DefaultPollTimeout
		}

		labels := fmt.Sprintf(`{source=%q,kind=%q}`, src.Driver.ID(), src.Driver.Kind())
		l.sources = append(l.sources, &sourceState{
			Source:        src,
			pollsTotal:    l.set.NewCounter("daq_polls_total" + labels),
			errorsTotal:   l.set.NewCounter("daq_poll_errors_total" + labels),
			pollDuration:  l.set.NewHistogram("daq_poll_duration_seconds" + labels),
			storeFailures: l.set.NewCounter("daq_store_errors_total" + labels),
		})
	}
	return l
}

// =============================================================================
// Run
// =============================================================================

// Run polls every source until ctx is cancelled, then returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if len(l.sources) == 0 {
		log.Warn("no sources configured")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range l.sources {
		g.Go(func() error {
			l.run(gctx, st)
			return nil
		})
	}

	log.Info("acquisition started", "sources", len(l.sources), "sinks", len(l.sinks))
	err := g.Wait()
	log.Info("acquisition stopped")
	return err
}

func (l *Loop) run(ctx context.Context, st *sourceState) {
	if l.opts.StartJitter > 0 {
		jitter := time.Duration(rand.Int64N(int64(l.opts.StartJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
	}

	ticker := time.NewTicker(st.Interval)
	defer ticker.Stop()

	for {
		l.poll(ctx, st)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollAll polls every source once, sequentially. Used by tests and by
// daqd's one-shot mode.
func (l *Loop) PollAll(ctx context.Context) {
	for _, st := range l.sources {
		l.poll(ctx, st)
	}
}

func (l *Loop) poll(ctx context.Context, st *sourceState) {
	d := st.Driver
	plog := log.With("source", d.ID())

	pctx, cancel := context.WithTimeout(logging.ContextWithSource(ctx, d.ID()), st.Timeout)
	start := time.Now()
	c, err := d.Poll(pctx)
	cancel()

	st.pollDuration.UpdateDuration(start)
	st.pollsTotal.Inc()
	st.polls.Add(1)

	st.mu.Lock()
	st.lastPoll = start
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	st.mu.Unlock()

	if err != nil {
		st.errorsTotal.Inc()
		st.pollErrors.Add(1)
		if ctx.Err() != nil {
			return
		}
		plog.Warn("poll failed", "error", err)
	}
	if c == nil || c.IsEmpty() {
		return
	}

	if l.history != nil {
		if err := l.history.Record(d.Category(), c); err != nil {
			plog.Error("history record failed", "error", err)
		}
	}

	// A poll that completed is stored even if shutdown began meanwhile.
	sctx := context.WithoutCancel(ctx)
	for _, sink := range l.sinks {
		if err := store(sctx, sink, d.Category(), c, d.Compound()); err != nil {
			st.storeFailures.Inc()
			l.storeErrors.Add(1)
			plog.Error("store failed", "sink", sink.Name(), "error", err)
		}
	}
}

// store hands c to the sink entry point of its category.
func store(ctx context.Context, sink Sink, cat queue.Category, c *measurement.Container, compound bool) error {
	switch cat {
	case queue.Controllers:
		return sink.StoreController(ctx, c, compound)
	case queue.Sensors:
		return sink.StoreSensor(ctx, c, compound)
	case queue.Hardware:
		return sink.StoreHardware(ctx, c, compound)
	case queue.Mixed:
		return sink.StoreMixed(ctx, c, compound)
	default:
		return errors.Wrapf(errors.ErrUnknownCategory, "%q", cat)
	}
}

// =============================================================================
// Statistics
// =============================================================================

// SourceStats describes one source.
type SourceStats struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Category  queue.Category `json:"category"`
	Interval  string         `json:"interval"`
	Polls     int64          `json:"polls"`
	Errors    int64          `json:"errors"`
	LastPoll  time.Time      `json:"last_poll"`
	LastError string         `json:"last_error,omitempty"`
}

// Stats returns per-source statistics in configuration order.
func (l *Loop) Stats() []SourceStats {
	out := make([]SourceStats, 0, len(l.sources))
	for _, st := range l.sources {
		st.mu.Lock()
		lastPoll, lastErr := st.lastPoll, st.lastErr
		st.mu.Unlock()

		out = append(out, SourceStats{
			ID:        st.Driver.ID(),
			Kind:      string(st.Driver.Kind()),
			Category:  st.Driver.Category(),
			Interval:  st.Interval.String(),
			Polls:     st.polls.Load(),
			Errors:    st.pollErrors.Load(),
			LastPoll:  lastPoll,
			LastError: lastErr,
		})
	}
	return out
}

// StoreErrors returns the number of failed stores across all sinks.
func (l *Loop) StoreErrors() int64 {
	return l.storeErrors.Load()
}

// WriteMetrics writes the loop metrics in Prometheus text format.
func (l *Loop) WriteMetrics(w io.Writer) {
	l.set.WritePrometheus(w)
}

// Close closes every driver.
func (l *Loop) Close() error {
	var errs []error
	for _, st := range l.sources {
		if err := st.Driver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", st.Driver.ID(), err))
		}
	}
	return errors.Join(errs...)
}
