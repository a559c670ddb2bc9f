// Package simulated provides a driver that synthesizes readings, for demos,
// dry runs and tests.
package simulated

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/xtxerr/daqstore/internal/driver"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/storage"
)

// Type is the driver type used in configuration.
const Type = "simulated"

func init() {
	driver.Register(Type, func(cfg driver.Config) (driver.Driver, error) {
		o := DefaultOptions()
		if err := storage.DecodeOptions(cfg.Options, &o); err != nil {
			return nil, err
		}
		return New(cfg, o)
	})
}

// Options shapes the synthesized signal:
//
//	value = offset + amplitude*sin(2π t/period) + noise*U(-1, 1)
type Options struct {
	Keys      []string      `yaml:"keys"`
	Offset    float64       `yaml:"offset"`
	Amplitude float64       `yaml:"amplitude"`
	Period    time.Duration `yaml:"period"`
	Noise     float64       `yaml:"noise"`

	// FailEvery makes every n-th poll return invalid readings. Zero never
	// fails.
	FailEvery int `yaml:"fail_every"`
}

// DefaultOptions returns a one-key unit sine with a one minute period.
func DefaultOptions() Options {
	return Options{
		Keys:      []string{"value"},
		Amplitude: 1,
		Period:    time.Minute,
	}
}

// Driver synthesizes readings.
type Driver struct {
	driver.Identity
	opts Options

	mu    sync.Mutex
	polls int
	now   func() time.Time
}

// New creates a simulated driver.
func New(cfg driver.Config, opts Options) (*Driver, error) {
	if len(opts.Keys) == 0 {
		return nil, errors.NewMissingField("simulated.keys")
	}
	if opts.Period <= 0 {
		return nil, errors.NewInvalidValue("simulated.period", opts.Period, "must be > 0")
	}
	if opts.FailEvery < 0 {
		return nil, errors.NewInvalidValue("simulated.fail_every", opts.FailEvery, "must be >= 0")
	}
	return &Driver{
		Identity: driver.NewIdentity(cfg),
		opts:     opts,
		now:      time.Now,
	}, nil
}

// Poll implements driver.Driver.
func (d *Driver) Poll(ctx context.Context) (*measurement.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.polls++
	n := d.polls
	fail := d.opts.FailEvery > 0 && n%d.opts.FailEvery == 0
	now := d.now()
	d.mu.Unlock()

	c := d.NewContainer()
	if fail {
		msg := fmt.Sprintf("simulated failure on poll %d", n)
		for _, key := range d.opts.Keys {
			c.Insert(key, measurement.Measurement{TimestampMs: now.UnixMilli(), Error: msg})
		}
		return c, errors.Wrapf(errors.ErrPollFailed, "%s", msg)
	}

	phase := 2 * math.Pi * float64(now.UnixNano()%int64(d.opts.Period)) / float64(d.opts.Period)
	for i, key := range d.opts.Keys {
		// Keys are spread evenly over the period.
		shift := 2 * math.Pi * float64(i) / float64(len(d.opts.Keys))
		v := d.opts.Offset + d.opts.Amplitude*math.Sin(phase+shift)
		if d.opts.Noise > 0 {
			v += d.opts.Noise * (2*rand.Float64() - 1)
		}
		c.Insert(key, measurement.At(now, v))
	}
	return c, nil
}

// Polls returns the number of polls so far.
func (d *Driver) Polls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polls
}

// Close implements driver.Driver.
func (d *Driver) Close() error { return nil }
