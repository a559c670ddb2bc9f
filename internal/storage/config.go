package storage

import (
	"fmt"
	"time"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/validation"
)

// EngineConfig describes one storage engine.
type EngineConfig struct {
	// Name identifies the engine in logs, metrics and the status endpoint.
	Name string `yaml:"name"`

	// Backend is the registered backend code, e.g. "parquet".
	Backend string `yaml:"backend"`

	// BufferSize is the per-queue measurement count that triggers a flush.
	BufferSize int `yaml:"buffer_size"`

	// RequeueOnFailure returns a batch the backend rejected to the head of
	// its queue, so the next flush retries it.
	RequeueOnFailure bool `yaml:"requeue_on_failure"`

	// MaxPending caps the queued measurements of the engine. Zero is
	// unbounded.
	MaxPending int `yaml:"max_pending"`

	// LegacyMixedRouting tags mixed containers as hardware.
	LegacyMixedRouting bool `yaml:"legacy_mixed_routing"`

	Retry RetryConfig `yaml:"retry"`

	// Options are passed to the backend factory.
	Options map[string]any `yaml:"options"`
}

// RetryConfig configures backend flush retries. Attempts of 0 or 1
// disables retrying.
type RetryConfig struct {
	Attempts uint          `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Enabled reports whether flushes are attempted more than once.
func (r RetryConfig) Enabled() bool {
	return r.Attempts > 1
}

// withDefaults fills unset delays.
func (r RetryConfig) withDefaults() RetryConfig {
	if r.Delay == 0 {
		r.Delay = config.DefaultRetryDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = config.DefaultRetryMaxDelay
	}
	return r
}

// Validate checks the configuration.
func (c *EngineConfig) Validate() error {
	errs := errors.NewValidationErrors()

	if c.Name == "" {
		errs.AddMissing("name")
	} else if err := validation.ValidateEngineName(c.Name); err != nil {
		errs.Add(errors.NewInvalidValue(c.field("name"), c.Name, err.Error()))
	}
	if c.Backend == "" {
		errs.AddMissing(c.field("backend"))
	} else if _, ok := lookupBackend(c.Backend); !ok {
		errs.Add(fmt.Errorf("%s: %q (registered: %v): %w",
			c.field("backend"), c.Backend, Backends(), errors.ErrUnknownBackend))
	}
	if c.BufferSize < 0 {
		errs.Add(errors.NewInvalidValue(c.field("buffer_size"), c.BufferSize, "must be >= 0"))
	}
	if c.MaxPending < 0 {
		errs.Add(errors.NewInvalidValue(c.field("max_pending"), c.MaxPending, "must be >= 0"))
	} else if c.MaxPending > 0 && c.MaxPending < c.BufferSize {
		errs.Add(errors.NewInvalidValue(c.field("max_pending"), c.MaxPending, "must be >= buffer_size"))
	}
	if c.Retry.Delay < 0 {
		errs.Add(errors.NewInvalidValue(c.field("retry.delay"), c.Retry.Delay, "must be >= 0"))
	}
	if c.Retry.MaxDelay < 0 {
		errs.Add(errors.NewInvalidValue(c.field("retry.max_delay"), c.Retry.MaxDelay, "must be >= 0"))
	}

	return errs.Err()
}

func (c *EngineConfig) field(name string) string {
	if c.Name == "" {
		return "storage." + name
	}
	return fmt.Sprintf("storage[%s].%s", c.Name, name)
}

// Create validates cfg, builds its backend and returns a ready engine.
// Any configuration problem, including unknown or missing backend options,
// is reported as an error matching errors.IsConfiguration.
func Create(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory, _ := lookupBackend(cfg.Backend)
	backend, err := factory(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("engine %s: create %s backend: %w", cfg.Name, cfg.Backend, err)
	}

	if cfg.Retry.Enabled() {
		backend = WithRetry(backend, cfg.Retry.withDefaults())
	}

	return New(backend, Options{
		Name:               cfg.Name,
		BufferSize:         cfg.BufferSize,
		RequeueOnFailure:   cfg.RequeueOnFailure,
		LegacyMixedRouting: cfg.LegacyMixedRouting,
		MaxPending:         cfg.MaxPending,
	}), nil
}
