// Package driver defines the interface between measurement sources and the
// acquisition loop, and the registry that builds drivers from configuration.
//
// Driver packages register a Factory from init, the way storage backends do:
//
//	import _ "github.com/xtxerr/daqstore/internal/driver/snmp"
//
//	d, err := driver.Open(driver.Config{ID: "ups-01", Type: "snmp", ...})
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/validation"
)

// Driver produces measurements for one source.
type Driver interface {
	// ID is the source identifier stamped on every container.
	ID() string
	Kind() measurement.Kind

	// Category selects the storage entry point for the driver's containers.
	Category() queue.Category

	// Compound routes containers to the compound stream.
	Compound() bool

	// Poll takes one reading of every key. A failed reading is returned as
	// an invalid measurement; the error reports what went wrong, and the
	// container may still hold valid readings of other keys.
	Poll(ctx context.Context) (*measurement.Container, error)

	Close() error
}

// Config describes one driver instance.
type Config struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Kind     string `yaml:"kind"`
	Category string `yaml:"category"`
	Compound bool   `yaml:"compound"`

	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// MaxStored caps the live history per key. -1 keeps everything.
	MaxStored *int `yaml:"max_stored"`

	// Options are passed to the driver factory.
	Options map[string]any `yaml:"options"`
}

// WithDefaults returns a copy with unset fields filled from config defaults.
func (c Config) WithDefaults() Config {
	if c.Kind == "" {
		c.Kind = c.Type
	}
	if c.Category == "" {
		c.Category = string(queue.Sensors)
	}
	if c.Interval == 0 {
		c.Interval = config.DefaultPollInterval
	}
	if c.Timeout == 0 {
		c.Timeout = config.DefaultPollTimeout
	}
	if c.MaxStored == nil {
		n := config.DefaultMaxStored
		c.MaxStored = &n
	}
	return c
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	errs := errors.NewValidationErrors()

	if c.ID == "" {
		errs.AddMissing("drivers[].id")
	} else if err := validation.ValidateSourceID(c.ID); err != nil {
		errs.Add(errors.NewInvalidValue(c.field("id"), c.ID, err.Error()))
	}
	if c.Type == "" {
		errs.AddMissing(c.field("type"))
	} else if _, ok := lookup(c.Type); !ok {
		errs.Add(fmt.Errorf("%s: %q (registered: %v): %w",
			c.field("type"), c.Type, Types(), errors.ErrUnknownDriver))
	}
	if c.Category != "" {
		if _, err := queue.ParseCategory(c.Category); err != nil {
			errs.Add(fmt.Errorf("%s: %w", c.field("category"), err))
		}
	}
	if c.Interval < 0 {
		errs.Add(errors.NewInvalidValue(c.field("interval"), c.Interval, "must be >= 0"))
	}
	if c.Timeout < 0 {
		errs.Add(errors.NewInvalidValue(c.field("timeout"), c.Timeout, "must be >= 0"))
	}

	return errs.Err()
}

func (c *Config) field(name string) string {
	if c.ID == "" {
		return "drivers[]." + name
	}
	return fmt.Sprintf("drivers[%s].%s", c.ID, name)
}

// ============================================================================
// Registry
// ============================================================================

// Factory builds a driver from its configuration. cfg has defaults applied.
type Factory func(cfg Config) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver type available. It panics if typ is empty or
// already registered.
func Register(typ string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if typ == "" || factory == nil {
		panic("driver: Register with empty type or nil factory")
	}
	if _, dup := registry[typ]; dup {
		panic("driver: Register called twice for type " + typ)
	}
	registry[typ] = factory
}

// Types returns the sorted registered driver types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for typ := range registry {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

func lookup(typ string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[typ]
	return f, ok
}

// Open validates cfg and builds the driver.
func Open(cfg Config) (Driver, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory, _ := lookup(cfg.Type)
	d, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("driver %s: %w", cfg.ID, err)
	}
	return d, nil
}

// ============================================================================
// Identity
// ============================================================================

// Identity implements the descriptive half of Driver. Drivers embed it.
type Identity struct {
	id        string
	kind      measurement.Kind
	category  queue.Category
	compound  bool
	maxStored int
}

// NewIdentity builds an Identity from a defaulted config.
func NewIdentity(cfg Config) Identity {
	maxStored := measurement.Unlimited
	if cfg.MaxStored != nil {
		maxStored = *cfg.MaxStored
	}
	return Identity{
		id:        cfg.ID,
		kind:      measurement.Kind(cfg.Kind),
		category:  queue.Category(cfg.Category),
		compound:  cfg.Compound,
		maxStored: maxStored,
	}
}

func (i Identity) ID() string               { return i.id }
func (i Identity) Kind() measurement.Kind   { return i.kind }
func (i Identity) Category() queue.Category { return i.category }
func (i Identity) Compound() bool           { return i.compound }

// NewContainer returns an empty container stamped with the identity.
func (i Identity) NewContainer() *measurement.Container {
	return measurement.New(i.id, i.kind, i.maxStored)
}
