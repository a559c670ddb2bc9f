// Package loader handles configuration file loading, validation, and
// turning the result into storage engines and acquisition sources.
//
// This package is responsible for:
//   - Loading .env files and the YAML configuration
//   - Expanding environment variables
//   - Processing include directives
//   - Opening the configured engines and drivers
package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/daqstore/internal/acquisition"
	"github.com/xtxerr/daqstore/internal/driver"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/logging"
	"github.com/xtxerr/daqstore/internal/storage"
)

var log = logging.Component("loader")

// EnvFiles are loaded, in order, before a configuration file is read.
// Variables already set in the environment win.
var EnvFiles = []string{".env", ".env.local"}

// =============================================================================
// Load
// =============================================================================

// LoadEnv loads EnvFiles. Missing files are ignored.
func LoadEnv() {
	for _, f := range EnvFiles {
		if err := godotenv.Load(f); err == nil {
			log.Debug("loaded env file", "path", f)
		}
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	LoadEnv()

	cfg := DefaultConfig()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}

	// Process includes (load additional storage and driver files)
	baseDir := filepath.Dir(path)
	if err := processIncludes(cfg, baseDir); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decodeFile expands environment variables in path and decodes it over out.
// Unknown fields are rejected.
func decodeFile(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("parse config %s: %v: %w", path, err, errors.ErrConfiguration)
	}
	return nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		// Resolve relative paths
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		// Expand glob pattern
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %v: %w", pattern, err, errors.ErrConfiguration)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// loadInclude loads a single include file and appends its engines and
// drivers. Nested includes are not followed.
func loadInclude(cfg *Config, path string) error {
	var partial Config
	if err := decodeFile(path, &partial); err != nil {
		return err
	}
	if len(partial.Include) > 0 {
		log.Warn("nested include ignored", "path", path)
	}

	cfg.Storage = append(cfg.Storage, partial.Storage...)
	cfg.Drivers = append(cfg.Drivers, partial.Drivers...)
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration. Every problem is reported; the
// returned error matches errors.IsConfiguration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		errs.AddField("log.level", err.Error())
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		errs.Add(errors.NewInvalidValue("log.format", cfg.Log.Format, "must be text or json"))
	}

	if cfg.ShutdownTimeout < 0 {
		errs.Add(errors.NewInvalidValue("shutdown_timeout", cfg.ShutdownTimeout, "must be >= 0"))
	}

	// Storage validation
	if len(cfg.Storage) == 0 {
		errs.AddMissing("storage")
	}
	engines := make(map[string]bool, len(cfg.Storage))
	for i := range cfg.Storage {
		sc := &cfg.Storage[i]
		if err := sc.Validate(); err != nil {
			errs.Add(err)
		}
		if sc.Name == "" {
			continue
		}
		if engines[sc.Name] {
			errs.Add(fmt.Errorf("storage[%s]: %w", sc.Name, errors.ErrDuplicateName))
		}
		engines[sc.Name] = true
	}

	// Driver validation
	ids := make(map[string]bool, len(cfg.Drivers))
	for i := range cfg.Drivers {
		dc := &cfg.Drivers[i]
		if err := dc.Validate(); err != nil {
			errs.Add(err)
		}
		if dc.ID == "" {
			continue
		}
		if ids[dc.ID] {
			errs.Add(fmt.Errorf("drivers[%s]: %w", dc.ID, errors.ErrDuplicateName))
		}
		ids[dc.ID] = true
	}

	return errs.Err()
}

// =============================================================================
// Open
// =============================================================================

// OpenEngines creates every configured engine. If one fails, the engines
// already created are shut down.
func OpenEngines(ctx context.Context, cfg *Config) ([]*storage.Engine, error) {
	engines := make([]*storage.Engine, 0, len(cfg.Storage))
	for _, sc := range cfg.Storage {
		e, err := storage.Create(sc)
		if err != nil {
			for _, opened := range engines {
				_ = opened.Shutdown(ctx)
			}
			return nil, err
		}
		log.Info("engine created", "engine", e.Name(), "backend", e.BackendCode(), "buffer_size", e.BufferSize())
		engines = append(engines, e)
	}
	return engines, nil
}

// OpenSources opens every configured driver with its schedule. If one
// fails, the drivers already opened are closed.
func OpenSources(cfg *Config) ([]acquisition.Source, error) {
	sources := make([]acquisition.Source, 0, len(cfg.Drivers))
	for _, dc := range cfg.Drivers {
		dc = dc.WithDefaults()
		d, err := driver.Open(dc)
		if err != nil {
			for _, src := range sources {
				_ = src.Driver.Close()
			}
			return nil, err
		}
		sources = append(sources, acquisition.Source{
			Driver:   d,
			Interval: dc.Interval,
			Timeout:  dc.Timeout,
		})
	}
	return sources, nil
}
