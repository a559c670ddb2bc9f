package loader

import (
	"time"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/driver"
	"github.com/xtxerr/daqstore/internal/storage"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the daqd configuration file.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Status StatusConfig `yaml:"status"`

	// Storage lists the engines every poll is stored to.
	Storage []storage.EngineConfig `yaml:"storage"`

	// Drivers lists the measurement sources.
	Drivers []driver.Config `yaml:"drivers"`

	// ShutdownTimeout bounds the final flush of all engines.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Include lists glob patterns of files whose storage and drivers
	// entries are appended to this file's. Relative patterns resolve
	// against the directory of the including file.
	Include []string `yaml:"include"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json. Empty picks json when stdout is not a
	// terminal.
	Format string `yaml:"format"`
}

// StatusConfig configures the HTTP status server.
type StatusConfig struct {
	// Listen is the server address. Empty disables the server.
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Status: StatusConfig{
			Listen: config.DefaultStatusListen,
		},
		ShutdownTimeout: config.DefaultDrainTimeout,
	}
}
