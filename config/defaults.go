// Package config provides configuration defaults for the daqd daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via daqd.yaml or DAQ_* environment variables.
package config

import "time"

// =============================================================================
// Status Server Defaults
// =============================================================================

const (
	// DefaultStatusListen is the address of the HTTP status/metrics endpoint.
	// An empty value disables the server.
	// Override via config: status.listen
	DefaultStatusListen = "127.0.0.1:9464"

	// DefaultStatusReadTimeout bounds reading a status request.
	DefaultStatusReadTimeout = 5 * time.Second
)

// =============================================================================
// Storage Engine Defaults
// =============================================================================

const (
	// DefaultBufferSize is the queue length, in measurements, at which a
	// store triggers a flush. Zero flushes on every store.
	// Override via config: storage[].buffer_size
	DefaultBufferSize = 0

	// DefaultRetryAttempts is the number of backend flush attempts when a
	// retry block is configured without attempts.
	// Override via config: storage[].retry.attempts
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the base delay between flush attempts.
	// Override via config: storage[].retry.delay
	DefaultRetryDelay = 200 * time.Millisecond

	// DefaultRetryMaxDelay caps the backoff between flush attempts.
	// Override via config: storage[].retry.max_delay
	DefaultRetryMaxDelay = 5 * time.Second
)

// =============================================================================
// Backend Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for file based backends.
	DefaultDataDir = "./data"

	// DefaultParquetCompression is the codec for parquet output.
	// Values: snappy, zstd, gzip, lz4, none
	DefaultParquetCompression = "zstd"

	// DefaultWALSegmentSize is the size after which a WAL segment is rotated.
	DefaultWALSegmentSize = 64 * 1024 * 1024

	// DefaultWALSyncMode controls fsync after each flushed batch.
	// Values: batch, os, none
	DefaultWALSyncMode = "batch"

	// DefaultMaxFrameSize is the largest protostream frame a reader accepts.
	DefaultMaxFrameSize = 16 * 1024 * 1024

	// DefaultRetentionInterval is the minimum time between two cleanup runs
	// of a parquet backend with retention enabled.
	DefaultRetentionInterval = 10 * time.Minute
)

// =============================================================================
// Acquisition Defaults
// =============================================================================

const (
	// DefaultPollInterval is the polling interval of a driver without one.
	// Override via config: drivers[].interval
	DefaultPollInterval = 1 * time.Second

	// DefaultPollTimeout bounds a single driver poll.
	// Override via config: drivers[].timeout
	DefaultPollTimeout = 5 * time.Second

	// DefaultMaxStored is the retention cap of the live history kept per
	// driver. -1 keeps everything.
	// Override via config: drivers[].max_stored
	DefaultMaxStored = 600

	// DefaultStartJitter spreads the first poll of each driver over this window.
	DefaultStartJitter = 250 * time.Millisecond
)

// =============================================================================
// SNMP Defaults
// =============================================================================

const (
	// DefaultSNMPPort is the UDP port of SNMP agents.
	DefaultSNMPPort = 161

	// DefaultSNMPTimeout is the timeout for a single SNMP request.
	DefaultSNMPTimeout = 2 * time.Second

	// DefaultSNMPRetries is the number of retry attempts after timeout.
	DefaultSNMPRetries = 1
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long the final flush of all engines may take
	// during shutdown. After this, the flush context is cancelled.
	// Override via config: shutdown_timeout
	DefaultDrainTimeout = 30 * time.Second
)
