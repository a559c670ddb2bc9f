// Package storage implements the buffered storage engine of the
// acquisition pipeline.
//
// Architecture:
//
//	┌─────────────┐     ┌──────────────────┐     ┌─────────────┐
//	│   Drivers   │────▶│  simple queue    │────▶│             │
//	│  Store*()   │     ├──────────────────┤     │   Backend   │
//	│             │────▶│  compound queue  │────▶│             │
//	└─────────────┘     └──────────────────┘     └─────────────┘
//
// Producers hand containers to an Engine through StoreController,
// StoreSensor, StoreHardware or StoreMixed. The engine keeps a deep copy in
// the simple or compound queue and, once a queue holds at least BufferSize
// measurements, drains it and passes the batch to the backend. The flush
// runs on the producer goroutine that crossed the threshold; there is no
// background flusher.
//
// Shutdown performs the final drain of both queues and closes the backend.
// The caller owns that call: the engine registers no exit hooks.
//
// Backends live in subpackages and register themselves by code:
//
//	import _ "github.com/xtxerr/daqstore/internal/storage/parquet"
//
//	engine, err := storage.Create(storage.EngineConfig{
//	    Name:       "primary",
//	    Backend:    "parquet",
//	    BufferSize: 100,
//	    Options:    map[string]any{"dir": "./data"},
//	})
//
// Each stored container is handed to the backend in one flush, in enqueue
// order within its queue. A failed flush drops the batch unless the engine
// requeues on failure. Concurrent stores racing on the threshold may
// produce an extra, smaller flush; a store that misses a flush is carried
// by the next one or by Shutdown.
package storage
