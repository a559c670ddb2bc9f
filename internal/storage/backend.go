package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/queue"
)

// Backend persists drained batches. A batch is a list of items in enqueue
// order; an empty batch must be accepted as a no-op.
//
// The engine never calls FlushSimple (or FlushCompound) concurrently with
// itself, but the two streams may be flushed in parallel.
type Backend interface {
	// Code is the short identifier used in configuration and error messages.
	Code() string

	FlushSimple(ctx context.Context, batch []queue.Item) error
	FlushCompound(ctx context.Context, batch []queue.Item) error

	Close() error
}

// Factory builds a backend from its raw configuration options.
type Factory func(opts map[string]any) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterBackend makes a backend available under code. Backend packages
// call it from init; it panics if code is empty or already taken.
func RegisterBackend(code string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if code == "" || factory == nil {
		panic("storage: RegisterBackend with empty code or nil factory")
	}
	if _, dup := registry[code]; dup {
		panic("storage: RegisterBackend called twice for backend " + code)
	}
	registry[code] = factory
}

// Backends returns the sorted codes of all registered backends.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func lookupBackend(code string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[code]
	return f, ok
}

// DecodeOptions decodes raw backend options into out, which must be a
// pointer to a struct with yaml tags. Keys that do not map to a field are
// rejected. Nil or empty options leave out untouched.
func DecodeOptions(opts map[string]any, out any) error {
	if len(opts) == 0 {
		return nil
	}

	data, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode options: %v: %w", err, errors.ErrConfiguration)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode options: %v: %w", err, errors.ErrConfiguration)
	}
	return nil
}
