package storage_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage"
	_ "github.com/xtxerr/daqstore/internal/storage/memory"
	"github.com/xtxerr/daqstore/internal/testutil"
)

func TestCreate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     storage.EngineConfig
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  storage.EngineConfig{Name: "primary", Backend: "memory", BufferSize: 10},
		},
		{
			name: "valid with options",
			cfg: storage.EngineConfig{
				Name:    "primary",
				Backend: "memory",
				Options: map[string]any{"max_batches": 5},
			},
		},
		{
			name:    "missing name",
			cfg:     storage.EngineConfig{Backend: "memory"},
			wantErr: true,
		},
		{
			name:    "missing backend",
			cfg:     storage.EngineConfig{Name: "primary"},
			wantErr: true,
		},
		{
			name:    "unknown backend",
			cfg:     storage.EngineConfig{Name: "primary", Backend: "tape"},
			wantErr: true,
		},
		{
			name:    "negative buffer size",
			cfg:     storage.EngineConfig{Name: "primary", Backend: "memory", BufferSize: -1},
			wantErr: true,
		},
		{
			name: "unknown option",
			cfg: storage.EngineConfig{
				Name:    "primary",
				Backend: "memory",
				Options: map[string]any{"max_batchez": 5},
			},
			wantErr: true,
		},
		{
			name: "invalid option value",
			cfg: storage.EngineConfig{
				Name:    "primary",
				Backend: "memory",
				Options: map[string]any{"max_batches": -3},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := storage.Create(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.IsConfiguration(err) {
					t.Errorf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if e.Name() != tt.cfg.Name || e.BackendCode() != tt.cfg.Backend {
				t.Errorf("unexpected engine %s/%s", e.Name(), e.BackendCode())
			}
			if err := e.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
		})
	}
}

func TestCreate_CollectsAllProblems(t *testing.T) {
	_, err := storage.Create(storage.EngineConfig{BufferSize: -5})

	var verrs *errors.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(verrs.Errors) != 3 {
		t.Errorf("expected 3 problems (name, backend, buffer_size), got %d: %v", len(verrs.Errors), err)
	}
}

func TestBackendsListsRegistered(t *testing.T) {
	found := false
	for _, code := range storage.Backends() {
		if code == "memory" {
			found = true
		}
	}
	if !found {
		t.Errorf("memory backend not registered: %v", storage.Backends())
	}
}

func TestDecodeOptions(t *testing.T) {
	type opts struct {
		Dir      string        `yaml:"dir"`
		Interval time.Duration `yaml:"interval"`
		Keys     []string      `yaml:"keys"`
	}

	var o opts
	err := storage.DecodeOptions(map[string]any{
		"dir":      "/tmp/x",
		"interval": "250ms",
		"keys":     []any{"a", "b"},
	}, &o)
	if err != nil {
		t.Fatalf("DecodeOptions: %v", err)
	}
	if o.Dir != "/tmp/x" || o.Interval != 250*time.Millisecond || len(o.Keys) != 2 {
		t.Errorf("unexpected decode result %+v", o)
	}

	if err := storage.DecodeOptions(nil, &o); err != nil {
		t.Errorf("nil options should be accepted: %v", err)
	}

	err = storage.DecodeOptions(map[string]any{"directory": "x"}, &o)
	if !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for unknown key, got %v", err)
	}
}

// =============================================================================
// Retry
// =============================================================================

// flakyBackend fails the first n flushes.
type flakyBackend struct {
	failures atomic.Int32
	calls    atomic.Int32
	err      error
}

func (f *flakyBackend) Code() string { return "flaky" }

func (f *flakyBackend) FlushSimple(_ context.Context, _ []queue.Item) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return f.err
	}
	return nil
}

func (f *flakyBackend) FlushCompound(ctx context.Context, batch []queue.Item) error {
	return f.FlushSimple(ctx, batch)
}

func (f *flakyBackend) Close() error { return nil }

func TestWithRetry_RecoversFromTransientFailures(t *testing.T) {
	fb := &flakyBackend{err: fmt.Errorf("transient")}
	fb.failures.Store(2)

	b := storage.WithRetry(fb, storage.RetryConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	e := storage.New(b, storage.Options{})

	if err := e.StoreSensor(context.Background(), testutil.Container("s", "probe", "v", 1), false); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if n := fb.calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestWithRetry_GivesUp(t *testing.T) {
	fb := &flakyBackend{err: fmt.Errorf("permanent")}
	fb.failures.Store(100)

	b := storage.WithRetry(fb, storage.RetryConfig{Attempts: 2, Delay: time.Millisecond, MaxDelay: time.Millisecond})

	err := b.FlushSimple(context.Background(), nil)
	if err == nil || err.Error() != "permanent" {
		t.Errorf("expected last error only, got %v", err)
	}
	if n := fb.calls.Load(); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestWithRetry_StopsOnClosedBackend(t *testing.T) {
	fb := &flakyBackend{err: errors.ErrBackendClosed}
	fb.failures.Store(100)

	b := storage.WithRetry(fb, storage.RetryConfig{Attempts: 5, Delay: time.Millisecond})

	if err := b.FlushSimple(context.Background(), nil); !errors.Is(err, errors.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed, got %v", err)
	}
	if n := fb.calls.Load(); n != 1 {
		t.Errorf("closed backend should not be retried, got %d calls", n)
	}
}

func TestWithRetry_DisabledReturnsBackend(t *testing.T) {
	fb := &flakyBackend{}
	if b := storage.WithRetry(fb, storage.RetryConfig{Attempts: 1}); b != storage.Backend(fb) {
		t.Error("single attempt should not wrap")
	}
}
