package duckdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage"
	"github.com/xtxerr/daqstore/internal/testutil"
)

func TestBackend_WritesBothStreams(t *testing.T) {
	ctx := context.Background()

	b, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	simple := []queue.Item{
		{Category: queue.Sensors, Container: testutil.Container("tc-01", "thermocouple", "temp", 3)},
		{Category: queue.Controllers, Container: testutil.Container("pid-01", "pid", "setpoint", 2)},
	}
	compound := []queue.Item{
		{Category: queue.Hardware, Container: testutil.Container("psu-01", "power_supply", "voltage", 4)},
	}

	if err := b.FlushSimple(ctx, simple); err != nil {
		t.Fatalf("FlushSimple: %v", err)
	}
	if err := b.FlushCompound(ctx, compound); err != nil {
		t.Fatalf("FlushCompound: %v", err)
	}
	if err := b.FlushCompound(ctx, nil); err != nil {
		t.Fatalf("empty FlushCompound: %v", err)
	}

	for stream, want := range map[string]int64{"": 9, "simple": 5, "compound": 4} {
		n, err := b.Count(ctx, stream)
		if err != nil {
			t.Fatalf("Count(%q): %v", stream, err)
		}
		if n != want {
			t.Errorf("Count(%q) = %d, want %d", stream, n, want)
		}
	}

	var maxTs int64
	err = b.DB().QueryRowContext(ctx,
		"SELECT max(timestamp_ms) FROM measurements WHERE source = 'psu-01' AND key = 'voltage'",
	).Scan(&maxTs)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if maxTs != 3 {
		t.Errorf("expected max timestamp 3, got %d", maxTs)
	}
}

func TestBackend_PersistsToFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "daq.duckdb")

	b, err := Open(Options{Path: path, Table: "lab"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	batch := []queue.Item{{Category: queue.Sensors, Container: testutil.Container("tc-01", "thermocouple", "temp", 5)}}
	if err := b.FlushSimple(ctx, batch); err != nil {
		t.Fatalf("FlushSimple: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Options{Path: path, Table: "lab"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	n, err := reopened.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 rows after reopen, got %d", n)
	}
}

func TestBackend_Closed(t *testing.T) {
	b, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	batch := []queue.Item{{Category: queue.Sensors, Container: testutil.Container("a", "k", "x", 1)}}
	if err := b.FlushSimple(context.Background(), batch); !errors.Is(err, errors.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed, got %v", err)
	}
}

func TestBackend_InvalidTable(t *testing.T) {
	for _, table := range []string{"1abc", "drop table", "a;b", "x-y"} {
		if _, err := Open(Options{Table: table}); !errors.IsConfiguration(err) {
			t.Errorf("table %q: expected configuration error, got %v", table, err)
		}
	}
}

func TestBackend_Create(t *testing.T) {
	e, err := storage.Create(storage.EngineConfig{
		Name:       "sql",
		Backend:    Code,
		BufferSize: 2,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx := context.Background()
	if err := e.StoreHardware(ctx, testutil.Container("psu-01", "power_supply", "voltage", 3), true); err != nil {
		t.Fatalf("StoreHardware: %v", err)
	}

	b := e.Backend().(*Backend)
	n, err := b.Count(ctx, "compound")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("expected threshold flush of 3 rows, got %d", n)
	}

	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := storage.Create(storage.EngineConfig{
		Name:    "bad",
		Backend: Code,
		Options: map[string]any{"database": "x"},
	}); !errors.IsConfiguration(err) {
		t.Errorf("expected configuration error for unknown option, got %v", err)
	}
}
