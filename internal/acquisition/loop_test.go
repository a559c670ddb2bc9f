package acquisition

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/daqstore/internal/driver"
	"github.com/xtxerr/daqstore/internal/driver/simulated"
	"github.com/xtxerr/daqstore/internal/history"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage"
	"github.com/xtxerr/daqstore/internal/storage/memory"
	"github.com/xtxerr/daqstore/internal/testutil"
)

func openSim(t *testing.T, id, category string, compound bool, opts map[string]any) driver.Driver {
	t.Helper()
	d, err := driver.Open(driver.Config{
		ID:       id,
		Type:     simulated.Type,
		Category: category,
		Compound: compound,
		Options:  opts,
	})
	if err != nil {
		t.Fatalf("driver.Open: %v", err)
	}
	return d
}

func newEngine(t *testing.T) (*storage.Engine, *memory.Backend) {
	t.Helper()
	b := memory.New(memory.Options{})
	return storage.New(b, storage.Options{Name: "mem"}), b
}

func TestPollAllRoutesByCategory(t *testing.T) {
	e, b := newEngine(t)
	reg := history.New()

	l := New([]Source{
		{Driver: openSim(t, "pid-01", "controllers", false, nil)},
		{Driver: openSim(t, "tc-01", "sensors", false, map[string]any{"keys": []string{"a", "b"}})},
		{Driver: openSim(t, "psu-01", "hardware", true, nil)},
		{Driver: openSim(t, "rig-01", "mixed", true, nil)},
	}, []Sink{e}, reg, Options{})

	l.PollAll(context.Background())

	simple := b.Simple()
	compound := b.Compound()
	if len(simple) != 2 || len(compound) != 2 {
		t.Fatalf("expected 2 simple and 2 compound flushes, got %d/%d", len(simple), len(compound))
	}

	got := []queue.Category{
		simple[0][0].Category, simple[1][0].Category,
		compound[0][0].Category, compound[1][0].Category,
	}
	want := []queue.Category{queue.Controllers, queue.Sensors, queue.Hardware, queue.Mixed}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("flush %d: category %s, want %s", i, got[i], want[i])
		}
	}

	if reg.Len() != 4 {
		t.Errorf("expected 4 sources in history, got %d", reg.Len())
	}
	if latest, ok := reg.Latest("tc-01"); !ok || len(latest) != 2 {
		t.Errorf("expected 2 latest readings for tc-01, got %v", latest)
	}

	for _, s := range l.Stats() {
		if s.Polls != 1 || s.Errors != 0 {
			t.Errorf("%s: polls=%d errors=%d", s.ID, s.Polls, s.Errors)
		}
	}
}

func TestFailedPollStillStoresInvalidReadings(t *testing.T) {
	e, b := newEngine(t)
	l := New([]Source{
		{Driver: openSim(t, "flaky", "sensors", false, map[string]any{"fail_every": 1})},
	}, []Sink{e}, nil, Options{})

	l.PollAll(context.Background())

	stats := l.Stats()[0]
	if stats.Errors != 1 || stats.LastError == "" {
		t.Errorf("expected recorded poll error, got %+v", stats)
	}

	simple := b.Simple()
	if len(simple) != 1 {
		t.Fatalf("expected one flush, got %d", len(simple))
	}
	if m := simple[0][0].Container.Series("value")[0]; m.Valid || m.Error == "" {
		t.Errorf("expected an invalid reading stored, got %+v", m)
	}
}

func TestStoreErrorsCounted(t *testing.T) {
	e, _ := newEngine(t)
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	l := New([]Source{
		{Driver: openSim(t, "tc-01", "sensors", false, nil)},
	}, []Sink{e}, nil, Options{})

	l.PollAll(context.Background())

	if l.StoreErrors() != 1 {
		t.Errorf("expected 1 store error, got %d", l.StoreErrors())
	}

	var buf bytes.Buffer
	l.WriteMetrics(&buf)
	if !strings.Contains(buf.String(), `daq_store_errors_total{source="tc-01",kind="simulated"} 1`) {
		t.Errorf("store error metric missing:\n%s", buf.String())
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	e, b := newEngine(t)
	l := New([]Source{
		{Driver: openSim(t, "fast", "sensors", false, nil), Interval: 5 * time.Millisecond},
		{Driver: openSim(t, "slow", "sensors", true, nil), Interval: 10 * time.Millisecond},
	}, []Sink{e}, nil, Options{StartJitter: 2 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return len(b.Simple()) >= 3 && len(b.Compound()) >= 2
	})
	cancel()
	if err != nil {
		t.Fatalf("loop did not poll: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestRunWithoutSources(t *testing.T) {
	l := New(nil, nil, nil, DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestStoreUnknownCategory(t *testing.T) {
	e, _ := newEngine(t)
	c := measurement.New("x", "k", measurement.Unlimited)
	if err := store(context.Background(), e, "lasers", c, false); err == nil {
		t.Error("expected error for unknown category")
	}
}
