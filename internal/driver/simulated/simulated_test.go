package simulated

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/xtxerr/daqstore/internal/driver"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/queue"
)

func open(t *testing.T, opts map[string]any) *Driver {
	t.Helper()
	d, err := driver.Open(driver.Config{
		ID:       "sim-01",
		Type:     Type,
		Kind:     "thermocouple",
		Category: "sensors",
		Options:  opts,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d.(*Driver)
}

func TestPollProducesOneReadingPerKey(t *testing.T) {
	d := open(t, map[string]any{"keys": []string{"a", "b", "c"}, "amplitude": 2.0, "offset": 10.0})
	fixed := time.UnixMilli(1_700_000_000_000)
	d.now = func() time.Time { return fixed }

	c, err := d.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.ID() != "sim-01" || c.Kind() != "thermocouple" {
		t.Errorf("identity not stamped: %s/%s", c.ID(), c.Kind())
	}
	if c.Size() != 3 {
		t.Fatalf("expected 3 readings, got %d", c.Size())
	}
	for _, key := range []string{"a", "b", "c"} {
		m := c.Series(key)[0]
		if !m.Valid || m.TimestampMs != fixed.UnixMilli() {
			t.Errorf("%s: unexpected reading %+v", key, m)
		}
		if m.Value < 8 || m.Value > 12 {
			t.Errorf("%s: value %f outside offset±amplitude", key, m.Value)
		}
	}
}

func TestPollNoiseBounded(t *testing.T) {
	d := open(t, map[string]any{"amplitude": 0.0, "noise": 0.5})
	for i := 0; i < 50; i++ {
		c, err := d.Poll(context.Background())
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if v := c.Series("value")[0].Value; math.Abs(v) > 0.5 {
			t.Fatalf("noise %f exceeds bound", v)
		}
	}
}

func TestPollFailEvery(t *testing.T) {
	d := open(t, map[string]any{"fail_every": 3})

	for i := 1; i <= 6; i++ {
		c, err := d.Poll(context.Background())
		wantFail := i%3 == 0
		if wantFail != (err != nil) {
			t.Fatalf("poll %d: fail=%v, err=%v", i, wantFail, err)
		}
		if wantFail {
			if !errors.Is(err, errors.ErrPollFailed) {
				t.Errorf("expected ErrPollFailed, got %v", err)
			}
			if m := c.Series("value")[0]; m.Valid || m.Error == "" {
				t.Errorf("failed poll should yield an invalid reading, got %+v", m)
			}
		}
	}
	if d.Polls() != 6 {
		t.Errorf("expected 6 polls, got %d", d.Polls())
	}
}

func TestPollCancelled(t *testing.T) {
	d := open(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Poll(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestDefaultsApplied(t *testing.T) {
	d, err := driver.Open(driver.Config{ID: "x", Type: Type})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Kind() != Type || d.Category() != queue.Sensors || d.Compound() {
		t.Errorf("unexpected defaults: kind=%s category=%s compound=%v", d.Kind(), d.Category(), d.Compound())
	}

	c, _ := d.Poll(context.Background())
	if c.MaxStored() != 600 {
		t.Errorf("expected default max_stored 600, got %d", c.MaxStored())
	}
}

func TestInvalidOptions(t *testing.T) {
	for _, opts := range []map[string]any{
		{"keys": []string{}},
		{"period": "0s"},
		{"fail_every": -1},
		{"wobble": 1},
	} {
		if _, err := driver.Open(driver.Config{ID: "x", Type: Type, Options: opts}); !errors.IsConfiguration(err) {
			t.Errorf("options %v: expected configuration error, got %v", opts, err)
		}
	}
}
