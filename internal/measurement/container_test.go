package measurement

import (
	"testing"
)

func m(ts int64, v float64) Measurement {
	return Measurement{TimestampMs: ts, Value: v, Valid: true}
}

func values(seq []Measurement) []float64 {
	out := make([]float64, len(seq))
	for i, x := range seq {
		out[i] = x.Value
	}
	return out
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestContainer_Basic(t *testing.T) {
	c := New("tc-01", "thermocouple", Unlimited)

	if c.ID() != "tc-01" {
		t.Errorf("expected id=tc-01, got %s", c.ID())
	}
	if c.Kind() != "thermocouple" {
		t.Errorf("expected kind=thermocouple, got %s", c.Kind())
	}
	if c.MaxStored() != Unlimited {
		t.Errorf("expected unlimited cap, got %d", c.MaxStored())
	}
	if !c.IsEmpty() {
		t.Error("new container should be empty")
	}
}

func TestContainer_NegativeCapIsUnlimited(t *testing.T) {
	c := New("x", "k", -42)
	if c.MaxStored() != Unlimited {
		t.Errorf("expected %d, got %d", Unlimited, c.MaxStored())
	}

	c.SetMaxStored(-7)
	if c.MaxStored() != Unlimited {
		t.Errorf("expected %d after SetMaxStored, got %d", Unlimited, c.MaxStored())
	}
}

func TestContainer_InsertDoesNotSort(t *testing.T) {
	c := New("s", "k", Unlimited)
	c.Insert("v", m(3, 3))
	c.Insert("v", m(1, 1))
	c.Insert("v", m(2, 2))

	got := values(c.Series("v"))
	if !equalFloats(got, []float64{3, 1, 2}) {
		t.Errorf("insert should append without sorting, got %v", got)
	}
}

func TestContainer_Size(t *testing.T) {
	c := New("s", "k", Unlimited)
	c.InsertAll("a", m(1, 1), m(2, 2), m(3, 3))
	c.InsertAll("b", m(1, 1))
	c.InsertAll("c", m(1, 1), m(2, 2))

	if c.Size() != 6 {
		t.Errorf("expected size=6 (measurements, not keys), got %d", c.Size())
	}
	if c.Len("a") != 3 {
		t.Errorf("expected len(a)=3, got %d", c.Len("a"))
	}
	if c.Len("missing") != 0 {
		t.Errorf("expected len(missing)=0, got %d", c.Len("missing"))
	}
}

func TestContainer_KeysKeepInsertionOrder(t *testing.T) {
	c := New("s", "k", Unlimited)
	c.Insert("pressure", m(1, 1))
	c.Insert("temp", m(1, 1))
	c.Insert("pressure", m(2, 2))

	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "pressure" || keys[1] != "temp" {
		t.Errorf("unexpected key order %v", keys)
	}
}

func TestContainer_SortChronologicallyIsStable(t *testing.T) {
	c := New("s", "k", Unlimited)
	c.Insert("v", Measurement{TimestampMs: 5, Value: 1})
	c.Insert("v", Measurement{TimestampMs: 2, Value: 2})
	c.Insert("v", Measurement{TimestampMs: 5, Value: 3})
	c.Insert("v", Measurement{TimestampMs: 2, Value: 4})
	c.Insert("v", Measurement{TimestampMs: 1, Value: 5})

	c.SortChronologically()

	got := values(c.Series("v"))
	want := []float64{5, 2, 4, 1, 3}
	if !equalFloats(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestContainer_Cull(t *testing.T) {
	tests := []struct {
		name string
		max  int
		in   []float64
		want []float64
	}{
		{"keeps most recent", 2, []float64{1, 2, 3}, []float64{2, 3}},
		{"exact length untouched", 3, []float64{1, 2, 3}, []float64{1, 2, 3}},
		{"shorter untouched", 5, []float64{1, 2}, []float64{1, 2}},
		{"zero empties", 0, []float64{1, 2}, []float64{}},
		{"unlimited no-op", Unlimited, []float64{1, 2, 3}, []float64{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New("s", "k", Unlimited)
			for i, v := range tt.in {
				c.Insert("v", m(int64(i), v))
			}

			c.Cull(tt.max)

			got := values(c.Series("v"))
			if !equalFloats(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestContainer_MostRecent(t *testing.T) {
	c := New("s", "k", Unlimited)
	c.InsertAll("temp", m(1, 20.5), m(2, 21.0))
	c.InsertAll("rh", m(1, 40))

	recent := c.MostRecent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(recent))
	}
	if recent["temp"].Value != 21.0 {
		t.Errorf("expected latest temp=21.0, got %f", recent["temp"].Value)
	}
	if recent["rh"].Value != 40 {
		t.Errorf("expected latest rh=40, got %f", recent["rh"].Value)
	}

	// History must be untouched
	if c.Len("temp") != 2 {
		t.Errorf("MostRecent should not modify history, len(temp)=%d", c.Len("temp"))
	}
}

func TestContainer_CloneIsDeep(t *testing.T) {
	c := New("s", "k", 10)
	c.Insert("v", m(1, 1))

	clone := c.Clone()
	clone.Insert("v", m(2, 2))
	clone.Insert("w", m(2, 2))

	if c.Size() != 1 {
		t.Errorf("original modified through clone, size=%d", c.Size())
	}
	if c.Has("w") {
		t.Error("original gained a key through clone")
	}
	if clone.MaxStored() != 10 || clone.ID() != "s" || clone.Kind() != "k" {
		t.Error("clone lost identity fields")
	}
}

func TestContainer_SeriesReturnsCopy(t *testing.T) {
	c := New("s", "k", Unlimited)
	c.Insert("v", m(1, 1))

	seq := c.Series("v")
	seq[0].Value = 99

	if c.Series("v")[0].Value != 1 {
		t.Error("Series should return a copy")
	}
}

func TestContainer_TimeRange(t *testing.T) {
	c := New("s", "k", Unlimited)
	if o, n := c.TimeRange(); o != 0 || n != 0 {
		t.Errorf("empty container: expected (0,0), got (%d,%d)", o, n)
	}

	c.InsertAll("a", m(10, 0), m(30, 0))
	c.InsertAll("b", m(5, 0))

	oldest, newest := c.TimeRange()
	if oldest != 5 || newest != 30 {
		t.Errorf("expected (5,30), got (%d,%d)", oldest, newest)
	}
}
