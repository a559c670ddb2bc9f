package measurement

import (
	"math/rand"
	"testing"

	"github.com/xtxerr/daqstore/internal/errors"
)

func TestMerge_Scenario(t *testing.T) {
	a := New("thermo", "thermocouple", Unlimited)
	a.Insert("temp", m(1, 5.0))

	b := New("thermo", "thermocouple", Unlimited)
	b.Insert("temp", m(0, 3.0))

	merged, err := a.Merge(b)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	seq := merged.Series("temp")
	if len(seq) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(seq))
	}
	if seq[0].TimestampMs != 0 || seq[0].Value != 3.0 {
		t.Errorf("expected first (t=0, 3.0), got (t=%d, %f)", seq[0].TimestampMs, seq[0].Value)
	}
	if seq[1].TimestampMs != 1 || seq[1].Value != 5.0 {
		t.Errorf("expected second (t=1, 5.0), got (t=%d, %f)", seq[1].TimestampMs, seq[1].Value)
	}
}

func TestMerge_TypeMismatch(t *testing.T) {
	a := New("dev-1", "thermocouple", Unlimited)
	b := New("dev-1", "photodiode", Unlimited)

	_, err := a.Merge(b)
	if err == nil {
		t.Fatal("merging different kinds should fail")
	}
	if !errors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestMerge_DifferentIDsSameKind(t *testing.T) {
	a := New("dev-1", "thermocouple", Unlimited)
	b := New("dev-2", "thermocouple", Unlimited)
	b.Insert("temp", m(1, 1))

	merged, err := a.Merge(b)
	if err != nil {
		t.Fatalf("same kind should merge regardless of id: %v", err)
	}
	if merged.ID() != "dev-1" {
		t.Errorf("merged container should keep receiver id, got %s", merged.ID())
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	a := New("s", "k", 1)
	a.InsertAll("v", m(2, 2), m(1, 1))
	b := New("s", "k", Unlimited)
	b.InsertAll("v", m(0, 0))
	b.InsertAll("w", m(0, 0))

	if _, err := a.Merge(b); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if got := values(a.Series("v")); !equalFloats(got, []float64{2, 1}) {
		t.Errorf("receiver mutated: %v", got)
	}
	if a.Has("w") {
		t.Error("receiver gained key w")
	}
	if b.Size() != 2 {
		t.Errorf("argument mutated, size=%d", b.Size())
	}
}

func TestMerge_UnionOfKeys(t *testing.T) {
	a := New("s", "k", Unlimited)
	a.Insert("only-a", m(1, 1))
	a.Insert("both", m(2, 2))

	b := New("s", "k", Unlimited)
	b.Insert("both", m(1, 1))
	b.Insert("only-b", m(1, 1))

	merged, err := a.Merge(b)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	keys := merged.Keys()
	want := []string{"only-a", "both", "only-b"}
	if len(keys) != len(want) {
		t.Fatalf("expected keys %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d: expected %s, got %s", i, want[i], keys[i])
		}
	}
	if merged.Size() != 4 {
		t.Errorf("expected size=4, got %d", merged.Size())
	}
}

func TestMerge_StableForEqualTimestamps(t *testing.T) {
	a := New("s", "k", Unlimited)
	a.Insert("v", Measurement{TimestampMs: 10, Value: 1})
	a.Insert("v", Measurement{TimestampMs: 10, Value: 2})

	b := New("s", "k", Unlimited)
	b.Insert("v", Measurement{TimestampMs: 10, Value: 3})
	b.Insert("v", Measurement{TimestampMs: 5, Value: 0})

	merged, err := a.Merge(b)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got := values(merged.Series("v"))
	want := []float64{0, 1, 2, 3}
	if !equalFloats(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestMerge_RetentionKeepsMostRecent(t *testing.T) {
	a := New("s", "k", 3)
	a.InsertAll("v", m(1, 1), m(4, 4), m(6, 6))

	b := New("s", "k", Unlimited)
	b.InsertAll("v", m(2, 2), m(5, 5), m(3, 3))

	merged, err := a.Merge(b)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got := values(merged.Series("v"))
	want := []float64{4, 5, 6}
	if !equalFloats(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestMerge_RandomizedProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		limit := rng.Intn(8) - 1 // -1 .. 6
		a := New("s", "k", limit)
		b := New("s", "k", Unlimited)

		all := 0
		for i := rng.Intn(10); i > 0; i-- {
			a.Insert("v", m(int64(rng.Intn(5)), float64(all)))
			all++
		}
		for i := rng.Intn(10); i > 0; i-- {
			b.Insert("v", m(int64(rng.Intn(5)), float64(all)))
			all++
		}

		merged, err := a.Merge(b)
		if err != nil {
			t.Fatalf("round %d: Merge: %v", round, err)
		}

		seq := merged.Series("v")
		for i := 1; i < len(seq); i++ {
			if seq[i-1].TimestampMs > seq[i].TimestampMs {
				t.Fatalf("round %d: not chronological at %d", round, i)
			}
			// values were assigned in insertion order; equal timestamps must keep it
			if seq[i-1].TimestampMs == seq[i].TimestampMs && seq[i-1].Value > seq[i].Value {
				t.Fatalf("round %d: unstable order at %d", round, i)
			}
		}

		if limit >= 0 && len(seq) > limit {
			t.Fatalf("round %d: len=%d exceeds cap %d", round, len(seq), limit)
		}
		if limit < 0 && len(seq) != all {
			t.Fatalf("round %d: unlimited merge lost data: %d != %d", round, len(seq), all)
		}
	}
}

func TestMergeAll(t *testing.T) {
	base := New("s", "k", Unlimited)
	base.Insert("v", m(3, 3))

	x := New("s", "k", Unlimited)
	x.Insert("v", m(1, 1))
	y := New("s", "k", Unlimited)
	y.Insert("v", m(2, 2))

	merged, err := MergeAll(base, x, y)
	if err != nil {
		t.Fatalf("MergeAll: %v", err)
	}
	if got := values(merged.Series("v")); !equalFloats(got, []float64{1, 2, 3}) {
		t.Errorf("expected [1 2 3], got %v", got)
	}

	bad := New("s", "other", Unlimited)
	if _, err := MergeAll(base, x, bad); !errors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestMerge_Nil(t *testing.T) {
	a := New("s", "k", Unlimited)
	a.Insert("v", m(1, 1))

	merged, err := a.Merge(nil)
	if err != nil {
		t.Fatalf("Merge(nil): %v", err)
	}
	if merged == a {
		t.Error("Merge(nil) should return a copy")
	}
	if merged.Size() != 1 {
		t.Errorf("expected size=1, got %d", merged.Size())
	}
}

func TestMerge_NilSortsAndCulls(t *testing.T) {
	a := New("s", "k", 2)
	a.InsertAll("v", m(3, 3), m(1, 1), m(2, 2))

	merged, err := a.Merge(nil)
	if err != nil {
		t.Fatalf("Merge(nil): %v", err)
	}
	if got := values(merged.Series("v")); !equalFloats(got, []float64{2, 3}) {
		t.Errorf("expected [2 3], got %v", got)
	}
	if a.Len("v") != 3 {
		t.Errorf("input modified, len=%d", a.Len("v"))
	}

	all, err := MergeAll(a)
	if err != nil {
		t.Fatalf("MergeAll: %v", err)
	}
	if all == a || !equalFloats(values(all.Series("v")), []float64{2, 3}) {
		t.Errorf("MergeAll without others: got %v", values(all.Series("v")))
	}
}
