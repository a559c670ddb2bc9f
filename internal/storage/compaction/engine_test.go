package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/daqstore/internal/storage/parquet"
	"github.com/xtxerr/daqstore/internal/testutil"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := New(DefaultOptions(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.now = func() time.Time { return testNow }
	return e, dir
}

// writeFlush writes a file the way the parquet backend does for one flush.
func writeFlush(t *testing.T, dir, stream string, ts time.Time, rows ...parquet.MeasurementRow) string {
	t.Helper()
	path := filepath.Join(dir, stream, ts.Format(time.DateOnly), fmt.Sprintf("%d-%d.parquet", ts.UnixMilli(), ts.UnixNano()))
	w, err := parquet.NewMeasurementWriter(path, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewMeasurementWriter: %v", err)
	}
	if err := w.Write(rows); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func row(item int32, source string, ts int64, v float64) parquet.MeasurementRow {
	return parquet.MeasurementRow{
		Item: item, Category: "sensors", Source: source, Kind: "thermocouple",
		Key: "temp", TimestampMs: ts, Value: v, Valid: true,
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without data dir")
	}

	e, _ := newTestEngine(t)
	if e.IsRunning() {
		t.Error("engine should not be running before Start()")
	}
}

func TestStartStop(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.IsRunning() {
		t.Error("engine should be running after Start()")
	}
	if err := e.Start(); err == nil {
		t.Error("expected error on double start")
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.IsRunning() {
		t.Error("engine should not be running after Stop()")
	}
	if e.SubmitJob(Job{OutputFile: "x/y.parquet"}) {
		t.Error("stopped engine accepted a job")
	}
	if err := e.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestPlan(t *testing.T) {
	e, dir := newTestEngine(t)
	yesterday := testNow.Add(-24 * time.Hour)

	writeFlush(t, dir, "simple", yesterday, row(0, "tc-01", 1, 1))
	writeFlush(t, dir, "simple", yesterday.Add(time.Minute), row(0, "tc-01", 2, 2))
	// single file day
	writeFlush(t, dir, "compound", yesterday, row(0, "psu-01", 1, 1))
	// open day
	writeFlush(t, dir, "simple", testNow, row(0, "tc-01", 3, 3))
	writeFlush(t, dir, "simple", testNow.Add(time.Second), row(0, "tc-01", 4, 4))

	jobs, err := e.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d: %+v", len(jobs), jobs)
	}
	if jobs[0].Stream != "simple" || len(jobs[0].SourceFiles) != 2 || !IsCompacted(jobs[0].OutputFile) {
		t.Errorf("unexpected job: %+v", jobs[0])
	}
}

func TestRunOnceMergesDay(t *testing.T) {
	e, dir := newTestEngine(t)
	day := testNow.Add(-48 * time.Hour).Truncate(24 * time.Hour)

	writeFlush(t, dir, "simple", day.Add(2*time.Hour),
		row(0, "tc-01", 3000, 3), row(1, "tc-02", 3000, 30))
	writeFlush(t, dir, "simple", day.Add(time.Hour),
		row(0, "tc-01", 1000, 1))

	n, err := e.RunOnce()
	if err != nil || n != 1 {
		t.Fatalf("RunOnce: n=%d err=%v", n, err)
	}

	files, err := parquet.Files(dir)
	if err != nil || len(files) != 1 || !IsCompacted(files[0]) {
		t.Fatalf("expected one compacted file, got %v (%v)", files, err)
	}

	r, err := parquet.NewMeasurementReader(files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0].TimestampMs != 1000 || rows[2].TimestampMs != 3000 {
		t.Fatalf("rows not merged in timestamp order: %+v", rows)
	}

	items := parquet.RowsToItems(rows)
	if len(items) != 3 {
		t.Errorf("expected 3 distinct containers, got %d", len(items))
	}

	stats := e.Stats()
	if stats.FilesRead != 2 || stats.FilesWritten != 1 || stats.RowsProcessed != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	// the day now holds a single file
	if n, err := e.RunOnce(); err != nil || n != 0 {
		t.Errorf("second RunOnce: n=%d err=%v", n, err)
	}
}

func TestInterruptedRunIsNotMergedTwice(t *testing.T) {
	e, dir := newTestEngine(t)
	day := testNow.Add(-48 * time.Hour).Truncate(24 * time.Hour)

	sources := []string{
		writeFlush(t, dir, "simple", day.Add(time.Hour), row(0, "tc-01", 1000, 1)),
		writeFlush(t, dir, "simple", day.Add(2*time.Hour), row(0, "tc-01", 2000, 2), row(1, "tc-02", 2000, 20)),
	}
	saved := make(map[string][]byte)
	for _, f := range sources {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		saved[f] = data
	}

	if n, err := e.RunOnce(); err != nil || n != 1 {
		t.Fatalf("RunOnce: n=%d err=%v", n, err)
	}

	// sources still present as if the run stopped before removing them
	for f, data := range saved {
		if err := os.WriteFile(f, data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	if n, err := e.RunOnce(); err != nil || n != 0 {
		t.Fatalf("second RunOnce: n=%d err=%v", n, err)
	}

	files, err := parquet.Files(dir)
	if err != nil || len(files) != 1 || !IsCompacted(files[0]) {
		t.Fatalf("expected only the compacted file, got %v (%v)", files, err)
	}
	r, err := parquet.NewMeasurementReader(files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if n := r.NumRows(); n != 3 {
		t.Errorf("expected 3 rows, got %d", n)
	}
}

func TestRunJobKeepsSourcesOnFailure(t *testing.T) {
	e, dir := newTestEngine(t)
	day := testNow.Add(-48 * time.Hour)
	good := writeFlush(t, dir, "simple", day, row(0, "tc-01", 1, 1))
	bad := filepath.Join(filepath.Dir(good), "2-broken.parquet")
	if err := os.WriteFile(bad, []byte("not parquet"), 0644); err != nil {
		t.Fatal(err)
	}

	jobs, err := e.Plan()
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Plan: %v %v", jobs, err)
	}
	if err := e.RunJob(jobs[0]); err == nil {
		t.Fatal("expected error for broken source file")
	}
	if _, err := os.Stat(good); err != nil {
		t.Errorf("source removed after failed job: %v", err)
	}
	if _, err := os.Stat(jobs[0].OutputFile); !os.IsNotExist(err) {
		t.Error("output published after failed job")
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	e, dir := newTestEngine(t)
	day := testNow.Add(-72 * time.Hour)
	writeFlush(t, dir, "compound", day, row(0, "psu-01", 1, 1))
	writeFlush(t, dir, "compound", day.Add(time.Second), row(0, "psu-01", 2, 2))

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	if err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		return e.Stats().JobsCompleted == 1
	}); err != nil {
		t.Fatalf("job not completed: %+v", e.Stats())
	}
}
