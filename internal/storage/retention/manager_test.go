package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, maxAge time.Duration) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m := New(dir, maxAge)
	m.now = func() time.Time { return testNow }
	return m, dir
}

// writeFile creates a data file flushed at ts and returns its path.
func writeFile(t *testing.T, dir, stream string, ts time.Time, n int) string {
	t.Helper()
	dayDir := filepath.Join(dir, stream, ts.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dayDir, fmt.Sprintf("%d-%08d.parquet", ts.UnixMilli(), n))
	if err := os.WriteFile(path, []byte("test"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestParseFileTime(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		expected time.Time
		hasError bool
	}{
		{
			name:     "flush file",
			filename: fmt.Sprintf("%d-0b6c2e8e-3f6a-4d7a-9d55-1f1f3f0f0a11.parquet", testNow.UnixMilli()),
			expected: testNow,
		},
		{
			name:     "no separator",
			filename: "1741608000000.parquet",
			hasError: true,
		},
		{
			name:     "not a timestamp",
			filename: "latest-abc.parquet",
			hasError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseFileTime(tt.filename)

			if tt.hasError {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Equal(tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestRunCleanup(t *testing.T) {
	m, dir := newTestManager(t, 24*time.Hour)

	old1 := writeFile(t, dir, "simple", testNow.Add(-72*time.Hour), 1)
	writeFile(t, dir, "simple", testNow.Add(-72*time.Hour), 2)
	keep := writeFile(t, dir, "simple", testNow.Add(-time.Hour), 3)
	writeFile(t, dir, "compound", testNow.Add(-48*time.Hour), 4)

	results := m.RunCleanup()
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	simple, compound := results[0], results[1]
	if simple.Stream != "simple" || simple.FilesDeleted != 2 || simple.FilesSkipped != 1 || simple.DirsRemoved != 1 {
		t.Errorf("unexpected simple result: %+v", simple)
	}
	if compound.FilesDeleted != 1 || compound.DirsRemoved != 1 {
		t.Errorf("unexpected compound result: %+v", compound)
	}

	if _, err := os.Stat(old1); !os.IsNotExist(err) {
		t.Error("expired file still exists")
	}
	if _, err := os.Stat(filepath.Dir(old1)); !os.IsNotExist(err) {
		t.Error("empty day directory still exists")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("recent file removed: %v", err)
	}

	stats := m.Stats()
	if stats.FilesDeleted != 3 || stats.BytesFreed != 12 || !stats.LastRunTime.Equal(testNow) {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDryRun(t *testing.T) {
	m, dir := newTestManager(t, time.Hour)
	oldFile := writeFile(t, dir, "compound", testNow.Add(-2*time.Hour), 1)

	results := m.DryRun()
	if results[1].FilesDeleted != 1 {
		t.Errorf("expected 1 file would be deleted, got %d", results[1].FilesDeleted)
	}
	if _, err := os.Stat(oldFile); err != nil {
		t.Errorf("file should still exist after dry run: %v", err)
	}
	if m.Stats().FilesDeleted != 0 {
		t.Error("dry run changed stats")
	}
}

func TestForeignFilesSkipped(t *testing.T) {
	m, dir := newTestManager(t, time.Hour)
	dayDir := filepath.Join(dir, "simple", "2020-01-01")
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dayDir, "notes.parquet"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dayDir, "README"), []byte("x"), 0644)

	results := m.RunCleanup()
	if results[0].FilesDeleted != 0 || results[0].FilesSkipped != 1 {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestMissingDir(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "nope"), time.Hour)
	for _, r := range m.RunCleanup() {
		if len(r.Errors) != 0 {
			t.Errorf("%s: unexpected errors %v", r.Stream, r.Errors)
		}
	}
}

func TestDiskUsage(t *testing.T) {
	m, dir := newTestManager(t, time.Hour)
	for i := 0; i < 3; i++ {
		writeFile(t, dir, "simple", testNow, i)
	}

	usage := m.GetDiskUsage()
	if usage["simple"].FileCount != 3 || usage["simple"].TotalSize != 12 {
		t.Errorf("unexpected usage: %+v", usage["simple"])
	}

	output := m.FormatDiskUsage()
	for _, want := range []string{"simple: 3 files, 12 B", "compound: 0 files", "Total: 3 files"} {
		if !strings.Contains(output, want) {
			t.Errorf("output lacks %q:\n%s", want, output)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{500, "500 B"},
		{1024, "1.00 KB"},
		{1024 * 1024, "1.00 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
		{1024 * 1024 * 1024 * 1024, "1.00 TB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d): expected %s, got %s", tt.bytes, tt.expected, result)
		}
	}
}
