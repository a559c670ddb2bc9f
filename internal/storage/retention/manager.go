// Package retention removes expired files written by the parquet backend.
//
// Files are expected in the parquet backend layout
//
//	<dir>/<stream>/<yyyy-mm-dd>/<unix ms>-<uuid>.parquet
//
// and expire by the flush time encoded in their name. Day directories left
// empty are removed too.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/daqstore/internal/storage"
)

// Manager handles cleanup of expired data.
type Manager struct {
	mu     sync.RWMutex
	dir    string
	maxAge time.Duration
	now    func() time.Time
	stats  ManagerStats
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	Stream       string
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	DirsRemoved  int
	Errors       []error
}

// New creates a retention manager for a parquet backend directory. Files
// older than maxAge are expired.
func New(dir string, maxAge time.Duration) *Manager {
	return &Manager{
		dir:    dir,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// streams are the stream directories below the data directory.
var streams = []string{storage.StreamSimple.String(), storage.StreamCompound.String()}

// RunCleanup performs cleanup on all streams.
func (m *Manager) RunCleanup() []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = m.now()

	var results []CleanupResult
	for _, stream := range streams {
		result := m.cleanupStream(stream, false)
		results = append(results, result)

		m.stats.FilesDeleted += int64(result.FilesDeleted)
		m.stats.BytesFreed += result.BytesFreed
		m.stats.FilesSkipped += int64(result.FilesSkipped)
		m.stats.Errors += int64(len(result.Errors))
	}

	return results
}

// DryRun reports what RunCleanup would delete without deleting anything.
func (m *Manager) DryRun() []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []CleanupResult
	for _, stream := range streams {
		results = append(results, m.cleanupStream(stream, true))
	}
	return results
}

// cleanupStream performs cleanup for a single stream.
func (m *Manager) cleanupStream(stream string, dryRun bool) CleanupResult {
	result := CleanupResult{Stream: stream}
	cutoff := m.now().Add(-m.maxAge)

	files, err := listFiles(filepath.Join(m.dir, stream))
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		}
		return result
	}

	touched := make(map[string]bool)
	for _, file := range files {
		fileTime, err := parseFileTime(file.name)
		if err != nil || fileTime.After(cutoff) {
			result.FilesSkipped++
			continue
		}

		if !dryRun {
			if err := os.Remove(file.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", file.path, err))
				continue
			}
			touched[filepath.Dir(file.path)] = true
		}

		result.FilesDeleted++
		result.BytesFreed += file.size
	}

	// os.Remove fails on a directory that still has files
	for dir := range touched {
		if os.Remove(dir) == nil {
			result.DirsRemoved++
		}
	}

	return result
}

// fileInfo holds information about a file.
type fileInfo struct {
	name string
	path string
	size int64
}

// listFiles lists all Parquet files in the day directories of dir, oldest
// first.
func listFiles(dir string) ([]fileInfo, error) {
	days, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []fileInfo
	for _, day := range days {
		if !day.IsDir() {
			continue
		}

		dayDir := filepath.Join(dir, day.Name())
		entries, err := os.ReadDir(dayDir)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || filepath.Ext(name) != ".parquet" {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				continue
			}

			files = append(files, fileInfo{
				name: name,
				path: filepath.Join(dayDir, name),
				size: info.Size(),
			})
		}
	}

	// Sort by name (oldest first)
	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})

	return files, nil
}

// parseFileTime extracts the flush time from a file name.
func parseFileTime(name string) (time.Time, error) {
	prefix, _, ok := strings.Cut(strings.TrimSuffix(name, filepath.Ext(name)), "-")
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected file name %q", name)
	}
	ms, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unexpected file name %q: %w", name, err)
	}
	return time.UnixMilli(ms), nil
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// ManagerStats holds manager statistics.
type ManagerStats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// GetDiskUsage returns disk usage for each stream.
func (m *Manager) GetDiskUsage() map[string]DiskUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := make(map[string]DiskUsage)
	for _, stream := range streams {
		files, err := listFiles(filepath.Join(m.dir, stream))
		if err != nil {
			continue
		}

		var totalSize int64
		for _, f := range files {
			totalSize += f.size
		}

		usage[stream] = DiskUsage{
			FileCount: len(files),
			TotalSize: totalSize,
		}
	}

	return usage
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() string {
	usage := m.GetDiskUsage()

	var b strings.Builder
	var totalSize int64
	var totalFiles int

	b.WriteString("Disk Usage:\n")
	for _, stream := range streams {
		u := usage[stream]
		totalSize += u.TotalSize
		totalFiles += u.FileCount

		fmt.Fprintf(&b, "  %s: %d files, %s\n", stream, u.FileCount, formatBytes(u.TotalSize))
	}
	fmt.Fprintf(&b, "  Total: %d files, %s\n", totalFiles, formatBytes(totalSize))

	return b.String()
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
