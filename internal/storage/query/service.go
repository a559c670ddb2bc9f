// Package query runs SQL over the Parquet files written by the parquet
// storage backend, using an embedded DuckDB.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/storage/parquet"
)

// DataPlaceholder is replaced in ExecuteSQL queries by a read_parquet call
// over every file of the data directory.
const DataPlaceholder = "{data}"

// Options configures the query service.
type Options struct {
	// DataDir is the root directory of the parquet backend.
	DataDir string

	// MemoryLimit is passed to DuckDB as memory_limit, e.g. "512MB".
	MemoryLimit string
}

// Service provides query capabilities over stored data.
type Service struct {
	mu sync.RWMutex

	opts Options
	db   *sql.DB

	// Statistics
	stats ServiceStats
}

// SeriesQuery selects the measurements of one source key in a time range.
// A zero Start or End leaves that side open.
type SeriesQuery struct {
	Source string
	Key    string
	Start  time.Time
	End    time.Time
	Limit  int
}

// KeySummary holds per-key statistics of a source.
type KeySummary struct {
	Key     string
	Count   int64
	Invalid int64
	Min     float64
	Max     float64
	Avg     float64
	FirstTs int64
	LastTs  int64
}

// New creates a new query service.
func New(opts Options) (*Service, error) {
	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// Configure DuckDB
	if opts.MemoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit='%s'", strings.ReplaceAll(opts.MemoryLimit, "'", "")))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		opts: opts,
		db:   db,
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// pattern returns the glob over all data files, or "" if there are none.
// DuckDB fails on a glob that matches nothing.
func (s *Service) pattern() (string, error) {
	files, err := parquet.Files(s.opts.DataDir)
	if err != nil {
		return "", fmt.Errorf("list data files: %w", err)
	}
	if len(files) == 0 {
		return "", nil
	}
	return filepath.Join(s.opts.DataDir, "**", "*.parquet"), nil
}

// Series returns the stored measurements of one source key, oldest first.
func (s *Service) Series(ctx context.Context, q SeriesQuery) ([]measurement.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern, err := s.pattern()
	if err != nil || pattern == "" {
		return nil, err
	}

	query := `
		SELECT timestamp_ms, value, valid, coalesce(text, ''), coalesce(error, '')
		FROM ` + readParquet(pattern) + `
		WHERE source = $1
		  AND key = $2
		  AND timestamp_ms >= $3
		  AND timestamp_ms <= $4
		ORDER BY timestamp_ms
	`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, q.Source, q.Key, rangeStart(q.Start), rangeEnd(q.End))
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	var out []measurement.Measurement
	for rows.Next() {
		var m measurement.Measurement
		if err := rows.Scan(&m.TimestampMs, &m.Value, &m.Valid, &m.Text, &m.Error); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, m)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(out))

	return out, rows.Err()
}

// Summary returns per-key statistics of a source over all stored data.
// Invalid measurements are counted but excluded from min, max and avg.
func (s *Service) Summary(ctx context.Context, source string) ([]KeySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern, err := s.pattern()
	if err != nil || pattern == "" {
		return nil, err
	}

	query := `
		SELECT
			key,
			count(*),
			count(*) FILTER (WHERE NOT valid),
			coalesce(min(value) FILTER (WHERE valid), 0),
			coalesce(max(value) FILTER (WHERE valid), 0),
			coalesce(avg(value) FILTER (WHERE valid), 0),
			min(timestamp_ms),
			max(timestamp_ms)
		FROM ` + readParquet(pattern) + `
		WHERE source = $1
		GROUP BY key
		ORDER BY key
	`

	rows, err := s.db.QueryContext(ctx, query, source)
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []KeySummary
	for rows.Next() {
		var k KeySummary
		if err := rows.Scan(&k.Key, &k.Count, &k.Invalid, &k.Min, &k.Max, &k.Avg, &k.FirstTs, &k.LastTs); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, k)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(out))

	return out, rows.Err()
}

// readParquet returns a read_parquet table expression over pattern.
func readParquet(pattern string) string {
	return fmt.Sprintf("read_parquet('%s')", strings.ReplaceAll(pattern, "'", "''"))
}

func rangeStart(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func rangeEnd(t time.Time) int64 {
	if t.IsZero() {
		return 1<<63 - 1
	}
	return t.UnixMilli()
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// ExecuteSQL executes a raw SQL query using DuckDB. Occurrences of
// DataPlaceholder are replaced by a read_parquet call over the data
// directory. This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]string, []map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.Contains(query, DataPlaceholder) {
		pattern, err := s.pattern()
		if err != nil {
			return nil, nil, err
		}
		if pattern == "" {
			return nil, nil, fmt.Errorf("no parquet files in %s", s.opts.DataDir)
		}
		query = strings.ReplaceAll(query, DataPlaceholder, readParquet(pattern))
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var results []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, err
		}

		row := make(map[string]any)
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))

	return columns, results, rows.Err()
}
