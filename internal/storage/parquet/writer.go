package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/queue"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int

	// Metadata is stored as key-value pairs in the file footer.
	Metadata map[string]string
}

// syncFile flushes a file or directory to stable storage.
var syncFile = (*os.File).Sync

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "snappy":
		return CompressionSnappy, nil
	case "zstd", "":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "gzip":
		return CompressionGzip, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionZstd, errors.NewInvalidValue("compression", s, "must be snappy, zstd, lz4, gzip or none")
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// MeasurementRow is one measurement in Parquet format. Item is the index
// of the container within its batch, so a file can be read back into the
// batch it came from.
type MeasurementRow struct {
	Item        int32   `parquet:"item"`
	Category    string  `parquet:"category,zstd"`
	Source      string  `parquet:"source,zstd"`
	Kind        string  `parquet:"kind,zstd"`
	Key         string  `parquet:"key,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Value       float64 `parquet:"value"`
	Valid       bool    `parquet:"valid"`
	Text        string  `parquet:"text,optional,zstd"`
	Error       string  `parquet:"error,optional,zstd"`
}

// ItemsToRows flattens a batch into rows, container by container and key
// by key.
func ItemsToRows(batch []queue.Item) []MeasurementRow {
	rows := make([]MeasurementRow, 0, queue.BatchSize(batch))
	for i, it := range batch {
		c := it.Container
		for _, key := range c.Keys() {
			for _, m := range c.Series(key) {
				rows = append(rows, MeasurementRow{
					Item:        int32(i),
					Category:    string(it.Category),
					Source:      c.ID(),
					Kind:        string(c.Kind()),
					Key:         key,
					TimestampMs: m.TimestampMs,
					Value:       m.Value,
					Valid:       m.Valid,
					Text:        m.Text,
					Error:       m.Error,
				})
			}
		}
	}
	return rows
}

// RowsToItems rebuilds a batch from rows written by ItemsToRows. Retention
// caps are not stored, so the containers are unlimited.
func RowsToItems(rows []MeasurementRow) []queue.Item {
	var items []queue.Item
	index := make(map[int32]int)

	for i := range rows {
		r := &rows[i]
		pos, ok := index[r.Item]
		if !ok {
			pos = len(items)
			index[r.Item] = pos
			items = append(items, queue.Item{
				Category:  queue.Category(r.Category),
				Container: measurement.New(r.Source, measurement.Kind(r.Kind), measurement.Unlimited),
			})
		}
		items[pos].Container.Insert(r.Key, measurement.Measurement{
			TimestampMs: r.TimestampMs,
			Value:       r.Value,
			Valid:       r.Valid,
			Text:        r.Text,
			Error:       r.Error,
		})
	}
	return items
}

// MeasurementWriter writes measurement rows to a Parquet file.
type MeasurementWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[MeasurementRow]
	rowCount int64
	closed   bool
}

// NewMeasurementWriter creates a new Parquet writer at path.
func NewMeasurementWriter(path string, opts Options) (*MeasurementWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)))
	}
	for k, v := range opts.Metadata {
		writerOpts = append(writerOpts, parquet.KeyValueMetadata(k, v))
	}

	writer := parquet.NewGenericWriter[MeasurementRow](f, writerOpts...)

	return &MeasurementWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes rows to the Parquet file.
func (w *MeasurementWriter) Write(rows []MeasurementRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close writes the footer and syncs the file before closing it.
func (w *MeasurementWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := syncFile(w.file); err != nil {
		w.file.Close()
		return fmt.Errorf("sync %s: %w", w.path, err)
	}

	return w.file.Close()
}

// Publish renames a completed file to its final path and syncs the
// directory, so the new name survives a crash.
func Publish(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish %s: %w", path, err)
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer dir.Close()

	if err := syncFile(dir); err != nil {
		return fmt.Errorf("sync directory %s: %w", filepath.Dir(path), err)
	}
	return nil
}

// RowCount returns the number of rows written.
func (w *MeasurementWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *MeasurementWriter) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed: %w", errors.ErrBackendClosed)
