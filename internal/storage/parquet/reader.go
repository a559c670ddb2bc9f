package parquet

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/daqstore/internal/queue"
)

// MeasurementReader reads measurement rows from a Parquet file.
type MeasurementReader struct {
	file   *os.File
	reader *parquet.GenericReader[MeasurementRow]
	path   string
}

// NewMeasurementReader opens a Parquet file written by MeasurementWriter.
// A file that is not valid Parquet is reported as an error.
func NewMeasurementReader(path string) (*MeasurementReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size(), parquet.ReadBufferSize(1024*1024))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	reader := parquet.NewGenericReader[MeasurementRow](pf)

	return &MeasurementReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Metadata returns the footer value stored under key.
func Metadata(path, key string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", false, fmt.Errorf("stat file: %w", err)
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return "", false, fmt.Errorf("open parquet %s: %w", path, err)
	}

	v, ok := pf.Lookup(key)
	return v, ok, nil
}

// Read reads up to n rows. It returns io.EOF once the file is exhausted.
func (r *MeasurementReader) Read(n int) ([]MeasurementRow, error) {
	rows := make([]MeasurementRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(err == io.EOF && count > 0) {
		return nil, err
	}
	return rows[:count], nil
}

// ReadAll reads all rows of the file.
func (r *MeasurementReader) ReadAll() ([]MeasurementRow, error) {
	rows := make([]MeasurementRow, r.reader.NumRows())

	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *MeasurementReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *MeasurementReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *MeasurementReader) Path() string {
	return r.path
}

// ReadFile reads one flushed batch back from a file.
func ReadFile(path string) ([]queue.Item, error) {
	r, err := NewMeasurementReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return RowsToItems(rows), nil
}

// Files returns every finished Parquet file below dir, sorted by path.
// Since file names start with the flush time, that is flush order within
// a stream directory.
func Files(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".parquet") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	r, err := NewMeasurementReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: r.NumRows(),
	}, nil
}
