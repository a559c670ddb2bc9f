package parquet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/logging"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage"
	"github.com/xtxerr/daqstore/internal/storage/retention"
)

var log = logging.Component("storage.parquet")

// Code is the backend code used in configuration.
const Code = "parquet"

func init() {
	storage.RegisterBackend(Code, func(opts map[string]any) (storage.Backend, error) {
		o := BackendOptions{Compression: config.DefaultParquetCompression}
		if err := storage.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		return Open(o)
	})
}

// BackendOptions configures the parquet storage backend.
type BackendOptions struct {
	Dir          string `yaml:"dir"`
	Compression  string `yaml:"compression"`
	RowGroupSize int    `yaml:"row_group_size"`

	// Retention deletes files older than this. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`

	// RetentionInterval is the minimum time between cleanup runs.
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// Backend writes every flushed batch to its own Parquet file:
//
//	<dir>/<stream>/<yyyy-mm-dd>/<unix ms>-<uuid>.parquet
//
// Files are written under a temporary name, synced and renamed when
// complete, so readers never see a partial file and a returned flush is
// durable.
type Backend struct {
	dir    string
	opts   Options
	closed atomic.Bool

	files atomic.Int64
	rows  atomic.Int64

	retention   *retention.Manager
	cleanupMu   sync.Mutex
	interval    time.Duration
	lastCleanup time.Time
}

// Open creates a parquet backend.
func Open(o BackendOptions) (*Backend, error) {
	if o.Dir == "" {
		return nil, errors.NewMissingField("parquet.dir")
	}
	ct, err := ParseCompressionType(o.Compression)
	if err != nil {
		return nil, err
	}
	if o.Retention < 0 || o.RetentionInterval < 0 {
		return nil, errors.NewValidation("parquet.retention", "must not be negative")
	}
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := DefaultOptions()
	opts.Compression = ct
	if o.RowGroupSize > 0 {
		opts.RowGroupSize = o.RowGroupSize
	}

	b := &Backend{dir: o.Dir, opts: opts}
	if o.Retention > 0 {
		b.retention = retention.New(o.Dir, o.Retention)
		b.interval = o.RetentionInterval
		if b.interval == 0 {
			b.interval = config.DefaultRetentionInterval
		}
	}
	return b, nil
}

// Code implements storage.Backend.
func (b *Backend) Code() string { return Code }

// FlushSimple implements storage.Backend.
func (b *Backend) FlushSimple(ctx context.Context, batch []queue.Item) error {
	return b.write(ctx, "simple", batch)
}

// FlushCompound implements storage.Backend.
func (b *Backend) FlushCompound(ctx context.Context, batch []queue.Item) error {
	return b.write(ctx, "compound", batch)
}

func (b *Backend) write(ctx context.Context, stream string, batch []queue.Item) error {
	if b.closed.Load() {
		return errors.ErrBackendClosed
	}
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rows := ItemsToRows(batch)
	if len(rows) == 0 {
		return nil
	}

	path := b.nextPath(stream)
	tmp := path + ".tmp"

	w, err := NewMeasurementWriter(tmp, b.opts)
	if err != nil {
		return err
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := Publish(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	b.files.Add(1)
	b.rows.Add(int64(len(rows)))
	b.maybeCleanup()
	return nil
}

// maybeCleanup runs retention at most once per interval. It never fails a
// flush.
func (b *Backend) maybeCleanup() {
	if b.retention == nil {
		return
	}
	if !b.cleanupMu.TryLock() {
		return
	}
	defer b.cleanupMu.Unlock()

	now := time.Now()
	if now.Sub(b.lastCleanup) < b.interval {
		return
	}
	b.lastCleanup = now

	for _, r := range b.retention.RunCleanup() {
		for _, err := range r.Errors {
			log.Warn("retention cleanup", "stream", r.Stream, "error", err)
		}
		if r.FilesDeleted > 0 {
			log.Debug("retention cleanup", "stream", r.Stream,
				"files", r.FilesDeleted, "bytes", r.BytesFreed)
		}
	}
}

// Retention returns the retention manager, or nil when retention is off.
func (b *Backend) Retention() *retention.Manager { return b.retention }

func (b *Backend) nextPath(stream string) string {
	now := time.Now().UTC()
	name := fmt.Sprintf("%d-%s.parquet", now.UnixMilli(), uuid.NewString())
	return filepath.Join(b.dir, stream, now.Format("2006-01-02"), name)
}

// Close implements storage.Backend. Every file is complete once its flush
// returns, so there is nothing left to write.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// Dir returns the root data directory.
func (b *Backend) Dir() string { return b.dir }

// Stats returns the number of files and rows written.
func (b *Backend) Stats() (files, rows int64) {
	return b.files.Load(), b.rows.Load()
}
