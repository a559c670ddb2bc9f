package wal

import (
	"context"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage"
)

// Code is the backend code used in configuration.
const Code = "wal"

func init() {
	storage.RegisterBackend(Code, func(opts map[string]any) (storage.Backend, error) {
		var o BackendOptions
		if err := storage.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		if o.Dir == "" {
			return nil, errors.NewMissingField("wal.dir")
		}
		return Open(o)
	})
}

// BackendOptions configures the wal storage backend.
type BackendOptions struct {
	Dir         string `yaml:"dir"`
	SegmentSize int64  `yaml:"segment_size"`
	Sync        string `yaml:"sync"`
}

// Backend writes every flushed batch as one WAL record. Both streams share
// one log; the record carries the stream.
type Backend struct {
	w *Writer
}

// Open creates a wal backend.
func Open(o BackendOptions) (*Backend, error) {
	w, err := NewWriter(o.Dir, Options{
		MaxSegmentSize: o.SegmentSize,
		SyncMode:       o.Sync,
	})
	if err != nil {
		return nil, err
	}
	return &Backend{w: w}, nil
}

// Code implements storage.Backend.
func (b *Backend) Code() string { return Code }

// FlushSimple implements storage.Backend.
func (b *Backend) FlushSimple(_ context.Context, batch []queue.Item) error {
	return b.w.Write(false, batch)
}

// FlushCompound implements storage.Backend.
func (b *Backend) FlushCompound(_ context.Context, batch []queue.Item) error {
	return b.w.Write(true, batch)
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	return b.w.Close()
}

// Stats returns the writer statistics.
func (b *Backend) Stats() WriterStats {
	return b.w.Stats()
}
