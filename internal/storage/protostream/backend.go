package protostream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage"
)

// Code is the backend code used in configuration.
const Code = "protostream"

func init() {
	storage.RegisterBackend(Code, func(opts map[string]any) (storage.Backend, error) {
		o := Options{Sync: true}
		if err := storage.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		return Open(o)
	})
}

// Options configures the backend.
type Options struct {
	// Path of the output file. Frames are appended.
	Path string `yaml:"path"`

	// Sync fsyncs the file after every flush.
	Sync bool `yaml:"sync"`
}

// Backend appends one frame per flushed item to a file.
type Backend struct {
	mu         sync.Mutex
	file       *os.File
	buf        *bufio.Writer
	w          *Writer
	syncWrites bool
	closed     bool

	frames int64
	bytes  int64
}

// Open opens o.Path for appending, creating it if needed.
func Open(o Options) (*Backend, error) {
	if o.Path == "" {
		return nil, errors.NewMissingField("protostream.path")
	}
	if err := os.MkdirAll(filepath.Dir(o.Path), 0755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}

	f, err := os.OpenFile(o.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Path, err)
	}

	buf := bufio.NewWriterSize(f, 64*1024)
	return &Backend{
		file:       f,
		buf:        buf,
		w:          NewWriter(buf),
		syncWrites: o.Sync,
	}, nil
}

// Code implements storage.Backend.
func (b *Backend) Code() string { return Code }

// FlushSimple implements storage.Backend.
func (b *Backend) FlushSimple(ctx context.Context, batch []queue.Item) error {
	return b.write(ctx, storage.StreamSimple, batch)
}

// FlushCompound implements storage.Backend.
func (b *Backend) FlushCompound(ctx context.Context, batch []queue.Item) error {
	return b.write(ctx, storage.StreamCompound, batch)
}

func (b *Backend) write(ctx context.Context, stream storage.Stream, batch []queue.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrBackendClosed
	}
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, it := range batch {
		n, err := b.w.Write(Frame{Stream: stream.String(), FlushedAtMs: now, Item: it})
		if err != nil {
			return err
		}
		b.frames++
		b.bytes += int64(n)
	}

	if err := b.buf.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if b.syncWrites {
		if err := b.file.Sync(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// Stats returns the number of frames and bytes written since Open.
func (b *Backend) Stats() (frames, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames, b.bytes
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return errors.Join(b.buf.Flush(), b.file.Close())
}

// ReadFile reads every frame of a file. A truncated last frame, as left
// by a crash during a flush, ends the read without error; the returned
// bool reports whether that happened.
func ReadFile(path string) ([]Frame, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	r := NewReader(f)
	var frames []Frame
	for {
		fr, err := r.Read()
		switch {
		case err == nil:
			frames = append(frames, fr)
		case err == io.EOF:
			return frames, false, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			return frames, true, nil
		default:
			return frames, false, err
		}
	}
}
