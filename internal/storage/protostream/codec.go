// Package protostream provides a storage backend that appends flushed
// containers to a file as length-delimited protobuf messages.
//
// Every queued item becomes one frame: a varint length followed by a
// google.protobuf.Struct of the form
//
//	{
//	  "stream": "simple",
//	  "flushed_at_ms": 1700000000000,
//	  "category": "sensors",
//	  "source": "tc-01",
//	  "kind": "thermocouple",
//	  "max_stored": -1,
//	  "series": {"temp": [{"t": 1000, "v": 21.5, "ok": true}, ...]}
//	}
//
// so any protobuf runtime can read the stream without a schema file.
package protostream

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/queue"
)

// Frame is one decoded message.
type Frame struct {
	Stream      string
	FlushedAtMs int64
	Item        queue.Item
}

// ============================================================================
// Conversion
// ============================================================================

// FrameToStruct converts a frame to its message form.
func FrameToStruct(f Frame) *structpb.Struct {
	c := f.Item.Container

	series := make(map[string]*structpb.Value, len(c.Keys()))
	for _, key := range c.Keys() {
		seq := c.Series(key)
		values := make([]*structpb.Value, len(seq))
		for i, m := range seq {
			values[i] = structpb.NewStructValue(measurementToStruct(m))
		}
		series[key] = structpb.NewListValue(&structpb.ListValue{Values: values})
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"stream":        structpb.NewStringValue(f.Stream),
		"flushed_at_ms": structpb.NewNumberValue(float64(f.FlushedAtMs)),
		"category":      structpb.NewStringValue(string(f.Item.Category)),
		"source":        structpb.NewStringValue(c.ID()),
		"kind":          structpb.NewStringValue(string(c.Kind())),
		"max_stored":    structpb.NewNumberValue(float64(c.MaxStored())),
		"series":        structpb.NewStructValue(&structpb.Struct{Fields: series}),
	}}
}

func measurementToStruct(m measurement.Measurement) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"t":  structpb.NewNumberValue(float64(m.TimestampMs)),
		"v":  structpb.NewNumberValue(m.Value),
		"ok": structpb.NewBoolValue(m.Valid),
	}
	if m.Text != "" {
		fields["text"] = structpb.NewStringValue(m.Text)
	}
	if m.Error != "" {
		fields["err"] = structpb.NewStringValue(m.Error)
	}
	return &structpb.Struct{Fields: fields}
}

// StructToFrame converts a message back to a frame. Keys are restored in
// sorted order, since Struct fields carry no order.
func StructToFrame(s *structpb.Struct) (Frame, error) {
	fields := s.GetFields()

	source := fields["source"].GetStringValue()
	if source == "" {
		return Frame{}, fmt.Errorf("frame without source")
	}
	category, err := queue.ParseCategory(fields["category"].GetStringValue())
	if err != nil {
		return Frame{}, err
	}

	c := measurement.New(source,
		measurement.Kind(fields["kind"].GetStringValue()),
		int(fields["max_stored"].GetNumberValue()))

	series := fields["series"].GetStructValue().GetFields()
	for _, key := range slices.Sorted(maps.Keys(series)) {
		for _, v := range series[key].GetListValue().GetValues() {
			mf := v.GetStructValue().GetFields()
			c.Insert(key, measurement.Measurement{
				TimestampMs: int64(mf["t"].GetNumberValue()),
				Value:       mf["v"].GetNumberValue(),
				Valid:       mf["ok"].GetBoolValue(),
				Text:        mf["text"].GetStringValue(),
				Error:       mf["err"].GetStringValue(),
			})
		}
	}

	return Frame{
		Stream:      fields["stream"].GetStringValue(),
		FlushedAtMs: int64(fields["flushed_at_ms"].GetNumberValue()),
		Item:        queue.Item{Category: category, Container: c},
	}, nil
}

// ============================================================================
// Framing
// ============================================================================

// Reader reads length-delimited frames from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read reads and decodes the next frame. It returns io.EOF at a clean end
// of stream and io.ErrUnexpectedEOF for a truncated frame.
func (r *Reader) Read() (Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: config.DefaultMaxFrameSize,
	}
	if err := opts.UnmarshalFrom(r.r, msg); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return StructToFrame(msg)
}

// Writer writes length-delimited frames to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes a frame with length prefix.
func (w *Writer) Write(f Frame) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := protodelim.MarshalTo(w.w, FrameToStruct(f))
	if err != nil {
		return n, fmt.Errorf("write frame: %w", err)
	}
	return n, nil
}
