package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/queue"
)

// Record encoding format (binary, little-endian):
// - Stream (1 byte, 0 simple / 1 compound)
// - FlushedAtMs (8 bytes)
// - Item count (4 bytes), then per item:
//   - Category, ID, Kind (2 byte length + string each)
//   - MaxStored (4 bytes, signed)
//   - Key count (4 bytes), then per key:
//     - Key (2 byte length + string)
//     - Measurement count (4 bytes), then per measurement:
//       - TimestampMs (8 bytes)
//       - Value (8 bytes, float64)
//       - Valid (1 byte, bool)
//       - Text (4 byte length + string)
//       - Error (4 byte length + string)
//
// Names (category, id, kind, key) longer than 64 KiB are rejected at encode
// time rather than truncated.

// Record is one flushed batch as stored in a segment.
type Record struct {
	Compound    bool
	FlushedAtMs int64
	Items       []queue.Item
}

// Stream returns the stream name of the record.
func (r Record) Stream() string {
	if r.Compound {
		return "compound"
	}
	return "simple"
}

// Measurements returns the number of measurements in the record.
func (r Record) Measurements() int {
	return queue.BatchSize(r.Items)
}

// encodeRecord encodes a record into the binary format.
func encodeRecord(rec Record) ([]byte, error) {
	// Estimate size: ~40 bytes per measurement
	buf := make([]byte, 0, 16+rec.Measurements()*40)

	if rec.Compound {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.FlushedAtMs))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Items)))

	var err error
	for i, it := range rec.Items {
		c := it.Container
		for _, name := range []string{string(it.Category), c.ID(), string(c.Kind())} {
			if buf, err = appendName(buf, name); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(c.MaxStored())))

		keys := c.Keys()
		if uint64(len(keys)) > math.MaxUint32 {
			return nil, fmt.Errorf("item %d: %d keys exceed the record format", i, len(keys))
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
		for _, key := range keys {
			seq := c.Series(key)
			if buf, err = appendName(buf, key); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(seq)))
			for _, m := range seq {
				if buf, err = appendMeasurement(buf, m); err != nil {
					return nil, fmt.Errorf("item %d key %s: %w", i, key, err)
				}
			}
		}
	}

	return buf, nil
}

func appendMeasurement(buf []byte, m measurement.Measurement) ([]byte, error) {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.TimestampMs))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.Value))
	if m.Valid {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var err error
	if buf, err = appendText(buf, m.Text); err != nil {
		return nil, err
	}
	return appendText(buf, m.Error)
}

// decodeRecord decodes the binary format into a record.
func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if len(data) < 13 {
		return rec, fmt.Errorf("data too short for record header")
	}

	rec.Compound = data[0] == 1
	rec.FlushedAtMs = int64(binary.LittleEndian.Uint64(data[1:9]))
	count := int(binary.LittleEndian.Uint32(data[9:13]))
	offset := 13

	rec.Items = make([]queue.Item, 0, count)
	for i := 0; i < count; i++ {
		var it queue.Item
		var category, id, kind string
		var err error

		if category, offset, err = readString(data, offset); err != nil {
			return rec, fmt.Errorf("item %d category: %w", i, err)
		}
		if id, offset, err = readString(data, offset); err != nil {
			return rec, fmt.Errorf("item %d id: %w", i, err)
		}
		if kind, offset, err = readString(data, offset); err != nil {
			return rec, fmt.Errorf("item %d kind: %w", i, err)
		}

		if offset+8 > len(data) {
			return rec, fmt.Errorf("item %d: data too short for container header", i)
		}
		maxStored := int(int32(binary.LittleEndian.Uint32(data[offset:])))
		offset += 4
		keyCount := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		c := measurement.New(id, measurement.Kind(kind), maxStored)
		for k := 0; k < keyCount; k++ {
			var key string
			if key, offset, err = readString(data, offset); err != nil {
				return rec, fmt.Errorf("item %d key %d: %w", i, k, err)
			}
			if offset+4 > len(data) {
				return rec, fmt.Errorf("item %d key %s: data too short for count", i, key)
			}
			n := int(binary.LittleEndian.Uint32(data[offset:]))
			offset += 4

			for j := 0; j < n; j++ {
				var m measurement.Measurement
				if m, offset, err = readMeasurement(data, offset); err != nil {
					return rec, fmt.Errorf("item %d key %s measurement %d: %w", i, key, j, err)
				}
				c.Insert(key, m)
			}
		}

		it.Category = queue.Category(category)
		it.Container = c
		rec.Items = append(rec.Items, it)
	}

	return rec, nil
}

func readMeasurement(data []byte, offset int) (measurement.Measurement, int, error) {
	var m measurement.Measurement
	if offset+17 > len(data) {
		return m, offset, fmt.Errorf("data too short for measurement")
	}

	m.TimestampMs = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	m.Value = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	m.Valid = data[offset] == 1
	offset++

	var err error
	if m.Text, offset, err = readText(data, offset); err != nil {
		return m, offset, fmt.Errorf("text: %w", err)
	}
	if m.Error, offset, err = readText(data, offset); err != nil {
		return m, offset, fmt.Errorf("error: %w", err)
	}
	return m, offset, nil
}

// appendName appends a string with a 2 byte length prefix.
func appendName(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("name of %d bytes exceeds %d", len(s), math.MaxUint16)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// appendText appends a string with a 4 byte length prefix.
func appendText(buf []byte, s string) ([]byte, error) {
	if uint64(len(s)) > math.MaxUint32 {
		return nil, fmt.Errorf("text of %d bytes exceeds the record format", len(s))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...), nil
}

// readString reads a string with a 2 byte length prefix.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}

// readText reads a string with a 4 byte length prefix.
func readText(data []byte, offset int) (string, int, error) {
	if offset+4 > len(data) {
		return "", offset, fmt.Errorf("data too short for text length")
	}

	length := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	if length > len(data)-offset {
		return "", offset, fmt.Errorf("data too short for text content")
	}

	return string(data[offset : offset+length]), offset + length, nil
}
