// Package parquet stores flushed measurement batches as Parquet files.
//
// The package provides:
//   - MeasurementWriter/MeasurementReader for measurement rows
//   - Conversion between queued items and flat rows
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - The "parquet" storage backend, one file per flush
package parquet
