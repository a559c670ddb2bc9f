// Package duckdb provides a storage backend that appends flushed batches to
// a table of an embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage"
)

// Code is the backend code used in configuration.
const Code = "duckdb"

// DefaultTable is the table written when no table is configured.
const DefaultTable = "measurements"

func init() {
	storage.RegisterBackend(Code, func(opts map[string]any) (storage.Backend, error) {
		o := Options{Table: DefaultTable}
		if err := storage.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		return Open(o)
	})
}

// Options configures the backend.
type Options struct {
	// Path of the database file. Empty opens an in-memory database.
	Path string `yaml:"path"`

	// Table receives one row per measurement.
	Table string `yaml:"table"`
}

// Backend writes every flush in one transaction.
type Backend struct {
	mu     sync.Mutex
	db     *sql.DB
	table  string
	insert string
	closed bool
}

// Open opens (or creates) the database and its table.
func Open(o Options) (*Backend, error) {
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if !validIdentifier(o.Table) {
		return nil, errors.NewInvalidValue("duckdb.table", o.Table, "must contain only letters, digits and underscores")
	}

	if o.Path != "" {
		if err := os.MkdirAll(filepath.Dir(o.Path), 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", o.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// An in-memory database lives as long as its connection.
	if o.Path == "" {
		db.SetMaxOpenConns(1)
	}

	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream       VARCHAR   NOT NULL,
			flushed_at   TIMESTAMP NOT NULL,
			category     VARCHAR   NOT NULL,
			source       VARCHAR   NOT NULL,
			kind         VARCHAR   NOT NULL,
			key          VARCHAR   NOT NULL,
			timestamp_ms BIGINT    NOT NULL,
			value        DOUBLE,
			valid        BOOLEAN   NOT NULL,
			text         VARCHAR,
			error        VARCHAR
		)`, o.Table)
	if _, err := db.Exec(create); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table %s: %w", o.Table, err)
	}

	return &Backend{
		db:     db,
		table:  o.Table,
		insert: fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", o.Table),
	}, nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
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
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrBackendClosed
	}
	if queue.BatchSize(batch) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, b.insert)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	flushedAt := time.Now().UTC()
	for _, it := range batch {
		c := it.Container
		for _, key := range c.Keys() {
			for _, m := range c.Series(key) {
				_, err := stmt.ExecContext(ctx,
					stream, flushedAt, string(it.Category), c.ID(), string(c.Kind()), key,
					m.TimestampMs, m.Value, m.Valid, nullString(m.Text), nullString(m.Error),
				)
				if err != nil {
					return fmt.Errorf("insert %s/%s: %w", c.ID(), key, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Count returns the number of rows of stream, or of all streams if stream
// is empty.
func (b *Backend) Count(ctx context.Context, stream string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.ErrBackendClosed
	}

	query := "SELECT count(*) FROM " + b.table
	var args []any
	if stream != "" {
		query += " WHERE stream = ?"
		args = append(args, stream)
	}

	var n int64
	if err := b.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// DB returns the underlying database for ad-hoc queries.
func (b *Backend) DB() *sql.DB { return b.db }

// Table returns the table name.
func (b *Backend) Table() string { return b.table }

// Close implements storage.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
