// Package pgstore is the PostgreSQL durable store. It offers the same
// operations as the SQLite store, and its change feed is driven by row
// triggers and LISTEN/NOTIFY, so every process sharing the database sees
// every commit.
//
// A notification carries only the row id, version and operation. The
// listener re-reads the row to build the snapshot it publishes, which may be
// newer than the notification; the cache's version rule makes that harmless.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/ordersync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed durable store.
//
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dsn  string
}

// Open connects to the database at dsn, verifies the connection and applies
// the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	// No arguments: simple protocol, so the multi-statement schema runs as one.
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, dsn: dsn}, nil
}

// Close releases every pooled connection. Feed connections are closed by
// their owners.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
