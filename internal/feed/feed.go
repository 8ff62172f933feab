// Package feed defines the change-notification stream a durable store emits
// after every commit, and an in-process Hub that implements it.
package feed

import (
	"context"
	"errors"

	"github.com/roach88/ordersync/internal/model"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one committed row change. Old is nil for inserts, New is nil for
// deletes.
type Change struct {
	Table model.EntityType
	Op    Op
	Old   model.Entity
	New   model.Entity
}

// Current returns the snapshot that describes the row after the change, or the
// old snapshot for deletes.
func (c Change) Current() model.Entity {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// ID returns the id of the changed row.
func (c Change) ID() string {
	if e := c.Current(); e != nil {
		return e.EntityID()
	}
	return ""
}

// Version returns the version of the row after the change (or before it, for
// deletes).
func (c Change) Version() int64 {
	if e := c.Current(); e != nil {
		return e.EntityVersion()
	}
	return 0
}

// Conn is one live upstream connection delivering changes for a single table.
//
// The Changes channel is closed when the connection ends, for any reason.
// Err then reports why (nil after a clean Close).
type Conn interface {
	Changes() <-chan Change
	Err() error
	Close() error
}

// Source opens upstream feed connections.
type Source interface {
	Open(ctx context.Context, table model.EntityType) (Conn, error)
}

var (
	// ErrUnavailable is returned by Open when the upstream cannot be reached.
	ErrUnavailable = errors.New("feed unavailable")

	// ErrSlowConsumer ends a connection whose reader fell behind.
	ErrSlowConsumer = errors.New("feed consumer too slow")

	// ErrDropped ends a connection severed by the upstream.
	ErrDropped = errors.New("feed connection dropped")
)
