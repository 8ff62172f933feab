// Package model holds the entity snapshots the sync engine moves around:
// orders, order lines and tables.
//
// Snapshots are values. The cache, the multiplexer and every listener hold
// their own copies; nothing in the core shares a mutable pointer to an entity.
package model

import (
	"errors"
	"time"

	"github.com/roach88/ordersync/internal/lifecycle"
)

// EntityType names a durable table that produces change notifications.
type EntityType string

const (
	TypeOrder EntityType = "orders"
	TypeLine  EntityType = "order_lines"
	TypeTable EntityType = "tables"
)

// EntityTypes lists every entity type in a stable order.
var EntityTypes = []EntityType{TypeOrder, TypeLine, TypeTable}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == TypeOrder || t == TypeLine || t == TypeTable
}

// Entity is the common view the cache needs of every snapshot.
type Entity interface {
	EntityType() EntityType
	EntityID() string
	EntityVersion() int64
}

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a conditional write lost against a
	// concurrent change (version or status no longer matches).
	ErrConflict = errors.New("conditional write conflict")

	// ErrTableOccupied is returned when a table already holds an active order.
	ErrTableOccupied = errors.New("table already has an active order")
)

// Order is one customer transaction.
type Order struct {
	ID       string           `json:"id"`
	Status   lifecycle.Status `json:"status"`
	TableRef string           `json:"table_ref,omitempty"`
	Lines    []string         `json:"lines"`
	Totals   Totals           `json:"totals"`

	CreatedAt time.Time `json:"created_at"`

	// Stamps records when each status was first reached. Entries are written
	// once and never overwritten.
	Stamps map[lifecycle.Status]time.Time `json:"stamps,omitempty"`

	Version int64 `json:"version"`
}

func (o Order) EntityType() EntityType { return TypeOrder }
func (o Order) EntityID() string       { return o.ID }
func (o Order) EntityVersion() int64   { return o.Version }

// Line is one item within an order.
type Line struct {
	ID        string               `json:"id"`
	OrderID   string               `json:"order_id"`
	Position  int                  `json:"position"`
	Name      string               `json:"name"`
	Quantity  int                  `json:"quantity"`
	UnitPrice Money                `json:"unit_price"`
	Status    lifecycle.LineStatus `json:"status"`
	Version   int64                `json:"version"`
}

func (l Line) EntityType() EntityType { return TypeLine }
func (l Line) EntityID() string       { return l.ID }
func (l Line) EntityVersion() int64   { return l.Version }

// Table is a physical seating unit. ActiveOrder is a weak, lookup-only
// reference: the table never owns the order.
type Table struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ActiveOrder string `json:"active_order,omitempty"`
	Version     int64  `json:"version"`
}

func (t Table) EntityType() EntityType { return TypeTable }
func (t Table) EntityID() string       { return t.ID }
func (t Table) EntityVersion() int64   { return t.Version }

// Available reports whether the table has no active order.
func (t Table) Available() bool { return t.ActiveOrder == "" }

// AllLinesReady reports whether every line is ready. An order without lines
// has nothing left to prepare.
func AllLinesReady(lines []Line) bool {
	for _, l := range lines {
		if l.Status != lifecycle.LineReady {
			return false
		}
	}
	return true
}
