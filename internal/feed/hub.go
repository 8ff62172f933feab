package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/ordersync/internal/model"
)

// DefaultBuffer is the per-connection channel capacity of a Hub.
const DefaultBuffer = 256

// Hub is an in-process broadcaster of committed changes.
//
// Stores call Publish after commit. Publish never blocks the writer: a
// connection whose buffer is full is severed with ErrSlowConsumer, and the
// subscriber heals through its reconnect + bulk load path.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	mu          sync.Mutex
	buffer      int
	unavailable bool
	conns       map[model.EntityType]map[*hubConn]struct{}
}

// NewHub creates a hub with the given per-connection buffer (DefaultBuffer if <= 0).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		conns:  make(map[model.EntityType]map[*hubConn]struct{}),
	}
}

// Open implements Source.
func (h *Hub) Open(ctx context.Context, table model.EntityType) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !table.Valid() {
		return nil, fmt.Errorf("open feed: unknown table %q", table)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.unavailable {
		return nil, ErrUnavailable
	}

	c := &hubConn{hub: h, table: table, ch: make(chan Change, h.buffer)}
	if h.conns[table] == nil {
		h.conns[table] = make(map[*hubConn]struct{})
	}
	h.conns[table][c] = struct{}{}
	return c, nil
}

// Publish delivers a change to every open connection for its table.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns[c.Table] {
		select {
		case conn.ch <- c:
		default:
			h.sever(conn, ErrSlowConsumer)
		}
	}
}

// DropAll severs every open connection with ErrDropped.
func (h *Hub) DropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.conns {
		for conn := range set {
			h.sever(conn, ErrDropped)
		}
	}
}

// SetAvailable toggles whether Open succeeds. Taking the hub down also severs
// every open connection.
func (h *Hub) SetAvailable(ok bool) {
	h.mu.Lock()
	h.unavailable = !ok
	h.mu.Unlock()

	if !ok {
		h.DropAll()
	}
}

// Connections returns the number of open connections for table.
func (h *Hub) Connections(table model.EntityType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[table])
}

// sever closes conn with err. Caller holds h.mu.
func (h *Hub) sever(c *hubConn, err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	delete(h.conns[c.table], c)
	close(c.ch)
}

type hubConn struct {
	hub   *Hub
	table model.EntityType
	ch    chan Change

	// guarded by hub.mu
	closed bool
	err    error
}

func (c *hubConn) Changes() <-chan Change { return c.ch }

func (c *hubConn) Err() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.err
}

func (c *hubConn) Close() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.sever(c, nil)
	return nil
}
