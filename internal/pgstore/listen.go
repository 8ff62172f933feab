package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/model"
)

// channelPrefix + table name is the NOTIFY channel the triggers use.
const channelPrefix = "ordersync_"

// Channel returns the NOTIFY channel for an entity type.
func Channel(t model.EntityType) string {
	return channelPrefix + string(t)
}

// notification is the trigger payload.
type notification struct {
	Op      feed.Op `json:"op"`
	ID      string  `json:"id"`
	Version int64   `json:"version"`
}

func decodeNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, fmt.Errorf("decode notification: %w", err)
	}
	switch n.Op {
	case feed.OpInsert, feed.OpUpdate, feed.OpDelete:
	default:
		return notification{}, fmt.Errorf("decode notification: unknown op %q", n.Op)
	}
	if n.ID == "" {
		return notification{}, fmt.Errorf("decode notification: missing id")
	}
	return n, nil
}

// tombstone builds the minimal snapshot a delete carries.
func tombstone(t model.EntityType, id string, version int64) model.Entity {
	switch t {
	case model.TypeOrder:
		return model.Order{ID: id, Version: version}
	case model.TypeLine:
		return model.Line{ID: id, Version: version}
	default:
		return model.Table{ID: id, Version: version}
	}
}

// Open implements feed.Source. Each call holds one dedicated connection
// LISTENing on the table's channel.
func (s *Store) Open(ctx context.Context, table model.EntityType) (feed.Conn, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("open feed: unknown table %q", table)
	}
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", feed.ErrUnavailable, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel(table)}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("%w: listen: %v", feed.ErrUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lc := &listenConn{
		store:  s,
		conn:   conn,
		table:  table,
		ch:     make(chan feed.Change, feed.DefaultBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go lc.run(runCtx)
	return lc, nil
}

type listenConn struct {
	store  *Store
	conn   *pgx.Conn
	table  model.EntityType
	ch     chan feed.Change
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (c *listenConn) Changes() <-chan feed.Change { return c.ch }

func (c *listenConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *listenConn) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *listenConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *listenConn) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.ch)
	defer c.conn.Close(context.Background())

	for {
		n, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(fmt.Errorf("%w: %v", feed.ErrDropped, err))
			}
			return
		}

		note, err := decodeNotification(n.Payload)
		if err != nil {
			c.fail(err)
			return
		}
		change, ok, err := c.resolve(ctx, note)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(fmt.Errorf("%w: %v", feed.ErrDropped, err))
			}
			return
		}
		if !ok {
			continue
		}

		select {
		case c.ch <- change:
		case <-ctx.Done():
			return
		default:
			c.fail(feed.ErrSlowConsumer)
			return
		}
	}
}

// resolve turns a notification into a change carrying the current snapshot.
// A row deleted before it could be read is skipped; its delete follows.
func (c *listenConn) resolve(ctx context.Context, n notification) (feed.Change, bool, error) {
	change := feed.Change{Table: c.table, Op: n.Op}
	if n.Op == feed.OpDelete {
		change.Old = tombstone(c.table, n.ID, n.Version)
		return change, true, nil
	}

	var (
		cur model.Entity
		err error
	)
	switch c.table {
	case model.TypeOrder:
		cur, err = c.store.ReadOrder(ctx, n.ID)
	case model.TypeLine:
		cur, err = c.store.ReadLine(ctx, n.ID)
	default:
		cur, err = c.store.ReadTable(ctx, n.ID)
	}
	if isNotFound(err) {
		return feed.Change{}, false, nil
	}
	if err != nil {
		return feed.Change{}, false, err
	}
	change.New = cur
	return change, true, nil
}
