// Package notify publishes order and line status changes to a RabbitMQ fanout
// exchange for external displays. It is a multiplexer listener: it sees the
// same committed changes every other subscriber sees.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/mux"
)

// DefaultExchange is the fanout exchange messages go to.
const DefaultExchange = "notifications_fanout"

// publishTimeout bounds a single publish.
const publishTimeout = 5 * time.Second

// Publisher is the part of *amqp.Channel the notifier uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// StatusMessage is the JSON body of every notification.
type StatusMessage struct {
	Kind      string    `json:"kind"`
	OrderID   string    `json:"order_id"`
	LineID    string    `json:"line_id,omitempty"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status"`
	Version   int64     `json:"version"`
	TableRef  string    `json:"table_ref,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier turns multiplexer events into AMQP messages.
//
// It remembers the last status and version it saw per order and line and
// publishes only when the status changes, so version bumps that keep the
// status (totals, table moves) stay quiet. Changes no newer than the last one
// seen are dropped: post-commit delivery can reorder concurrent writers.
type Notifier struct {
	pub      Publisher
	exchange string
	logger   *slog.Logger
	now      func() time.Time
	snapshot func(model.EntityType) []model.Entity

	mu   sync.Mutex
	seen map[string]seen
}

// seen is the last announced state of one row.
type seen struct {
	status  string
	version int64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithExchange overrides DefaultExchange.
func WithExchange(name string) Option {
	return func(n *Notifier) { n.exchange = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithSnapshot lets the notifier reseed its last-seen statuses after a bulk
// load, typically from cache.Snapshot.
func WithSnapshot(fn func(model.EntityType) []model.Entity) Option {
	return func(n *Notifier) { n.snapshot = fn }
}

// New creates a notifier publishing through pub.
func New(pub Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		pub:      pub,
		exchange: DefaultExchange,
		logger:   slog.Default(),
		now:      time.Now,
		seen:     make(map[string]seen),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func seenKey(t model.EntityType, id string) string {
	return string(t) + "/" + id
}

// HandleEvent is a mux.Listener for orders and order lines.
func (n *Notifier) HandleEvent(ev mux.Event) {
	switch ev.Kind {
	case mux.KindResynced:
		n.reseed(ev.Table)
		return
	case mux.KindChange:
	default:
		return
	}

	msg, ok := n.message(ev)
	if !ok {
		return
	}
	if err := n.Publish(context.Background(), msg); err != nil {
		n.logger.Warn("notification publish failed", "order", msg.OrderID, "status", msg.NewStatus, "error", err)
	}
}

// message decides whether a change is worth announcing.
func (n *Notifier) message(ev mux.Event) (StatusMessage, bool) {
	ch := ev.Change
	cur := ch.New
	if cur == nil {
		n.mu.Lock()
		delete(n.seen, seenKey(ev.Table, ch.ID()))
		n.mu.Unlock()
		return StatusMessage{}, false
	}

	var msg StatusMessage
	var old string
	switch e := cur.(type) {
	case model.Order:
		msg = StatusMessage{Kind: "order", OrderID: e.ID, NewStatus: string(e.Status), Version: e.Version, TableRef: e.TableRef}
		if prev, ok := ch.Old.(model.Order); ok {
			old = string(prev.Status)
		}
	case model.Line:
		msg = StatusMessage{Kind: "line", OrderID: e.OrderID, LineID: e.ID, NewStatus: string(e.Status), Version: e.Version}
		if prev, ok := ch.Old.(model.Line); ok {
			old = string(prev.Status)
		}
	default:
		return StatusMessage{}, false
	}

	key := seenKey(ev.Table, cur.EntityID())
	n.mu.Lock()
	last, known := n.seen[key]
	if known && msg.Version <= last.version {
		n.mu.Unlock()
		n.logger.Debug("stale change dropped", "key", key, "version", msg.Version, "seen", last.version)
		return StatusMessage{}, false
	}
	n.seen[key] = seen{status: msg.NewStatus, version: msg.Version}
	n.mu.Unlock()

	if known {
		old = last.status
	}
	if old == msg.NewStatus {
		return StatusMessage{}, false
	}
	// First sight of a row through an update with no previous snapshot: the
	// status may or may not have changed, so stay quiet.
	if !known && old == "" && ch.Op != feed.OpInsert {
		return StatusMessage{}, false
	}
	msg.OldStatus = old
	msg.Timestamp = n.now().UTC()
	return msg, true
}

func (n *Notifier) reseed(t model.EntityType) {
	if n.snapshot == nil {
		return
	}
	entities := n.snapshot(t)
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range entities {
		switch v := e.(type) {
		case model.Order:
			n.seen[seenKey(t, v.ID)] = seen{status: string(v.Status), version: v.Version}
		case model.Line:
			n.seen[seenKey(t, v.ID)] = seen{status: string(v.Status), version: v.Version}
		}
	}
}

// Publish sends one message to the exchange.
func (n *Notifier) Publish(ctx context.Context, msg StatusMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return n.pub.PublishWithContext(ctx, n.exchange, "", false, false, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     uuid.NewString(),
		CorrelationId: msg.OrderID,
		Timestamp:     msg.Timestamp,
		Headers: amqp.Table{
			"x-source": "ordersync",
			"x-kind":   msg.Kind,
		},
		Body: body,
	})
}

// Client owns an AMQP connection and channel.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker at url and declares the fanout exchange.
func Dial(url, exchange string) (*Client, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	return &Client{conn: conn, ch: ch}, nil
}

// Channel returns the publisher side of the client.
func (c *Client) Channel() *amqp.Channel { return c.ch }

// Close closes the channel and the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
