// Package mux multiplexes one upstream change feed per entity type across any
// number of local listeners.
//
// Each entity type has a single pump goroutine that owns the upstream
// connection. The pump applies every change to the cache first, then fans it
// out to per-listener queues; each listener is called from its own goroutine,
// one event at a time, in upstream order.
//
// When the upstream drops, the pump reconnects with exponential backoff and
// bulk-loads the type from the durable store so missed changes are healed.
// Reconnect trouble is reported as a Degraded event and on the health monitor,
// never as an error to subscribers.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ordersync/internal/cache"
	"github.com/roach88/ordersync/internal/clock"
	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/health"
	"github.com/roach88/ordersync/internal/model"
)

// Kind distinguishes listener events.
type Kind int

const (
	// KindChange carries one upstream change.
	KindChange Kind = iota + 1
	// KindDegraded: the upstream is down and reconnects keep failing.
	KindDegraded
	// KindRecovered: a degraded upstream is live again.
	KindRecovered
	// KindResynced: a bulk load finished; the cache is complete for the type.
	KindResynced
)

func (k Kind) String() string {
	switch k {
	case KindChange:
		return "change"
	case KindDegraded:
		return "degraded"
	case KindRecovered:
		return "recovered"
	case KindResynced:
		return "resynced"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is what listeners receive.
type Event struct {
	Kind   Kind
	Table  model.EntityType
	Change feed.Change

	// Err is set on KindDegraded.
	Err error
}

// Listener handles events for one subscription. Calls are never concurrent.
type Listener func(Event)

// Unsubscribe removes a listener. It is idempotent and may be called from
// inside the listener.
type Unsubscribe func()

// Loader reads a full snapshot of an entity type from the durable store.
type Loader interface {
	Load(ctx context.Context, t model.EntityType) ([]model.Entity, error)
}

// ErrPermanentlyDegraded is reported once the reconnect window is exhausted.
// The type stays degraded until Reset.
var ErrPermanentlyDegraded = errors.New("feed reconnect window exhausted")

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("multiplexer closed")

// Defaults for the reconnect policy.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxWindow      = 5 * time.Minute
	DefaultDegradeAfter   = 2
)

// Mux is the subscription multiplexer.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Mux struct {
	src    feed.Source
	loader Loader
	cache  *cache.Cache
	health *health.Monitor
	logger *slog.Logger
	clock  clock.Clock

	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxWindow      time.Duration
	degradeAfter   int

	mu     sync.Mutex
	topics map[model.EntityType]*topic
	// retired holds the done channel of the last torn-down pump per type
	// until a new topic for that type takes it over.
	retired map[model.EntityType]chan struct{}
	nextID  uint64
	closed  bool
}

type topic struct {
	table     model.EntityType
	listeners map[uint64]*listener
	cancel    context.CancelFunc
	done      chan struct{}
	reset     chan struct{}

	// guarded by Mux.mu
	degraded  bool
	permanent bool
}

type listener struct {
	id   uint64
	fn   Listener
	q    *eventQueue
	done chan struct{}
}

// Option configures a Mux.
type Option func(*Mux)

// WithBackoff sets the initial and maximum reconnect delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(m *Mux) {
		m.initialBackoff = initial
		m.maxBackoff = max
	}
}

// WithMaxWindow sets how long reconnects are attempted before the type is
// permanently degraded.
func WithMaxWindow(d time.Duration) Option {
	return func(m *Mux) { m.maxWindow = d }
}

// WithDegradeAfter sets how many consecutive failed reconnects are tolerated
// before listeners are told the feed is degraded.
func WithDegradeAfter(n int) Option {
	return func(m *Mux) { m.degradeAfter = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mux) { m.logger = l }
}

// WithHealth reports feed state to mon.
func WithHealth(mon *health.Monitor) Option {
	return func(m *Mux) { m.health = mon }
}

// WithClock replaces the wall clock used for backoff waits.
func WithClock(c clock.Clock) Option {
	return func(m *Mux) { m.clock = c }
}

// New creates a multiplexer over src. Every change is applied to c before
// listeners see it; loader provides bulk loads on (re)connect.
func New(src feed.Source, loader Loader, c *cache.Cache, opts ...Option) *Mux {
	m := &Mux{
		src:            src,
		loader:         loader,
		cache:          c,
		logger:         slog.Default(),
		clock:          clock.Real{},
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		maxWindow:      DefaultMaxWindow,
		degradeAfter:   DefaultDegradeAfter,
		topics:         make(map[model.EntityType]*topic),
		retired:        make(map[model.EntityType]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.health == nil {
		m.health = health.NewMonitor()
	}
	if m.degradeAfter < 1 {
		m.degradeAfter = 1
	}
	return m
}

// Subscribe registers fn for changes of type t. The first subscriber for a
// type opens the upstream connection; later ones share it.
func (m *Mux) Subscribe(t model.EntityType, fn Listener) (Unsubscribe, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("subscribe: unknown entity type %q", t)
	}
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil listener")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	tp, ok := m.topics[t]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		tp = &topic{
			table:     t,
			listeners: make(map[uint64]*listener),
			cancel:    cancel,
			done:      make(chan struct{}),
			reset:     make(chan struct{}, 1),
		}
		m.topics[t] = tp
		prev := m.retired[t]
		delete(m.retired, t)
		go m.pump(ctx, tp, prev)
		m.logger.Debug("feed topic opened", "table", t)
	}

	m.nextID++
	l := &listener{id: m.nextID, fn: fn, q: newEventQueue(), done: make(chan struct{})}
	tp.listeners[l.id] = l
	go m.deliver(l)

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(tp, l) })
	}, nil
}

func (m *Mux) unsubscribe(tp *topic, l *listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.q.Close()
	delete(tp.listeners, l.id)
	if len(tp.listeners) > 0 {
		return
	}
	// Last listener: tear the upstream down. Never wait for the pump here;
	// this may run on a listener goroutine.
	if m.topics[tp.table] == tp {
		delete(m.topics, tp.table)
		m.retired[tp.table] = tp.done
	}
	tp.cancel()
	m.logger.Debug("feed topic closed", "table", tp.table)
}

// Listeners returns the number of listeners subscribed to t.
func (m *Mux) Listeners(t model.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tp, ok := m.topics[t]; ok {
		return len(tp.listeners)
	}
	return 0
}

// Degraded reports whether the feed for t is currently degraded.
func (m *Mux) Degraded(t model.EntityType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.topics[t]
	return ok && tp.degraded
}

// Reset clears a permanent degradation of t and restarts reconnect attempts.
// It reports whether t was permanently degraded.
func (m *Mux) Reset(t model.EntityType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.topics[t]
	if !ok || !tp.permanent {
		return false
	}
	select {
	case tp.reset <- struct{}{}:
	default:
	}
	return true
}

// Close tears down every topic and listener and waits for the pumps to exit.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	topics := make([]*topic, 0, len(m.topics))
	for t, tp := range m.topics {
		for _, l := range tp.listeners {
			l.q.Close()
		}
		tp.cancel()
		topics = append(topics, tp)
		delete(m.topics, t)
	}
	retired := make([]chan struct{}, 0, len(m.retired))
	for t, done := range m.retired {
		retired = append(retired, done)
		delete(m.retired, t)
	}
	m.mu.Unlock()

	for _, tp := range topics {
		<-tp.done
	}
	for _, done := range retired {
		<-done
	}
}

// deliver drains one listener's queue on its own goroutine.
func (m *Mux) deliver(l *listener) {
	defer close(l.done)
	for {
		if e, ok := l.q.TryDequeue(); ok {
			m.call(l, e)
			continue
		}
		if l.q.Closed() {
			return
		}
		<-l.q.Wait()
	}
}

func (m *Mux) call(l *listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panicked", "table", e.Table, "kind", e.Kind.String(), "panic", r)
		}
	}()
	l.fn(e)
}

// broadcast enqueues e for every current listener of tp.
func (m *Mux) broadcast(tp *topic, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range tp.listeners {
		l.q.Enqueue(e)
	}
}
