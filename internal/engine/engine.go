package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ordersync/internal/audit"
	"github.com/roach88/ordersync/internal/cache"
	"github.com/roach88/ordersync/internal/clock"
	"github.com/roach88/ordersync/internal/health"
	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/mux"
	"github.com/roach88/ordersync/internal/store"
)

// Store is the durable store as the engine uses it. Implemented by
// store.Store (SQLite) and pgstore.Store (PostgreSQL).
type Store interface {
	ReadOrder(ctx context.Context, id string) (model.Order, error)
	ReadLines(ctx context.Context, orderID string) ([]model.Line, error)
	ReadLine(ctx context.Context, id string) (model.Line, error)
	TransitionOrder(ctx context.Context, w store.TransitionWrite) (model.Order, error)
	UpdateLineStatus(ctx context.Context, w store.LineWrite) (model.Line, error)
}

// PaymentChecker answers whether an order's payment is settled. It guards the
// payment_pending -> completed edge.
type PaymentChecker interface {
	Settled(ctx context.Context, orderID string) (bool, error)
}

// Outcome describes what a transition request did.
type Outcome struct {
	Order model.Order
	From  lifecycle.Status
	To    lifecycle.Status

	// NoOp is set when the order had already reached the target. Nothing was
	// written and nothing audited.
	NoOp bool

	// Skipped lists forward statuses bypassed by an override or fast deliver.
	Skipped []lifecycle.Status

	// Audit is the record appended for the transition (zero for NoOp).
	Audit audit.Record
}

// Engine is the order lifecycle facade.
//
// Thread-safety: all methods are safe for concurrent use. Concurrent
// transitions on the same order are serialized by the store's conditional
// write, not by the engine.
type Engine struct {
	store    Store
	audit    audit.Log
	payments PaymentChecker
	cache    *cache.Cache
	mux      *mux.Mux
	health   *health.Monitor
	machine  *lifecycle.Machine
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for transition timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHealth sets the monitor that receives audit failures. Pass the same
// monitor to the multiplexer so Health reports both.
func WithHealth(m *health.Monitor) Option {
	return func(e *Engine) { e.health = m }
}

// New creates an engine.
//
// log receives one record per committed transition. payments guards order
// completion. c and m may be nil for engines that only perform transitions
// (the CLI transition command, for example); the read and subscribe methods
// then report nothing.
func New(st Store, log audit.Log, payments PaymentChecker, c *cache.Cache, m *mux.Mux, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		audit:    log,
		payments: payments,
		cache:    c,
		mux:      m,
		machine:  lifecycle.NewMachine(),
		clock:    clock.Real{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.health == nil {
		e.health = health.NewMonitor()
	}
	return e
}

// Machine returns the state machine the engine evaluates.
func (e *Engine) Machine() *lifecycle.Machine { return e.machine }

// RequestTransition applies event to an order on behalf of actor.
//
// Returns a *lifecycle.TransitionError when the machine rejects the event,
// model.ErrConflict when the order changed underneath and the target was not
// reached, and model.ErrNotFound for unknown orders. Audit failures are not
// returned.
func (e *Engine) RequestTransition(ctx context.Context, orderID string, ev lifecycle.Event, actor lifecycle.Actor) (Outcome, error) {
	if actor.ID == "" {
		return Outcome{}, invalidActor(orderID)
	}

	o, err := e.store.ReadOrder(ctx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	return e.transition(ctx, o, ev, actor, nil)
}

// errWithdrawn reports that the caller of an automatic transition no longer
// wanted it when the conditional write was about to be issued.
var errWithdrawn = errors.New("transition withdrawn before write")

// transition evaluates ev against o and commits the result. live, when set,
// is consulted right before the conditional write; returning false abandons
// the transition with errWithdrawn.
func (e *Engine) transition(ctx context.Context, o model.Order, ev lifecycle.Event, actor lifecycle.Actor, live func() bool) (Outcome, error) {
	facts, err := e.gatherFacts(ctx, o, ev)
	if err != nil {
		return Outcome{Order: o}, err
	}

	res, err := e.machine.Transition(lifecycle.Input{From: o.Status, Event: ev, Actor: actor, Facts: facts})
	if err != nil {
		e.logger.Debug("transition rejected", "order", o.ID, "event", ev, "from", o.Status, "error", err)
		return Outcome{Order: o, From: o.Status}, err
	}
	if res.NoOp {
		return noop(o), nil
	}
	if live != nil && !live() {
		return Outcome{Order: o, From: o.Status}, errWithdrawn
	}

	at := e.clock.Now()
	updated, err := e.store.TransitionOrder(ctx, store.TransitionWrite{
		ID:              o.ID,
		ExpectedVersion: o.Version,
		From:            []lifecycle.Status{o.Status},
		To:              res.To,
		At:              at,
	})
	if errors.Is(err, model.ErrConflict) {
		return e.settleConflict(ctx, o.ID, res.To, err)
	}
	if err != nil {
		return Outcome{Order: o, From: o.Status}, err
	}

	out := Outcome{Order: updated, From: res.From, To: res.To, Skipped: res.Skipped}
	out.Audit = e.appendTransition(ctx, updated, res, ev, actor, at)

	e.logger.Info("order transitioned",
		"order", o.ID, "from", res.From, "to", res.To, "event", ev, "actor", actor.ID, "version", updated.Version)
	return out, nil
}

// AutoAdvance is the fast mode path: fast_deliver by the system actor. It
// only acts while the order is still in one of eligible; anything else means
// the eligibility episode already ended and the call is a no-op. live is
// checked immediately before the conditional write so a cancellation that
// lands first wins. A lost write race is not retried. Reports whether the
// order moved.
func (e *Engine) AutoAdvance(ctx context.Context, orderID string, eligible []lifecycle.Status, live func() bool) (bool, error) {
	actor := lifecycle.Actor{
		ID:     audit.ActorAutoAdvance,
		Role:   lifecycle.RoleSystem,
		Reason: audit.ReasonFastModeTimeout,
	}

	o, err := e.store.ReadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !containsStatus(eligible, o.Status) {
		return false, nil
	}

	out, err := e.transition(ctx, o, lifecycle.EventFastDeliver, actor, live)
	switch {
	case errors.Is(err, errWithdrawn):
		e.logger.Debug("auto-advance withdrawn", "order", orderID)
		return false, nil
	case IsConflict(err):
		e.logger.Debug("auto-advance lost race", "order", orderID, "status", out.Order.Status)
		return false, nil
	case err != nil:
		return false, err
	}
	return !out.NoOp, nil
}

// gatherFacts collects only the guard inputs the edge needs.
func (e *Engine) gatherFacts(ctx context.Context, o model.Order, ev lifecycle.Event) (lifecycle.Facts, error) {
	var facts lifecycle.Facts
	edge, ok := e.machine.Lookup(o.Status, ev)
	if !ok {
		return facts, nil
	}

	switch edge.Guard {
	case lifecycle.GuardLinesReady:
		lines, err := e.store.ReadLines(ctx, o.ID)
		if err != nil {
			return facts, fmt.Errorf("gather line facts: %w", err)
		}
		facts.LinesReady = model.AllLinesReady(lines)
	case lifecycle.GuardPaymentSettled:
		if e.payments == nil {
			return facts, nil
		}
		settled, err := e.payments.Settled(ctx, o.ID)
		if err != nil {
			return facts, fmt.Errorf("gather payment facts: %w", err)
		}
		facts.PaymentSettled = settled
	}
	return facts, nil
}

// settleConflict re-reads after a lost conditional write. If the order has
// reached the target anyway, the request is satisfied.
func (e *Engine) settleConflict(ctx context.Context, orderID string, target lifecycle.Status, cause error) (Outcome, error) {
	o, err := e.store.ReadOrder(ctx, orderID)
	if err != nil {
		return Outcome{}, cause
	}
	if o.Status.Reached(target) {
		return noop(o), nil
	}
	return Outcome{Order: o, From: o.Status}, cause
}

func noop(o model.Order) Outcome {
	return Outcome{Order: o, From: o.Status, To: o.Status, NoOp: true}
}

// appendTransition writes the audit record of a committed transition.
func (e *Engine) appendTransition(ctx context.Context, o model.Order, res lifecycle.Result, ev lifecycle.Event, actor lifecycle.Actor, at time.Time) audit.Record {
	rec, err := audit.ForTransition(o.ID, res, ev, actor, o.Version, at)
	if err != nil {
		e.auditFailed(o.ID, err)
		return audit.Record{}
	}
	e.appendRecord(ctx, rec)
	return rec
}

func (e *Engine) appendRecord(ctx context.Context, rec audit.Record) {
	if e.audit == nil {
		e.auditFailed(rec.OrderID, errors.New("no audit log configured"))
		return
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		e.auditFailed(rec.OrderID, err)
		return
	}
	e.health.Recover(health.AuditComponent)
}

func (e *Engine) auditFailed(orderID string, err error) {
	e.logger.Error("audit append failed; transition stands", "order", orderID, "error", err)
	e.health.Degrade(health.AuditComponent, health.CodeAuditAppendFailed, err.Error())
}

// AdvanceLine moves a kitchen line one step forward. Moving to a status the
// line already reached is a no-op. Lines of terminal orders are frozen.
func (e *Engine) AdvanceLine(ctx context.Context, lineID string, to lifecycle.LineStatus, actor lifecycle.Actor) (model.Line, bool, error) {
	if actor.ID == "" {
		return model.Line{}, false, invalidActor("")
	}
	l, err := e.store.ReadLine(ctx, lineID)
	if err != nil {
		return model.Line{}, false, err
	}
	noop, err := lifecycle.AdvanceLine(l.Status, to)
	if err != nil {
		return l, false, err
	}
	if noop {
		return l, true, nil
	}

	o, err := e.store.ReadOrder(ctx, l.OrderID)
	if err != nil {
		return l, false, err
	}
	if o.Status.Terminal() {
		return l, false, orderClosed(o.ID, o.Status)
	}

	updated, err := e.store.UpdateLineStatus(ctx, store.LineWrite{
		ID:              lineID,
		ExpectedVersion: l.Version,
		From:            l.Status,
		To:              to,
	})
	if errors.Is(err, model.ErrConflict) {
		if cur, rerr := e.store.ReadLine(ctx, lineID); rerr == nil {
			if again, _ := lifecycle.AdvanceLine(cur.Status, to); again {
				return cur, true, nil
			}
		}
		return l, false, err
	}
	if err != nil {
		return l, false, err
	}

	rec, err := audit.ForLine(o.ID, lineID, l.Status, to, actor, updated.Version, e.clock.Now())
	if err != nil {
		e.auditFailed(o.ID, err)
	} else {
		e.appendRecord(ctx, rec)
	}

	e.logger.Info("line advanced", "line", lineID, "order", o.ID, "from", l.Status, "to", to, "actor", actor.ID)
	return updated, false, nil
}

// GetOrder returns the cached snapshot of an order. It never touches the
// store.
func (e *Engine) GetOrder(id string) (model.Order, bool) {
	if e.cache == nil {
		return model.Order{}, false
	}
	return e.cache.Order(id)
}

// GetTable returns the cached snapshot of a table.
func (e *Engine) GetTable(id string) (model.Table, bool) {
	if e.cache == nil {
		return model.Table{}, false
	}
	return e.cache.Table(id)
}

// GetLine returns the cached snapshot of an order line.
func (e *Engine) GetLine(id string) (model.Line, bool) {
	if e.cache == nil {
		return model.Line{}, false
	}
	return e.cache.Line(id)
}

// SubscribeOrders registers l for order changes.
func (e *Engine) SubscribeOrders(l mux.Listener) (mux.Unsubscribe, error) {
	return e.subscribe(model.TypeOrder, l)
}

// SubscribeTables registers l for table changes.
func (e *Engine) SubscribeTables(l mux.Listener) (mux.Unsubscribe, error) {
	return e.subscribe(model.TypeTable, l)
}

// SubscribeLines registers l for order line changes.
func (e *Engine) SubscribeLines(l mux.Listener) (mux.Unsubscribe, error) {
	return e.subscribe(model.TypeLine, l)
}

// Subscribe registers l for changes of type t.
func (e *Engine) Subscribe(t model.EntityType, l mux.Listener) (mux.Unsubscribe, error) {
	return e.subscribe(t, l)
}

func (e *Engine) subscribe(t model.EntityType, l mux.Listener) (mux.Unsubscribe, error) {
	if e.mux == nil {
		return nil, fmt.Errorf("subscribe %s: engine has no multiplexer", t)
	}
	return e.mux.Subscribe(t, l)
}

// AuditTrail returns the audit records of an order, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, orderID string) ([]audit.Record, error) {
	if e.audit == nil {
		return nil, errors.New("no audit log configured")
	}
	return e.audit.ReadAudit(ctx, orderID)
}

// Health reports whether live notifications are flowing and whether audits
// are landing.
func (e *Engine) Health() health.Report {
	return e.health.Report()
}

func containsStatus(set []lifecycle.Status, st lifecycle.Status) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}
