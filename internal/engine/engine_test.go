package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordersync/internal/audit"
	"github.com/roach88/ordersync/internal/health"
	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/store"
	"github.com/roach88/ordersync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	staff   = lifecycle.Actor{ID: "staff:ana", Role: lifecycle.RoleStaff}
	manager = lifecycle.Actor{ID: "manager:kim", Role: lifecycle.RoleManager, Reason: "guest in a hurry"}
)

type fixture struct {
	store  *store.Store
	engine *Engine
	clock  *testutil.ManualClock
	health *health.Monitor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, clock: testutil.NewManualClock(t0.Add(time.Minute)), health: health.NewMonitor()}
	opts = append([]Option{WithClock(f.clock), WithHealth(f.health)}, opts...)
	f.engine = New(st, st, st, nil, nil, opts...)
	return f
}

func (f *fixture) order(t *testing.T, id string, status lifecycle.Status, table string) model.Order {
	t.Helper()
	o, err := f.store.InsertOrder(context.Background(), store.NewOrder{
		ID:        id,
		TableRef:  table,
		Status:    status,
		TaxRate:   decimal.RequireFromString("0.10"),
		CreatedAt: t0,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) line(t *testing.T, id, orderID string) model.Line {
	t.Helper()
	l, err := f.store.InsertLine(context.Background(), store.NewLine{
		ID:        id,
		OrderID:   orderID,
		Name:      "soup",
		Quantity:  1,
		UnitPrice: decimal.RequireFromString("6.50"),
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) trail(t *testing.T, orderID string) []audit.Record {
	t.Helper()
	recs, err := f.store.ReadAudit(context.Background(), orderID)
	require.NoError(t, err)
	return recs
}

func TestRequestTransition_CommitsAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPending, "")

	out, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventStartPreparing, staff)
	require.NoError(t, err)
	assert.False(t, out.NoOp)
	assert.Equal(t, lifecycle.StatusPending, out.From)
	assert.Equal(t, lifecycle.StatusPreparing, out.To)
	assert.Equal(t, int64(2), out.Order.Version)
	assert.Equal(t, f.clock.Now(), out.Order.Stamps[lifecycle.StatusPreparing])

	recs := f.trail(t, "o1")
	require.Len(t, recs, 1)
	assert.Equal(t, out.Audit.ID, recs[0].ID)
	assert.Equal(t, "pending", recs[0].From)
	assert.Equal(t, "preparing", recs[0].To)
	assert.Equal(t, "staff:ana", recs[0].Actor)
	assert.False(t, recs[0].Automatic)
	assert.True(t, f.engine.Health().Healthy)
}

func TestRequestTransition_RetryIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPending, "")

	first, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventStartPreparing, staff)
	require.NoError(t, err)

	again, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventStartPreparing, staff)
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Equal(t, first.Order.Version, again.Order.Version, "no-op must not write")
	assert.Len(t, f.trail(t, "o1"), 1, "no-op must not audit")
}

func TestRequestTransition_PastTargetIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o1", lifecycle.StatusDelivered, "")

	out, err := f.engine.RequestTransition(context.Background(), "o1", lifecycle.EventStartPreparing, staff)
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.Equal(t, lifecycle.StatusDelivered, out.Order.Status)
}

func TestRequestTransition_ReachedTargetStillNeedsRole(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o1", lifecycle.StatusDelivered, "")

	_, err := f.engine.RequestTransition(context.Background(), "o1", lifecycle.EventFastDeliver, staff)
	require.Error(t, err)
	var te *lifecycle.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, lifecycle.ErrCodeRoleRequired, te.Code)
}

func TestRequestTransition_IllegalEvent(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o1", lifecycle.StatusPending, "")

	_, err := f.engine.RequestTransition(context.Background(), "o1", lifecycle.EventServe, staff)
	require.Error(t, err)
	assert.True(t, IsIllegalTransition(err))
	assert.Empty(t, f.trail(t, "o1"))
}

func TestRequestTransition_RequiresActor(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o1", lifecycle.StatusPending, "")

	_, err := f.engine.RequestTransition(context.Background(), "o1", lifecycle.EventStartPreparing, lifecycle.Actor{})
	assert.True(t, IsInvalidActor(err))
}

func TestRequestTransition_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.RequestTransition(context.Background(), "nope", lifecycle.EventStartPreparing, staff)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRequestTransition_LinesReadyGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPreparing, "")
	f.line(t, "l1", "o1")

	_, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventMarkReady, staff)
	require.Error(t, err)
	assert.True(t, lifecycle.IsGuardRejected(err))

	for _, to := range []lifecycle.LineStatus{lifecycle.LinePreparing, lifecycle.LineReady} {
		_, _, err := f.engine.AdvanceLine(ctx, "l1", to, staff)
		require.NoError(t, err)
	}

	out, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventMarkReady, staff)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusReady, out.Order.Status)
}

func TestRequestTransition_PaymentGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPaymentPending, "")

	_, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventComplete, staff)
	assert.True(t, lifecycle.IsGuardRejected(err))

	require.NoError(t, f.store.SetPaymentSettled(ctx, "o1", true, t0))
	out, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventComplete, staff)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCompleted, out.Order.Status)
}

func TestRequestTransition_OverrideRecordsSkippedAndReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPreparing, "")

	_, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventOverrideServe, staff)
	require.Error(t, err, "staff may not override")

	out, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventOverrideServe, manager)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDining, out.To)
	assert.Equal(t, []lifecycle.Status{lifecycle.StatusReady}, out.Skipped)

	recs := f.trail(t, "o1")
	require.Len(t, recs, 1)
	assert.Equal(t, "guest in a hurry", recs[0].Reason)
	assert.Equal(t, "ready", recs[0].Context[audit.KeySkipped])
	assert.Equal(t, "manager", recs[0].Context[audit.KeyRole])
}

func TestRequestTransition_TerminalReleasesTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.InsertTable(ctx, "t1", "Window")
	require.NoError(t, err)
	f.order(t, "o1", lifecycle.StatusPending, "t1")

	tbl, err := f.store.ReadTable(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "o1", tbl.ActiveOrder)

	_, err = f.engine.RequestTransition(ctx, "o1", lifecycle.EventCancel, staff)
	require.NoError(t, err)

	tbl, err = f.store.ReadTable(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, tbl.Available())
}

type failingLog struct {
	audit.Log
	fail bool
}

func (l *failingLog) Append(ctx context.Context, rec audit.Record) error {
	if l.fail {
		return errors.New("disk full")
	}
	return l.Log.Append(ctx, rec)
}

func TestRequestTransition_AuditFailureDegradesHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	log := &failingLog{Log: f.store, fail: true}
	e := New(f.store, log, f.store, nil, nil, WithClock(f.clock), WithHealth(f.health))
	f.order(t, "o1", lifecycle.StatusPending, "")

	out, err := e.RequestTransition(ctx, "o1", lifecycle.EventStartPreparing, staff)
	require.NoError(t, err, "the transition stands")
	assert.Equal(t, lifecycle.StatusPreparing, out.Order.Status)
	assert.False(t, f.health.Healthy(health.AuditComponent))

	report := e.Health()
	assert.False(t, report.Healthy)
	assert.Equal(t, health.ModeLive, report.Mode, "audit trouble does not switch to polling")

	log.fail = false
	_, err = e.RequestTransition(ctx, "o1", lifecycle.EventCancel, staff)
	require.NoError(t, err)
	assert.True(t, f.health.Healthy(health.AuditComponent))
}

// racingStore lets another writer move the order between the engine's read
// and its conditional write.
type racingStore struct {
	*store.Store
	race func()
}

func (r *racingStore) TransitionOrder(ctx context.Context, w store.TransitionWrite) (model.Order, error) {
	if r.race != nil {
		race := r.race
		r.race = nil
		race()
	}
	return r.Store.TransitionOrder(ctx, w)
}

func TestRequestTransition_ConflictOnReachedTargetIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPending, "")

	rs := &racingStore{Store: f.store}
	e := New(rs, f.store, f.store, nil, nil, WithClock(f.clock))
	rs.race = func() {
		_, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventStartPreparing, staff)
		require.NoError(t, err)
	}

	out, err := e.RequestTransition(ctx, "o1", lifecycle.EventStartPreparing, staff)
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.Len(t, f.trail(t, "o1"), 1, "only the winner audits")
}

func TestRequestTransition_ConflictElsewhereIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPending, "")

	rs := &racingStore{Store: f.store}
	e := New(rs, f.store, f.store, nil, nil, WithClock(f.clock))
	rs.race = func() {
		_, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventCancel, staff)
		require.NoError(t, err)
	}

	out, err := e.RequestTransition(ctx, "o1", lifecycle.EventStartPreparing, staff)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, lifecycle.StatusCancelled, out.Order.Status)
}

func TestAutoAdvance_DeliversAsSystem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPending, "")

	moved, err := f.engine.AutoAdvance(ctx, "o1", eligible, always)
	require.NoError(t, err)
	assert.True(t, moved)

	o, err := f.store.ReadOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDelivered, o.Status)

	recs := f.trail(t, "o1")
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Automatic)
	assert.Equal(t, audit.ActorAutoAdvance, recs[0].Actor)
	assert.Equal(t, audit.ReasonFastModeTimeout, recs[0].Reason)
	assert.Equal(t, "preparing,ready", recs[0].Context[audit.KeySkipped])

	n, err := f.store.CountAutomatic(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAutoAdvance_OutsideEligibleIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusReady, "")

	moved, err := f.engine.AutoAdvance(ctx, "o1", eligible, always)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Empty(t, f.trail(t, "o1"))
}

func TestAdvanceLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPreparing, "")
	f.line(t, "l1", "o1")
	f.line(t, "l2", "o1")

	_, _, err := f.engine.AdvanceLine(ctx, "l1", lifecycle.LineReady, staff)
	require.Error(t, err, "lines move one step at a time")

	l, noop, err := f.engine.AdvanceLine(ctx, "l1", lifecycle.LinePreparing, staff)
	require.NoError(t, err)
	assert.False(t, noop)
	assert.Equal(t, lifecycle.LinePreparing, l.Status)

	_, noop, err = f.engine.AdvanceLine(ctx, "l1", lifecycle.LinePreparing, staff)
	require.NoError(t, err)
	assert.True(t, noop)

	_, _, err = f.engine.AdvanceLine(ctx, "l2", lifecycle.LinePreparing, staff)
	require.NoError(t, err)

	recs := f.trail(t, "o1")
	require.Len(t, recs, 2)
	assert.NotEqual(t, recs[0].ID, recs[1].ID, "same step on two lines audits twice")
	assert.Equal(t, "l1", recs[0].Context[audit.KeyLine])
}

func TestAdvanceLine_TerminalOrderIsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPreparing, "")
	f.line(t, "l1", "o1")
	_, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventCancel, staff)
	require.NoError(t, err)

	_, _, err = f.engine.AdvanceLine(ctx, "l1", lifecycle.LinePreparing, staff)
	assert.True(t, IsOrderClosed(err))
}

func TestReadsWithoutCache(t *testing.T) {
	f := newFixture(t)

	_, ok := f.engine.GetOrder("o1")
	assert.False(t, ok)
	_, err := f.engine.SubscribeOrders(nil)
	assert.Error(t, err)
}

var eligible = []lifecycle.Status{lifecycle.StatusPending, lifecycle.StatusPreparing}

func always() bool { return true }

func TestAutoAdvance_LostRaceIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPending, "")

	rs := &racingStore{Store: f.store}
	e := New(rs, f.store, f.store, nil, nil, WithClock(f.clock))
	rs.race = func() {
		_, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventStartPreparing, staff)
		require.NoError(t, err)
	}

	moved, err := e.AutoAdvance(ctx, "o1", eligible, always)
	require.NoError(t, err)
	assert.False(t, moved)

	o, err := f.store.ReadOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPreparing, o.Status, "the order stays where the winner put it")

	recs := f.trail(t, "o1")
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Automatic)
}

func TestAutoAdvance_WithdrawnBeforeWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPending, "")

	checked := 0
	moved, err := f.engine.AutoAdvance(ctx, "o1", eligible, func() bool {
		checked++
		return false
	})
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 1, checked)

	o, err := f.store.ReadOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPending, o.Status)
	assert.Empty(t, f.trail(t, "o1"))
}

func TestRequestTransition_TerminalReleaseIsPublished(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := f.store.InsertTable(ctx, "t1", "Window")
	require.NoError(t, err)
	f.order(t, "o1", lifecycle.StatusDelivered, "t1")

	conn, err := f.store.Open(ctx, model.TypeTable)
	require.NoError(t, err)
	defer conn.Close()

	_, err = f.engine.RequestTransition(ctx, "o1", lifecycle.EventRequestPayment, staff)
	require.NoError(t, err)
	assert.Len(t, conn.Changes(), 0, "payment_pending keeps the table")

	_, err = f.engine.RequestTransition(ctx, "o1", lifecycle.EventCancel, staff)
	require.NoError(t, err)
	ch := <-conn.Changes()
	assert.True(t, ch.New.(model.Table).Available())
}

func TestAutoAdvance_LostToCancelIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "o1", lifecycle.StatusPending, "")

	rs := &racingStore{Store: f.store}
	e := New(rs, f.store, f.store, nil, nil, WithClock(f.clock))
	rs.race = func() {
		_, err := f.engine.RequestTransition(ctx, "o1", lifecycle.EventCancel, staff)
		require.NoError(t, err)
	}

	moved, err := e.AutoAdvance(ctx, "o1", eligible, always)
	require.NoError(t, err)
	assert.False(t, moved)

	n, err := f.store.CountAutomatic(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
