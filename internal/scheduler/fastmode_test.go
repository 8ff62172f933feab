package scheduler_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordersync/internal/audit"
	"github.com/roach88/ordersync/internal/cache"
	"github.com/roach88/ordersync/internal/engine"
	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/mux"
	"github.com/roach88/ordersync/internal/scheduler"
	"github.com/roach88/ordersync/internal/store"
	"github.com/roach88/ordersync/internal/testutil"
)

// TestFastMode_AtMostOncePerEpisode races automatic fires against manual
// transitions and an aggressive sweep on a real store.
func TestFastMode_AtMostOncePerEpisode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(filepath.Join(t.TempDir(), "fastmode.db"))
	require.NoError(t, err)
	defer st.Close()

	c := cache.New()
	m := mux.New(st, st, c, mux.WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	defer m.Close()
	eng := engine.New(st, st, st, c, m)

	sched := scheduler.New(eng, st, scheduler.WithSweepIntervals(3*time.Millisecond, time.Millisecond))
	_, err = eng.SubscribeOrders(sched.HandleEvent)
	require.NoError(t, err)

	const n = 30
	created := time.Now()
	for i := 0; i < n; i++ {
		_, err := st.InsertOrder(ctx, store.NewOrder{ID: fmt.Sprintf("o%02d", i), CreatedAt: created})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	sched.Apply(scheduler.Settings{Enabled: true, Delay: 40 * time.Millisecond})

	staff := lifecycle.Actor{ID: "staff:ana", Role: lifecycle.RoleStaff}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("o%02d", i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Land the manual writes around the deadline.
			time.Sleep(time.Duration(30+i%20) * time.Millisecond)
			if i%2 == 0 {
				eng.RequestTransition(ctx, id, lifecycle.EventStartPreparing, staff)
			}
			if i%3 == 0 {
				eng.RequestTransition(ctx, id, lifecycle.EventCancel, staff)
			}
		}(i)
	}
	wg.Wait()

	// Every order either leaves the eligible set or keeps a claimed entry
	// whose write lost its race to a manual transition.
	require.Eventually(t, func() bool {
		orders, err := st.ListOrdersByStatus(ctx, scheduler.DefaultEligible...)
		if err != nil {
			return false
		}
		for _, o := range orders {
			if state, ok := sched.State(o.ID); !ok || state != "claimed" {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "every order was settled")

	cancel()
	require.NoError(t, <-done)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("o%02d", i)
		o, err := st.ReadOrder(context.Background(), id)
		require.NoError(t, err)

		automatic, err := st.CountAutomatic(context.Background(), id)
		require.NoError(t, err)
		assert.LessOrEqual(t, automatic, 1, "order %s advanced automatically more than once", id)

		switch o.Status {
		case lifecycle.StatusCancelled:
			trail, err := st.ReadAudit(context.Background(), id)
			require.NoError(t, err)
			assertNoAutomaticAfterCancel(t, trail)
		case lifecycle.StatusDelivered:
			assert.Equal(t, 1, automatic, "order %s", id)
		default:
			// The kitchen's start_preparing won the conditional write.
			assert.Equal(t, lifecycle.StatusPreparing, o.Status, id)
			assert.Zero(t, automatic, "order %s", id)
		}
	}
}

func assertNoAutomaticAfterCancel(t *testing.T, trail []audit.Record) {
	t.Helper()
	cancelled := false
	for _, rec := range trail {
		if rec.To == string(lifecycle.StatusCancelled) {
			cancelled = true
			continue
		}
		if cancelled {
			assert.False(t, rec.Automatic, "automatic transition after cancel on %s", rec.OrderID)
		}
	}
}

// TestFastMode_DisableBeforeDeadline disables fast mode before any timer
// fires.
func TestFastMode_DisableBeforeDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(filepath.Join(t.TempDir(), "disable.db"))
	require.NoError(t, err)
	defer st.Close()

	eng := engine.New(st, st, st, nil, nil)
	sched := scheduler.New(eng, st, scheduler.WithSweepIntervals(5*time.Millisecond, time.Millisecond))

	_, err = st.InsertOrder(ctx, store.NewOrder{ID: "o1", CreatedAt: time.Now()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	sched.Apply(scheduler.Settings{Enabled: true, Delay: 100 * time.Millisecond})
	require.Eventually(t, func() bool { return sched.Tracked() == 1 }, time.Second, time.Millisecond)

	sched.Disable()
	time.Sleep(200 * time.Millisecond)

	o, err := st.ReadOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPending, o.Status)
	automatic, err := st.CountAutomatic(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, automatic)

	cancel()
	require.NoError(t, <-done)
}

// hookedStore runs a callback once before the next order read or conditional
// write, to land a concurrent change at a precise point.
type hookedStore struct {
	*store.Store
	beforeRead  func()
	beforeWrite func()
}

func (h *hookedStore) ReadOrder(ctx context.Context, id string) (model.Order, error) {
	if f := h.beforeRead; f != nil {
		h.beforeRead = nil
		f()
	}
	return h.Store.ReadOrder(ctx, id)
}

func (h *hookedStore) TransitionOrder(ctx context.Context, w store.TransitionWrite) (model.Order, error) {
	if f := h.beforeWrite; f != nil {
		h.beforeWrite = nil
		f()
	}
	return h.Store.TransitionOrder(ctx, w)
}

func newManualScheduler(t *testing.T) (*store.Store, *hookedStore, *scheduler.Scheduler, *testutil.ManualClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "manual.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := testutil.NewManualClock(t0)
	hs := &hookedStore{Store: st}
	sched := scheduler.New(engine.New(hs, st, st, nil, nil), st, scheduler.WithClock(clk))
	sched.Apply(scheduler.Settings{Enabled: true, Delay: 5 * time.Second})

	_, err = st.InsertOrder(context.Background(), store.NewOrder{ID: "o1", CreatedAt: t0})
	require.NoError(t, err)
	o, err := st.ReadOrder(context.Background(), "o1")
	require.NoError(t, err)
	sched.Observe(o)
	return st, hs, sched, clk
}

func TestFastMode_LostWriteIsNotRetried(t *testing.T) {
	ctx := context.Background()
	st, hs, sched, clk := newManualScheduler(t)

	kitchen := engine.New(st, st, st, nil, nil)
	hs.beforeWrite = func() {
		_, err := kitchen.RequestTransition(ctx, "o1", lifecycle.EventStartPreparing,
			lifecycle.Actor{ID: "staff:ana", Role: lifecycle.RoleStaff})
		require.NoError(t, err)
	}

	clk.Advance(5 * time.Second)
	require.Equal(t, 1, sched.RunPending(ctx))

	o, err := st.ReadOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPreparing, o.Status)
	automatic, err := st.CountAutomatic(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, automatic)

	// Later sweeps and observations leave the claimed episode alone.
	require.NoError(t, sched.Sweep(ctx))
	clk.Advance(time.Minute)
	assert.Zero(t, sched.RunPending(ctx))
	state, _ := sched.State("o1")
	assert.Equal(t, "claimed", state)
}

func TestFastMode_DisableAfterClaimWins(t *testing.T) {
	ctx := context.Background()
	st, hs, sched, clk := newManualScheduler(t)

	// Fast mode goes off after the fire claimed the order, while the
	// automatic path is still reading it.
	hs.beforeRead = sched.Disable

	clk.Advance(5 * time.Second)
	require.Equal(t, 1, sched.RunPending(ctx))

	o, err := st.ReadOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPending, o.Status)
	automatic, err := st.CountAutomatic(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, automatic)
	assert.Zero(t, sched.Tracked())
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var _ scheduler.Advancer = (*engine.Engine)(nil)
var _ scheduler.Lister = (*store.Store)(nil)
