package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ordersync/internal/clock"
	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/mux"
)

// Advancer performs the automatic transition through the same path human
// transitions take. It must re-check that the order is still in one of
// eligible, consult live immediately before issuing the conditional write and
// abandon the transition when live reports false. Reports whether the order
// actually moved.
type Advancer interface {
	AutoAdvance(ctx context.Context, orderID string, eligible []lifecycle.Status, live func() bool) (bool, error)
}

// Lister lists orders straight from the durable store.
type Lister interface {
	ListOrdersByStatus(ctx context.Context, statuses ...lifecycle.Status) ([]model.Order, error)
}

// Defaults.
const (
	DefaultDelay                 = 5 * time.Second
	DefaultSweepInterval         = 10 * time.Second
	DefaultDegradedSweepInterval = 2 * time.Second
	DefaultWorkers               = 4
	DefaultQueueSize             = 1024
)

// DefaultEligible are the statuses fast mode advances from.
var DefaultEligible = []lifecycle.Status{lifecycle.StatusPending, lifecycle.StatusPreparing}

// Settings are the live-tunable knobs.
type Settings struct {
	Enabled bool
	Delay   time.Duration
}

const (
	stateArmed int32 = iota + 1
	stateClaimed
	stateCancelled
)

type entry struct {
	id          string
	episode     uint64
	armedAt     time.Time
	scheduledAt time.Time
	state       atomic.Int32

	mu    sync.Mutex
	timer clock.Timer
}

// setTimer attaches the entry's timer, stopping it at once if the entry was
// cancelled in the meantime.
func (e *entry) setTimer(t clock.Timer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timer = t
	if e.state.Load() == stateCancelled {
		t.Stop()
	}
}

func (e *entry) stopTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Scheduler is the auto-advance scheduler.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Scheduler struct {
	adv    Advancer
	lister Lister
	clock  clock.Clock
	logger *slog.Logger

	eligible              map[lifecycle.Status]bool
	eligibleList          []lifecycle.Status
	sweepInterval         time.Duration
	degradedSweepInterval time.Duration
	workers               int

	enabled    atomic.Bool
	generation atomic.Uint64
	delay      atomic.Int64
	degraded   atomic.Bool

	entries sync.Map // order id -> *entry
	jobs    chan *entry
	kick    chan struct{}
	updates <-chan Settings

	// firing counts writes in flight, for tests and shutdown.
	firing sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithEligible replaces the statuses fast mode advances from.
func WithEligible(statuses ...lifecycle.Status) Option {
	return func(s *Scheduler) { s.setEligible(statuses) }
}

// WithSweepIntervals sets the reconciliation interval and the shorter one
// used while the feed is degraded.
func WithSweepIntervals(normal, degraded time.Duration) Option {
	return func(s *Scheduler) {
		s.sweepInterval = normal
		s.degradedSweepInterval = degraded
	}
}

// WithWorkers bounds how many automatic transitions run at once.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithUpdates makes Run apply every Settings value received on ch.
func WithUpdates(ch <-chan Settings) Option {
	return func(s *Scheduler) { s.updates = ch }
}

// New creates a disabled scheduler. Call Apply or Enable to turn fast mode on
// and Run to start processing.
func New(adv Advancer, lister Lister, opts ...Option) *Scheduler {
	s := &Scheduler{
		adv:                   adv,
		lister:                lister,
		clock:                 clock.Real{},
		logger:                slog.Default(),
		sweepInterval:         DefaultSweepInterval,
		degradedSweepInterval: DefaultDegradedSweepInterval,
		workers:               DefaultWorkers,
		jobs:                  make(chan *entry, DefaultQueueSize),
		kick:                  make(chan struct{}, 1),
	}
	s.setEligible(DefaultEligible)
	s.delay.Store(int64(DefaultDelay))
	for _, opt := range opts {
		opt(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	return s
}

func (s *Scheduler) setEligible(statuses []lifecycle.Status) {
	s.eligible = make(map[lifecycle.Status]bool, len(statuses))
	s.eligibleList = append([]lifecycle.Status(nil), statuses...)
	for _, st := range statuses {
		s.eligible[st] = true
	}
}

// Enabled reports whether fast mode is on.
func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// Delay returns the current auto-advance delay.
func (s *Scheduler) Delay() time.Duration { return time.Duration(s.delay.Load()) }

// Enable turns fast mode on and asks for a sweep so orders already waiting
// get armed.
func (s *Scheduler) Enable() {
	if s.enabled.Swap(true) {
		return
	}
	s.logger.Info("fast mode enabled", "delay", s.Delay())
	s.requestSweep()
}

// Disable turns fast mode off, cancels every timer and clears all
// bookkeeping. No fire can claim once Disable returns, and a claimed fire
// that has not issued its write yet is withdrawn.
func (s *Scheduler) Disable() {
	if !s.enabled.Swap(false) {
		return
	}
	s.generation.Add(1)
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if e.state.CompareAndSwap(stateArmed, stateCancelled) {
			e.stopTimer()
		}
		s.entries.CompareAndDelete(k, e)
		return true
	})
	s.logger.Info("fast mode disabled")
}

// Apply installs new settings. A delay change re-arms every armed entry
// against the new delay.
func (s *Scheduler) Apply(set Settings) {
	if set.Delay > 0 {
		old := time.Duration(s.delay.Swap(int64(set.Delay)))
		if old != set.Delay && s.Enabled() {
			s.logger.Info("auto-advance delay changed", "from", old, "to", set.Delay)
			s.rearm()
		}
	}
	if set.Enabled {
		s.Enable()
	} else {
		s.Disable()
	}
}

// rearm drops armed entries so the next sweep schedules them with the current
// delay. Claimed entries are left alone.
func (s *Scheduler) rearm() {
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if e.state.CompareAndSwap(stateArmed, stateCancelled) {
			e.stopTimer()
			s.entries.CompareAndDelete(k, e)
		}
		return true
	})
	s.requestSweep()
}

// Observe feeds the scheduler the latest snapshot of an order.
func (s *Scheduler) Observe(o model.Order) {
	if !s.enabled.Load() {
		return
	}
	if !s.eligible[o.Status] {
		s.forget(o.ID)
		return
	}
	gen := s.generation.Load()
	if v, ok := s.entries.Load(o.ID); ok {
		if v.(*entry).episode == gen {
			return
		}
		// Left over from before a disable/enable cycle.
		s.drop(v.(*entry))
	}

	now := s.clock.Now()
	remaining := s.Delay() - now.Sub(o.CreatedAt)
	if remaining < 0 {
		remaining = 0
	}

	e := &entry{id: o.ID, episode: gen, armedAt: now, scheduledAt: now.Add(remaining)}
	e.state.Store(stateArmed)
	if _, loaded := s.entries.LoadOrStore(o.ID, e); loaded {
		return
	}
	if !s.enabled.Load() || s.generation.Load() != gen {
		// Disable landed while arming.
		s.drop(e)
		return
	}
	e.setTimer(s.clock.AfterFunc(remaining, func() { s.dispatch(e) }))
	s.logger.Debug("auto-advance armed", "order", o.ID, "status", o.Status, "in", remaining)
}

// live reports whether e may still write: fast mode is on and no disable
// happened since e was armed.
func (s *Scheduler) live(e *entry) bool {
	return s.enabled.Load() && e.episode == s.generation.Load()
}

// Forget drops the bookkeeping of an order that no longer exists.
func (s *Scheduler) Forget(orderID string) {
	s.forget(orderID)
}

// forget cancels an armed entry, or simply drops a claimed one.
func (s *Scheduler) forget(id string) {
	if v, ok := s.entries.Load(id); ok {
		s.drop(v.(*entry))
	}
}

func (s *Scheduler) drop(e *entry) {
	if e.state.CompareAndSwap(stateArmed, stateCancelled) {
		e.stopTimer()
		s.logger.Debug("auto-advance cancelled", "order", e.id)
	}
	s.entries.CompareAndDelete(e.id, e)
}

// HandleEvent adapts the scheduler to a multiplexer subscription on orders.
func (s *Scheduler) HandleEvent(ev mux.Event) {
	switch ev.Kind {
	case mux.KindChange:
		switch cur := ev.Change.New.(type) {
		case model.Order:
			s.Observe(cur)
		case nil:
			s.Forget(ev.Change.ID())
		}
	case mux.KindDegraded:
		s.degraded.Store(true)
		s.requestSweep()
	case mux.KindRecovered:
		s.degraded.Store(false)
		s.requestSweep()
	case mux.KindResynced:
		s.requestSweep()
	}
}

// dispatch runs on the timer goroutine; it only hands the entry to a worker.
func (s *Scheduler) dispatch(e *entry) {
	select {
	case s.jobs <- e:
	default:
		// Queue full: drop the entry so the next sweep re-arms it.
		if e.state.CompareAndSwap(stateArmed, stateCancelled) {
			s.entries.CompareAndDelete(e.id, e)
		}
		s.logger.Warn("auto-advance queue full, deferring to sweep", "order", e.id)
	}
}

// fire claims e and performs the automatic transition.
func (s *Scheduler) fire(ctx context.Context, e *entry) {
	if !s.live(e) {
		s.entries.CompareAndDelete(e.id, e)
		return
	}
	if cur, ok := s.entries.Load(e.id); !ok || cur != e {
		return
	}
	if !e.state.CompareAndSwap(stateArmed, stateClaimed) {
		return
	}

	s.firing.Add(1)
	defer s.firing.Done()

	advanced, err := s.adv.AutoAdvance(ctx, e.id, s.eligibleList, func() bool { return s.live(e) })
	switch {
	case err != nil:
		s.logger.Debug("auto-advance skipped", "order", e.id, "error", err)
	case !advanced:
		// Someone else moved it, the write lost a race, or fast mode went
		// off first. None of these are retried.
		s.logger.Debug("auto-advance no-op", "order", e.id)
	default:
		s.logger.Info("auto-advanced", "order", e.id, "scheduled_at", e.scheduledAt)
	}
}

// Sweep reconciles bookkeeping with the durable store: every eligible order is
// observed, and tracked orders missing from the eligible set are dropped.
func (s *Scheduler) Sweep(ctx context.Context) error {
	if !s.enabled.Load() {
		return nil
	}
	started := s.clock.Now()
	orders, err := s.lister.ListOrdersByStatus(ctx, s.eligibleList...)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	present := make(map[string]bool, len(orders))
	for _, o := range orders {
		present[o.ID] = true
		s.Observe(o)
	}

	dropped := 0
	s.entries.Range(func(k, v any) bool {
		id := k.(string)
		e := v.(*entry)
		// Entries armed after the listing began may belong to orders the
		// query could not see yet.
		if present[id] || e.armedAt.After(started) {
			return true
		}
		s.forget(id)
		dropped++
		return true
	})
	s.logger.Debug("sweep done", "eligible", len(orders), "dropped", dropped)
	return nil
}

// Tracked returns the number of orders with bookkeeping.
func (s *Scheduler) Tracked() int {
	n := 0
	s.entries.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// State returns "armed", "claimed" or "cancelled" for a tracked order.
func (s *Scheduler) State(orderID string) (string, bool) {
	v, ok := s.entries.Load(orderID)
	if !ok {
		return "", false
	}
	switch v.(*entry).state.Load() {
	case stateArmed:
		return "armed", true
	case stateClaimed:
		return "claimed", true
	default:
		return "cancelled", true
	}
}

func (s *Scheduler) requestSweep() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run processes fire jobs, sweeps and settings updates until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	g.Go(func() error { return s.sweepLoop(ctx) })
	if s.updates != nil {
		g.Go(func() error { return s.watch(ctx) })
	}

	err := g.Wait()
	s.firing.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// RunPending fires every queued job on the calling goroutine and returns how
// many it took. Drivers that step a manual clock use it instead of Run.
func (s *Scheduler) RunPending(ctx context.Context) int {
	n := 0
	for {
		select {
		case e := <-s.jobs:
			s.fire(ctx, e)
			n++
		default:
			return n
		}
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.jobs:
			s.fire(ctx, e)
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) error {
	for {
		interval := s.sweepInterval
		if s.degraded.Load() {
			interval = s.degradedSweepInterval
		}

		wake := make(chan struct{})
		t := s.clock.AfterFunc(interval, func() { close(wake) })
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.kick:
			t.Stop()
		case <-wake:
		}

		if err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("reconciliation sweep failed", "error", err)
		}
	}
}

func (s *Scheduler) watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case set, ok := <-s.updates:
			if !ok {
				return nil
			}
			s.Apply(set)
		}
	}
}
