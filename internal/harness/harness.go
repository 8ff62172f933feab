package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/ordersync/internal/audit"
	"github.com/roach88/ordersync/internal/engine"
	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/scheduler"
	"github.com/roach88/ordersync/internal/store"
	"github.com/roach88/ordersync/internal/testutil"
)

// Epoch is the manual clock's reading when a scenario starts.
var Epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// Harness holds the pieces of one scenario run.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	sched  *scheduler.Scheduler
	clock  *testutil.ManualClock
	tick   time.Duration
	orders []string
}

// Run executes a scenario in a fresh in-memory database.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(st, scenario)
	result := NewResult()

	sum, err := scenario.Setup.Apply(ctx, st, Epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to apply setup: %w", err)
	}
	h.orders = sum.IDs

	if err := h.applyFastMode(ctx, scenario.FastMode); err != nil {
		return nil, err
	}

	for i, step := range scenario.Flow {
		at, _ := offset(step.At)
		h.advanceTo(ctx, Epoch.Add(at))
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
		h.settle(ctx)
	}

	until, _ := offset(scenario.RunUntil)
	h.advanceTo(ctx, Epoch.Add(until))

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, st) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) *Harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testutil.NewManualClock(Epoch)
	eng := engine.New(st, st, st, nil, nil, engine.WithClock(clk), engine.WithLogger(logger))
	sched := scheduler.New(eng, st, scheduler.WithClock(clk), scheduler.WithLogger(logger))

	tick := DefaultTick
	if scenario.Tick != "" {
		tick, _ = time.ParseDuration(scenario.Tick)
	}
	return &Harness{store: st, engine: eng, sched: sched, clock: clk, tick: tick}
}

// advanceTo moves the clock to target one tick at a time, running due
// automatic transitions after every tick.
func (h *Harness) advanceTo(ctx context.Context, target time.Time) {
	for now := h.clock.Now(); now.Before(target); now = h.clock.Now() {
		step := h.tick
		if rem := target.Sub(now); rem < step {
			step = rem
		}
		h.clock.Advance(step)
		h.sched.RunPending(ctx)
	}
	h.settle(ctx)
}

// settle fires timers that are already due at the current instant.
func (h *Harness) settle(ctx context.Context) {
	h.clock.Advance(0)
	h.sched.RunPending(ctx)
}

func (h *Harness) applyFastMode(ctx context.Context, fm FastMode) error {
	set := scheduler.Settings{Enabled: fm.Enabled}
	if fm.Delay != "" {
		set.Delay, _ = time.ParseDuration(fm.Delay)
	}
	h.sched.Apply(set)
	if err := h.sched.Sweep(ctx); err != nil {
		return fmt.Errorf("fast mode sweep: %w", err)
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Transition != nil:
		tr := step.Transition
		out, err := h.engine.RequestTransition(ctx, tr.Order, lifecycle.Event(tr.Event), actor(tr.Actor, tr.Role, tr.Reason))
		if err == nil {
			h.sched.Observe(out.Order)
		}
		checkOutcome(result, i, step.Expect, string(out.To), out.NoOp, err)

	case step.Line != nil:
		ln := step.Line
		to, _ := lifecycle.ParseLineStatus(ln.Status)
		line, noop, err := h.engine.AdvanceLine(ctx, ln.Line, to, actor(ln.Actor, ln.Role, ""))
		checkOutcome(result, i, step.Expect, string(line.Status), noop, err)

	case step.FastMode != nil:
		return h.applyFastMode(ctx, *step.FastMode)

	case step.Settle != "":
		return h.store.SetPaymentSettled(ctx, step.Settle, true, h.clock.Now())
	}
	return nil
}

func actor(id, role, reason string) lifecycle.Actor {
	r := lifecycle.Role(role)
	if r == "" {
		r = lifecycle.RoleStaff
	}
	return lifecycle.Actor{ID: id, Role: r, Reason: reason}
}

func checkOutcome(result *Result, i int, want *Expect, to string, noop bool, err error) {
	if want == nil {
		if err != nil {
			result.AddError(fmt.Sprintf("flow[%d]: unexpected error: %v", i, err))
		}
		return
	}
	if want.Error != "" {
		if got := ErrorKind(err); got != want.Error {
			result.AddError(fmt.Sprintf("flow[%d]: expected error %q, got %q (%v)", i, want.Error, got, err))
		}
		return
	}
	if err != nil {
		result.AddError(fmt.Sprintf("flow[%d]: unexpected error: %v", i, err))
		return
	}
	if want.To != "" && want.To != to {
		result.AddError(fmt.Sprintf("flow[%d]: expected status %q, got %q", i, want.To, to))
	}
	if want.NoOp != noop {
		result.AddError(fmt.Sprintf("flow[%d]: expected no_op=%t, got %t", i, want.NoOp, noop))
	}
}

// ErrorKind names the category of an engine error for scenario
// expectations: not_found, invalid_actor, order_closed, conflict,
// illegal_transition, guard_rejected or role_required. nil is "".
func ErrorKind(err error) string {
	var te *lifecycle.TransitionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case engine.IsInvalidActor(err):
		return "invalid_actor"
	case engine.IsOrderClosed(err):
		return "order_closed"
	case engine.IsConflict(err):
		return "conflict"
	case errors.As(err, &te):
		return strings.ToLower(string(te.Code))
	}
	return "error"
}

// collect reads the final status and audit trail of every seeded order.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	for _, id := range h.orders {
		o, err := h.store.ReadOrder(ctx, id)
		if err != nil {
			return fmt.Errorf("read order %s: %w", id, err)
		}
		result.Final[id] = string(o.Status)

		recs, err := h.store.ReadAudit(ctx, id)
		if err != nil {
			return fmt.Errorf("read audit %s: %w", id, err)
		}
		for _, rec := range recs {
			result.Trace = append(result.Trace, traceEntry(rec))
		}
	}
	return nil
}

func traceEntry(rec audit.Record) TraceEntry {
	return TraceEntry{
		At:        rec.At.Sub(Epoch).String(),
		Order:     rec.OrderID,
		Line:      rec.Context[audit.KeyLine],
		From:      rec.From,
		To:        rec.To,
		Actor:     rec.Actor,
		Automatic: rec.Automatic,
		Reason:    rec.Reason,
		Skipped:   rec.Context[audit.KeySkipped],
		Version:   rec.Version,
	}
}
