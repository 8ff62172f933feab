package mux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/health"
	"github.com/roach88/ordersync/internal/model"
)

// pump owns the upstream connection of one topic until ctx is cancelled. It
// starts only once prev, the pump of the previous topic for the same type,
// has exited: the cache takes one writer per type.
func (m *Mux) pump(ctx context.Context, tp *topic, prev <-chan struct{}) {
	defer close(tp.done)

	if prev != nil {
		// prev is already cancelled; waiting keeps done ordered behind it.
		<-prev
	}

	var (
		backoff   = m.initialBackoff
		failures  int
		downSince time.Time
	)
	for {
		conn, err := m.src.Open(ctx, tp.table)
		if err == nil {
			var synced bool
			synced, err = m.serve(ctx, tp, conn)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("feed connection lost", "table", tp.table, "error", err)
			if synced {
				// A healthy connection dropped: reconnect at once.
				backoff, failures, downSince = m.initialBackoff, 0, m.clock.Now()
				continue
			}
		} else if ctx.Err() != nil {
			return
		}

		if downSince.IsZero() {
			downSince = m.clock.Now()
		}
		failures++
		m.logger.Warn("feed connect failed",
			"table", tp.table, "attempt", failures, "backoff", backoff, "error", err)
		if failures >= m.degradeAfter {
			m.degrade(tp, err)
		}

		if m.clock.Now().Sub(downSince) >= m.maxWindow {
			if !m.giveUp(ctx, tp) {
				return
			}
			backoff, failures, downSince = m.initialBackoff, 0, time.Time{}
			continue
		}

		if !m.sleep(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

type loadResult struct {
	snapshots []model.Entity
	err       error
}

// serve runs one upstream connection: a bulk load runs concurrently with live
// delivery, the cache buffering live changes until the load lands. It reports
// whether the load completed before the connection ended.
func (m *Mux) serve(ctx context.Context, tp *topic, conn feed.Conn) (bool, error) {
	t := tp.table
	m.cache.BeginLoad(t)
	loading := true
	defer func() {
		if loading {
			m.cache.AbortLoad(t)
		}
	}()

	loaded := make(chan loadResult, 1)
	go func() {
		snaps, err := m.loader.Load(ctx, t)
		loaded <- loadResult{snapshots: snaps, err: err}
	}()

	changes := conn.Changes()
	for {
		select {
		case <-ctx.Done():
			return !loading, ctx.Err()

		case ch, ok := <-changes:
			if !ok {
				if err := conn.Err(); err != nil {
					return !loading, err
				}
				return !loading, feed.ErrDropped
			}
			if m.cache.Stale(ch) {
				m.logger.Debug("stale change dropped", "table", t, "id", ch.ID(), "version", ch.Version())
				continue
			}
			m.cache.Apply(ch)
			m.broadcast(tp, Event{Kind: KindChange, Table: t, Change: ch})

		case r := <-loaded:
			loaded = nil
			if r.err != nil {
				return false, fmt.Errorf("bulk load %s: %w", t, r.err)
			}
			loading = false
			replayed := m.cache.BulkLoad(t, r.snapshots)
			m.logger.Info("feed resynced", "table", t, "entities", len(r.snapshots), "replayed", replayed)
			m.recover(tp)
			m.broadcast(tp, Event{Kind: KindResynced, Table: t})
		}
	}
}

// degrade records a feed failure. Listeners hear about it once per outage; it
// reports whether this call started the outage.
func (m *Mux) degrade(tp *topic, err error) bool {
	m.mu.Lock()
	first := !tp.degraded
	tp.degraded = true
	m.mu.Unlock()

	m.health.Degrade(health.FeedComponent(string(tp.table)), health.CodeFeedDegraded, err.Error())
	if first {
		m.logger.Warn("feed degraded, falling back to reconciliation", "table", tp.table, "error", err)
		m.broadcast(tp, Event{Kind: KindDegraded, Table: tp.table, Err: err})
	}
	return first
}

func (m *Mux) recover(tp *topic) {
	m.mu.Lock()
	was := tp.degraded
	tp.degraded = false
	tp.permanent = false
	m.mu.Unlock()

	m.health.Recover(health.FeedComponent(string(tp.table)))
	if was {
		m.logger.Info("feed recovered", "table", tp.table)
		m.broadcast(tp, Event{Kind: KindRecovered, Table: tp.table})
	}
}

// giveUp parks the pump until Reset or ctx cancellation. It reports whether
// the pump should resume.
func (m *Mux) giveUp(ctx context.Context, tp *topic) bool {
	m.mu.Lock()
	tp.permanent = true
	m.mu.Unlock()

	if !m.degrade(tp, ErrPermanentlyDegraded) {
		m.broadcast(tp, Event{Kind: KindDegraded, Table: tp.table, Err: ErrPermanentlyDegraded})
	}
	m.logger.Error("feed permanently degraded until reset", "table", tp.table, "window", m.maxWindow)

	select {
	case <-ctx.Done():
		return false
	case <-tp.reset:
		m.mu.Lock()
		tp.permanent = false
		m.mu.Unlock()
		m.logger.Info("feed reset, reconnecting", "table", tp.table)
		return true
	}
}

// sleep waits d on the mux clock. It returns false if ctx ends first.
func (m *Mux) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := m.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-fired:
		return true
	}
}

// IsPermanent reports whether err marks a permanently degraded feed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentlyDegraded)
}
