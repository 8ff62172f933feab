// Package health tracks the degraded-mode signal of the sync engine.
//
// Infrastructure failures (feed down, audit append failed) never surface as
// errors to callers. They are recorded here and exposed as a report that tells
// observers whether live notifications are flowing or the system has fallen
// back to reconciliation polling.
package health

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Code categorizes a degradation.
type Code string

const (
	// CodeFeedDegraded: the upstream notification stream is unavailable.
	CodeFeedDegraded Code = "FEED_DEGRADED"

	// CodeAuditAppendFailed: a committed transition could not be audited.
	CodeAuditAppendFailed Code = "AUDIT_APPEND_FAILED"
)

// Mode says how dependents currently learn about changes.
type Mode string

const (
	ModeLive    Mode = "live"
	ModePolling Mode = "polling"
)

// FeedComponent returns the component name used for a feed of table.
func FeedComponent(table string) string { return "feed:" + table }

// AuditComponent is the component name used for audit appends.
const AuditComponent = "audit"

// State is the health of one component.
type State struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Code      Code      `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since"`
	Failures  int       `json:"failures"`
}

// Report is a point-in-time view of every component.
type Report struct {
	Mode       Mode    `json:"mode"`
	Healthy    bool    `json:"healthy"`
	Components []State `json:"components"`
}

// Monitor collects component states.
//
// Thread-safety: all methods are safe for concurrent use.
type Monitor struct {
	mu     sync.Mutex
	now    func() time.Time
	states map[string]State
	subs   map[chan struct{}]struct{}
}

// NewMonitor creates a monitor with every component implicitly healthy.
func NewMonitor() *Monitor {
	return &Monitor{
		now:    time.Now,
		states: make(map[string]State),
		subs:   make(map[chan struct{}]struct{}),
	}
}

// Degrade marks component unhealthy. Repeated calls bump the failure count and
// keep the original Since.
func (m *Monitor) Degrade(component string, code Code, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[component]
	changed := !ok || st.Healthy
	if changed {
		st = State{Component: component, Since: m.now()}
	}
	st.Healthy = false
	st.Code = code
	st.Reason = reason
	st.Failures++
	m.states[component] = st

	if changed {
		m.notify()
	}
}

// Recover marks component healthy again.
func (m *Monitor) Recover(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[component]
	if ok && st.Healthy {
		return
	}
	m.states[component] = State{Component: component, Healthy: true, Since: m.now()}
	if ok {
		m.notify()
	}
}

// Healthy reports whether component is currently healthy. Unknown components
// are healthy.
func (m *Monitor) Healthy(component string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[component]
	return !ok || st.Healthy
}

// Report returns the current state of every known component.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{Mode: ModeLive, Healthy: true, Components: make([]State, 0, len(m.states))}
	for _, st := range m.states {
		r.Components = append(r.Components, st)
		if st.Healthy {
			continue
		}
		r.Healthy = false
		if strings.HasPrefix(st.Component, "feed:") {
			r.Mode = ModePolling
		}
	}
	sort.Slice(r.Components, func(i, j int) bool {
		return r.Components[i].Component < r.Components[j].Component
	})
	return r
}

// Subscribe returns a channel that receives a signal whenever any component
// changes between healthy and unhealthy. Signals coalesce. Call cancel to
// stop receiving.
func (m *Monitor) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// notify signals subscribers without blocking. Caller holds m.mu.
func (m *Monitor) notify() {
	for ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
