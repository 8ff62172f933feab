package lifecycle

import "fmt"

// Event names a requested transition.
type Event string

const (
	EventStartPreparing Event = "start_preparing"
	EventMarkReady      Event = "mark_ready"
	EventServe          Event = "serve"
	EventDeliver        Event = "deliver"
	EventRequestPayment Event = "request_payment"
	EventComplete       Event = "complete"
	EventCancel         Event = "cancel"
	EventOverrideServe  Event = "override_serve"
	EventFastDeliver    Event = "fast_deliver"
)

// Guard names a cross-entity precondition of an edge.
type Guard string

const (
	GuardNone           Guard = ""
	GuardLinesReady     Guard = "lines_ready"
	GuardPaymentSettled Guard = "payment_settled"
)

// Role is the authority an actor carries.
type Role string

const (
	RoleStaff   Role = "staff"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Elevated reports whether r may use privileged override edges.
func (r Role) Elevated() bool {
	return r == RoleManager || r == RoleAdmin
}

// Actor identifies who requested a transition.
type Actor struct {
	ID     string
	Role   Role
	Reason string
}

// Edge is one row of the transition table.
type Edge struct {
	From  Status
	Event Event
	To    Status
	Guard Guard

	// Privileged edges require an elevated role and a reason.
	Privileged bool

	// SystemOnly edges may only be taken by RoleSystem actors.
	SystemOnly bool
}

// Facts carries guard inputs gathered by the caller before calling Transition.
type Facts struct {
	LinesReady     bool
	PaymentSettled bool
}

// Input is a transition request against a snapshot of an order.
type Input struct {
	From  Status
	Event Event
	Actor Actor
	Facts Facts
}

// Result describes an accepted transition.
type Result struct {
	From Status
	To   Status
	Edge Edge

	// NoOp is set when the order already reached the event's target.
	// Nothing must be written and nothing audited.
	NoOp bool

	// Skipped lists forward-path statuses bypassed by this edge, in order.
	Skipped []Status
}

type edgeKey struct {
	from  Status
	event Event
}

// Machine evaluates transitions against an immutable edge table.
type Machine struct {
	edges   []Edge
	byKey   map[edgeKey]Edge
	targets map[Event]Status

	// systemOnly and privileged mark events whose edges carry that role
	// requirement.
	systemOnly map[Event]bool
	privileged map[Event]bool
}

// NewMachine returns a machine over the order lifecycle edge table.
func NewMachine() *Machine {
	m := &Machine{
		byKey:      make(map[edgeKey]Edge),
		targets:    make(map[Event]Status),
		systemOnly: make(map[Event]bool),
		privileged: make(map[Event]bool),
	}
	for _, e := range defaultEdges() {
		m.add(e)
	}
	return m
}

func defaultEdges() []Edge {
	edges := []Edge{
		{From: StatusPending, Event: EventStartPreparing, To: StatusPreparing},
		{From: StatusPreparing, Event: EventMarkReady, To: StatusReady, Guard: GuardLinesReady},
		{From: StatusReady, Event: EventServe, To: StatusDining},
		{From: StatusReady, Event: EventDeliver, To: StatusDelivered},
		{From: StatusDining, Event: EventRequestPayment, To: StatusPaymentPending},
		{From: StatusDelivered, Event: EventRequestPayment, To: StatusPaymentPending},
		{From: StatusPaymentPending, Event: EventComplete, To: StatusCompleted, Guard: GuardPaymentSettled},
		{From: StatusPreparing, Event: EventOverrideServe, To: StatusDining, Privileged: true},
	}
	for _, from := range []Status{StatusPending, StatusPreparing, StatusReady} {
		edges = append(edges, Edge{From: from, Event: EventFastDeliver, To: StatusDelivered, SystemOnly: true})
	}
	for _, from := range AllStatuses {
		if !from.Terminal() {
			edges = append(edges, Edge{From: from, Event: EventCancel, To: StatusCancelled})
		}
	}
	return edges
}

func (m *Machine) add(e Edge) {
	key := edgeKey{from: e.From, event: e.Event}
	if _, dup := m.byKey[key]; dup {
		panic(fmt.Sprintf("lifecycle: duplicate edge %s --%s-->", e.From, e.Event))
	}
	if to, ok := m.targets[e.Event]; ok && to != e.To {
		panic(fmt.Sprintf("lifecycle: event %s has two targets (%s, %s)", e.Event, to, e.To))
	}
	m.byKey[key] = e
	m.targets[e.Event] = e.To
	m.systemOnly[e.Event] = m.systemOnly[e.Event] || e.SystemOnly
	m.privileged[e.Event] = m.privileged[e.Event] || e.Privileged
	m.edges = append(m.edges, e)
}

// Edges returns a copy of the edge table in declaration order.
func (m *Machine) Edges() []Edge {
	out := make([]Edge, len(m.edges))
	copy(out, m.edges)
	return out
}

// Lookup returns the edge for event from status, if any.
// Callers use it to learn which facts the edge's guard needs.
func (m *Machine) Lookup(from Status, ev Event) (Edge, bool) {
	e, ok := m.byKey[edgeKey{from: from, event: ev}]
	return e, ok
}

// Target returns the status an event leads to.
func (m *Machine) Target(ev Event) (Status, bool) {
	to, ok := m.targets[ev]
	return to, ok
}

// authorize checks the role an event demands, independent of the current
// status.
func (m *Machine) authorize(in Input) error {
	switch {
	case m.systemOnly[in.Event] && in.Actor.Role != RoleSystem:
		return &TransitionError{
			Code:    ErrCodeRoleRequired,
			From:    in.From,
			Event:   in.Event,
			Message: "edge is reserved for the system actor",
		}
	case m.privileged[in.Event] && !in.Actor.Role.Elevated():
		return &TransitionError{
			Code:    ErrCodeRoleRequired,
			From:    in.From,
			Event:   in.Event,
			Message: fmt.Sprintf("override requires an elevated role, actor has %q", in.Actor.Role),
		}
	}
	return nil
}

// Transition evaluates a transition request. It never mutates anything.
func (m *Machine) Transition(in Input) (Result, error) {
	if !in.From.Valid() {
		return Result{}, illegal(in.From, in.Event)
	}

	// Role requirements hold even for a retry that would be a no-op.
	if err := m.authorize(in); err != nil {
		return Result{}, err
	}

	if to, ok := m.targets[in.Event]; ok && in.From.Reached(to) {
		return Result{From: in.From, To: in.From, NoOp: true}, nil
	}

	edge, ok := m.Lookup(in.From, in.Event)
	if !ok {
		return Result{}, illegal(in.From, in.Event)
	}

	if edge.Privileged && in.Actor.Reason == "" {
		return Result{}, &TransitionError{
			Code:    ErrCodeGuardRejected,
			From:    in.From,
			Event:   in.Event,
			Message: "override requires a reason",
		}
	}

	switch edge.Guard {
	case GuardLinesReady:
		if !in.Facts.LinesReady {
			return Result{}, &TransitionError{
				Code:    ErrCodeGuardRejected,
				From:    in.From,
				Event:   in.Event,
				Message: "not every order line is ready",
			}
		}
	case GuardPaymentSettled:
		if !in.Facts.PaymentSettled {
			return Result{}, &TransitionError{
				Code:    ErrCodeGuardRejected,
				From:    in.From,
				Event:   in.Event,
				Message: "payment is not settled",
			}
		}
	}

	return Result{
		From:    in.From,
		To:      edge.To,
		Edge:    edge,
		Skipped: skipped(in.From, edge.To),
	}, nil
}

// skipped returns the forward-path statuses strictly between from and to.
func skipped(from, to Status) []Status {
	lo, hi := from.Stage(), to.Stage()
	if lo < 0 || hi < 0 || hi-lo <= 1 {
		return nil
	}
	var out []Status
	for _, s := range []Status{StatusPreparing, StatusReady} {
		if r := s.Stage(); r > lo && r < hi {
			out = append(out, s)
		}
	}
	return out
}

// AdvanceLine validates a kitchen sub-status change. Lines move forward one
// step at a time; asking for a status the line already reached is a no-op.
func AdvanceLine(from, to LineStatus) (noop bool, err error) {
	if !from.Valid() || !to.Valid() {
		return false, fmt.Errorf("unknown line status %q -> %q", from, to)
	}
	if lineRank[from] >= lineRank[to] {
		return true, nil
	}
	if lineNext[from] != to {
		return false, fmt.Errorf("line cannot move from %s to %s", from, to)
	}
	return false, nil
}
