package lifecycle

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	staff   = Actor{ID: "user:ana", Role: RoleStaff}
	manager = Actor{ID: "user:rui", Role: RoleManager, Reason: "guest asked to be served now"}
	system  = Actor{ID: "system:auto-advance", Role: RoleSystem}
)

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine()

	steps := []struct {
		from  Status
		event Event
		facts Facts
		want  Status
	}{
		{StatusPending, EventStartPreparing, Facts{}, StatusPreparing},
		{StatusPreparing, EventMarkReady, Facts{LinesReady: true}, StatusReady},
		{StatusReady, EventServe, Facts{}, StatusDining},
		{StatusDining, EventRequestPayment, Facts{}, StatusPaymentPending},
		{StatusPaymentPending, EventComplete, Facts{PaymentSettled: true}, StatusCompleted},
	}

	for _, s := range steps {
		t.Run(string(s.event), func(t *testing.T) {
			res, err := m.Transition(Input{From: s.from, Event: s.event, Actor: staff, Facts: s.facts})
			require.NoError(t, err)
			assert.False(t, res.NoOp)
			assert.Equal(t, s.from, res.From)
			assert.Equal(t, s.want, res.To)
			assert.Empty(t, res.Skipped)
		})
	}
}

func TestMachine_IllegalTransition(t *testing.T) {
	m := NewMachine()

	tests := []struct {
		name  string
		from  Status
		event Event
	}{
		{"serve from pending", StatusPending, EventServe},
		{"complete from dining", StatusDining, EventComplete},
		{"cancel completed", StatusCompleted, EventCancel},
		{"start cancelled", StatusCancelled, EventStartPreparing},
		{"unknown status", Status("archived"), EventCancel},
		{"unknown event", StatusPending, Event("teleport")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Transition(Input{From: tt.from, Event: tt.event, Actor: staff})
			require.Error(t, err)
			assert.True(t, IsIllegalTransition(err))

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, ErrCodeIllegalTransition, te.Code)
		})
	}
}

func TestMachine_Guards(t *testing.T) {
	m := NewMachine()

	_, err := m.Transition(Input{From: StatusPreparing, Event: EventMarkReady, Actor: staff})
	require.Error(t, err)
	assert.True(t, IsGuardRejected(err))

	_, err = m.Transition(Input{From: StatusPaymentPending, Event: EventComplete, Actor: staff})
	require.Error(t, err)
	assert.True(t, IsGuardRejected(err))
	assert.Contains(t, err.Error(), "payment")
}

func TestMachine_PrivilegedOverride(t *testing.T) {
	m := NewMachine()

	t.Run("staff rejected", func(t *testing.T) {
		_, err := m.Transition(Input{From: StatusPreparing, Event: EventOverrideServe, Actor: staff})
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, ErrCodeRoleRequired, te.Code)
	})

	t.Run("manager without reason rejected", func(t *testing.T) {
		a := manager
		a.Reason = ""
		_, err := m.Transition(Input{From: StatusPreparing, Event: EventOverrideServe, Actor: a})
		assert.True(t, IsGuardRejected(err))
	})

	t.Run("manager records skipped ready", func(t *testing.T) {
		res, err := m.Transition(Input{From: StatusPreparing, Event: EventOverrideServe, Actor: manager})
		require.NoError(t, err)
		assert.Equal(t, StatusDining, res.To)
		assert.True(t, res.Edge.Privileged)
		assert.Equal(t, []Status{StatusReady}, res.Skipped)
	})
}

func TestMachine_FastDeliver(t *testing.T) {
	m := NewMachine()

	_, err := m.Transition(Input{From: StatusPending, Event: EventFastDeliver, Actor: staff})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrCodeRoleRequired, te.Code)

	res, err := m.Transition(Input{From: StatusPending, Event: EventFastDeliver, Actor: system})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, res.To)
	assert.Equal(t, []Status{StatusPreparing, StatusReady}, res.Skipped)

	res, err = m.Transition(Input{From: StatusReady, Event: EventFastDeliver, Actor: system})
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
}

func TestMachine_IdempotentRetry(t *testing.T) {
	m := NewMachine()

	tests := []struct {
		name  string
		from  Status
		event Event
		actor Actor
	}{
		{"same target", StatusDelivered, EventDeliver, staff},
		{"fast deliver after human deliver", StatusDelivered, EventFastDeliver, system},
		{"past target", StatusPaymentPending, EventStartPreparing, staff},
		{"cancel twice", StatusCancelled, EventCancel, staff},
		{"override after payment requested", StatusPaymentPending, EventOverrideServe, manager},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Transition(Input{From: tt.from, Event: tt.event, Actor: tt.actor})
			require.NoError(t, err)
			assert.True(t, res.NoOp)
			assert.Equal(t, tt.from, res.To)
		})
	}
}

func TestMachine_RetryStillChecksRoleAndBranch(t *testing.T) {
	m := NewMachine()

	tests := []struct {
		name  string
		from  Status
		event Event
		code  TransitionErrorCode
	}{
		{"staff fast deliver on delivered", StatusDelivered, EventFastDeliver, ErrCodeRoleRequired},
		{"staff override on dining", StatusDining, EventOverrideServe, ErrCodeRoleRequired},
		{"staff override past dining", StatusPaymentPending, EventOverrideServe, ErrCodeRoleRequired},
		{"serve on delivered", StatusDelivered, EventServe, ErrCodeIllegalTransition},
		{"deliver on dining", StatusDining, EventDeliver, ErrCodeIllegalTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Transition(Input{From: tt.from, Event: tt.event, Actor: staff})
			require.Error(t, err)

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.code, te.Code)
		})
	}

	_, err := m.Transition(Input{From: StatusDining, Event: EventFastDeliver, Actor: system})
	require.Error(t, err)
	assert.True(t, IsIllegalTransition(err))
}

func TestMachine_CancelFromAnyNonTerminal(t *testing.T) {
	m := NewMachine()
	for _, s := range AllStatuses {
		if s.Terminal() {
			continue
		}
		res, err := m.Transition(Input{From: s, Event: EventCancel, Actor: staff})
		require.NoError(t, err, "cancel from %s", s)
		assert.Equal(t, StatusCancelled, res.To)
	}
}

// Any sequence of events yields a strictly forward walk.
func TestMachine_MonotonicWalk(t *testing.T) {
	m := NewMachine()
	events := []Event{
		EventStartPreparing, EventMarkReady, EventServe, EventDeliver, EventRequestPayment,
		EventComplete, EventCancel, EventOverrideServe, EventFastDeliver,
	}
	actors := []Actor{staff, manager, system}
	rng := rand.New(rand.NewSource(42))

	for walk := 0; walk < 500; walk++ {
		cur := StatusPending
		for step := 0; step < 12; step++ {
			in := Input{
				From:  cur,
				Event: events[rng.Intn(len(events))],
				Actor: actors[rng.Intn(len(actors))],
				Facts: Facts{LinesReady: rng.Intn(2) == 0, PaymentSettled: rng.Intn(2) == 0},
			}
			res, err := m.Transition(in)
			if err != nil {
				require.True(t, IsIllegalTransition(err))
				continue
			}
			if res.NoOp {
				require.Equal(t, cur, res.To)
				continue
			}
			require.False(t, cur.Terminal(), "left terminal status %s", cur)
			if res.To != StatusCancelled {
				require.Greater(t, res.To.Stage(), cur.Stage(), "%s -> %s regressed", cur, res.To)
			}
			if res.Edge.Privileged {
				require.True(t, in.Actor.Role.Elevated())
			}
			cur = res.To
		}
	}
}

func TestMachine_EdgeTableShape(t *testing.T) {
	m := NewMachine()
	for _, e := range m.Edges() {
		got, ok := m.Lookup(e.From, e.Event)
		require.True(t, ok)
		assert.Equal(t, e, got)
		assert.False(t, e.From.Terminal(), "edge leaves terminal %s", e.From)
	}

	to, ok := m.Target(EventFastDeliver)
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, to)
}

func TestStatus_Reached(t *testing.T) {
	assert.True(t, StatusReady.Reached(StatusPreparing))
	assert.True(t, StatusPaymentPending.Reached(StatusDining))
	assert.True(t, StatusPaymentPending.Reached(StatusDelivered))
	assert.False(t, StatusDelivered.Reached(StatusDining))
	assert.False(t, StatusDining.Reached(StatusDelivered))
	assert.False(t, StatusPreparing.Reached(StatusReady))
	assert.False(t, StatusCancelled.Reached(StatusDelivered))
	assert.False(t, StatusCompleted.Reached(StatusCancelled))
}

func TestAdvanceLine(t *testing.T) {
	noop, err := AdvanceLine(LineQueued, LinePreparing)
	require.NoError(t, err)
	assert.False(t, noop)

	noop, err = AdvanceLine(LineReady, LinePreparing)
	require.NoError(t, err)
	assert.True(t, noop)

	_, err = AdvanceLine(LineQueued, LineReady)
	assert.Error(t, err)

	_, err = AdvanceLine(LineQueued, LineStatus("burnt"))
	assert.Error(t, err)
}
