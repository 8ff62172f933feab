package lifecycle

import (
	"errors"
	"fmt"
)

// TransitionErrorCode categorizes rejected transitions.
type TransitionErrorCode string

const (
	// ErrCodeIllegalTransition indicates the event has no edge from the current status.
	ErrCodeIllegalTransition TransitionErrorCode = "ILLEGAL_TRANSITION"

	// ErrCodeGuardRejected indicates the edge exists but its guard does not hold
	// (lines not ready, payment not settled).
	ErrCodeGuardRejected TransitionErrorCode = "GUARD_REJECTED"

	// ErrCodeRoleRequired indicates a privileged or system-only edge was
	// requested by an actor without the required role.
	ErrCodeRoleRequired TransitionErrorCode = "ROLE_REQUIRED"
)

// TransitionError is returned when a requested transition is not legal.
// No mutation has happened when it is returned.
type TransitionError struct {
	Code    TransitionErrorCode
	From    Status
	Event   Event
	Message string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s (from=%s, event=%s)", e.Code, e.Message, e.From, e.Event)
}

// IsIllegalTransition reports whether err is a rejected transition of any code.
// Uses errors.As to handle wrapped errors.
func IsIllegalTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// IsGuardRejected reports whether err is a guard failure.
func IsGuardRejected(err error) bool {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code == ErrCodeGuardRejected
	}
	return false
}

func illegal(from Status, ev Event) *TransitionError {
	return &TransitionError{
		Code:    ErrCodeIllegalTransition,
		From:    from,
		Event:   ev,
		Message: "event not legal from current status",
	}
}
