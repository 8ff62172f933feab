package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
)

// RequestError represents a transition request the engine refused before
// reaching the state machine.
type RequestError struct {
	// Code identifies the error category.
	Code RequestErrorCode

	// Message is a human-readable description.
	Message string

	// OrderID identifies the affected order, when known.
	OrderID string
}

// RequestErrorCode categorizes request errors.
type RequestErrorCode string

const (
	// ErrCodeInvalidActor indicates the request carried no actor id.
	ErrCodeInvalidActor RequestErrorCode = "INVALID_ACTOR"

	// ErrCodeOrderClosed indicates a line change on a terminal order.
	ErrCodeOrderClosed RequestErrorCode = "ORDER_CLOSED"
)

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("%s: %s (order=%s)", e.Code, e.Message, e.OrderID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsInvalidActor returns true if the request had no usable actor.
// Uses errors.As to handle wrapped errors.
func IsInvalidActor(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Code == ErrCodeInvalidActor
	}
	return false
}

// IsOrderClosed returns true if the error rejects a change on a terminal order.
func IsOrderClosed(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Code == ErrCodeOrderClosed
	}
	return false
}

// IsConflict returns true if a conditional write lost against a concurrent
// change.
func IsConflict(err error) bool {
	return errors.Is(err, model.ErrConflict)
}

// IsIllegalTransition returns true for every state machine rejection: illegal
// event, failed guard or missing role.
func IsIllegalTransition(err error) bool {
	return lifecycle.IsIllegalTransition(err)
}

func invalidActor(orderID string) *RequestError {
	return &RequestError{Code: ErrCodeInvalidActor, Message: "actor id is required", OrderID: orderID}
}

func orderClosed(orderID string, st lifecycle.Status) *RequestError {
	return &RequestError{
		Code:    ErrCodeOrderClosed,
		Message: fmt.Sprintf("order is %s", st),
		OrderID: orderID,
	}
}
