package types

import "errors"

var (
	ErrNoActiveSession   = errors.New("no active FIX session")
	ErrMissingPrice      = errors.New("price is required for LIMIT orders")
	ErrInvalidRequest    = errors.New("invalid order request")
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrderID  = errors.New("duplicate client order id")
	ErrNonMonotonicFill  = errors.New("cumulative quantity decreased")
	ErrOverfill          = errors.New("cumulative quantity exceeds requested quantity")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrExecutionNotFound = errors.New("execution not awaiting review")
	ErrPositionNotFound  = errors.New("no position held")
)
