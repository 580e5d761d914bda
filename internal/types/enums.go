package types

import (
	"fmt"
	"strings"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts any casing of BUY or SELL.
func ParseSide(s string) (Side, error) {
	side := Side(strings.ToUpper(strings.TrimSpace(s)))
	if !side.Valid() {
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidRequest, s)
	}
	return side, nil
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Direction returns +1 for BUY and -1 for SELL.
func (s Side) Direction() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ParseOrderType accepts any casing of MARKET or LIMIT.
func ParseOrderType(s string) (OrderType, error) {
	t := OrderType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown order type %q", ErrInvalidRequest, s)
	}
	return t, nil
}

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus is the lifecycle status of an OrderRecord.
type OrderStatus string

const (
	OrderStatusPendingNew      OrderStatus = "PENDING_NEW"
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusPendingReplace  OrderStatus = "PENDING_REPLACE"
	OrderStatusReplaced        OrderStatus = "REPLACED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

var orderStatuses = map[OrderStatus]struct{}{
	OrderStatusPendingNew:      {},
	OrderStatusNew:             {},
	OrderStatusPartiallyFilled: {},
	OrderStatusFilled:          {},
	OrderStatusPendingCancel:   {},
	OrderStatusCanceled:        {},
	OrderStatusPendingReplace:  {},
	OrderStatusReplaced:        {},
	OrderStatusRejected:        {},
}

func (s OrderStatus) Valid() bool {
	_, ok := orderStatuses[s]
	return ok
}

// Terminal reports whether no further transition is allowed for this id.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusReplaced:
		return true
	default:
		return false
	}
}

// Pending reports whether a cancel or replace request is in flight.
func (s OrderStatus) Pending() bool {
	return s == OrderStatusPendingCancel || s == OrderStatusPendingReplace
}

// Open reports whether the order can still trade at the venue.
func (s OrderStatus) Open() bool {
	return s.Valid() && !s.Terminal()
}

// ExecutionType is the kind of change an execution event describes.
type ExecutionType string

const (
	ExecTypeNew            ExecutionType = "NEW"
	ExecTypePartialFill    ExecutionType = "PARTIAL_FILL"
	ExecTypeFill           ExecutionType = "FILL"
	ExecTypeCanceled       ExecutionType = "CANCELED"
	ExecTypeReplaced       ExecutionType = "REPLACED"
	ExecTypeRejected       ExecutionType = "REJECTED"
	ExecTypePendingNew     ExecutionType = "PENDING_NEW"
	ExecTypePendingCancel  ExecutionType = "PENDING_CANCEL"
	ExecTypePendingReplace ExecutionType = "PENDING_REPLACE"
)

// impliedStatus is the order status an execution type produces when the
// venue did not report one.
var impliedStatus = map[ExecutionType]OrderStatus{
	ExecTypeNew:            OrderStatusNew,
	ExecTypePartialFill:    OrderStatusPartiallyFilled,
	ExecTypeFill:           OrderStatusFilled,
	ExecTypeCanceled:       OrderStatusCanceled,
	ExecTypeReplaced:       OrderStatusNew,
	ExecTypeRejected:       OrderStatusRejected,
	ExecTypePendingNew:     OrderStatusPendingNew,
	ExecTypePendingCancel:  OrderStatusPendingCancel,
	ExecTypePendingReplace: OrderStatusPendingReplace,
}

func (t ExecutionType) Valid() bool {
	_, ok := impliedStatus[t]
	return ok
}

// ImpliedStatus returns the status this execution type moves an order to.
func (t ExecutionType) ImpliedStatus() OrderStatus {
	return impliedStatus[t]
}

// IsFill reports whether the event carries a fill increment.
func (t ExecutionType) IsFill() bool {
	return t == ExecTypeFill || t == ExecTypePartialFill
}

// ImpliesTerminal reports whether the event ends the life of its target id.
func (t ExecutionType) ImpliesTerminal() bool {
	switch t {
	case ExecTypeFill, ExecTypeCanceled, ExecTypeRejected:
		return true
	default:
		return false
	}
}

// MessageType identifies an outbound order message.
type MessageType string

const (
	MessageNewOrder MessageType = "NEW_ORDER"
	MessageCancel   MessageType = "CANCEL"
	MessageReplace  MessageType = "REPLACE"
)

// EventKind names a downstream publish channel.
type EventKind string

const (
	EventOrderUpdate    EventKind = "ORDER_UPDATE"
	EventPositionUpdate EventKind = "POSITION_UPDATE"
	EventExecution      EventKind = "EXECUTION"
	EventSymbolHeld     EventKind = "SYMBOL_HELD"
)
