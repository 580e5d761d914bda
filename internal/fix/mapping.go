package fix

import (
	"fmt"

	"github.com/ksred/klear-fix/internal/types"
	"github.com/quickfixgo/enum"
)

// Venue codes are translated at this boundary only; everything past the
// adapter works with the closed enums in internal/types.

var execTypes = map[enum.ExecType]types.ExecutionType{
	enum.ExecType_NEW:             types.ExecTypeNew,
	enum.ExecType_PARTIAL_FILL:    types.ExecTypePartialFill,
	enum.ExecType_FILL:            types.ExecTypeFill,
	enum.ExecType_CANCELED:        types.ExecTypeCanceled,
	enum.ExecType_EXPIRED:         types.ExecTypeCanceled,
	enum.ExecType_REPLACED:        types.ExecTypeReplaced,
	enum.ExecType_REJECTED:        types.ExecTypeRejected,
	enum.ExecType_PENDING_NEW:     types.ExecTypePendingNew,
	enum.ExecType_PENDING_CANCEL:  types.ExecTypePendingCancel,
	enum.ExecType_PENDING_REPLACE: types.ExecTypePendingReplace,
}

var ordStatuses = map[enum.OrdStatus]types.OrderStatus{
	enum.OrdStatus_NEW:              types.OrderStatusNew,
	enum.OrdStatus_PARTIALLY_FILLED: types.OrderStatusPartiallyFilled,
	enum.OrdStatus_FILLED:           types.OrderStatusFilled,
	enum.OrdStatus_CANCELED:         types.OrderStatusCanceled,
	enum.OrdStatus_EXPIRED:          types.OrderStatusCanceled,
	enum.OrdStatus_REPLACED:         types.OrderStatusReplaced,
	enum.OrdStatus_REJECTED:         types.OrderStatusRejected,
	enum.OrdStatus_PENDING_NEW:      types.OrderStatusPendingNew,
	enum.OrdStatus_PENDING_CANCEL:   types.OrderStatusPendingCancel,
	enum.OrdStatus_PENDING_REPLACE:  types.OrderStatusPendingReplace,
}

var sides = map[enum.Side]types.Side{
	enum.Side_BUY:  types.SideBuy,
	enum.Side_SELL: types.SideSell,
}

var ordTypes = map[types.OrderType]enum.OrdType{
	types.OrderTypeMarket: enum.OrdType_MARKET,
	types.OrderTypeLimit:  enum.OrdType_LIMIT,
}

// ExecutionType maps a venue ExecType. FIX 4.4 venues report every fill as
// TRADE, so the order status decides between a partial and a complete fill.
func ExecutionType(code enum.ExecType, status types.OrderStatus) (types.ExecutionType, error) {
	if code == enum.ExecType_TRADE {
		if status == types.OrderStatusFilled {
			return types.ExecTypeFill, nil
		}
		return types.ExecTypePartialFill, nil
	}
	t, ok := execTypes[code]
	if !ok {
		return "", fmt.Errorf("unsupported exec type %q", string(code))
	}
	return t, nil
}

// OrderStatus maps a venue OrdStatus
func OrderStatus(code enum.OrdStatus) (types.OrderStatus, error) {
	s, ok := ordStatuses[code]
	if !ok {
		return "", fmt.Errorf("unsupported order status %q", string(code))
	}
	return s, nil
}

// Side maps a venue side code
func Side(code enum.Side) (types.Side, error) {
	s, ok := sides[code]
	if !ok {
		return "", fmt.Errorf("unsupported side %q", string(code))
	}
	return s, nil
}

func venueSide(s types.Side) (enum.Side, error) {
	for code, side := range sides {
		if side == s {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: side %q", types.ErrInvalidRequest, s)
}

func venueOrdType(t types.OrderType) (enum.OrdType, error) {
	code, ok := ordTypes[t]
	if !ok {
		return "", fmt.Errorf("%w: order type %q", types.ErrInvalidRequest, t)
	}
	return code, nil
}
