package fix

import (
	"fmt"
	"time"

	"github.com/ksred/klear-fix/internal/types"
	"github.com/quickfixgo/enum"
	"github.com/quickfixgo/field"
	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
)

// priceScale is the number of decimals sent on the wire for prices
const priceScale = 4

// cancelRejectPrefix marks the synthetic execution id given to an
// OrderCancelReject, which carries no ExecID of its own.
const cancelRejectPrefix = "CXLREJ-"

// BuildMessage encodes an outbound order message as NewOrderSingle (D),
// OrderCancelRequest (F) or OrderCancelReplaceRequest (G).
func BuildMessage(msg types.OrderMessage) (*quickfix.Message, error) {
	side, err := venueSide(msg.Side)
	if err != nil {
		return nil, err
	}
	transactTime := msg.TransactTime
	if transactTime.IsZero() {
		transactTime = time.Now()
	}

	m := quickfix.NewMessage()
	switch msg.Type {
	case types.MessageNewOrder:
		m.Header.Set(field.NewMsgType(enum.MsgType_ORDER_SINGLE))
	case types.MessageCancel:
		m.Header.Set(field.NewMsgType(enum.MsgType_ORDER_CANCEL_REQUEST))
	case types.MessageReplace:
		m.Header.Set(field.NewMsgType(enum.MsgType_ORDER_CANCEL_REPLACE_REQUEST))
	default:
		return nil, fmt.Errorf("%w: message type %q", types.ErrInvalidRequest, msg.Type)
	}

	m.Body.Set(field.NewClOrdID(msg.ClientOrderID))
	m.Body.Set(field.NewSymbol(msg.Symbol))
	m.Body.Set(field.NewSide(side))
	m.Body.Set(field.NewTransactTime(transactTime.UTC()))
	m.Body.Set(field.NewOrderQty(decimal.NewFromInt(msg.Quantity), 0))

	if msg.Type != types.MessageNewOrder {
		if msg.OriginalClientOrderID == "" {
			return nil, fmt.Errorf("%w: %s needs the original client order id", types.ErrInvalidRequest, msg.Type)
		}
		m.Body.Set(field.NewOrigClOrdID(msg.OriginalClientOrderID))
	}
	if msg.Type == types.MessageCancel {
		return m, nil
	}

	ordType, err := venueOrdType(msg.OrderType)
	if err != nil {
		return nil, err
	}
	m.Body.Set(field.NewOrdType(ordType))
	m.Body.Set(field.NewHandlInst(enum.HandlInst_AUTOMATED_EXECUTION_ORDER_PRIVATE_NO_BROKER_INTERVENTION))
	m.Body.Set(field.NewTimeInForce(enum.TimeInForce_DAY))
	if msg.OrderType == types.OrderTypeLimit {
		if !msg.Price.Valid {
			return nil, types.ErrMissingPrice
		}
		m.Body.Set(field.NewPrice(msg.Price.Decimal, priceScale))
	}
	return m, nil
}

// ParseExecutionReport decodes an ExecutionReport (8)
func ParseExecutionReport(m *quickfix.Message, sessionID string) (types.ExecutionEvent, error) {
	ev := types.ExecutionEvent{SessionID: sessionID, ReceivedAt: time.Now()}

	var (
		execID    field.ExecIDField
		clOrdID   field.ClOrdIDField
		execType  field.ExecTypeField
		ordStatus field.OrdStatusField
	)
	for _, f := range []quickfix.Field{&execID, &clOrdID, &execType, &ordStatus} {
		if err := m.Body.Get(f); err != nil {
			return ev, fmt.Errorf("execution report: %w", err)
		}
	}
	ev.ExecutionID = execID.Value()
	ev.ClientOrderID = clOrdID.Value()

	status, err := OrderStatus(ordStatus.Value())
	if err != nil {
		return ev, err
	}
	ev.OrderStatus = status
	if ev.ExecutionType, err = ExecutionType(execType.Value(), status); err != nil {
		return ev, err
	}

	// Optional fields keep their zero value when absent.
	var (
		origClOrdID  field.OrigClOrdIDField
		orderID      field.OrderIDField
		symbol       field.SymbolField
		side         field.SideField
		lastPx       field.LastPxField
		lastQty      field.LastQtyField
		cumQty       field.CumQtyField
		leavesQty    field.LeavesQtyField
		avgPx        field.AvgPxField
		text         field.TextField
		transactTime field.TransactTimeField
	)
	if m.Body.Get(&origClOrdID) == nil {
		ev.OriginalClientOrderID = origClOrdID.Value()
	}
	if m.Body.Get(&orderID) == nil {
		ev.OrderID = orderID.Value()
	}
	if m.Body.Get(&symbol) == nil {
		ev.Symbol = symbol.Value()
	}
	if m.Body.Get(&side) == nil {
		if ev.Side, err = Side(side.Value()); err != nil {
			return ev, err
		}
	}
	ev.LastPrice = decimal.Zero
	if m.Body.Get(&lastPx) == nil {
		ev.LastPrice = lastPx.Value()
	}
	if m.Body.Get(&lastQty) == nil {
		ev.LastQuantity = lastQty.Value().IntPart()
	}
	if m.Body.Get(&cumQty) == nil {
		ev.CumulativeQuantity = cumQty.Value().IntPart()
	}
	if m.Body.Get(&leavesQty) == nil {
		ev.LeavesQuantity = leavesQty.Value().IntPart()
	}
	ev.AveragePrice = decimal.Zero
	if m.Body.Get(&avgPx) == nil {
		ev.AveragePrice = avgPx.Value()
	}
	if m.Body.Get(&text) == nil {
		ev.Text = text.Value()
	}
	ev.TransactTime = ev.ReceivedAt
	if m.Body.Get(&transactTime) == nil {
		ev.TransactTime = transactTime.Value()
	}
	return ev, nil
}

// ParseCancelReject decodes an OrderCancelReject (9) into a REJECTED
// execution against the control message's client order id. Only a live,
// non-pending OrdStatus is carried over; otherwise the order falls back to
// the status it had before the request.
func ParseCancelReject(m *quickfix.Message, sessionID string) (types.ExecutionEvent, error) {
	ev := types.ExecutionEvent{
		SessionID:     sessionID,
		ExecutionType: types.ExecTypeRejected,
		LastPrice:     decimal.Zero,
		AveragePrice:  decimal.Zero,
		ReceivedAt:    time.Now(),
	}

	var (
		clOrdID     field.ClOrdIDField
		origClOrdID field.OrigClOrdIDField
	)
	if err := m.Body.Get(&clOrdID); err != nil {
		return ev, fmt.Errorf("cancel reject: %w", err)
	}
	if err := m.Body.Get(&origClOrdID); err != nil {
		return ev, fmt.Errorf("cancel reject: %w", err)
	}
	ev.ClientOrderID = clOrdID.Value()
	ev.OriginalClientOrderID = origClOrdID.Value()
	ev.ExecutionID = cancelRejectPrefix + ev.ClientOrderID

	var (
		orderID   field.OrderIDField
		ordStatus field.OrdStatusField
		text      field.TextField
	)
	if m.Body.Get(&orderID) == nil {
		ev.OrderID = orderID.Value()
	}
	if m.Body.Get(&ordStatus) == nil {
		if status, err := OrderStatus(ordStatus.Value()); err == nil && status.Open() && !status.Pending() {
			ev.OrderStatus = status
		}
	}
	if m.Body.Get(&text) == nil {
		ev.Text = text.Value()
	}
	ev.TransactTime = ev.ReceivedAt
	return ev, nil
}
