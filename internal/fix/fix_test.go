package fix

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-fix/internal/types"
	"github.com/quickfixgo/enum"
	"github.com/quickfixgo/field"
	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSession = quickfix.SessionID{BeginString: "FIX.4.4", SenderCompID: "CLIENT", TargetCompID: "VENUE"}

func TestExecutionTypeMapping(t *testing.T) {
	tests := []struct {
		code   enum.ExecType
		status types.OrderStatus
		want   types.ExecutionType
	}{
		{enum.ExecType_NEW, types.OrderStatusNew, types.ExecTypeNew},
		{enum.ExecType_PARTIAL_FILL, types.OrderStatusPartiallyFilled, types.ExecTypePartialFill},
		{enum.ExecType_FILL, types.OrderStatusFilled, types.ExecTypeFill},
		{enum.ExecType_TRADE, types.OrderStatusPartiallyFilled, types.ExecTypePartialFill},
		{enum.ExecType_TRADE, types.OrderStatusFilled, types.ExecTypeFill},
		{enum.ExecType_CANCELED, types.OrderStatusCanceled, types.ExecTypeCanceled},
		{enum.ExecType_EXPIRED, types.OrderStatusCanceled, types.ExecTypeCanceled},
		{enum.ExecType_REPLACED, types.OrderStatusNew, types.ExecTypeReplaced},
		{enum.ExecType_REJECTED, types.OrderStatusRejected, types.ExecTypeRejected},
		{enum.ExecType_PENDING_NEW, types.OrderStatusPendingNew, types.ExecTypePendingNew},
		{enum.ExecType_PENDING_CANCEL, types.OrderStatusPendingCancel, types.ExecTypePendingCancel},
		{enum.ExecType_PENDING_REPLACE, types.OrderStatusPendingReplace, types.ExecTypePendingReplace},
	}

	for _, tt := range tests {
		t.Run(string(tt.code)+"/"+string(tt.status), func(t *testing.T) {
			got, err := ExecutionType(tt.code, tt.status)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ExecutionType(enum.ExecType_DONE_FOR_DAY, types.OrderStatusNew)
	assert.Error(t, err)
}

func TestOrderStatusMappingIsClosed(t *testing.T) {
	for code, want := range ordStatuses {
		got, err := OrderStatus(code)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, got.Valid())
	}

	_, err := OrderStatus(enum.OrdStatus_SUSPENDED)
	assert.Error(t, err)

	_, err = Side(enum.Side_SELL_SHORT)
	assert.Error(t, err)
}

func TestBuildNewOrderSingle(t *testing.T) {
	m, err := BuildMessage(types.OrderMessage{
		Type:          types.MessageNewOrder,
		ClientOrderID: "A1B2C3D4",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeLimit,
		Quantity:      100,
		Price:         decimal.NewNullDecimal(decimal.RequireFromString("150.25")),
	})
	require.NoError(t, err)
	assert.True(t, m.IsMsgTypeOf(string(enum.MsgType_ORDER_SINGLE)))

	var (
		clOrdID field.ClOrdIDField
		side    field.SideField
		ordType field.OrdTypeField
		qty     field.OrderQtyField
		price   field.PriceField
	)
	require.Nil(t, m.Body.Get(&clOrdID))
	require.Nil(t, m.Body.Get(&side))
	require.Nil(t, m.Body.Get(&ordType))
	require.Nil(t, m.Body.Get(&qty))
	require.Nil(t, m.Body.Get(&price))
	assert.Equal(t, "A1B2C3D4", clOrdID.Value())
	assert.Equal(t, enum.Side_BUY, side.Value())
	assert.Equal(t, enum.OrdType_LIMIT, ordType.Value())
	assert.True(t, decimal.NewFromInt(100).Equal(qty.Value()))
	assert.True(t, decimal.RequireFromString("150.25").Equal(price.Value()))

	_, err = BuildMessage(types.OrderMessage{Type: types.MessageNewOrder, ClientOrderID: "X", Symbol: "AAPL",
		Side: types.SideBuy, OrderType: types.OrderTypeLimit, Quantity: 1})
	assert.ErrorIs(t, err, types.ErrMissingPrice)
}

func TestBuildCancelAndReplace(t *testing.T) {
	cancel, err := BuildMessage(types.OrderMessage{
		Type: types.MessageCancel, ClientOrderID: "C1", OriginalClientOrderID: "A1",
		Symbol: "AAPL", Side: types.SideSell, Quantity: 100,
	})
	require.NoError(t, err)
	assert.True(t, cancel.IsMsgTypeOf(string(enum.MsgType_ORDER_CANCEL_REQUEST)))

	var orig field.OrigClOrdIDField
	require.Nil(t, cancel.Body.Get(&orig))
	assert.Equal(t, "A1", orig.Value())

	var ordType field.OrdTypeField
	assert.NotNil(t, cancel.Body.Get(&ordType), "cancel requests carry no order type")

	replace, err := BuildMessage(types.OrderMessage{
		Type: types.MessageReplace, ClientOrderID: "B1", OriginalClientOrderID: "A1",
		Symbol: "AAPL", Side: types.SideBuy, OrderType: types.OrderTypeMarket, Quantity: 150,
	})
	require.NoError(t, err)
	assert.True(t, replace.IsMsgTypeOf(string(enum.MsgType_ORDER_CANCEL_REPLACE_REQUEST)))

	_, err = BuildMessage(types.OrderMessage{Type: types.MessageCancel, ClientOrderID: "C2", Symbol: "AAPL", Side: types.SideBuy})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func executionReport(execType enum.ExecType, status enum.OrdStatus) *quickfix.Message {
	m := quickfix.NewMessage()
	m.Header.Set(field.NewMsgType(enum.MsgType_EXECUTION_REPORT))
	m.Body.Set(field.NewExecID("E1"))
	m.Body.Set(field.NewOrderID("V1"))
	m.Body.Set(field.NewClOrdID("A1"))
	m.Body.Set(field.NewSymbol("AAPL"))
	m.Body.Set(field.NewSide(enum.Side_SELL))
	m.Body.Set(field.NewExecType(execType))
	m.Body.Set(field.NewOrdStatus(status))
	m.Body.Set(field.NewLastQty(decimal.NewFromInt(40), 0))
	m.Body.Set(field.NewLastPx(decimal.RequireFromString("10.5"), 2))
	m.Body.Set(field.NewCumQty(decimal.NewFromInt(40), 0))
	m.Body.Set(field.NewLeavesQty(decimal.NewFromInt(60), 0))
	m.Body.Set(field.NewAvgPx(decimal.RequireFromString("10.5"), 2))
	m.Body.Set(field.NewTransactTime(time.Now().UTC()))
	return m
}

func TestParseExecutionReport(t *testing.T) {
	ev, err := ParseExecutionReport(executionReport(enum.ExecType_TRADE, enum.OrdStatus_PARTIALLY_FILLED), testSession.String())
	require.NoError(t, err)

	assert.Equal(t, "E1", ev.ExecutionID)
	assert.Equal(t, "V1", ev.OrderID)
	assert.Equal(t, "A1", ev.ClientOrderID)
	assert.Empty(t, ev.OriginalClientOrderID)
	assert.Equal(t, "AAPL", ev.Symbol)
	assert.Equal(t, types.SideSell, ev.Side)
	assert.Equal(t, types.ExecTypePartialFill, ev.ExecutionType)
	assert.Equal(t, types.OrderStatusPartiallyFilled, ev.OrderStatus)
	assert.Equal(t, int64(40), ev.LastQuantity)
	assert.Equal(t, int64(40), ev.CumulativeQuantity)
	assert.Equal(t, int64(60), ev.LeavesQuantity)
	assert.True(t, decimal.RequireFromString("10.5").Equal(ev.LastPrice))
	assert.Equal(t, testSession.String(), ev.SessionID)

	_, err = ParseExecutionReport(executionReport(enum.ExecType_DONE_FOR_DAY, enum.OrdStatus_DONE_FOR_DAY), "")
	assert.Error(t, err)
}

func TestParseCancelReject(t *testing.T) {
	m := quickfix.NewMessage()
	m.Header.Set(field.NewMsgType(enum.MsgType_ORDER_CANCEL_REJECT))
	m.Body.Set(field.NewClOrdID("C1"))
	m.Body.Set(field.NewOrigClOrdID("A1"))
	m.Body.Set(field.NewOrderID("V1"))
	m.Body.Set(field.NewOrdStatus(enum.OrdStatus_PARTIALLY_FILLED))
	m.Body.Set(field.NewCxlRejResponseTo(enum.CxlRejResponseTo_ORDER_CANCEL_REQUEST))
	m.Body.Set(field.NewText("too late to cancel"))

	ev, err := ParseCancelReject(m, "")
	require.NoError(t, err)
	assert.Equal(t, "CXLREJ-C1", ev.ExecutionID)
	assert.Equal(t, "C1", ev.ClientOrderID)
	assert.Equal(t, "A1", ev.OriginalClientOrderID)
	assert.Equal(t, types.ExecTypeRejected, ev.ExecutionType)
	assert.Equal(t, types.OrderStatusPartiallyFilled, ev.OrderStatus)
	assert.Equal(t, "too late to cancel", ev.Text)

	m.Body.Set(field.NewOrdStatus(enum.OrdStatus_PENDING_CANCEL))
	ev, err = ParseCancelReject(m, "")
	require.NoError(t, err)
	assert.Empty(t, ev.OrderStatus, "pending statuses are not carried over")
}

func TestApplicationDeliversExecutions(t *testing.T) {
	app := NewApplication()
	var got []types.ExecutionEvent
	app.OnExecution(func(ev types.ExecutionEvent) { got = append(got, ev) })

	assert.Nil(t, app.FromApp(executionReport(enum.ExecType_NEW, enum.OrdStatus_NEW), testSession))

	unknown := quickfix.NewMessage()
	unknown.Header.Set(field.NewMsgType(enum.MsgType_NEWS))
	assert.Nil(t, app.FromApp(unknown, testSession))

	assert.Nil(t, app.FromApp(executionReport(enum.ExecType_DONE_FOR_DAY, enum.OrdStatus_DONE_FOR_DAY), testSession))

	require.Len(t, got, 1)
	assert.Equal(t, types.ExecTypeNew, got[0].ExecutionType)
	assert.Equal(t, testSession.String(), got[0].SessionID)
}

func TestApplicationSendRequiresSession(t *testing.T) {
	app := NewApplication()
	var sentTo []quickfix.SessionID
	app.send = func(_ quickfix.Messagable, id quickfix.SessionID) error {
		sentTo = append(sentTo, id)
		return nil
	}
	msg := types.OrderMessage{
		Type: types.MessageNewOrder, ClientOrderID: "A1", Symbol: "AAPL",
		Side: types.SideBuy, OrderType: types.OrderTypeMarket, Quantity: 10,
	}

	app.OnCreate(testSession)
	assert.False(t, app.SessionActive())
	assert.ErrorIs(t, app.SendOrderMessage(context.Background(), msg), types.ErrNoActiveSession)

	app.OnLogon(testSession)
	assert.True(t, app.SessionActive())
	require.NoError(t, app.SendOrderMessage(context.Background(), msg))
	assert.Equal(t, []quickfix.SessionID{testSession}, sentTo)

	sessions := app.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].LoggedOn)
	assert.Equal(t, "VENUE", sessions[0].TargetCompID)

	app.send = func(quickfix.Messagable, quickfix.SessionID) error { return errors.New("not connected") }
	assert.Error(t, app.SendOrderMessage(context.Background(), msg))

	app.OnLogout(testSession)
	assert.ErrorIs(t, app.SendOrderMessage(context.Background(), msg), types.ErrNoActiveSession)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, app.SendOrderMessage(ctx, msg), context.Canceled)
}
