package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/klear-fix/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startVenue(t *testing.T, cfg Config) (*Venue, <-chan types.ExecutionEvent) {
	t.Helper()
	cfg.Seed = 42
	v := NewVenue(cfg)

	events := make(chan types.ExecutionEvent, 64)
	v.OnExecution(func(ev types.ExecutionEvent) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = v.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, v.SessionActive, time.Second, time.Millisecond)
	return v, events
}

func next(t *testing.T, events <-chan types.ExecutionEvent) types.ExecutionEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no execution event")
		return types.ExecutionEvent{}
	}
}

func restingConfig() Config {
	return Config{SuccessRate: 1, FillProbability: 0, LiquidityFactor: 1}
}

func newOrder(id string, qty int64) types.OrderMessage {
	return types.OrderMessage{
		Type:          types.MessageNewOrder,
		ClientOrderID: id,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeLimit,
		Quantity:      qty,
		Price:         decimal.NewNullDecimal(decimal.NewFromInt(10)),
	}
}

func TestVenueRequiresSession(t *testing.T) {
	v := NewVenue(DefaultConfig())
	assert.False(t, v.SessionActive())
	assert.ErrorIs(t, v.SendOrderMessage(context.Background(), newOrder("A", 1)), types.ErrNoActiveSession)
	assert.False(t, v.Sessions()[0].LoggedOn)
}

func TestVenueAcksAndFills(t *testing.T) {
	v, events := startVenue(t, Config{SuccessRate: 1, FillProbability: 1, LiquidityFactor: 1})

	require.NoError(t, v.SendOrderMessage(context.Background(), newOrder("A", 100)))

	ack := next(t, events)
	assert.Equal(t, types.ExecTypeNew, ack.ExecutionType)
	assert.Equal(t, types.OrderStatusNew, ack.OrderStatus)
	assert.Equal(t, int64(100), ack.LeavesQuantity)
	assert.NotEmpty(t, ack.OrderID)

	fill := next(t, events)
	assert.Equal(t, types.ExecTypeFill, fill.ExecutionType)
	assert.Equal(t, types.OrderStatusFilled, fill.OrderStatus)
	assert.Equal(t, int64(100), fill.LastQuantity)
	assert.Equal(t, int64(100), fill.CumulativeQuantity)
	assert.Equal(t, int64(0), fill.LeavesQuantity)
	assert.True(t, decimal.NewFromInt(10).Equal(fill.LastPrice))
	assert.True(t, decimal.NewFromInt(10).Equal(fill.AveragePrice))
	assert.NotEqual(t, ack.ExecutionID, fill.ExecutionID)
}

func TestVenuePartialFillsConserveQuantity(t *testing.T) {
	v, events := startVenue(t, Config{SuccessRate: 1, FillProbability: 1, LiquidityFactor: 0.3})

	msg := newOrder("A", 100)
	msg.OrderType = types.OrderTypeMarket
	msg.Price = decimal.NullDecimal{}
	require.NoError(t, v.SendOrderMessage(context.Background(), msg))
	require.Equal(t, types.ExecTypeNew, next(t, events).ExecutionType)

	var total int64
	for {
		ev := next(t, events)
		require.True(t, ev.ExecutionType.IsFill())
		total += ev.LastQuantity
		assert.Equal(t, total, ev.CumulativeQuantity)
		assert.Equal(t, int64(100), ev.CumulativeQuantity+ev.LeavesQuantity)
		assert.True(t, ev.LastPrice.IsPositive())
		if ev.ExecutionType == types.ExecTypeFill {
			break
		}
	}
	assert.Equal(t, int64(100), total)
}

func TestVenueRejects(t *testing.T) {
	v, events := startVenue(t, Config{SuccessRate: 0})

	require.NoError(t, v.SendOrderMessage(context.Background(), newOrder("A", 10)))
	ev := next(t, events)
	assert.Equal(t, types.ExecTypeRejected, ev.ExecutionType)
	assert.Equal(t, types.OrderStatusRejected, ev.OrderStatus)
	assert.Equal(t, "A", ev.ClientOrderID)
	assert.NotEmpty(t, ev.Text)
}

func TestVenueCancel(t *testing.T) {
	v, events := startVenue(t, restingConfig())
	require.NoError(t, v.SendOrderMessage(context.Background(), newOrder("A", 100)))
	next(t, events)

	cancel := types.OrderMessage{Type: types.MessageCancel, ClientOrderID: "C1", OriginalClientOrderID: "A", Symbol: "AAPL", Side: types.SideBuy}
	require.NoError(t, v.SendOrderMessage(context.Background(), cancel))

	ev := next(t, events)
	assert.Equal(t, types.ExecTypeCanceled, ev.ExecutionType)
	assert.Equal(t, types.OrderStatusCanceled, ev.OrderStatus)
	assert.Equal(t, "C1", ev.ClientOrderID)
	assert.Equal(t, "A", ev.OriginalClientOrderID)
	assert.Equal(t, int64(0), ev.LeavesQuantity)

	cancel.ClientOrderID = "C2"
	require.NoError(t, v.SendOrderMessage(context.Background(), cancel))
	ev = next(t, events)
	assert.Equal(t, types.ExecTypeRejected, ev.ExecutionType)
	assert.Equal(t, "CXLREJ-C2", ev.ExecutionID)
	assert.Equal(t, "A", ev.OriginalClientOrderID)
	assert.Empty(t, ev.OrderStatus)
}

func TestVenueReplace(t *testing.T) {
	v, events := startVenue(t, restingConfig())
	require.NoError(t, v.SendOrderMessage(context.Background(), newOrder("A", 100)))
	next(t, events)

	replace := newOrder("B", 150)
	replace.Type = types.MessageReplace
	replace.OriginalClientOrderID = "A"
	require.NoError(t, v.SendOrderMessage(context.Background(), replace))

	ev := next(t, events)
	assert.Equal(t, types.ExecTypeReplaced, ev.ExecutionType)
	assert.Equal(t, types.OrderStatusNew, ev.OrderStatus)
	assert.Equal(t, "B", ev.ClientOrderID)
	assert.Equal(t, "A", ev.OriginalClientOrderID)
	assert.Equal(t, int64(150), ev.LeavesQuantity)

	// A no longer exists at the venue
	again := newOrder("C", 200)
	again.Type = types.MessageReplace
	again.OriginalClientOrderID = "A"
	require.NoError(t, v.SendOrderMessage(context.Background(), again))
	ev = next(t, events)
	assert.Equal(t, types.ExecTypeRejected, ev.ExecutionType)
	assert.Equal(t, "C", ev.ClientOrderID)
}
