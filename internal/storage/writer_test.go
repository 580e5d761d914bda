package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ksred/klear-fix/internal/dedup"
	"github.com/ksred/klear-fix/internal/observability"
	"github.com/ksred/klear-fix/internal/portfolio"
	"github.com/ksred/klear-fix/internal/trading"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.OrderRecord{}, &types.ExecutionRecord{}, &types.Position{}, &dedup.ProcessedExecution{}))
	return db
}

type failingRecorder struct{}

func (failingRecorder) Persist(*gorm.DB, string) error {
	return errors.New("disk full")
}

func TestWriterPersistsInOrder(t *testing.T) {
	db := setupTestDB(t)
	seen := dedup.NewDurable(db, 10, time.Hour)
	w := NewWriter(db, seen, 16, observability.NewMetrics("test"))

	rec := types.OrderRecord{
		ClientOrderID:     "A1B2C3D4",
		Symbol:            "AAPL",
		Side:              types.SideBuy,
		OrderType:         types.OrderTypeMarket,
		RequestedQuantity: 10,
		Status:            types.OrderStatusPendingNew,
		LeavesQuantity:    10,
		AveragePrice:      decimal.Zero,
	}
	w.Publish(types.EventOrderUpdate, rec)
	rec.Status = types.OrderStatusFilled
	rec.FilledQuantity = 10
	rec.LeavesQuantity = 0
	pos := testPosition("AAPL", 10)
	w.Publish(types.EventExecution, types.ExecutionRecord{
		ExecutionEvent:  types.ExecutionEvent{ExecutionID: "E1", ClientOrderID: "A1B2C3D4", LastPrice: decimal.Zero, AveragePrice: decimal.Zero},
		ReconcileStatus: types.ReconcileAccepted,
		Orders:          []types.OrderRecord{rec},
		Position:        &pos,
	})
	w.Publish(types.EventSymbolHeld, "AAPL")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	orders := trading.NewDatabase(db)
	stored, err := orders.GetOrder("A1B2C3D4")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.OrderStatusFilled, stored.Status)

	list, err := portfolio.NewDatabase(db).ListPositions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(10), list[0].Quantity)

	count, err := orders.CountExecutions()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.True(t, dedup.NewDurable(db, 10, time.Hour).Seen("E1"), "processed id committed with its effects")
}

func TestWriterRollsBackFailedExecution(t *testing.T) {
	db := setupTestDB(t)
	metrics := observability.NewMetrics("test")
	w := NewWriter(db, failingRecorder{}, 4, metrics)

	pos := testPosition("MSFT", 5)
	w.Publish(types.EventExecution, types.ExecutionRecord{
		ExecutionEvent:  types.ExecutionEvent{ExecutionID: "E9", ClientOrderID: "Z1", LastPrice: decimal.Zero, AveragePrice: decimal.Zero},
		ReconcileStatus: types.ReconcileAccepted,
		Position:        &pos,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	list, err := portfolio.NewDatabase(db).ListPositions()
	require.NoError(t, err)
	assert.Empty(t, list, "position must not land without its processed id")
	count, err := trading.NewDatabase(db).CountExecutions()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PersistErrors.WithLabelValues(string(types.EventExecution))))
}

func TestWriterWaitsWhenFull(t *testing.T) {
	db := setupTestDB(t)
	metrics := observability.NewMetrics("test")
	w := NewWriter(db, nil, 1, metrics)

	w.Publish(types.EventSymbolHeld, "A")
	returned := make(chan struct{})
	go func() {
		w.Publish(types.EventSymbolHeld, "B")
		close(returned)
	}()
	closed := func(ch <-chan struct{}) func() bool {
		return func() bool {
			select {
			case <-ch:
				return true
			default:
				return false
			}
		}
	}
	assert.Never(t, closed(returned), 50*time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)
	assert.Eventually(t, closed(returned), time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.PersistErrors.WithLabelValues(string(types.EventSymbolHeld))))

	cancel()
	require.Eventually(t, closed(w.done), time.Second, 5*time.Millisecond)

	// once stopped, a full queue drops instead of blocking forever
	w.Publish(types.EventSymbolHeld, "C")
	w.Publish(types.EventSymbolHeld, "D")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PersistErrors.WithLabelValues(string(types.EventSymbolHeld))))
}

func TestExecutionSinkForwardsOnlyExecutions(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter(db, nil, 4, observability.NewMetrics("test"))
	sink := w.Executions()

	sink.Publish(types.EventPositionUpdate, testPosition("AAPL", 1))
	sink.Publish(types.EventOrderUpdate, types.OrderRecord{ClientOrderID: "X"})
	sink.Publish(types.EventExecution, types.ExecutionRecord{
		ExecutionEvent:  types.ExecutionEvent{ExecutionID: "E1", ClientOrderID: "X", LastPrice: decimal.Zero, AveragePrice: decimal.Zero},
		ReconcileStatus: types.ReconcileRejected,
	})
	assert.Len(t, w.queue, 1)
}

func testPosition(symbol string, qty int64) types.Position {
	return types.Position{
		Symbol: symbol, Quantity: qty, AverageCost: decimal.NewFromInt(5), CurrentPrice: decimal.NewFromInt(5),
		MarketValue: decimal.NewFromInt(5 * qty), UnrealizedPnl: decimal.Zero, RealizedPnl: decimal.Zero, TotalCost: decimal.NewFromInt(5 * qty),
	}
}

func TestWriterRunsUntilCancelled(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter(db, nil, 4, observability.NewMetrics("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	w.Publish(types.EventPositionUpdate, testPosition("MSFT", 1))
	assert.Eventually(t, func() bool {
		list, err := portfolio.NewDatabase(db).ListPositions()
		return err == nil && len(list) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not stop")
	}
}
