package exchange_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ksred/klear-fix/internal/dedup"
	"github.com/ksred/klear-fix/internal/exchange"
	"github.com/ksred/klear-fix/internal/observability"
	"github.com/ksred/klear-fix/internal/portfolio"
	"github.com/ksred/klear-fix/internal/reconcile"
	"github.com/ksred/klear-fix/internal/trading"
	"github.com/ksred/klear-fix/internal/types"
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
	require.NoError(t, db.AutoMigrate(&types.OrderRecord{}, &types.ExecutionRecord{}, &trading.IdempotencyRecord{}))
	return db
}

// Gateway, simulated venue and reconciliation wired the way the server does.
func TestOrderRoundTrip(t *testing.T) {
	venue := exchange.NewVenue(exchange.Config{SuccessRate: 1, LiquidityFactor: 1, Seed: 7})
	metrics := observability.NewMetrics("test")
	locks := reconcile.NewKeyLock()
	orders := trading.NewLedger()
	positions := portfolio.NewLedger()

	coord := reconcile.NewCoordinator(orders, positions, dedup.NewMemory(100), nil, metrics, locks)
	venue.OnExecution(coord.OnExecutionEvent)
	svc := trading.NewService(setupTestDB(t), orders, venue, nil, locks, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = venue.Run(ctx) }()
	require.Eventually(t, venue.SessionActive, time.Second, time.Millisecond)

	price := decimal.NewFromInt(25)
	rec, err := svc.SubmitNew(ctx, trading.NewOrderRequest{
		Symbol: "msft", Side: "buy", OrderType: "limit", Quantity: 40, Price: &price,
	}, "key-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := orders.Get(rec.ClientOrderID)
		return err == nil && got.Status == types.OrderStatusNew
	}, 2*time.Second, 5*time.Millisecond)

	replacement, err := svc.SubmitReplace(ctx, rec.ClientOrderID, trading.ReplaceOrderRequest{Quantity: int64Ptr(60)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := orders.Get(replacement.ClientOrderID)
		return err == nil && got.Status == types.OrderStatusNew
	}, 2*time.Second, 5*time.Millisecond)

	original, err := orders.Get(rec.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusReplaced, original.Status)

	ack, err := svc.SubmitCancel(ctx, replacement.ClientOrderID, "", "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPendingCancel, ack.Status)
	require.Eventually(t, func() bool {
		got, err := orders.Get(replacement.ClientOrderID)
		return err == nil && got.Status == types.OrderStatusCanceled
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, orders.Open())
	assert.Empty(t, coord.Rejected())
	_, held := positions.Get("MSFT")
	assert.False(t, held)
}

func TestOrderRoundTripFill(t *testing.T) {
	venue := exchange.NewVenue(exchange.Config{SuccessRate: 1, FillProbability: 1, LiquidityFactor: 1, Seed: 7})
	metrics := observability.NewMetrics("test")
	locks := reconcile.NewKeyLock()
	orders := trading.NewLedger()
	positions := portfolio.NewLedger()

	coord := reconcile.NewCoordinator(orders, positions, dedup.NewMemory(100), nil, metrics, locks)
	venue.OnExecution(coord.OnExecutionEvent)
	svc := trading.NewService(setupTestDB(t), orders, venue, nil, locks, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = venue.Run(ctx) }()
	require.Eventually(t, venue.SessionActive, time.Second, time.Millisecond)

	price := decimal.NewFromInt(25)
	rec, err := svc.SubmitNew(ctx, trading.NewOrderRequest{
		Symbol: "MSFT", Side: "BUY", OrderType: "LIMIT", Quantity: 40, Price: &price,
	}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := orders.Get(rec.ClientOrderID)
		return err == nil && got.Status == types.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	pos, ok := positions.Get("MSFT")
	require.True(t, ok)
	assert.Equal(t, int64(40), pos.Quantity)
	assert.True(t, price.Equal(pos.AverageCost))
	assert.Empty(t, coord.Rejected())
}

func int64Ptr(v int64) *int64 { return &v }
