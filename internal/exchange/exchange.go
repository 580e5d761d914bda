// Package exchange is a simulated venue used in place of a FIX counterparty.
// It acknowledges, fills, cancels and replaces orders with random latency
// and liquidity and reports every change as an execution event.
package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const sessionID = "SIM"

// Config tunes the simulated venue
type Config struct {
	MinLatency      time.Duration
	MaxLatency      time.Duration
	SuccessRate     float64 // 0-1, probability a new order is accepted
	FillProbability float64 // 0-1, probability a resting order trades on each tick; 0 keeps orders resting
	LiquidityFactor float64 // 0-1, share of the remaining quantity available per trade
	PriceVariance   float64 // market orders trade within reference price ± this fraction
	ReferencePrices map[string]decimal.Decimal
	Seed            int64
}

// DefaultConfig mirrors a liquid primary exchange
func DefaultConfig() Config {
	return Config{
		MinLatency:      5 * time.Millisecond,
		MaxLatency:      30 * time.Millisecond,
		SuccessRate:     0.95,
		FillProbability: 0.8,
		LiquidityFactor: 0.7,
		PriceVariance:   0.02,
	}
}

var defaultReferencePrice = decimal.NewFromInt(100)

type restingOrder struct {
	clientOrderID string
	venueOrderID  string
	symbol        string
	side          types.Side
	orderType     types.OrderType
	quantity      int64
	price         decimal.NullDecimal
	cum           int64
	notional      decimal.Decimal
}

func (o *restingOrder) leaves() int64 { return o.quantity - o.cum }

func (o *restingOrder) averagePrice() decimal.Decimal {
	if o.cum == 0 {
		return decimal.Zero
	}
	return o.notional.DivRound(decimal.NewFromInt(o.cum), 4)
}

// task is one unit of dispatcher work: an inbound message or a trade tick
type task struct {
	msg  *types.OrderMessage
	tick string
}

// Venue implements the order gateway's transport. A single dispatcher
// goroutine owns the book, and a single delivery goroutine calls the
// execution handler, so events arrive in the order they were produced.
type Venue struct {
	cfg Config
	rng *rand.Rand

	inbox chan task
	done  chan struct{}

	mu      sync.RWMutex
	running bool
	handler func(types.ExecutionEvent)

	outMu  sync.Mutex
	outbox []types.ExecutionEvent
	notify chan struct{}

	book       map[string]*restingOrder
	references map[string]decimal.Decimal
}

func NewVenue(cfg Config) *Venue {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	refs := make(map[string]decimal.Decimal, len(cfg.ReferencePrices))
	for sym, px := range cfg.ReferencePrices {
		refs[sym] = px
	}
	return &Venue{
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(seed)),
		inbox:      make(chan task, 1024),
		done:       make(chan struct{}),
		notify:     make(chan struct{}, 1),
		book:       make(map[string]*restingOrder),
		references: refs,
	}
}

func (v *Venue) OnExecution(handler func(types.ExecutionEvent)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler = handler
}

func (v *Venue) SessionActive() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.running
}

func (v *Venue) Sessions() []types.SessionStatus {
	return []types.SessionStatus{{
		SessionID:    sessionID,
		LoggedOn:     v.SessionActive(),
		SenderCompID: "KLEAR",
		TargetCompID: sessionID,
	}}
}

// SendOrderMessage queues msg for the dispatcher
func (v *Venue) SendOrderMessage(ctx context.Context, msg types.OrderMessage) error {
	if !v.SessionActive() {
		return types.ErrNoActiveSession
	}
	select {
	case v.inbox <- task{msg: &msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-v.done:
		return types.ErrNoActiveSession
	}
}

// Run serves the session until ctx is done
func (v *Venue) Run(ctx context.Context) error {
	logger := log.With().Str("service", "exchange").Logger()

	v.mu.Lock()
	v.running = true
	v.mu.Unlock()
	logger.Info().
		Dur("min_latency", v.cfg.MinLatency).
		Dur("max_latency", v.cfg.MaxLatency).
		Float64("liquidity_factor", v.cfg.LiquidityFactor).
		Msg("simulated venue session logged on")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v.deliver()
	}()

	for {
		select {
		case <-ctx.Done():
			v.mu.Lock()
			v.running = false
			v.mu.Unlock()
			close(v.done)
			wg.Wait()
			logger.Info().Msg("simulated venue session logged out")
			return nil
		case t := <-v.inbox:
			v.dispatch(t)
		}
	}
}

func (v *Venue) dispatch(t task) {
	if t.tick != "" {
		v.trade(t.tick)
		return
	}
	switch t.msg.Type {
	case types.MessageNewOrder:
		v.accept(*t.msg)
	case types.MessageCancel:
		v.cancel(*t.msg)
	case types.MessageReplace:
		v.replace(*t.msg)
	}
}

func (v *Venue) latency() time.Duration {
	spread := v.cfg.MaxLatency - v.cfg.MinLatency
	if spread <= 0 {
		return v.cfg.MinLatency
	}
	return v.cfg.MinLatency + time.Duration(v.rng.Int63n(int64(spread)+1))
}

func (v *Venue) schedule(clientOrderID string) {
	if v.cfg.FillProbability <= 0 {
		return
	}
	time.AfterFunc(v.latency(), func() {
		select {
		case v.inbox <- task{tick: clientOrderID}:
		case <-v.done:
		}
	})
}

func (v *Venue) accept(msg types.OrderMessage) {
	order := &restingOrder{
		clientOrderID: msg.ClientOrderID,
		venueOrderID:  "SIM-" + uuid.New().String()[:8],
		symbol:        msg.Symbol,
		side:          msg.Side,
		orderType:     msg.OrderType,
		quantity:      msg.Quantity,
		price:         msg.Price,
		notional:      decimal.Zero,
	}

	if v.rng.Float64() > v.cfg.SuccessRate {
		log.Warn().Str("client_order_id", msg.ClientOrderID).Msg("simulated venue rejected order")
		ev := v.report(order, types.ExecTypeRejected, types.OrderStatusRejected)
		ev.LeavesQuantity = 0
		ev.Text = "rejected by venue"
		v.emit(ev)
		return
	}

	v.book[order.clientOrderID] = order
	v.emit(v.report(order, types.ExecTypeNew, types.OrderStatusNew))
	v.schedule(order.clientOrderID)
}

func (v *Venue) trade(clientOrderID string) {
	order, ok := v.book[clientOrderID]
	if !ok {
		// canceled or replaced since the tick was scheduled
		return
	}
	if v.rng.Float64() > v.cfg.FillProbability {
		v.schedule(clientOrderID)
		return
	}

	qty := order.leaves()
	if v.rng.Float64() > v.cfg.LiquidityFactor {
		qty = decimal.NewFromInt(qty).Mul(decimal.NewFromFloat(v.cfg.LiquidityFactor)).IntPart()
		if qty < 1 {
			qty = 1
		}
	}
	px := v.tradePrice(order)

	order.cum += qty
	order.notional = order.notional.Add(px.Mul(decimal.NewFromInt(qty)))
	v.references[order.symbol] = px

	execType, status := types.ExecTypePartialFill, types.OrderStatusPartiallyFilled
	if order.leaves() == 0 {
		execType, status = types.ExecTypeFill, types.OrderStatusFilled
		delete(v.book, clientOrderID)
	}
	ev := v.report(order, execType, status)
	ev.LastQuantity = qty
	ev.LastPrice = px
	v.emit(ev)

	if status == types.OrderStatusPartiallyFilled {
		v.schedule(clientOrderID)
	}
}

// tradePrice is the limit price, or the symbol's reference price moved by a
// random variance for market orders.
func (v *Venue) tradePrice(order *restingOrder) decimal.Decimal {
	if order.orderType == types.OrderTypeLimit && order.price.Valid {
		return order.price.Decimal
	}
	ref, ok := v.references[order.symbol]
	if !ok {
		ref = defaultReferencePrice
	}
	variance := decimal.NewFromFloat(1 + (v.rng.Float64()*2-1)*v.cfg.PriceVariance)
	return ref.Mul(variance).Round(2)
}

func (v *Venue) cancel(msg types.OrderMessage) {
	order, ok := v.book[msg.OriginalClientOrderID]
	if !ok {
		v.emit(v.cancelReject(msg, "unknown order or order already done"))
		return
	}
	delete(v.book, order.clientOrderID)

	ev := v.report(order, types.ExecTypeCanceled, types.OrderStatusCanceled)
	ev.ClientOrderID = msg.ClientOrderID
	ev.OriginalClientOrderID = order.clientOrderID
	ev.LeavesQuantity = 0
	v.emit(ev)
}

func (v *Venue) replace(msg types.OrderMessage) {
	order, ok := v.book[msg.OriginalClientOrderID]
	if !ok {
		v.emit(v.cancelReject(msg, "unknown order or order already done"))
		return
	}
	if msg.Quantity <= order.cum {
		v.emit(v.cancelReject(msg, "quantity at or below filled quantity"))
		return
	}

	delete(v.book, order.clientOrderID)
	original := order.clientOrderID
	order.clientOrderID = msg.ClientOrderID
	order.quantity = msg.Quantity
	order.orderType = msg.OrderType
	order.price = msg.Price
	v.book[order.clientOrderID] = order

	status := types.OrderStatusNew
	if order.cum > 0 {
		status = types.OrderStatusPartiallyFilled
	}
	ev := v.report(order, types.ExecTypeReplaced, status)
	ev.OriginalClientOrderID = original
	v.emit(ev)
	v.schedule(order.clientOrderID)
}

// cancelReject reports a refused cancel or replace the way a FIX
// OrderCancelReject is decoded.
func (v *Venue) cancelReject(msg types.OrderMessage, reason string) types.ExecutionEvent {
	now := time.Now()
	return types.ExecutionEvent{
		ExecutionID:           "CXLREJ-" + msg.ClientOrderID,
		ClientOrderID:         msg.ClientOrderID,
		OriginalClientOrderID: msg.OriginalClientOrderID,
		Symbol:                msg.Symbol,
		Side:                  msg.Side,
		ExecutionType:         types.ExecTypeRejected,
		LastPrice:             decimal.Zero,
		AveragePrice:          decimal.Zero,
		SessionID:             sessionID,
		Text:                  reason,
		TransactTime:          now,
	}
}

func (v *Venue) report(order *restingOrder, execType types.ExecutionType, status types.OrderStatus) types.ExecutionEvent {
	return types.ExecutionEvent{
		ExecutionID:        uuid.New().String(),
		OrderID:            order.venueOrderID,
		ClientOrderID:      order.clientOrderID,
		Symbol:             order.symbol,
		Side:               order.side,
		ExecutionType:      execType,
		OrderStatus:        status,
		LastPrice:          decimal.Zero,
		CumulativeQuantity: order.cum,
		LeavesQuantity:     order.leaves(),
		AveragePrice:       order.averagePrice(),
		SessionID:          sessionID,
		TransactTime:       time.Now(),
	}
}

func (v *Venue) emit(ev types.ExecutionEvent) {
	v.outMu.Lock()
	v.outbox = append(v.outbox, ev)
	v.outMu.Unlock()

	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// deliver hands queued events to the handler until the session ends. The
// outbox is unbounded so the dispatcher never waits on the handler.
func (v *Venue) deliver() {
	for {
		select {
		case <-v.done:
			return
		case <-v.notify:
		}

		v.outMu.Lock()
		batch := v.outbox
		v.outbox = nil
		v.outMu.Unlock()

		v.mu.RLock()
		handler := v.handler
		v.mu.RUnlock()
		if handler == nil {
			continue
		}
		for _, ev := range batch {
			handler(ev)
		}
	}
}
