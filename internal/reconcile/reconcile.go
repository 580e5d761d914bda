package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-fix/internal/dedup"
	"github.com/ksred/klear-fix/internal/observability"
	"github.com/ksred/klear-fix/internal/portfolio"
	"github.com/ksred/klear-fix/internal/trading"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Publisher receives every order, position and journal update. Publish must
// not block on network I/O.
type Publisher interface {
	Publish(kind types.EventKind, payload any)
}

// Result describes what one reconciled execution changed
type Result struct {
	Duplicate bool                `json:"duplicate"`
	Orders    []types.OrderRecord `json:"orders"`
	Position  *types.Position     `json:"position,omitempty"`
}

// Coordinator turns inbound execution events into order and position state
type Coordinator struct {
	orders    *trading.Ledger
	positions *portfolio.Ledger
	seen      dedup.Store
	publisher Publisher
	metrics   *observability.Metrics
	locks     *KeyLock

	reviewMu sync.Mutex
	review   map[string]types.ExecutionRecord
}

// NewCoordinator wires the ledgers to the dedup store and the downstream
// publisher. The KeyLock should be shared with the order gateway.
func NewCoordinator(orders *trading.Ledger, positions *portfolio.Ledger, seen dedup.Store,
	publisher Publisher, metrics *observability.Metrics, locks *KeyLock) *Coordinator {
	if locks == nil {
		locks = NewKeyLock()
	}
	return &Coordinator{
		orders:    orders,
		positions: positions,
		seen:      seen,
		publisher: publisher,
		metrics:   metrics,
		locks:     locks,
		review:    make(map[string]types.ExecutionRecord),
	}
}

// OnExecutionEvent is the transport callback. Failures are logged, counted
// and kept for review; they never propagate back into the transport.
func (c *Coordinator) OnExecutionEvent(ev types.ExecutionEvent) {
	_, _ = c.Reconcile(context.Background(), ev)
}

// target is the set of ledger operations one event resolves to
type target struct {
	apply    []string // ids that take ApplyExecution
	replaced string   // id retired by MarkReplaced
	revert   string   // id whose optimistic pending status is undone
	rejected string   // replacement order refused together with its request
}

func (t target) ids() []string {
	ids := append([]string{}, t.apply...)
	for _, id := range []string{t.replaced, t.revert, t.rejected} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Reconcile processes one execution event: dedup check, target resolution,
// order ledger update, position update for fills, then publish. Either every
// order update of the event lands or none does.
func (c *Coordinator) Reconcile(ctx context.Context, ev types.ExecutionEvent) (Result, error) {
	start := time.Now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = start
	}

	logger := log.With().
		Str("execution_id", ev.ExecutionID).
		Str("client_order_id", ev.ClientOrderID).
		Str("orig_client_order_id", ev.OriginalClientOrderID).
		Str("exec_type", string(ev.ExecutionType)).
		Str("service", "reconcile").
		Logger()

	c.metrics.ExecutionsReceived.WithLabelValues(string(ev.ExecutionType)).Inc()
	defer func() {
		c.metrics.ReconcileLatency.Observe(time.Since(start).Seconds())
	}()

	if ev.ExecutionID == "" || ev.ClientOrderID == "" || !ev.ExecutionType.Valid() {
		err := fmt.Errorf("%w: execution needs an id, a client order id and a known type", types.ErrInvalidRequest)
		logger.Error().Err(err).Msg("dropping malformed execution")
		c.metrics.ReconcileFailures.WithLabelValues(failureReason(err)).Inc()
		return Result{}, err
	}

	t := c.resolve(ev)
	ev = c.fillInstrument(ev, t)

	keys := []string{portfolio.SymbolKey(ev.Symbol)}
	for _, id := range t.ids() {
		keys = append(keys, trading.OrderKey(id))
	}
	unlock := c.locks.Lock(keys...)
	defer unlock()

	if c.seen.Seen(ev.ExecutionID) {
		logger.Debug().Msg("duplicate execution discarded")
		c.metrics.DuplicateExecutions.Inc()
		return Result{Duplicate: true}, nil
	}

	if err := c.check(t, ev); err != nil {
		c.fail(logger, ev, err)
		return Result{}, err
	}

	result, err := c.apply(t, ev)
	if err != nil {
		c.fail(logger, ev, err)
		return result, err
	}

	c.seen.MarkSeen(ev.ExecutionID)
	c.clearReview(ev.ExecutionID)

	record := types.ExecutionRecord{
		ExecutionEvent:  ev,
		ReconcileStatus: types.ReconcileAccepted,
		Orders:          result.Orders,
	}
	for _, rec := range result.Orders {
		c.publish(types.EventOrderUpdate, rec)
	}
	if result.Position != nil {
		pos := *result.Position
		record.Position = &pos
		c.publish(types.EventPositionUpdate, pos)
	}
	c.publish(types.EventExecution, record)

	logger.Debug().
		Int("orders_updated", len(result.Orders)).
		Bool("position_updated", result.Position != nil).
		Msg("execution reconciled")
	return result, nil
}

// resolve decides which order ids an event touches. Cancel and replace
// requests carry their own id, but only the order they refer to is
// tradable.
func (c *Coordinator) resolve(ev types.ExecutionEvent) target {
	orig := ev.OriginalClientOrderID
	if orig == "" {
		if id, ok := c.orders.ResolveControl(ev.ClientOrderID); ok {
			orig = id
		}
	}
	if orig == "" || orig == ev.ClientOrderID {
		return target{apply: []string{ev.ClientOrderID}}
	}

	switch {
	case ev.ExecutionType == types.ExecTypeReplaced:
		return target{replaced: orig, apply: []string{ev.ClientOrderID}}
	case targetsOriginal(ev):
		return target{apply: []string{orig}}
	case ev.ExecutionType == types.ExecTypeRejected:
		t := target{revert: orig}
		if _, err := c.orders.Get(ev.ClientOrderID); err == nil {
			t.rejected = ev.ClientOrderID
		}
		return t
	default:
		return target{apply: []string{ev.ClientOrderID}}
	}
}

func targetsOriginal(ev types.ExecutionEvent) bool {
	switch ev.ExecutionType {
	case types.ExecTypeCanceled, types.ExecTypePendingCancel, types.ExecTypePendingReplace:
		return true
	}
	switch ev.OrderStatus {
	case types.OrderStatusCanceled, types.OrderStatusPendingCancel:
		return true
	}
	return false
}

// fillInstrument copies symbol and side from the target order when the venue
// left them out, so fills still reach the right position.
func (c *Coordinator) fillInstrument(ev types.ExecutionEvent, t target) types.ExecutionEvent {
	if ev.Symbol != "" && ev.Side.Valid() {
		return ev
	}
	for _, id := range t.ids() {
		rec, err := c.orders.Get(id)
		if err != nil {
			continue
		}
		if ev.Symbol == "" {
			ev.Symbol = rec.Symbol
		}
		if !ev.Side.Valid() {
			ev.Side = rec.Side
		}
		break
	}
	return ev
}

func rejectedReplacement(ev types.ExecutionEvent) types.ExecutionEvent {
	rejected := ev
	rejected.OrderStatus = types.OrderStatusRejected
	rejected.CumulativeQuantity = 0
	rejected.LeavesQuantity = 0
	return rejected
}

// check runs every ledger operation of the target as a dry run
func (c *Coordinator) check(t target, ev types.ExecutionEvent) error {
	if t.replaced != "" {
		if err := c.orders.CheckReplaced(t.replaced); err != nil {
			return err
		}
	}
	if t.revert != "" {
		if _, err := c.orders.Get(t.revert); err != nil {
			return err
		}
	}
	if t.rejected != "" {
		if err := c.orders.CheckExecution(t.rejected, rejectedReplacement(ev)); err != nil {
			return err
		}
	}
	for _, id := range t.apply {
		if err := c.orders.CheckExecution(id, ev); err != nil {
			return err
		}
	}
	if ev.ExecutionType.IsFill() {
		if ev.Symbol == "" || !ev.Side.Valid() {
			return fmt.Errorf("%w: fill %s has no symbol or side", types.ErrInvalidRequest, ev.ExecutionID)
		}
		if ev.LastPrice.IsNegative() {
			return fmt.Errorf("%w: fill %s has negative price", types.ErrInvalidRequest, ev.ExecutionID)
		}
	}
	return nil
}

func (c *Coordinator) apply(t target, ev types.ExecutionEvent) (Result, error) {
	var result Result

	if t.replaced != "" {
		rec, err := c.orders.MarkReplaced(t.replaced)
		if err != nil {
			return result, err
		}
		result.Orders = append(result.Orders, rec)
	}
	if t.revert != "" {
		rec, err := c.orders.RevertPending(t.revert, ev.OrderStatus)
		if err != nil {
			return result, err
		}
		result.Orders = append(result.Orders, rec)
	}
	if t.rejected != "" {
		rec, err := c.orders.ApplyExecution(t.rejected, rejectedReplacement(ev))
		if err != nil {
			return result, err
		}
		result.Orders = append(result.Orders, rec)
	}
	for _, id := range t.apply {
		rec, err := c.orders.ApplyExecution(id, ev)
		if err != nil {
			return result, err
		}
		result.Orders = append(result.Orders, rec)
	}

	if ev.ExecutionType.IsFill() {
		pos, err := c.positions.ApplyFill(ev.Symbol, ev.Side, ev.LastQuantity, ev.LastPrice)
		if err != nil {
			return result, err
		}
		c.metrics.PositionFillsApplied.Inc()
		result.Position = &pos
	}
	return result, nil
}

func (c *Coordinator) fail(logger zerolog.Logger, ev types.ExecutionEvent, err error) {
	reason := failureReason(err)
	logger.Error().Err(err).Str("reason", reason).Msg("execution could not be reconciled")
	c.metrics.ReconcileFailures.WithLabelValues(reason).Inc()

	record := types.ExecutionRecord{
		ExecutionEvent:  ev,
		ReconcileStatus: types.ReconcileRejected,
		Reason:          err.Error(),
	}
	c.reviewMu.Lock()
	c.review[ev.ExecutionID] = record
	c.reviewMu.Unlock()

	c.publish(types.EventExecution, record)
}

func (c *Coordinator) publish(kind types.EventKind, payload any) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(kind, payload)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, types.ErrNonMonotonicFill):
		return "non_monotonic_fill"
	case errors.Is(err, types.ErrOverfill):
		return "overfill"
	case errors.Is(err, types.ErrOrderNotFound):
		return "unknown_order"
	case errors.Is(err, types.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, types.ErrInvalidRequest):
		return "malformed"
	default:
		return "internal"
	}
}

// Rejected returns the executions awaiting operator review, oldest first
func (c *Coordinator) Rejected() []types.ExecutionRecord {
	c.reviewMu.Lock()
	defer c.reviewMu.Unlock()

	out := make([]types.ExecutionRecord, 0, len(c.review))
	for _, rec := range c.review {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// Replay reconciles a previously rejected execution again, typically after
// the event it was waiting on has arrived.
func (c *Coordinator) Replay(ctx context.Context, executionID string) (Result, error) {
	c.reviewMu.Lock()
	record, ok := c.review[executionID]
	c.reviewMu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", types.ErrExecutionNotFound, executionID)
	}

	log.Info().Str("execution_id", executionID).Msg("replaying rejected execution")
	return c.Reconcile(ctx, record.ExecutionEvent)
}

func (c *Coordinator) clearReview(executionID string) {
	c.reviewMu.Lock()
	delete(c.review, executionID)
	c.reviewMu.Unlock()
}
