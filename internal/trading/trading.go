package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-fix/internal/observability"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/ksred/klear-fix/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Transport carries order messages to the venue and execution events back.
type Transport interface {
	SendOrderMessage(ctx context.Context, msg types.OrderMessage) error
	SessionActive() bool
	OnExecution(handler func(types.ExecutionEvent))
}

// SessionLister is implemented by transports that can describe their sessions
type SessionLister interface {
	Sessions() []types.SessionStatus
}

// Publisher receives the optimistic order updates made by the gateway
type Publisher interface {
	Publish(kind types.EventKind, payload any)
}

// Locker serializes work per key; shared with the reconciliation side so an
// optimistic write and a venue confirmation for the same order never
// interleave.
type Locker interface {
	Lock(keys ...string) func()
}

// Service is the order submission gateway: it validates requests, assigns
// client order ids, records pending orders and hands messages to the
// transport.
type Service struct {
	db        *Database
	ledger    *Ledger
	transport Transport
	publisher Publisher
	locks     Locker
	metrics   *observability.Metrics
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, ledger *Ledger, transport Transport, publisher Publisher,
	locks Locker, metrics *observability.Metrics) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		ledger:    ledger,
		transport: transport,
		publisher: publisher,
		locks:     locks,
		metrics:   metrics,
	}
}

// Ledger exposes the order ledger the service records into
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// Database exposes the order store
func (s *Service) Database() *Database {
	return s.db
}

func newClientOrderID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

func (s *Service) publish(rec types.OrderRecord) {
	if s.publisher != nil {
		s.publisher.Publish(types.EventOrderUpdate, rec)
	}
}

func (s *Service) refuse(msgType types.MessageType, err error) error {
	reason := "invalid"
	switch {
	case errors.Is(err, types.ErrNoActiveSession):
		reason = "no_session"
	case errors.Is(err, types.ErrOrderNotFound):
		reason = "not_found"
	case errors.Is(err, types.ErrMissingPrice):
		reason = "missing_price"
	case errors.Is(err, types.ErrInvalidTransition):
		reason = "terminal"
	}
	s.metrics.SubmissionFailures.WithLabelValues(string(msgType), reason).Inc()
	return err
}

func validateNew(req NewOrderRequest) (types.OrderRecord, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return types.OrderRecord{}, fmt.Errorf("%w: symbol is required", types.ErrInvalidRequest)
	}
	side, err := types.ParseSide(req.Side)
	if err != nil {
		return types.OrderRecord{}, err
	}
	orderType, err := types.ParseOrderType(req.OrderType)
	if err != nil {
		return types.OrderRecord{}, err
	}
	if req.Quantity <= 0 {
		return types.OrderRecord{}, fmt.Errorf("%w: quantity must be positive", types.ErrInvalidRequest)
	}

	rec := types.OrderRecord{
		Symbol:            symbol,
		Side:              side,
		OrderType:         orderType,
		RequestedQuantity: req.Quantity,
	}
	if orderType == types.OrderTypeLimit {
		if req.Price == nil {
			return types.OrderRecord{}, types.ErrMissingPrice
		}
		if !req.Price.IsPositive() {
			return types.OrderRecord{}, fmt.Errorf("%w: price must be positive", types.ErrInvalidRequest)
		}
		rec.RequestedPrice = decimal.NewNullDecimal(*req.Price)
	}
	return rec, nil
}

// SubmitNew records a new order as PENDING_NEW and sends it to the venue
// A repeated idempotency key returns the order created the first time
// Parameters:
//   - req: The order to submit
//   - idempotencyKey: Unique key to prevent duplicate submission, may be empty
func (s *Service) SubmitNew(ctx context.Context, req NewOrderRequest, idempotencyKey string) (types.OrderRecord, error) {
	rec, err := validateNew(req)
	if err != nil {
		return types.OrderRecord{}, s.refuse(types.MessageNewOrder, err)
	}

	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(idempotencyKey)
		if err != nil {
			return types.OrderRecord{}, err
		}
		if record != nil {
			return s.GetOrder(record.ResourceID)
		}
	}

	if !s.transport.SessionActive() {
		return types.OrderRecord{}, s.refuse(types.MessageNewOrder, types.ErrNoActiveSession)
	}

	var pending types.OrderRecord
	for attempt := 0; attempt < 3; attempt++ {
		rec.ClientOrderID = newClientOrderID()
		pending, err = s.ledger.CreatePending(rec)
		if !errors.Is(err, types.ErrDuplicateOrderID) {
			break
		}
	}
	if err != nil {
		return types.OrderRecord{}, err
	}

	logger := log.With().
		Str("client_order_id", pending.ClientOrderID).
		Str("symbol", pending.Symbol).
		Str("side", string(pending.Side)).
		Int64("quantity", pending.RequestedQuantity).
		Str("service", "gateway").
		Logger()

	unlock := s.locks.Lock(OrderKey(pending.ClientOrderID))
	defer unlock()

	if idempotencyKey != "" {
		stored := pending
		if err := s.db.CreateOrderWithIdempotency(&stored, idempotencyKey); err != nil {
			logger.Error().Err(err).Msg("failed to store order")
			if rejected, rejectErr := s.ledger.Reject(pending.ClientOrderID, "order could not be stored"); rejectErr == nil {
				s.publish(rejected)
			}
			return types.OrderRecord{}, fmt.Errorf("failed to store order: %w", err)
		}
	}
	s.publish(pending)

	msg := types.OrderMessage{
		Type:          types.MessageNewOrder,
		ClientOrderID: pending.ClientOrderID,
		Symbol:        pending.Symbol,
		Side:          pending.Side,
		OrderType:     pending.OrderType,
		Quantity:      pending.RequestedQuantity,
		Price:         pending.RequestedPrice,
		TransactTime:  time.Now().UTC(),
	}
	if err := s.transport.SendOrderMessage(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("failed to send new order")
		if rejected, rejectErr := s.ledger.Reject(pending.ClientOrderID, err.Error()); rejectErr == nil {
			s.publish(rejected)
		}
		return types.OrderRecord{}, s.refuse(types.MessageNewOrder, fmt.Errorf("failed to send order: %w", err))
	}

	s.metrics.OrdersSubmitted.WithLabelValues(string(types.MessageNewOrder)).Inc()
	logger.Info().Msg("order submitted")
	return pending, nil
}

// SubmitCancel asks the venue to cancel an order. The order is shown as
// PENDING_CANCEL straight away and restored if the request cannot be sent.
// Parameters:
//   - originalID: Client order id of the order to cancel
//   - symbol, side: Instrument of the order, defaulting to the recorded one
func (s *Service) SubmitCancel(ctx context.Context, originalID, symbol, side string) (types.ControlAck, error) {
	original, err := s.ledger.Get(originalID)
	if err != nil {
		return types.ControlAck{}, s.refuse(types.MessageCancel, err)
	}
	if original.Status.Terminal() {
		return types.ControlAck{}, s.refuse(types.MessageCancel,
			fmt.Errorf("%w: order %s is %s", types.ErrInvalidTransition, originalID, original.Status))
	}

	if symbol == "" {
		symbol = original.Symbol
	}
	orderSide := original.Side
	if side != "" {
		if orderSide, err = types.ParseSide(side); err != nil {
			return types.ControlAck{}, s.refuse(types.MessageCancel, err)
		}
	}

	if !s.transport.SessionActive() {
		return types.ControlAck{}, s.refuse(types.MessageCancel, types.ErrNoActiveSession)
	}

	cancelID := newClientOrderID()
	logger := log.With().
		Str("client_order_id", cancelID).
		Str("orig_client_order_id", originalID).
		Str("service", "gateway").
		Logger()

	unlock := s.locks.Lock(OrderKey(originalID))
	defer unlock()

	s.ledger.LinkControl(cancelID, originalID)
	pending, err := s.ledger.MarkPending(originalID, types.OrderStatusPendingCancel)
	if err != nil {
		return types.ControlAck{}, s.refuse(types.MessageCancel, err)
	}
	s.publish(pending)

	msg := types.OrderMessage{
		Type:                  types.MessageCancel,
		ClientOrderID:         cancelID,
		OriginalClientOrderID: originalID,
		Symbol:                strings.ToUpper(symbol),
		Side:                  orderSide,
		OrderType:             original.OrderType,
		Quantity:              original.RequestedQuantity,
		TransactTime:          time.Now().UTC(),
	}
	if err := s.transport.SendOrderMessage(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("failed to send cancel request")
		if reverted, revertErr := s.ledger.RevertPending(originalID, ""); revertErr == nil {
			s.publish(reverted)
		}
		return types.ControlAck{}, s.refuse(types.MessageCancel, fmt.Errorf("failed to send cancel: %w", err))
	}

	s.metrics.OrdersSubmitted.WithLabelValues(string(types.MessageCancel)).Inc()
	logger.Info().Msg("cancel requested")
	return types.ControlAck{
		RequestID:             cancelID,
		OriginalClientOrderID: originalID,
		Symbol:                msg.Symbol,
		Side:                  orderSide,
		Status:                pending.Status,
		Timestamp:             msg.TransactTime,
	}, nil
}

// SubmitReplace sends a cancel/replace for an order. The replacement gets a
// new client order id and starts as PENDING_NEW; the original is shown as
// PENDING_REPLACE until the venue answers.
// Parameters:
//   - originalID: Client order id of the order to replace
//   - req: New quantity and/or price; omitted fields keep the original value
func (s *Service) SubmitReplace(ctx context.Context, originalID string, req ReplaceOrderRequest) (types.OrderRecord, error) {
	original, err := s.ledger.Get(originalID)
	if err != nil {
		return types.OrderRecord{}, s.refuse(types.MessageReplace, err)
	}
	if original.Status.Terminal() {
		return types.OrderRecord{}, s.refuse(types.MessageReplace,
			fmt.Errorf("%w: order %s is %s", types.ErrInvalidTransition, originalID, original.Status))
	}

	replacement := types.OrderRecord{
		OriginalClientOrderID: originalID,
		Symbol:                original.Symbol,
		Side:                  original.Side,
		OrderType:             original.OrderType,
		RequestedQuantity:     original.RequestedQuantity,
		RequestedPrice:        original.RequestedPrice,
	}
	if req.Quantity != nil {
		replacement.RequestedQuantity = *req.Quantity
	}
	if req.Price != nil && original.OrderType == types.OrderTypeLimit {
		replacement.RequestedPrice = decimal.NewNullDecimal(*req.Price)
	}
	if replacement.RequestedQuantity <= 0 || replacement.RequestedQuantity < original.FilledQuantity {
		return types.OrderRecord{}, s.refuse(types.MessageReplace,
			fmt.Errorf("%w: quantity must be positive and at least the filled %d", types.ErrInvalidRequest, original.FilledQuantity))
	}
	if replacement.RequestedPrice.Valid && !replacement.RequestedPrice.Decimal.IsPositive() {
		return types.OrderRecord{}, s.refuse(types.MessageReplace,
			fmt.Errorf("%w: price must be positive", types.ErrInvalidRequest))
	}

	if !s.transport.SessionActive() {
		return types.OrderRecord{}, s.refuse(types.MessageReplace, types.ErrNoActiveSession)
	}

	replacement.ClientOrderID = newClientOrderID()
	logger := log.With().
		Str("client_order_id", replacement.ClientOrderID).
		Str("orig_client_order_id", originalID).
		Str("service", "gateway").
		Logger()

	unlock := s.locks.Lock(OrderKey(originalID), OrderKey(replacement.ClientOrderID))
	defer unlock()

	pendingNew, err := s.ledger.CreatePending(replacement)
	if err != nil {
		return types.OrderRecord{}, err
	}
	pendingOriginal, err := s.ledger.MarkPending(originalID, types.OrderStatusPendingReplace)
	if err != nil {
		if rejected, rejectErr := s.ledger.Reject(pendingNew.ClientOrderID, err.Error()); rejectErr == nil {
			s.publish(rejected)
		}
		return types.OrderRecord{}, s.refuse(types.MessageReplace, err)
	}
	s.publish(pendingOriginal)
	s.publish(pendingNew)

	msg := types.OrderMessage{
		Type:                  types.MessageReplace,
		ClientOrderID:         pendingNew.ClientOrderID,
		OriginalClientOrderID: originalID,
		Symbol:                pendingNew.Symbol,
		Side:                  pendingNew.Side,
		OrderType:             pendingNew.OrderType,
		Quantity:              pendingNew.RequestedQuantity,
		Price:                 pendingNew.RequestedPrice,
		TransactTime:          time.Now().UTC(),
	}
	if err := s.transport.SendOrderMessage(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("failed to send replace request")
		if rejected, rejectErr := s.ledger.Reject(pendingNew.ClientOrderID, err.Error()); rejectErr == nil {
			s.publish(rejected)
		}
		if reverted, revertErr := s.ledger.RevertPending(originalID, ""); revertErr == nil {
			s.publish(reverted)
		}
		return types.OrderRecord{}, s.refuse(types.MessageReplace, fmt.Errorf("failed to send replace: %w", err))
	}

	s.metrics.OrdersSubmitted.WithLabelValues(string(types.MessageReplace)).Inc()
	logger.Info().Int64("quantity", pendingNew.RequestedQuantity).Msg("replace requested")
	return pendingNew, nil
}

// GetOrder retrieves an order by its client order id, falling back to the
// database for orders not held in memory
func (s *Service) GetOrder(clientOrderID string) (types.OrderRecord, error) {
	rec, err := s.ledger.Get(clientOrderID)
	if err == nil {
		return rec, nil
	}
	stored, dbErr := s.db.GetOrder(clientOrderID)
	if dbErr != nil {
		return types.OrderRecord{}, dbErr
	}
	if stored == nil {
		return types.OrderRecord{}, err
	}
	return *stored, nil
}

// ListOrders returns all orders, or only those that can still trade
func (s *Service) ListOrders(openOnly bool) []types.OrderRecord {
	if openOnly {
		return s.ledger.Open()
	}
	return s.ledger.List()
}

// Restore loads persisted orders into the ledger at startup
func (s *Service) Restore() (int, error) {
	orders, err := s.db.ListOrders()
	if err != nil {
		return 0, fmt.Errorf("failed to load orders: %w", err)
	}
	s.ledger.Restore(orders)
	return len(orders), nil
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to submit new orders
// Requires a valid JWT token and idempotency key in headers
// Request body should contain the order details
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get idempotency key from header
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req NewOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.SubmitNew(c.Request.Context(), req, idempotencyKey)
		if err == nil {
			log.Debug().
				Str("client_id", c.GetString("clientID")).
				Str("client_order_id", order.ClientOrderID).
				Msg("order accepted for submission")
		}
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests to retrieve one order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderID)
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET requests to list orders
// Query parameter: open_only
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		openOnly, _ := strconv.ParseBool(c.DefaultQuery("open_only", "false"))
		response.Success(c, h.service.ListOrders(openOnly))
	}
}

func (h *GinHandlers) OpenOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.ListOrders(true))
	}
}

// CancelOrderHandler handles DELETE requests to cancel an order
// URL parameter: order_id, query parameters: symbol, side
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ack, err := h.service.SubmitCancel(c.Request.Context(), c.Param("order_id"), c.Query("symbol"), c.Query("side"))
		response.Handle(c, ack, err)
	}
}

// ReplaceOrderHandler handles PUT requests to change quantity or price
// URL parameter: order_id
func (h *GinHandlers) ReplaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReplaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Quantity == nil && req.Price == nil {
			response.BadRequest(c, "quantity or price is required")
			return
		}

		order, err := h.service.SubmitReplace(c.Request.Context(), c.Param("order_id"), req)
		response.Handle(c, order, err)
	}
}

// ListExecutionsHandler handles GET requests for the execution journal
// Query parameters: client_order_id, limit (default 100)
func (h *GinHandlers) ListExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}

		executions, err := h.service.db.ListExecutions(c.Query("client_order_id"), limit)
		response.Handle(c, executions, err)
	}
}

func (h *GinHandlers) CountExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := h.service.db.CountExecutions()
		response.Handle(c, gin.H{"count": count}, err)
	}
}

// PurgeExecutionsHandler handles DELETE requests emptying the journal
// Requires internal authentication
func (h *GinHandlers) PurgeExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deleted, err := h.service.db.DeleteExecutions()
		if err == nil {
			log.Warn().Int64("deleted", deleted).Str("client_id", c.GetString("clientID")).Msg("execution journal purged")
		}
		response.Handle(c, gin.H{"deleted": deleted}, err)
	}
}

// SessionsHandler lists the venue sessions and whether they are logged on
func (h *GinHandlers) SessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lister, ok := h.service.transport.(SessionLister)
		if !ok {
			response.Success(c, []types.SessionStatus{})
			return
		}
		response.Success(c, lister.Sessions())
	}
}
