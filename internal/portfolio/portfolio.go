package portfolio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/ksred/klear-fix/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Publisher receives position updates made outside reconciliation, such as
// manual marks
type Publisher interface {
	Publish(kind types.EventKind, payload any)
}

// Locker serializes work per key. It is the same lock reconciliation takes
// before applying a fill, so marks and resets never interleave with one.
type Locker interface {
	Lock(keys ...string) func()
}

// SymbolKey is the lock key guarding one symbol's position
func SymbolKey(symbol string) string {
	return "symbol:" + symbol
}

// Service exposes the position ledger and its persistence
type Service struct {
	db        *Database
	ledger    *Ledger
	publisher Publisher
	locks     Locker
}

// NewService creates a new portfolio service with the given database connection
func NewService(gormDB *gorm.DB, ledger *Ledger, publisher Publisher, locks Locker) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		ledger:    ledger,
		publisher: publisher,
		locks:     locks,
	}
}

// Ledger exposes the position ledger
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// Database exposes the position store
func (s *Service) Database() *Database {
	return s.db
}

// GetPosition returns the position for a symbol
func (s *Service) GetPosition(symbol string) (types.Position, error) {
	pos, ok := s.ledger.Get(strings.ToUpper(symbol))
	if !ok {
		return types.Position{}, fmt.Errorf("%w: %s", types.ErrPositionNotFound, symbol)
	}
	return pos, nil
}

// UpdateMarkPrice applies a manually supplied price to a held symbol
// Parameters:
//   - symbol: The symbol to mark
//   - price: The new current price, must be positive
func (s *Service) UpdateMarkPrice(symbol string, price decimal.Decimal) (types.Position, error) {
	if !price.IsPositive() {
		return types.Position{}, fmt.Errorf("%w: price must be positive", types.ErrInvalidRequest)
	}

	symbol = strings.ToUpper(symbol)
	unlock := s.locks.Lock(SymbolKey(symbol))
	defer unlock()

	pos, ok := s.ledger.UpdateMarkPrice(symbol, price)
	if !ok {
		return types.Position{}, fmt.Errorf("%w: %s is not held", types.ErrPositionNotFound, symbol)
	}

	log.Debug().
		Str("symbol", symbol).
		Str("price", price.String()).
		Str("unrealized_pnl", pos.UnrealizedPnl.String()).
		Msg("mark price updated")

	if s.publisher != nil {
		s.publisher.Publish(types.EventPositionUpdate, pos)
	}
	return pos, nil
}

// Clear resets one symbol in memory and in the database
func (s *Service) Clear(symbol string) error {
	symbol = strings.ToUpper(symbol)
	unlock := s.locks.Lock(SymbolKey(symbol))
	defer unlock()

	if !s.ledger.Clear(symbol) {
		return fmt.Errorf("%w: %s", types.ErrPositionNotFound, symbol)
	}
	return s.db.DeletePosition(symbol)
}

// ClearAll resets every position held when it is called. A symbol first
// filled while the reset runs is left alone.
func (s *Service) ClearAll() (int, error) {
	positions := s.ledger.List()
	keys := make([]string, 0, len(positions))
	for _, p := range positions {
		keys = append(keys, SymbolKey(p.Symbol))
	}
	unlock := s.locks.Lock(keys...)
	defer unlock()

	cleared := 0
	for _, p := range positions {
		if !s.ledger.Clear(p.Symbol) {
			continue
		}
		cleared++
		if err := s.db.DeletePosition(p.Symbol); err != nil {
			return cleared, err
		}
	}
	return cleared, nil
}

// Restore loads persisted positions into the ledger at startup
func (s *Service) Restore() (int, error) {
	positions, err := s.db.ListPositions()
	if err != nil {
		return 0, fmt.Errorf("failed to load positions: %w", err)
	}
	s.ledger.Restore(positions)
	return len(positions), nil
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for portfolio endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListPositionsHandler handles GET requests for all positions
// Query parameter: open_only
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		openOnly, _ := strconv.ParseBool(c.DefaultQuery("open_only", "false"))
		if openOnly {
			response.Success(c, h.service.ledger.Open())
			return
		}
		response.Success(c, h.service.ledger.List())
	}
}

// GetPositionHandler handles GET requests for one symbol
// URL parameter: symbol
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pos, err := h.service.GetPosition(c.Param("symbol"))
		response.Handle(c, pos, err)
	}
}

func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.ledger.Summary())
	}
}

type markPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// UpdatePriceHandler handles POST requests setting a manual mark price
// URL parameter: symbol
func (h *GinHandlers) UpdatePriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req markPriceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pos, err := h.service.UpdateMarkPrice(c.Param("symbol"), req.Price)
		response.Handle(c, pos, err)
	}
}

// ClearPositionHandler handles DELETE requests resetting one symbol
// Requires internal authentication
func (h *GinHandlers) ClearPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		err := h.service.Clear(symbol)
		if err == nil {
			log.Warn().Str("symbol", symbol).Str("client_id", c.GetString("clientID")).Msg("position cleared")
		}
		response.Handle(c, gin.H{"cleared": symbol}, err)
	}
}

// ClearAllHandler handles DELETE requests resetting every position
// Requires internal authentication
func (h *GinHandlers) ClearAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cleared, err := h.service.ClearAll()
		if err == nil {
			log.Warn().Int("cleared", cleared).Str("client_id", c.GetString("clientID")).Msg("all positions cleared")
		}
		response.Handle(c, gin.H{"cleared": cleared}, err)
	}
}
