package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioSummary aggregates all open positions
type PortfolioSummary struct {
	Positions          []Position      `json:"positions"`
	TotalMarketValue   decimal.Decimal `json:"total_market_value"`
	TotalUnrealizedPnl decimal.Decimal `json:"total_unrealized_pnl"`
	TotalRealizedPnl   decimal.Decimal `json:"total_realized_pnl"`
	TotalPnl           decimal.Decimal `json:"total_pnl"`
	OpenPositionCount  int             `json:"open_position_count"`
	LastUpdated        time.Time       `json:"last_updated"`
}

// ControlAck is returned for a cancel request; the cancel message gets its
// own client order id but is not a tradable order.
type ControlAck struct {
	RequestID             string      `json:"request_id"`
	OriginalClientOrderID string      `json:"original_client_order_id"`
	Symbol                string      `json:"symbol"`
	Side                  Side        `json:"side"`
	Status                OrderStatus `json:"status"`
	Timestamp             time.Time   `json:"timestamp"`
}

// SessionStatus describes one venue session
type SessionStatus struct {
	SessionID    string `json:"session_id"`
	LoggedOn     bool   `json:"logged_on"`
	SenderCompID string `json:"sender_comp_id"`
	TargetCompID string `json:"target_comp_id"`
}

// Envelope is the wire shape of every published update
type Envelope struct {
	Type      EventKind `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus is the body of GET /health
type HealthStatus struct {
	Status         string    `json:"status"` // UP or DOWN
	FixConnected   bool      `json:"fix_connected"`
	ExecutionCount int64     `json:"execution_count"`
	OpenOrderCount int       `json:"open_order_count"`
	Timestamp      time.Time `json:"timestamp"`
}
