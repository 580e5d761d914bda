package trading

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// NewOrderRequest is the body of POST /orders. Side is BUY or SELL and
// OrderType MARKET or LIMIT, in any casing.
type NewOrderRequest struct {
	Symbol    string           `json:"symbol" binding:"required"`
	Side      string           `json:"side" binding:"required"`
	OrderType string           `json:"order_type" binding:"required"`
	Quantity  int64            `json:"quantity" binding:"required"`
	Price     *decimal.Decimal `json:"price"`
}

// ReplaceOrderRequest is the body of PUT /orders/:order_id. Omitted fields
// keep the original order's value.
type ReplaceOrderRequest struct {
	Quantity *int64           `json:"quantity"`
	Price    *decimal.Decimal `json:"price"`
}
