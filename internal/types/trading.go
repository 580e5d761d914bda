package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecord is the ledger's view of one client order id, including
// replacement orders which always get a new id.
type OrderRecord struct {
	ClientOrderID         string              `gorm:"primaryKey;size:64" json:"client_order_id"`
	OriginalClientOrderID string              `gorm:"index;size:64" json:"original_client_order_id,omitempty"`
	VenueOrderID          string              `gorm:"size:64" json:"venue_order_id,omitempty"`
	Symbol                string              `gorm:"index;size:32" json:"symbol"`
	Side                  Side                `gorm:"size:8" json:"side"`
	OrderType             OrderType           `gorm:"size:8" json:"order_type"`
	RequestedQuantity     int64               `json:"requested_quantity"`
	RequestedPrice        decimal.NullDecimal `gorm:"type:varchar(40)" json:"requested_price"`
	Status                OrderStatus         `gorm:"index;size:20" json:"status"`
	PreviousStatus        OrderStatus         `gorm:"size:20" json:"previous_status,omitempty"` // status before an optimistic PENDING_CANCEL/PENDING_REPLACE
	FilledQuantity        int64               `json:"filled_quantity"`
	LeavesQuantity        int64               `json:"leaves_quantity"`
	AveragePrice          decimal.Decimal     `gorm:"type:varchar(40)" json:"average_price"`
	LastExecutionID       string              `gorm:"size:64" json:"last_execution_id,omitempty"`
	RejectReason          string              `json:"reject_reason,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

func (OrderRecord) TableName() string { return "orders" }

// ExecutionEvent is an inbound execution report, already mapped from venue
// codes to the closed enums above.
type ExecutionEvent struct {
	ExecutionID           string          `gorm:"primaryKey;size:64" json:"execution_id"`
	OrderID               string          `gorm:"size:64" json:"order_id"`
	ClientOrderID         string          `gorm:"index;size:64" json:"client_order_id"`
	OriginalClientOrderID string          `gorm:"size:64" json:"original_client_order_id,omitempty"`
	Symbol                string          `gorm:"size:32" json:"symbol"`
	Side                  Side            `gorm:"size:8" json:"side"`
	ExecutionType         ExecutionType   `gorm:"size:20" json:"execution_type"`
	OrderStatus           OrderStatus     `gorm:"size:20" json:"order_status"`
	LastPrice             decimal.Decimal `gorm:"type:varchar(40)" json:"last_price"`
	LastQuantity          int64           `json:"last_quantity"`
	CumulativeQuantity    int64           `json:"cumulative_quantity"`
	LeavesQuantity        int64           `json:"leaves_quantity"`
	AveragePrice          decimal.Decimal `gorm:"type:varchar(40)" json:"average_price"`
	SessionID             string          `gorm:"size:128" json:"session_id,omitempty"`
	Text                  string          `json:"text,omitempty"`
	TransactTime          time.Time       `json:"transact_time"`
	ReceivedAt            time.Time       `gorm:"index" json:"received_at"`
}

// ResultingStatus is the venue-reported order status, or the status implied
// by the execution type when the venue sent none.
func (e ExecutionEvent) ResultingStatus() OrderStatus {
	if e.OrderStatus.Valid() {
		return e.OrderStatus
	}
	return e.ExecutionType.ImpliedStatus()
}

// ReconcileStatus is the outcome recorded in the execution journal
type ReconcileStatus string

const (
	ReconcileAccepted ReconcileStatus = "ACCEPTED"
	ReconcileRejected ReconcileStatus = "REJECTED"
)

// ExecutionRecord is one row of the execution journal: the event as received
// plus what reconciliation made of it.
type ExecutionRecord struct {
	ExecutionEvent  `gorm:"embedded"`
	ReconcileStatus ReconcileStatus `gorm:"index;size:16" json:"reconcile_status"`
	Reason          string          `json:"reason,omitempty"`

	// Effects of an accepted execution, stored in the same transaction as
	// the journal row
	Orders   []OrderRecord `gorm:"-" json:"-"`
	Position *Position     `gorm:"-" json:"-"`
}

func (ExecutionRecord) TableName() string { return "executions" }

// OrderMessage is an outbound New/Cancel/Replace request handed to the
// transport.
type OrderMessage struct {
	Type                  MessageType         `json:"type"`
	ClientOrderID         string              `json:"client_order_id"`
	OriginalClientOrderID string              `json:"original_client_order_id,omitempty"`
	Symbol                string              `json:"symbol"`
	Side                  Side                `json:"side"`
	OrderType             OrderType           `json:"order_type"`
	Quantity              int64               `json:"quantity"`
	Price                 decimal.NullDecimal `json:"price"`
	TransactTime          time.Time           `json:"transact_time"`
}

// Position is the net holding of one symbol.
type Position struct {
	Symbol        string          `gorm:"primaryKey;size:32" json:"symbol"`
	Quantity      int64           `json:"quantity"` // positive long, negative short
	AverageCost   decimal.Decimal `gorm:"type:varchar(40)" json:"average_cost"`
	CurrentPrice  decimal.Decimal `gorm:"type:varchar(40)" json:"current_price"`
	MarketValue   decimal.Decimal `gorm:"type:varchar(40)" json:"market_value"`
	UnrealizedPnl decimal.Decimal `gorm:"type:varchar(40)" json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal `gorm:"type:varchar(40)" json:"realized_pnl"`
	TotalCost     decimal.Decimal `gorm:"type:varchar(40)" json:"total_cost"`
	LastUpdated   time.Time       `json:"last_updated"`
}

func (Position) TableName() string { return "positions" }

func (p Position) IsFlat() bool  { return p.Quantity == 0 }
func (p Position) IsLong() bool  { return p.Quantity > 0 }
func (p Position) IsShort() bool { return p.Quantity < 0 }
