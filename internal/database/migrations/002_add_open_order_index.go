package migrations

import (
	"gorm.io/gorm"
)

// AddOpenOrderIndex speeds up rehydration and GET /orders/open, which both
// filter on status and sort by creation time
func AddOpenOrderIndex(db *gorm.DB) error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_status_created_at
		ON orders(status, created_at)`).Error
}
