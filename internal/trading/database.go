package trading

import (
	"errors"
	"time"

	"github.com/ksred/klear-fix/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const idempotencyTTL = 24 * time.Hour

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveOrder inserts or fully overwrites an order row
func (d *Database) SaveOrder(order *types.OrderRecord) error {
	return d.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(order).Error
}

func (d *Database) GetOrder(clientOrderID string) (*types.OrderRecord, error) {
	var order types.OrderRecord
	if err := d.db.Where("client_order_id = ?", clientOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ListOrders returns every stored order, oldest first, for rehydration
func (d *Database) ListOrders() ([]types.OrderRecord, error) {
	var orders []types.OrderRecord
	if err := d.db.Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateOrderWithIdempotency creates a new order and idempotency record in a transaction
func (d *Database) CreateOrderWithIdempotency(order *types.OrderRecord, idempotencyKey string) error {
	// Begin transaction
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.ClientOrderID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(idempotencyTTL),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves an unexpired idempotency record by key, or
// nil when there is none
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := d.db.Where("idempotency_key = ? AND expires_at > ?", key, time.Now()).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// SaveExecution journals an execution; a replayed execution overwrites its
// earlier outcome
func (d *Database) SaveExecution(execution *types.ExecutionRecord) error {
	return d.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(execution).Error
}

func (d *Database) ListExecutions(clientOrderID string, limit int) ([]types.ExecutionRecord, error) {
	query := d.db.Order("received_at DESC")
	if clientOrderID != "" {
		query = query.Where("client_order_id = ? OR original_client_order_id = ?", clientOrderID, clientOrderID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var executions []types.ExecutionRecord
	if err := query.Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}

func (d *Database) CountExecutions() (int64, error) {
	var count int64
	err := d.db.Model(&types.ExecutionRecord{}).Count(&count).Error
	return count, err
}

// DeleteExecutions empties the journal and returns how many rows went
func (d *Database) DeleteExecutions() (int64, error) {
	result := d.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&types.ExecutionRecord{})
	return result.RowsAffected, result.Error
}
