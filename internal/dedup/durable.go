package dedup

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL is how long a processed execution id is kept in the database
const DefaultTTL = 7 * 24 * time.Hour

// Durable keeps processed ids in the database so duplicates are still caught
// after a restart. A Memory store in front answers most lookups; only a miss
// reads the table.
type Durable struct {
	db    *gorm.DB
	front *Memory
	ttl   time.Duration
}

// NewDurable creates a database backed Store
func NewDurable(db *gorm.DB, capacity int, ttl time.Duration) *Durable {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Durable{
		db:    db,
		front: NewMemory(capacity),
		ttl:   ttl,
	}
}

func (d *Durable) Seen(id string) bool {
	if d.front.Seen(id) {
		return true
	}

	var record ProcessedExecution
	err := d.db.Where("execution_id = ? AND expires_at > ?", id, time.Now()).First(&record).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("execution_id", id).Msg("failed to look up processed execution")
		}
		return false
	}

	d.front.MarkSeen(id)
	return true
}

// MarkSeen only updates the in-memory front. The row is written by Persist,
// in the transaction that stores the execution's effects, so an id never
// becomes durable ahead of the position it produced.
func (d *Durable) MarkSeen(id string) {
	d.front.MarkSeen(id)
}

// Persist writes a processed id using tx
func (d *Durable) Persist(tx *gorm.DB, id string) error {
	record := ProcessedExecution{
		ExecutionID: id,
		ExpiresAt:   time.Now().Add(d.ttl),
	}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to store processed execution %s: %w", id, err)
	}
	return nil
}

// DeleteExpired removes rows past their expiry and returns how many went
func (d *Durable) DeleteExpired(now time.Time) (int64, error) {
	result := d.db.Where("expires_at <= ?", now).Delete(&ProcessedExecution{})
	return result.RowsAffected, result.Error
}
