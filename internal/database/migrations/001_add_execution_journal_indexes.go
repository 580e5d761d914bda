package migrations

import (
	"gorm.io/gorm"
)

// AddExecutionJournalIndexes adds the indexes the journal queries rely on
func AddExecutionJournalIndexes(db *gorm.DB) error {
	indexes := []string{
		// Executions of an order, including those addressed to it as the original
		`CREATE INDEX IF NOT EXISTS idx_executions_orig_client_order_id
		 ON executions(original_client_order_id)`,

		// Review listing
		`CREATE INDEX IF NOT EXISTS idx_executions_status_received_at
		 ON executions(reconcile_status, received_at)`,

		`CREATE INDEX IF NOT EXISTS idx_executions_symbol
		 ON executions(symbol)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
