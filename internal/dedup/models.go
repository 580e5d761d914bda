package dedup

import "time"

// ProcessedExecution marks an execution id as reconciled until ExpiresAt
type ProcessedExecution struct {
	ExecutionID string    `gorm:"primaryKey;size:64" json:"execution_id"`
	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ProcessedExecution) TableName() string { return "processed_executions" }
