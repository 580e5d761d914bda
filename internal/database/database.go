package database

import (
	"fmt"

	"github.com/ksred/klear-fix/internal/config"
	"github.com/ksred/klear-fix/internal/database/migrations"
	"github.com/ksred/klear-fix/internal/dedup"
	"github.com/ksred/klear-fix/internal/trading"
	"github.com/ksred/klear-fix/internal/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the configured driver and brings the schema up to date
func NewDatabase(cfg config.Database, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level := logger.Warn
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates the tables and the journal indexes
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.OrderRecord{},
		&types.ExecutionRecord{},
		&types.Position{},
		&trading.IdempotencyRecord{},
		&dedup.ProcessedExecution{},
	)
	if err != nil {
		return err
	}

	if err := migrations.AddExecutionJournalIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddOpenOrderIndex(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
