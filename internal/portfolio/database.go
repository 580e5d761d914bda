package portfolio

import (
	"github.com/ksred/klear-fix/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SavePosition inserts or fully overwrites a position row
func (d *Database) SavePosition(position *types.Position) error {
	return d.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(position).Error
}

func (d *Database) ListPositions() ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Order("symbol ASC").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

func (d *Database) DeletePosition(symbol string) error {
	return d.db.Where("symbol = ?", symbol).Delete(&types.Position{}).Error
}
