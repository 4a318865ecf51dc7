package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/downdeck-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Job{},
		&types.QueueItem{},
		&types.DailyStat{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}
