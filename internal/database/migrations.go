package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/waitlist"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillWaitlistTimeModified = "2026-05-18_backfill_waitlist_time_modified"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillWaitlistTimeModified, apply: backfillWaitlistTimeModified},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Entries written before time_modified existed carry a zero there; the
// position query never reads it, but reporting does.
func backfillWaitlistTimeModified(db *gorm.DB) error {
	return db.Model(&waitlist.Entry{}).
		Where("time_modified = 0").
		Update("time_modified", gorm.Expr("time_created")).Error
}
