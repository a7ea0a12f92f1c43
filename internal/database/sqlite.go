package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/claim"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/users"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/waitlist"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate applies the schema and the recorded data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	err := db.AutoMigrate(
		&users.User{},
		&users.CourseAccess{},
		&enrollment.Instance{},
		&enrollment.Enrollment{},
		&enrollment.CategoryCompletion{},
		&waitlist.Entry{},
		&claim.Token{},
		&migrationRecord{},
	)
	if err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
