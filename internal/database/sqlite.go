package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/foamsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/foamsync/internal/logging"
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logging.NewGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// AutoMigrate creates or updates every table the server owns.
func AutoMigrate(db *gorm.DB) error {
	models := append([]interface{}{}, store.Models()...)
	models = append(models, accounts.Models()...)
	models = append(models, &migrationRecord{})
	return db.AutoMigrate(models...)
}
