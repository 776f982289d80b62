package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillRecordWatermarks = "2026-10-01_backfill_record_watermarks"

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
		{name: migrationBackfillRecordWatermarks, apply: backfillRecordWatermarks},
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

// backfillRecordWatermarks fills last_modified_ms for rows written before the column was indexed.
func backfillRecordWatermarks(db *gorm.DB) error {
	var rows []store.RecordRow
	if err := db.Where("last_modified_ms IS NULL").Find(&rows).Error; err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			millis, ok := store.WatermarkOf([]byte(row.PayloadJSON))
			if !ok {
				continue
			}
			err := tx.Model(&store.RecordRow{}).
				Where("tenant_id = ? AND collection = ? AND record_id = ?", row.TenantID, row.Collection, row.RecordID).
				Update("last_modified_ms", millis).
				Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
