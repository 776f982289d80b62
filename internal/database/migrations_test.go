package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsRecordWatermarks(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := AutoMigrate(database); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	rows := []store.RecordRow{
		{TenantID: "tenant-1", Collection: "estimates", RecordID: "stamped", PayloadJSON: `{"id":"stamped","lastModified":1700}`},
		{TenantID: "tenant-1", Collection: "estimates", RecordID: "string-stamp", PayloadJSON: `{"id":"string-stamp","lastModified":"2026-10-01T00:00:00Z"}`},
		{TenantID: "tenant-1", Collection: "customers", RecordID: "unstamped", PayloadJSON: `{"id":"unstamped"}`},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert records: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []store.RecordRow
	if err := database.Order("record_id").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload records: %v", err)
	}
	watermarks := map[string]*int64{}
	for _, row := range stored {
		watermarks[row.RecordID] = row.LastModifiedMillis
	}
	if watermarks["stamped"] == nil || *watermarks["stamped"] != 1700 {
		testContext.Fatalf("expected numeric watermark to be backfilled, got %v", watermarks["stamped"])
	}
	if watermarks["string-stamp"] == nil || *watermarks["string-stamp"] != 1790812800000 {
		testContext.Fatalf("expected RFC3339 watermark to be backfilled, got %v", watermarks["string-stamp"])
	}
	if watermarks["unstamped"] != nil {
		testContext.Fatalf("expected unstamped record to stay null, got %d", *watermarks["unstamped"])
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillRecordWatermarks).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected rerun to be a no-op: %v", err)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
