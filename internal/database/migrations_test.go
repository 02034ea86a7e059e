package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tables"
)

func TestApplyMigrationsNormalizesRowFilterScopes(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&tables.Row{}, &tables.ManifestETag{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	row := tables.Row{
		TableID:    "households",
		RowID:      "row-1",
		RowETag:    "etag-1",
		FilterType: "",
		ValuesJSON: "[]",
	}
	if err := database.Create(&row).Error; err != nil {
		testContext.Fatalf("failed to insert row: %v", err)
	}
	if err := database.Exec("UPDATE table_rows SET filter_type = '' WHERE table_id = ? AND row_id = ?", row.TableID, row.RowID).Error; err != nil {
		testContext.Fatalf("failed to blank filter type: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored tables.Row
	if err := database.Where("table_id = ? AND row_id = ?", row.TableID, row.RowID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.FilterType != tables.ScopeTypeDefault {
		testContext.Fatalf("expected filter type to be normalized to DEFAULT, got %q", stored.FilterType)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeRowFilterScopes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&tables.Row{}, &tables.ManifestETag{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second migration pass must be a no-op: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", count)
	}
}
