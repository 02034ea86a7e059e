package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tables"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeRowFilterScopes = "2026-07-14_normalize_row_filter_scopes"
	migrationSeedManifestTimestamps   = "2026-08-02_seed_manifest_timestamps"
)

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
		{name: migrationNormalizeRowFilterScopes, apply: normalizeRowFilterScopes},
		{name: migrationSeedManifestTimestamps, apply: seedManifestTimestamps},
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

// Rows written before scope validation landed could carry an empty filter
// type; they are semantically default-scoped.
func normalizeRowFilterScopes(db *gorm.DB) error {
	return db.Model(&tables.Row{}).
		Where("filter_type = ''").
		Update("filter_type", tables.ScopeTypeDefault).Error
}

func seedManifestTimestamps(db *gorm.DB) error {
	return db.Model(&tables.ManifestETag{}).
		Where("updated_at_s = 0").
		Update("updated_at_s", time.Now().UTC().Unix()).Error
}
