package storage

import (
	"fmt"
	"sort"

	"gorm.io/gorm"

	"proofwork/migrations"
	"proofwork/models"
)

// Advisory lock key serializing concurrent migration runs on postgres.
const migrationLockKey = int64(0x70726f6f667770)

// RunMigrations applies every embedded SQL file exactly once, in
// lexicographic order. Postgres runs take a transaction-scoped advisory lock
// so concurrent bootstraps converge on one apply per file. Other dialects
// (sqlite dev mode, tests) fall back to AutoMigrate and record the files as
// applied so the ledger stays consistent.
func RunMigrations(db *gorm.DB) error {
	names, err := migrationFiles()
	if err != nil {
		return err
	}
	if db.Dialector.Name() != "postgres" {
		if err := models.AutoMigrate(db); err != nil {
			return fmt.Errorf("storage: automigrate: %w", err)
		}
		return db.Transaction(func(tx *gorm.DB) error {
			return recordApplied(tx, names)
		})
	}
	err = db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		filename VARCHAR(256) PRIMARY KEY,
		applied_at TIMESTAMPTZ
	)`).Error
	if err != nil {
		return fmt.Errorf("storage: migration ledger: %w", err)
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrationLockKey).Error; err != nil {
			return err
		}
		for _, name := range names {
			var applied int64
			err := tx.Model(&models.SchemaMigration{}).Where("filename = ?", name).Count(&applied).Error
			if err != nil {
				return err
			}
			if applied > 0 {
				continue
			}
			raw, err := migrations.FS.ReadFile(name)
			if err != nil {
				return fmt.Errorf("storage: read migration %s: %w", name, err)
			}
			if err := tx.Exec(string(raw)).Error; err != nil {
				return fmt.Errorf("storage: apply migration %s: %w", name, err)
			}
			record := models.SchemaMigration{Filename: name}
			record.AppliedAt = nowUTC()
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AppliedMigrations lists the files recorded as applied, in order.
func AppliedMigrations(db *gorm.DB) ([]string, error) {
	var names []string
	err := db.Model(&models.SchemaMigration{}).Order("filename asc").Pluck("filename", &names).Error
	if err != nil {
		return nil, translate(err)
	}
	return names, nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func recordApplied(tx *gorm.DB, names []string) error {
	for _, name := range names {
		record := models.SchemaMigration{Filename: name, AppliedAt: nowUTC()}
		if err := tx.Clauses(onConflictDoNothing()).Create(&record).Error; err != nil {
			return err
		}
	}
	return nil
}
