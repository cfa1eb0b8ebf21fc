package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairSettledEntryStatus = "2026-08-12_repair_settled_entry_status"

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
		{name: migrationRepairSettledEntryStatus, apply: repairSettledEntryStatus},
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

// repairSettledEntryStatus flips entries to paid when every share settled
// before the status rollup existed.
func repairSettledEntryStatus(db *gorm.DB) error {
	const settled = `
		UPDATE ledger_entries SET payment_status = 'paid'
		WHERE payment_status = 'pending'
		AND NOT EXISTS (
			SELECT 1 FROM ledger_shares
			WHERE ledger_shares.entry_id = ledger_entries.entry_id
			AND ledger_shares.paid = false
		)
		AND EXISTS (
			SELECT 1 FROM ledger_shares
			WHERE ledger_shares.entry_id = ledger_entries.entry_id
		);`
	return db.Exec(settled).Error
}
