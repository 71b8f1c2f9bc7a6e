package database

import (
	"fmt"

	"github.com/ksred/bracketd/internal/database/migrations"
	"github.com/ksred/bracketd/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite ledger at path and brings the schema up to date.
func NewDatabase(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	return Open(dsn)
}

// Open opens a gorm connection for an explicit sqlite DSN and migrates it.
// Tests use it with in-memory DSNs.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// sqlite allows a single writer; one connection keeps transactions from
	// tripping over SQLITE_BUSY under concurrent opens and closes.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&types.Asset{},
		&types.Position{},
		&types.Order{},
		&types.BalanceRecord{},
		&types.LedgerAccount{},
		&types.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddLedgerIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
