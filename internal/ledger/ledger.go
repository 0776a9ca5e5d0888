// Package ledger is the persistent, crash-safe store for every entity in the
// bank: bank accounts and their transaction log, futures collateral
// accounts, orders, positions, trades, funding rates, and the insurance
// fund. Every exported method runs inside its own gorm transaction, giving
// per-call atomicity; callers needing a multi-call sequence to appear atomic
// (the matching engine) hold their own higher-level lock.
package ledger

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bitcoinbank/perpengine/internal/model"
)

// Ledger owns the sqlite-backed gorm database and exposes CRUD operations
// for every persisted entity.
type Ledger struct {
	db *gorm.DB
}

// Open opens (and migrates) the sqlite database at path.
func Open(path string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if err := db.AutoMigrate(
		&model.BankAccount{},
		&model.Transaction{},
		&model.NWCConnection{},
		&model.FuturesAccount{},
		&model.Order{},
		&model.Position{},
		&model.Trade{},
		&model.FundingRate{},
		&model.FundingApplication{},
		&model.InsuranceFund{},
	); err != nil {
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	var fund model.InsuranceFund
	if err := db.First(&fund, model.InsuranceFundRowID).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("load insurance fund: %w", err)
		}
		fund = model.InsuranceFund{ID: model.InsuranceFundRowID, BalanceMsats: 0, UpdatedAt: time.Now().Unix()}
		if err := db.Create(&fund).Error; err != nil {
			return nil, fmt.Errorf("seed insurance fund: %w", err)
		}
	}

	return &Ledger{db: db}, nil
}

// Close releases the underlying database connection.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
