package ledger

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	ErrNotFound            = fmt.Errorf("ledger: %w", gorm.ErrRecordNotFound)
	ErrAlreadyFinal        = errors.New("order already filled or canceled")
	ErrInsufficientMargin  = errors.New("insufficient available balance")
	ErrPositionLimit       = errors.New("max open positions reached")
	ErrLedgerNotConfigured = errors.New("margin ledger not configured")
)

// Store owns every durable write of the engine. Components coordinate only
// through it.
type Store struct {
	db     *gorm.DB
	assets *assetCache
}

// NewStore wraps an already migrated gorm connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		assets: newAssetCache(),
	}
}

// DB exposes the underlying connection for the balance report and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
