package trading

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/bracketd/internal/ledger"
	"github.com/ksred/bracketd/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const resourcePosition = "position"

var errKeyInFlight = errors.New("a request with this Idempotency-Key is still in progress")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// ReserveIdempotencyKey claims key before any order is placed. When the key
// is already held it returns the existing record instead; an empty
// ResourceID on that record means the first request has not finished.
func (d *Database) ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (*types.IdempotencyRecord, error) {
	var existing *types.IdempotencyRecord
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("idempotency_key = ? AND expires_at <= ?", key, time.Now()).
			Delete(&types.IdempotencyRecord{}).Error; err != nil {
			return err
		}
		record := types.IdempotencyRecord{
			IdempotencyKey: key,
			ResourceType:   resourcePosition,
			ExpiresAt:      time.Now().Add(ttl),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		var held types.IdempotencyRecord
		if err := tx.Where("idempotency_key = ?", key).First(&held).Error; err != nil {
			return err
		}
		existing = &held
		return nil
	})
	return existing, err
}

// ReleaseIdempotencyKey frees a reservation after a failed open so the client
// can retry with the same key.
func (d *Database) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return d.db.WithContext(ctx).Unscoped().
		Where("idempotency_key = ? AND resource_id = ?", key, "").
		Delete(&types.IdempotencyRecord{}).Error
}

// CreatePositionWithIdempotency persists the position with its orders and
// binds the reserved key to it in one transaction. The live position count is
// re-checked inside that transaction; ledger.ErrPositionLimit means nothing
// was written.
func (d *Database) CreatePositionWithIdempotency(ctx context.Context, pos *types.Position, key string, maxOpen int) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	active, err := ledger.CountActive(tx, pos.Venue)
	if err != nil {
		tx.Rollback()
		return err
	}
	if active >= int64(maxOpen) {
		tx.Rollback()
		return ledger.ErrPositionLimit
	}

	if err := ledger.InsertPosition(tx, pos); err != nil {
		tx.Rollback()
		return err
	}

	if key != "" {
		if err := tx.Model(&types.IdempotencyRecord{}).
			Where("idempotency_key = ?", key).
			Update("resource_id", pos.OrderID).Error; err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit().Error
}
