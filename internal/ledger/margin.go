package ledger

import (
	"context"
	"errors"

	"github.com/ksred/bracketd/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EnsureLedger creates the margin ledger row on first start. An existing row
// is returned untouched so restarts never reset balances.
func (s *Store) EnsureLedger(ctx context.Context, balance decimal.Decimal, maxOpen int, leverage decimal.Decimal) (*types.LedgerAccount, error) {
	var acct types.LedgerAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Order("id").First(&acct).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		acct = types.LedgerAccount{
			Balance:          balance,
			AvailableBalance: balance,
			MaxOpenPositions: maxOpen,
			Leverage:         leverage,
		}
		return tx.Create(&acct).Error
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// Ledger returns the current margin ledger row.
func (s *Store) Ledger(ctx context.Context) (*types.LedgerAccount, error) {
	var acct types.LedgerAccount
	if err := s.db.WithContext(ctx).Order("id").First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLedgerNotConfigured
		}
		return nil, err
	}
	return &acct, nil
}

// OpenPaperPosition reserves margin, enforces the open position limit and
// persists the position with its orders in one transaction. On any error
// nothing is written.
func (s *Store) OpenPaperPosition(ctx context.Context, pos *types.Position, margin decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct types.LedgerAccount
		if err := tx.Order("id").First(&acct).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLedgerNotConfigured
			}
			return err
		}

		// The conditional decrement takes the write lock, so the count
		// below cannot race another open.
		res := tx.Model(&types.LedgerAccount{}).
			Where("id = ? AND available_balance >= ?", acct.ID, margin).
			Update("available_balance", gorm.Expr("available_balance - ?", margin))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientMargin
		}

		n, err := CountActive(tx, types.VenuePaper)
		if err != nil {
			return err
		}
		if n >= int64(acct.MaxOpenPositions) {
			return ErrPositionLimit
		}

		pos.MarginBalance = margin
		return InsertPosition(tx, pos)
	})
}

// settle releases a closed position's margin and credits its net PnL to both
// balances.
func settle(tx *gorm.DB, release, netPnL decimal.Decimal) error {
	res := tx.Model(&types.LedgerAccount{}).
		Where("id = (SELECT MIN(id) FROM ledger_accounts)").
		Updates(map[string]interface{}{
			"available_balance": gorm.Expr("available_balance + ?", release.Add(netPnL)),
			"balance":           gorm.Expr("balance + ?", netPnL),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLedgerNotConfigured
	}
	return nil
}
