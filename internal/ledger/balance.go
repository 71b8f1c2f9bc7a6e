package ledger

import (
	"context"

	"github.com/ksred/bracketd/internal/types"
)

// AppendBalanceRecord stores a new account snapshot. Records are never updated.
func (s *Store) AppendBalanceRecord(ctx context.Context, rec *types.BalanceRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// LatestBalanceRecords returns up to n records, newest first.
func (s *Store) LatestBalanceRecords(ctx context.Context, n int) ([]types.BalanceRecord, error) {
	var records []types.BalanceRecord
	err := s.db.WithContext(ctx).
		Order("recorded_at DESC").
		Order("id DESC").
		Limit(n).
		Find(&records).Error
	return records, err
}
