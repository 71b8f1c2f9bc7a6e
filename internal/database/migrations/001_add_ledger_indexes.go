package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIndexes creates the composite indexes the reconcilers query by.
func AddLedgerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Open positions per asset, used on every fill event
		`CREATE INDEX IF NOT EXISTS idx_positions_asset_status
		 ON positions(asset_id, status)`,

		// Paper poller scans by venue and status
		`CREATE INDEX IF NOT EXISTS idx_positions_venue_status
		 ON positions(venue, status)`,

		// Commission sweep
		`CREATE INDEX IF NOT EXISTS idx_orders_commission
		 ON orders(commission)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_commission
		 ON positions(commission, entry_commission)`,

		// Sibling lookup
		`CREATE INDEX IF NOT EXISTS idx_orders_position_kind
		 ON orders(position_id, kind)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
