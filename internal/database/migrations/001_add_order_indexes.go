package migrations

import (
	"gorm.io/gorm"
)

// AddOrderIndexes adds the indexes recovery and the order listing depend on.
func AddOrderIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Open order scan on startup
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created_at
		 ON orders(status, created_at)`,

		// Per account listing, newest first
		`CREATE INDEX IF NOT EXISTS idx_orders_account_created_at
		 ON orders(account, created_at DESC)`,

		// Sequence checks and fill replay per order
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_order_venue_seq
		 ON fills(order_id, venue, seq)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
