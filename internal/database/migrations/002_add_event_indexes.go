package migrations

import (
	"gorm.io/gorm"
)

// AddEventIndexes adds the index used by stream consumers catching up on
// their account's events.
func AddEventIndexes(db *gorm.DB) error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_order_events_account_id
		 ON order_events(account, id)`).Error
}
