package types

import (
	"time"

	"gorm.io/gorm"
)

type EventType string

const (
	EventAccepted      EventType = "ORDER_ACCEPTED"
	EventRejected      EventType = "ORDER_REJECTED"
	EventRouted        EventType = "ORDER_ROUTED"
	EventFill          EventType = "ORDER_FILL"
	EventCancelled     EventType = "ORDER_CANCELLED"
	EventCancelPending EventType = "CANCEL_PENDING"
	EventAnomaly       EventType = "ORDER_ANOMALY"
)

// OrderEvent is one entry of the outbound order state stream. Payload holds
// the JSON encoded order snapshot taken right after the transition. ID is
// assigned by the outbox and orders events for reconnecting consumers.
type OrderEvent struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	EventID   string      `gorm:"uniqueIndex" json:"event_id"`
	OrderID   string      `gorm:"index" json:"order_id"`
	Account   string      `gorm:"index" json:"account"`
	Type      EventType   `json:"type"`
	Status    OrderStatus `json:"status"`
	Version   int64       `json:"version"`
	Detail    string      `json:"detail,omitempty"`
	Payload   string      `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// IdempotencyRecord maps (account, client order key) to the order created
// for it.
type IdempotencyRecord struct {
	gorm.Model
	Account        string    `gorm:"uniqueIndex:idx_idempotency_account_key" json:"account"`
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_account_key" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	CreatedAt      time.Time `json:"created_at"`
}
