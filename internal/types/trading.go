package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

type OrderStatus string

const (
	StatusReceived        OrderStatus = "RECEIVED"
	StatusRiskChecked     OrderStatus = "RISK_CHECKED"
	StatusRouted          OrderStatus = "ROUTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsWorking reports whether the order sits at a venue.
func (s OrderStatus) IsWorking() bool {
	return s == StatusRouted || s == StatusPartiallyFilled
}

// transitions lists the allowed successors of every non-terminal status.
var transitions = map[OrderStatus][]OrderStatus{
	StatusReceived:        {StatusRiskChecked, StatusRejected, StatusCancelled},
	StatusRiskChecked:     {StatusRouted, StatusRejected, StatusCancelled},
	StatusRouted:          {StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelled},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelled},
}

// CanTransition reports whether moving from s to next respects the lifecycle.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Tier string

const (
	TierLow      Tier = "LOW"
	TierMedium   Tier = "MEDIUM"
	TierHigh     Tier = "HIGH"
	TierCritical Tier = "CRITICAL"
)

// Order is a single client order. Only the order manager mutates it.
type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string           `gorm:"uniqueIndex" json:"order_id"`
	Account        string           `gorm:"uniqueIndex:idx_orders_account_key" json:"account"`
	ClientOrderKey string           `gorm:"uniqueIndex:idx_orders_account_key" json:"client_order_key"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	OrderType      OrderType        `json:"order_type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	ReferencePrice decimal.Decimal  `json:"reference_price"`
	Status         OrderStatus      `gorm:"index" json:"status"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal  `json:"avg_fill_price"`
	Venue          string           `json:"venue,omitempty"`
	VenueOrderID   string           `json:"venue_order_id,omitempty"`
	RiskTier       Tier             `json:"risk_tier,omitempty"`
	RejectCode     RejectCode       `json:"reject_code,omitempty"`
	RejectReason   string           `json:"reject_reason,omitempty"`
	CancelPending  bool             `json:"cancel_pending"`
	NeedsReview    bool             `json:"needs_review"`
	ReviewReason   string           `json:"review_reason,omitempty"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Clone returns a deep copy that is safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	c := *o
	if o.Price != nil {
		p := *o.Price
		c.Price = &p
	}
	return &c
}

// Remaining returns the quantity still open at the venue.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Notional returns the unsigned notional of the open remainder at the
// reference price.
func (o *Order) Notional() decimal.Decimal {
	return o.Remaining().Mul(o.ReferencePrice)
}

// Fill is one execution reported by a venue. Seq starts at 1 per venue and
// order and increments by one.
type Fill struct {
	gorm.Model `json:"-"`
	FillID     string          `gorm:"uniqueIndex" json:"fill_id"`
	OrderID    string          `gorm:"index" json:"order_id"`
	Account    string          `gorm:"index" json:"account"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Venue      string          `json:"venue"`
	Seq        uint64          `json:"seq"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	ReceivedAt time.Time       `json:"received_at"`
}

type ReportKind string

const (
	ReportFill      ReportKind = "FILL"
	ReportCancelled ReportKind = "CANCELLED"
)

// VenueReport is an inbound notification from a venue adapter.
type VenueReport struct {
	Kind    ReportKind
	Venue   string
	OrderID string
	Fill    *Fill
}
