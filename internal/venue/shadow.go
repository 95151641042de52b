package venue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-router/internal/types"
)

const ShadowID = "shadow"

// ShadowVenue acknowledges every order and fills it in full at its reference
// price without contacting any real venue. It is never breaker checked.
type ShadowVenue struct {
	fillDelay time.Duration
	reports   chan types.VenueReport

	mu      sync.Mutex
	working map[string]*types.Order
}

func NewShadowVenue(fillDelay time.Duration) *ShadowVenue {
	return &ShadowVenue{
		fillDelay: fillDelay,
		reports:   make(chan types.VenueReport, 1024),
		working:   make(map[string]*types.Order),
	}
}

func (s *ShadowVenue) ID() string { return ShadowID }

func (s *ShadowVenue) Reports() <-chan types.VenueReport { return s.reports }

func (s *ShadowVenue) Submit(_ context.Context, order *types.Order) (Ack, error) {
	o := order.Clone()
	s.mu.Lock()
	s.working[o.OrderID] = o
	s.mu.Unlock()

	log.Debug().Str("order_id", o.OrderID).Msg("shadow venue accepted order")
	time.AfterFunc(s.fillDelay, func() { s.fill(o.OrderID) })
	return Ack{VenueOrderID: "SHADOW-" + o.OrderID}, nil
}

func (s *ShadowVenue) fill(orderID string) {
	s.mu.Lock()
	o, ok := s.working[orderID]
	if ok {
		delete(s.working, orderID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	price := o.ReferencePrice
	if o.Price != nil {
		price = *o.Price
	}
	s.reports <- types.VenueReport{
		Kind:    types.ReportFill,
		Venue:   ShadowID,
		OrderID: o.OrderID,
		Fill: &types.Fill{
			FillID:     uuid.New().String(),
			OrderID:    o.OrderID,
			Account:    o.Account,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Venue:      ShadowID,
			Seq:        1,
			Quantity:   o.Remaining(),
			Price:      price,
			ReceivedAt: time.Now(),
		},
	}
}

// Cancel succeeds while the synthetic fill has not been produced yet.
func (s *ShadowVenue) Cancel(_ context.Context, order *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.working[order.OrderID]; !ok {
		return ErrTooLateToCancel
	}
	delete(s.working, order.OrderID)
	return nil
}
