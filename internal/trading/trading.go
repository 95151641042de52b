package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-router/internal/exposure"
	"github.com/ksred/klear-router/internal/risk"
	"github.com/ksred/klear-router/internal/types"
	"github.com/ksred/klear-router/internal/venue"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidRequest    = errors.New("invalid order request")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrQuantityBound     = errors.New("filled quantity out of bounds")
)

// Router is the part of the venue router the order manager needs.
type Router interface {
	Route(ctx context.Context, order *types.Order, exclude []string) venue.Result
	Cancel(ctx context.Context, order *types.Order) error
	Resume(ctx context.Context, order *types.Order, lastSeq uint64) error
	Reports() <-chan types.VenueReport
}

// EventPublisher delivers committed order events to live subscribers. The
// event is already in the outbox when Broadcast is called.
type EventPublisher interface {
	Broadcast(ev *types.OrderEvent)
}

type Config struct {
	// RetryBudget is how many further venues are tried after a retryable
	// venue failure.
	RetryBudget int
	FillWorkers int
}

func DefaultConfig() Config {
	return Config{RetryBudget: 2, FillWorkers: 8}
}

// Service handles trading operations and order management
type Service struct {
	db     *Database
	ledger *Ledger
	gate   *risk.Gate
	limits *risk.LimitsStore
	cache  *exposure.Cache
	router Router
	events EventPublisher
	cfg    Config
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, gate *risk.Gate, limits *risk.LimitsStore, cache *exposure.Cache, router Router, events EventPublisher, cfg Config) *Service {
	if cfg.FillWorkers <= 0 {
		cfg.FillWorkers = DefaultConfig().FillWorkers
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	return &Service{
		db:     NewDatabase(gormDB),
		ledger: NewLedger(),
		gate:   gate,
		limits: limits,
		cache:  cache,
		router: router,
		events: events,
		cfg:    cfg,
	}
}

// Database exposes the persistence layer, e.g. as the exposure feed.
func (s *Service) Database() *Database {
	return s.db
}

// SubmitRequest is an order as received from a caller.
type SubmitRequest struct {
	Account        string           `json:"-"`
	ClientOrderKey string           `json:"-"`
	Symbol         string           `json:"symbol" binding:"required"`
	Side           types.Side       `json:"side" binding:"required"`
	OrderType      types.OrderType  `json:"order_type" binding:"required"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty"`
}

func (r SubmitRequest) riskRequest() risk.Request {
	return risk.Request{
		Account:   r.Account,
		Symbol:    r.Symbol,
		Side:      r.Side,
		OrderType: r.OrderType,
		Quantity:  r.Quantity,
		Price:     r.Price,
	}
}

// Submit accepts an order. A repeated (account, client order key) returns
// the existing order with replayed=true and runs nothing twice. Risk and
// venue rejections are reported through the order's state, not the error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*types.Order, bool, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Account == "" || req.ClientOrderKey == "" || req.Symbol == "" {
		return nil, false, fmt.Errorf("%w: account, client order key and symbol are required", ErrInvalidRequest)
	}

	e, created := s.ledger.Claim(req.Account, req.ClientOrderKey)
	if !created {
		if err := e.wait(ctx); err != nil {
			return nil, false, err
		}
		log.Info().
			Str("account", req.Account).
			Str("client_order_key", req.ClientOrderKey).
			Str("order_id", e.Snapshot().OrderID).
			Msg("idempotent replay of order submission")
		return e.Snapshot(), true, nil
	}

	existing, err := s.db.FindByClientKey(req.Account, req.ClientOrderKey)
	if err != nil {
		s.abandon(req, e, err)
		return nil, false, err
	}
	if existing != nil {
		e.order = existing
		e.publish()
		s.ledger.Index(existing.OrderID, e)
		close(e.ready)
		return e.Snapshot(), true, nil
	}

	now := time.Now()
	order := &types.Order{
		OrderID:        uuid.New().String(),
		Account:        req.Account,
		ClientOrderKey: req.ClientOrderKey,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Status:         types.StatusReceived,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.CreateOrderWithIdempotency(order); err != nil {
		s.abandon(req, e, err)
		return nil, false, fmt.Errorf("persist order: %w", err)
	}

	e.order = order
	e.publish()
	s.ledger.Index(order.OrderID, e)
	close(e.ready)

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("account", order.Account).
		Str("symbol", order.Symbol).
		Logger()
	logger.Info().Msg("order received")

	// The order is durable now; finish the pipeline even if the caller goes
	// away.
	pctx := context.WithoutCancel(ctx)
	s.riskCheck(pctx, e, req)
	s.route(pctx, e)

	return e.Snapshot(), false, nil
}

func (s *Service) abandon(req SubmitRequest, e *entry, err error) {
	e.err = err
	close(e.ready)
	s.ledger.Forget(req.Account, req.ClientOrderKey, e)
}

// riskCheck reserves provisional exposure and moves RECEIVED to
// RISK_CHECKED or REJECTED.
func (s *Service) riskCheck(ctx context.Context, e *entry, req SubmitRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.order
	if o.Status != types.StatusReceived {
		return
	}

	rreq := req.riskRequest()
	mark, hasMark := s.cache.Mark(o.Symbol)
	if price, ok := risk.ReferencePrice(rreq, exposure.View{Mark: mark, HasMark: hasMark}, s.limits.Current()); ok {
		s.cache.Reserve(o.OrderID, o.Account, o.Symbol, o.Side, o.Quantity.Mul(price))
	}

	d := s.gate.Check(ctx, o.OrderID, rreq)
	if !d.Approved {
		s.cache.Release(o.OrderID, o.Account)
		s.reject(ctx, e, d.Code, d.Reason, d.Tier)
		return
	}

	err := s.transition(ctx, e, types.StatusRiskChecked, types.EventAccepted, string(d.Tier), func(o *types.Order) {
		o.RiskTier = d.Tier
		o.ReferencePrice = d.ReferencePrice
	})
	if err != nil {
		s.cache.Release(o.OrderID, o.Account)
		log.Error().Err(err).Str("order_id", o.OrderID).Msg("failed to record risk approval")
		return
	}
	s.cache.Reserve(o.OrderID, o.Account, o.Symbol, o.Side, o.Quantity.Mul(d.ReferencePrice))
}

// route hands a RISK_CHECKED order to the venue router, failing over to the
// next venue for retryable failures until the retry budget is spent.
func (s *Service) route(ctx context.Context, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.order
	if o.Status != types.StatusRiskChecked {
		return
	}

	logger := log.With().Str("order_id", o.OrderID).Logger()
	var tried []string
	for attempt := 0; attempt <= s.cfg.RetryBudget; attempt++ {
		res := s.router.Route(ctx, o.Clone(), tried)

		switch {
		case res.Outcome == venue.OutcomeAccepted:
			err := s.transition(ctx, e, types.StatusRouted, types.EventRouted, res.Venue, func(o *types.Order) {
				o.Venue = res.Venue
				o.VenueOrderID = res.VenueOrderID
			})
			if err != nil {
				logger.Error().Err(err).Str("venue", res.Venue).Msg("failed to record routing")
			}
			return

		case res.Outcome == venue.OutcomeNoVenueAvailable:
			s.cache.Release(o.OrderID, o.Account)
			s.reject(ctx, e, types.RejectNoVenue, "no venue available", types.TierCritical)
			return

		case !res.Retryable:
			s.cache.Release(o.OrderID, o.Account)
			s.reject(ctx, e, types.RejectVenue, errString(res.Err), o.RiskTier)
			return
		}

		logger.Warn().
			Err(res.Err).
			Str("venue", res.Venue).
			Int("attempt", attempt+1).
			Msg("venue failed, trying next venue")
		tried = append(tried, res.Venue)
	}

	s.cache.Release(o.OrderID, o.Account)
	s.reject(ctx, e, types.RejectNoVenue, "no venue available", types.TierCritical)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// reject moves the order to REJECTED. Caller holds e.mu.
func (s *Service) reject(ctx context.Context, e *entry, code types.RejectCode, reason string, tier types.Tier) {
	err := s.transition(ctx, e, types.StatusRejected, types.EventRejected, reason, func(o *types.Order) {
		o.RejectCode = code
		o.RejectReason = reason
		if tier != "" {
			o.RiskTier = tier
		}
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", e.order.OrderID).Msg("failed to record rejection")
		return
	}
	log.Info().
		Str("order_id", e.order.OrderID).
		Str("code", string(code)).
		Str("reason", reason).
		Msg("order rejected")
}

// transition applies mutate and moves the order to next, persists it and
// publishes the new snapshot. On any failure the in-memory order is left
// untouched. Caller holds e.mu.
func (s *Service) transition(ctx context.Context, e *entry, next types.OrderStatus, ev types.EventType, detail string, mutate func(o *types.Order)) error {
	o := e.order
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	return s.save(ctx, e, ev, detail, func(o *types.Order) {
		o.Status = next
		if mutate != nil {
			mutate(o)
		}
	})
}

// save persists a mutation that may or may not change the status.
func (s *Service) save(ctx context.Context, e *entry, ev types.EventType, detail string, mutate func(o *types.Order)) error {
	return s.write(ctx, e, ev, detail, nil, mutate)
}

// write applies mutate and stores the order, its event and the fill, if
// any, in one transaction. Subscribers see the event only after commit. On
// any failure the in-memory order is left untouched. Caller holds e.mu.
func (s *Service) write(ctx context.Context, e *entry, typ types.EventType, detail string, fill *types.Fill, mutate func(o *types.Order)) error {
	prev := e.order.Clone()
	o := e.order
	mutate(o)
	o.Version++
	o.UpdatedAt = time.Now()

	if o.FilledQuantity.IsNegative() || o.FilledQuantity.GreaterThan(o.Quantity) {
		*o = *prev
		return fmt.Errorf("%w: filled %s of %s", ErrQuantityBound, o.FilledQuantity, o.Quantity)
	}
	ev, err := newEvent(o, typ, detail)
	if err != nil {
		*o = *prev
		return err
	}
	if err := s.db.SaveOrder(o, ev, fill); err != nil {
		*o = *prev
		return fmt.Errorf("persist order: %w", err)
	}
	e.publish()
	if s.events != nil {
		s.events.Broadcast(ev)
	}
	return nil
}

func newEvent(o *types.Order, typ types.EventType, detail string) (*types.OrderEvent, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode order event: %w", err)
	}
	return &types.OrderEvent{
		EventID:   uuid.New().String(),
		OrderID:   o.OrderID,
		Account:   o.Account,
		Type:      typ,
		Status:    o.Status,
		Version:   o.Version,
		Detail:    detail,
		Payload:   string(payload),
		CreatedAt: time.Now(),
	}, nil
}

// GetOrder returns the latest snapshot of an order.
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	if e, ok := s.ledger.Get(orderID); ok {
		return e.Snapshot(), nil
	}
	o, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// ListOrders returns an account's orders, optionally filtered by status.
func (s *Service) ListOrders(account string, status types.OrderStatus, limit int) ([]types.Order, error) {
	return s.db.ListOrders(account, status, limit)
}

// Cancel cancels an order. Orders not yet routed are cancelled locally;
// working orders are cancelled at their venue and stay in their current
// state until the venue confirms.
func (s *Service) Cancel(ctx context.Context, orderID string) (types.CancelOutcome, *types.Order, error) {
	e, ok := s.ledger.Get(orderID)
	if !ok {
		o, err := s.GetOrder(orderID)
		if err != nil {
			return "", nil, err
		}
		return types.CancelAlreadyTerminal, o, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.order
	logger := log.With().Str("order_id", o.OrderID).Str("status", string(o.Status)).Logger()

	switch {
	case o.Status.IsTerminal():
		return types.CancelAlreadyTerminal, e.Snapshot(), nil

	case !o.Status.IsWorking():
		if err := s.cancelled(ctx, e, "cancelled before routing"); err != nil {
			return "", nil, err
		}
		logger.Info().Msg("order cancelled locally")
		return types.CancelDone, e.Snapshot(), nil
	}

	err := s.router.Cancel(ctx, o.Clone())
	switch venue.Classify(err) {
	case venue.ClassNone:
		if err := s.cancelled(ctx, e, "cancelled at "+o.Venue); err != nil {
			return "", nil, err
		}
		logger.Info().Str("venue", o.Venue).Msg("order cancelled at venue")
		return types.CancelDone, e.Snapshot(), nil

	case venue.ClassTooLate:
		logger.Info().Msg("cancel too late, order already complete at venue")
		return types.CancelTooLate, e.Snapshot(), nil

	case venue.ClassBusiness:
		logger.Warn().Err(err).Msg("venue refused cancel")
		return types.CancelTooLate, e.Snapshot(), nil
	}

	if errors.Is(err, venue.ErrUnknownVenue) {
		return "", nil, err
	}
	logger.Warn().Err(err).Msg("cancel not confirmed by venue, cancel pending")
	if err := s.save(ctx, e, types.EventCancelPending, errString(err), func(o *types.Order) {
		o.CancelPending = true
	}); err != nil {
		return "", nil, err
	}
	return types.CancelPending, e.Snapshot(), nil
}

// cancelled moves the order to CANCELLED and frees its reservation. Caller
// holds e.mu.
func (s *Service) cancelled(ctx context.Context, e *entry, detail string) error {
	err := s.transition(ctx, e, types.StatusCancelled, types.EventCancelled, detail, func(o *types.Order) {
		o.CancelPending = false
	})
	if err != nil {
		return err
	}
	s.cache.Release(e.order.OrderID, e.order.Account)
	return nil
}
