package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-router/internal/types"
)

// SimulatedConfig describes a mock venue.
type SimulatedConfig struct {
	Name            string
	MinLatency      time.Duration
	MaxLatency      time.Duration
	LiquidityFactor float64 // 0-1, share of the order filled when liquidity is thin
	SuccessRate     float64 // 0-1, probability a call reaches the venue
	FeeRate         float64 // share of fill value
	FillDelay       time.Duration
	RejectSymbols   []string
	Seed            int64
}

// DefaultSimulatedVenues mirrors a primary exchange, a secondary exchange and
// a dark pool.
func DefaultSimulatedVenues() map[string]SimulatedConfig {
	return map[string]SimulatedConfig{
		"EXCH1": {Name: "Primary Exchange", MinLatency: 5 * time.Millisecond, MaxLatency: 30 * time.Millisecond, LiquidityFactor: 0.9, SuccessRate: 0.95, FeeRate: 0.001},
		"EXCH2": {Name: "Secondary Exchange", MinLatency: 10 * time.Millisecond, MaxLatency: 50 * time.Millisecond, LiquidityFactor: 0.7, SuccessRate: 0.90, FeeRate: 0.0008},
		"DARK1": {Name: "Dark Pool", MinLatency: 20 * time.Millisecond, MaxLatency: 100 * time.Millisecond, LiquidityFactor: 0.3, SuccessRate: 0.75, FeeRate: 0.0003},
	}
}

type simOrder struct {
	order     *types.Order
	remaining decimal.Decimal
	seq       uint64
}

// SimulatedVenue is an in-process venue with configurable latency, failure
// rate, partial liquidity and fees.
type SimulatedVenue struct {
	id      string
	cfg     SimulatedConfig
	reports chan types.VenueReport
	down    atomic.Bool
	rejects map[string]struct{}

	mu      sync.Mutex
	rng     *rand.Rand
	working map[string]*simOrder
}

func NewSimulatedVenue(id string, cfg SimulatedConfig) *SimulatedVenue {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	if cfg.LiquidityFactor <= 0 || cfg.LiquidityFactor > 1 {
		cfg.LiquidityFactor = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	v := &SimulatedVenue{
		id:      id,
		cfg:     cfg,
		reports: make(chan types.VenueReport, 1024),
		rejects: make(map[string]struct{}, len(cfg.RejectSymbols)),
		rng:     rand.New(rand.NewSource(seed)),
		working: make(map[string]*simOrder),
	}
	for _, s := range cfg.RejectSymbols {
		v.rejects[s] = struct{}{}
	}
	return v
}

func (v *SimulatedVenue) ID() string { return v.id }

func (v *SimulatedVenue) Reports() <-chan types.VenueReport { return v.reports }

// SetDown makes every call fail with a transport error.
func (v *SimulatedVenue) SetDown(down bool) {
	v.down.Store(down)
}

// Working reports whether the venue still holds the order.
func (v *SimulatedVenue) Working(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.working[orderID]
	return ok
}

func (v *SimulatedVenue) float() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Float64()
}

func (v *SimulatedVenue) latency() time.Duration {
	spread := v.cfg.MaxLatency - v.cfg.MinLatency
	if spread <= 0 {
		return v.cfg.MinLatency
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg.MinLatency + time.Duration(v.rng.Int63n(int64(spread)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (v *SimulatedVenue) Submit(ctx context.Context, order *types.Order) (Ack, error) {
	logger := log.With().
		Str("venue", v.id).
		Str("order_id", order.OrderID).
		Str("quantity", order.Quantity.String()).
		Str("side", string(order.Side)).
		Logger()

	latency := v.latency()
	logger.Debug().Dur("latency", latency).Msg("simulated network latency")
	if err := sleep(ctx, latency); err != nil {
		return Ack{}, fmt.Errorf("%w: submit to %s: %v", ErrTransport, v.id, err)
	}

	if v.down.Load() {
		return Ack{}, fmt.Errorf("%w: venue %s is down", ErrTransport, v.id)
	}
	if v.cfg.SuccessRate > 0 && v.float() > v.cfg.SuccessRate {
		logger.Warn().Float64("success_rate", v.cfg.SuccessRate).Msg("simulated venue dropped order")
		return Ack{}, fmt.Errorf("%w: execution failed on venue %s", ErrTransport, v.id)
	}
	if _, ok := v.rejects[order.Symbol]; ok {
		return Ack{}, &BusinessRejectError{Venue: v.id, Reason: "symbol not tradable at venue: " + order.Symbol}
	}

	so := &simOrder{order: order.Clone(), remaining: order.Remaining()}
	v.mu.Lock()
	v.working[order.OrderID] = so
	v.mu.Unlock()

	go v.execute(order.OrderID)

	logger.Info().Msg("order accepted by simulated venue")
	return Ack{VenueOrderID: fmt.Sprintf("%s-%s", v.id, uuid.New().String()[:8])}, nil
}

// execute produces fills for a working order. When liquidity is thin the
// first fill covers only part of the order.
func (v *SimulatedVenue) execute(orderID string) {
	for {
		time.Sleep(v.cfg.FillDelay)

		partial := v.float() > v.cfg.LiquidityFactor
		variance := v.float()*0.04 - 0.02

		v.mu.Lock()
		so, ok := v.working[orderID]
		if !ok {
			v.mu.Unlock()
			return
		}
		qty := so.remaining
		if partial {
			qty = so.remaining.Mul(decimal.NewFromFloat(v.cfg.LiquidityFactor)).Round(8)
			if !qty.IsPositive() || qty.GreaterThanOrEqual(so.remaining) {
				qty = so.remaining
			}
		}
		so.remaining = so.remaining.Sub(qty)
		so.seq++
		seq := so.seq
		done := !so.remaining.IsPositive()
		if done {
			delete(v.working, orderID)
		}
		o := so.order
		v.mu.Unlock()

		price := executionPrice(o, variance)
		fee := price.Mul(qty).Mul(decimal.NewFromFloat(v.cfg.FeeRate))

		v.reports <- types.VenueReport{
			Kind:    types.ReportFill,
			Venue:   v.id,
			OrderID: orderID,
			Fill: &types.Fill{
				FillID:     fmt.Sprintf("FILL-%s-%s", v.id, uuid.New().String()),
				OrderID:    orderID,
				Account:    o.Account,
				Symbol:     o.Symbol,
				Side:       o.Side,
				Venue:      v.id,
				Seq:        seq,
				Quantity:   qty,
				Price:      price,
				Fee:        fee,
				ReceivedAt: time.Now(),
			},
		}
		if done {
			return
		}
	}
}

// executionPrice applies the variance to the reference price without
// crossing a limit price.
func executionPrice(o *types.Order, variance float64) decimal.Decimal {
	ref := o.ReferencePrice
	if o.Price != nil {
		ref = *o.Price
	}
	price := ref.Mul(decimal.NewFromFloat(1 + variance)).Round(8)
	if o.Price != nil {
		if o.Side == types.SideBuy && price.GreaterThan(*o.Price) {
			price = *o.Price
		}
		if o.Side == types.SideSell && price.LessThan(*o.Price) {
			price = *o.Price
		}
	}
	return price
}

// Cancel removes a working order. If ctx expires before the venue answers,
// the cancel still completes at the venue and is reported asynchronously.
func (v *SimulatedVenue) Cancel(ctx context.Context, order *types.Order) error {
	if v.down.Load() {
		return fmt.Errorf("%w: venue %s is down", ErrTransport, v.id)
	}

	latency := v.latency()
	if err := sleep(ctx, latency); err != nil {
		go func() {
			time.Sleep(latency)
			if v.remove(order.OrderID) {
				v.reports <- types.VenueReport{Kind: types.ReportCancelled, Venue: v.id, OrderID: order.OrderID}
			}
		}()
		return fmt.Errorf("%w: cancel at %s: %v", ErrTransport, v.id, err)
	}

	if !v.remove(order.OrderID) {
		return ErrTooLateToCancel
	}
	return nil
}

func (v *SimulatedVenue) remove(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.working[orderID]; !ok {
		return false
	}
	delete(v.working, orderID)
	return true
}
