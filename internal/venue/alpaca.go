package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-router/internal/types"
)

type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// AlpacaVenue sends orders to the Alpaca brokerage API. Our order id is used
// as Alpaca's client order id so trade updates can be matched back.
type AlpacaVenue struct {
	id      string
	client  *alpaca.Client
	reports chan types.VenueReport

	mu  sync.Mutex
	seq map[string]uint64
	// pending holds reports built by Resume. Start sends them before the
	// trade update stream opens.
	pending []types.VenueReport
}

func NewAlpacaVenue(id string, cfg AlpacaConfig) (*AlpacaVenue, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("venue %s: alpaca api key and secret are required", id)
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	return &AlpacaVenue{
		id:      id,
		client:  client,
		reports: make(chan types.VenueReport, 1024),
		seq:     make(map[string]uint64),
	}, nil
}

func (a *AlpacaVenue) ID() string { return a.id }

func (a *AlpacaVenue) Reports() <-chan types.VenueReport { return a.reports }

// Start subscribes to the account's trade update stream.
func (a *AlpacaVenue) Start(ctx context.Context) error {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	log.Info().Str("venue", a.id).Int("catch_up", len(pending)).Msg("starting alpaca trade update stream")
	go func() {
		for _, rep := range pending {
			select {
			case a.reports <- rep:
			case <-ctx.Done():
				return
			}
		}
		a.client.StreamTradeUpdatesInBackground(ctx, a.handleTradeUpdate)
	}()
	return nil
}

// Resume seeds the fill sequence of an order that was working before a
// restart and queues a fill for any quantity Alpaca executed while we were
// down. If Alpaca cannot be reached the order is still resumed; a gap in
// the stream then surfaces as an out of order fill. Call before Start.
func (a *AlpacaVenue) Resume(ctx context.Context, order *types.Order, lastSeq uint64) error {
	logger := log.With().Str("venue", a.id).Str("order_id", order.OrderID).Uint64("last_seq", lastSeq).Logger()

	a.mu.Lock()
	a.seq[order.OrderID] = lastSeq
	a.mu.Unlock()

	remote, err := callWithContext(ctx, func() (*alpaca.Order, error) {
		if order.VenueOrderID != "" {
			return a.client.GetOrder(order.VenueOrderID)
		}
		return a.client.GetOrderByClientOrderID(order.OrderID)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("could not fetch order state, resuming from stream only")
		return nil
	}

	var reports []types.VenueReport
	if missed := remote.FilledQty.Sub(order.FilledQuantity); missed.IsPositive() && remote.FilledAvgPrice != nil {
		// Price the missed quantity so the order's average matches Alpaca's.
		notional := remote.FilledAvgPrice.Mul(remote.FilledQty).Sub(order.AvgFillPrice.Mul(order.FilledQuantity))
		seq := lastSeq + 1
		reports = append(reports, types.VenueReport{
			Kind:    types.ReportFill,
			Venue:   a.id,
			OrderID: order.OrderID,
			Fill: &types.Fill{
				FillID:     fmt.Sprintf("%s-catchup-%d", remote.ID, seq),
				OrderID:    order.OrderID,
				Symbol:     order.Symbol,
				Venue:      a.id,
				Seq:        seq,
				Quantity:   missed,
				Price:      notional.Div(missed),
				ReceivedAt: time.Now(),
			},
		})
		a.mu.Lock()
		a.seq[order.OrderID] = seq
		a.mu.Unlock()
		logger.Info().Str("quantity", missed.String()).Msg("queued fill missed while offline")
	}
	switch remote.Status {
	case "filled":
		a.mu.Lock()
		delete(a.seq, order.OrderID)
		a.mu.Unlock()
	case "canceled", "expired":
		a.mu.Lock()
		delete(a.seq, order.OrderID)
		a.mu.Unlock()
		reports = append(reports, types.VenueReport{Kind: types.ReportCancelled, Venue: a.id, OrderID: order.OrderID})
	}

	a.mu.Lock()
	a.pending = append(a.pending, reports...)
	a.mu.Unlock()
	return nil
}

func (a *AlpacaVenue) handleTradeUpdate(tu alpaca.TradeUpdate) {
	orderID := tu.Order.ClientOrderID
	logger := log.With().Str("venue", a.id).Str("order_id", orderID).Str("event", tu.Event).Logger()

	switch tu.Event {
	case "fill", "partial_fill":
		if tu.Qty == nil || tu.Price == nil {
			logger.Warn().Msg("trade update without quantity or price")
			return
		}
		a.mu.Lock()
		a.seq[orderID]++
		seq := a.seq[orderID]
		if tu.Event == "fill" {
			delete(a.seq, orderID)
		}
		a.mu.Unlock()

		fillID := tu.ExecutionID
		if fillID == "" {
			fillID = fmt.Sprintf("%s-%d", tu.Order.ID, seq)
		}
		a.reports <- types.VenueReport{
			Kind:    types.ReportFill,
			Venue:   a.id,
			OrderID: orderID,
			Fill: &types.Fill{
				FillID:     fillID,
				OrderID:    orderID,
				Symbol:     tu.Order.Symbol,
				Venue:      a.id,
				Seq:        seq,
				Quantity:   *tu.Qty,
				Price:      *tu.Price,
				ReceivedAt: time.Now(),
			},
		}
	case "canceled", "expired":
		a.mu.Lock()
		delete(a.seq, orderID)
		a.mu.Unlock()
		a.reports <- types.VenueReport{Kind: types.ReportCancelled, Venue: a.id, OrderID: orderID}
	default:
		logger.Debug().Msg("ignoring trade update")
	}
}

func (a *AlpacaVenue) Submit(ctx context.Context, order *types.Order) (Ack, error) {
	qty := order.Remaining()
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.OrderID,
	}
	if order.Side == types.SideSell {
		req.Side = alpaca.Sell
	}
	if order.OrderType == types.OrderTypeLimit && order.Price != nil {
		price := *order.Price
		req.Type = alpaca.Limit
		req.LimitPrice = &price
	}

	placed, err := callWithContext(ctx, func() (*alpaca.Order, error) {
		return a.client.PlaceOrder(req)
	})
	if err != nil {
		return Ack{}, a.classify(err)
	}
	return Ack{VenueOrderID: placed.ID}, nil
}

func (a *AlpacaVenue) Cancel(ctx context.Context, order *types.Order) error {
	if order.VenueOrderID == "" {
		return ErrTooLateToCancel
	}
	_, err := callWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, a.client.CancelOrder(order.VenueOrderID)
	})
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return ErrTooLateToCancel
	}
	return a.classify(err)
}

// classify maps alpaca errors onto the router's error classes.
func (a *AlpacaVenue) classify(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: %v", ErrTransport, a.id, err)
	}
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %s", ErrFatal, a.id, apiErr.Message)
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: rate limited", ErrTransport, a.id)
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return &BusinessRejectError{Venue: a.id, Reason: apiErr.Message}
	default:
		return fmt.Errorf("%w: %s: %s", ErrTransport, a.id, apiErr.Message)
	}
}

// callWithContext bounds a blocking client call by ctx. The alpaca client
// has no per-call context, so an abandoned call finishes in the background.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
