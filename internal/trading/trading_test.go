package trading

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-router/internal/database"
	"github.com/ksred/klear-router/internal/exposure"
	"github.com/ksred/klear-router/internal/risk"
	"github.com/ksred/klear-router/internal/types"
	"github.com/ksred/klear-router/internal/venue"
)

type fakeRouter struct {
	reports chan types.VenueReport
	route   func(o *types.Order, exclude []string) venue.Result
	cancel  func(o *types.Order) error
	resume  func(o *types.Order, lastSeq uint64) error

	routed  atomic.Int32
	cancels atomic.Int32
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{reports: make(chan types.VenueReport, 16)}
}

func (r *fakeRouter) Route(_ context.Context, o *types.Order, exclude []string) venue.Result {
	r.routed.Add(1)
	if r.route != nil {
		return r.route(o, exclude)
	}
	return venue.Result{Venue: "EXCH1", Outcome: venue.OutcomeAccepted, VenueOrderID: "v-" + o.OrderID}
}

func (r *fakeRouter) Cancel(_ context.Context, o *types.Order) error {
	r.cancels.Add(1)
	if r.cancel != nil {
		return r.cancel(o)
	}
	return nil
}

func (r *fakeRouter) Resume(_ context.Context, o *types.Order, lastSeq uint64) error {
	if r.resume != nil {
		return r.resume(o, lastSeq)
	}
	return nil
}

func (r *fakeRouter) Reports() <-chan types.VenueReport {
	return r.reports
}

type recordingEvents struct {
	mu     sync.Mutex
	events []types.OrderEvent
}

func (p *recordingEvents) Broadcast(ev *types.OrderEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
}

func (p *recordingEvents) kinds(orderID string) []types.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.EventType
	for _, ev := range p.events {
		if ev.OrderID == orderID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type harness struct {
	svc    *Service
	db     *gorm.DB
	cache  *exposure.Cache
	limits *risk.LimitsStore
	gate   *risk.Gate
	router *fakeRouter
	events *recordingEvents
}

func testLimits(t *testing.T) *risk.Limits {
	t.Helper()
	l, err := risk.LimitsFile{
		MaxNotional:        1000,
		MaxOpenPositions:   10,
		MaxOrderQuantity:   100,
		LargeOrderQuantity: 50,
		WarningBuffer:      0.05,
		Symbols: map[string]risk.SymbolLimitFile{
			"BTCUSD": {ReferencePrice: 100},
			"ETHUSD": {ReferencePrice: 10},
		},
	}.Build()
	require.NoError(t, err)
	return l
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	return newHarnessOn(t, db)
}

func newHarnessOn(t *testing.T, db *gorm.DB) *harness {
	t.Helper()
	h := &harness{
		db:     db,
		cache:  exposure.NewCache(8),
		limits: risk.NewLimitsStore(testLimits(t)),
		router: newFakeRouter(),
		events: &recordingEvents{},
	}
	h.gate = risk.NewGate(h.limits, h.cache, 500*time.Millisecond)
	h.svc = NewService(db, h.gate, h.limits, h.cache, h.router, h.events, DefaultConfig())
	return h
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func limitBuy(key, qty, price string) SubmitRequest {
	p := d(price)
	return SubmitRequest{
		Account:        "acct1",
		ClientOrderKey: key,
		Symbol:         "BTCUSD",
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeLimit,
		Quantity:       d(qty),
		Price:          &p,
	}
}

func fillReport(orderID, venueID string, seq uint64, qty, price string) types.VenueReport {
	return types.VenueReport{
		Kind:    types.ReportFill,
		Venue:   venueID,
		OrderID: orderID,
		Fill: &types.Fill{
			FillID:     uuid.New().String(),
			Seq:        seq,
			Quantity:   d(qty),
			Price:      d(price),
			ReceivedAt: time.Now(),
		},
	}
}

func (h *harness) submit(t *testing.T, req SubmitRequest) *types.Order {
	t.Helper()
	o, replayed, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, replayed)
	return o
}

func TestSubmitRoutesOrder(t *testing.T) {
	h := newHarness(t)

	o := h.submit(t, limitBuy("key-1", "1", "100"))

	assert.Equal(t, types.StatusRouted, o.Status)
	assert.Equal(t, "EXCH1", o.Venue)
	assert.Equal(t, types.TierLow, o.RiskTier)
	assert.True(t, o.ReferencePrice.Equal(d("100")))
	assert.True(t, h.cache.Reserved(o.OrderID, "acct1").Equal(d("100")))
	assert.Equal(t, []types.EventType{types.EventAccepted, types.EventRouted}, h.events.kinds(o.OrderID))

	stored, err := h.svc.Database().GetOrder(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRouted, stored.Status)
	assert.Equal(t, o.Version, stored.Version)
}

func TestSubmitIdempotentUnderConcurrency(t *testing.T) {
	h := newHarness(t)

	const callers = 16
	var wg sync.WaitGroup
	orders := make([]*types.Order, callers)
	replays := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, replayed, err := h.svc.Submit(context.Background(), limitBuy("key-1", "1", "100"))
			assert.NoError(t, err)
			orders[i] = o
			replays[i] = replayed
		}()
	}
	wg.Wait()

	created := 0
	for i := range orders {
		require.NotNil(t, orders[i])
		assert.Equal(t, orders[0].OrderID, orders[i].OrderID)
		if !replays[i] {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.EqualValues(t, 1, h.router.routed.Load())

	var count int64
	require.NoError(t, h.db.Model(&types.Order{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSubmitReplayAfterRestart(t *testing.T) {
	h := newHarness(t)
	first := h.submit(t, limitBuy("key-1", "1", "100"))

	// A fresh service over the same database sees the key through the
	// persisted idempotency record.
	h2 := newHarnessOn(t, h.db)
	again, replayed, err := h2.svc.Submit(context.Background(), limitBuy("key-1", "1", "100"))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Zero(t, h2.router.routed.Load())
}

func TestSubmitSameKeyDifferentAccounts(t *testing.T) {
	h := newHarness(t)
	a := h.submit(t, limitBuy("key-1", "1", "100"))
	req := limitBuy("key-1", "1", "100")
	req.Account = "acct2"
	b := h.submit(t, req)
	assert.NotEqual(t, a.OrderID, b.OrderID)
}

func TestSubmitInvalidRequest(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.Submit(context.Background(), SubmitRequest{Account: "acct1", Symbol: "BTCUSD"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitFailsClosedOnRiskTimeout(t *testing.T) {
	h := newHarness(t)
	gate := risk.NewGate(h.limits, h.cache, 2*time.Millisecond).
		WithEvaluator(func(req risk.Request, v exposure.View, l *risk.Limits) risk.Decision {
			time.Sleep(50 * time.Millisecond)
			return risk.Evaluate(req, v, l)
		})
	h.svc = NewService(h.db, gate, h.limits, h.cache, h.router, h.events, DefaultConfig())

	o := h.submit(t, limitBuy("key-1", "1", "100"))

	assert.Equal(t, types.StatusRejected, o.Status)
	assert.Equal(t, types.RejectRiskTimeout, o.RejectCode)
	assert.Equal(t, types.TierCritical, o.RiskTier)
	assert.Zero(t, h.router.routed.Load())
	assert.True(t, h.cache.Reserved(o.OrderID, "acct1").IsZero())
}

func TestSubmitFailsClosedWhenExposureUnavailable(t *testing.T) {
	h := newHarness(t)
	h.cache.SetAvailable(false)

	o := h.submit(t, limitBuy("key-1", "1", "100"))

	assert.Equal(t, types.StatusRejected, o.Status)
	assert.Equal(t, types.RejectExposureUnavailable, o.RejectCode)
	assert.Zero(t, h.router.routed.Load())
}

func TestSubmitLimitBreach(t *testing.T) {
	h := newHarness(t)
	h.cache.Load(exposure.Position{
		Account:     "acct1",
		Symbol:      "BTCUSD",
		NetQuantity: d("9.5"),
		NetNotional: d("950"),
		FillCount:   1,
	})

	o := h.submit(t, limitBuy("key-1", "1", "100"))

	assert.Equal(t, types.StatusRejected, o.Status)
	assert.Equal(t, types.RejectExposureLimit, o.RejectCode)
	assert.Equal(t, types.TierCritical, o.RiskTier)
	assert.Contains(t, o.RejectReason, "exceeds exposure limit")
	assert.Equal(t, []types.EventType{types.EventRejected}, h.events.kinds(o.OrderID))
}

func TestSubmitInFlightReservationsCount(t *testing.T) {
	h := newHarness(t)

	// Nine routed orders of 100 each hold 900 of the 1000 limit.
	for i := 0; i < 9; i++ {
		o := h.submit(t, limitBuy(fmt.Sprintf("key-%d", i), "1", "100"))
		require.Equal(t, types.StatusRouted, o.Status)
	}
	o := h.submit(t, limitBuy("key-last", "2", "100"))
	assert.Equal(t, types.StatusRejected, o.Status)
	assert.Equal(t, types.RejectExposureLimit, o.RejectCode)
}

func TestRouteFailsOverToNextVenue(t *testing.T) {
	h := newHarness(t)
	var excludes [][]string
	h.router.route = func(o *types.Order, exclude []string) venue.Result {
		excludes = append(excludes, append([]string(nil), exclude...))
		if len(exclude) == 0 {
			return venue.Result{Venue: "EXCH1", Outcome: venue.OutcomeVenueRejected, Err: venue.ErrTransport, Retryable: true}
		}
		return venue.Result{Venue: "EXCH2", Outcome: venue.OutcomeAccepted, VenueOrderID: "x"}
	}

	o := h.submit(t, limitBuy("key-1", "1", "100"))

	assert.Equal(t, types.StatusRouted, o.Status)
	assert.Equal(t, "EXCH2", o.Venue)
	assert.Equal(t, [][]string{nil, {"EXCH1"}}, excludes)
}

func TestRouteRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.router.route = func(o *types.Order, exclude []string) venue.Result {
		return venue.Result{Venue: fmt.Sprintf("V%d", len(exclude)), Outcome: venue.OutcomeVenueRejected, Err: venue.ErrTransport, Retryable: true}
	}

	o := h.submit(t, limitBuy("key-1", "1", "100"))

	assert.Equal(t, types.StatusRejected, o.Status)
	assert.Equal(t, types.RejectNoVenue, o.RejectCode)
	assert.EqualValues(t, DefaultConfig().RetryBudget+1, h.router.routed.Load())
	assert.True(t, h.cache.Reserved(o.OrderID, "acct1").IsZero())
}

func TestRouteBusinessRejectIsFinal(t *testing.T) {
	h := newHarness(t)
	h.router.route = func(o *types.Order, exclude []string) venue.Result {
		return venue.Result{Venue: "EXCH1", Outcome: venue.OutcomeVenueRejected, Err: &venue.BusinessRejectError{Venue: "EXCH1", Reason: "halted"}}
	}

	o := h.submit(t, limitBuy("key-1", "1", "100"))

	assert.Equal(t, types.StatusRejected, o.Status)
	assert.Equal(t, types.RejectVenue, o.RejectCode)
	assert.EqualValues(t, 1, h.router.routed.Load())
}

func TestNoVenueAvailable(t *testing.T) {
	h := newHarness(t)
	h.router.route = func(o *types.Order, exclude []string) venue.Result {
		return venue.Result{Outcome: venue.OutcomeNoVenueAvailable}
	}

	o := h.submit(t, limitBuy("key-1", "1", "100"))

	assert.Equal(t, types.RejectNoVenue, o.RejectCode)
	assert.Equal(t, types.TierCritical, o.RiskTier)
}

func TestFillsApplyInSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.submit(t, limitBuy("key-1", "2", "100"))

	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 1, "1", "100"))
	got, err := h.svc.GetOrder(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("1")))
	assert.True(t, h.cache.Reserved(o.OrderID, "acct1").Equal(d("100")))
	version := got.Version

	// Duplicate delivery changes nothing.
	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 1, "1", "100"))
	got, _ = h.svc.GetOrder(o.OrderID)
	assert.Equal(t, version, got.Version)
	assert.False(t, got.NeedsReview)

	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 2, "1", "102"))
	got, _ = h.svc.GetOrder(o.OrderID)
	assert.Equal(t, types.StatusFilled, got.Status)
	assert.True(t, got.AvgFillPrice.Equal(d("101")))
	assert.True(t, h.cache.Reserved(o.OrderID, "acct1").IsZero())

	pos := h.cache.Position("acct1", "BTCUSD")
	assert.True(t, pos.NetQuantity.Equal(d("2")))
	assert.True(t, pos.NetNotional.Equal(d("202")))

	fills, err := h.svc.Database().FillsForOrder(o.OrderID)
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	assert.Equal(t, []types.EventType{
		types.EventAccepted, types.EventRouted, types.EventFill, types.EventFill,
	}, h.events.kinds(o.OrderID))
}

func TestOutOfOrderFillFlagsOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.submit(t, limitBuy("key-1", "2", "100"))

	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 2, "1", "100"))

	got, _ := h.svc.GetOrder(o.OrderID)
	assert.Equal(t, types.StatusRouted, got.Status)
	assert.True(t, got.FilledQuantity.IsZero())
	assert.True(t, got.NeedsReview)
	assert.Contains(t, got.ReviewReason, "out of order")
	assert.Contains(t, h.events.kinds(o.OrderID), types.EventAnomaly)
	assert.True(t, h.cache.Position("acct1", "BTCUSD").NetQuantity.IsZero())
}

func TestFillAnomalies(t *testing.T) {
	tests := []struct {
		name   string
		report func(orderID string) types.VenueReport
		reason string
	}{
		{"overfill", func(id string) types.VenueReport { return fillReport(id, "EXCH1", 1, "3", "100") }, "overfill"},
		{"wrong venue", func(id string) types.VenueReport { return fillReport(id, "EXCH2", 1, "1", "100") }, "routed to EXCH1"},
		{"zero quantity", func(id string) types.VenueReport { return fillReport(id, "EXCH1", 1, "0", "100") }, "non-positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			o := h.submit(t, limitBuy("key-1", "2", "100"))

			h.svc.HandleReport(context.Background(), tt.report(o.OrderID))

			got, _ := h.svc.GetOrder(o.OrderID)
			assert.Equal(t, types.StatusRouted, got.Status)
			assert.True(t, got.FilledQuantity.IsZero())
			assert.True(t, got.NeedsReview)
			assert.Contains(t, got.ReviewReason, tt.reason)
		})
	}
}

func TestQuantityBoundEnforcedOnWrite(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, limitBuy("key-1", "2", "100"))

	e, ok := h.svc.ledger.Get(o.OrderID)
	require.True(t, ok)
	e.mu.Lock()
	err := h.svc.save(context.Background(), e, types.EventFill, "", func(o *types.Order) {
		o.FilledQuantity = d("3")
	})
	e.mu.Unlock()

	assert.ErrorIs(t, err, ErrQuantityBound)
	got, _ := h.svc.GetOrder(o.OrderID)
	assert.True(t, got.FilledQuantity.IsZero())
	assert.Equal(t, o.Version, got.Version)
}

func TestCancelWorkingOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.submit(t, limitBuy("key-1", "1", "100"))

	outcome, got, err := h.svc.Cancel(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.CancelDone, outcome)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.True(t, h.cache.Reserved(o.OrderID, "acct1").IsZero())

	outcome, _, err = h.svc.Cancel(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.CancelAlreadyTerminal, outcome)
	assert.EqualValues(t, 1, h.router.cancels.Load())
}

func TestCancelTooLate(t *testing.T) {
	h := newHarness(t)
	h.router.cancel = func(*types.Order) error { return venue.ErrTooLateToCancel }
	o := h.submit(t, limitBuy("key-1", "1", "100"))

	outcome, got, err := h.svc.Cancel(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.CancelTooLate, outcome)
	assert.Equal(t, types.StatusRouted, got.Status)
}

func TestCancelPendingCompletedByVenue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.cancel = func(*types.Order) error { return fmt.Errorf("%w: timeout", venue.ErrTransport) }
	o := h.submit(t, limitBuy("key-1", "1", "100"))

	outcome, got, err := h.svc.Cancel(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.CancelPending, outcome)
	assert.Equal(t, types.StatusRouted, got.Status)
	assert.True(t, got.CancelPending)

	h.svc.HandleReport(ctx, types.VenueReport{Kind: types.ReportCancelled, Venue: "EXCH1", OrderID: o.OrderID})

	got, _ = h.svc.GetOrder(o.OrderID)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.False(t, got.CancelPending)
	assert.True(t, h.cache.Reserved(o.OrderID, "acct1").IsZero())
	assert.Contains(t, h.events.kinds(o.OrderID), types.EventCancelPending)
}

func TestCancelUnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelRaceHasOneOutcome(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		o := h.submit(t, limitBuy("key-1", "1", "100"))

		var (
			wg      sync.WaitGroup
			outcome types.CancelOutcome
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			outcome, _, _ = h.svc.Cancel(ctx, o.OrderID)
		}()
		go func() {
			defer wg.Done()
			h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 1, "1", "100"))
		}()
		wg.Wait()

		got, err := h.svc.GetOrder(o.OrderID)
		require.NoError(t, err)
		switch outcome {
		case types.CancelDone:
			// The fill executed before the venue processed the cancel, so it
			// counts even though the cancel was acknowledged first.
			assert.Equal(t, types.StatusCancelled, got.Status)
			assert.True(t, got.FilledQuantity.Equal(d("1")))
			assert.False(t, got.NeedsReview)
		case types.CancelAlreadyTerminal:
			assert.Equal(t, types.StatusFilled, got.Status)
			assert.True(t, got.FilledQuantity.Equal(d("1")))
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
		assert.True(t, h.cache.Reserved(o.OrderID, "acct1").IsZero())
		assert.True(t, h.cache.Position("acct1", "BTCUSD").NetQuantity.Equal(d("1")))
	}
}

func TestFillAfterCancelAckCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.submit(t, limitBuy("key-1", "2", "100"))

	outcome, _, err := h.svc.Cancel(ctx, o.OrderID)
	require.NoError(t, err)
	require.Equal(t, types.CancelDone, outcome)

	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 1, "1", "101"))

	got, err := h.svc.GetOrder(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("1")))
	assert.True(t, got.AvgFillPrice.Equal(d("101")))
	assert.False(t, got.NeedsReview)
	assert.True(t, h.cache.Reserved(o.OrderID, "acct1").IsZero())

	pos := h.cache.Position("acct1", "BTCUSD")
	assert.True(t, pos.NetQuantity.Equal(d("1")))

	fills, err := h.svc.Database().FillsForOrder(o.OrderID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
	assert.Equal(t, []types.EventType{
		types.EventAccepted, types.EventRouted, types.EventCancelled, types.EventFill,
	}, h.events.kinds(o.OrderID))

	// Sequencing still applies after the cancel.
	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 1, "1", "101"))
	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 3, "1", "101"))
	got, _ = h.svc.GetOrder(o.OrderID)
	assert.True(t, got.FilledQuantity.Equal(d("1")))
	assert.True(t, got.NeedsReview)
	assert.Contains(t, got.ReviewReason, "out of order")
}

func TestFillAfterCancelFromOtherVenueFlagged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.submit(t, limitBuy("key-1", "2", "100"))
	_, _, err := h.svc.Cancel(ctx, o.OrderID)
	require.NoError(t, err)

	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH2", 1, "1", "100"))

	got, _ := h.svc.GetOrder(o.OrderID)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.True(t, got.FilledQuantity.IsZero())
	assert.True(t, got.NeedsReview)
}

func TestFillOnRejectedOrderFlagged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.route = func(o *types.Order, exclude []string) venue.Result {
		return venue.Result{Outcome: venue.OutcomeNoVenueAvailable}
	}
	o := h.submit(t, limitBuy("key-1", "1", "100"))
	require.Equal(t, types.StatusRejected, o.Status)

	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 1, "1", "100"))

	got, _ := h.svc.GetOrder(o.OrderID)
	assert.Equal(t, types.StatusRejected, got.Status)
	assert.True(t, got.FilledQuantity.IsZero())
	assert.True(t, got.NeedsReview)
	assert.Contains(t, got.ReviewReason, "routed to")
}

func TestSimulatedVenueFillRacingCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Thin liquidity makes the first fill partial, and the fill delay keeps
	// the rest working long enough for the cancel to be acknowledged.
	sim := venue.NewSimulatedVenue("SIM", venue.SimulatedConfig{
		LiquidityFactor: 0.001,
		SuccessRate:     1,
		FillDelay:       50 * time.Millisecond,
		Seed:            42,
	})
	router := venue.NewRouter(venue.Options{Mode: venue.ModeLive}, nil)
	router.AddVenue(sim, venue.Config{ID: "SIM", Timeout: time.Second})
	router.SetRoutes(&venue.RouteTable{Default: []string{"SIM"}})
	h.svc = NewService(h.db, h.gate, h.limits, h.cache, router, h.events, DefaultConfig())

	o := h.submit(t, limitBuy("key-1", "5", "100"))
	require.Equal(t, "SIM", o.Venue)

	var first types.VenueReport
	select {
	case first = <-sim.Reports():
	case <-time.After(2 * time.Second):
		t.Fatal("no fill from simulated venue")
	}
	require.Equal(t, types.ReportFill, first.Kind)
	require.True(t, first.Fill.Quantity.LessThan(d("5")), "first fill is partial")

	// The fill is in flight when the cancel is acknowledged.
	outcome, got, err := h.svc.Cancel(ctx, o.OrderID)
	require.NoError(t, err)
	require.Equal(t, types.CancelDone, outcome)
	require.True(t, got.FilledQuantity.IsZero())
	assert.False(t, sim.Working(o.OrderID))

	h.svc.HandleReport(ctx, first)

	got, err = h.svc.GetOrder(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(first.Fill.Quantity))
	assert.False(t, got.NeedsReview)
	assert.True(t, h.cache.Position("acct1", "BTCUSD").NetQuantity.Equal(first.Fill.Quantity))

	stored, err := h.svc.Database().GetOrder(o.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.FilledQuantity.Equal(first.Fill.Quantity))
	fills, err := h.svc.Database().FillsForOrder(o.OrderID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func outboxRows(t *testing.T, db *gorm.DB, orderID string) []types.OrderEvent {
	t.Helper()
	var rows []types.OrderEvent
	require.NoError(t, db.Where("order_id = ?", orderID).Order("id").Find(&rows).Error)
	return rows
}

func TestTransitionsWrittenToOutbox(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, limitBuy("key-1", "1", "100"))
	h.svc.HandleReport(context.Background(), fillReport(o.OrderID, "EXCH1", 1, "1", "100"))

	rows := outboxRows(t, h.db, o.OrderID)
	require.Len(t, rows, 3)
	var versions []int64
	for _, ev := range rows {
		versions = append(versions, ev.Version)
	}
	assert.Equal(t, []int64{2, 3, 4}, versions)
	assert.Equal(t, types.StatusFilled, rows[2].Status)
	assert.Equal(t, h.events.kinds(o.OrderID), []types.EventType{rows[0].Type, rows[1].Type, rows[2].Type})
}

func TestOrderWriteRolledBackWithOutbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.submit(t, limitBuy("key-1", "2", "100"))
	broadcast := len(h.events.kinds(o.OrderID))

	require.NoError(t, h.db.Migrator().DropTable(&types.OrderEvent{}))

	e, ok := h.svc.ledger.Get(o.OrderID)
	require.True(t, ok)
	e.mu.Lock()
	err := h.svc.save(ctx, e, types.EventCancelPending, "", func(o *types.Order) {
		o.CancelPending = true
	})
	e.mu.Unlock()
	require.Error(t, err)

	got, _ := h.svc.GetOrder(o.OrderID)
	assert.False(t, got.CancelPending)
	assert.Equal(t, o.Version, got.Version)
	stored, err := h.svc.Database().GetOrder(o.OrderID)
	require.NoError(t, err)
	assert.False(t, stored.CancelPending)
	assert.Equal(t, o.Version, stored.Version)

	// A fill is not stored either, and is applied once the outbox is back.
	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 1, "1", "100"))
	fills, err := h.svc.Database().FillsForOrder(o.OrderID)
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.True(t, h.cache.Position("acct1", "BTCUSD").NetQuantity.IsZero())
	assert.Len(t, h.events.kinds(o.OrderID), broadcast)

	require.NoError(t, h.db.AutoMigrate(&types.OrderEvent{}))
	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 1, "1", "100"))
	got, _ = h.svc.GetOrder(o.OrderID)
	assert.Equal(t, types.StatusPartiallyFilled, got.Status)
	assert.True(t, h.cache.Position("acct1", "BTCUSD").NetQuantity.Equal(d("1")))
	assert.Len(t, outboxRows(t, h.db, o.OrderID), 1)
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	working := h.submit(t, limitBuy("key-1", "2", "100"))
	h.svc.HandleReport(ctx, fillReport(working.OrderID, "EXCH1", 1, "1", "100"))

	stranded := &types.Order{
		OrderID:        uuid.New().String(),
		Account:        "acct1",
		ClientOrderKey: "key-2",
		Symbol:         "BTCUSD",
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeMarket,
		Quantity:       d("1"),
		Status:         types.StatusRiskChecked,
		Version:        2,
	}
	require.NoError(t, h.svc.Database().CreateOrderWithIdempotency(stranded))

	r := newHarnessOn(t, h.db)
	require.NoError(t, r.svc.Recover(ctx))

	got, err := r.svc.GetOrder(stranded.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, got.Status)
	assert.Equal(t, types.RejectInterrupted, got.RejectCode)

	pos := r.cache.Position("acct1", "BTCUSD")
	assert.True(t, pos.NetQuantity.Equal(d("1")))
	mark, ok := r.cache.Mark("BTCUSD")
	assert.True(t, ok)
	assert.True(t, mark.Equal(d("100")))
	assert.True(t, r.cache.Reserved(working.OrderID, "acct1").Equal(d("100")))

	// Sequence state survived: the old fill is a duplicate, the next applies.
	r.svc.HandleReport(ctx, fillReport(working.OrderID, "EXCH1", 1, "1", "100"))
	got, _ = r.svc.GetOrder(working.OrderID)
	assert.Equal(t, types.StatusPartiallyFilled, got.Status)
	assert.False(t, got.NeedsReview)

	r.svc.HandleReport(ctx, fillReport(working.OrderID, "EXCH1", 2, "1", "100"))
	got, _ = r.svc.GetOrder(working.OrderID)
	assert.Equal(t, types.StatusFilled, got.Status)

	// Replays of recovered keys do not create new orders.
	again, replayed, err := r.svc.Submit(ctx, limitBuy("key-1", "2", "100"))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, working.OrderID, again.OrderID)
}

func TestRecoverExpiresOrdersVenueCannotResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.submit(t, limitBuy("key-1", "2", "100"))
	h.svc.HandleReport(ctx, fillReport(o.OrderID, "EXCH1", 1, "1", "100"))

	r := newHarnessOn(t, h.db)
	var resumedAt uint64
	r.router.resume = func(o *types.Order, lastSeq uint64) error {
		resumedAt = lastSeq
		return fmt.Errorf("%w: EXCH1", venue.ErrNotResumable)
	}
	require.NoError(t, r.svc.Recover(ctx))
	assert.Equal(t, uint64(1), resumedAt)

	got, err := r.svc.GetOrder(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("1")))
	assert.True(t, r.cache.Reserved(o.OrderID, "acct1").IsZero())
	assert.True(t, r.cache.Position("acct1", "BTCUSD").NetQuantity.Equal(d("1")))

	open, err := r.svc.Database().OpenOrders()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRecoverFlagsOrderWhenResumeFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.submit(t, limitBuy("key-1", "2", "100"))

	r := newHarnessOn(t, h.db)
	r.router.resume = func(*types.Order, uint64) error {
		return fmt.Errorf("%w: connection refused", venue.ErrTransport)
	}
	require.NoError(t, r.svc.Recover(ctx))

	got, err := r.svc.GetOrder(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRouted, got.Status)
	assert.True(t, got.NeedsReview)
	assert.Contains(t, got.ReviewReason, "could not resume")
	assert.True(t, r.cache.Reserved(o.OrderID, "acct1").Equal(d("200")))
}

func TestRunDispatchesReports(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, limitBuy("key-1", "1", "100"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	h.router.reports <- fillReport(o.OrderID, "EXCH1", 1, "1", "100")

	require.Eventually(t, func() bool {
		got, err := h.svc.GetOrder(o.OrderID)
		return err == nil && got.Status == types.StatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestWorkerForIsStable(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := uuid.New().String()
		w := workerFor(id, 8)
		assert.Equal(t, w, workerFor(id, 8))
		assert.True(t, w >= 0 && w < 8)
	}
}
