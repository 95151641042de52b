package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-router/internal/types"
)

func nextReport(t *testing.T, ch <-chan types.VenueReport) types.VenueReport {
	t.Helper()
	select {
	case rep := <-ch:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for venue report")
		return types.VenueReport{}
	}
}

func TestSimulatedVenuePartialFillsInSequence(t *testing.T) {
	v := NewSimulatedVenue("SIM", SimulatedConfig{
		LiquidityFactor: 0.5,
		SuccessRate:     1,
		FeeRate:         0.001,
		Seed:            7,
	})
	o := testOrder("o1")
	o.Quantity = decimal.NewFromInt(8)

	_, err := v.Submit(context.Background(), o)
	require.NoError(t, err)

	total := decimal.Zero
	var last uint64
	for total.LessThan(o.Quantity) {
		rep := nextReport(t, v.Reports())
		require.Equal(t, types.ReportFill, rep.Kind)
		assert.Equal(t, last+1, rep.Fill.Seq)
		last = rep.Fill.Seq
		assert.True(t, rep.Fill.Fee.IsPositive())
		total = total.Add(rep.Fill.Quantity)
	}
	assert.True(t, total.Equal(o.Quantity), "fills sum to the order quantity, got %s", total)
	assert.False(t, v.Working("o1"))
}

func TestSimulatedVenueDownIsTransportFailure(t *testing.T) {
	v := NewSimulatedVenue("SIM", SimulatedConfig{SuccessRate: 1})
	v.SetDown(true)

	_, err := v.Submit(context.Background(), testOrder("o1"))
	assert.Equal(t, ClassTransport, Classify(err))

	err = v.Cancel(context.Background(), testOrder("o1"))
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestSimulatedVenueRejectsSymbol(t *testing.T) {
	v := NewSimulatedVenue("SIM", SimulatedConfig{SuccessRate: 1, RejectSymbols: []string{"BTCUSD"}})

	_, err := v.Submit(context.Background(), testOrder("o1"))
	assert.Equal(t, ClassBusiness, Classify(err))
}

func TestSimulatedVenueCancel(t *testing.T) {
	v := NewSimulatedVenue("SIM", SimulatedConfig{SuccessRate: 1, FillDelay: time.Hour})
	o := testOrder("o1")
	_, err := v.Submit(context.Background(), o)
	require.NoError(t, err)

	require.NoError(t, v.Cancel(context.Background(), o))
	assert.ErrorIs(t, v.Cancel(context.Background(), o), ErrTooLateToCancel)
}

func TestSimulatedVenueLateCancelIsReported(t *testing.T) {
	v := NewSimulatedVenue("SIM", SimulatedConfig{
		SuccessRate: 1,
		FillDelay:   time.Hour,
		MinLatency:  50 * time.Millisecond,
		MaxLatency:  50 * time.Millisecond,
	})
	o := testOrder("o1")
	_, err := v.Submit(context.Background(), o)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err = v.Cancel(ctx, o)
	assert.Equal(t, ClassTransport, Classify(err))

	rep := nextReport(t, v.Reports())
	assert.Equal(t, types.ReportCancelled, rep.Kind)
	assert.Equal(t, "o1", rep.OrderID)
}

func TestExecutionPriceRespectsLimit(t *testing.T) {
	o := testOrder("o1")
	limit := decimal.NewFromInt(100)
	o.Price = &limit

	assert.True(t, executionPrice(o, 0.02).Equal(limit), "buy never above limit")
	assert.True(t, executionPrice(o, -0.02).LessThan(limit))

	o.Side = types.SideSell
	assert.True(t, executionPrice(o, -0.02).Equal(limit), "sell never below limit")
}

func TestShadowVenueFillsAtReferencePrice(t *testing.T) {
	s := NewShadowVenue(0)
	o := testOrder("o1")

	ack, err := s.Submit(context.Background(), o)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.VenueOrderID)

	rep := nextReport(t, s.Reports())
	require.Equal(t, types.ReportFill, rep.Kind)
	assert.Equal(t, uint64(1), rep.Fill.Seq)
	assert.True(t, rep.Fill.Quantity.Equal(o.Quantity))
	assert.True(t, rep.Fill.Price.Equal(o.ReferencePrice))

	assert.ErrorIs(t, s.Cancel(context.Background(), o), ErrTooLateToCancel)
}

func TestNewAdapterFactory(t *testing.T) {
	a, err := NewAdapter(Config{ID: "EXCH1", Kind: KindSimulated})
	require.NoError(t, err)
	assert.Equal(t, "EXCH1", a.ID())

	_, err = NewAdapter(Config{ID: "LIVE", Kind: KindAlpaca})
	assert.Error(t, err, "alpaca needs credentials")

	_, err = NewAdapter(Config{ID: "X", Kind: "fix"})
	assert.Error(t, err)
}
