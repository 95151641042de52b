package trading

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-router/internal/types"
)

// Run consumes venue reports until ctx is cancelled. Reports are sharded by
// order id onto a fixed set of workers, so reports for one order are handled
// one at a time and in the order they were received.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	workers := make([]chan types.VenueReport, s.cfg.FillWorkers)
	for i := range workers {
		ch := make(chan types.VenueReport, 256)
		workers[i] = ch
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case rep := <-ch:
					s.HandleReport(ctx, rep)
				}
			}
		})
	}

	g.Go(func() error {
		in := s.router.Reports()
		for {
			select {
			case <-ctx.Done():
				return nil
			case rep, ok := <-in:
				if !ok {
					return nil
				}
				select {
				case workers[workerFor(rep.OrderID, len(workers))] <- rep:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})

	log.Info().Int("workers", len(workers)).Msg("fill dispatcher running")
	return g.Wait()
}

func workerFor(orderID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return int(h.Sum32() % uint32(n))
}

// HandleReport applies one venue report to its order.
func (s *Service) HandleReport(ctx context.Context, rep types.VenueReport) {
	e, ok := s.ledger.Get(rep.OrderID)
	if !ok {
		log.Warn().
			Str("order_id", rep.OrderID).
			Str("venue", rep.Venue).
			Str("kind", string(rep.Kind)).
			Msg("venue report for unknown order dropped")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch rep.Kind {
	case types.ReportFill:
		s.applyFill(ctx, e, rep)
	case types.ReportCancelled:
		s.applyVenueCancel(ctx, e, rep)
	default:
		log.Warn().Str("order_id", rep.OrderID).Str("kind", string(rep.Kind)).Msg("unknown venue report kind")
	}
}

// applyFill applies a fill iff it is the next in sequence for its venue and
// order. Duplicates are dropped; anything else flags the order for review
// and leaves its state untouched.
//
// A cancel acknowledged by the venue does not undo executions the venue
// reported before it processed the cancel, so an in-sequence fill from the
// owning venue still counts against a CANCELLED order. Its status stays
// CANCELLED. Caller holds e.mu.
func (s *Service) applyFill(ctx context.Context, e *entry, rep types.VenueReport) {
	o := e.order
	f := rep.Fill
	logger := log.With().
		Str("order_id", o.OrderID).
		Str("venue", rep.Venue).
		Logger()

	if f == nil {
		s.anomaly(ctx, e, "fill report without fill")
		return
	}
	last := e.lastSeq[rep.Venue]
	if f.Seq != 0 && f.Seq <= last {
		logger.Debug().Uint64("seq", f.Seq).Uint64("last_seq", last).Msg("duplicate fill dropped")
		return
	}

	late := o.Status == types.StatusCancelled
	switch {
	case f.Seq != last+1:
		s.anomaly(ctx, e, fmt.Sprintf("out of order fill from %s: seq %d, expected %d", rep.Venue, f.Seq, last+1))
		return
	case rep.Venue != o.Venue:
		s.anomaly(ctx, e, fmt.Sprintf("fill from %s for order routed to %s", rep.Venue, o.Venue))
		return
	case !o.Status.IsWorking() && !late:
		s.anomaly(ctx, e, fmt.Sprintf("fill received in state %s", o.Status))
		return
	case !f.Quantity.IsPositive():
		s.anomaly(ctx, e, fmt.Sprintf("fill with non-positive quantity %s", f.Quantity))
		return
	case o.FilledQuantity.Add(f.Quantity).GreaterThan(o.Quantity):
		s.anomaly(ctx, e, fmt.Sprintf("fill of %s would overfill order (%s of %s filled)", f.Quantity, o.FilledQuantity, o.Quantity))
		return
	}

	filled := o.FilledQuantity.Add(f.Quantity)
	avg := o.AvgFillPrice.Mul(o.FilledQuantity).Add(f.Price.Mul(f.Quantity)).Div(filled)
	next := o.Status
	if !late {
		next = types.StatusPartiallyFilled
		if filled.Equal(o.Quantity) {
			next = types.StatusFilled
		}
		if !o.Status.CanTransition(next) {
			s.anomaly(ctx, e, fmt.Sprintf("fill cannot move order from %s to %s", o.Status, next))
			return
		}
	}

	f.OrderID = o.OrderID
	f.Account = o.Account
	f.Symbol = o.Symbol
	f.Side = o.Side
	f.Venue = rep.Venue
	err := s.write(ctx, e, types.EventFill, f.FillID, f, func(o *types.Order) {
		o.Status = next
		o.FilledQuantity = filled
		o.AvgFillPrice = avg
		if next == types.StatusFilled {
			o.CancelPending = false
		}
	})
	if err != nil {
		logger.Error().Err(err).Uint64("seq", f.Seq).Msg("failed to persist fill")
		s.anomaly(ctx, e, "fill could not be persisted: "+err.Error())
		return
	}
	e.lastSeq[rep.Venue] = f.Seq

	s.cache.ApplyFill(o.Account, o.Symbol, o.Side, f.Quantity, f.Price)
	switch {
	case late:
		// The reservation went with the cancel.
	case next == types.StatusFilled:
		s.cache.Release(o.OrderID, o.Account)
	default:
		s.cache.Consume(o.OrderID, o.Account, f.Quantity.Mul(o.ReferencePrice))
	}

	event := logger.Info()
	if late {
		event = logger.Warn()
	}
	event.
		Uint64("seq", f.Seq).
		Str("quantity", f.Quantity.String()).
		Str("price", f.Price.String()).
		Str("filled", filled.String()).
		Str("status", string(next)).
		Bool("after_cancel", late).
		Msg("fill applied")
}

// applyVenueCancel completes a cancel confirmed asynchronously by the venue,
// typically one that timed out earlier. Caller holds e.mu.
func (s *Service) applyVenueCancel(ctx context.Context, e *entry, rep types.VenueReport) {
	o := e.order
	if o.Status.IsTerminal() {
		log.Debug().Str("order_id", o.OrderID).Str("status", string(o.Status)).Msg("venue cancel for terminal order ignored")
		return
	}
	if rep.Venue != o.Venue {
		s.anomaly(ctx, e, fmt.Sprintf("cancel from %s for order routed to %s", rep.Venue, o.Venue))
		return
	}
	if err := s.cancelled(ctx, e, "cancel confirmed by "+rep.Venue); err != nil {
		log.Error().Err(err).Str("order_id", o.OrderID).Msg("failed to record venue cancel")
		return
	}
	log.Info().Str("order_id", o.OrderID).Str("venue", rep.Venue).Msg("venue confirmed cancel")
}

// anomaly flags the order for manual review without changing its state.
// Caller holds e.mu.
func (s *Service) anomaly(ctx context.Context, e *entry, reason string) {
	log.Warn().
		Str("order_id", e.order.OrderID).
		Str("status", string(e.order.Status)).
		Str("reason", reason).
		Msg("order anomaly, flagged for review")
	err := s.save(ctx, e, types.EventAnomaly, reason, func(o *types.Order) {
		o.NeedsReview = true
		o.ReviewReason = reason
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", e.order.OrderID).Msg("failed to flag order for review")
	}
}
