package trading

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-router/internal/exposure"
	"github.com/ksred/klear-router/internal/types"
	"github.com/ksred/klear-router/internal/venue"
)

// Recover rebuilds in-memory state from the database. It must run before
// the service accepts orders or venue reports.
//
// Exposure is folded from the full fill history. Orders that never reached a
// venue are rejected as interrupted. Working orders are handed back to their
// venue and re-reserved; those whose venue lost them with the previous
// process are cancelled, since no further report will ever arrive for them.
func (s *Service) Recover(ctx context.Context) error {
	fills, err := s.db.AllFills()
	if err != nil {
		return err
	}
	for _, p := range exposure.Fold(fills) {
		s.cache.Load(p)
	}
	lastSeq := make(map[string]map[string]uint64)
	for _, f := range fills {
		if lastSeq[f.OrderID] == nil {
			lastSeq[f.OrderID] = make(map[string]uint64)
		}
		if f.Seq > lastSeq[f.OrderID][f.Venue] {
			lastSeq[f.OrderID][f.Venue] = f.Seq
		}
		s.cache.SetMark(f.Symbol, f.Price)
	}

	open, err := s.db.OpenOrders()
	if err != nil {
		return err
	}

	var interrupted, resumed, expired int
	for i := range open {
		o := &open[i]
		e := s.ledger.Adopt(o, lastSeq[o.OrderID])

		e.mu.Lock()
		switch {
		case !o.Status.IsWorking():
			s.reject(ctx, e, types.RejectInterrupted, "order interrupted before routing", "")
			interrupted++
		default:
			if s.resume(ctx, e, lastSeq[o.OrderID][o.Venue]) {
				resumed++
			} else {
				expired++
			}
		}
		e.mu.Unlock()
	}

	log.Info().
		Int("fills", len(fills)).
		Int("resumed", resumed).
		Int("expired", expired).
		Int("interrupted", interrupted).
		Msg("order state recovered")
	return nil
}

// resume re-attaches a working order to its venue and reports whether it is
// still working. Caller holds e.mu.
func (s *Service) resume(ctx context.Context, e *entry, lastSeq uint64) bool {
	o := e.order
	logger := log.With().Str("order_id", o.OrderID).Str("venue", o.Venue).Logger()

	err := s.router.Resume(ctx, o.Clone(), lastSeq)
	switch {
	case err == nil:
	case errors.Is(err, venue.ErrNotResumable):
		cerr := s.cancelled(ctx, e, "venue cannot resume order after restart")
		if cerr == nil {
			logger.Warn().Str("filled", o.FilledQuantity.String()).Msg("order expired, venue lost it across restart")
			return false
		}
		logger.Error().Err(cerr).Msg("failed to expire order")
	default:
		s.anomaly(ctx, e, "venue could not resume order: "+err.Error())
	}

	s.cache.Reserve(o.OrderID, o.Account, o.Symbol, o.Side, o.Notional())
	return true
}
