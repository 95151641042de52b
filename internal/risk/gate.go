package risk

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-router/internal/exposure"
	"github.com/ksred/klear-router/internal/types"
)

const DefaultTimeout = 2 * time.Millisecond

// ViewSource supplies the exposure inputs for one order.
type ViewSource interface {
	View(account, symbol, excludeOrderID string) (exposure.View, error)
}

// EvaluateFunc matches Evaluate.
type EvaluateFunc func(Request, exposure.View, *Limits) Decision

// Gate is what the order manager calls. It reads the exposure view and the
// current limits snapshot, evaluates under a strict timeout and turns every
// failure into a CRITICAL rejection.
type Gate struct {
	limits   *LimitsStore
	views    ViewSource
	timeout  time.Duration
	evaluate EvaluateFunc
}

func NewGate(limits *LimitsStore, views ViewSource, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		limits:   limits,
		views:    views,
		timeout:  timeout,
		evaluate: Evaluate,
	}
}

// WithEvaluator replaces the evaluation function.
func (g *Gate) WithEvaluator(fn EvaluateFunc) *Gate {
	g.evaluate = fn
	return g
}

// Timeout returns the evaluation deadline.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

// Check evaluates req for orderID. The order's own reservation is excluded
// from the exposure view. Check never returns an approval it could not
// verify.
func (g *Gate) Check(ctx context.Context, orderID string, req Request) Decision {
	limits := g.limits.Current()
	if limits == nil {
		return reject(types.RejectRiskUnavailable, "risk limits not loaded")
	}

	start := time.Now()
	result := make(chan Decision, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("order_id", orderID).Msg("risk evaluation panicked")
				result <- reject(types.RejectRiskUnavailable, "risk evaluation failed")
			}
		}()
		view, err := g.views.View(req.Account, req.Symbol, orderID)
		if err != nil {
			if errors.Is(err, exposure.ErrUnavailable) {
				result <- reject(types.RejectExposureUnavailable, "exposure cache unavailable")
				return
			}
			result <- reject(types.RejectExposureUnavailable, "exposure read failed: %v", err)
			return
		}
		result <- g.evaluate(req, view, limits)
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case d := <-result:
		log.Debug().
			Str("order_id", orderID).
			Bool("approved", d.Approved).
			Str("tier", string(d.Tier)).
			Dur("latency", time.Since(start)).
			Msg("risk evaluation complete")
		return d
	case <-timer.C:
		log.Warn().Str("order_id", orderID).Dur("timeout", g.timeout).Msg("risk evaluation timed out")
		return reject(types.RejectRiskTimeout, "risk evaluation timeout")
	case <-ctx.Done():
		return reject(types.RejectRiskTimeout, "risk evaluation cancelled: %v", ctx.Err())
	}
}
