package exposure

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Feed supplies authoritative positions, typically folded from persisted
// fills.
type Feed interface {
	Positions(ctx context.Context) ([]Position, error)
}

// Refresher periodically reconciles the cache against a Feed. The feed may
// lag the in-memory cache; reservations cover the gap.
type Refresher struct {
	cache           *Cache
	feed            Feed
	interval        time.Duration
	maxFeedFailures int

	failures int
}

func NewRefresher(cache *Cache, feed Feed, interval time.Duration, maxFeedFailures int) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxFeedFailures <= 0 {
		maxFeedFailures = 3
	}
	return &Refresher{
		cache:           cache,
		feed:            feed,
		interval:        interval,
		maxFeedFailures: maxFeedFailures,
	}
}

// Start runs the refresh loop until ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) {
	logger := log.With().Str("component", "exposure_refresher").Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting exposure refresher")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down exposure refresher")
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logger.Error().Err(err).Int("consecutive_failures", r.failures).Msg("exposure refresh failed")
			}
		}
	}
}

// Refresh performs one reconciliation pass. After maxFeedFailures
// consecutive feed errors the cache is marked unavailable so risk checks
// fail closed; the next successful pass makes it available again.
func (r *Refresher) Refresh(ctx context.Context) error {
	logger := log.With().Str("component", "exposure_refresher").Logger()

	positions, err := r.feed.Positions(ctx)
	if err != nil {
		r.failures++
		if r.failures >= r.maxFeedFailures && r.cache.Available() {
			logger.Warn().Int("failures", r.failures).Msg("position feed unhealthy, marking exposure cache unavailable")
			r.cache.SetAvailable(false)
		}
		return err
	}

	r.failures = 0
	if !r.cache.Available() {
		logger.Info().Msg("position feed recovered, exposure cache available")
		r.cache.SetAvailable(true)
	}

	drifted := 0
	for _, p := range positions {
		if r.cache.Reconcile(p) {
			drifted++
			logger.Warn().
				Str("account", p.Account).
				Str("symbol", p.Symbol).
				Str("net_quantity", p.NetQuantity.String()).
				Str("net_notional", p.NetNotional.String()).
				Msg("exposure drift corrected from feed")
		}
	}

	logger.Debug().Int("positions", len(positions)).Int("drifted", drifted).Msg("exposure refresh completed")
	return nil
}
