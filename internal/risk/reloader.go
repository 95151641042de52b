package risk

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Reloader watches a limits file and swaps a new snapshot into the store
// whenever the file's modification time changes. A file that fails to parse
// or validate is logged and the previous snapshot stays active.
type Reloader struct {
	store    *LimitsStore
	path     string
	interval time.Duration
	modTime  time.Time
}

func NewReloader(store *LimitsStore, path string, interval time.Duration) *Reloader {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reloader{store: store, path: path, interval: interval}
}

// Start polls until ctx is cancelled.
func (r *Reloader) Start(ctx context.Context) {
	logger := log.With().Str("component", "limits_reloader").Str("path", r.path).Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting risk limits reloader")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down risk limits reloader")
			return
		case <-ticker.C:
			if _, err := r.Check(); err != nil {
				logger.Error().Err(err).Msg("risk limits reload failed, keeping previous snapshot")
			}
		}
	}
}

// Check reloads the file if it changed since the last successful load and
// reports whether a new snapshot was installed.
func (r *Reloader) Check() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, err
	}
	if !info.ModTime().After(r.modTime) {
		return false, nil
	}

	limits, err := LoadLimitsFile(r.path)
	if err != nil {
		return false, err
	}
	if _, err := r.store.Swap(limits); err != nil {
		return false, err
	}
	r.modTime = info.ModTime()

	log.Info().
		Str("path", r.path).
		Str("max_notional", limits.MaxNotional.String()).
		Int("symbols", len(limits.Symbols)).
		Msg("risk limits reloaded")
	return true, nil
}
