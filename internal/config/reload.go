package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-router/internal/venue"
)

// RouteReloader watches the config file and publishes a new route table
// whenever the file changes. Venues are fixed at startup, so a table that
// names a venue the router does not know is refused and the active table
// stays in place.
type RouteReloader struct {
	path     string
	interval time.Duration
	known    map[string]bool
	apply    func(*venue.RouteTable)
	modTime  time.Time
}

// NewRouteReloader returns a reloader for path. venues lists the ids the
// router was started with; apply receives every accepted table.
func NewRouteReloader(path string, interval time.Duration, venues []string, apply func(*venue.RouteTable)) *RouteReloader {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r := &RouteReloader{
		path:     path,
		interval: interval,
		known:    make(map[string]bool, len(venues)),
		apply:    apply,
	}
	for _, id := range venues {
		r.known[id] = true
	}
	if info, err := os.Stat(path); err == nil {
		r.modTime = info.ModTime()
	}
	return r
}

// Start polls until ctx is cancelled.
func (r *RouteReloader) Start(ctx context.Context) {
	logger := log.With().Str("component", "route_reloader").Str("path", r.path).Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting route table reloader")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down route table reloader")
			return
		case <-ticker.C:
			if _, err := r.Check(); err != nil {
				logger.Error().Err(err).Msg("route table reload failed, keeping previous table")
			}
		}
	}
}

// Check reloads the route table if the file changed since the last
// successful load and reports whether a new table was published.
func (r *RouteReloader) Check() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, err
	}
	if !info.ModTime().After(r.modTime) {
		return false, nil
	}

	cfg, err := Load(r.path)
	if err != nil {
		return false, err
	}
	table := cfg.RouteTable()
	if err := r.checkVenues(table); err != nil {
		return false, err
	}
	r.apply(table)
	r.modTime = info.ModTime()

	log.Info().
		Str("path", r.path).
		Int("routes", len(table.Routes)).
		Strs("default", table.Default).
		Msg("route table reloaded")
	return true, nil
}

func (r *RouteReloader) checkVenues(t *venue.RouteTable) error {
	lists := [][]string{t.Default}
	for _, route := range t.Routes {
		lists = append(lists, route.Venues)
	}
	for _, list := range lists {
		for _, id := range list {
			if !r.known[id] {
				return fmt.Errorf("%w: route references venue %s which is not running", ErrInvalidConfig, id)
			}
		}
	}
	return nil
}
