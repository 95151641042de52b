// Package venue routes orders to execution venues. Each venue sits behind
// its own circuit breaker, timeout and rate limit; a shadow simulator stands
// in for every venue when the router runs in shadow mode.
package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-router/internal/types"
)

// Ack is a venue's acknowledgement of a submitted order.
type Ack struct {
	VenueOrderID string
}

// Adapter is the capability every venue implements. Fills and unsolicited
// cancels arrive on Reports in the order the venue produced them.
type Adapter interface {
	ID() string
	Submit(ctx context.Context, order *types.Order) (Ack, error)
	Cancel(ctx context.Context, order *types.Order) error
	Reports() <-chan types.VenueReport
}

// Starter is implemented by adapters that hold a background connection.
type Starter interface {
	Start(ctx context.Context) error
}

// Resumer is implemented by adapters that can pick up a working order again
// after a restart. lastSeq is the highest fill sequence already applied, so
// the next fill reported for order carries lastSeq+1.
type Resumer interface {
	Resume(ctx context.Context, order *types.Order, lastSeq uint64) error
}

// Compile-time interface checks.
var (
	_ Adapter = (*ShadowVenue)(nil)
	_ Adapter = (*SimulatedVenue)(nil)
	_ Adapter = (*AlpacaVenue)(nil)
	_ Starter = (*AlpacaVenue)(nil)
	_ Resumer = (*AlpacaVenue)(nil)
)

type Kind string

const (
	KindSimulated Kind = "simulated"
	KindAlpaca    Kind = "alpaca"
)

// Config describes one venue in the deployment.
type Config struct {
	ID               string
	Kind             Kind
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	// RateLimit is submits per second; zero means unlimited.
	RateLimit  float64
	RateBurst  int
	Shadow     bool
	Simulation SimulatedConfig
	Alpaca     AlpacaConfig
}

// NewAdapter builds the adapter for cfg.Kind.
func NewAdapter(cfg Config) (Adapter, error) {
	switch cfg.Kind {
	case KindSimulated, "":
		return NewSimulatedVenue(cfg.ID, cfg.Simulation), nil
	case KindAlpaca:
		return NewAlpacaVenue(cfg.ID, cfg.Alpaca)
	default:
		return nil, fmt.Errorf("venue %s: unsupported kind %q", cfg.ID, cfg.Kind)
	}
}
