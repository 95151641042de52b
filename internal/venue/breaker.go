package venue

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the health of one venue as seen by the router.
type State string

const (
	StateAvailable   State = "AVAILABLE"
	StateUnavailable State = "UNAVAILABLE"
	StateProbing     State = "PROBING"
)

// Clock returns the current time.
type Clock func() time.Time

type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// BreakerStatus is a point in time copy of a breaker.
type BreakerStatus struct {
	Venue               string    `json:"venue"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
	ProbeInFlight       bool      `json:"probe_in_flight"`
}

// Breaker tracks one venue. Every method holds the mutex for a constant
// amount of work; it is never held across an adapter call.
type Breaker struct {
	venue string
	now   Clock
	cfg   BreakerConfig

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	lastProbeAt         time.Time
	probeInFlight       bool
}

func NewBreaker(venue string, cfg BreakerConfig, now Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{venue: venue, now: now, cfg: cfg, state: StateAvailable}
}

// advance moves UNAVAILABLE to PROBING once the cooldown has elapsed.
// Caller holds b.mu.
func (b *Breaker) advance() {
	if b.state == StateUnavailable && b.now().Sub(b.lastFailureAt) >= b.cfg.Cooldown {
		b.state = StateProbing
		b.probeInFlight = false
		log.Info().Str("venue", b.venue).Msg("venue cooldown elapsed, breaker probing")
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// TryAcquire admits a regular order when the venue is AVAILABLE.
func (b *Breaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateAvailable
}

// TryProbe admits the single trial order allowed while PROBING.
func (b *Breaker) TryProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.state != StateProbing || b.probeInFlight {
		return false
	}
	b.probeInFlight = true
	b.lastProbeAt = b.now()
	log.Info().Str("venue", b.venue).Msg("sending trial order to venue")
	return true
}

// Record feeds the outcome of an adapter call back into the breaker. probe
// must be true for the call admitted by TryProbe.
func (b *Breaker) Record(class Class, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch class {
	case ClassNone:
		switch {
		case probe && b.state == StateProbing:
			b.state = StateAvailable
			b.consecutiveFailures = 0
			b.probeInFlight = false
			log.Info().Str("venue", b.venue).Msg("trial order succeeded, venue available")
		case b.state == StateAvailable:
			b.consecutiveFailures = 0
		}

	case ClassTransport, ClassFatal:
		b.lastFailureAt = b.now()
		b.consecutiveFailures++
		switch {
		case probe && b.state == StateProbing:
			b.open("trial order failed")
		case class == ClassFatal && b.state != StateUnavailable:
			b.open("fatal venue error")
		case b.state == StateAvailable && b.consecutiveFailures >= b.cfg.FailureThreshold:
			b.open("consecutive failures exceeded threshold")
		}

	default:
		// Business rejections and cancel races are not a health signal.
		if probe && b.state == StateProbing {
			b.probeInFlight = false
		}
	}
}

// Release returns an unused probe slot, e.g. when the submit was never sent.
func (b *Breaker) Release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateProbing {
		b.probeInFlight = false
	}
}

// open transitions to UNAVAILABLE. Caller holds b.mu.
func (b *Breaker) open(reason string) {
	b.state = StateUnavailable
	b.probeInFlight = false
	log.Warn().
		Str("venue", b.venue).
		Int("consecutive_failures", b.consecutiveFailures).
		Dur("cooldown", b.cfg.Cooldown).
		Msg("venue breaker open: " + reason)
}

// Reset forces the breaker back to AVAILABLE.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateAvailable
	b.consecutiveFailures = 0
	b.probeInFlight = false
	log.Info().Str("venue", b.venue).Msg("venue breaker reset")
}

func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return BreakerStatus{
		Venue:               b.venue,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		LastProbeAt:         b.lastProbeAt,
		ProbeInFlight:       b.probeInFlight,
	}
}
