package venue

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-router/internal/types"
)

const DefaultTimeout = 250 * time.Millisecond

// Mode selects between real adapters and the shadow simulator.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeShadow Mode = "shadow"
)

// Outcome of one routing attempt.
type Outcome string

const (
	OutcomeAccepted         Outcome = "ACCEPTED"
	OutcomeVenueRejected    Outcome = "VENUE_REJECTED"
	OutcomeNoVenueAvailable Outcome = "NO_VENUE_AVAILABLE"
)

// Result describes where an order went and how the venue answered.
type Result struct {
	Venue        string
	Outcome      Outcome
	VenueOrderID string
	Err          error
	// Retryable is set for transport and fatal failures, which may fail over
	// to the next venue. Business rejections are final.
	Retryable bool
	Probe     bool
}

// Route sends orders matching Symbols and AccountClasses to Venues in
// priority order. An empty filter matches everything.
type Route struct {
	Symbols        []string
	AccountClasses []string
	Venues         []string
}

func (r Route) matches(symbol, class string) bool {
	return (len(r.Symbols) == 0 || contains(r.Symbols, symbol)) &&
		(len(r.AccountClasses) == 0 || contains(r.AccountClasses, class))
}

// RouteTable is immutable once handed to the router.
type RouteTable struct {
	Routes  []Route
	Default []string
	// Accounts maps an account to its class.
	Accounts map[string]string
}

// Candidates returns the priority ordered venue ids for an order.
func (t *RouteTable) Candidates(symbol, account string) []string {
	class := t.Accounts[account]
	for _, r := range t.Routes {
		if r.matches(symbol, class) {
			return r.Venues
		}
	}
	return t.Default
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type entry struct {
	adapter Adapter
	breaker *Breaker
	limiter *rate.Limiter
	timeout time.Duration
	shadow  bool
}

type Options struct {
	Mode           Mode
	ShadowFallback bool
	Clock          Clock
}

// Router owns one breaker per venue. Venues are registered before Run and
// the set is fixed afterwards; the route table and mode may change at any
// time.
type Router struct {
	venues         map[string]*entry
	shadow         *ShadowVenue
	table          atomic.Pointer[RouteTable]
	shadowMode     atomic.Bool
	shadowFallback bool
	clock          Clock
	reports        chan types.VenueReport
}

func NewRouter(opts Options, shadow *ShadowVenue) *Router {
	if shadow == nil {
		shadow = NewShadowVenue(0)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	r := &Router{
		venues:         make(map[string]*entry),
		shadow:         shadow,
		shadowFallback: opts.ShadowFallback,
		clock:          opts.Clock,
		reports:        make(chan types.VenueReport, 4096),
	}
	r.shadowMode.Store(opts.Mode == ModeShadow)
	r.table.Store(&RouteTable{})
	return r
}

// AddVenue registers an adapter. Must be called before Run.
func (r *Router) AddVenue(a Adapter, cfg Config) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	r.venues[a.ID()] = &entry{
		adapter: a,
		breaker: NewBreaker(a.ID(), BreakerConfig{FailureThreshold: cfg.FailureThreshold, Cooldown: cfg.Cooldown}, r.clock),
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		shadow:  cfg.Shadow,
	}
}

// SetRoutes publishes a new route table.
func (r *Router) SetRoutes(t *RouteTable) {
	r.table.Store(t)
}

func (r *Router) SetMode(m Mode) {
	r.shadowMode.Store(m == ModeShadow)
	log.Info().Str("mode", string(m)).Msg("router mode changed")
}

func (r *Router) Mode() Mode {
	if r.shadowMode.Load() {
		return ModeShadow
	}
	return ModeLive
}

// Route picks a venue for order and submits it. Venues in exclude, normally
// ones already tried for this order, are skipped. The shadow mode check
// happens before any breaker is consulted.
func (r *Router) Route(ctx context.Context, order *types.Order, exclude []string) Result {
	if r.shadowMode.Load() {
		return r.submitShadow(ctx, order)
	}

	candidates := r.table.Load().Candidates(order.Symbol, order.Account)
	logger := log.With().Str("order_id", order.OrderID).Str("symbol", order.Symbol).Logger()

	for _, id := range candidates {
		if contains(exclude, id) {
			continue
		}
		e, ok := r.venues[id]
		if !ok {
			logger.Warn().Str("venue", id).Msg("route references unknown venue")
			continue
		}
		if e.shadow {
			return r.submitShadow(ctx, order)
		}
		if !e.breaker.TryAcquire() {
			continue
		}
		if !e.limiter.Allow() {
			logger.Debug().Str("venue", id).Msg("venue rate limit reached, skipping")
			continue
		}
		return r.submit(ctx, e, order, false)
	}

	for _, id := range candidates {
		if contains(exclude, id) {
			continue
		}
		e, ok := r.venues[id]
		if !ok || e.shadow || !e.breaker.TryProbe() {
			continue
		}
		if !e.limiter.Allow() {
			e.breaker.Release(true)
			continue
		}
		return r.submit(ctx, e, order, true)
	}

	if r.shadowFallback {
		logger.Warn().Msg("no live venue available, falling back to shadow")
		return r.submitShadow(ctx, order)
	}
	return Result{Outcome: OutcomeNoVenueAvailable, Err: fmt.Errorf("no venue available for %s", order.Symbol)}
}

func (r *Router) submit(ctx context.Context, e *entry, order *types.Order, probe bool) Result {
	id := e.adapter.ID()
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	ack, err := e.adapter.Submit(cctx, order)
	cancel()

	class := Classify(err)
	if err != nil && ctx.Err() != nil {
		// The caller went away; that says nothing about the venue.
		e.breaker.Release(probe)
	} else {
		e.breaker.Record(class, probe)
	}

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("venue", id).
		Bool("probe", probe).
		Dur("latency", time.Since(start)).
		Logger()

	res := Result{Venue: id, Probe: probe, Err: err}
	switch class {
	case ClassNone:
		res.Outcome = OutcomeAccepted
		res.VenueOrderID = ack.VenueOrderID
		logger.Info().Str("venue_order_id", ack.VenueOrderID).Msg("order accepted by venue")
	case ClassBusiness:
		res.Outcome = OutcomeVenueRejected
		logger.Info().Err(err).Msg("order rejected by venue")
	default:
		res.Outcome = OutcomeVenueRejected
		res.Retryable = true
		logger.Warn().Err(err).Str("class", class.String()).Msg("venue submit failed")
	}
	return res
}

func (r *Router) submitShadow(ctx context.Context, order *types.Order) Result {
	ack, err := r.shadow.Submit(ctx, order)
	if err != nil {
		return Result{Venue: ShadowID, Outcome: OutcomeVenueRejected, Err: err}
	}
	return Result{Venue: ShadowID, Outcome: OutcomeAccepted, VenueOrderID: ack.VenueOrderID}
}

// Cancel forwards a cancel to the venue that owns the order, bounded by
// that venue's timeout.
func (r *Router) Cancel(ctx context.Context, order *types.Order) error {
	if order.Venue == ShadowID {
		return r.shadow.Cancel(ctx, order)
	}
	e, ok := r.venues[order.Venue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, order.Venue)
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err := e.adapter.Cancel(cctx, order)
	if class := Classify(err); class == ClassTransport || class == ClassFatal {
		if ctx.Err() == nil {
			e.breaker.Record(class, false)
		}
	}
	return err
}

// Resume hands a working order recovered after a restart back to its
// venue. It fails with ErrNotResumable when the venue lost the order with
// the previous process.
func (r *Router) Resume(ctx context.Context, order *types.Order, lastSeq uint64) error {
	if order.Venue == ShadowID {
		return fmt.Errorf("%w: %s", ErrNotResumable, ShadowID)
	}
	e, ok := r.venues[order.Venue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, order.Venue)
	}
	res, ok := e.adapter.(Resumer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotResumable, order.Venue)
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return res.Resume(cctx, order, lastSeq)
}

// Reports carries fills and cancels from every venue, the shadow simulator
// included. It is fed by Run.
func (r *Router) Reports() <-chan types.VenueReport {
	return r.reports
}

// Run starts adapter connections and pumps their reports into Reports until
// ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	adapters := []Adapter{r.shadow}
	for _, e := range r.venues {
		adapters = append(adapters, e.adapter)
	}

	for _, a := range adapters {
		a := a
		if s, ok := a.(Starter); ok {
			if err := s.Start(ctx); err != nil {
				return fmt.Errorf("start venue %s: %w", a.ID(), err)
			}
		}
		g.Go(func() error {
			in := a.Reports()
			for {
				select {
				case <-ctx.Done():
					return nil
				case rep, ok := <-in:
					if !ok {
						return nil
					}
					select {
					case r.reports <- rep:
					case <-ctx.Done():
						return nil
					}
				}
			}
		})
	}

	log.Info().Int("venues", len(r.venues)).Str("mode", string(r.Mode())).Msg("venue router running")
	return g.Wait()
}

// Status returns a snapshot of every venue breaker, ordered by venue id.
func (r *Router) Status() []BreakerStatus {
	out := make([]BreakerStatus, 0, len(r.venues))
	for _, e := range r.venues {
		out = append(out, e.breaker.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Breaker returns the breaker of venue id.
func (r *Router) Breaker(id string) (*Breaker, bool) {
	e, ok := r.venues[id]
	if !ok {
		return nil, false
	}
	return e.breaker, true
}

// Reset forces a venue breaker back to AVAILABLE.
func (r *Router) Reset(id string) error {
	e, ok := r.venues[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, id)
	}
	e.breaker.Reset()
	return nil
}
