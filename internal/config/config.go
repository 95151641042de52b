package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ksred/klear-router/internal/risk"
	"github.com/ksred/klear-router/internal/venue"
)

var ErrInvalidConfig = errors.New("invalid config")

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration of the order router.
type Config struct {
	Server   Server        `yaml:"server"`
	Database Database      `yaml:"database"`
	Logging  Logging       `yaml:"logging"`
	Auth     Auth          `yaml:"auth"`
	Risk     Risk          `yaml:"risk"`
	Exposure Exposure      `yaml:"exposure"`
	Router   Router        `yaml:"router"`
	Venues   []Venue       `yaml:"venues"`
	Trading  TradingConfig `yaml:"trading"`
}

type Server struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	Path string `yaml:"path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type APIKey struct {
	Key         string   `yaml:"key"`
	Secret      string   `yaml:"secret"`
	Account     string   `yaml:"account"`
	Permissions []string `yaml:"permissions"`
}

type Auth struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	APIKeys   []APIKey      `yaml:"api_keys"`
}

// Risk configures the pre-trade gate. Limits inline in the config are used
// when no limits file is given.
type Risk struct {
	Timeout        time.Duration    `yaml:"timeout"`
	LimitsFile     string           `yaml:"limits_file"`
	ReloadInterval time.Duration    `yaml:"reload_interval"`
	Limits         *risk.LimitsFile `yaml:"limits"`
}

type Exposure struct {
	Shards          int           `yaml:"shards"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxFeedFailures int           `yaml:"max_feed_failures"`
}

type Route struct {
	Symbols        []string `yaml:"symbols"`
	AccountClasses []string `yaml:"account_classes"`
	Venues         []string `yaml:"venues"`
}

type Router struct {
	Mode            string        `yaml:"mode"`
	ShadowFallback  bool          `yaml:"shadow_fallback"`
	ShadowFillDelay time.Duration `yaml:"shadow_fill_delay"`
	// RetryBudget is a pointer so an explicit 0 (no failover) survives
	// defaulting.
	RetryBudget *int              `yaml:"retry_budget"`
	Routes      []Route           `yaml:"routes"`
	Default     []string          `yaml:"default"`
	Accounts    map[string]string `yaml:"accounts"`
	// ReloadInterval is how often the config file is polled for route
	// table changes.
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

type Simulation struct {
	MinLatency      time.Duration `yaml:"min_latency"`
	MaxLatency      time.Duration `yaml:"max_latency"`
	LiquidityFactor float64       `yaml:"liquidity_factor"`
	SuccessRate     float64       `yaml:"success_rate"`
	FeeRate         float64       `yaml:"fee_rate"`
	FillDelay       time.Duration `yaml:"fill_delay"`
	RejectSymbols   []string      `yaml:"reject_symbols"`
	Seed            int64         `yaml:"seed"`
}

type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

type Venue struct {
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name"`
	Kind             string        `yaml:"kind"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst"`
	Shadow           bool          `yaml:"shadow"`
	Simulation       Simulation    `yaml:"simulation"`
	Alpaca           Alpaca        `yaml:"alpaca"`
}

type TradingConfig struct {
	FillWorkers int `yaml:"fill_workers"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, applies
// environment variable overrides and defaults, and validates the result.
// An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if os.Getenv("DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv("ROUTER_MODE"); v != "" {
		cfg.Router.Mode = v
	}

	// Alpaca credentials apply to every alpaca venue.
	key, secret := os.Getenv("ALPACA_API_KEY"), os.Getenv("ALPACA_API_SECRET")
	for i := range cfg.Venues {
		if cfg.Venues[i].Kind != string(venue.KindAlpaca) {
			continue
		}
		if key != "" {
			cfg.Venues[i].Alpaca.APIKey = key
		}
		if secret != "" {
			cfg.Venues[i].Alpaca.APISecret = secret
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "router.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
		if os.Getenv("ENV") == "production" {
			c.Logging.Format = "json"
		}
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Risk.Timeout == 0 {
		c.Risk.Timeout = risk.DefaultTimeout
	}
	if c.Risk.ReloadInterval == 0 {
		c.Risk.ReloadInterval = 10 * time.Second
	}
	if c.Exposure.Shards == 0 {
		c.Exposure.Shards = 64
	}
	if c.Exposure.RefreshInterval == 0 {
		c.Exposure.RefreshInterval = 5 * time.Second
	}
	if c.Exposure.MaxFeedFailures == 0 {
		c.Exposure.MaxFeedFailures = 3
	}
	if c.Router.Mode == "" {
		c.Router.Mode = string(venue.ModeLive)
	}
	if c.Router.RetryBudget == nil {
		budget := 2
		c.Router.RetryBudget = &budget
	}
	if c.Router.ReloadInterval == 0 {
		c.Router.ReloadInterval = 10 * time.Second
	}
	if c.Router.ShadowFillDelay == 0 {
		c.Router.ShadowFillDelay = 10 * time.Millisecond
	}
	if c.Trading.FillWorkers == 0 {
		c.Trading.FillWorkers = 8
	}

	if len(c.Venues) == 0 {
		for _, id := range []string{"EXCH1", "EXCH2", "DARK1"} {
			sim := venue.DefaultSimulatedVenues()[id]
			c.Venues = append(c.Venues, Venue{
				ID:   id,
				Name: sim.Name,
				Kind: string(venue.KindSimulated),
				Simulation: Simulation{
					MinLatency:      sim.MinLatency,
					MaxLatency:      sim.MaxLatency,
					LiquidityFactor: sim.LiquidityFactor,
					SuccessRate:     sim.SuccessRate,
					FeeRate:         sim.FeeRate,
				},
			})
		}
	}
	for i := range c.Venues {
		v := &c.Venues[i]
		if v.Kind == "" {
			v.Kind = string(venue.KindSimulated)
		}
		if v.Timeout == 0 {
			v.Timeout = venue.DefaultTimeout
		}
		if v.FailureThreshold == 0 {
			v.FailureThreshold = venue.DefaultBreakerConfig().FailureThreshold
		}
		if v.Cooldown == 0 {
			v.Cooldown = venue.DefaultBreakerConfig().Cooldown
		}
	}
	if len(c.Router.Default) == 0 {
		for _, v := range c.Venues {
			c.Router.Default = append(c.Router.Default, v.ID)
		}
	}
}

// Validate checks the configuration for values the router cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: auth.jwt_secret is required", ErrInvalidConfig)
	}
	if c.Risk.Timeout < 0 {
		return fmt.Errorf("%w: risk.timeout must be positive", ErrInvalidConfig)
	}
	if c.Risk.LimitsFile == "" {
		if c.Risk.Limits == nil {
			return fmt.Errorf("%w: risk.limits_file or risk.limits is required", ErrInvalidConfig)
		}
		if _, err := c.Risk.Limits.Build(); err != nil {
			return fmt.Errorf("%w: risk.limits: %v", ErrInvalidConfig, err)
		}
	}
	if c.Router.RetryBudget != nil && *c.Router.RetryBudget < 0 {
		return fmt.Errorf("%w: router.retry_budget must not be negative", ErrInvalidConfig)
	}
	switch venue.Mode(c.Router.Mode) {
	case venue.ModeLive, venue.ModeShadow:
	default:
		return fmt.Errorf("%w: router.mode %q", ErrInvalidConfig, c.Router.Mode)
	}

	ids := make(map[string]bool, len(c.Venues))
	for _, v := range c.Venues {
		if v.ID == "" {
			return fmt.Errorf("%w: venue without id", ErrInvalidConfig)
		}
		if v.ID == venue.ShadowID {
			return fmt.Errorf("%w: venue id %q is reserved", ErrInvalidConfig, v.ID)
		}
		if ids[v.ID] {
			return fmt.Errorf("%w: duplicate venue %s", ErrInvalidConfig, v.ID)
		}
		ids[v.ID] = true
		switch venue.Kind(v.Kind) {
		case venue.KindSimulated, venue.KindAlpaca:
		default:
			return fmt.Errorf("%w: venue %s has unknown kind %q", ErrInvalidConfig, v.ID, v.Kind)
		}
	}

	check := func(where string, list []string) error {
		for _, id := range list {
			if !ids[id] {
				return fmt.Errorf("%w: %s references unknown venue %s", ErrInvalidConfig, where, id)
			}
		}
		return nil
	}
	if err := check("router.default", c.Router.Default); err != nil {
		return err
	}
	for i, r := range c.Router.Routes {
		if err := check(fmt.Sprintf("router.routes[%d]", i), r.Venues); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// VenueConfigs returns the adapter configuration of every venue.
func (c *Config) VenueConfigs() []venue.Config {
	out := make([]venue.Config, 0, len(c.Venues))
	for _, v := range c.Venues {
		out = append(out, venue.Config{
			ID:               v.ID,
			Kind:             venue.Kind(v.Kind),
			Timeout:          v.Timeout,
			FailureThreshold: v.FailureThreshold,
			Cooldown:         v.Cooldown,
			RateLimit:        v.RateLimit,
			RateBurst:        v.RateBurst,
			Shadow:           v.Shadow,
			Simulation: venue.SimulatedConfig{
				Name:            v.Name,
				MinLatency:      v.Simulation.MinLatency,
				MaxLatency:      v.Simulation.MaxLatency,
				LiquidityFactor: v.Simulation.LiquidityFactor,
				SuccessRate:     v.Simulation.SuccessRate,
				FeeRate:         v.Simulation.FeeRate,
				FillDelay:       v.Simulation.FillDelay,
				RejectSymbols:   v.Simulation.RejectSymbols,
				Seed:            v.Simulation.Seed,
			},
			Alpaca: venue.AlpacaConfig{
				APIKey:    v.Alpaca.APIKey,
				APISecret: v.Alpaca.APISecret,
				BaseURL:   v.Alpaca.BaseURL,
			},
		})
	}
	return out
}

// RouteTable builds the router's route table snapshot.
func (c *Config) RouteTable() *venue.RouteTable {
	t := &venue.RouteTable{
		Default:  append([]string(nil), c.Router.Default...),
		Accounts: make(map[string]string, len(c.Router.Accounts)),
	}
	for _, r := range c.Router.Routes {
		t.Routes = append(t.Routes, venue.Route{
			Symbols:        r.Symbols,
			AccountClasses: r.AccountClasses,
			Venues:         r.Venues,
		})
	}
	for account, class := range c.Router.Accounts {
		t.Accounts[account] = class
	}
	return t
}

// RouterOptions returns the venue router options.
func (c *Config) RouterOptions() venue.Options {
	return venue.Options{
		Mode:           venue.Mode(c.Router.Mode),
		ShadowFallback: c.Router.ShadowFallback,
	}
}

// InitialLimits loads the risk limits, preferring the limits file.
func (c *Config) InitialLimits() (*risk.Limits, error) {
	if c.Risk.LimitsFile != "" {
		return risk.LoadLimitsFile(c.Risk.LimitsFile)
	}
	return c.Risk.Limits.Build()
}
