package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-router/internal/auth"
	"github.com/ksred/klear-router/internal/config"
	"github.com/ksred/klear-router/internal/database"
	"github.com/ksred/klear-router/internal/events"
	"github.com/ksred/klear-router/internal/exposure"
	"github.com/ksred/klear-router/internal/risk"
	"github.com/ksred/klear-router/internal/trading"
	"github.com/ksred/klear-router/internal/venue"
	"github.com/ksred/klear-router/pkg/middleware"
)

// setupLogging configures the global logger. Console output outside
// production, JSON otherwise.
func setupLogging(cfg config.Logging) {
	if cfg.Format != "json" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		zlog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// main initializes and runs the order router with graceful shutdown support
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Logging)

	if err := run(cfg, *configPath); err != nil {
		zlog.Fatal().Err(err).Msg("router stopped with error")
	}
	zlog.Info().Msg("server exiting")
}

func run(cfg *config.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	limits, err := cfg.InitialLimits()
	if err != nil {
		return fmt.Errorf("load risk limits: %w", err)
	}
	limitsStore := risk.NewLimitsStore(limits)
	cache := exposure.NewCache(cfg.Exposure.Shards)
	gate := risk.NewGate(limitsStore, cache, cfg.Risk.Timeout)

	router := venue.NewRouter(cfg.RouterOptions(), venue.NewShadowVenue(cfg.Router.ShadowFillDelay))
	var venueIDs []string
	for _, vc := range cfg.VenueConfigs() {
		adapter, err := venue.NewAdapter(vc)
		if err != nil {
			return fmt.Errorf("venue %s: %w", vc.ID, err)
		}
		router.AddVenue(adapter, vc)
		venueIDs = append(venueIDs, vc.ID)
	}
	router.SetRoutes(cfg.RouteTable())

	bus := events.NewBus(events.NewOutbox(db), events.DefaultBuffer)

	tradingService := trading.NewService(db, gate, limitsStore, cache, router, bus, trading.Config{
		RetryBudget: *cfg.Router.RetryBudget,
		FillWorkers: cfg.Trading.FillWorkers,
	})
	if err := tradingService.Recover(ctx); err != nil {
		return fmt.Errorf("recover order state: %w", err)
	}

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	for _, k := range cfg.Auth.APIKeys {
		authService.RegisterAPICredentials(k.Key, k.Secret, k.Account, k.Permissions...)
	}

	limiter := middleware.NewRateLimiter(middleware.DefaultRouteLimits())

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestLogger())
	setupRoutes(engine, authService, limiter,
		auth.NewGinHandlers(authService),
		trading.NewGinHandlers(tradingService),
		venue.NewGinHandlers(router),
		events.NewHub(bus),
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return tradingService.Run(gctx) })
	g.Go(func() error {
		exposure.NewRefresher(cache, tradingService.Database(), cfg.Exposure.RefreshInterval, cfg.Exposure.MaxFeedFailures).Start(gctx)
		return nil
	})
	if cfg.Risk.LimitsFile != "" {
		reloader := risk.NewReloader(limitsStore, cfg.Risk.LimitsFile, cfg.Risk.ReloadInterval)
		if _, err := reloader.Check(); err != nil {
			return fmt.Errorf("load risk limits: %w", err)
		}
		g.Go(func() error {
			reloader.Start(gctx)
			return nil
		})
	}
	if configPath != "" {
		routes := config.NewRouteReloader(configPath, cfg.Router.ReloadInterval, venueIDs, router.SetRoutes)
		g.Go(func() error {
			routes.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		limiter.Cleanup(gctx)
		return nil
	})
	g.Go(func() error {
		zlog.Info().Str("addr", srv.Addr).Str("mode", string(router.Mode())).Msg("order router listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("shutting down server...")

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: Public endpoints for authentication
// - Order routes: Protected by JWT authentication
// - Internal routes: Require a token with the internal permission
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	limiter *middleware.RateLimiter,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	venueHandlers *venue.GinHandlers,
	hub *events.Hub,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		authGroup.Use(limiter.Middleware())
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(authService), limiter.Middleware())
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderStatusHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		// Event stream and replay
		stream := v1.Group("")
		stream.Use(middleware.JWTAuth(authService))
		{
			stream.GET("/stream", hub.ServeWS())
			stream.GET("/events", hub.ReplayHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authService), limiter.Middleware())
		{
			internal.GET("/venues", venueHandlers.StatusHandler())
			internal.POST("/venues/:venue_id/reset", venueHandlers.ResetHandler())
			internal.GET("/exposure/:account", tradingHandlers.ExposureHandler())
		}
	}
}
