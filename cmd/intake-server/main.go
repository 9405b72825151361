package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/admission"
	"github.com/ehr/intake/internal/domain/archival"
	"github.com/ehr/intake/internal/domain/bed"
	"github.com/ehr/intake/internal/domain/dispatch"
	"github.com/ehr/intake/internal/domain/handover"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/events"
	"github.com/ehr/intake/internal/platform/idempotency"
	"github.com/ehr/intake/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "intake-server",
		Short:        "EMS dispatch and hospital intake API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(archiveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig loads and validates configuration and builds the process logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	logger := newLogger(os.Getenv("ENV"))
	cfg, err := config.Load()
	if err != nil {
		return nil, logger, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	return cfg, newLogger(cfg.Env), nil
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	if err := a.registerGauges(); err != nil {
		return err
	}

	if a.bridge != nil {
		ready := make(chan struct{})
		go func() {
			if err := a.bridge.Run(ctx, a.hub, ready); err != nil {
				logger.Error().Err(err).Msg("event bridge stopped")
			}
		}()
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("event bridge subscription not confirmed")
		}
	}

	e := newServer(ctx, a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with the global middleware chain, the
// infrastructure endpoints and every domain's routes under /api/v1. ctx bounds
// background work such as rate limiter cleanup.
func newServer(ctx context.Context, a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", idempotency.HeaderKey},
		ExposeHeaders: []string{idempotency.HeaderReplayed},
	}))
	if a.metrics != nil {
		e.Use(a.metrics.Middleware())
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		VisitorTTL:        10 * time.Minute,
		Skipper:           auth.AuthSkipper,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
		rateLimitCfg.Skipper = auth.AuthSkipper
	}
	limiter := middleware.NewRateLimiter(rateLimitCfg)
	limiter.StartCleanup(ctx, time.Minute)
	e.Use(limiter.Middleware())
	e.Use(middleware.RequestTimeout(30 * time.Second))

	if cfg.DevAuth() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/store", db.HealthHandler(a.raw))
	if a.metrics != nil {
		e.GET("/metrics", a.metrics.Handler())
	}
	events.NewHandler(a.hub, cfg.CORSOrigins, auth.UserIDFromContext).RegisterRoutes(e.Group(""))

	var idem idempotency.Store = idempotency.NewMemoryStore()
	if a.redis != nil {
		idem = idempotency.NewRedisStore(a.redis)
	}
	api := e.Group("/api/v1", idempotency.Middleware(idem, cfg.IdempotencyTTL, logger))

	dispatch.NewHandler(a.dispatch).RegisterRoutes(api)
	handover.NewHandler(a.handovers).RegisterRoutes(api)
	bed.NewHandler(a.beds).RegisterRoutes(api)
	admission.NewHandler(a.admissions).RegisterRoutes(api)
	archival.NewHandler(a.archival).RegisterRoutes(api)

	return e
}
