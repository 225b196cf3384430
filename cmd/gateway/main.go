// Package main is the entrypoint for the LearnGate API gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ebrovalley/learngate/internal/api"
	"github.com/ebrovalley/learngate/internal/api/handler"
	mw "github.com/ebrovalley/learngate/internal/api/middleware"
	"github.com/ebrovalley/learngate/internal/apikey"
	"github.com/ebrovalley/learngate/internal/auth"
	"github.com/ebrovalley/learngate/internal/cache"
	"github.com/ebrovalley/learngate/internal/config"
	"github.com/ebrovalley/learngate/internal/ratelimit"
	"github.com/ebrovalley/learngate/internal/store"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
	limiterIdleTTL  = 10 * time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store_backend", cfg.Auth.StoreBackend,
		"limiter_backend", cfg.RateLimit.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Select the store backend
	var st store.Store
	switch cfg.Auth.StoreBackend {
	case "postgres":
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")

		st = store.NewPostgresStore(pool)
	default:
		st = store.NewMemoryStore()
		slog.Info("using in-memory store")
	}

	// 3. Redis is needed by the redis limiter, and used for security events
	// whenever a URL is configured.
	var redisCache cache.Cache
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
		redisCache = rc
	}

	// 4. Select the limiter backend
	var limiter ratelimit.Limiter
	var sliding *ratelimit.SlidingWindow
	switch cfg.RateLimit.Backend {
	case "redis":
		limiter = ratelimit.NewRedisLimiter(redisCache)
	default:
		sliding = ratelimit.NewSlidingWindow()
		limiter = sliding
	}

	resolver, err := ratelimit.NewResolver(cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("build quota resolver: %w", err)
	}
	whitelist := ratelimit.NewWhitelist(cfg.RateLimit.Whitelist)
	extractor := ratelimit.IPExtractor{TrustedHeader: cfg.RateLimit.TrustedProxyHeader}

	// 5. Core services
	directory, err := auth.NewDemoDirectory()
	if err != nil {
		return fmt.Errorf("seed user directory: %w", err)
	}
	verifier := auth.NewVerifier(directory)
	tokens := auth.NewTokenService(st, directory, cfg.Auth)
	events := auth.NewEventRecorder(redisCache)
	registry := apikey.NewRegistry(st, limiter)

	// 6. Background sweeps, stopped by the shutdown context
	go tokens.StartSweeper(ctx, cfg.Auth.SweepInterval)
	go registry.StartRetentionSweeper(ctx, cfg.Auth.SweepInterval, cfg.Auth.UsageRetention)
	if sliding != nil {
		go func() {
			ticker := time.NewTicker(limiterIdleTTL)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sliding.Cleanup(limiterIdleTTL)
				}
			}
		}()
	}

	// 7. Build router with dependencies
	authHandler := handler.NewAuthHandler(verifier, tokens, events, extractor)
	keyHandler := handler.NewAPIKeyHandler(registry)
	svcHandler := handler.NewServiceHandler(registry)

	deps := api.Dependencies{
		Guard:   mw.NewGuard(limiter, resolver, whitelist, extractor, tokens, events),
		Session: mw.NewSession(tokens),
		KeyAuth: mw.NewKeyAuth(registry, events, extractor),

		HealthHandler: handler.NewHealthHandler(st, redisCache, version),

		Login:     authHandler.Login,
		Refresh:   authHandler.Refresh,
		Logout:    authHandler.Logout,
		LogoutAll: authHandler.LogoutAll,
		Verify:    authHandler.Verify,
		AuthStats: authHandler.Stats,

		CreateKey:     keyHandler.Create,
		ListKeys:      keyHandler.List,
		KeyUsage:      keyHandler.Usage,
		UpdateKeyRate: keyHandler.UpdateRateLimit,
		DeactivateKey: keyHandler.Deactivate,

		WhoAmI:       svcHandler.WhoAmI,
		UsageSummary: svcHandler.UsageSummary,
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("gateway stopped gracefully")
	return nil
}
