package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/api"
	"github.com/lalithlochan/dunning/internal/app"
	"github.com/lalithlochan/dunning/internal/config"
	"github.com/lalithlochan/dunning/internal/correlation"
	"github.com/lalithlochan/dunning/internal/metrics"
	"github.com/lalithlochan/dunning/internal/observ"
	"github.com/lalithlochan/dunning/internal/redis"
	"github.com/lalithlochan/dunning/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	shutdownTracing, err := observ.SetupTracing(ctx, "dunning-gateway", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = observ.ShutdownTracing(shutdownTracing) }()

	logger.Info("starting dunning gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Bool("worker_enabled", cfg.WorkerEnabled),
	)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Redis-backed idempotency and API rate limiting
	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if a.Redis != nil {
		idempotencyService = redis.NewIdempotencyService(a.Redis, logger)
		rateLimiter = redis.NewRateLimiter(a.Redis, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		})
	}

	// Webhooks fail closed without an idempotency store
	var claims webhook.Claimer = webhook.NoClaims{}
	if idempotencyService != nil {
		claims = idempotencyService
	}
	if cfg.WebhookSecret == "" && len(cfg.TenantWebhookSecrets()) == 0 {
		logger.Warn("no webhook secret configured, webhooks will be rejected")
	}
	webhookService := webhook.NewService(
		a.Repo,
		claims,
		correlation.NewEngine(a.Repo, logger),
		webhook.NewPhoneDirectory(a.Repo, cfg.CustomerCacheTTL, logger),
		cfg.IdempotencyTTL,
		logger,
	)
	webhookHandler := webhook.NewHandler(webhookService, webhook.Secrets{
		Global:  cfg.WebhookSecret,
		Tenants: cfg.TenantWebhookSecrets(),
	}, logger)

	// In-process dispatch worker
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workerDone sync.WaitGroup
	if cfg.WorkerEnabled {
		w := a.Worker()
		workerDone.Add(1)
		go func() {
			defer workerDone.Done()
			w.Start(workerCtx)
		}()
		logger.Info("dispatch worker started",
			zap.Int("rate_limit", cfg.DispatchRateLimit),
			zap.Duration("rate_window", cfg.DispatchRateWindow),
		)
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// Producer routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, a.Queue, a.Batches, idempotencyService)
	} else {
		handler = api.NewHandler(logger, a.Queue, a.Batches)
	}
	r.Group(func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, producerKey))
		handler.Routes(r)
	})

	webhookHandler.Routes(r)

	r.Get("/health", handler.Health)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		workerCancel()
		workerDone.Wait()
		logger.Info("server stopped gracefully")
	}

	return nil
}

// producerKey limits per tenant when the caller names one, else per IP.
func producerKey(r *http.Request) string {
	if key := api.TenantKeyFunc(r); key != "" {
		return key
	}
	return api.IPKeyFunc(r)
}
