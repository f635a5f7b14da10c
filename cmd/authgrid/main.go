package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/authgrid/authgrid/internal/app"
	"github.com/authgrid/authgrid/internal/audit"
	"github.com/authgrid/authgrid/internal/events"
	"github.com/authgrid/authgrid/internal/observability"
	platformcache "github.com/authgrid/authgrid/internal/platform/cache"
	"github.com/authgrid/authgrid/internal/platform/db"
	"github.com/authgrid/authgrid/internal/rbac"
	rbaccache "github.com/authgrid/authgrid/internal/rbac/cache"
	"github.com/authgrid/authgrid/internal/shared"
	"github.com/authgrid/authgrid/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := platformcache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	resolutionCache := rbaccache.New(rbaccache.Config{
		Client:    redisClient,
		LocalSize: cfg.CacheLocalSize,
		LocalTTL:  cfg.CacheLocalTTL,
		SharedTTL: cfg.CacheSharedTTL,
		Logger:    logger,
		Observer:  metrics,
	})
	go func() {
		if err := resolutionCache.ListenForInvalidation(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("invalidation listener stopped", slog.Any("error", err))
		}
	}()

	sink := jobs.NewAuditSink(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("audit sink close", slog.Any("error", err))
		}
	}()
	emitter := events.NewQueueEmitter(events.EmitterConfig{
		Sink:     sink,
		Buffer:   cfg.EmitterBuffer,
		Logger:   logger,
		Observer: metrics,
	})
	defer emitter.Close()

	repo := rbac.NewRepository(pool)
	boundary := rbac.NewBoundaryResolver(repo)
	resolver := rbac.NewResolver(rbac.ResolverConfig{
		Store:    repo,
		Boundary: boundary,
		Cache:    resolutionCache,
		Emitter:  emitter,
		Observer: metrics,
		Logger:   logger,
	})
	service := rbac.NewService(rbac.ServiceConfig{
		Store:   repo,
		Cache:   resolutionCache,
		Emitter: emitter,
		Locker:  shared.NewLocker(redisClient),
		Logger:  logger,
	})
	rbacHandler := rbac.NewHandler(logger, resolver, service)
	rbacMiddleware := rbac.Middleware{Resolver: resolver, Logger: logger}

	auditRepo := audit.NewRepository(pool)
	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		RBACHandler:    rbacHandler,
		AuditHandler:   auditHandler,
		RBACMiddleware: rbacMiddleware,
		Metrics:        metrics,
		Pool:           pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
