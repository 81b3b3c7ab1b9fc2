package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/qbank-platform/backend/internal/backend"
	"github.com/qbank-platform/backend/internal/backend/docstore"
	"github.com/qbank-platform/backend/internal/backend/memstore"
	"github.com/qbank-platform/backend/internal/backend/mongostore"
	"github.com/qbank-platform/backend/internal/backend/pgstore"
	"github.com/qbank-platform/backend/internal/cache"
	"github.com/qbank-platform/backend/internal/config"
	"github.com/qbank-platform/backend/internal/database"
	"github.com/qbank-platform/backend/internal/health"
	"github.com/qbank-platform/backend/internal/logging"
	"github.com/qbank-platform/backend/internal/questions"
	"github.com/qbank-platform/backend/internal/retry"
	"github.com/qbank-platform/backend/internal/sampling"
	"github.com/qbank-platform/backend/internal/storage"
)

const (
	shutdownTimeout = 15 * time.Second
	janitorInterval = time.Minute
	redisNamespace  = "qbank:"
)

func main() {
	cfg := config.FromEnv()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize backends
	primary, err := openPrimary(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open primary backend")
	}
	secondary, err := openSecondary(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open secondary backend")
	}
	defer closeBackend(log, primary)
	defer closeBackend(log, secondary)

	exec := retry.NewExecutor(retry.Policy{
		MaxRetries:     cfg.RetryMaxRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		Timeout:        cfg.RetryTimeout,
		RetryOnTimeout: cfg.RetryOnTimeout,
	}, log)
	router := storage.NewRouter(primary, secondary, exec, log, storage.Options{
		Collection: cfg.Collection,
		BatchSize:  cfg.BulkBatchSize,
	})

	// Cache, sampler and health monitor
	c, err := newCache(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up cache")
	}
	engine := sampling.NewEngine(router, log, sampling.Options{FixedPartitions: cfg.BalancedFixedPartitions})
	monitor := health.NewMonitor(router, cfg.HealthInterval, log)
	monitor.Start(ctx)
	defer monitor.Stop()

	ttl := cache.TTLs{Volatile: cfg.TTLVolatile, Listing: cfg.TTLListing, Static: cfg.TTLStatic}
	svc := questions.NewService(router, c, engine, monitor, ttl, log)

	// Setup router
	r := mux.NewRouter()
	questions.NewHandler(svc, log).Register(r)

	// CORS
	co := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	handler := handlers.RecoveryHandler(
		handlers.RecoveryLogger(log),
		handlers.PrintRecoveryStack(true),
	)(co.Handler(r))
	handler = handlers.CombinedLoggingHandler(log.WriterLevel(logrus.DebugLevel), handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown failed")
	}
}

func openPrimary(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (backend.Repository, error) {
	switch cfg.PrimaryDriver {
	case "sqlite":
		if err := database.Migrate(ctx, "sqlite", cfg.PrimaryDSN); err != nil {
			return nil, err
		}
		db, err := database.Open(ctx, "sqlite", cfg.PrimaryDSN)
		if err != nil {
			return nil, err
		}
		return docstore.New(db, "primary", cfg.Collection), nil
	case "mongo":
		s, err := mongostore.Connect(ctx, cfg.PrimaryDSN, cfg.MongoDatabase, cfg.Collection, "primary")
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		log.Warn("Primary backend is in-memory; data is lost on restart")
		return memstore.New("primary"), nil
	}
	return nil, nil
}

func openSecondary(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (backend.Repository, error) {
	switch cfg.SecondaryDriver {
	case "postgres", "pgx":
		if err := database.Migrate(ctx, cfg.SecondaryDriver, cfg.SecondaryDSN); err != nil {
			return nil, err
		}
		db, err := database.Open(ctx, cfg.SecondaryDriver, cfg.SecondaryDSN)
		if err != nil {
			return nil, err
		}
		return pgstore.New(db, "secondary", cfg.Collection), nil
	}
	log.Warn("No secondary backend configured; regex, text search and aggregation are unavailable")
	return nil, nil
}

func newCache(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (cache.Cache, error) {
	if cfg.CacheDriver == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return cache.NewRedisCache(client, redisNamespace, log), nil
	}
	mc := cache.NewMemoryCache()
	mc.StartJanitor(ctx, janitorInterval)
	return mc, nil
}

func closeBackend(log logrus.FieldLogger, repo backend.Repository) {
	if repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repo.Close(ctx); err != nil {
		log.WithError(err).WithField("backend", repo.Name()).Warn("Failed to close backend")
	}
}
