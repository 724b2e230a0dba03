/**
 * @description
 * This is the main entry point for the loyalty-service. It loads configuration,
 * opens the ledger storage (PostgreSQL or in-memory), connects the optional Redis
 * rate limiter and event broker, wires the ledger service, starts the maintenance
 * scheduler and serves the HTTP API until it receives a termination signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Redis client for rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/kafka: Event publishers.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/transfa/loyalty-service/internal/api"
	"github.com/transfa/loyalty-service/internal/app"
	"github.com/transfa/loyalty-service/internal/config"
	"github.com/transfa/loyalty-service/internal/domain"
	"github.com/transfa/loyalty-service/internal/store"
	"github.com/transfa/loyalty-service/pkg/kafka"
	"github.com/transfa/loyalty-service/pkg/rabbitmq"
)

type eventPublisher interface {
	app.EventPublisher
	Close()
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env for local development; in production variables come from the environment.
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		logger.Warn("INTERNAL_API_KEY is empty; ledger routes accept unauthenticated calls")
	}
	logger.Info("starting loyalty-service", "port", cfg.ServerPort, "storage", cfg.StorageDriver, "event_broker", cfg.EventBroker)

	ctx := context.Background()

	repository, closeRepository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger storage", "error", err)
		os.Exit(1)
	}
	defer closeRepository()

	publisher := newEventPublisher(cfg, logger)
	defer publisher.Close()

	var limiter api.RateLimiter
	if redisClient := newRedisClient(ctx, cfg, logger); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	idempotencyWindow := time.Duration(cfg.IdempotencyWindowSeconds) * time.Second
	ledger := app.NewService(repository, app.Options{
		Clock:             app.SystemClock(),
		Logger:            logger,
		Publisher:         publisher,
		EventExchange:     cfg.LedgerEventExchange,
		SettingsTTL:       time.Duration(cfg.SettingsCacheTTLSeconds) * time.Second,
		IdempotencyWindow: idempotencyWindow,
		MaxPurchaseAmount: decimal.NewFromInt(cfg.MaxPurchaseAmount),
		SweepBatchSize:    cfg.SweepBatchSize,
	})

	scheduler := app.NewScheduler(app.NewJobs(ledger, logger), logger, app.Schedules{
		ExpirationSweep:  cfg.ExpirationSweepSchedule,
		RetentionCleanup: cfg.RetentionCleanupSchedule,
	})
	scheduler.Start()
	logger.Info("scheduler started")

	router := api.NewRouter(api.NewHandler(ledger, logger, idempotencyWindow), api.RouterConfig{
		InternalAPIKey:      cfg.InternalAPIKey,
		AdminJWTSecret:      cfg.AdminJWTSecret,
		RateLimiter:         limiter,
		LedgerRatePerMinute: cfg.LedgerRateLimitPerMinute,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
		logger.Info("scheduler stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("scheduler still running a job at shutdown")
	}

	logger.Info("shutdown complete")
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if cfg.StorageDriver == "memory" {
		repo := store.NewMemoryRepository()
		for _, raw := range cfg.SeedStoreIDList() {
			storeID, err := uuid.Parse(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid SEED_STORE_IDS entry %q: %w", raw, err)
			}
			repo.PutStore(domain.Store{ID: storeID, Name: "seeded store", IsActive: true})
		}
		logger.Warn("using in-memory ledger storage; balances are lost on restart")
		return repo, func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.EnsureSchema(schemaCtx, dbpool); err != nil {
		dbpool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("database connection established")

	return store.NewPostgresRepository(dbpool), dbpool.Close, nil
}

func newEventPublisher(cfg config.Config, logger *slog.Logger) eventPublisher {
	fallback := &rabbitmq.EventProducerFallback{Logger: logger}

	switch cfg.EventBroker {
	case "rabbitmq":
		if strings.TrimSpace(cfg.RabbitMQURL) == "" {
			logger.Warn("RABBITMQ_URL missing; ledger events disabled")
			return fallback
		}
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
			return fallback
		}
		logger.Info("rabbitmq producer connected", "exchange", cfg.LedgerEventExchange)
		return producer
	case "kafka":
		publisher, err := kafka.NewPublisher(cfg.KafkaBrokerList(), cfg.KafkaTopic)
		if err != nil {
			logger.Warn("kafka publisher unavailable; using fallback", "error", err)
			return fallback
		}
		logger.Info("kafka publisher configured", "topic", cfg.KafkaTopic)
		return publisher
	}

	logger.Info("ledger events disabled")
	return fallback
}

func newRedisClient(ctx context.Context, cfg config.Config, logger *slog.Logger) *redis.Client {
	if cfg.LedgerRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; ledger rate limiting disabled", "env", "REDIS_URL")
		return nil
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; ledger rate limiting disabled", "error", err)
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; ledger rate limiting disabled", "error", err)
		client.Close()
		return nil
	}

	logger.Info("redis connected")
	return client
}
