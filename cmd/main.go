/**
 * @description
 * This is the main entry point for the benefit-service. It loads configuration, opens the
 * benefit store, the lock backend and the RabbitMQ producer, wires the lifecycle service,
 * the ledger synchronizer and the reconciler, and serves the admin HTTP API until a
 * shutdown signal arrives.
 *
 * @dependencies
 * - github.com/joho/godotenv: optional local .env loading.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: distributed locks.
 * - github.com/sirupsen/logrus: structured logging.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bnp/benefit-service/internal/api"
	"github.com/bnp/benefit-service/internal/app"
	"github.com/bnp/benefit-service/internal/catalog"
	"github.com/bnp/benefit-service/internal/config"
	"github.com/bnp/benefit-service/internal/lock"
	"github.com/bnp/benefit-service/internal/metrics"
	"github.com/bnp/benefit-service/internal/policy"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/bnp/benefit-service/pkg/logging"
	"github.com/bnp/benefit-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.WithField("component", "bootstrap").WithError(err).Fatal("config load failed")
	}

	logger := logging.NewLogger(cfg.LogLevel)
	bootLog := logging.ForComponent(logger, "bootstrap")
	bootLog.WithFields(logrus.Fields{"port": cfg.ServerPort, "store": cfg.StoreDriver}).Info("starting benefit-service")

	repository, closeStore := openStore(cfg, bootLog)
	defer closeStore()

	locker, closeLocker := openLocker(cfg, logger, bootLog)
	defer closeLocker()

	var publisher rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logging.ForComponent(logger, "rabbitmq"))
	if err != nil {
		bootLog.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
		publisher = &rabbitmq.EventProducerFallback{Log: logging.ForComponent(logger, "rabbitmq")}
	} else {
		bootLog.Info("rabbitmq producer connected")
		publisher = rabbitProducer
	}
	defer publisher.Close()

	m := metrics.New()
	cat := catalog.New(repository, cfg.VoucherDefaultValue)
	policies := policy.NewRegistry()

	syncer := app.NewSynchronizer(repository, repository, locker, publisher, m, logging.ForComponent(logger, "synchronizer"), app.SyncConfig{
		Timeout:            cfg.SyncTimeout(),
		FundInitialBalance: cfg.FundInitialBalance,
		FundValidity:       cfg.FundValidity(),
	})
	benefitService := app.NewBenefitService(
		repository,
		cat,
		policies,
		locker,
		syncer,
		publisher,
		m,
		logging.ForComponent(logger, "lifecycle"),
		cfg.EventDedupWindow(),
	)
	reconciler := app.NewReconciler(repository, repository, syncer, m, logging.ForComponent(logger, "reconciler"), cfg.ReconcileBatchSize)

	if cfg.ReconcileEnabled() {
		scheduler := app.NewScheduler(reconciler, logging.ForComponent(logger, "scheduler"), cfg.ReconcileSchedule)
		if err := scheduler.Start(); err != nil {
			bootLog.WithError(err).Fatal("reconciliation scheduler failed to start")
		}
		defer func() {
			<-scheduler.Stop().Done()
		}()
	} else {
		bootLog.Warn("periodic reconciliation disabled")
	}

	// Assignment events are optional; the HTTP API keeps working without a broker.
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logging.ForComponent(logger, "consumer"))
	if err != nil {
		bootLog.WithError(err).Warn("rabbitmq consumer unavailable; service assignments must go through the API")
	} else {
		defer consumer.Close()
		assigned := app.NewServiceAssignedConsumer(benefitService, logging.ForComponent(logger, "consumer"))
		err = consumer.ConsumeWithBindings(app.EventsExchange, cfg.ServiceAssignedQueue, map[string]func([]byte) bool{
			app.ServiceAssignedRoutingKey: assigned.HandleMessage,
		})
		if err != nil {
			bootLog.WithError(err).Warn("failed to bind service assignment queue")
		} else {
			bootLog.WithField("queue", cfg.ServiceAssignedQueue).Info("consuming service assignments")
		}
	}

	if cfg.ClerkJWKSURL == "" {
		bootLog.Warn("CLERK_JWKS_URL is empty; every authenticated request will be rejected")
	}
	handler := api.NewHandler(benefitService, reconciler, logging.ForComponent(logger, "api"))
	router := api.NewRouter(handler, api.AdminAuthMiddleware(cfg.ClerkJWKSURL, cfg.AdminRole), m, logging.ForComponent(logger, "http"))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		bootLog.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			bootLog.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	bootLog.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		bootLog.WithError(err).Error("http server forced to shutdown")
	}
	bootLog.Info("benefit-service stopped")
}

func openStore(cfg config.Config, bootLog *logrus.Entry) (store.Repository, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		bootLog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.WithError(err).Fatal("database url parse failed")
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		bootLog.WithError(err).Fatal("database connection failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx, dbpool); err != nil {
		dbpool.Close()
		bootLog.WithError(err).Fatal("database schema setup failed")
	}
	bootLog.Info("database connected")

	return store.NewPostgresRepository(dbpool), dbpool.Close
}

func openLocker(cfg config.Config, logger *logrus.Logger, bootLog *logrus.Entry) (lock.Locker, func()) {
	if cfg.RedisURL == "" {
		bootLog.Warn("redis url missing; using process-local locks")
		return lock.NewMemoryLocker(), func() {}
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		bootLog.WithError(err).Warn("redis url parse failed; using process-local locks")
		return lock.NewMemoryLocker(), func() {}
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		bootLog.WithError(err).Warn("redis ping failed; using process-local locks")
		client.Close()
		return lock.NewMemoryLocker(), func() {}
	}
	bootLog.Info("redis connected")

	locker := lock.NewRedisLocker(client, cfg.LockPrefix, cfg.LockTTL(), logging.ForComponent(logger, "lock"))
	return locker, func() { client.Close() }
}
