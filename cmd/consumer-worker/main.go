package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/courier/internal/audit"
	"github.com/angelmondragon/courier/pkg/config"
	"github.com/angelmondragon/courier/pkg/db"
	"github.com/angelmondragon/courier/pkg/idempotency"
	"github.com/angelmondragon/courier/pkg/instance"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/metrics"
	"github.com/angelmondragon/courier/pkg/migrate"
	"github.com/angelmondragon/courier/pkg/ops"
	"github.com/angelmondragon/courier/pkg/redis"
	"github.com/angelmondragon/courier/pkg/streams"
)

const serviceName = "consumer-worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	consumerName := cfg.Consumer.Name
	if consumerName == "" {
		consumerName = instance.ConsumerName()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"group":    cfg.Consumer.Group,
		"consumer": consumerName,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	group, err := streams.NewConsumerGroup(streams.GroupParams{
		Client:    redisClient.Streams(),
		Stream:    cfg.Streams.Stream,
		Group:     cfg.Consumer.Group,
		Consumer:  consumerName,
		ChunkSize: cfg.Consumer.ChunkSize,
		BlockFor:  cfg.Consumer.BlockFor,
		Metrics:   metrics.NewConsumerMetrics(registry),
		Logger:    logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to build consumer group", err)
		os.Exit(1)
	}

	tracker, err := idempotency.NewTracker(dbClient.DB())
	if err != nil {
		logg.Error(ctx, "failed to build message tracker", err)
		os.Exit(1)
	}
	auditRepo, err := audit.NewRepository(dbClient.DB())
	if err != nil {
		logg.Error(ctx, "failed to build audit repository", err)
		os.Exit(1)
	}
	auditConsumer, err := audit.NewConsumer(audit.Params{
		DB:         dbClient,
		Tracker:    tracker,
		Repository: auditRepo,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to build audit consumer", err)
		os.Exit(1)
	}
	leave := group.Join(auditConsumer)
	defer leave()

	pingers := map[string]ops.Pinger{"database": dbClient, "redis": redisClient}
	service, err := NewService(ServiceParams{
		Config:  cfg,
		Logger:  logg,
		Pingers: pingers,
		Group:   group,
		Metrics: metrics.NewRunnerMetrics(registry),
		Ops: ops.NewServer(cfg.Ops.Port, ops.NewRouter(ops.RouterParams{
			Service:  serviceName,
			Gatherer: registry,
			Pingers:  pingers,
			Logger:   logg,
		}), logg),
	})
	if err != nil {
		logg.Error(ctx, "failed to create consumer worker", err)
		os.Exit(1)
	}

	logg.Info(ctx, "starting consumer worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "consumer worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "consumer worker shutting down gracefully")
}
