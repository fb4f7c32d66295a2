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

	"github.com/angelmondragon/courier/pkg/config"
	"github.com/angelmondragon/courier/pkg/db"
	"github.com/angelmondragon/courier/pkg/instance"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/metrics"
	"github.com/angelmondragon/courier/pkg/migrate"
	"github.com/angelmondragon/courier/pkg/ops"
	"github.com/angelmondragon/courier/pkg/outbox"
	"github.com/angelmondragon/courier/pkg/pubsub"
	"github.com/angelmondragon/courier/pkg/redis"
	"github.com/angelmondragon/courier/pkg/runner"
	"github.com/angelmondragon/courier/pkg/streams"
)

const serviceName = "outbox-publisher"

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":       cfg.App.Env,
		"transport": cfg.Outbox.Transport,
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

	pingers := map[string]ops.Pinger{"database": dbClient}

	var redisClient *redis.Client
	if cfg.Outbox.Transport == config.TransportRedisStreams || cfg.Outbox.Exclusive {
		redisClient, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		pingers["redis"] = redisClient
	}

	var publisher streams.EntryPublisher
	switch cfg.Outbox.Transport {
	case config.TransportPubSub:
		pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub client", err)
			}
		}()
		pingers["pubsub"] = pubsubClient
		publisher, err = pubsub.NewPublisher(pubsub.PublisherParams{
			Publisher:   pubsubClient.TopicPublisher(),
			OrderingKey: cfg.Streams.Stream,
			Logger:      logg,
		})
		if err != nil {
			logg.Error(ctx, "failed to build pubsub publisher", err)
			os.Exit(1)
		}
	default:
		publisher, err = streams.NewPublisher(streams.PublisherParams{
			Client: redisClient.Streams(),
			Stream: cfg.Streams.Stream,
			MaxLen: cfg.Streams.MaxLen,
			Logger: logg,
		})
		if err != nil {
			logg.Error(ctx, "failed to build stream publisher", err)
			os.Exit(1)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Rows are relayed as stored; no payload types need registering here.
	store, err := outbox.NewStore(outbox.StoreParams{DB: dbClient.DB(), Logger: logg})
	if err != nil {
		logg.Error(ctx, "failed to build outbox store", err)
		os.Exit(1)
	}
	relay, err := outbox.NewRelay(outbox.RelayParams{
		DB:        dbClient,
		Store:     store,
		Publisher: publisher,
		ChunkSize: cfg.Outbox.ChunkSize,
		Stream:    cfg.Streams.Stream,
		Metrics:   metrics.NewRelayMetrics(registry),
		Logger:    logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to build outbox relay", err)
		os.Exit(1)
	}

	var lock runner.Lock
	if cfg.Outbox.Exclusive {
		lock, err = instance.NewRedisLock(redisClient, redisClient.LockKey(relayRunnerName), cfg.Outbox.LockTTL)
		if err != nil {
			logg.Error(ctx, "failed to build relay lock", err)
			os.Exit(1)
		}
	}

	service, err := NewService(ServiceParams{
		Config:  cfg,
		Logger:  logg,
		Pingers: pingers,
		Relay:   relay,
		Lock:    lock,
		Metrics: metrics.NewRunnerMetrics(registry),
		Ops: ops.NewServer(cfg.Ops.Port, ops.NewRouter(ops.RouterParams{
			Service:  serviceName,
			Gatherer: registry,
			Pingers:  pingers,
			Logger:   logg,
		}), logg),
	})
	if err != nil {
		logg.Error(ctx, "failed to create outbox publisher", err)
		os.Exit(1)
	}

	logg.Info(ctx, "starting outbox publisher")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "outbox publisher shutting down gracefully")
}
