package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"proxy-bid-engine/internal/archive"
	"proxy-bid-engine/internal/config"
	"proxy-bid-engine/internal/logging"
	"proxy-bid-engine/internal/platform"
	"proxy-bid-engine/internal/publisher"
	"proxy-bid-engine/internal/queue"
	"proxy-bid-engine/internal/ratelimit"
	"proxy-bid-engine/internal/relay"
	"proxy-bid-engine/internal/scheduler"
	"proxy-bid-engine/internal/store"
	"proxy-bid-engine/internal/telemetry"
	"proxy-bid-engine/internal/vault"
	"proxy-bid-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.Setup(cfg.App.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	q := queue.NewRedisQueue(queue.Options{
		Client:            rdb,
		VisibilityTimeout: cfg.Engine.VisibilityTimeout,
		DLQName:           cfg.Engine.DLQName,
	})

	v, err := vault.New(st, cfg.Vault.EncryptionKey)
	if err != nil {
		log.Fatalf("init vault: %v", err)
	}

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		log.Fatalf("init snapshot archive: %v", err)
	}
	bucket := ratelimit.NewTokenBucket(rdb, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, time.Hour)

	registry := platform.NewRegistry()
	registry.Register(platform.NewBringATrailer(platform.BringATrailerOptions{
		Timeout:     cfg.Engine.AdapterTimeout,
		RateLimiter: bucket,
		Archiver:    archiver,
	}))
	registry.Register(platform.NewCarsAndBids(platform.CarsAndBidsOptions{
		Timeout:     cfg.Engine.AdapterTimeout,
		RateLimiter: bucket,
	}))

	pub := publisher.New(publisher.Options{Store: st, Redis: rdb})
	rl := relay.New(st, rdb, cfg.Engine.TwoFactorTTL)

	sched := scheduler.New(st, q, pub, registry, scheduler.Options{
		TickInterval:   cfg.Engine.TickInterval,
		SnipeBuffer:    cfg.Engine.SnipeBuffer,
		PollInterval:   cfg.Engine.PollInterval,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		BackoffInitial: cfg.Engine.BackoffInitial,
		BackoffMax:     cfg.Engine.BackoffMax,
		BatchSize:      int64(cfg.Engine.ScheduledBatchSize),
	})
	pool := worker.NewPool(st, q, v, rl, registry, pub, worker.Options{
		WorkerCount:    cfg.Engine.WorkerCount,
		PollInterval:   cfg.Engine.WorkerPollInterval,
		AdapterTimeout: cfg.Engine.AdapterTimeout,
		TwoFactorTTL:   cfg.Engine.TwoFactorTTL,
	})

	go func() {
		if err := http.ListenAndServe(cfg.Server.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(log.Fields{
		"workers":       cfg.Engine.WorkerCount,
		"tick_interval": cfg.Engine.TickInterval.String(),
		"snipe_buffer":  cfg.Engine.SnipeBuffer.String(),
	}).Info("bid engine worker starting")

	go sched.Run(ctx)
	pool.Run(ctx)
}
