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

	"proxy-bid-engine/internal/api"
	"proxy-bid-engine/internal/config"
	"proxy-bid-engine/internal/logging"
	"proxy-bid-engine/internal/publisher"
	"proxy-bid-engine/internal/queue"
	"proxy-bid-engine/internal/ratelimit"
	"proxy-bid-engine/internal/relay"
	"proxy-bid-engine/internal/store"
	"proxy-bid-engine/internal/vault"
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
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, time.Hour)

	v, err := vault.New(st, cfg.Vault.EncryptionKey)
	if err != nil {
		log.Fatalf("init vault: %v", err)
	}

	server := api.New(api.Options{
		Store:     st,
		Queue:     q,
		Relay:     relay.New(st, rdb, cfg.Engine.TwoFactorTTL),
		Publisher: publisher.New(publisher.Options{Store: st, Redis: rdb}),
		Vault:     v,
		Limiter:   limiter,
		JWTSecret: cfg.App.JWTSecret,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.HTTPPort,
		Handler: server.Router(),
	}
	log.WithField("port", cfg.Server.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
