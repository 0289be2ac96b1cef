package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"piiguard/internal/api"
	"piiguard/internal/config"
	"piiguard/internal/lifecycle"
	"piiguard/internal/notify"
	"piiguard/internal/queue"
	"piiguard/internal/ratelimit"
	"piiguard/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	dispatch := queue.NewDispatch(cfg)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	hub := notify.NewHub(cfg.SubscriberBuffer, log)
	go hub.Run(ctx, cfg.HeartbeatInterval)

	bridge := notify.NewBridge(rdb, cfg.EventChannel, hub, log)
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("event bridge stopped")
		}
	}()

	engine := lifecycle.New(st, dispatch, bridge, log)
	server := api.New(cfg, engine, hub, limiter, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) zerolog.Logger {
	if cfg.Env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
