package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"piiguard/internal/config"
	"piiguard/internal/lifecycle"
	"piiguard/internal/notify"
	"piiguard/internal/queue"
	"piiguard/internal/store"
	"piiguard/internal/telemetry"
	workerproc "piiguard/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	dispatch := queue.NewDispatch(cfg)

	// Progress events go straight to Redis pub/sub; the API instances fan
	// them out to their connected subscribers.
	hub := notify.NewHub(cfg.SubscriberBuffer, log)
	bridge := notify.NewBridge(rdb, cfg.EventChannel, hub, log)

	engine := lifecycle.New(st, dispatch, bridge, log)

	artifacts, err := workerproc.NewArtifactStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact store")
	}
	pipeline := workerproc.NewPipeline(artifacts, st)

	processor := workerproc.NewProcessor(cfg, dispatch, engine, st, pipeline.Handle, workerID, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	if cfg.Env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
