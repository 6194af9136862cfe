package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v5"

	"presence/internal/archive"
	"presence/internal/config"
	"presence/internal/logger"
	"presence/internal/queue"
	"presence/internal/report"
	"presence/internal/store"
)

// Worker consumes roster messages and archives them in Postgres.
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.Env != "production" && cfg.Env != "prod")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:rosters")
	}

	repo := archive.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("queue consume init failed")
	}

	log.Info().Msg("worker started, waiting for rosters")
	for msg := range messages {
		if msg.Type != queue.TypeRoster {
			continue
		}

		var roster report.FinalRoster
		if err := json.Unmarshal(msg.Body, &roster); err != nil {
			log.Error().Err(err).Msg("roster decode failed, skipping")
			continue
		}

		// SaveRoster is idempotent, so redelivery after a crash is safe.
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, repo.SaveRoster(ctx, roster)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
		if err != nil {
			log.Error().Err(err).Str("session_id", roster.SessionID).Msg("roster archive failed")
			continue
		}
		log.Info().
			Str("session_id", roster.SessionID).
			Int("entries", len(roster.Entries)).
			Msg("roster archived")
	}

	log.Info().Msg("worker stopped")
}
