package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/iliyamo/auth-service/internal/config"
	"github.com/iliyamo/auth-service/internal/logging"
	"github.com/iliyamo/auth-service/internal/queue"
)

// The consumer writes security events published by the server to the
// audit log. It shares the server's configuration.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New(logging.Config{Level: "info", Format: "json"}, "auth-consumer")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.Logging(), "auth-consumer")
	if cfg.RabbitURL == "" {
		log.Fatal().Msg("RABBITMQ_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &queue.Consumer{
		URL:     cfg.RabbitURL,
		Queue:   cfg.EventsQueue,
		LogPath: cfg.SecurityLogPath,
		Log:     log,
	}
	log.Info().Str("queue", cfg.EventsQueue).Str("path", cfg.SecurityLogPath).Msg("consuming security events")
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("consumer stopped")
	}
}
