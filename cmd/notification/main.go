package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/notification"
	"github.com/smukkama/weather-alerts/internal/queue"
	"github.com/smukkama/weather-alerts/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info")
		logger.Fatal(err, "failed to load configuration")
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")
	log.Info().
		Str("topic", cfg.Kafka.TopicNotifications).
		Str("group", cfg.Kafka.GroupID).
		Msg("starting notification service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := notification.NewEmailNotifier(&cfg.SMTP)
	if cfg.SMTP.Username == "" || cfg.SMTP.Password == "" {
		log.Warn().Msg("SMTP credentials not set, notifications will be logged only")
	}

	if err := queue.EnsureTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, 3, 1); err != nil {
		log.Warn().Err(err).Msg("failed to ensure notification topic")
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.GroupID)
	defer consumer.Close()

	relay := notification.NewRelay(consumer, notifier, 3, 5*time.Second)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := consumer.Stats()
				log.Info().
					Int64("messages", stats.Messages).
					Int64("errors", stats.Errors).
					Int64("lag", stats.Lag).
					Msg("consumer statistics")
			}
		}
	}()

	if err := relay.Run(ctx); err != nil {
		log.Error().Err(err).Msg("notification relay stopped with error")
	}
	log.Info().Msg("shutdown complete")
}
