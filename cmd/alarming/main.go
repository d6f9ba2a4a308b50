package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/smukkama/weather-alerts/internal/alarming"
	"github.com/smukkama/weather-alerts/internal/cache"
	"github.com/smukkama/weather-alerts/internal/database"
	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/metrics"
	"github.com/smukkama/weather-alerts/internal/notification"
	"github.com/smukkama/weather-alerts/internal/queue"
	"github.com/smukkama/weather-alerts/internal/weather"
	"github.com/smukkama/weather-alerts/pkg/config"
)

// alarming runs extra evaluation workers against the shared job queue. It
// has no HTTP surface and no live subscribers; transitions reach users via
// the Kafka notification topic only.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info")
		logger.Fatal(err, "failed to load configuration")
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")
	log.Info().
		Str("queue", cfg.Queue.Name).
		Int("concurrency", cfg.Queue.Concurrency).
		Msg("starting alarming worker")

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DataSourceName())
	if err != nil {
		logger.Fatal(err, "failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal(err, "failed to migrate database")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal(err, "failed to connect to redis")
	}

	var weatherCache cache.Cache = cache.NewRedisCache(redisClient, "weather")
	if cfg.Weather.CacheBackend == "memory" {
		weatherCache = cache.NewMemoryCache(cfg.Weather.CacheMaxEntries, clockwork.NewRealClock())
	}

	gateway := weather.NewGateway(weather.Config{
		Provider: weather.NewTomorrowClient(
			cfg.Weather.APIKey,
			cfg.Weather.BaseURL,
			cfg.Weather.Timeout,
			cfg.Weather.RequestsPerSecond,
		),
		Cache:            weatherCache,
		Metrics:          m,
		CurrentTTL:       cfg.Weather.CurrentTTL,
		ForecastTTL:      cfg.Weather.ForecastTTL,
		StaleTTL:         cfg.Weather.StaleTTL,
		FetchTimeout:     cfg.Weather.Timeout,
		FetchConcurrency: cfg.Weather.FetchConcurrency,
	})

	dispatcherCfg := notification.DispatcherConfig{Metrics: m}
	if cfg.Kafka.Enabled {
		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		defer producer.Close()
		dispatcherCfg.Transport = producer
	} else {
		log.Warn().Msg("KAFKA_ENABLED is not set, transitions from this worker will not be delivered")
	}
	dispatcher := notification.NewDispatcher(dispatcherCfg)
	defer dispatcher.Close()

	engine := alarming.NewEngine(alarming.Config{
		Store:        db,
		Weather:      gateway,
		Notifier:     dispatcher,
		Metrics:      m,
		ForecastDays: cfg.Weather.ForecastDays,
		Locker:       queue.NewLocker(redisClient, cfg.Queue.Name, cfg.Queue.LockTTL),
	})

	jobs := queue.New(redisClient, queue.Config{
		Name:          cfg.Queue.Name,
		Concurrency:   cfg.Queue.Concurrency,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		Backoff:       cfg.Queue.Backoff,
		PollInterval:  cfg.Queue.PollInterval,
		JobTimeout:    cfg.Queue.JobTimeout,
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
		Metrics:       m,
	})
	if err := jobs.Start(ctx, engine.HandleJob); err != nil {
		logger.Fatal(err, "failed to start job queue")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully")
	jobs.Stop()
	log.Info().Msg("shutdown complete")
}
