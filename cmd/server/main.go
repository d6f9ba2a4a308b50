package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/smukkama/weather-alerts/internal/alarming"
	"github.com/smukkama/weather-alerts/internal/api"
	"github.com/smukkama/weather-alerts/internal/cache"
	"github.com/smukkama/weather-alerts/internal/database"
	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/metrics"
	"github.com/smukkama/weather-alerts/internal/notification"
	"github.com/smukkama/weather-alerts/internal/queue"
	"github.com/smukkama/weather-alerts/internal/timer"
	"github.com/smukkama/weather-alerts/internal/weather"
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
	log.Info().Str("addr", cfg.HTTP.Addr).Msg("starting weather alert server")

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Alert store
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DataSourceName())
	if err != nil {
		logger.Fatal(err, "failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal(err, "failed to migrate database")
	}
	log.Info().Str("driver", db.Driver()).Msg("connected to database")

	// Redis backs the job queue and, by default, the weather cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal(err, "failed to connect to redis")
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

	var weatherCache cache.Cache
	if cfg.Weather.CacheBackend == "memory" {
		weatherCache = cache.NewMemoryCache(cfg.Weather.CacheMaxEntries, clockwork.NewRealClock())
	} else {
		weatherCache = cache.NewRedisCache(redisClient, "weather")
	}

	if cfg.Weather.APIKey == "" {
		log.Warn().Msg("TOMORROW_IO_API_KEY is not set, upstream weather requests will fail")
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

	// Notifications: live hub plus optional Kafka transport
	hub := notification.NewHub(cfg.Notifications.BufferSize, cfg.Notifications.MaxSubscribers, m)
	defer hub.Close()

	dispatcherCfg := notification.DispatcherConfig{Hub: hub, Metrics: m}
	if cfg.Kafka.Enabled {
		if err := queue.EnsureTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, 3, 1); err != nil {
			log.Warn().Err(err).Str("topic", cfg.Kafka.TopicNotifications).Msg("failed to create notification topic")
		}
		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		defer producer.Close()
		dispatcherCfg.Transport = producer
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("kafka notification transport enabled")
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

	// Background evaluation
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
	defer jobs.Stop()

	scheduler := timer.NewTimerManager(1)
	scheduler.Start()
	defer scheduler.Stop()

	err = scheduler.Every("evaluate-all-alerts", cfg.Scheduler.Interval, func() {
		job, err := jobs.EnqueueEvaluateAll(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to schedule bulk evaluation")
			return
		}
		log.Debug().Str("job_id", job.ID).Msg("scheduled bulk evaluation")
	})
	if err != nil {
		logger.Fatal(err, "failed to start scheduler")
	}
	log.Info().Dur("interval", cfg.Scheduler.Interval).Msg("scheduler started")

	// HTTP surface
	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(api.Config{
		Store:         db,
		Engine:        engine,
		Jobs:          jobs,
		Weather:       gateway,
		Hub:           hub,
		Metrics:       m,
		WebhookSecret: cfg.Webhook.Secret,
		ForecastDays:  cfg.Weather.ForecastDays,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		RateLimit:    cfg.HTTP.RateLimit,
		AllowOrigins: cfg.HTTP.AllowOrigins,
		Metrics:      m,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down gracefully")
	case err := <-serverErr:
		log.Error().Err(err).Msg("http server failed")
	}

	// Close live streams first so Shutdown is not held open by them
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("shutdown complete")
}
