package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database      DatabaseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	HTTP          HTTPConfig
	Weather       WeatherConfig
	Queue         QueueConfig
	Scheduler     SchedulerConfig
	Notifications NotificationConfig
	Webhook       WebhookConfig
	SMTP          SMTPConfig
	LogLevel      string
}

type DatabaseConfig struct {
	Driver   string // postgres or sqlite
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string // sqlite only
}

// DataSourceName returns the driver-specific connection string
func (d DatabaseConfig) DataSourceName() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Enabled            bool
	Brokers            []string
	TopicNotifications string
	GroupID            string
}

type HTTPConfig struct {
	Addr            string
	RateLimit       int // requests per second, 0 disables
	AllowOrigins    []string
	ShutdownTimeout time.Duration
}

type WeatherConfig struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	CurrentTTL        time.Duration
	ForecastTTL       time.Duration
	StaleTTL          time.Duration // last known reading kept for fallback
	FetchConcurrency  int
	ForecastDays      int
	CacheBackend      string // redis or memory
	CacheMaxEntries   int    // memory only
}

type QueueConfig struct {
	Name          string
	Concurrency   int
	MaxAttempts   int
	Backoff       time.Duration
	PollInterval  time.Duration
	JobTimeout    time.Duration
	KeepCompleted int
	KeepFailed    int
	LockTTL       time.Duration // per-alert evaluation lock shared by all workers
}

type SchedulerConfig struct {
	Interval time.Duration
}

type NotificationConfig struct {
	BufferSize     int
	MaxSubscribers int
}

type WebhookConfig struct {
	Secret string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "weather_user"),
			Password: getEnv("DB_PASSWORD", "weather_pass"),
			DBName:   getEnv("DB_NAME", "weather_alerts"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_PATH", "weather-alerts.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Enabled:            getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:            getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicNotifications: getEnv("KAFKA_TOPIC_NOTIFICATIONS", "weather.alert-notifications"),
			GroupID:            getEnv("KAFKA_GROUP_ID", "notification-group"),
		},
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":3001"),
			RateLimit:       getEnvAsInt("HTTP_RATE_LIMIT", 20),
			AllowOrigins:    getEnvAsList("HTTP_ALLOW_ORIGINS", []string{"*"}),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Weather: WeatherConfig{
			APIKey:            getEnv("TOMORROW_IO_API_KEY", ""),
			BaseURL:           getEnv("TOMORROW_IO_BASE_URL", "https://api.tomorrow.io/v4"),
			Timeout:           getEnvAsDuration("WEATHER_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvAsFloat("WEATHER_REQUESTS_PER_SECOND", 3),
			CurrentTTL:        getEnvAsDuration("WEATHER_CURRENT_TTL", 5*time.Minute),
			ForecastTTL:       getEnvAsDuration("WEATHER_FORECAST_TTL", time.Hour),
			StaleTTL:          getEnvAsDuration("WEATHER_STALE_TTL", 24*time.Hour),
			FetchConcurrency:  getEnvAsInt("WEATHER_FETCH_CONCURRENCY", 8),
			ForecastDays:      getEnvAsInt("WEATHER_FORECAST_DAYS", 3),
			CacheBackend:      getEnv("WEATHER_CACHE_BACKEND", "redis"),
			CacheMaxEntries:   getEnvAsInt("WEATHER_CACHE_MAX_ENTRIES", 10000),
		},
		Queue: QueueConfig{
			Name:          getEnv("QUEUE_NAME", "alert-processing"),
			Concurrency:   getEnvAsInt("QUEUE_CONCURRENCY", 5),
			MaxAttempts:   getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			Backoff:       getEnvAsDuration("QUEUE_BACKOFF", 5*time.Second),
			PollInterval:  getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
			JobTimeout:    getEnvAsDuration("QUEUE_JOB_TIMEOUT", 2*time.Minute),
			KeepCompleted: getEnvAsInt("QUEUE_KEEP_COMPLETED", 100),
			KeepFailed:    getEnvAsInt("QUEUE_KEEP_FAILED", 50),
			LockTTL:       getEnvAsDuration("QUEUE_LOCK_TTL", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Interval: getEnvAsDuration("SCHEDULER_INTERVAL", 5*time.Minute),
		},
		Notifications: NotificationConfig{
			BufferSize:     getEnvAsInt("NOTIFICATION_BUFFER_SIZE", 32),
			MaxSubscribers: getEnvAsInt("NOTIFICATION_MAX_SUBSCRIBERS", 10000),
		},
		Webhook: WebhookConfig{
			Secret: getEnv("TOMORROW_IO_WEBHOOK_SECRET", ""),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "weather-alerts@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that have no safe fallback
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.Queue.Concurrency))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts))
	}
	if c.Queue.KeepCompleted < 0 || c.Queue.KeepFailed < 0 {
		errs = append(errs, errors.New("QUEUE_KEEP_COMPLETED and QUEUE_KEEP_FAILED must not be negative"))
	}
	if c.Queue.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_LOCK_TTL must be positive, got %s", c.Queue.LockTTL))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_INTERVAL must be positive, got %s", c.Scheduler.Interval))
	}
	if c.Weather.FetchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WEATHER_FETCH_CONCURRENCY must be at least 1, got %d", c.Weather.FetchConcurrency))
	}
	if c.Weather.ForecastDays < 1 {
		errs = append(errs, fmt.Errorf("WEATHER_FORECAST_DAYS must be at least 1, got %d", c.Weather.ForecastDays))
	}
	if c.Weather.CacheBackend != "redis" && c.Weather.CacheBackend != "memory" {
		errs = append(errs, fmt.Errorf("WEATHER_CACHE_BACKEND must be redis or memory, got %q", c.Weather.CacheBackend))
	}
	if c.Weather.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("WEATHER_REQUESTS_PER_SECOND must be positive, got %v", c.Weather.RequestsPerSecond))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is set"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
