package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Until Init is called it is the
// zero zerolog.Logger, which discards everything.
var Logger zerolog.Logger

// Init configures the base logger
func Init(level string) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	var output io.Writer = os.Stdout
	if os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "weather-alerts").
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Fatal logs at fatal level and exits
func Fatal(err error, msg string) {
	Logger.Fatal().Err(err).Msg(msg)
}
