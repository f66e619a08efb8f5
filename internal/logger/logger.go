package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Global logger instance
	Logger zerolog.Logger = zerolog.Nop()
)

// Initialize sets up the global logger. Console output is used unless LOG_FORMAT=json.
func Initialize(logLevel string) {
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
	}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		output = os.Stdout
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	zerolog.SetGlobalLevel(parseLevel(logLevel))

	// Replace standard log with zerolog
	log.Logger = Logger
}

func parseLevel(logLevel string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(logLevel)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &Logger
}

// GetForComponent returns a logger with a component field for better filtering
func GetForComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithCycle tags base with a keeper cycle id for tracing logs across one cycle.
func WithCycle(base zerolog.Logger, cycleID string) zerolog.Logger {
	return base.With().Str("cycle_id", cycleID).Logger()
}
