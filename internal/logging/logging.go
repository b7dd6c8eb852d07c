// Package logging configures the global zerolog logger and the two
// persistent sinks behind it: the daily-rotated log file and the store-backed
// audit trail for WARN and above.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log categories. Every subsystem logs with its own category so persisted
// entries can be filtered.
const (
	CategoryAuth    = "auth"
	CategoryBridge  = "bridge"
	CategoryQueue   = "queue"
	CategoryPool    = "pool"
	CategoryCache   = "cache"
	CategoryBreaker = "breaker"
	CategoryHub     = "hub"
	CategoryAdmin   = "admin"
	CategoryStore   = "store"
)

var baseWriter io.Writer = os.Stderr

// Setup configures the global logger. Called once before anything else in
// main; sinks are attached later once the store and log directory exist.
func Setup(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(level))

	if format == "console" {
		baseWriter = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	} else {
		baseWriter = os.Stderr
	}

	log.Logger = zerolog.New(baseWriter).With().
		Timestamp().
		Str("service", "hubbridge").
		Logger()
	// log.Ctx on a context without a request-scoped logger falls back to
	// the global one instead of discarding.
	zerolog.DefaultContextLogger = &log.Logger
}

// AddSinks rebuilds the global logger to also write to the given sinks.
// The base stderr writer always stays first.
func AddSinks(sinks ...io.Writer) {
	writers := append([]io.Writer{baseWriter}, sinks...)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
		Timestamp().
		Str("service", "hubbridge").
		Logger()
}

// For returns a logger tagged with a subsystem category.
func For(category string) zerolog.Logger {
	return log.With().Str("category", category).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
