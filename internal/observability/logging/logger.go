// Package logging configures the zerolog global logger and derives
// component and call scoped loggers from it.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // trace, debug, info, warn, error
	Format     string // json, console
	TimeFormat string
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// New builds a logger from cfg without touching the global one.
func New(cfg Config, out io.Writer) zerolog.Logger {
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

// InitWithWriter replaces the global logger and level. Loggers derived
// before the call keep the old output.
func InitWithWriter(cfg Config, out io.Writer) {
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	log.Logger = New(cfg, out)
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// WithComponent tags the global logger with a component name.
func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithStream scopes logs to one audio stream.
func WithStream(streamID, system string) zerolog.Logger {
	return log.With().
		Str("streamId", streamID).
		Str("system", system).
		Logger()
}

func WithSegment(streamID, segmentID string) zerolog.Logger {
	return log.With().
		Str("streamId", streamID).
		Str("segmentId", segmentID).
		Logger()
}

// WithRequest carries a transcription request's correlation id, its
// segment key and the provider handling it.
func WithRequest(requestID, key, provider string) zerolog.Logger {
	return log.With().
		Str("requestId", requestID).
		Str("key", key).
		Str("sttProvider", provider).
		Logger()
}

func WithCall(callID, systemID int64) zerolog.Logger {
	return log.With().
		Int64("callId", callID).
		Int64("systemId", systemID).
		Logger()
}
