// Package observability provides the relay's structured logging and metrics
// setup: a zerolog logger configured from Config, and a Prometheus registry
// exposing the relay's own counters/histograms under an HTTP handler.
//
// CRITICAL: never log the symmetric session key, the sealed-box plaintext,
// or tunneled request/response bodies.
package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is "json" (default) or "console" for human-readable output.
	Format string
	// ServiceName is attached to every log line.
	ServiceName string
}

// DefaultConfig returns json-formatted info-level logging.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", ServiceName: "tunnel-relay"}
}

// NewLogger builds a zerolog.Logger per cfg, writing to w (os.Stdout if nil).
func NewLogger(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer io.Writer = w
	if strings.EqualFold(cfg.Format, "console") {
		writer = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()
}
