// Package log provides the logging infrastructure shared by all recall
// components.
//
// Loggers are injected, never global: each component receives a Logger in its
// constructor and may narrow it with logger.With("component", ...). Tests use
// NewNop or NewWithWriter with a buffer.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger is an alias for *slog.Logger. Using the standard library type keeps
// full compatibility with the slog ecosystem and avoids a custom interface.
type Logger = *slog.Logger

// Config defines logger options.
type Config struct {
	// Level sets the minimum log level. Default: slog.LevelInfo.
	Level slog.Level

	// JSON enables JSON output. Default: false (text).
	JSON bool

	// AddSource attaches source file positions to records.
	AddSource bool
}

// New creates a logger writing to os.Stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w. Useful in tests for capturing
// output.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// NewNop returns a logger that discards everything. Test use only; production
// code should always configure a real writer.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a config string to a slog.Level. Unknown values default to
// info rather than failing startup.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
