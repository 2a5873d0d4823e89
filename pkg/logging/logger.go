// Package logging provides structured logging configuration using zerolog.
//
// Every log line passes through a redacting writer that replaces the
// configured backend address with a placeholder, so the real network
// address never reaches a console or log sink.
package logging

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Placeholder replaces the backend address in all log output.
const Placeholder = "[backend]"

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// RedactAddr is the backend address to scrub from every log line.
	// Empty disables redaction.
	RedactAddr string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.RedactAddr != "" {
		output = NewRedactingWriter(output, cfg.RedactAddr)
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// RedactingWriter scrubs a backend address from everything written
// through it. It replaces the full address and its bare host form, so
// partial leaks (host without scheme, host:port inside a wrapped error)
// are caught too.
type RedactingWriter struct {
	out      io.Writer
	patterns [][]byte
}

// NewRedactingWriter wraps out so that addr never appears in its output.
func NewRedactingWriter(out io.Writer, addr string) *RedactingWriter {
	patterns := make([][]byte, 0, 2)
	addr = strings.TrimSuffix(addr, "/")
	if addr != "" {
		patterns = append(patterns, []byte(addr))
		if u, err := url.Parse(addr); err == nil && u.Host != "" && u.Host != addr {
			patterns = append(patterns, []byte(u.Host))
		}
	}
	return &RedactingWriter{out: out, patterns: patterns}
}

// Write implements io.Writer. Log writers must not report a different
// length than given, so the original length is returned after scrubbing.
func (w *RedactingWriter) Write(p []byte) (int, error) {
	scrubbed := p
	for _, pat := range w.patterns {
		scrubbed = bytes.ReplaceAll(scrubbed, pat, []byte(Placeholder))
	}
	if _, err := w.out.Write(scrubbed); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, freshness, key)
//   - Background revalidation outcomes
//   - Credential refresh flow
//
// Info: Normal operation events
//   - Sync task delivered
//   - Replay batch completed
//   - Agent startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Background refresh failures (stale value keeps serving)
//   - Durable store errors (fallback to memory-only)
//
// Error: Error conditions requiring attention
//   - Foreground requests failed after retries
//   - Sync task exhausted its retry budget
//   - Configuration errors
//
// Context Fields:
//   - endpoint: backend endpoint path (never the full address)
//   - status: HTTP status code
//   - kind: error classification
//   - key: cache key
//   - task_id: sync task identifier
//   - attempt: retry attempt number
