package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/dkn-bridge/internal/infrastructure/config"
)

// ServiceName is attached to every entry as the "service" field.
const ServiceName = "dkn-bridge"

// Logger wraps slog.Logger with bridge-specific functionality.
//
// It provides structured logging with default fields and level-based filtering.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger

	// base emits at every level; Logger filters it at the configured level.
	base    slog.Handler
	network bool
}

// New creates a new Logger with the specified configuration, writing to the
// destination named by cfg.Output.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return NewWithWriter(output, cfg, version)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})

	return &Logger{
		Logger:  slog.New(&levelHandler{Handler: handler, min: parseLevel(cfg.Level)}),
		base:    handler,
		network: cfg.Network,
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	mqttLogger := logger.With("component", "mqtt")
//	mqttLogger.Info("connected") // Includes component=mqtt
func (l *Logger) With(args ...any) *Logger {
	child := &Logger{
		Logger:  l.Logger.With(args...),
		network: l.network,
	}
	if l.base != nil {
		child.base = slog.New(l.base).With(args...).Handler()
	}
	return child
}

// Network returns the logger used for vendor cloud traffic. When network
// logging is enabled it emits debug entries regardless of the configured
// level, so frame dumps can be switched on without drowning the rest of
// the service in debug output.
func (l *Logger) Network() *Logger {
	if !l.network || l.base == nil {
		return l.With("component", "network")
	}
	h := l.base.WithAttrs([]slog.Attr{slog.String("component", "network")})
	return &Logger{Logger: slog.New(h), base: h, network: true}
}

// NetworkEnabled reports whether transport frame logging was requested.
func (l *Logger) NetworkEnabled() bool {
	return l.network
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// levelHandler drops records below min before they reach the wrapped handler.
type levelHandler struct {
	slog.Handler
	min slog.Level
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.Handler.Enabled(ctx, level)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}
