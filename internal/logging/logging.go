package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"facelapse/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging, optionally teeing to a dated log file.
// Log output goes to stderr so progress bars own stdout.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stderr}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}

		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("facelapse-%s.log",
			time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)

		// Best-effort convenience symlink to the current log.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "facelapse-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		logger = slog.New(slog.NewJSONHandler(io.MultiWriter(writers...),
			&slog.HandlerOptions{Level: level}))
	} else {
		logger = slog.New(&traditionalHandler{
			logger: log.New(io.MultiWriter(writers...), "", log.LstdFlags),
			level:  level,
		})
	}

	slog.SetDefault(logger)
	return logger, nil
}

// traditionalHandler implements slog.Handler with traditional log formatting:
// timestamp, [LEVEL], message, then key=value attributes in brackets.
type traditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *traditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *traditionalHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *traditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &out
}

func (h *traditionalHandler) WithGroup(string) slog.Handler {
	return h
}

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
