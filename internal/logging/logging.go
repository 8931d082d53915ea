package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the process logger: JSON (default) or text on stdout, tagged
// with the service name, at the given level (debug, info, warn, error).
func Init(service, format, level string) *slog.Logger {
	return New(os.Stdout, service, format, level, true)
}

func New(w io.Writer, service, format, level string, setDefault bool) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With("service", service)
	if setDefault {
		slog.SetDefault(logger)
	}

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
