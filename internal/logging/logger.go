package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production writes JSON at info level. Anything else writes tinted
// console output at debug level, with colour only on a terminal.
// A non-empty level overrides the environment default.
func NewLogger(w io.Writer, env, level string) *slog.Logger {
	lvl := slog.LevelDebug
	if env == "production" {
		lvl = slog.LevelInfo
	}
	if level != "" {
		lvl = ParseLevel(level)
	}

	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
		NoColor:    !isTerminal(w),
	}))
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
