package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"go.uber.org/fx"
	"gopkg.in/natefinch/lumberjack.v2"

	"imagery-gateway/internal/config"
)

func newLogger(lc fx.Lifecycle, cfg *config.Config) *slog.Logger {
	level := parseLevel(cfg.Log.Level)
	color := isatty.IsTerminal(os.Stdout.Fd())

	h := consoleHandler(os.Stdout, cfg.Log.Format, level, color)

	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		lc.Append(fx.StopHook(rotator.Close))

		// The file always gets JSON regardless of the console format.
		h = slog.NewMultiHandler(h, slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(h)
}

func consoleHandler(w io.Writer, format string, level slog.Level, color bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(w, opts)
	case "pretty":
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    !color,
		})
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLevel(s string) slog.Level {
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
