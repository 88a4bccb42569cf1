package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger returns a configured slog.Logger based on configuration.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	format := "pretty"
	if cfg != nil {
		format = cfg.LogFormat
		_ = level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel)))
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		AddSource:  true,
		TimeFormat: time.Kitchen,
		NoColor:    cfg != nil && cfg.IsProduction(),
	}))
}
