// Package logging configures the process-wide slog logger used by every
// orchestrator component.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger. JSON if PIPEWEAVE_JSON_LOG=1/true, else text.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("PIPEWEAVE_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: LevelFromSpecLevel(os.Getenv("PIPEWEAVE_LOG_LEVEL"))}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

// LevelFromSpecLevel maps the configured logLevel (minimal, normal, detailed) to slog levels.
func LevelFromSpecLevel(lvl string) slog.Leveler {
	switch strings.ToLower(lvl) {
	case "detailed":
		return slog.LevelDebug
	case "minimal":
		return slog.LevelWarn
	case "normal", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
