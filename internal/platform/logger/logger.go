package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. Level comes from
// VERDICT_LOG_LEVEL (debug, info, warn, error); default is info.
func New() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("VERDICT_LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
