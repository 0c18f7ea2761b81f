package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/canble-bridge/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "canble-bridge")
	logging.Set(l)
	return l
}
