package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/canble-bridge/internal/bus"
	"github.com/kstaniek/canble-bridge/internal/socketcan"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (bus.Handle, error) { return socketcan.Open(iface) }

func openSocketCANBackend(cfg *appConfig, l *slog.Logger) (bus.Handle, error) {
	h, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	return h, nil
}
