package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/canble-bridge/internal/bus"
	"github.com/kstaniek/canble-bridge/internal/slcan"
)

// serialReadTimeout bounds each serial read so the device can honour receive timeouts.
const serialReadTimeout = 50 * time.Millisecond

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = slcan.OpenPort

func openSLCANBackend(cfg *appConfig, l *slog.Logger) (bus.Handle, error) {
	port, err := openSerialPort(cfg.serialDev, cfg.baud, serialReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
	}
	dev, err := slcan.Open(port, cfg.bitrate)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("slcan init %s: %w", cfg.serialDev, err)
	}
	l.Info("slcan_open", "device", cfg.serialDev, "baud", cfg.baud, "bitrate", cfg.bitrate)
	return dev, nil
}
