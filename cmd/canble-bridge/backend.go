package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/canble-bridge/internal/bus"
)

// openBackend opens the configured bus handle. Failures are fatal for the
// caller and wrapped in bus.ErrHandleOpenFailed.
func openBackend(cfg *appConfig, l *slog.Logger) (bus.Handle, error) {
	var (
		h   bus.Handle
		err error
	)
	switch cfg.backend {
	case "socketcan":
		h, err = openSocketCANBackend(cfg, l)
	case "slcan":
		h, err = openSLCANBackend(cfg, l)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q (use socketcan|slcan)", bus.ErrHandleOpenFailed, cfg.backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bus.ErrHandleOpenFailed, err)
	}
	return h, nil
}
