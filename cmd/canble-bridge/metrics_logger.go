package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/canble-bridge/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"bus_rx", snap.BusRx,
					"bus_tx", snap.BusTx,
					"filtered", snap.Filtered,
					"malformed", snap.Malformed,
					"messages", snap.Messages,
					"delivery_dropped", snap.DeliveryDropped,
					"delivery_failed", snap.DeliveryFailed,
					"notifications", snap.Notifications,
					"subscribers", snap.Subscribers,
					"notifying", snap.Notifying,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
