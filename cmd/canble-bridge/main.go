package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/canble-bridge/internal/bridge"
	"github.com/kstaniek/canble-bridge/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("canble-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	if err := run(cfg, l); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newBridge(cfg *appConfig, l *slog.Logger) (*bridge.Bridge, error) {
	canID, err := cfg.canIDValue()
	if err != nil {
		return nil, err
	}
	moduleID, err := cfg.moduleIDValue()
	if err != nil {
		return nil, err
	}
	ackKey, err := cfg.ackKeyValue()
	if err != nil {
		return nil, err
	}
	h, err := openBackend(cfg, l)
	if err != nil {
		return nil, err
	}
	return bridge.New(h, bridge.Config{
		CANID:       canID,
		ModuleID:    moduleID,
		AckKey:      ackKey,
		ReadTimeout: cfg.rxTimeout,
		QueueSize:   cfg.queueSize,
		Logger:      l,
	}), nil
}

func run(cfg *appConfig, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()

	br, err := newBridge(cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := br.Close(); err != nil {
			l.Warn("bridge_close_error", "error", err)
		}
	}()

	// Characteristics must exist before the application is exported.
	if cfg.bleEnable {
		cleanupBLE, err := startBLE(ctx, cfg, br, l)
		if err != nil {
			return fmt.Errorf("ble: %w", err)
		}
		defer cleanupBLE()
	}
	if err := br.Start(); err != nil {
		return err
	}

	metrics.SetReadinessFunc(func() bool { return br.Running() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		cleanupMDNS, err := startMDNS(ctx, cfg)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName)
			defer cleanupMDNS()
		}
	}
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	var runErr error
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-br.Done():
		runErr = errors.New("bus reader exited")
	}
	cancel()
	return runErr
}
