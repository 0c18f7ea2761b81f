package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_canble-bridge._tcp"

// registerMDNS is a hook for tests.
var registerMDNS = func(instance, service string, port int, txt []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, "local.", port, txt, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

// startMDNS advertises the metrics endpoint and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	port, err := portFromAddr(cfg.metricsAddr)
	if err != nil {
		return nil, err
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("canble-bridge-%s", host)
	}
	meta := []string{
		"backend=" + cfg.backend,
		"version=" + version,
		"commit=" + commit,
		"path=/metrics",
	}
	shutdown, err := registerMDNS(instance, mdnsServiceType, port, meta)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

// portFromAddr extracts the port of a host:port or :port listen address.
func portFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("metrics address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("metrics address %q: invalid port", addr)
	}
	return n, nil
}
