package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/canble-bridge/internal/logging"
	"github.com/kstaniek/canble-bridge/internal/slcan"
)

type appConfig struct {
	backend         string
	canIf           string
	serialDev       string
	baud            int
	bitrate         int
	canID           string
	moduleID        string
	ackKey          string
	rxTimeout       time.Duration
	queueSize       int
	layoutPath      string
	adapter         string
	bleEnable       bool
	localName       string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "socketcan", "CAN backend: socketcan|slcan")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	serialDev := flag.String("serial", "/dev/ttyACM0", "SLCAN serial device (when --backend=slcan)")
	baud := flag.Int("baud", 115200, "SLCAN serial baud rate")
	bitrate := flag.Int("bitrate", 500000, "CAN bitrate configured on SLCAN adapters")
	canID := flag.String("can-id", "", "Accept only this 11-bit CAN ID and use it for outbound frames (hex or decimal; empty accepts all)")
	moduleID := flag.String("module-id", "", "Accept only payloads addressed to this module (0-255; empty accepts all)")
	ackKey := flag.String("ack-key", "", "Echo every received value back on the bus with this key (empty disables)")
	rxTimeout := flag.Duration("rx-timeout", time.Second, "Bus receive timeout; bounds stop latency")
	queueSize := flag.Int("queue-size", 64, "Per-subscriber delivery buffer (values beyond it are dropped)")
	layoutPath := flag.String("layout", "", "YAML file describing the GATT service (empty uses the built-in layout)")
	adapter := flag.String("adapter", "", "Bluetooth adapter, e.g. hci0 (empty picks the first usable one)")
	bleEnable := flag.Bool("ble-enable", true, "Publish the GATT application and advertisement via BlueZ")
	localName := flag.String("local-name", "", "Advertised local name (default from layout)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise the metrics endpoint via mDNS (requires -metrics-addr)")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default canble-bridge-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Explicitly set flags take precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.bitrate = *bitrate
	cfg.canID = *canID
	cfg.moduleID = *moduleID
	cfg.ackKey = *ackKey
	cfg.rxTimeout = *rxTimeout
	cfg.queueSize = *queueSize
	cfg.layoutPath = *layoutPath
	cfg.adapter = *adapter
	cfg.bleEnable = *bleEnable
	cfg.localName = *localName
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges. It does not open devices or the bus.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := logging.ValidFormat(c.logFormat); err != nil {
		return err
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan":
		if c.canIf == "" {
			return errors.New("can-if must be set for socketcan backend")
		}
	case "slcan":
		if c.serialDev == "" {
			return errors.New("serial must be set for slcan backend")
		}
		if _, err := slcan.BitrateCode(c.bitrate); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.rxTimeout <= 0 {
		return fmt.Errorf("rx-timeout must be > 0")
	}
	if c.queueSize <= 0 {
		return fmt.Errorf("queue-size must be > 0 (got %d)", c.queueSize)
	}
	if _, err := c.canIDValue(); err != nil {
		return err
	}
	if _, err := c.moduleIDValue(); err != nil {
		return err
	}
	if _, err := c.ackKeyValue(); err != nil {
		return err
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if c.mdnsEnable && c.metricsAddr == "" {
		return errors.New("mdns-enable requires metrics-addr")
	}
	return nil
}

func (c *appConfig) canIDValue() (*uint32, error) {
	v, err := parseOptional(c.canID, 0x7FF)
	if err != nil {
		return nil, fmt.Errorf("invalid can-id: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	id := uint32(*v)
	return &id, nil
}

func (c *appConfig) moduleIDValue() (*uint8, error) {
	v, err := parseOptional(c.moduleID, 0xFF)
	if err != nil {
		return nil, fmt.Errorf("invalid module-id: %w", err)
	}
	return byteOrNil(v), nil
}

func (c *appConfig) ackKeyValue() (*uint8, error) {
	v, err := parseOptional(c.ackKey, 0xFF)
	if err != nil {
		return nil, fmt.Errorf("invalid ack-key: %w", err)
	}
	return byteOrNil(v), nil
}

func byteOrNil(v *uint64) *uint8 {
	if v == nil {
		return nil
	}
	b := uint8(*v)
	return &b
}

// parseOptional parses a decimal or 0x-prefixed value up to limit; empty means unset.
func parseOptional(s string, limit uint64) (*uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return nil, err
	}
	if v > limit {
		return nil, fmt.Errorf("%s exceeds 0x%X", s, limit)
	}
	return &v, nil
}

// applyEnvOverrides maps CANBLE_* environment variables to config fields
// unless the corresponding flag was set explicitly. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	fail := func(k string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", k, err)
		}
	}
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(env, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}
	str("backend", "CANBLE_BACKEND", &c.backend)
	str("can-if", "CANBLE_CAN_IF", &c.canIf)
	str("serial", "CANBLE_SERIAL", &c.serialDev)
	num("baud", "CANBLE_BAUD", &c.baud)
	num("bitrate", "CANBLE_BITRATE", &c.bitrate)
	str("can-id", "CANBLE_CAN_ID", &c.canID)
	str("module-id", "CANBLE_MODULE_ID", &c.moduleID)
	str("ack-key", "CANBLE_ACK_KEY", &c.ackKey)
	dur("rx-timeout", "CANBLE_RX_TIMEOUT", &c.rxTimeout)
	num("queue-size", "CANBLE_QUEUE_SIZE", &c.queueSize)
	str("layout", "CANBLE_LAYOUT", &c.layoutPath)
	str("adapter", "CANBLE_ADAPTER", &c.adapter)
	boolean("ble-enable", "CANBLE_BLE_ENABLE", &c.bleEnable)
	str("local-name", "CANBLE_LOCAL_NAME", &c.localName)
	str("log-format", "CANBLE_LOG_FORMAT", &c.logFormat)
	str("log-level", "CANBLE_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// an empty value explicitly disables metrics
		if v, ok := get("CANBLE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	dur("log-metrics-interval", "CANBLE_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "CANBLE_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "CANBLE_MDNS_NAME", &c.mdnsName)
	return firstErr
}
