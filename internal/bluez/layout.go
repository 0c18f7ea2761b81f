package bluez

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kstaniek/canble-bridge/internal/gatt"
)

// bluetoothBase is the Bluetooth SIG base UUID used to expand 16/32-bit UUIDs.
const bluetoothBase = "-0000-1000-8000-00805f9b34fb"

// Layout describes the GATT service published by the bridge.
type Layout struct {
	Service         string       `yaml:"service"`
	LocalName       string       `yaml:"local_name"`
	Characteristics []CharLayout `yaml:"characteristics"`
}

// CharLayout describes one characteristic. Key selects one telemetry key;
// All (or no key) receives every key.
type CharLayout struct {
	UUID        string   `yaml:"uuid"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Key         *uint8   `yaml:"key"`
	All         bool     `yaml:"all"`
	Flags       []string `yaml:"flags"`
	Format      string   `yaml:"format"`
	Unit        string   `yaml:"unit"`
	WriteKey    *uint8   `yaml:"write_key"`
	// UnitFor names an earlier characteristic whose unit this one selects;
	// Units lists the accepted labels.
	UnitFor string   `yaml:"unit_for"`
	Units   []string `yaml:"units"`
}

var validFlags = map[string]bool{
	"read":                   true,
	"write":                  true,
	"write-without-response": true,
	"notify":                 true,
	"indicate":               true,
}

// DefaultLayout publishes a thermometer: one read/notify characteristic
// carrying every key as a decimal Celsius string, and a read/write
// characteristic switching it between C and F.
func DefaultLayout() *Layout {
	return &Layout{
		Service:   "00000001-710e-4a5b-8d75-3e5b444bc3cf",
		LocalName: "canble-bridge",
		Characteristics: []CharLayout{
			{
				UUID:        "00000002-710e-4a5b-8d75-3e5b444bc3cf",
				Name:        "telemetry",
				Description: "CAN telemetry value",
				All:         true,
				Flags:       []string{"read", "notify"},
				Format:      "decimal",
				Unit:        "C",
			},
			{
				UUID:        "00000003-710e-4a5b-8d75-3e5b444bc3cf",
				Name:        "unit",
				Description: "Telemetry units (C or F)",
				Flags:       []string{"read", "write"},
				UnitFor:     "telemetry",
				Units:       []string{"C", "F"},
			},
		},
	}
}

// LoadLayout reads and validates a layout file.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := ParseLayout(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

// ParseLayout decodes YAML, rejecting unknown fields, and validates the result.
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&l); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate normalizes UUIDs in place and checks flags and formats.
func (l *Layout) Validate() error {
	u, err := NormalizeUUID(l.Service)
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	l.Service = u
	if len(l.Characteristics) == 0 {
		return errors.New("layout has no characteristics")
	}
	seen := make(map[string]bool)
	byName := make(map[string]*CharLayout)
	for i := range l.Characteristics {
		c := &l.Characteristics[i]
		if c.Name == "" {
			c.Name = fmt.Sprintf("char%d", i)
		}
		u, err := NormalizeUUID(c.UUID)
		if err != nil {
			return fmt.Errorf("characteristic %s: %w", c.Name, err)
		}
		if seen[u] {
			return fmt.Errorf("characteristic %s: duplicate uuid %s", c.Name, u)
		}
		seen[u] = true
		c.UUID = u
		if c.All && c.Key != nil {
			return fmt.Errorf("characteristic %s: key and all are exclusive", c.Name)
		}
		if len(c.Flags) == 0 {
			return fmt.Errorf("characteristic %s: no flags", c.Name)
		}
		for _, f := range c.Flags {
			if !validFlags[f] {
				return fmt.Errorf("characteristic %s: unknown flag %q", c.Name, f)
			}
		}
		if c.UnitFor != "" {
			if err := c.validateUnitSelector(byName[c.UnitFor]); err != nil {
				return fmt.Errorf("characteristic %s: %w", c.Name, err)
			}
		} else if c.Writable() && c.WriteKey == nil {
			return fmt.Errorf("characteristic %s: write flag needs write_key", c.Name)
		}
		byName[c.Name] = c
		if _, err := gatt.ParseFormat(c.Format); err != nil {
			return fmt.Errorf("characteristic %s: %w", c.Name, err)
		}
	}
	return nil
}

func (c *CharLayout) validateUnitSelector(target *CharLayout) error {
	switch {
	case target == nil:
		return fmt.Errorf("unit_for %q does not name an earlier characteristic", c.UnitFor)
	case target.UnitFor != "":
		return fmt.Errorf("unit_for %q is itself a unit selector", c.UnitFor)
	case c.Key != nil || c.All || c.WriteKey != nil:
		return errors.New("unit selector takes no key, all or write_key")
	case c.Notifiable():
		return errors.New("unit selector cannot notify")
	case len(c.Units) == 0:
		return errors.New("unit selector needs units")
	}
	if target.Unit == "" {
		target.Unit = c.Units[0]
	}
	for _, u := range c.Units {
		if strings.EqualFold(u, target.Unit) {
			return nil
		}
	}
	return fmt.Errorf("unit %q of %s not in units %v", target.Unit, target.Name, c.Units)
}

func (c CharLayout) HasFlag(f string) bool {
	for _, x := range c.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// Notifiable reports whether the characteristic pushes values.
func (c CharLayout) Notifiable() bool { return c.HasFlag("notify") || c.HasFlag("indicate") }

// Writable reports whether clients may write commands.
func (c CharLayout) Writable() bool {
	return c.HasFlag("write") || c.HasFlag("write-without-response")
}

// NormalizeUUID returns the canonical lower-case 128-bit form of s. 16-bit
// ("2a6e") and 32-bit short forms are expanded with the Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	switch len(s) {
	case 4:
		s = "0000" + s + bluetoothBase
	case 8:
		s = s + bluetoothBase
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return u.String(), nil
}
