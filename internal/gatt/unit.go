package gatt

import (
	"bytes"
	"fmt"
	"strings"
)

// convertUnit re-expresses v, reported by the bus in unit from, in unit to.
// Only Celsius and Fahrenheit are converted; any other pair keeps v and just
// relabels it. Results below zero clamp to zero.
func convertUnit(v uint32, from, to string) uint32 {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	switch {
	case from == to:
		return v
	case from == "C" && to == "F":
		return uint32((uint64(v)*9+2)/5 + 32)
	case from == "F" && to == "C":
		if v <= 32 {
			return 0
		}
		return uint32((uint64(v-32)*5 + 4) / 9)
	}
	return v
}

// matchUnit returns the entry of units equal to the written label, ignoring
// case and surrounding whitespace.
func matchUnit(b []byte, units []string) (string, error) {
	s := string(bytes.TrimSpace(b))
	for _, u := range units {
		if strings.EqualFold(s, u) {
			return u, nil
		}
	}
	return "", fmt.Errorf("%w: unit %q not in %v", ErrInvalidValue, s, units)
}

// Unit returns the unit label values are currently rendered in.
func (c *Characteristic) Unit() string {
	c.valMu.RLock()
	defer c.valMu.RUnlock()
	return c.unit
}

// SetUnit switches the rendering unit. Later reads and notifications convert
// from the configured bus unit. Nothing is re-emitted.
func (c *Characteristic) SetUnit(u string) {
	c.valMu.Lock()
	prev := c.unit
	c.unit = u
	c.valMu.Unlock()
	if prev != u {
		c.logger.Info("unit_changed", "from", prev, "to", u)
	}
}

func (c *Characteristic) selectUnit(b []byte) error {
	u, err := matchUnit(b, c.cfg.Units)
	if err != nil {
		return err
	}
	c.cfg.UnitOf.SetUnit(u)
	return nil
}
