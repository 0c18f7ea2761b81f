package gatt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Format selects the external wire representation of a characteristic value.
type Format int

const (
	// FormatDecimal renders the value as ASCII decimal, optionally followed by " <unit>".
	FormatDecimal Format = iota
	// FormatU32BE renders the value as 4 big-endian bytes.
	FormatU32BE
	// FormatU32LE renders the value as 4 little-endian bytes.
	FormatU32LE
)

func (f Format) String() string {
	switch f {
	case FormatDecimal:
		return "decimal"
	case FormatU32BE:
		return "u32be"
	case FormatU32LE:
		return "u32le"
	}
	return "Format(" + strconv.Itoa(int(f)) + ")"
}

// ParseFormat maps a layout/config name to a Format. Empty means decimal.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "decimal", "dec", "string":
		return FormatDecimal, nil
	case "u32be", "be":
		return FormatU32BE, nil
	case "u32le", "le":
		return FormatU32LE, nil
	}
	return 0, fmt.Errorf("unknown value format %q", s)
}

// Encode renders v. unit is only used by FormatDecimal.
func (f Format) Encode(v uint32, unit string) []byte {
	switch f {
	case FormatU32BE:
		return binary.BigEndian.AppendUint32(make([]byte, 0, 4), v)
	case FormatU32LE:
		return binary.LittleEndian.AppendUint32(make([]byte, 0, 4), v)
	}
	b := strconv.AppendUint(make([]byte, 0, 16), uint64(v), 10)
	if unit != "" {
		b = append(append(b, ' '), unit...)
	}
	return b
}

// Decode is the inverse of Encode.
func (f Format) Decode(b []byte) (uint32, error) {
	switch f {
	case FormatU32BE, FormatU32LE:
		if len(b) != 4 {
			return 0, fmt.Errorf("%w: want 4 bytes, got %d", ErrInvalidValue, len(b))
		}
		if f == FormatU32BE {
			return binary.BigEndian.Uint32(b), nil
		}
		return binary.LittleEndian.Uint32(b), nil
	}
	s := b
	if i := bytes.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	v, err := strconv.ParseUint(string(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return uint32(v), nil
}

// parseCommand accepts what a client writes to a command characteristic:
// ASCII decimal digits (surrounding whitespace ignored) or 4 raw big-endian bytes.
// Digits win when a 4-byte write is all digits.
func parseCommand(b []byte) (uint32, error) {
	s := bytes.TrimSpace(b)
	if len(s) > 0 && isDigits(s) {
		v, err := strconv.ParseUint(string(s), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return uint32(v), nil
	}
	if len(b) == 4 {
		return binary.BigEndian.Uint32(b), nil
	}
	return 0, fmt.Errorf("%w: %d bytes", ErrInvalidValue, len(b))
}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
