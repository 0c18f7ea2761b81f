// Package telemetry implements the fixed 6-byte key/value payload carried on the bus.
//
// Wire layout:
//
//	byte 0    target module
//	byte 1    key
//	byte 2..5 value, big-endian uint32
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/canble-bridge/internal/can"
)

// PayloadLen is the number of payload bytes a telemetry message occupies.
const PayloadLen = 6

// ErrMalformedFrame is returned when a payload is too short to decode.
var ErrMalformedFrame = errors.New("telemetry: malformed frame")

// Message is the decoded form of a telemetry payload.
type Message struct {
	Module uint8
	Key    uint8
	Value  uint32
}

func (m Message) String() string {
	return fmt.Sprintf("module=0x%02X key=0x%02X value=%d", m.Module, m.Key, m.Value)
}

// Encode packs a message into its 6-byte payload.
func Encode(module, key uint8, value uint32) [PayloadLen]byte {
	var b [PayloadLen]byte
	b[0] = module
	b[1] = key
	binary.BigEndian.PutUint32(b[2:], value)
	return b
}

// Decode reads the first 6 bytes of payload. Trailing bytes are ignored.
func Decode(payload []byte) (Message, error) {
	if len(payload) < PayloadLen {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(payload))
	}
	return Message{
		Module: payload[0],
		Key:    payload[1],
		Value:  binary.BigEndian.Uint32(payload[2:PayloadLen]),
	}, nil
}

// DecodeFrame decodes the payload of a CAN frame.
func DecodeFrame(fr can.Frame) (Message, error) { return Decode(fr.Payload()) }

// EncodeFrame builds a standard frame with the given arbitration ID carrying m.
func EncodeFrame(id uint32, m Message) can.Frame {
	b := Encode(m.Module, m.Key, m.Value)
	return can.NewStandard(id, b[:])
}
