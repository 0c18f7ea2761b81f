// Package slcan drives serial-line CAN adapters that speak the SLCAN (Lawicel)
// ASCII protocol: "tIIILDD..\r" for standard and "TIIIIIIIILDD..\r" for
// extended data frames.
package slcan

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/kstaniek/canble-bridge/internal/can"
	"github.com/kstaniek/canble-bridge/internal/metrics"
)

// maxLine is the longest valid SLCAN line: T + 8 id + 1 dlc + 16 data.
const maxLine = 1 + 8 + 1 + 2*can.MaxDataLen

// ErrLabelParse is the metrics label for lines the adapter sent that are not frames.
const ErrLabelParse = "slcan_parse"

type Codec struct{}

const hexDigits = "0123456789ABCDEF"

func appendHex(b []byte, v uint32, digits int) []byte {
	for i := digits - 1; i >= 0; i-- {
		b = append(b, hexDigits[(v>>(uint(i)*4))&0x0F])
	}
	return b
}

// Encode renders f as one SLCAN command terminated by '\r'.
func (Codec) Encode(f can.Frame) []byte {
	n := f.Len
	if n > can.MaxDataLen {
		n = can.MaxDataLen
	}
	b := make([]byte, 0, maxLine+1)
	switch {
	case f.Remote() && f.Extended():
		b = append(b, 'R')
	case f.Remote():
		b = append(b, 'r')
	case f.Extended():
		b = append(b, 'T')
	default:
		b = append(b, 't')
	}
	if f.Extended() {
		b = appendHex(b, f.CANID&can.CAN_EFF_MASK, 8)
	} else {
		b = appendHex(b, f.CANID&can.CAN_SFF_MASK, 3)
	}
	b = append(b, hexDigits[n])
	if !f.Remote() {
		for _, x := range f.Data[:n] {
			b = appendHex(b, uint32(x), 2)
		}
	}
	return append(b, '\r')
}

// parseLine decodes one SLCAN frame line without its terminator.
func parseLine(line []byte) (can.Frame, error) {
	var f can.Frame
	if len(line) == 0 {
		return f, fmt.Errorf("empty line")
	}
	var idDigits int
	switch line[0] {
	case 't', 'r':
		idDigits = 3
	case 'T', 'R':
		idDigits = 8
		f.CANID |= can.CAN_EFF_FLAG
	default:
		return f, fmt.Errorf("not a frame: %q", line[0])
	}
	if line[0] == 'r' || line[0] == 'R' {
		f.CANID |= can.CAN_RTR_FLAG
	}
	if len(line) < 1+idDigits+1 {
		return f, fmt.Errorf("short frame line %q", line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idDigits]), 16, 32)
	if err != nil {
		return f, fmt.Errorf("id: %w", err)
	}
	f.CANID |= uint32(id)
	dlc := line[1+idDigits]
	if dlc < '0' || dlc > '8' {
		return f, fmt.Errorf("invalid dlc %q", dlc)
	}
	f.Len = dlc - '0'
	if f.CANID&can.CAN_RTR_FLAG != 0 {
		return f, nil
	}
	data := line[2+idDigits:]
	if len(data) != 2*int(f.Len) {
		return f, fmt.Errorf("data length %d does not match dlc %d", len(data), f.Len)
	}
	for i := 0; i < int(f.Len); i++ {
		v, err := strconv.ParseUint(string(data[2*i:2*i+2]), 16, 8)
		if err != nil {
			return f, fmt.Errorf("data: %w", err)
		}
		f.Data[i] = byte(v)
	}
	return f, nil
}

// DecodeStream consumes complete lines from in and emits frames via out.
// Adapter acknowledgements ("\r", "z\r", "Z\r") are skipped; a BEL byte
// (command error) and unparsable lines are counted and skipped. Incomplete
// trailing input stays in the buffer.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	for {
		data := in.Bytes()
		end := bytes.IndexAny(data, "\r\a")
		if end < 0 {
			if len(data) > maxLine {
				// no terminator in sight: garbage, drop it
				metrics.IncError(ErrLabelParse)
				in.Reset()
			}
			return nil
		}
		line := data[:end]
		switch {
		case data[end] == '\a':
			metrics.IncError(ErrLabelParse)
		case len(line) == 0, len(line) == 1 && (line[0] == 'z' || line[0] == 'Z'):
		default:
			fr, err := parseLine(line)
			if err != nil {
				metrics.IncError(ErrLabelParse)
			} else {
				out(fr)
			}
		}
		in.Next(end + 1)
	}
}
