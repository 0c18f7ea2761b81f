package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/canble-bridge/internal/bus"
	"github.com/kstaniek/canble-bridge/internal/can"
)

const readBufSize = 256

// bitrateCodes maps bus bitrates to the SLCAN "S" command digit.
var bitrateCodes = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// BitrateCode returns the SLCAN speed digit for bitrate.
func BitrateCode(bitrate int) (byte, error) {
	c, ok := bitrateCodes[bitrate]
	if !ok {
		return 0, fmt.Errorf("unsupported slcan bitrate %d", bitrate)
	}
	return c, nil
}

// Device is an opened SLCAN channel. It implements bus.Handle. The adapter
// cannot filter, so SetFilters is a no-op and the reader filters in software.
type Device struct {
	port    Port
	codec   Codec
	closed  atomic.Bool
	wmu     sync.Mutex
	acc     bytes.Buffer
	buf     []byte
	pending []can.Frame
}

var _ bus.Handle = (*Device)(nil)

// Open closes any stale channel, sets the bitrate and opens the CAN channel.
func Open(port Port, bitrate int) (*Device, error) {
	code, err := BitrateCode(bitrate)
	if err != nil {
		return nil, err
	}
	d := &Device{port: port, buf: make([]byte, readBufSize)}
	// "C" may fail harmlessly when the channel is already closed.
	_, _ = port.Write([]byte("C\r"))
	for _, cmd := range [][]byte{{'S', code, '\r'}, []byte("O\r")} {
		if _, err := port.Write(cmd); err != nil {
			return nil, fmt.Errorf("slcan %q: %w", bytes.TrimSuffix(cmd, []byte{'\r'}), err)
		}
	}
	return d, nil
}

func (d *Device) SetFilters([]can.Filter) error { return nil }

// ReadFrame returns the next frame, reading from the port until one is complete
// or timeout elapses.
func (d *Device) ReadFrame(fr *can.Frame, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if len(d.pending) > 0 {
			*fr = d.pending[0]
			d.pending = d.pending[1:]
			return nil
		}
		if d.closed.Load() {
			return bus.ErrClosed
		}
		if !time.Now().Before(deadline) {
			return bus.ErrTimeout
		}
		n, err := d.port.Read(d.buf)
		if n > 0 {
			d.acc.Write(d.buf[:n])
			_ = d.codec.DecodeStream(&d.acc, func(f can.Frame) { d.pending = append(d.pending, f) })
			if d.acc.Len() == 0 && d.acc.Cap() > 4*readBufSize {
				d.acc = bytes.Buffer{}
			}
		}
		if err != nil {
			if d.closed.Load() {
				return bus.ErrClosed
			}
			if errors.Is(err, io.EOF) {
				continue // read timeout on tarm/serial
			}
			return err
		}
	}
}

func (d *Device) WriteFrame(fr can.Frame) error {
	if d.closed.Load() {
		return bus.ErrClosed
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	_, err := d.port.Write(d.codec.Encode(fr))
	return err
}

// Close closes the CAN channel and the serial port.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.wmu.Lock()
	_, _ = d.port.Write([]byte("C\r"))
	d.wmu.Unlock()
	return d.port.Close()
}
