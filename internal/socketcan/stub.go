//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/kstaniek/canble-bridge/internal/bus"
	"github.com/kstaniek/canble-bridge/internal/can"
)

// ErrUnsupported is returned on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan unsupported on this platform")

// Device is a placeholder so non-linux builds compile.
type Device struct{}

var _ bus.Handle = (*Device)(nil)

func Open(iface string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) SetFilters([]can.Filter) error             { return ErrUnsupported }
func (d *Device) ReadFrame(*can.Frame, time.Duration) error { return ErrUnsupported }
func (d *Device) WriteFrame(can.Frame) error                { return ErrUnsupported }
func (d *Device) Close() error                              { return nil }
