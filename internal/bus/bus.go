// Package bus reads telemetry frames from a CAN handle and writes them back.
package bus

import (
	"errors"
	"time"

	"github.com/kstaniek/canble-bridge/internal/can"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrTimeout is returned by Handle.ReadFrame when no frame arrived in time.
	ErrTimeout = errors.New("bus: receive timeout")
	// ErrClosed is returned by a Handle after Close.
	ErrClosed = errors.New("bus: handle closed")
	// ErrTransmitFailed wraps a handle write error.
	ErrTransmitFailed = errors.New("bus: transmit failed")
	// ErrHandleOpenFailed wraps errors opening or configuring a handle.
	ErrHandleOpenFailed = errors.New("bus: handle open failed")
	// ErrReaderRunning is returned when Start is called twice.
	ErrReaderRunning = errors.New("bus: reader already started")
)

// Handle is the minimal CAN device surface needed by Reader and Writer.
// ReadFrame is only called from the reader goroutine; WriteFrame may be
// called concurrently with it.
type Handle interface {
	// SetFilters installs acceptance filters. Implementations apply what the
	// transport supports and may ignore the rest; Reader re-checks every frame.
	SetFilters([]can.Filter) error
	// ReadFrame blocks for at most timeout and returns ErrTimeout if nothing arrived.
	ReadFrame(fr *can.Frame, timeout time.Duration) error
	WriteFrame(can.Frame) error
	Close() error
}
