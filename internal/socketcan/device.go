//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/canble-bridge/internal/bus"
	"github.com/kstaniek/canble-bridge/internal/can"
)

// Device is a raw SocketCAN socket bound to one interface. It implements bus.Handle.
type Device struct {
	fd     int
	closed atomic.Bool
	wmu    sync.Mutex

	rmu     sync.Mutex
	timeout time.Duration
}

var _ bus.Handle = (*Device)(nil)

// Open binds a raw CAN socket to iface with classic frames only. The socket
// accepts everything until SetFilters is called.
func Open(iface string) (*Device, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	// ENOPROTOOPT: kernel without CAN FD, classic frames already.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && !errors.Is(err, unix.ENOPROTOOPT) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable CAN FD: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

// SetFilters installs the identifier part of filters as CAN_RAW_FILTER entries.
// Payload (module) constraints cannot be expressed to the kernel and are left
// to the reader. An empty identifier set restores the accept-all default.
func (d *Device) SetFilters(filters []can.Filter) error {
	ids := can.IDFilters(filters)
	if len(ids) == 0 {
		ids = []can.Filter{{HasID: true, ID: 0, Mask: 0}}
	}
	return unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kernelFilters(ids))
}

// kernelFilters maps identifier filters to struct can_filter entries. A
// non-zero mask also matches the EFF flag so standard and extended frames are
// not confused, like python-can does for "extended": False.
func kernelFilters(ids []can.Filter) []unix.CanFilter {
	out := make([]unix.CanFilter, 0, len(ids))
	for _, f := range ids {
		cf := unix.CanFilter{Id: f.ID, Mask: f.Mask}
		if f.Mask != 0 {
			cf.Mask |= can.CAN_EFF_FLAG
			if f.Extended {
				cf.Id |= can.CAN_EFF_FLAG
			}
		}
		out = append(out, cf)
	}
	return out
}

func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return unix.Close(d.fd)
}

// ReadFrame reads one classic CAN frame, waiting at most timeout.
func (d *Device) ReadFrame(fr *can.Frame, timeout time.Duration) error {
	if d.closed.Load() {
		return bus.ErrClosed
	}
	if err := d.setReadTimeout(timeout); err != nil {
		return err
	}
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	switch {
	case err == nil:
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return bus.ErrTimeout
	case errors.Is(err, unix.EBADF), d.closed.Load():
		return bus.ErrClosed
	default:
		return err
	}
	return unpackFrame(buf[:n], fr)
}

// unpackFrame decodes a struct can_frame: can_id (host order, flags included),
// can_dlc, 3 pad bytes, 8 data bytes. Linux CAN hosts are little-endian.
func unpackFrame(b []byte, fr *can.Frame) error {
	if len(b) != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", len(b))
	}
	fr.CANID = binary.LittleEndian.Uint32(b[0:4])
	fr.Len = min(b[4], can.MaxDataLen)
	fr.Data = [can.MaxDataLen]byte{}
	copy(fr.Data[:], b[8:8+fr.Len])
	return nil
}

func packFrame(fr can.Frame) [unix.CAN_MTU]byte {
	var b [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(b[0:4], fr.CANID)
	b[4] = min(fr.Len, can.MaxDataLen)
	copy(b[8:], fr.Data[:b[4]])
	return b
}

// setReadTimeout updates SO_RCVTIMEO only when the timeout changes.
func (d *Device) setReadTimeout(timeout time.Duration) error {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	if timeout == d.timeout {
		return nil
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set SO_RCVTIMEO: %w", err)
	}
	d.timeout = timeout
	return nil
}

// WriteFrame transmits fr. Writes are serialized; reads proceed concurrently.
func (d *Device) WriteFrame(fr can.Frame) error {
	if d.closed.Load() {
		return bus.ErrClosed
	}
	b := packFrame(fr)
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := unix.Write(d.fd, b[:]); err != nil {
		return fmt.Errorf("write can frame: %w", err)
	}
	return nil
}
