package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/canble-bridge/internal/can"
)

// fakeHandle implements Handle over channels for tests.
type fakeHandle struct {
	frames    chan can.Frame
	mu        sync.Mutex
	readErrs  []error
	filters   []can.Filter
	filterErr error
	written   []can.Frame
	writeErr  error
	closed    atomic.Bool
}

func newFakeHandle() *fakeHandle { return &fakeHandle{frames: make(chan can.Frame, 64)} }

func (f *fakeHandle) SetFilters(fs []can.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterErr != nil {
		return f.filterErr
	}
	f.filters = fs
	return nil
}

func (f *fakeHandle) ReadFrame(fr *can.Frame, timeout time.Duration) error {
	if f.closed.Load() {
		return ErrClosed
	}
	f.mu.Lock()
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	select {
	case x := <-f.frames:
		*fr = x
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}

func (f *fakeHandle) WriteFrame(fr can.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, fr)
	return nil
}

func (f *fakeHandle) Close() error { f.closed.Store(true); return nil }
