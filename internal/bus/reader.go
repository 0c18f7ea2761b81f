package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/canble-bridge/internal/can"
	"github.com/kstaniek/canble-bridge/internal/logging"
	"github.com/kstaniek/canble-bridge/internal/metrics"
	"github.com/kstaniek/canble-bridge/internal/telemetry"
)

const (
	// DefaultReadTimeout bounds each receive call; it is also the stop latency.
	DefaultReadTimeout = time.Second
	rxBackoffMin       = 20 * time.Millisecond
	rxBackoffMax       = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Reader owns the receive side of a Handle and runs the receive loop on its
// own goroutine.
type Reader struct {
	h         Handle
	timeout   time.Duration
	logger    *slog.Logger
	filters   []can.Filter
	onMessage func(telemetry.Message)

	started atomic.Bool
	stop    atomic.Bool
	running atomic.Bool
	done    chan struct{}
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReadTimeout sets the per-receive timeout.
func WithReadTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithReaderLogger sets the reader logger.
func WithReaderLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReader creates a stopped Reader bound to h.
func NewReader(h Handle, opts ...ReaderOption) *Reader {
	r := &Reader{
		h:       h,
		timeout: DefaultReadTimeout,
		logger:  logging.Component("bus"),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start applies filters to the handle and launches the receive loop. A filter
// error is returned wrapped in ErrHandleOpenFailed and the loop is not started.
// onMessage runs on the reader goroutine and must return quickly.
func (r *Reader) Start(filters []can.Filter, onMessage func(telemetry.Message)) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrReaderRunning
	}
	if err := r.h.SetFilters(filters); err != nil {
		r.started.Store(false)
		return fmt.Errorf("%w: set filters: %v", ErrHandleOpenFailed, err)
	}
	r.filters = append([]can.Filter(nil), filters...)
	r.onMessage = onMessage
	r.running.Store(true)
	go r.loop()
	return nil
}

// Stop asks the loop to exit; it is observed at the next timeout boundary.
func (r *Reader) Stop() { r.stop.Store(true) }

// Done is closed when the loop has exited.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Wait blocks until the loop has exited. It returns immediately if the reader was never started.
func (r *Reader) Wait() {
	if !r.started.Load() {
		return
	}
	<-r.done
}

// Running reports whether the receive loop is active.
func (r *Reader) Running() bool { return r.running.Load() }

func (r *Reader) loop() {
	defer close(r.done)
	defer r.running.Store(false)
	defer r.logger.Info("bus_rx_end")
	r.logger.Info("bus_rx_start", "timeout", r.timeout, "filters", len(r.filters))
	backoff := rxBackoffMin
	for !r.stop.Load() {
		var fr can.Frame
		err := r.h.ReadFrame(&fr, r.timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			metrics.IncError(metrics.ErrBusRead)
			r.logger.Warn("bus_read_error", "error", err, "backoff", backoff)
			sleepFn(min(backoff, r.timeout))
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		metrics.IncBusRx()
		r.dispatch(fr)
	}
}

func (r *Reader) dispatch(fr can.Frame) {
	// Error and remote frames carry no telemetry payload.
	if fr.CANID&can.CAN_ERR_FLAG != 0 || fr.Remote() {
		metrics.IncFiltered()
		return
	}
	// Handles apply ID filters at most; module filters only happen here.
	if !can.Accept(r.filters, fr) {
		metrics.IncFiltered()
		r.logger.Debug("bus_rx_filtered", "can_id", fmt.Sprintf("0x%X", fr.ID()))
		return
	}
	msg, err := telemetry.DecodeFrame(fr)
	if err != nil {
		metrics.IncMalformed()
		r.logger.Warn("bus_rx_malformed", "error", err, "can_id", fmt.Sprintf("0x%X", fr.ID()), "len", fr.Len)
		return
	}
	metrics.IncMessages()
	r.logger.Debug("bus_rx", "can_id", fmt.Sprintf("0x%X", fr.ID()), "module", msg.Module, "key", msg.Key, "value", msg.Value)
	if r.onMessage != nil {
		r.onMessage(msg)
	}
}
