package bus

import (
	"fmt"

	"github.com/kstaniek/canble-bridge/internal/can"
	"github.com/kstaniek/canble-bridge/internal/metrics"
	"github.com/kstaniek/canble-bridge/internal/telemetry"
)

// Writer transmits telemetry frames on a Handle. It shares the handle with a
// Reader but touches none of its state.
type Writer struct {
	h     Handle
	canID uint32
}

// NewWriter creates a Writer sending standard frames with arbitration ID canID.
func NewWriter(h Handle, canID uint32) *Writer {
	return &Writer{h: h, canID: canID & can.CAN_SFF_MASK}
}

// CANID returns the arbitration ID used for outbound frames.
func (w *Writer) CANID() uint32 { return w.canID }

// SendTelemetry encodes (module, key, value) and transmits it. Errors are
// wrapped in ErrTransmitFailed and not retried.
func (w *Writer) SendTelemetry(module, key uint8, value uint32) error {
	fr := telemetry.EncodeFrame(w.canID, telemetry.Message{Module: module, Key: key, Value: value})
	if err := w.h.WriteFrame(fr); err != nil {
		metrics.IncError(metrics.ErrBusWrite)
		return fmt.Errorf("%w: %v", ErrTransmitFailed, err)
	}
	metrics.IncBusTx()
	return nil
}
