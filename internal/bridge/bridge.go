// Package bridge wires a bus handle to characteristics: it owns the handle, the
// receive loop, the subscriber router, the writer and the latest-value store.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/canble-bridge/internal/bus"
	"github.com/kstaniek/canble-bridge/internal/can"
	"github.com/kstaniek/canble-bridge/internal/fanout"
	"github.com/kstaniek/canble-bridge/internal/gatt"
	"github.com/kstaniek/canble-bridge/internal/logging"
	"github.com/kstaniek/canble-bridge/internal/telemetry"
)

// Config holds the bus-facing settings of a Bridge.
type Config struct {
	// CANID, when set, limits reception to this 11-bit ID and is the default TxID.
	CANID *uint32
	// ModuleID, when set, limits reception to payloads addressed to it. It is
	// also the module byte of outbound acks and commands.
	ModuleID *uint8
	// TxID overrides the arbitration ID of outbound frames.
	TxID *uint32
	// AckKey enables echoing every received value as (ModuleID, AckKey, value).
	AckKey      *uint8
	ReadTimeout time.Duration
	QueueSize   int
	Logger      *slog.Logger
}

// CharSpec describes a characteristic bound to the bridge.
type CharSpec struct {
	Name string
	// Key selects one telemetry key; nil receives every key.
	Key    *uint8
	Notify bool
	Format gatt.Format
	Unit   string
	// WriteKey makes the characteristic writable; writes are sent as (ModuleID, *WriteKey, value).
	WriteKey *uint8
	// UnitOf, when set, makes this a read/write unit selector for that
	// characteristic; Key, Notify and WriteKey are ignored.
	UnitOf *gatt.Characteristic
	Units  []string
}

// Bridge is the single owner of the bus handle and everything hanging off it.
type Bridge struct {
	cfg    Config
	h      bus.Handle
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	store  *Store
	router *fanout.Router
	reader *bus.Reader
	writer *bus.Writer

	mu        sync.Mutex
	chars     []*gatt.Characteristic
	ack       fanout.Subscriber
	closeOnce sync.Once
}

// New creates a stopped Bridge. h is owned by the bridge from now on.
func New(h bus.Handle, cfg Config) *Bridge {
	l := logging.Or(cfg.Logger, "bridge")
	ctx, cancel := context.WithCancel(context.Background())
	var txID uint32
	switch {
	case cfg.TxID != nil:
		txID = *cfg.TxID
	case cfg.CANID != nil:
		txID = *cfg.CANID
	}
	b := &Bridge{
		cfg:    cfg,
		h:      h,
		logger: l,
		ctx:    ctx,
		cancel: cancel,
		store:  NewStore(),
		router: fanout.NewRouter(fanout.WithContext(ctx), fanout.WithQueueSize(cfg.QueueSize), fanout.WithLogger(l)),
		reader: bus.NewReader(h, bus.WithReadTimeout(cfg.ReadTimeout), bus.WithReaderLogger(l)),
		writer: bus.NewWriter(h, txID),
	}
	return b
}

func (b *Bridge) Store() *Store          { return b.store }
func (b *Bridge) Router() *fanout.Router { return b.router }
func (b *Bridge) Writer() *bus.Writer    { return b.writer }
func (b *Bridge) Filters() []can.Filter  { return can.BuildFilters(b.cfg.CANID, b.cfg.ModuleID) }
func (b *Bridge) Running() bool          { return b.reader.Running() }
func (b *Bridge) Done() <-chan struct{}  { return b.reader.Done() }
func (b *Bridge) moduleByte() (m uint8) {
	if b.cfg.ModuleID != nil {
		m = *b.cfg.ModuleID
	}
	return
}

// SendTelemetry transmits (module, key, value) with the bridge's arbitration ID.
func (b *Bridge) SendTelemetry(module, key uint8, value uint32) error {
	return b.writer.SendTelemetry(module, key, value)
}

// NewCharacteristic creates a characteristic bound to this bridge's router and
// store. The emitter is attached later by whoever exports it.
func (b *Bridge) NewCharacteristic(spec CharSpec) *gatt.Characteristic {
	cfg := gatt.Config{
		Name:   spec.Name,
		Format: spec.Format,
		Unit:   spec.Unit,
		Logger: b.logger,
	}
	if spec.UnitOf != nil {
		cfg.UnitOf, cfg.Units = spec.UnitOf, spec.Units
		return b.track(gatt.New(cfg))
	}
	if spec.Key != nil {
		key := *spec.Key
		cfg.Source = func() (uint32, bool) { return b.store.Get(key) }
		if spec.Notify {
			cfg.Registry = b.router.Key(key)
		}
	} else {
		cfg.Source = b.store.Latest
		if spec.Notify {
			cfg.Registry = b.router.All()
		}
	}
	if spec.WriteKey != nil {
		cfg.Command = &gatt.Command{Sender: b.writer, Module: b.moduleByte(), Key: *spec.WriteKey}
	}
	return b.track(gatt.New(cfg))
}

func (b *Bridge) track(c *gatt.Characteristic) *gatt.Characteristic {
	b.mu.Lock()
	b.chars = append(b.chars, c)
	b.mu.Unlock()
	return c
}

// Start applies the filters and launches the receive loop. Errors are fatal
// for the caller (bus.ErrHandleOpenFailed, bus.ErrReaderRunning).
func (b *Bridge) Start() error {
	filters := b.Filters()
	if err := b.reader.Start(filters, b.onMessage); err != nil {
		return err
	}
	if b.cfg.AckKey != nil {
		module, key := b.moduleByte(), *b.cfg.AckKey
		b.mu.Lock()
		b.ack = fanout.NewFuncSubscriber(func(v uint32) error {
			return b.writer.SendTelemetry(module, key, v)
		})
		b.router.All().Add(b.ack)
		b.mu.Unlock()
		b.logger.Info("ack_echo_enabled", "module", module, "key", key)
	}
	b.logger.Info("bridge_started", "filters", len(filters), "tx_id", b.writer.CANID())
	return nil
}

// onMessage records m and fans it out as one step with respect to
// StartNotify, so a new subscriber gets m either as its initial value or from
// the fan-out.
func (b *Bridge) onMessage(m telemetry.Message) {
	b.router.DispatchAfter(m.Key, m.Value, func() { b.store.Set(m) })
}

// Stop asks the receive loop to exit. It does not wait.
func (b *Bridge) Stop() { b.reader.Stop() }

// Wait blocks until the receive loop has exited.
func (b *Bridge) Wait() { b.reader.Wait() }

// Close stops the loop, tears down characteristics and delivery workers and
// closes the handle. It is safe to call more than once.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.reader.Stop()
		b.reader.Wait()
		b.mu.Lock()
		chars := b.chars
		b.chars = nil
		b.mu.Unlock()
		for _, c := range chars {
			c.Close()
		}
		b.cancel()
		b.router.Close()
		if cerr := b.h.Close(); cerr != nil && !errors.Is(cerr, bus.ErrClosed) {
			err = cerr
		}
		b.logger.Info("bridge_closed")
	})
	return err
}
