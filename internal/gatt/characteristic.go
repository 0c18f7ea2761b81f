// Package gatt implements the notify state machine behind a GATT characteristic
// that mirrors bus telemetry: Idle and Notifying, a cached last value for reads
// and an optional command write path back onto the bus.
package gatt

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/canble-bridge/internal/fanout"
	"github.com/kstaniek/canble-bridge/internal/logging"
	"github.com/kstaniek/canble-bridge/internal/metrics"
)

var (
	// ErrNotSupported is returned for operations the characteristic was not configured for.
	ErrNotSupported = errors.New("operation not supported")
	// ErrInvalidValue is returned when a written value cannot be parsed.
	ErrInvalidValue = errors.New("invalid value")
)

// Emitter publishes a value change to connected clients (a PropertiesChanged
// signal on the Value property).
type Emitter interface {
	EmitValue(value []byte) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func([]byte) error

func (f EmitterFunc) EmitValue(b []byte) error { return f(b) }

// Sender transmits telemetry on the bus. *bus.Writer implements it.
type Sender interface {
	SendTelemetry(module, key uint8, value uint32) error
}

// Command routes client writes to the bus as (Module, Key, value).
type Command struct {
	Sender Sender
	Module uint8
	Key    uint8
}

// Config describes one characteristic.
type Config struct {
	Name     string
	Format   Format
	Unit     string
	Registry *fanout.Registry
	// Source, when set, reports the latest value seen on the bus. It primes
	// StartNotify and answers ReadValue.
	Source  func() (uint32, bool)
	Emitter Emitter
	Command *Command
	// UnitOf turns this characteristic into a unit selector for another one:
	// reads return its unit label, writes pick one of Units.
	UnitOf *Characteristic
	Units  []string
	Logger *slog.Logger
}

// Characteristic is safe for concurrent use. StartNotify and StopNotify are
// serialized; deliveries from the registry never take that lock.
type Characteristic struct {
	cfg    Config
	logger *slog.Logger

	stateMu   sync.Mutex
	closed    bool
	notifying atomic.Bool

	valMu     sync.RWMutex
	lastValue uint32
	hasValue  bool
	unit      string
	emitter   Emitter
}

// New returns an idle characteristic. cfg.Registry must be set for notify support.
func New(cfg Config) *Characteristic {
	l := logging.Or(cfg.Logger, "gatt")
	return &Characteristic{
		cfg:     cfg,
		logger:  l.With("char", cfg.Name),
		unit:    cfg.Unit,
		emitter: cfg.Emitter,
	}
}

// SetEmitter replaces the emitter. Objects that export the characteristic
// usually exist only after it, hence the late binding.
func (c *Characteristic) SetEmitter(e Emitter) {
	c.valMu.Lock()
	c.emitter = e
	c.valMu.Unlock()
}

func (c *Characteristic) Name() string { return c.cfg.Name }

// CanNotify reports whether the characteristic is bound to a registry.
func (c *Characteristic) CanNotify() bool { return c.cfg.Registry != nil }

// CanWrite reports whether client writes are routed to the bus.
func (c *Characteristic) CanWrite() bool {
	return c.cfg.UnitOf != nil || (c.cfg.Command != nil && c.cfg.Command.Sender != nil)
}

// StartNotify moves Idle to Notifying, registers with the registry and queues
// the current value as the first notification. It returns false when nothing
// changed (already notifying, closed, or not notifiable).
func (c *Characteristic) StartNotify() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed || c.cfg.Registry == nil || c.notifying.Load() {
		return false
	}
	c.notifying.Store(true)
	c.cfg.Registry.AddWithInitial(c, c.current)
	metrics.AddNotifying(1)
	c.logger.Info("notify_started")
	return true
}

// StopNotify moves Notifying to Idle and deregisters. A delivery already in
// flight may still update the last value but will not emit.
func (c *Characteristic) StopNotify() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.stopLocked()
}

func (c *Characteristic) stopLocked() bool {
	if !c.notifying.Load() {
		return false
	}
	c.notifying.Store(false)
	c.cfg.Registry.Remove(c)
	metrics.AddNotifying(-1)
	c.logger.Info("notify_stopped")
	return true
}

// Close stops notifying for good; later StartNotify calls are no-ops.
func (c *Characteristic) Close() {
	c.stateMu.Lock()
	c.closed = true
	c.stopLocked()
	c.stateMu.Unlock()
}

// Notifying reports the current state.
func (c *Characteristic) Notifying() bool { return c.notifying.Load() }

// Notify is the delivery path called by the registry. It records v and, while
// notifying, emits it. Emit failures are logged and swallowed: client
// connection errors belong to the wireless stack.
func (c *Characteristic) Notify(v uint32) error {
	c.valMu.Lock()
	c.lastValue, c.hasValue = v, true
	em := c.emitter
	c.valMu.Unlock()
	if !c.notifying.Load() || em == nil {
		return nil
	}
	if err := em.EmitValue(c.encode(v)); err != nil {
		metrics.IncError(metrics.ErrEmit)
		c.logger.Warn("notify_emit_failed", "value", v, "error", err)
		return nil
	}
	metrics.IncNotifications()
	return nil
}

// LastValue returns the last value delivered through Notify.
func (c *Characteristic) LastValue() (uint32, bool) {
	c.valMu.RLock()
	defer c.valMu.RUnlock()
	return c.lastValue, c.hasValue
}

// current is the freshest known value: the bus-wide store when configured,
// otherwise the last delivery.
func (c *Characteristic) current() (uint32, bool) {
	if c.cfg.Source != nil {
		if v, ok := c.cfg.Source(); ok {
			return v, true
		}
	}
	return c.LastValue()
}

// ReadValue returns the current value in the external representation, or an
// empty slice when no telemetry has arrived yet. It never touches the bus.
func (c *Characteristic) ReadValue() []byte {
	if c.cfg.UnitOf != nil {
		return []byte(c.cfg.UnitOf.Unit())
	}
	v, ok := c.current()
	if !ok {
		return []byte{}
	}
	return c.encode(v)
}

func (c *Characteristic) encode(v uint32) []byte {
	u := c.Unit()
	return c.cfg.Format.Encode(convertUnit(v, c.cfg.Unit, u), u)
}

// WriteValue parses a client write and transmits it as a command frame. On a
// unit selector it switches the target's unit instead.
// Transmit errors are returned unchanged (bus.ErrTransmitFailed) and not retried.
func (c *Characteristic) WriteValue(b []byte) error {
	if !c.CanWrite() {
		return ErrNotSupported
	}
	if c.cfg.UnitOf != nil {
		return c.selectUnit(b)
	}
	v, err := parseCommand(b)
	if err != nil {
		return err
	}
	cmd := c.cfg.Command
	if err := cmd.Sender.SendTelemetry(cmd.Module, cmd.Key, v); err != nil {
		c.logger.Warn("command_send_failed", "value", v, "error", err)
		return err
	}
	c.logger.Debug("command_sent", "module", cmd.Module, "key", cmd.Key, "value", v)
	return nil
}

var _ fanout.Subscriber = (*Characteristic)(nil)
