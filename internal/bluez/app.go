package bluez

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/kstaniek/canble-bridge/internal/gatt"
	"github.com/kstaniek/canble-bridge/internal/logging"
	"github.com/kstaniek/canble-bridge/internal/metrics"
)

// Application is a GATT object tree rooted at one path. BlueZ discovers the
// tree through GetManagedObjects on the root.
type Application struct {
	conn     Conn
	path     dbus.ObjectPath
	logger   *slog.Logger
	mu       sync.Mutex
	services []*GattService
}

// NewApplication creates an empty application rooted at path.
func NewApplication(conn Conn, path dbus.ObjectPath, logger *slog.Logger) *Application {
	return &Application{conn: conn, path: path, logger: logging.Or(logger, "bluez")}
}

func (a *Application) Path() dbus.ObjectPath { return a.path }

// GattService is one primary or secondary service.
type GattService struct {
	app     *Application
	path    dbus.ObjectPath
	uuid    string
	primary bool
	chars   []*GattCharacteristic
}

// GattCharacteristic exports a gatt.Characteristic and relays its value
// changes as PropertiesChanged signals.
type GattCharacteristic struct {
	svc   *GattService
	path  dbus.ObjectPath
	uuid  string
	flags []string
	char  *gatt.Characteristic
	descs []*GattDescriptor
}

// GattDescriptor is a read-only descriptor with a constant value.
type GattDescriptor struct {
	ch    *GattCharacteristic
	path  dbus.ObjectPath
	uuid  string
	value []byte
}

// AddService appends a service; its path is derived from the application root.
func (a *Application) AddService(uuid string, primary bool) *GattService {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &GattService{
		app:     a,
		path:    dbus.ObjectPath(fmt.Sprintf("%s/service%d", a.path, len(a.services))),
		uuid:    uuid,
		primary: primary,
	}
	a.services = append(a.services, s)
	return s
}

// AddCharacteristic exports c under s and binds c's emitter to the object.
func (s *GattService) AddCharacteristic(uuid string, flags []string, c *gatt.Characteristic) *GattCharacteristic {
	s.app.mu.Lock()
	defer s.app.mu.Unlock()
	ch := &GattCharacteristic{
		svc:   s,
		path:  dbus.ObjectPath(fmt.Sprintf("%s/char%d", s.path, len(s.chars))),
		uuid:  uuid,
		flags: append([]string(nil), flags...),
		char:  c,
	}
	c.SetEmitter(ch)
	s.chars = append(s.chars, ch)
	return ch
}

// AddUserDescription attaches a 2901 descriptor carrying text.
func (ch *GattCharacteristic) AddUserDescription(text string) *GattDescriptor {
	ch.svc.app.mu.Lock()
	defer ch.svc.app.mu.Unlock()
	d := &GattDescriptor{
		ch:    ch,
		path:  dbus.ObjectPath(fmt.Sprintf("%s/desc%d", ch.path, len(ch.descs))),
		uuid:  userDescriptionUUID,
		value: []byte(text),
	}
	ch.descs = append(ch.descs, d)
	return d
}

func (ch *GattCharacteristic) Path() dbus.ObjectPath { return ch.path }

// Export publishes every object on the connection. Objects added afterwards
// are not visible to BlueZ.
func (a *Application) Export() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.conn.ExportMethodTable(map[string]interface{}{
		"GetManagedObjects": func() (ManagedObjects, *dbus.Error) { return a.managedObjectsLocked(), nil },
	}, a.path, ObjectManagerIface); err != nil {
		return fmt.Errorf("export %s: %w", a.path, err)
	}
	for _, s := range a.services {
		if err := a.conn.ExportMethodTable(properties(s.properties).methods(), s.path, PropertiesIface); err != nil {
			return fmt.Errorf("export %s: %w", s.path, err)
		}
		for _, ch := range s.chars {
			if err := a.conn.ExportMethodTable(ch.methods(), ch.path, GattCharacteristicIface); err != nil {
				return fmt.Errorf("export %s: %w", ch.path, err)
			}
			if err := a.conn.ExportMethodTable(properties(ch.properties).methods(), ch.path, PropertiesIface); err != nil {
				return fmt.Errorf("export %s: %w", ch.path, err)
			}
			for _, d := range ch.descs {
				if err := a.conn.ExportMethodTable(d.methods(), d.path, GattDescriptorIface); err != nil {
					return fmt.Errorf("export %s: %w", d.path, err)
				}
				if err := a.conn.ExportMethodTable(properties(d.properties).methods(), d.path, PropertiesIface); err != nil {
					return fmt.Errorf("export %s: %w", d.path, err)
				}
			}
		}
	}
	a.logger.Info("ble_app_exported", "path", a.path, "services", len(a.services))
	return nil
}

// ManagedObjects returns the object tree as BlueZ sees it.
func (a *Application) ManagedObjects() ManagedObjects {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.managedObjectsLocked()
}

func (a *Application) managedObjectsLocked() ManagedObjects {
	out := make(ManagedObjects)
	for _, s := range a.services {
		out[s.path] = s.properties()
		for _, ch := range s.chars {
			out[ch.path] = ch.properties()
			for _, d := range ch.descs {
				out[d.path] = d.properties()
			}
		}
	}
	return out
}

func (s *GattService) properties() map[string]map[string]dbus.Variant {
	paths := make([]dbus.ObjectPath, 0, len(s.chars))
	for _, ch := range s.chars {
		paths = append(paths, ch.path)
	}
	return map[string]map[string]dbus.Variant{
		GattServiceIface: {
			"UUID":            dbus.MakeVariant(s.uuid),
			"Primary":         dbus.MakeVariant(s.primary),
			"Characteristics": dbus.MakeVariant(paths),
		},
	}
}

func (ch *GattCharacteristic) properties() map[string]map[string]dbus.Variant {
	paths := make([]dbus.ObjectPath, 0, len(ch.descs))
	for _, d := range ch.descs {
		paths = append(paths, d.path)
	}
	props := map[string]dbus.Variant{
		"UUID":        dbus.MakeVariant(ch.uuid),
		"Service":     dbus.MakeVariant(ch.svc.path),
		"Flags":       dbus.MakeVariant(ch.flags),
		"Descriptors": dbus.MakeVariant(paths),
	}
	if ch.char.CanNotify() {
		props["Notifying"] = dbus.MakeVariant(ch.char.Notifying())
	}
	return map[string]map[string]dbus.Variant{GattCharacteristicIface: props}
}

func (d *GattDescriptor) properties() map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		GattDescriptorIface: {
			"UUID":           dbus.MakeVariant(d.uuid),
			"Characteristic": dbus.MakeVariant(d.ch.path),
			"Flags":          dbus.MakeVariant([]string{"read"}),
		},
	}
}

func (ch *GattCharacteristic) methods() map[string]interface{} {
	return map[string]interface{}{
		"ReadValue":   ch.ReadValue,
		"WriteValue":  ch.WriteValue,
		"StartNotify": ch.StartNotify,
		"StopNotify":  ch.StopNotify,
	}
}

func (d *GattDescriptor) methods() map[string]interface{} {
	return map[string]interface{}{
		"ReadValue": d.ReadValue,
		"WriteValue": func([]byte, map[string]dbus.Variant) *dbus.Error {
			return dbusError(errNameNotPermitted, "descriptor is read-only")
		},
	}
}

// ReadValue implements GattCharacteristic1.ReadValue.
func (ch *GattCharacteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return sliceOffset(ch.char.ReadValue(), options)
}

// WriteValue implements GattCharacteristic1.WriteValue.
func (ch *GattCharacteristic) WriteValue(value []byte, _ map[string]dbus.Variant) *dbus.Error {
	if err := ch.char.WriteValue(value); err != nil {
		return toDBusError(err)
	}
	return nil
}

// StartNotify implements GattCharacteristic1.StartNotify. Repeated calls succeed.
func (ch *GattCharacteristic) StartNotify() *dbus.Error {
	if !ch.char.CanNotify() {
		return dbusError(errNameNotSupported, "notify not supported")
	}
	if ch.char.StartNotify() {
		ch.emitNotifying(true)
	}
	return nil
}

// StopNotify implements GattCharacteristic1.StopNotify.
func (ch *GattCharacteristic) StopNotify() *dbus.Error {
	if ch.char.StopNotify() {
		ch.emitNotifying(false)
	}
	return nil
}

// EmitValue sends PropertiesChanged for Value. It implements gatt.Emitter.
func (ch *GattCharacteristic) EmitValue(value []byte) error {
	return ch.svc.app.conn.Emit(ch.path, propertiesChangedSignal, GattCharacteristicIface,
		map[string]dbus.Variant{"Value": dbus.MakeVariant(value)}, []string{})
}

func (ch *GattCharacteristic) emitNotifying(on bool) {
	err := ch.svc.app.conn.Emit(ch.path, propertiesChangedSignal, GattCharacteristicIface,
		map[string]dbus.Variant{"Notifying": dbus.MakeVariant(on)}, []string{})
	if err != nil {
		metrics.IncError(metrics.ErrEmit)
		ch.svc.app.logger.Debug("notifying_emit_failed", "path", ch.path, "error", err)
	}
}

func (d *GattDescriptor) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return sliceOffset(d.value, options)
}

func sliceOffset(b []byte, options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	v, ok := options["offset"]
	if !ok {
		return b, nil
	}
	off, ok := v.Value().(uint16)
	if !ok {
		return nil, dbusError(errNameInvalidArguments, "offset")
	}
	if int(off) > len(b) {
		return nil, dbusError(errNameInvalidOffset, fmt.Sprintf("offset %d beyond %d", off, len(b)))
	}
	return b[off:], nil
}

func toDBusError(err error) *dbus.Error {
	switch {
	case errors.Is(err, gatt.ErrNotSupported):
		return dbusError(errNameNotSupported, err.Error())
	case errors.Is(err, gatt.ErrInvalidValue):
		return dbusError(errNameInvalidArguments, err.Error())
	}
	return dbusError(errNameFailed, err.Error())
}
