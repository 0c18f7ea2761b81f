// Package bluez exports GATT applications and LE advertisements to the BlueZ
// daemon over D-Bus and registers them with an adapter.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	BusName = "org.bluez"

	AdapterIface            = "org.bluez.Adapter1"
	GattManagerIface        = "org.bluez.GattManager1"
	GattServiceIface        = "org.bluez.GattService1"
	GattCharacteristicIface = "org.bluez.GattCharacteristic1"
	GattDescriptorIface     = "org.bluez.GattDescriptor1"
	AdvertisingManagerIface = "org.bluez.LEAdvertisingManager1"
	AdvertisementIface      = "org.bluez.LEAdvertisement1"
	ObjectManagerIface      = "org.freedesktop.DBus.ObjectManager"
	PropertiesIface         = "org.freedesktop.DBus.Properties"
	propertiesChangedSignal = PropertiesIface + ".PropertiesChanged"
	userDescriptionUUID     = "00002901-0000-1000-8000-00805f9b34fb"
	errNameFailed           = "org.bluez.Error.Failed"
	errNameNotSupported     = "org.bluez.Error.NotSupported"
	errNameNotPermitted     = "org.bluez.Error.NotPermitted"
	errNameInvalidArguments = "org.bluez.Error.InvalidArguments"
	errNameInvalidOffset    = "org.bluez.Error.InvalidOffset"
	errNameDBusInvalidArgs  = "org.freedesktop.DBus.Error.InvalidArgs"
	errNameDBusUnknownIface = "org.freedesktop.DBus.Error.UnknownInterface"
	errNameDBusUnknownProp  = "org.freedesktop.DBus.Error.UnknownProperty"
	errNameDBusPropReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
)

// ErrNoAdapter is returned when no adapter offers GATT and advertising managers.
var ErrNoAdapter = errors.New("no usable bluetooth adapter")

// Conn is the subset of *dbus.Conn used by this package.
type Conn interface {
	ExportMethodTable(methods map[string]interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

var _ Conn = (*dbus.Conn)(nil)

// ManagedObjects is the GetManagedObjects reply shape.
type ManagedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// FindAdapter returns the object path of the adapter named name (for example
// "hci0"), or of the first adapter with GATT and advertising managers when name
// is empty.
func FindAdapter(ctx context.Context, conn Conn, name string) (dbus.ObjectPath, error) {
	var objs ManagedObjects
	call := conn.Object(BusName, "/").CallWithContext(ctx, ObjectManagerIface+".GetManagedObjects", 0)
	if err := call.Store(&objs); err != nil {
		return "", fmt.Errorf("bluez managed objects: %w", err)
	}
	return pickAdapter(objs, name)
}

func pickAdapter(objs ManagedObjects, name string) (dbus.ObjectPath, error) {
	paths := make([]string, 0, len(objs))
	for p, ifaces := range objs {
		if _, ok := ifaces[GattManagerIface]; !ok {
			continue
		}
		if _, ok := ifaces[AdvertisingManagerIface]; !ok {
			continue
		}
		paths = append(paths, string(p))
	}
	sort.Strings(paths)
	for _, p := range paths {
		if name == "" || strings.HasSuffix(p, "/"+name) {
			return dbus.ObjectPath(p), nil
		}
	}
	if name != "" {
		return "", fmt.Errorf("%w: %s", ErrNoAdapter, name)
	}
	return "", ErrNoAdapter
}

// PowerOn sets the adapter's Powered property.
func PowerOn(ctx context.Context, conn Conn, adapter dbus.ObjectPath) error {
	call := conn.Object(BusName, adapter).CallWithContext(ctx, PropertiesIface+".Set", 0, AdapterIface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("power on %s: %w", adapter, call.Err)
	}
	return nil
}

// RegisterApplication hands the exported application to the adapter's GATT manager.
func RegisterApplication(ctx context.Context, conn Conn, adapter dbus.ObjectPath, app *Application) error {
	call := conn.Object(BusName, adapter).CallWithContext(ctx, GattManagerIface+".RegisterApplication", 0, app.Path(), map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("register application: %w", call.Err)
	}
	return nil
}

func UnregisterApplication(ctx context.Context, conn Conn, adapter dbus.ObjectPath, app *Application) error {
	return conn.Object(BusName, adapter).CallWithContext(ctx, GattManagerIface+".UnregisterApplication", 0, app.Path()).Err
}

// RegisterAdvertisement asks the adapter to start advertising adv.
func RegisterAdvertisement(ctx context.Context, conn Conn, adapter dbus.ObjectPath, adv *AdvertisementObject) error {
	call := conn.Object(BusName, adapter).CallWithContext(ctx, AdvertisingManagerIface+".RegisterAdvertisement", 0, adv.Path(), map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("register advertisement: %w", call.Err)
	}
	return nil
}

func UnregisterAdvertisement(ctx context.Context, conn Conn, adapter dbus.ObjectPath, adv *AdvertisementObject) error {
	return conn.Object(BusName, adapter).CallWithContext(ctx, AdvertisingManagerIface+".UnregisterAdvertisement", 0, adv.Path()).Err
}

func dbusError(name, msg string) *dbus.Error { return dbus.NewError(name, []interface{}{msg}) }

// properties serves org.freedesktop.DBus.Properties from a snapshot function.
type properties func() map[string]map[string]dbus.Variant

func (p properties) methods() map[string]interface{} {
	return map[string]interface{}{
		"Get": func(iface, name string) (dbus.Variant, *dbus.Error) {
			props, ok := p()[iface]
			if !ok {
				return dbus.Variant{}, dbusError(errNameDBusUnknownIface, iface)
			}
			v, ok := props[name]
			if !ok {
				return dbus.Variant{}, dbusError(errNameDBusUnknownProp, name)
			}
			return v, nil
		},
		"GetAll": func(iface string) (map[string]dbus.Variant, *dbus.Error) {
			props, ok := p()[iface]
			if !ok {
				return nil, dbusError(errNameDBusInvalidArgs, "no such interface "+iface)
			}
			return props, nil
		},
		"Set": func(iface, name string, _ dbus.Variant) *dbus.Error {
			return dbusError(errNameDBusPropReadOnly, name)
		},
	}
}
