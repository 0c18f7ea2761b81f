package bluez

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/kstaniek/canble-bridge/internal/logging"
)

// Advertisement types understood by LEAdvertisingManager1.
const (
	AdvertisePeripheral = "peripheral"
	AdvertiseBroadcast  = "broadcast"
)

// Advertisement is the typed form of an LEAdvertisement1 property set. Zero
// fields are left out of the property map.
type Advertisement struct {
	Type             string
	LocalName        string
	ServiceUUIDs     []string
	SolicitUUIDs     []string
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	IncludeTxPower   bool
}

// NewAdvertisement starts a builder for the given advertisement type.
func NewAdvertisement(typ string) *Advertisement { return &Advertisement{Type: typ} }

func (a *Advertisement) WithLocalName(name string) *Advertisement {
	a.LocalName = name
	return a
}

func (a *Advertisement) AddServiceUUID(uuid string) *Advertisement {
	a.ServiceUUIDs = append(a.ServiceUUIDs, uuid)
	return a
}

func (a *Advertisement) AddSolicitUUID(uuid string) *Advertisement {
	a.SolicitUUIDs = append(a.SolicitUUIDs, uuid)
	return a
}

func (a *Advertisement) AddManufacturerData(company uint16, data []byte) *Advertisement {
	if a.ManufacturerData == nil {
		a.ManufacturerData = make(map[uint16][]byte)
	}
	a.ManufacturerData[company] = append([]byte(nil), data...)
	return a
}

func (a *Advertisement) AddServiceData(uuid string, data []byte) *Advertisement {
	if a.ServiceData == nil {
		a.ServiceData = make(map[string][]byte)
	}
	a.ServiceData[uuid] = append([]byte(nil), data...)
	return a
}

func (a *Advertisement) WithTxPower(include bool) *Advertisement {
	a.IncludeTxPower = include
	return a
}

// Validate checks the fields BlueZ would reject.
func (a *Advertisement) Validate() error {
	switch a.Type {
	case AdvertisePeripheral, AdvertiseBroadcast:
	default:
		return fmt.Errorf("invalid advertisement type %q", a.Type)
	}
	for _, u := range append(append([]string(nil), a.ServiceUUIDs...), a.SolicitUUIDs...) {
		if _, err := NormalizeUUID(u); err != nil {
			return err
		}
	}
	for u := range a.ServiceData {
		if _, err := NormalizeUUID(u); err != nil {
			return err
		}
	}
	return nil
}

// Properties serializes the advertisement to its a{sv} form.
func (a *Advertisement) Properties() map[string]dbus.Variant {
	props := map[string]dbus.Variant{"Type": dbus.MakeVariant(a.Type)}
	if a.LocalName != "" {
		props["LocalName"] = dbus.MakeVariant(a.LocalName)
	}
	if len(a.ServiceUUIDs) > 0 {
		props["ServiceUUIDs"] = dbus.MakeVariant(a.ServiceUUIDs)
	}
	if len(a.SolicitUUIDs) > 0 {
		props["SolicitUUIDs"] = dbus.MakeVariant(a.SolicitUUIDs)
	}
	if len(a.ManufacturerData) > 0 {
		md := make(map[uint16]dbus.Variant, len(a.ManufacturerData))
		for k, v := range a.ManufacturerData {
			md[k] = dbus.MakeVariant(v)
		}
		props["ManufacturerData"] = dbus.MakeVariant(md)
	}
	if len(a.ServiceData) > 0 {
		sd := make(map[string]dbus.Variant, len(a.ServiceData))
		for k, v := range a.ServiceData {
			sd[k] = dbus.MakeVariant(v)
		}
		props["ServiceData"] = dbus.MakeVariant(sd)
	}
	if a.IncludeTxPower {
		props["Includes"] = dbus.MakeVariant([]string{"tx-power"})
	}
	return props
}

// PropertyNames lists the keys Properties would produce, sorted.
func (a *Advertisement) PropertyNames() []string {
	props := a.Properties()
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AdvertisementObject is an exported LEAdvertisement1.
type AdvertisementObject struct {
	path     dbus.ObjectPath
	adv      Advertisement
	logger   *slog.Logger
	released chan struct{}
	once     sync.Once
}

// ExportAdvertisement publishes adv at path.
func ExportAdvertisement(conn Conn, path dbus.ObjectPath, adv *Advertisement, logger *slog.Logger) (*AdvertisementObject, error) {
	if err := adv.Validate(); err != nil {
		return nil, err
	}
	o := &AdvertisementObject{path: path, adv: *adv, logger: logging.Or(logger, "bluez"), released: make(chan struct{})}
	if err := conn.ExportMethodTable(map[string]interface{}{"Release": o.Release}, path, AdvertisementIface); err != nil {
		return nil, fmt.Errorf("export %s: %w", path, err)
	}
	props := properties(func() map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{AdvertisementIface: o.adv.Properties()}
	})
	if err := conn.ExportMethodTable(props.methods(), path, PropertiesIface); err != nil {
		return nil, fmt.Errorf("export %s: %w", path, err)
	}
	return o, nil
}

func (o *AdvertisementObject) Path() dbus.ObjectPath { return o.path }

// Released is closed when BlueZ drops the advertisement.
func (o *AdvertisementObject) Released() <-chan struct{} { return o.released }

// Release implements LEAdvertisement1.Release.
func (o *AdvertisementObject) Release() *dbus.Error {
	o.once.Do(func() {
		close(o.released)
		o.logger.Info("ble_advertisement_released", "path", o.path)
	})
	return nil
}
