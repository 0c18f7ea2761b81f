package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/kstaniek/canble-bridge/internal/bluez"
	"github.com/kstaniek/canble-bridge/internal/bridge"
	"github.com/kstaniek/canble-bridge/internal/gatt"
	"github.com/kstaniek/canble-bridge/internal/metrics"
)

const (
	appPath           dbus.ObjectPath = "/com/kstaniek/canble"
	advertisementPath                 = appPath + "/advertisement0"
	bleCallTimeout                    = 10 * time.Second
)

// systemBus is a hook for tests. The shared system bus connection is never closed.
var systemBus = func() (bluez.Conn, error) { return dbus.SystemBus() }

func loadLayout(path string) (*bluez.Layout, error) {
	if path == "" {
		return bluez.DefaultLayout(), nil
	}
	return bluez.LoadLayout(path)
}

// buildApplication creates one characteristic per layout entry on br and
// exports them under a single service.
func buildApplication(conn bluez.Conn, layout *bluez.Layout, br *bridge.Bridge, l *slog.Logger) (*bluez.Application, error) {
	app := bluez.NewApplication(conn, appPath, l)
	svc := app.AddService(layout.Service, true)
	byName := make(map[string]*gatt.Characteristic, len(layout.Characteristics))
	for _, cl := range layout.Characteristics {
		format, err := gatt.ParseFormat(cl.Format)
		if err != nil {
			return nil, fmt.Errorf("characteristic %s: %w", cl.Name, err)
		}
		spec := bridge.CharSpec{
			Name:   cl.Name,
			Key:    cl.Key,
			Notify: cl.Notifiable(),
			Format: format,
			Unit:   cl.Unit,
		}
		switch {
		case cl.UnitFor != "":
			spec.UnitOf, spec.Units = byName[cl.UnitFor], cl.Units
			if spec.UnitOf == nil {
				return nil, fmt.Errorf("characteristic %s: unknown unit_for %q", cl.Name, cl.UnitFor)
			}
		case cl.Writable():
			spec.WriteKey = cl.WriteKey
		}
		c := br.NewCharacteristic(spec)
		byName[cl.Name] = c
		ch := svc.AddCharacteristic(cl.UUID, cl.Flags, c)
		if cl.Description != "" {
			ch.AddUserDescription(cl.Description)
		}
		l.Info("ble_characteristic", "name", cl.Name, "uuid", cl.UUID, "flags", cl.Flags, "path", ch.Path())
	}
	if err := app.Export(); err != nil {
		return nil, err
	}
	return app, nil
}

func buildAdvertisement(cfg *appConfig, layout *bluez.Layout) *bluez.Advertisement {
	name := cfg.localName
	if name == "" {
		name = layout.LocalName
	}
	return bluez.NewAdvertisement(bluez.AdvertisePeripheral).
		WithLocalName(name).
		AddServiceUUID(layout.Service).
		WithTxPower(true)
}

// startBLE publishes the GATT application and advertisement through BlueZ
// and returns a cleanup that unregisters both.
func startBLE(ctx context.Context, cfg *appConfig, br *bridge.Bridge, l *slog.Logger) (func(), error) {
	layout, err := loadLayout(cfg.layoutPath)
	if err != nil {
		return nil, err
	}
	conn, err := systemBus()
	if err != nil {
		return nil, fmt.Errorf("dbus system bus: %w", err)
	}
	app, err := buildApplication(conn, layout, br, l)
	if err != nil {
		return nil, err
	}
	adv, err := bluez.ExportAdvertisement(conn, advertisementPath, buildAdvertisement(cfg, layout), l)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, bleCallTimeout)
	defer cancel()
	adapter, err := bluez.FindAdapter(cctx, conn, cfg.adapter)
	if err != nil {
		return nil, err
	}
	if err := bluez.PowerOn(cctx, conn, adapter); err != nil {
		l.Warn("ble_power_on_failed", "adapter", adapter, "error", err)
	}
	if err := bluez.RegisterApplication(cctx, conn, adapter, app); err != nil {
		metrics.IncError(metrics.ErrBLERegister)
		return nil, err
	}
	if err := bluez.RegisterAdvertisement(cctx, conn, adapter, adv); err != nil {
		metrics.IncError(metrics.ErrBLERegister)
		_ = bluez.UnregisterApplication(context.Background(), conn, adapter, app)
		return nil, err
	}
	l.Info("ble_registered", "adapter", adapter, "service", layout.Service, "characteristics", len(layout.Characteristics))

	return func() {
		uctx, ucancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ucancel()
		if err := bluez.UnregisterAdvertisement(uctx, conn, adapter, adv); err != nil {
			l.Debug("ble_unregister_advertisement_failed", "error", err)
		}
		if err := bluez.UnregisterApplication(uctx, conn, adapter, app); err != nil {
			l.Debug("ble_unregister_application_failed", "error", err)
		}
	}, nil
}
