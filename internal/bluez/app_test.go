package bluez

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/kstaniek/canble-bridge/internal/fanout"
	"github.com/kstaniek/canble-bridge/internal/gatt"
	"github.com/kstaniek/canble-bridge/internal/logging"
)

type signal struct {
	path dbus.ObjectPath
	name string
	body []interface{}
}

// fakeConn records exports and signals.
type fakeConn struct {
	mu      sync.Mutex
	exports map[dbus.ObjectPath]map[string]map[string]interface{}
	signals []signal
	emitErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{exports: make(map[dbus.ObjectPath]map[string]map[string]interface{})}
}

func (c *fakeConn) ExportMethodTable(methods map[string]interface{}, path dbus.ObjectPath, iface string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exports[path] == nil {
		c.exports[path] = make(map[string]map[string]interface{})
	}
	c.exports[path][iface] = methods
	return nil
}

func (c *fakeConn) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.signals = append(c.signals, signal{path: path, name: name, body: values})
	return nil
}

func (c *fakeConn) Object(string, dbus.ObjectPath) dbus.BusObject { return nil }

func (c *fakeConn) method(path dbus.ObjectPath, iface, name string) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exports[path][iface][name]
}

func (c *fakeConn) valueSignals() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, s := range c.signals {
		changed := s.body[1].(map[string]dbus.Variant)
		if v, ok := changed["Value"]; ok {
			out = append(out, v.Value().([]byte))
		}
	}
	return out
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

type testApp struct {
	conn *fakeConn
	app  *Application
	reg  *fanout.Registry
	char *gatt.Characteristic
	ch   *GattCharacteristic
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	conn := newFakeConn()
	reg := fanout.New(fanout.WithLogger(logging.Discard()))
	t.Cleanup(reg.Close)
	app := NewApplication(conn, "/org/canble", logging.Discard())
	svc := app.AddService("00000001-710e-4a5b-8d75-3e5b444bc3cf", true)
	c := gatt.New(gatt.Config{Name: "temp", Registry: reg, Unit: "C", Logger: logging.Discard()})
	ch := svc.AddCharacteristic("00000002-710e-4a5b-8d75-3e5b444bc3cf", []string{"read", "notify"}, c)
	ch.AddUserDescription("Temperature")
	if err := app.Export(); err != nil {
		t.Fatalf("export: %v", err)
	}
	return &testApp{conn: conn, app: app, reg: reg, char: c, ch: ch}
}

func TestManagedObjects(t *testing.T) {
	ta := newTestApp(t)
	getObjs, ok := ta.conn.method("/org/canble", ObjectManagerIface, "GetManagedObjects").(func() (ManagedObjects, *dbus.Error))
	if !ok {
		t.Fatalf("GetManagedObjects not exported")
	}
	objs, derr := getObjs()
	if derr != nil {
		t.Fatalf("GetManagedObjects: %v", derr)
	}
	if len(objs) != 3 {
		t.Fatalf("expected service, characteristic, descriptor; got %d objects", len(objs))
	}
	svc := objs["/org/canble/service0"][GattServiceIface]
	if svc["UUID"].Value().(string) != "00000001-710e-4a5b-8d75-3e5b444bc3cf" || !svc["Primary"].Value().(bool) {
		t.Fatalf("service props %v", svc)
	}
	chr := objs["/org/canble/service0/char0"][GattCharacteristicIface]
	if chr["Service"].Value().(dbus.ObjectPath) != "/org/canble/service0" {
		t.Fatalf("char service %v", chr["Service"])
	}
	if flags := chr["Flags"].Value().([]string); len(flags) != 2 || flags[1] != "notify" {
		t.Fatalf("flags %v", flags)
	}
	desc := objs["/org/canble/service0/char0/desc0"][GattDescriptorIface]
	if desc["UUID"].Value().(string) != userDescriptionUUID {
		t.Fatalf("descriptor uuid %v", desc["UUID"])
	}
	read := ta.conn.method("/org/canble/service0/char0/desc0", GattDescriptorIface, "ReadValue").(func(map[string]dbus.Variant) ([]byte, *dbus.Error))
	if b, _ := read(nil); string(b) != "Temperature" {
		t.Fatalf("descriptor value %q", b)
	}
}

func TestPropertiesGetAll(t *testing.T) {
	ta := newTestApp(t)
	getAll := ta.conn.method(ta.ch.Path(), PropertiesIface, "GetAll").(func(string) (map[string]dbus.Variant, *dbus.Error))
	props, derr := getAll(GattCharacteristicIface)
	if derr != nil || props["Notifying"].Value().(bool) {
		t.Fatalf("props %v err %v", props, derr)
	}
	if _, derr := getAll("org.example.Nope"); derr == nil || derr.Name != errNameDBusInvalidArgs {
		t.Fatalf("expected InvalidArgs, got %v", derr)
	}
	get := ta.conn.method(ta.ch.Path(), PropertiesIface, "Get").(func(string, string) (dbus.Variant, *dbus.Error))
	if v, derr := get(GattCharacteristicIface, "UUID"); derr != nil || v.Value().(string) != "00000002-710e-4a5b-8d75-3e5b444bc3cf" {
		t.Fatalf("Get UUID=%v err=%v", v, derr)
	}
	if _, derr := get(GattCharacteristicIface, "Bogus"); derr == nil || derr.Name != errNameDBusUnknownProp {
		t.Fatalf("expected UnknownProperty, got %v", derr)
	}
}

func TestNotifyEmitsPropertiesChanged(t *testing.T) {
	ta := newTestApp(t)
	if derr := ta.ch.StartNotify(); derr != nil {
		t.Fatalf("StartNotify: %v", derr)
	}
	if derr := ta.ch.StartNotify(); derr != nil {
		t.Fatalf("repeated StartNotify: %v", derr)
	}
	if ta.reg.Count() != 1 {
		t.Fatalf("registry count %d", ta.reg.Count())
	}
	ta.reg.FanOut(215)
	waitFor(t, time.Second, func() bool { return len(ta.conn.valueSignals()) == 1 })
	if got := string(ta.conn.valueSignals()[0]); got != "215 C" {
		t.Fatalf("signal value %q", got)
	}
	ta.conn.mu.Lock()
	first := ta.conn.signals[0]
	ta.conn.mu.Unlock()
	if first.name != PropertiesIface+".PropertiesChanged" || first.body[0] != GattCharacteristicIface {
		t.Fatalf("unexpected signal %+v", first)
	}
	if derr := ta.ch.StopNotify(); derr != nil {
		t.Fatalf("StopNotify: %v", derr)
	}
	if ta.reg.Count() != 0 {
		t.Fatalf("registry count after stop %d", ta.reg.Count())
	}
}

func TestReadValueOffset(t *testing.T) {
	ta := newTestApp(t)
	if b, derr := ta.ch.ReadValue(nil); derr != nil || len(b) != 0 {
		t.Fatalf("default read %q %v", b, derr)
	}
	_ = ta.char.Notify(1234)
	b, derr := ta.ch.ReadValue(map[string]dbus.Variant{"offset": dbus.MakeVariant(uint16(2))})
	if derr != nil || string(b) != "34 C" {
		t.Fatalf("offset read %q %v", b, derr)
	}
	if _, derr := ta.ch.ReadValue(map[string]dbus.Variant{"offset": dbus.MakeVariant(uint16(99))}); derr == nil || derr.Name != errNameInvalidOffset {
		t.Fatalf("expected InvalidOffset, got %v", derr)
	}
}

type failingSender struct{ err error }

func (s failingSender) SendTelemetry(uint8, uint8, uint32) error { return s.err }

func TestWriteValueErrors(t *testing.T) {
	ta := newTestApp(t)
	if derr := ta.ch.WriteValue([]byte("1"), nil); derr == nil || derr.Name != errNameNotSupported {
		t.Fatalf("expected NotSupported, got %v", derr)
	}
	cmd := gatt.New(gatt.Config{Name: "cmd", Command: &gatt.Command{Sender: failingSender{errors.New("tx")}, Key: 5}, Logger: logging.Discard()})
	ch := ta.app.services[0].AddCharacteristic("00000003-710e-4a5b-8d75-3e5b444bc3cf", []string{"write"}, cmd)
	if derr := ch.WriteValue([]byte("1"), nil); derr == nil || derr.Name != errNameFailed {
		t.Fatalf("expected Failed, got %v", derr)
	}
	if derr := ch.WriteValue([]byte("abc"), nil); derr == nil || derr.Name != errNameInvalidArguments {
		t.Fatalf("expected InvalidArguments, got %v", derr)
	}
	if derr := ch.StartNotify(); derr == nil || derr.Name != errNameNotSupported {
		t.Fatalf("expected NotSupported for notify, got %v", derr)
	}
}

func TestPickAdapter(t *testing.T) {
	full := map[string]map[string]dbus.Variant{GattManagerIface: {}, AdvertisingManagerIface: {}}
	objs := ManagedObjects{
		"/org/bluez/hci1": full,
		"/org/bluez/hci0": full,
		"/org/bluez/hci2": {GattManagerIface: {}},
	}
	if p, err := pickAdapter(objs, ""); err != nil || p != "/org/bluez/hci0" {
		t.Fatalf("auto pick %v %v", p, err)
	}
	if p, err := pickAdapter(objs, "hci1"); err != nil || p != "/org/bluez/hci1" {
		t.Fatalf("named pick %v %v", p, err)
	}
	if _, err := pickAdapter(objs, "hci2"); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("expected ErrNoAdapter, got %v", err)
	}
	if _, err := pickAdapter(ManagedObjects{}, ""); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("expected ErrNoAdapter, got %v", err)
	}
}
