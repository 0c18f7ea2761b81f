package gatt

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/canble-bridge/internal/fanout"
	"github.com/kstaniek/canble-bridge/internal/logging"
)

type fakeEmitter struct {
	mu   sync.Mutex
	got  [][]byte
	fail bool
}

func (e *fakeEmitter) EmitValue(b []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return errors.New("no client")
	}
	e.got = append(e.got, append([]byte(nil), b...))
	return nil
}

func (e *fakeEmitter) count() int { e.mu.Lock(); defer e.mu.Unlock(); return len(e.got) }

func (e *fakeEmitter) last() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.got) == 0 {
		return ""
	}
	return string(e.got[len(e.got)-1])
}

type fakeSender struct {
	mu    sync.Mutex
	calls [][3]uint32
	err   error
}

func (s *fakeSender) SendTelemetry(module, key uint8, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, [3]uint32{uint32(module), uint32(key), value})
	return s.err
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

func newRegistry(t *testing.T) *fanout.Registry {
	t.Helper()
	r := fanout.New(fanout.WithLogger(logging.Discard()))
	t.Cleanup(r.Close)
	return r
}

func newChar(reg *fanout.Registry, em Emitter) *Characteristic {
	return New(Config{Name: "temp", Registry: reg, Emitter: em, Logger: logging.Discard()})
}

func TestStartNotifyRegistersOnce(t *testing.T) {
	reg := newRegistry(t)
	c := newChar(reg, &fakeEmitter{})
	if !c.StartNotify() {
		t.Fatalf("first StartNotify should change state")
	}
	if c.StartNotify() {
		t.Fatalf("second StartNotify should be a no-op")
	}
	if !c.Notifying() || reg.Count() != 1 || !reg.Contains(c) {
		t.Fatalf("expected one registration, count=%d", reg.Count())
	}
	if !c.StopNotify() {
		t.Fatalf("StopNotify should change state")
	}
	if c.StopNotify() {
		t.Fatalf("second StopNotify should be a no-op")
	}
	if c.Notifying() || reg.Count() != 0 {
		t.Fatalf("expected idle and deregistered, count=%d", reg.Count())
	}
}

func TestDeliveryEmitsOnlyWhileNotifying(t *testing.T) {
	reg := newRegistry(t)
	em := &fakeEmitter{}
	c := newChar(reg, em)
	c.StartNotify()
	reg.FanOut(7)
	waitFor(t, time.Second, func() bool { return em.count() == 1 })
	if em.last() != "7" {
		t.Fatalf("emitted %q", em.last())
	}
	c.StopNotify()
	if n := reg.FanOut(8); n != 0 {
		t.Fatalf("fan-out targeted %d subscribers after stop", n)
	}
	time.Sleep(20 * time.Millisecond)
	if em.count() != 1 {
		t.Fatalf("emitted after StopNotify: %d", em.count())
	}
	// direct delivery while idle only records the value
	_ = c.Notify(9)
	if v, ok := c.LastValue(); !ok || v != 9 || em.count() != 1 {
		t.Fatalf("idle delivery: v=%d ok=%v emits=%d", v, ok, em.count())
	}
}

func TestStartNotifyPrimesCurrentValue(t *testing.T) {
	reg := newRegistry(t)
	em := &fakeEmitter{}
	c := newChar(reg, em)
	_ = c.Notify(41)
	c.StartNotify()
	waitFor(t, time.Second, func() bool { return em.count() == 1 })
	if em.last() != "41" {
		t.Fatalf("primed %q", em.last())
	}

	fresh := newChar(reg, &fakeEmitter{})
	fresh.StartNotify()
	time.Sleep(20 * time.Millisecond)
	if _, ok := fresh.LastValue(); ok {
		t.Fatalf("nothing should be primed without a value")
	}
}

func TestStartNotifyPrimesFromSource(t *testing.T) {
	reg := newRegistry(t)
	em := &fakeEmitter{}
	c := New(Config{
		Name:     "src",
		Registry: reg,
		Emitter:  em,
		Unit:     "C",
		Source:   func() (uint32, bool) { return 215, true },
		Logger:   logging.Discard(),
	})
	if got := string(c.ReadValue()); got != "215 C" {
		t.Fatalf("ReadValue=%q", got)
	}
	c.StartNotify()
	waitFor(t, time.Second, func() bool { return em.count() == 1 })
	if em.last() != "215 C" {
		t.Fatalf("primed %q", em.last())
	}
}

func TestReadValue(t *testing.T) {
	c := newChar(nil, nil)
	if got := c.ReadValue(); got == nil || len(got) != 0 {
		t.Fatalf("expected empty default, got %v", got)
	}
	_ = c.Notify(42)
	v, err := strconv.ParseUint(string(c.ReadValue()), 10, 32)
	if err != nil || v != 42 {
		t.Fatalf("ReadValue decoded to %d (%v)", v, err)
	}
}

func TestEmitFailureIsSwallowed(t *testing.T) {
	reg := newRegistry(t)
	c := newChar(reg, &fakeEmitter{fail: true})
	c.StartNotify()
	if err := c.Notify(5); err != nil {
		t.Fatalf("emit failure escaped: %v", err)
	}
	if v, _ := c.LastValue(); v != 5 {
		t.Fatalf("last value not recorded: %d", v)
	}
}

func TestNotifyWithoutRegistry(t *testing.T) {
	c := newChar(nil, &fakeEmitter{})
	if c.CanNotify() || c.StartNotify() || c.Notifying() {
		t.Fatalf("characteristic without registry must not notify")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	reg := newRegistry(t)
	c := newChar(reg, &fakeEmitter{})
	c.StartNotify()
	c.Close()
	if reg.Count() != 0 || c.Notifying() {
		t.Fatalf("Close must deregister")
	}
	if c.StartNotify() {
		t.Fatalf("StartNotify after Close must be a no-op")
	}
}

func TestSetEmitter(t *testing.T) {
	reg := newRegistry(t)
	c := newChar(reg, nil)
	c.StartNotify()
	_ = c.Notify(1)
	em := &fakeEmitter{}
	c.SetEmitter(em)
	_ = c.Notify(2)
	if em.count() != 1 || em.last() != "2" {
		t.Fatalf("emits=%d last=%q", em.count(), em.last())
	}
}

func TestWriteValue(t *testing.T) {
	s := &fakeSender{}
	c := New(Config{Name: "cmd", Command: &Command{Sender: s, Module: 0x12, Key: 0x05}, Logger: logging.Discard()})
	if err := c.WriteValue([]byte("123\n")); err != nil {
		t.Fatalf("decimal write: %v", err)
	}
	if err := c.WriteValue([]byte{0x00, 0x01, 0x00, 0xFF}); err != nil {
		t.Fatalf("binary write: %v", err)
	}
	if err := c.WriteValue([]byte("1x")); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	want := [][3]uint32{{0x12, 0x05, 123}, {0x12, 0x05, 0x100FF}}
	if len(s.calls) != len(want) || s.calls[0] != want[0] || s.calls[1] != want[1] {
		t.Fatalf("calls=%v", s.calls)
	}

	s.err = errors.New("tx failed")
	if err := c.WriteValue([]byte("1")); err == nil || err.Error() != "tx failed" {
		t.Fatalf("expected sender error, got %v", err)
	}
	if err := newChar(nil, nil).WriteValue([]byte("1")); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestConcurrentStartStopDuringDelivery(t *testing.T) {
	reg := newRegistry(t)
	chars := make([]*Characteristic, 100)
	var emits atomic.Int64
	em := EmitterFunc(func([]byte) error { emits.Add(1); return nil })
	for i := range chars {
		chars[i] = New(Config{Name: "c" + strconv.Itoa(i), Registry: reg, Emitter: em, Logger: logging.Discard()})
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := uint32(0); v < 1000; v++ {
			reg.FanOut(v)
		}
	}()
	var wg sync.WaitGroup
	for i, c := range chars {
		wg.Add(1)
		go func(i int, c *Characteristic) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				c.StartNotify()
				c.StartNotify()
				c.StopNotify()
			}
			if i%2 == 0 {
				c.StartNotify()
			}
		}(i, c)
	}
	wg.Wait()
	<-done
	if reg.Count() != 50 {
		t.Fatalf("expected 50 registered, got %d", reg.Count())
	}
	for i, c := range chars {
		if c.Notifying() != (i%2 == 0) || reg.Contains(c) != c.Notifying() {
			t.Fatalf("char %d state mismatch", i)
		}
	}
}
