package fanout

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/canble-bridge/internal/logging"
)

type recorder struct {
	mu   sync.Mutex
	got  []uint32
	fail bool
	hold chan struct{}
}

func (r *recorder) Notify(v uint32) error {
	if r.hold != nil {
		<-r.hold
	}
	if r.fail {
		return errors.New("client gone")
	}
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
	return nil
}

func (r *recorder) values() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.got...)
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

func newTestRegistry(opts ...Option) *Registry {
	return New(append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func TestRegistry_AddIdempotent(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()
	s := &recorder{}
	if !r.Add(s) {
		t.Fatalf("first add should report added")
	}
	if r.Add(s) {
		t.Fatalf("second add should be a no-op")
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 entry, got %d", r.Count())
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()
	s := &recorder{}
	r.Add(s)
	if !r.Remove(s) {
		t.Fatalf("remove of present subscriber should report true")
	}
	if r.Remove(s) {
		t.Fatalf("second remove should be a no-op")
	}
	if r.Remove(&recorder{}) {
		t.Fatalf("remove of unknown subscriber should be a no-op")
	}
	if r.Count() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestRegistry_FanOutIsolation(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()
	bad := &recorder{fail: true}
	good := &recorder{}
	r.Add(bad)
	r.Add(good)
	if n := r.FanOut(7); n != 2 {
		t.Fatalf("expected fan-out to 2, got %d", n)
	}
	waitFor(t, 200*time.Millisecond, func() bool { return len(good.values()) == 1 })
	if good.values()[0] != 7 {
		t.Fatalf("unexpected value %v", good.values())
	}
}

// A subscriber that never returns must not stall fan-out to others.
func TestRegistry_StuckSubscriberDoesNotBlock(t *testing.T) {
	r := newTestRegistry(WithQueueSize(4))
	stuck := &recorder{hold: make(chan struct{})}
	fast := &recorder{}
	r.Add(stuck)
	r.Add(fast)

	start := time.Now()
	for i := uint32(0); i < 1000; i++ {
		r.FanOut(i)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("FanOut took too long: %s", elapsed)
	}
	waitFor(t, time.Second, func() bool { return len(fast.values()) > 0 })
	close(stuck.hold)
	r.Close()
}

func TestRegistry_PerSubscriberOrder(t *testing.T) {
	r := newTestRegistry(WithQueueSize(256))
	defer r.Close()
	s := &recorder{}
	r.Add(s)
	for i := uint32(0); i < 100; i++ {
		r.FanOut(i)
	}
	waitFor(t, time.Second, func() bool { return len(s.values()) == 100 })
	for i, v := range s.values() {
		if v != uint32(i) {
			t.Fatalf("out of order at %d: got %d", i, v)
		}
	}
}

func TestRegistry_NoDeliveryAfterRemove(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()
	var calls atomic.Int64
	s := NewFuncSubscriber(func(uint32) error { calls.Add(1); return nil })
	r.Add(s)
	r.FanOut(1)
	waitFor(t, 200*time.Millisecond, func() bool { return calls.Load() == 1 })
	r.Remove(s)
	for i := 0; i < 10; i++ {
		r.FanOut(2)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("delivered after remove: %d calls", calls.Load())
	}
}

func TestRegistry_AddWithInitial(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()
	s := &recorder{}
	r.AddWithInitial(s, func() (uint32, bool) { return 42, true })
	r.FanOut(43)
	waitFor(t, 200*time.Millisecond, func() bool { return len(s.values()) == 2 })
	if got := s.values(); got[0] != 42 || got[1] != 43 {
		t.Fatalf("unexpected order %v", got)
	}
	// already present: initial is not invoked again
	called := false
	r.AddWithInitial(s, func() (uint32, bool) { called = true; return 0, true })
	if called {
		t.Fatalf("initial called for existing subscriber")
	}
}

func TestRegistry_ConcurrentMutation(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()
	subs := make([]*recorder, 50)
	for i := range subs {
		subs[i] = &recorder{}
	}
	stop := make(chan struct{})
	var fanWG sync.WaitGroup
	fanWG.Add(1)
	go func() {
		defer fanWG.Done()
		for i := uint32(0); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			r.FanOut(i)
		}
	}()
	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s *recorder) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Add(s)
				r.Add(s)
				r.Remove(s)
			}
			if i%2 == 0 {
				r.Add(s)
			}
		}(i, s)
	}
	wg.Wait()
	close(stop)
	fanWG.Wait()
	if r.Count() != len(subs)/2 {
		t.Fatalf("expected %d subscribers, got %d", len(subs)/2, r.Count())
	}
}

func BenchmarkRegistry_FanOut(b *testing.B) {
	r := newTestRegistry(WithQueueSize(1024))
	defer r.Close()
	for i := 0; i < 16; i++ {
		r.Add(NewFuncSubscriber(func(uint32) error { return nil }))
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r.FanOut(uint32(i))
	}
}
