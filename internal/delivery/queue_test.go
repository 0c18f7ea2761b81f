package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow = errors.New("overflow")
	errNotify   = errors.New("notify fail")
)

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

// TestQueueOrder verifies values arrive in push order and hooks fire.
func TestQueueOrder(t *testing.T) {
	var mu sync.Mutex
	var got []uint32
	var after atomic.Int64
	q := New(context.Background(), 16, func(v uint32) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer q.Close()
	for i := uint32(0); i < 10; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	waitFor(t, 200*time.Millisecond, func() bool { return after.Load() == 10 })
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
}

// TestQueueOverflow ensures OnDrop is invoked when the buffer is full.
func TestQueueOverflow(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var drops atomic.Int64
	q := New(context.Background(), 1, func(uint32) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer q.Close()
	defer close(release)

	if err := q.Push(1); err != nil {
		t.Fatalf("first push: %v", err)
	}
	<-started // worker is now blocked inside notify
	if err := q.Push(2); err != nil {
		t.Fatalf("second push should fill buffer: %v", err)
	}
	if err := q.Push(3); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

func TestQueueNotifyError(t *testing.T) {
	var errs atomic.Int64
	q := New(context.Background(), 2, func(uint32) error { return errNotify }, Hooks{OnError: func(err error) {
		if errors.Is(err, errNotify) {
			errs.Add(1)
		}
	}})
	defer q.Close()
	_ = q.Push(1)
	_ = q.Push(2)
	waitFor(t, 200*time.Millisecond, func() bool { return errs.Load() == 2 })
}

func TestQueuePushAfterStop(t *testing.T) {
	q := New(context.Background(), 2, func(uint32) error { return nil }, Hooks{})
	q.Stop()
	if err := q.Push(1); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	q.Close() // idempotent after Stop
}

// TestQueueNoNotifyAfterClose checks queued values are discarded on Close.
func TestQueueNoNotifyAfterClose(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	q := New(context.Background(), 8, func(uint32) error {
		calls.Add(1)
		<-release
		return nil
	}, Hooks{})
	for i := uint32(0); i < 5; i++ {
		_ = q.Push(i)
	}
	waitFor(t, 200*time.Millisecond, func() bool { return calls.Load() == 1 })
	q.Stop()
	close(release)
	q.Close()
	if calls.Load() != 1 {
		t.Fatalf("notify ran after stop: %d calls", calls.Load())
	}
}

func TestQueueCloseConcurrentPush(t *testing.T) {
	for i := 0; i < 100; i++ {
		q := New(context.Background(), 1, func(uint32) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- q.Push(1) }()
		time.Sleep(time.Millisecond)
		q.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("iteration %d: unexpected push error %v", i, err)
		}
	}
}
