// Package delivery runs subscriber notifications off the bus reader's goroutine.
package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueClosed is returned by Push after Stop or Close.
var ErrQueueClosed = errors.New("delivery queue closed")

// Queue funnels values for one subscriber through a single worker goroutine.
// Push never blocks: when the buffer is full the OnDrop hook decides the
// outcome. Values are delivered in the order they were pushed.
//
// Life-cycle:
//
//	q := New(ctx, buf, notifyFn, hooks)
//	q.Push(v)
//	q.Stop()  // queued values are abandoned
//	q.Close() // Stop and wait for an in-flight notify to finish
type Queue struct {
	mu     sync.Mutex
	ch     chan uint32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	notify func(uint32) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize Queue behavior.
type Hooks struct {
	// OnError is called when notify returns a non-nil error.
	OnError func(error)
	// OnAfter is called only after a successful notify.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Push. If nil, the overflow is silent.
	OnDrop func() error
}

// New constructs a Queue with a buffered channel of size buf (minimum 1).
func New(parent context.Context, buf int, notify func(uint32) error, hooks Hooks) *Queue {
	if buf < 1 {
		buf = 1
	}
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		ch:     make(chan uint32, buf),
		ctx:    ctx,
		cancel: cancel,
		notify: notify,
		hooks:  hooks,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case v, ok := <-q.ch:
			if !ok {
				return
			}
			// select picks randomly among ready cases; re-check so a stopped
			// queue never starts another notify.
			if q.ctx.Err() != nil {
				return
			}
			if err := q.notify(v); err != nil {
				if q.hooks.OnError != nil {
					q.hooks.OnError(err)
				}
				continue
			}
			if q.hooks.OnAfter != nil {
				q.hooks.OnAfter()
			}
		case <-q.ctx.Done():
			return
		}
	}
}

// Push queues v for delivery or returns the drop error if the buffer is full.
func (q *Queue) Push(v uint32) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- v:
		return nil
	default:
		if q.hooks.OnDrop != nil {
			return q.hooks.OnDrop()
		}
		return nil
	}
}

// Len reports the number of queued values.
func (q *Queue) Len() int { return len(q.ch) }

// Stop prevents further dequeues without waiting for a notify already running.
func (q *Queue) Stop() {
	if q.closed.Swap(true) {
		return
	}
	q.cancel()
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()
}

// Close stops the worker and waits for it to exit.
func (q *Queue) Close() {
	q.Stop()
	q.wg.Wait()
}
