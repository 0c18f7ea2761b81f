// Package fanout maintains subscriber sets and delivers telemetry values to them.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/canble-bridge/internal/delivery"
	"github.com/kstaniek/canble-bridge/internal/logging"
	"github.com/kstaniek/canble-bridge/internal/metrics"
)

// Subscriber receives fanned-out values. Implementations must be comparable
// (typically a pointer) since the registry keys on identity.
type Subscriber interface {
	Notify(value uint32) error
}

type funcSubscriber struct{ fn func(uint32) error }

func (f *funcSubscriber) Notify(v uint32) error { return f.fn(v) }

// NewFuncSubscriber returns a Subscriber with a unique identity calling fn.
func NewFuncSubscriber(fn func(uint32) error) Subscriber { return &funcSubscriber{fn: fn} }

var (
	// ErrDeliveryFailed wraps errors returned by a subscriber's Notify.
	ErrDeliveryFailed = errors.New("subscriber delivery failed")
	// ErrSubscriberBehind is reported when a subscriber's queue is full and the value is dropped.
	ErrSubscriberBehind = errors.New("subscriber queue full")
)

const defaultQueueSize = 64

// Registry maps subscribers to their delivery queues. Add and Remove may be
// called from any goroutine concurrently with FanOut.
type Registry struct {
	mu        sync.RWMutex
	subs      map[Subscriber]*delivery.Queue
	ctx       context.Context
	queueSize int
	name      string
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithQueueSize sets the per-subscriber buffer (values beyond it are dropped).
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithName labels log lines emitted by the registry.
func WithName(name string) Option { return func(r *Registry) { r.name = name } }

// WithContext sets the parent context of delivery workers.
func WithContext(ctx context.Context) Option {
	return func(r *Registry) {
		if ctx != nil {
			r.ctx = ctx
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		subs:      make(map[Subscriber]*delivery.Queue),
		ctx:       context.Background(),
		queueSize: defaultQueueSize,
		name:      "all",
		logger:    logging.Component("fanout"),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("registry", r.name)
	return r
}

// Add registers s. Adding a subscriber that is already present is a no-op; the
// return value reports whether s was newly added.
func (r *Registry) Add(s Subscriber) bool { return r.AddWithInitial(s, nil) }

// AddWithInitial registers s and, when initial reports a value, queues it as the
// first delivery. initial runs under the registry lock so no fan-out can be
// ordered between it and the registration; it must not call back into r.
func (r *Registry) AddWithInitial(s Subscriber, initial func() (uint32, bool)) bool {
	r.mu.Lock()
	if _, ok := r.subs[s]; ok {
		r.mu.Unlock()
		return false
	}
	q := r.newQueue(s)
	if initial != nil {
		if v, ok := initial(); ok {
			_ = q.Push(v)
		}
	}
	r.subs[s] = q
	cur := len(r.subs)
	r.mu.Unlock()
	metrics.AddSubscribers(1)
	if cur == 1 {
		r.logger.Info("subscribers_first_added")
	}
	return true
}

// Remove unregisters s; removing an absent subscriber is a no-op. Once Remove
// returns, nothing new is queued for s and the worker stops dequeuing; a Notify
// call already running, or one whose value was dequeued just before, may still
// complete.
func (r *Registry) Remove(s Subscriber) bool {
	r.mu.Lock()
	q, existed := r.subs[s]
	if existed {
		delete(r.subs, s)
	}
	cur := len(r.subs)
	r.mu.Unlock()
	if !existed {
		return false
	}
	q.Stop()
	metrics.AddSubscribers(-1)
	if cur == 0 {
		r.logger.Info("subscribers_last_removed")
	}
	return true
}

// FanOut queues v for every subscriber present at the time of the call and
// returns how many were targeted. It never blocks on subscriber work.
func (r *Registry) FanOut(v uint32) int {
	r.mu.RLock()
	queues := r.appendQueuesLocked(nil)
	r.mu.RUnlock()
	metrics.SetFanout(len(queues))
	r.deliver(queues, v)
	return len(queues)
}

// appendQueuesLocked requires r.mu held for reading.
func (r *Registry) appendQueuesLocked(dst []*delivery.Queue) []*delivery.Queue {
	for _, q := range r.subs {
		dst = append(dst, q)
	}
	return dst
}

func (r *Registry) deliver(queues []*delivery.Queue, v uint32) {
	for _, q := range queues {
		if err := q.Push(v); err != nil && errors.Is(err, ErrSubscriberBehind) {
			r.logger.Debug("delivery_dropped", "value", v)
		}
		// delivery.ErrQueueClosed: removed after the snapshot, nothing to do.
	}
}

// Contains reports whether s is registered.
func (r *Registry) Contains(s Subscriber) bool {
	r.mu.RLock()
	_, ok := r.subs[s]
	r.mu.RUnlock()
	return ok
}

// Count returns the number of registered subscribers.
func (r *Registry) Count() int { r.mu.RLock(); n := len(r.subs); r.mu.RUnlock(); return n }

// Close removes every subscriber and waits for in-flight deliveries to finish.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[Subscriber]*delivery.Queue)
	r.mu.Unlock()
	for _, q := range subs {
		q.Close()
	}
	if n := len(subs); n > 0 {
		metrics.AddSubscribers(-n)
	}
}

func (r *Registry) newQueue(s Subscriber) *delivery.Queue {
	hooks := delivery.Hooks{
		OnError: func(err error) {
			metrics.IncDeliveryFailed()
			metrics.IncError(metrics.ErrDelivery)
			r.logger.Warn("delivery_failed", "error", fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
		},
		OnDrop: func() error {
			metrics.IncDeliveryDrop()
			metrics.IncError(metrics.ErrDeliveryOverflow)
			return ErrSubscriberBehind
		},
	}
	return delivery.New(r.ctx, r.queueSize, s.Notify, hooks)
}
