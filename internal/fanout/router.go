package fanout

import (
	"sync"

	"github.com/kstaniek/canble-bridge/internal/delivery"
	"github.com/kstaniek/canble-bridge/internal/metrics"
)

// Router splits subscribers by telemetry key. Subscribers of All receive every
// value; subscribers of Key(k) receive only values carrying key k.
type Router struct {
	mu    sync.Mutex
	opts  []Option
	all   *Registry
	byKey map[uint8]*Registry
}

// NewRouter creates a Router whose registries share opts.
func NewRouter(opts ...Option) *Router {
	return &Router{
		opts:  opts,
		all:   New(append(append([]Option{}, opts...), WithName("all"))...),
		byKey: make(map[uint8]*Registry),
	}
}

// All returns the registry receiving every key.
func (r *Router) All() *Registry { return r.all }

// Key returns the registry for key k, creating it on first use.
func (r *Router) Key(k uint8) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byKey[k]
	if !ok {
		reg = New(append(append([]Option{}, r.opts...), WithName(keyName(k)))...)
		r.byKey[k] = reg
	}
	return reg
}

// Dispatch fans v out to All and to the registry of key, returning the number
// of subscribers targeted.
func (r *Router) Dispatch(key uint8, v uint32) int { return r.DispatchAfter(key, v, nil) }

// DispatchAfter runs commit and takes the subscriber snapshot of both target
// registries with registrations on them held off, then fans v out. A
// subscriber added concurrently either sees commit's effect in its initial
// value or receives v from the fan-out, never both. commit must not call into
// the router or its registries.
func (r *Router) DispatchAfter(key uint8, v uint32, commit func()) int {
	r.mu.Lock()
	regs := []*Registry{r.all}
	if reg := r.byKey[key]; reg != nil {
		regs = append(regs, reg)
	}
	for _, reg := range regs {
		reg.mu.RLock()
	}
	if commit != nil {
		commit()
	}
	targets := make([][]*delivery.Queue, len(regs))
	n := 0
	for i, reg := range regs {
		targets[i] = reg.appendQueuesLocked(nil)
		n += len(targets[i])
	}
	for i := len(regs) - 1; i >= 0; i-- {
		regs[i].mu.RUnlock()
	}
	r.mu.Unlock()

	metrics.SetFanout(n)
	for i, reg := range regs {
		reg.deliver(targets[i], v)
	}
	return n
}

// Count returns the total number of subscribers across registries.
func (r *Router) Count() int {
	n := r.all.Count()
	r.mu.Lock()
	for _, reg := range r.byKey {
		n += reg.Count()
	}
	r.mu.Unlock()
	return n
}

// Close closes every registry.
func (r *Router) Close() {
	r.all.Close()
	r.mu.Lock()
	regs := make([]*Registry, 0, len(r.byKey))
	for _, reg := range r.byKey {
		regs = append(regs, reg)
	}
	r.mu.Unlock()
	for _, reg := range regs {
		reg.Close()
	}
}

func keyName(k uint8) string {
	const hexdigits = "0123456789ABCDEF"
	return "key_0x" + string([]byte{hexdigits[k>>4], hexdigits[k&0x0F]})
}
