package bridge

import (
	"sync"

	"github.com/kstaniek/canble-bridge/internal/telemetry"
)

// Store keeps the latest value per telemetry key and the latest value overall.
type Store struct {
	mu      sync.RWMutex
	byKey   map[uint8]uint32
	latest  uint32
	hasLast bool
}

func NewStore() *Store { return &Store{byKey: make(map[uint8]uint32)} }

// Set records m. Calls come from the reader goroutine in receive order.
func (s *Store) Set(m telemetry.Message) {
	s.mu.Lock()
	s.byKey[m.Key] = m.Value
	s.latest, s.hasLast = m.Value, true
	s.mu.Unlock()
}

// Get returns the latest value seen for key.
func (s *Store) Get(key uint8) (uint32, bool) {
	s.mu.RLock()
	v, ok := s.byKey[key]
	s.mu.RUnlock()
	return v, ok
}

// Latest returns the most recent value of any key.
func (s *Store) Latest() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLast
}

// Len returns the number of distinct keys seen.
func (s *Store) Len() int { s.mu.RLock(); defer s.mu.RUnlock(); return len(s.byKey) }
