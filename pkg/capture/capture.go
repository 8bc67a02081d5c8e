// Package capture keeps the most recent gateway request records in memory.
package capture

import (
	"sync"

	"github.com/jnovack/canister-proxy/pkg/gateway"
)

// DefaultSize is the capacity used when none is given.
const DefaultSize = 1000

// Store is a concurrency-safe ring of recent RequestRecord entries.
type Store struct {
	mu      sync.Mutex
	entries []gateway.RequestRecord
	next    int
	full    bool
}

// New creates a Store holding at most size records.
func New(size int) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	return &Store{entries: make([]gateway.RequestRecord, size)}
}

// Add stores r, evicting the oldest record when full.
func (s *Store) Add(r gateway.RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.next] = r
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.full = true
	}
}

// List returns the stored records, oldest first.
func (s *Store) List() []gateway.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]gateway.RequestRecord{}, s.entries[:s.next]...)
	}
	out := make([]gateway.RequestRecord, 0, len(s.entries))
	out = append(out, s.entries[s.next:]...)
	return append(out, s.entries[:s.next]...)
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	s.next, s.full = 0, false
}

// Observer returns a gateway observer that records into s and then calls
// next, if any.
func (s *Store) Observer(next gateway.RequestObserver) gateway.RequestObserver {
	return func(r gateway.RequestRecord) {
		s.Add(r)
		if next != nil {
			next(r)
		}
	}
}
