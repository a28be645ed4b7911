package capture

import (
	"sort"
	"sync"

	"barcodegate/barcode"
)

// DefaultStoreCapacity is the per-role retention used when none is configured
const DefaultStoreCapacity = 1000

// ring is a bounded FIFO that overwrites its oldest entry when full.
// Storage grows lazily up to capacity.
type ring struct {
	items    []barcode.Record
	start    int
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity}
}

// push appends rec, reporting whether the oldest record was overwritten
func (r *ring) push(rec barcode.Record) bool {
	if len(r.items) < r.capacity {
		r.items = append(r.items, rec)
		return false
	}
	r.items[r.start] = rec
	r.start = (r.start + 1) % r.capacity
	return true
}

func (r *ring) len() int {
	return len(r.items)
}

// records returns the contents oldest first
func (r *ring) records() []barcode.Record {
	out := make([]barcode.Record, 0, len(r.items))
	out = append(out, r.items[r.start:]...)
	out = append(out, r.items[:r.start]...)
	return out
}

// slot holds one role's published records. Every operation holds the lock
// for constant time: drain swaps the ring out and copies after unlocking.
type slot struct {
	mu       sync.Mutex
	ring     *ring
	capacity int
	dropped  uint64
}

func newSlot(capacity int) *slot {
	return &slot{ring: newRing(capacity), capacity: capacity}
}

func (s *slot) append(rec barcode.Record) {
	s.mu.Lock()
	if s.ring.push(rec) {
		s.dropped++
	}
	s.mu.Unlock()
}

func (s *slot) drain() []barcode.Record {
	fresh := newRing(s.capacity)

	s.mu.Lock()
	old := s.ring
	s.ring = fresh
	s.mu.Unlock()

	return old.records()
}

func (s *slot) reset() {
	fresh := newRing(s.capacity)

	s.mu.Lock()
	s.ring = fresh
	s.mu.Unlock()
}

func (s *slot) stats() (pending int, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.len(), s.dropped
}

// Store is the consumer-visible record store: one independently locked
// slot per role, merged only on read.
type Store struct {
	slots map[barcode.Role]*slot
}

// NewStore creates a store retaining at most capacity undrained records per
// role. Non-positive capacities use DefaultStoreCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}

	s := &Store{slots: make(map[barcode.Role]*slot, len(barcode.Roles))}
	for _, role := range barcode.Roles {
		s.slots[role] = newSlot(capacity)
	}
	return s
}

// Append stores rec in its role's slot
func (s *Store) Append(rec barcode.Record) error {
	sl, ok := s.slots[rec.Role]
	if !ok {
		return ErrUnknownRole
	}
	sl.append(rec)
	return nil
}

// Drain returns and removes the records of role, oldest first
func (s *Store) Drain(role barcode.Role) ([]barcode.Record, error) {
	sl, ok := s.slots[role]
	if !ok {
		return nil, ErrUnknownRole
	}
	return sl.drain(), nil
}

// DrainAll drains every role and merges the result in publication order
func (s *Store) DrainAll() []barcode.Record {
	var out []barcode.Record
	for _, role := range barcode.Roles {
		out = append(out, s.slots[role].drain()...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if out == nil {
		out = []barcode.Record{}
	}
	return out
}

// Reset discards the undrained records of role
func (s *Store) Reset(role barcode.Role) error {
	sl, ok := s.slots[role]
	if !ok {
		return ErrUnknownRole
	}
	sl.reset()
	return nil
}

// Stats returns the undrained and overwritten record counts for role
func (s *Store) Stats(role barcode.Role) (pending int, dropped uint64) {
	sl, ok := s.slots[role]
	if !ok {
		return 0, 0
	}
	return sl.stats()
}
