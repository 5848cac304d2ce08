package audit

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// DefaultCap bounds a fresh InMemoryStore.
const DefaultCap = 10000

// Query selects events for listing. Empty fields match everything.
type Query struct {
	ObjectType string
	ObjectID   string
	Limit      int
}

const defaultListLimit = 100

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultListLimit
	}
	return q.Limit
}

func (q Query) matches(e Event) bool {
	return (q.ObjectType == "" || e.ObjectType == q.ObjectType) &&
		(q.ObjectID == "" || e.ObjectID == q.ObjectID)
}

// Store is an append-only, hash-chained audit trail.
type Store interface {
	// Append links e to the chain and returns it with its id and hashes set.
	Append(ctx context.Context, e Event) (Event, error)
	// List returns the newest events matching q, newest first.
	List(ctx context.Context, q Query) ([]Event, error)
	// VerifyChain walks every retained event in append order.
	VerifyChain(ctx context.Context) (ChainStatus, error)
}

// InMemoryStore keeps the newest cap events. Evicted events move the chain
// anchor forward so the retained suffix still verifies.
type InMemoryStore struct {
	mu      sync.Mutex
	events  []Event
	anchor  string
	last    string
	nextID  int64
	cap     int
	evicted int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{anchor: Genesis, last: Genesis, cap: DefaultCap}
}

// SetCap bounds the retained events; 0 is unbounded.
func (s *InMemoryStore) SetCap(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.cap = n
	s.trim()
}

// Evicted reports how many events the cap has dropped.
func (s *InMemoryStore) Evicted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

func (s *InMemoryStore) trim() {
	if s.cap == 0 || len(s.events) <= s.cap {
		return
	}
	drop := len(s.events) - s.cap
	s.anchor = s.events[drop-1].HashCurr
	s.events = append([]Event(nil), s.events[drop:]...)
	s.evicted += int64(drop)
}

// Append links e to the chain. An empty AuditID is assigned from a
// store-local sequence.
func (s *InMemoryStore) Append(_ context.Context, e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.events); n > 0 {
		prev := s.events[n-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	s.nextID++
	if e.AuditID == "" {
		e.AuditID = "audit-" + strconv.FormatInt(s.nextID, 10)
	}
	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)

	s.events = append(s.events, e)
	s.last = e.HashCurr
	s.trim()
	return e, nil
}

func (s *InMemoryStore) List(_ context.Context, q Query) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := q.limit()
	out := make([]Event, 0)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if q.matches(s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) VerifyChain(_ context.Context) (ChainStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := NewWalker(s.anchor)
	for _, e := range s.events {
		if !w.Next(e) {
			break
		}
	}
	return w.Status(), nil
}

// Events returns the retained events in append order.
func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *InMemoryStore) EventsFor(objectType, objectID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range s.events {
		if e.ObjectType == objectType && e.ObjectID == objectID {
			out = append(out, e)
		}
	}
	return out
}
