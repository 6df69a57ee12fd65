package storage

import (
	"reflect"
	"sync"

	"github.com/example/ride-dash/internal/models"
)

// subscription is the store-side end of a live query. Deliveries never block
// the store: the channel holds one pending snapshot and a newer snapshot
// replaces an unread one.
type subscription struct {
	id    uint64
	query Query
	ch    chan []models.Ride

	mu     sync.Mutex
	closed bool
	sent   bool
	last   []models.Ride

	onClose func(id uint64)
	once    sync.Once
}

func newSubscription(id uint64, q Query, onClose func(id uint64)) *subscription {
	return &subscription{id: id, query: q, ch: make(chan []models.Ride, 1), onClose: onClose}
}

func (s *subscription) Updates() <-chan []models.Ride { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose(s.id)
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// deliver pushes rides when they differ from the last delivered result.
func (s *subscription) deliver(rides []models.Ride) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent && reflect.DeepEqual(s.last, rides) {
		return false
	}
	return s.pushLocked(rides)
}

// seed delivers the initial result unless a refresh has already delivered a
// newer one.
func (s *subscription) seed(rides []models.Ride) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent {
		return false
	}
	return s.pushLocked(rides)
}

func (s *subscription) pushLocked(rides []models.Ride) bool {
	if s.closed {
		return false
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- rides
	s.last = rides
	s.sent = true
	return true
}

// registry tracks the live subscriptions of one store.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
}

func newRegistry() *registry { return &registry{subs: make(map[uint64]*subscription)} }

func (r *registry) add(q Query) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s := newSubscription(r.nextID, q, r.remove)
	r.subs[s.id] = s
	return s
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

func (r *registry) snapshot() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *registry) closeAll() {
	for _, s := range r.snapshot() {
		s.Close()
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
