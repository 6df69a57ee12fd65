package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/ride-dash/internal/lifecycle"
	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/observability"
	"github.com/example/ride-dash/internal/session"
	"github.com/example/ride-dash/internal/storage"
)

// Key identifies a live query held for one subscriber.
type Key struct {
	Shape      string
	Subscriber string
}

// Handle is a held live query. Close releases it; it is safe to call more
// than once and from any goroutine.
type Handle struct {
	key  Key
	sub  storage.Subscription
	m    *Manager
	once sync.Once
}

func (h *Handle) Updates() <-chan []models.Ride { return h.sub.Updates() }

func (h *Handle) Close() {
	h.once.Do(func() {
		h.sub.Close()
		h.m.release(h)
	})
}

// Manager owns every live feed subscription. Acquiring a query that the
// subscriber already holds replaces the previous handle.
type Manager struct {
	store  storage.RideStore
	logger *slog.Logger

	mu   sync.Mutex
	held map[Key]*Handle
}

func NewManager(store storage.RideStore, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger.With("component", "feed"), held: make(map[Key]*Handle)}
}

// Acquire opens a live query for subscriber. The handle is released when
// ctx is done if the caller has not closed it first.
func (m *Manager) Acquire(ctx context.Context, subscriber string, q storage.Query) (*Handle, error) {
	sub, err := m.store.Subscribe(ctx, q)
	if err != nil {
		return nil, err
	}
	h := &Handle{key: Key{Shape: q.Shape(), Subscriber: subscriber}, sub: sub, m: m}

	m.mu.Lock()
	prev := m.held[h.key]
	m.held[h.key] = h
	m.mu.Unlock()
	observability.FeedSubscriptions.Inc()
	if prev != nil {
		m.logger.Debug("feed_replaced", "subscriber", subscriber, "shape", h.key.Shape)
		prev.Close()
	}
	context.AfterFunc(ctx, h.Close)
	return h, nil
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	if m.held[h.key] == h {
		delete(m.held, h.key)
	}
	m.mu.Unlock()
	observability.FeedSubscriptions.Dec()
}

// Held reports the number of open handles.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// Close releases every handle.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Handle, 0, len(m.held))
	for _, h := range m.held {
		all = append(all, h)
	}
	m.mu.Unlock()
	for _, h := range all {
		h.Close()
	}
}

// ActiveRide follows the caller's newest non-terminal ride. Each delivery
// holds zero or one ride.
func (m *Manager) ActiveRide(ctx context.Context, sess session.Session, subscriber string) (*Handle, error) {
	return m.Acquire(ctx, subscriber, storage.ActiveRideQuery(sess.UserID))
}

// ClaimableRides follows every ride waiting for a driver. Drivers only.
func (m *Manager) ClaimableRides(ctx context.Context, sess session.Session, subscriber string) (*Handle, error) {
	if !sess.IsDriver() {
		return nil, lifecycle.ErrNotAuthorized
	}
	return m.Acquire(ctx, subscriber, storage.ClaimableQuery())
}

// CurrentRide is a one-shot read of the active-ride view; nil when idle.
func (m *Manager) CurrentRide(ctx context.Context, sess session.Session) (*models.Ride, error) {
	rides, err := m.store.Query(ctx, storage.ActiveRideQuery(sess.UserID))
	if err != nil || len(rides) == 0 {
		return nil, err
	}
	return &rides[0], nil
}

// Claimable is a one-shot read of the claimable view. A driver that already
// has an active ride sees nothing.
func (m *Manager) Claimable(ctx context.Context, sess session.Session) ([]models.Ride, error) {
	if !sess.IsDriver() {
		return nil, lifecycle.ErrNotAuthorized
	}
	active, err := m.CurrentRide(ctx, sess)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return []models.Ride{}, nil
	}
	return m.store.Query(ctx, storage.ClaimableQuery())
}

// History lists all of the caller's rides, newest first. It is not live.
func (m *Manager) History(ctx context.Context, sess session.Session) ([]models.Ride, error) {
	return m.store.Query(ctx, storage.HistoryQuery(sess.UserID))
}
