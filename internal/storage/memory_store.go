package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dash/internal/models"
)

// MemoryStore keeps rides and users in process. Every mutation re-evaluates
// the live queries and pushes changed results to their subscribers.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	users map[string]*models.User
	subs  *registry

	// Now is the server clock used for createdAt and ServerTimestamp values.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides: make(map[string]*models.Ride),
		users: make(map[string]*models.User),
		subs:  newRegistry(),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := r.Clone()
	stored.ID = uuid.NewString()
	stored.CreatedAt = m.Now()
	m.rides[stored.ID] = stored
	m.publishLocked()
	return stored.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch Patch) error {
	return m.update(ctx, id, nil, patch)
}

func (m *MemoryStore) UpdateIf(ctx context.Context, id string, cond Condition, patch Patch) error {
	return m.update(ctx, id, &cond, patch)
}

func (m *MemoryStore) update(ctx context.Context, id string, cond *Condition, patch Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	if cond != nil && !cond.holds(r) {
		return ErrConditionFailed
	}
	next, err := ApplyPatch(r, patch, m.Now())
	if err != nil {
		return err
	}
	m.rides[id] = next
	m.publishLocked()
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, q Query) ([]models.Ride, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evalLocked(q), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.subs.add(q)
	s.deliver(m.evalLocked(q))
	context.AfterFunc(ctx, s.Close)
	return s, nil
}

// Subscribers reports the number of open live queries.
func (m *MemoryStore) Subscribers() int { return m.subs.len() }

// Close ends every open subscription.
func (m *MemoryStore) Close() error {
	m.subs.closeAll()
	return nil
}

func (m *MemoryStore) evalLocked(q Query) []models.Ride {
	all := make([]models.Ride, 0, len(m.rides))
	for _, r := range m.rides {
		all = append(all, *r.Clone())
	}
	return q.apply(all)
}

func (m *MemoryStore) publishLocked() {
	for _, s := range m.subs.snapshot() {
		s.deliver(m.evalLocked(s.query))
	}
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *MemoryStore) SaveUser(ctx context.Context, u *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *u
	m.users[u.ID] = &c
	return nil
}
