package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type memoryWatcher struct {
	q  Query
	ch chan []models.Ride
}

// MemoryStore keeps rides in process. Update is serialised by a single mutex,
// which is what makes the claim exclusive.
type MemoryStore struct {
	mu       sync.Mutex
	rides    map[string]models.Ride
	watchers map[*memoryWatcher]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		watchers: make(map[*memoryWatcher]struct{}),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	if err := r.Validate(); err != nil {
		return &OpError{Op: "create", Path: ridePath(r.ID), Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return &OpError{Op: "create", Path: ridePath(r.ID), Err: ErrExists}
	}
	r.Version = 1
	m.rides[r.ID] = *r
	m.broadcastLocked()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, &OpError{Op: "get", Path: ridePath(id), Err: ErrNotFound}
	}
	return r, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return models.Ride{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.rides[id]
	if !ok {
		return models.Ride{}, &OpError{Op: "update", Path: ridePath(id), Err: ErrNotFound}
	}
	next := current
	if err := fn(&next); err != nil {
		return current, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if err := next.Validate(); err != nil {
		return current, &OpError{Op: "update", Path: ridePath(id), Err: err}
	}
	next.Version = current.Version + 1
	m.rides[id] = next
	m.broadcastLocked()
	return next, nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(q), nil
}

func (m *MemoryStore) listLocked(q Query) []models.Ride {
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if q.Match(&r) {
			out = append(out, r)
		}
	}
	sortRides(out)
	return out
}

func (m *MemoryStore) Watch(ctx context.Context, q Query) (<-chan []models.Ride, error) {
	w := &memoryWatcher{q: q, ch: make(chan []models.Ride, 1)}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	w.ch <- m.listLocked(q)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, w)
		close(w.ch)
		m.mu.Unlock()
	}()
	return w.ch, nil
}

func (m *MemoryStore) broadcastLocked() {
	for w := range m.watchers {
		offer(w.ch, m.listLocked(w.q))
	}
}
