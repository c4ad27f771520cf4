package queue

import (
	"sort"
	"sync"

	"github.com/marcus/tether/internal/models"
)

// MemoryBackend is a non-durable Backend for tests and ephemeral sessions.
type MemoryBackend struct {
	mu      sync.Mutex
	nextID  int64
	changes map[int64]models.QueuedChange
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{changes: make(map[int64]models.QueuedChange)}
}

func (m *MemoryBackend) WithLock(fn func() error) error {
	return fn()
}

func (m *MemoryBackend) FindChange(key models.Key) (*models.QueuedChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.changes {
		if c.Key() == key {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryBackend) GetChange(id int64) (*models.QueuedChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryBackend) InsertChange(c *models.QueuedChange) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.changes[c.ID] = *c
	return c.ID, nil
}

func (m *MemoryBackend) UpdateChange(c *models.QueuedChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.changes[c.ID]; ok {
		m.changes[c.ID] = *c
	}
	return nil
}

func (m *MemoryBackend) DeleteChange(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.changes, id)
	return nil
}

func (m *MemoryBackend) ListChanges() ([]models.QueuedChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.QueuedChange, 0, len(m.changes))
	for _, c := range m.changes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
