package syncrun

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRunRepo keeps runs in process, newest first. Used when no
// DATABASE_URL is configured.
type MemoryRunRepo struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]Run
	order []uuid.UUID
}

func NewMemoryRunRepo() *MemoryRunRepo {
	return &MemoryRunRepo{runs: make(map[uuid.UUID]Run)}
}

func (m *MemoryRunRepo) Create(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.runs[r.ID] = cloneRun(r)
	m.order = append([]uuid.UUID{r.ID}, m.order...)
	return nil
}

func (m *MemoryRunRepo) Update(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryRunRepo) GetByID(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryRunRepo) List(_ context.Context, limit, offset int) ([]*Run, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := len(m.order)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	items := make([]*Run, 0, end-offset)
	for _, id := range m.order[offset:end] {
		r := m.runs[id]
		items = append(items, &r)
	}
	return items, total, nil
}

// cloneRun copies the step slice so stored runs do not alias the caller's.
func cloneRun(r *Run) Run {
	c := *r
	c.Steps = append([]Step(nil), r.Steps...)
	return c
}

type MemoryCrosswalkRepo struct {
	mu      sync.RWMutex
	entries map[string]map[string]CrosswalkEntry
}

func NewMemoryCrosswalkRepo() *MemoryCrosswalkRepo {
	return &MemoryCrosswalkRepo{entries: make(map[string]map[string]CrosswalkEntry)}
}

func (m *MemoryCrosswalkRepo) Lookup(_ context.Context, object string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.entries[object]))
	for id, e := range m.entries[object] {
		out[id] = e.CRMID
	}
	return out, nil
}

func (m *MemoryCrosswalkRepo) Upsert(_ context.Context, e *CrosswalkEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[e.Object] == nil {
		m.entries[e.Object] = make(map[string]CrosswalkEntry)
	}
	entry := *e
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.entries[e.Object][e.EHRID] = entry
	return nil
}
