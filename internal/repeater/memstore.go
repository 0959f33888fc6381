package repeater

import (
	"sort"
	"sync"
	"time"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
)

// MemoryStore mirrors the SQL store semantics for embedded and test use.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.RepeaterTask
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, rows: make(map[int64]*domain.RepeaterTask)}
}

func (m *MemoryStore) Enqueue(_ dbctx.Context, task *domain.RepeaterTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 10
	}
	if task.NextRunAt == nil {
		now := time.Now()
		task.NextRunAt = &now
	}
	task.ID = m.nextID
	m.nextID++
	cp := *task
	m.rows[task.ID] = &cp
	return nil
}

func (m *MemoryStore) ClaimDue(_ dbctx.Context, limit int, lease time.Duration) ([]*domain.RepeaterTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 16
	}
	now := time.Now()
	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []*domain.RepeaterTask
	for _, id := range ids {
		row := m.rows[id]
		if row.NextRunAt != nil && row.NextRunAt.After(now) {
			continue
		}
		row.Attempts++
		next := now.Add(lease)
		row.NextRunAt = &next
		row.UpdatedAt = now
		cp := *row
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ dbctx.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *MemoryStore) Reschedule(_ dbctx.Context, id int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		t := next
		row.NextRunAt = &t
		row.UpdatedAt = time.Now()
	}
	return nil
}

// Len reports remaining rows. Test helper.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
