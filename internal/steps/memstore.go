package steps

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
)

// MemoryStore keeps the step table in process memory with the same transition
// guards as the SQL store. It backs embedded single-process deployments and
// the scenario tests; semantics must stay in lockstep with gormStore.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.Step
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		rows:   make(map[int64]*domain.Step),
		now:    time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Create(_ dbctx.Context, rows []*domain.Step) ([]*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, s := range rows {
		if s.State == "" {
			s.State = domain.StepPending
		}
		if s.Type == "" {
			s.Type = domain.StepTypeNormal
		}
		if s.Queue == "" {
			s.Queue = "default"
		}
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = 3
		}
		if s.BackoffSeconds <= 0 {
			s.BackoffSeconds = 10
		}
		s.ID = m.nextID
		m.nextID++
		s.CreatedAt = now
		s.UpdatedAt = now
		cp := *s
		m.rows[s.ID] = &cp
	}
	return rows, nil
}

func (m *MemoryStore) GetByID(_ dbctx.Context, id int64) (*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func dormantCompensator(s *domain.Step) bool {
	return s.Type == domain.StepTypeResolveException && s.State == domain.StepHalted
}

func (m *MemoryStore) blockBarrierHolds(s *domain.Step) bool {
	for _, b := range m.rows {
		if b.BlockUUID != s.BlockUUID || b.Index >= s.Index {
			continue
		}
		if !b.State.Terminal() && !dormantCompensator(b) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) SelectReady(_ dbctx.Context, queue string, limit int) ([]*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 16
	}
	now := m.now()
	var out []*domain.Step
	ids := m.sortedIDs()
	for _, id := range ids {
		s := m.rows[id]
		if s.Queue != queue {
			continue
		}
		if s.State != domain.StepPending && s.State != domain.StepRetrying {
			continue
		}
		if s.NextRunAt != nil && s.NextRunAt.After(now) {
			continue
		}
		if m.blockBarrierHolds(s) {
			continue
		}
		t := now
		s.DispatchedAt = &t
		s.UpdatedAt = now
		cp := *s
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SelectWaitingParents(_ dbctx.Context, queue string, limit int) ([]*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 16
	}
	var out []*domain.Step
	for _, id := range m.sortedIDs() {
		s := m.rows[id]
		if s.Queue != queue || s.State != domain.StepHalted || s.ChildBlockUUID == nil {
			continue
		}
		if m.childLiveCount(*s.ChildBlockUUID) > 0 {
			continue
		}
		cp := *s
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) childLiveCount(block uuid.UUID) int {
	n := 0
	for _, c := range m.rows {
		if c.BlockUUID != block {
			continue
		}
		if !c.State.Terminal() && !dormantCompensator(c) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) Claim(_ dbctx.Context, step *domain.Step) (bool, error) {
	if step == nil || step.ID == 0 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[step.ID]
	if !ok {
		return false, nil
	}
	if s.State != domain.StepPending && s.State != domain.StepRetrying {
		return false, nil
	}
	now := m.now()
	s.State = domain.StepRunning
	s.Attempts++
	s.StartedAt = &now
	s.UpdatedAt = now
	*step = *s
	return true, nil
}

func (m *MemoryStore) transition(id int64, allowed []domain.StepState, apply func(*domain.Step)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	permitted := false
	for _, a := range allowed {
		if s.State == a {
			permitted = true
			break
		}
	}
	if !permitted {
		return false, nil
	}
	apply(s)
	s.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) MarkCompleted(_ dbctx.Context, id int64, lastError string) (bool, error) {
	return m.transition(id, []domain.StepState{domain.StepRunning, domain.StepHalted}, func(s *domain.Step) {
		now := m.now()
		s.State = domain.StepCompleted
		s.FinishedAt = &now
		if lastError != "" {
			s.LastError = truncateError(lastError)
		}
	})
}

func (m *MemoryStore) MarkFailed(_ dbctx.Context, id int64, kind domain.ErrorKind, msg string) (bool, error) {
	return m.transition(id, liveStates, func(s *domain.Step) {
		now := m.now()
		s.State = domain.StepFailed
		s.LastError = truncateError(string(kind) + ": " + msg)
		s.FinishedAt = &now
	})
}

func (m *MemoryStore) MarkRetrying(_ dbctx.Context, id int64, nextRunAt time.Time, reason string) (bool, error) {
	return m.transition(id, []domain.StepState{domain.StepRunning}, func(s *domain.Step) {
		t := nextRunAt
		s.State = domain.StepRetrying
		s.NextRunAt = &t
		s.LastError = truncateError(reason)
	})
}

func (m *MemoryStore) MarkHalted(_ dbctx.Context, id int64) (bool, error) {
	return m.transition(id, []domain.StepState{domain.StepRunning}, func(s *domain.Step) {
		s.State = domain.StepHalted
	})
}

func (m *MemoryStore) MarkSkipped(_ dbctx.Context, id int64) (bool, error) {
	return m.transition(id, []domain.StepState{domain.StepRunning, domain.StepHalted, domain.StepPending}, func(s *domain.Step) {
		now := m.now()
		s.State = domain.StepSkipped
		s.FinishedAt = &now
	})
}

func (m *MemoryStore) ReclaimStale(_ dbctx.Context, queue string, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, s := range m.rows {
		if s.Queue != queue || s.State != domain.StepRunning {
			continue
		}
		if s.StartedAt == nil || !s.StartedAt.Before(olderThan) {
			continue
		}
		if s.Attempts >= s.MaxAttempts {
			s.State = domain.StepFailed
			s.LastError = truncateError(string(domain.ErrKindTimeout) + ": reclaimed stale running step, no attempts left")
			t := now
			s.FinishedAt = &t
			s.UpdatedAt = now
			n++
			for _, sib := range m.rows {
				if sib.BlockUUID == s.BlockUUID && dormantCompensator(sib) {
					sib.State = domain.StepPending
					sib.UpdatedAt = now
				}
			}
			continue
		}
		t := now
		s.State = domain.StepRetrying
		s.NextRunAt = &t
		s.LastError = "reclaimed stale running step"
		s.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryStore) CancelBlocks(_ dbctx.Context, blocks []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, s := range m.rows {
		for _, b := range blocks {
			if s.BlockUUID == b && !s.State.Terminal() {
				s.State = domain.StepCancelled
				s.FinishedAt = &now
				s.UpdatedAt = now
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) ChildrenStatus(_ dbctx.Context, childBlock uuid.UUID) (ChildrenStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cs ChildrenStatus
	for _, c := range m.rows {
		if c.BlockUUID != childBlock {
			continue
		}
		cs.Total++
		switch c.State {
		case domain.StepCompleted:
			cs.Completed++
		case domain.StepFailed:
			cs.Failed++
		case domain.StepCancelled:
			cs.Cancelled++
		case domain.StepSkipped:
			cs.Skipped++
		default:
			cs.NonTerminal++
		}
	}
	return cs, nil
}

func (m *MemoryStore) SiblingResolveException(_ dbctx.Context, block uuid.UUID, excludeID int64) (*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sortedIDs() {
		s := m.rows[id]
		if s.BlockUUID == block && s.Type == domain.StepTypeResolveException && s.ID != excludeID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) PromoteResolveException(_ dbctx.Context, block uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.rows {
		if s.BlockUUID == block && dormantCompensator(s) {
			s.State = domain.StepPending
			s.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SettleResolveException(_ dbctx.Context, block uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.BlockUUID != block || s.Type != domain.StepTypeNormal {
			continue
		}
		if !s.State.Terminal() {
			return 0, nil
		}
		if s.State == domain.StepFailed {
			return 0, nil
		}
	}
	now := m.now()
	var n int64
	for _, s := range m.rows {
		if s.BlockUUID == block && dormantCompensator(s) {
			s.State = domain.StepSkipped
			s.FinishedAt = &now
			s.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) QueueDepth(_ dbctx.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int64{}
	for _, s := range m.rows {
		if !s.State.Terminal() {
			out[s.Queue]++
		}
	}
	return out, nil
}

// Snapshot returns a copy of every row ordered by id. Test helper.
func (m *MemoryStore) Snapshot() []*domain.Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Step, 0, len(m.rows))
	for _, id := range m.sortedIDs() {
		cp := *m.rows[id]
		out = append(out, &cp)
	}
	return out
}

func (m *MemoryStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
