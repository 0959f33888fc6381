package repeater

import (
	"context"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

type scriptTask struct {
	results []bool
	calls   int

	passed      int
	failed      int
	exhausted   int
	lastBackoff time.Duration
}

func (s *scriptTask) Run(context.Context, map[string]any) (bool, error) {
	done := s.results[s.calls%len(s.results)]
	s.calls++
	return done, nil
}

func (s *scriptTask) Passed(context.Context, map[string]any)             { s.passed++ }
func (s *scriptTask) Failed(context.Context, map[string]any)             { s.failed++ }
func (s *scriptTask) MaxAttemptsReached(context.Context, map[string]any) { s.exhausted++ }
func (s *scriptTask) Backoff(attempts int) time.Duration {
	s.lastBackoff = time.Duration(attempts) * time.Minute
	return s.lastBackoff
}

func newTestProcessor(t *testing.T, task Task, class string) (*Processor, *MemoryStore) {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(class, func() Task { return task }); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := NewMemoryStore()
	return NewProcessor(store, reg, logger.Nop()), store
}

func enqueue(t *testing.T, store *MemoryStore, class string, maxAttempts int) *domain.RepeaterTask {
	t.Helper()
	row := &domain.RepeaterTask{
		Class:       class,
		Parameters:  datatypes.JSON([]byte(`{"symbol":"BTCUSDT"}`)),
		MaxAttempts: maxAttempts,
	}
	if err := store.Enqueue(dbctx.Background(), row); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return row
}

func claimOne(t *testing.T, store *MemoryStore) *domain.RepeaterTask {
	t.Helper()
	rows, err := store.ClaimDue(dbctx.Background(), 1, 5*time.Minute)
	if err != nil || len(rows) != 1 {
		t.Fatalf("claim: rows=%d err=%v", len(rows), err)
	}
	return rows[0]
}

func TestSuccessDeletesRow(t *testing.T) {
	task := &scriptTask{results: []bool{true}}
	p, store := newTestProcessor(t, task, "sync.orders")
	enqueue(t, store, "sync.orders", 5)

	p.ProcessOne(context.Background(), claimOne(t, store))

	if task.passed != 1 || task.failed != 0 {
		t.Fatalf("hooks: passed=%d failed=%d", task.passed, task.failed)
	}
	if store.Len() != 0 {
		t.Fatalf("row should be deleted after success")
	}
}

func TestFailureReschedulesWithClassBackoff(t *testing.T) {
	task := &scriptTask{results: []bool{false}}
	p, store := newTestProcessor(t, task, "sync.orders")
	enqueue(t, store, "sync.orders", 5)

	p.ProcessOne(context.Background(), claimOne(t, store))

	if task.failed != 1 || task.passed != 0 {
		t.Fatalf("hooks: passed=%d failed=%d", task.passed, task.failed)
	}
	if store.Len() != 1 {
		t.Fatalf("row should remain for another attempt")
	}
	if task.lastBackoff != time.Minute {
		t.Fatalf("backoff called with wrong attempts: %s", task.lastBackoff)
	}
}

func TestExhaustionDeletesRow(t *testing.T) {
	task := &scriptTask{results: []bool{false}}
	p, store := newTestProcessor(t, task, "sync.orders")
	enqueue(t, store, "sync.orders", 1)

	p.ProcessOne(context.Background(), claimOne(t, store))

	if task.exhausted != 1 {
		t.Fatalf("maxAttemptsReached hook not called")
	}
	if store.Len() != 0 {
		t.Fatalf("exhausted row should be deleted")
	}
}

func TestUnknownClassDropsRow(t *testing.T) {
	task := &scriptTask{results: []bool{true}}
	p, store := newTestProcessor(t, task, "sync.orders")
	row := &domain.RepeaterTask{Class: "never.registered", MaxAttempts: 3}
	if err := store.Enqueue(dbctx.Background(), row); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p.ProcessOne(context.Background(), claimOne(t, store))
	if store.Len() != 0 {
		t.Fatalf("row with unknown class should be dropped")
	}
}

func TestClaimDueLeasesRows(t *testing.T) {
	task := &scriptTask{results: []bool{true}}
	_, store := newTestProcessor(t, task, "sync.orders")
	enqueue(t, store, "sync.orders", 3)

	first, err := store.ClaimDue(dbctx.Background(), 10, 5*time.Minute)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim: rows=%d err=%v", len(first), err)
	}
	// Leased: a second claim inside the lease window sees nothing.
	second, err := store.ClaimDue(dbctx.Background(), 10, 5*time.Minute)
	if err != nil || len(second) != 0 {
		t.Fatalf("second claim should find leased row, rows=%d err=%v", len(second), err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	f := func() Task { return &scriptTask{results: []bool{true}} }
	if err := reg.Register("a", f); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register("a", f); err == nil {
		t.Fatalf("duplicate register should error")
	}
	if err := reg.Register("", f); err == nil {
		t.Fatalf("empty class should error")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatalf("missing class should not resolve")
	}
}
