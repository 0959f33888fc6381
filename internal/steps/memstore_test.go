package steps

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
)

func seed(t *testing.T, m *MemoryStore, rows ...*domain.Step) {
	t.Helper()
	if _, err := m.Create(dbctx.Background(), rows); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestSelectReadyHonoursIndexBarrier(t *testing.T) {
	m := NewMemoryStore()
	block := uuid.New()
	a := New("job.a", nil, block, 1, "q")
	x := New("job.x", nil, block, 2, "q")
	y := New("job.y", nil, block, 2, "q")
	z := New("job.z", nil, block, 3, "q")
	seed(t, m, a, x, y, z)

	ready, err := m.SelectReady(dbctx.Background(), "q", 10)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(ready) != 1 || ready[0].Class != "job.a" {
		t.Fatalf("only the minimum index may dispatch, got %d rows", len(ready))
	}

	if ok, _ := m.Claim(dbctx.Background(), a); !ok {
		t.Fatalf("claim a")
	}
	if ok, _ := m.MarkCompleted(dbctx.Background(), a.ID, ""); !ok {
		t.Fatalf("complete a")
	}

	ready, _ = m.SelectReady(dbctx.Background(), "q", 10)
	if len(ready) != 2 {
		t.Fatalf("equal-index siblings should dispatch together, got %d", len(ready))
	}
	for _, s := range ready {
		if s.Index != 2 {
			t.Fatalf("step %s at index %d escaped the barrier", s.Class, s.Index)
		}
	}
}

func TestDormantCompensatorNeverHoldsBarrier(t *testing.T) {
	m := NewMemoryStore()
	block := uuid.New()
	comp := New("position.cancel", nil, block, 0, "q")
	comp.Type = domain.StepTypeResolveException
	comp.State = domain.StepHalted
	main := New("position.open", nil, block, 1, "q")
	seed(t, m, comp, main)

	ready, _ := m.SelectReady(dbctx.Background(), "q", 10)
	if len(ready) != 1 || ready[0].Class != "position.open" {
		t.Fatalf("dormant compensator at index 0 must not gate index 1")
	}
}

func TestPromotedCompensatorBecomesReady(t *testing.T) {
	m := NewMemoryStore()
	block := uuid.New()
	comp := New("position.cancel", nil, block, 0, "q")
	comp.Type = domain.StepTypeResolveException
	comp.State = domain.StepHalted
	main := New("position.open", nil, block, 1, "q")
	seed(t, m, comp, main)

	if ok, _ := m.Claim(dbctx.Background(), main); !ok {
		t.Fatalf("claim main")
	}
	if ok, _ := m.MarkFailed(dbctx.Background(), main.ID, domain.ErrKindPermanent, "boom"); !ok {
		t.Fatalf("fail main")
	}
	n, err := m.PromoteResolveException(dbctx.Background(), block)
	if err != nil || n != 1 {
		t.Fatalf("promote: n=%d err=%v", n, err)
	}

	ready, _ := m.SelectReady(dbctx.Background(), "q", 10)
	if len(ready) != 1 || ready[0].Class != "position.cancel" {
		t.Fatalf("promoted compensator should be the only ready step")
	}
}

func TestSettleSkipsCompensatorOnCleanBlock(t *testing.T) {
	m := NewMemoryStore()
	block := uuid.New()
	comp := New("position.cancel", nil, block, 0, "q")
	comp.Type = domain.StepTypeResolveException
	comp.State = domain.StepHalted
	main := New("position.open", nil, block, 1, "q")
	seed(t, m, comp, main)

	if n, _ := m.SettleResolveException(dbctx.Background(), block); n != 0 {
		t.Fatalf("settle must wait for normal steps to terminate")
	}

	m.Claim(dbctx.Background(), main)
	m.MarkCompleted(dbctx.Background(), main.ID, "")
	n, _ := m.SettleResolveException(dbctx.Background(), block)
	if n != 1 {
		t.Fatalf("settle should skip the compensator, n=%d", n)
	}
	got, _ := m.GetByID(dbctx.Background(), comp.ID)
	if got.State != domain.StepSkipped {
		t.Fatalf("compensator state = %s, want skipped", got.State)
	}
}

func TestClaimIsSingleWinner(t *testing.T) {
	m := NewMemoryStore()
	block := uuid.New()
	s := New("job.a", nil, block, 1, "q")
	seed(t, m, s)

	first := *s
	second := *s
	if ok, _ := m.Claim(dbctx.Background(), &first); !ok {
		t.Fatalf("first claim should win")
	}
	if ok, _ := m.Claim(dbctx.Background(), &second); ok {
		t.Fatalf("second claim of a running row must lose")
	}
	if first.State != domain.StepRunning || first.Attempts != 1 {
		t.Fatalf("claim should mark running and bump attempts, got %s/%d", first.State, first.Attempts)
	}
	if first.StartedAt == nil {
		t.Fatalf("claim should stamp started_at")
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	m := NewMemoryStore()
	block := uuid.New()
	s := New("job.a", nil, block, 1, "q")
	seed(t, m, s)
	m.Claim(dbctx.Background(), s)
	m.MarkCompleted(dbctx.Background(), s.ID, "")

	if ok, _ := m.MarkFailed(dbctx.Background(), s.ID, domain.ErrKindPermanent, "late"); ok {
		t.Fatalf("completed row accepted a failure")
	}
	if ok, _ := m.MarkRetrying(dbctx.Background(), s.ID, time.Now(), "late"); ok {
		t.Fatalf("completed row accepted a retry")
	}
	if ok, _ := m.Claim(dbctx.Background(), s); ok {
		t.Fatalf("completed row accepted a claim")
	}
}

func TestRetryingRespectsNextRunAt(t *testing.T) {
	m := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	m.SetClock(func() time.Time { return cur })

	block := uuid.New()
	s := New("job.a", nil, block, 1, "q")
	seed(t, m, s)
	m.Claim(dbctx.Background(), s)
	m.MarkRetrying(dbctx.Background(), s.ID, base.Add(10*time.Second), "transient")

	if ready, _ := m.SelectReady(dbctx.Background(), "q", 10); len(ready) != 0 {
		t.Fatalf("retrying step dispatched before next_run_at")
	}
	cur = base.Add(11 * time.Second)
	ready, _ := m.SelectReady(dbctx.Background(), "q", 10)
	if len(ready) != 1 {
		t.Fatalf("retrying step should dispatch after next_run_at")
	}
}

func TestSelectWaitingParents(t *testing.T) {
	m := NewMemoryStore()
	block := uuid.New()
	child := uuid.New()
	parent := New("position.open", nil, block, 1, "q")
	parent.ChildBlockUUID = &child
	c1 := New("job.c1", nil, child, 1, "q")
	c2 := New("job.c2", nil, child, 1, "q")
	seed(t, m, parent, c1, c2)

	m.Claim(dbctx.Background(), parent)
	m.MarkHalted(dbctx.Background(), parent.ID)

	if ps, _ := m.SelectWaitingParents(dbctx.Background(), "q", 10); len(ps) != 0 {
		t.Fatalf("parent resolvable while children live")
	}

	m.Claim(dbctx.Background(), c1)
	m.MarkCompleted(dbctx.Background(), c1.ID, "")
	m.Claim(dbctx.Background(), c2)
	m.MarkCompleted(dbctx.Background(), c2.ID, "")

	ps, _ := m.SelectWaitingParents(dbctx.Background(), "q", 10)
	if len(ps) != 1 || ps[0].ID != parent.ID {
		t.Fatalf("parent should surface once children are terminal")
	}
}

func TestCancelBlocksSparesTerminalRows(t *testing.T) {
	m := NewMemoryStore()
	block := uuid.New()
	done := New("job.done", nil, block, 1, "q")
	live := New("job.live", nil, block, 2, "q")
	seed(t, m, done, live)
	m.Claim(dbctx.Background(), done)
	m.MarkCompleted(dbctx.Background(), done.ID, "")

	n, _ := m.CancelBlocks(dbctx.Background(), []uuid.UUID{block})
	if n != 1 {
		t.Fatalf("cancelled %d rows, want 1", n)
	}
	gotDone, _ := m.GetByID(dbctx.Background(), done.ID)
	if gotDone.State != domain.StepCompleted {
		t.Fatalf("cancel must not touch terminal rows")
	}
	gotLive, _ := m.GetByID(dbctx.Background(), live.ID)
	if gotLive.State != domain.StepCancelled {
		t.Fatalf("live row state = %s, want cancelled", gotLive.State)
	}
}

func TestChildrenStatusCounts(t *testing.T) {
	m := NewMemoryStore()
	child := uuid.New()
	ok1 := New("a", nil, child, 1, "q")
	bad := New("b", nil, child, 1, "q")
	skp := New("c", nil, child, 1, "q")
	seed(t, m, ok1, bad, skp)
	m.Claim(dbctx.Background(), ok1)
	m.MarkCompleted(dbctx.Background(), ok1.ID, "")
	m.Claim(dbctx.Background(), bad)
	m.MarkFailed(dbctx.Background(), bad.ID, domain.ErrKindPermanent, "x")
	m.Claim(dbctx.Background(), skp)
	m.MarkSkipped(dbctx.Background(), skp.ID)

	cs, _ := m.ChildrenStatus(dbctx.Background(), child)
	if cs.Total != 3 || cs.Completed != 1 || cs.Failed != 1 || cs.Skipped != 1 || cs.NonTerminal != 0 {
		t.Fatalf("unexpected counts %+v", cs)
	}
	if cs.AllSucceeded() {
		t.Fatalf("block with a failure cannot be AllSucceeded")
	}
}

func TestQueueDepthCountsLiveRows(t *testing.T) {
	m := NewMemoryStore()
	block := uuid.New()
	a := New("a", nil, block, 1, "binance")
	b := New("b", nil, block, 2, "bybit")
	seed(t, m, a, b)
	m.Claim(dbctx.Background(), a)
	m.MarkCompleted(dbctx.Background(), a.ID, "")

	depth, _ := m.QueueDepth(dbctx.Background())
	if depth["binance"] != 0 || depth["bybit"] != 1 {
		t.Fatalf("unexpected depths %v", depth)
	}
}

func TestReclaimStaleRunningUnblocksSiblings(t *testing.T) {
	m := NewMemoryStore()
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return cur })
	block := uuid.New()
	first := New("job.first", nil, block, 1, "q")
	second := New("job.second", nil, block, 2, "q")
	seed(t, m, first, second)

	// A worker claims the first step and dies without ever writing a result.
	if ok, _ := m.Claim(dbctx.Background(), first); !ok {
		t.Fatalf("claim first")
	}
	cur = cur.Add(72 * time.Hour)

	ready, _ := m.SelectReady(dbctx.Background(), "q", 10)
	if len(ready) != 0 {
		t.Fatalf("orphaned running row must block its siblings until reclaimed")
	}

	n, err := m.ReclaimStale(dbctx.Background(), "q", cur.Add(-30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	got, _ := m.GetByID(dbctx.Background(), first.ID)
	if got.State != domain.StepRetrying {
		t.Fatalf("reclaimed state = %s, want retrying", got.State)
	}

	// The block drains normally from here.
	ready, _ = m.SelectReady(dbctx.Background(), "q", 10)
	if len(ready) != 1 || ready[0].ID != first.ID {
		t.Fatalf("reclaimed row should be offered again")
	}
	if ok, _ := m.Claim(dbctx.Background(), ready[0]); !ok {
		t.Fatalf("re-claim first")
	}
	if ready[0].Attempts != 2 {
		t.Fatalf("re-claim must count an attempt, got %d", ready[0].Attempts)
	}
	if ok, _ := m.MarkCompleted(dbctx.Background(), first.ID, ""); !ok {
		t.Fatalf("complete first")
	}
	ready, _ = m.SelectReady(dbctx.Background(), "q", 10)
	if len(ready) != 1 || ready[0].ID != second.ID {
		t.Fatalf("second step should be ready after the reclaim")
	}
}

func TestReclaimStaleExhaustedFailsAndWakesCompensator(t *testing.T) {
	m := NewMemoryStore()
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return cur })
	block := uuid.New()
	comp := New("position.cancel", nil, block, 0, "q")
	comp.Type = domain.StepTypeResolveException
	comp.State = domain.StepHalted
	work := New("position.open", nil, block, 1, "q")
	work.MaxAttempts = 1
	seed(t, m, comp, work)

	if ok, _ := m.Claim(dbctx.Background(), work); !ok {
		t.Fatalf("claim")
	}
	cur = cur.Add(time.Hour)

	n, err := m.ReclaimStale(dbctx.Background(), "q", cur.Add(-30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	got, _ := m.GetByID(dbctx.Background(), work.ID)
	if got.State != domain.StepFailed {
		t.Fatalf("exhausted reclaim state = %s, want failed", got.State)
	}
	got, _ = m.GetByID(dbctx.Background(), comp.ID)
	if got.State != domain.StepPending {
		t.Fatalf("compensator state = %s, want pending after terminal failure", got.State)
	}
}

func TestReclaimStaleSparesFreshRunningRows(t *testing.T) {
	m := NewMemoryStore()
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return cur })
	s := New("job.live", nil, uuid.New(), 1, "q")
	seed(t, m, s)
	if ok, _ := m.Claim(dbctx.Background(), s); !ok {
		t.Fatalf("claim")
	}
	cur = cur.Add(time.Minute)

	n, err := m.ReclaimStale(dbctx.Background(), "q", cur.Add(-30*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("a freshly started row must not be reclaimed, n=%d err=%v", n, err)
	}
	got, _ := m.GetByID(dbctx.Background(), s.ID)
	if got.State != domain.StepRunning {
		t.Fatalf("state = %s, want still running", got.State)
	}
}

func TestTruncateErrorKeepsValidUTF8(t *testing.T) {
	short := "exchange said no"
	if got := truncateError(short); got != short {
		t.Fatalf("short strings must pass through, got %q", got)
	}

	// Pad so the cut lands inside the 3-byte rune.
	long := strings.Repeat("x", maxErrorLen-1) + "読み込みエラー"
	got := truncateError(long)
	if len(got) > maxErrorLen {
		t.Fatalf("truncated to %d bytes, cap is %d", len(got), maxErrorLen)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got[len(got)-4:])
	}
}
