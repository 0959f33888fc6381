package steps_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/steps"
	"github.com/quantfold/tradeflow/internal/steps/testutil"
)

// Integration coverage for the SQL store. The transition guards are exercised
// exhaustively against the memory store; these tests pin the SQL-specific
// pieces (barrier subquery, guarded updates, aggregate queries) to a real
// Postgres.

func TestSQLSelectReadyHonoursIndexBarrier(t *testing.T) {
	db := testutil.DB(t)
	dbc := testutil.Tx(t, db)
	store := steps.NewGormStore(db, testutil.Logger(t))
	queue := uuid.NewString()
	block := uuid.New()

	first := steps.New("t.first", nil, block, 1, queue)
	second := steps.New("t.second", nil, block, 2, queue)
	if _, err := store.Create(dbc, []*domain.Step{first, second}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ready, err := store.SelectReady(dbc, queue, 10)
	if err != nil {
		t.Fatalf("select ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != first.ID {
		t.Fatalf("only the lowest live index may dispatch, got %d rows", len(ready))
	}
	if ready[0].DispatchedAt == nil {
		t.Fatalf("dispatched_at not stamped")
	}

	if ok, err := store.Claim(dbc, ready[0]); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.MarkCompleted(dbc, first.ID, ""); !ok {
		t.Fatalf("complete first")
	}

	ready, _ = store.SelectReady(dbc, queue, 10)
	if len(ready) != 1 || ready[0].ID != second.ID {
		t.Fatalf("barrier must release after the lower index terminates")
	}
}

func TestSQLDormantCompensatorNeverHoldsBarrier(t *testing.T) {
	db := testutil.DB(t)
	dbc := testutil.Tx(t, db)
	store := steps.NewGormStore(db, testutil.Logger(t))
	queue := uuid.NewString()
	block := uuid.New()

	comp := steps.New("t.undo", nil, block, 0, queue)
	comp.Type = domain.StepTypeResolveException
	comp.State = domain.StepHalted
	work := steps.New("t.work", nil, block, 1, queue)
	if _, err := store.Create(dbc, []*domain.Step{comp, work}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ready, err := store.SelectReady(dbc, queue, 10)
	if err != nil {
		t.Fatalf("select ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != work.ID {
		t.Fatalf("dormant compensator at index 0 must not gate the block")
	}
}

func TestSQLClaimIsSingleWinner(t *testing.T) {
	db := testutil.DB(t)
	dbc := testutil.Tx(t, db)
	store := steps.NewGormStore(db, testutil.Logger(t))
	queue := uuid.NewString()

	s := steps.New("t.race", nil, uuid.New(), 1, queue)
	if _, err := store.Create(dbc, []*domain.Step{s}); err != nil {
		t.Fatalf("create: %v", err)
	}

	a := *s
	b := *s
	okA, err := store.Claim(dbc, &a)
	if err != nil || !okA {
		t.Fatalf("first claim: ok=%v err=%v", okA, err)
	}
	okB, err := store.Claim(dbc, &b)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if okB {
		t.Fatalf("a running step must not be claimable again")
	}
	if a.Attempts != 1 {
		t.Fatalf("claim must increment attempts, got %d", a.Attempts)
	}
}

func TestSQLParentGatingAndResolution(t *testing.T) {
	db := testutil.DB(t)
	dbc := testutil.Tx(t, db)
	store := steps.NewGormStore(db, testutil.Logger(t))
	queue := uuid.NewString()
	block, child := uuid.New(), uuid.New()

	parent := steps.New("t.parent", nil, block, 1, queue)
	parent.ChildBlockUUID = &child
	kid := steps.New("t.kid", nil, child, 1, queue)
	if _, err := store.Create(dbc, []*domain.Step{parent, kid}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Parent runs its body and halts awaiting the child.
	if ok, _ := store.Claim(dbc, parent); !ok {
		t.Fatalf("claim parent")
	}
	if ok, _ := store.MarkHalted(dbc, parent.ID); !ok {
		t.Fatalf("halt parent")
	}

	if waiting, _ := store.SelectWaitingParents(dbc, queue, 10); len(waiting) != 0 {
		t.Fatalf("parent must not resolve while a child is live")
	}

	if ok, _ := store.Claim(dbc, kid); !ok {
		t.Fatalf("claim kid")
	}
	if ok, _ := store.MarkCompleted(dbc, kid.ID, ""); !ok {
		t.Fatalf("complete kid")
	}

	waiting, err := store.SelectWaitingParents(dbc, queue, 10)
	if err != nil {
		t.Fatalf("select waiting: %v", err)
	}
	if len(waiting) != 1 || waiting[0].ID != parent.ID {
		t.Fatalf("parent should be resolvable once the child block settles")
	}

	cs, err := store.ChildrenStatus(dbc, child)
	if err != nil {
		t.Fatalf("children status: %v", err)
	}
	if !cs.AllSucceeded() {
		t.Fatalf("children status wrong: %+v", cs)
	}
	if ok, _ := store.MarkCompleted(dbc, parent.ID, ""); !ok {
		t.Fatalf("halted parent must accept completion")
	}
}

func TestSQLPromoteAndSettleCompensator(t *testing.T) {
	db := testutil.DB(t)
	dbc := testutil.Tx(t, db)
	store := steps.NewGormStore(db, testutil.Logger(t))
	queue := uuid.NewString()

	// Failing block: promotion wakes the compensator.
	blockA := uuid.New()
	compA := steps.New("t.undo", nil, blockA, 0, queue)
	compA.Type = domain.StepTypeResolveException
	compA.State = domain.StepHalted
	workA := steps.New("t.work", nil, blockA, 1, queue)
	if _, err := store.Create(dbc, []*domain.Step{compA, workA}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.Claim(dbc, workA); !ok {
		t.Fatalf("claim")
	}
	if ok, _ := store.MarkFailed(dbc, workA.ID, domain.ErrKindPermanent, "boom"); !ok {
		t.Fatalf("fail")
	}
	if n, err := store.PromoteResolveException(dbc, blockA); err != nil || n != 1 {
		t.Fatalf("promote: n=%d err=%v", n, err)
	}
	got, _ := store.GetByID(dbc, compA.ID)
	if got.State != domain.StepPending {
		t.Fatalf("promoted compensator state = %s", got.State)
	}

	// Clean block: settling skips the compensator instead.
	blockB := uuid.New()
	compB := steps.New("t.undo", nil, blockB, 0, queue)
	compB.Type = domain.StepTypeResolveException
	compB.State = domain.StepHalted
	workB := steps.New("t.work", nil, blockB, 1, queue)
	if _, err := store.Create(dbc, []*domain.Step{compB, workB}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.Claim(dbc, workB); !ok {
		t.Fatalf("claim")
	}
	if ok, _ := store.MarkCompleted(dbc, workB.ID, ""); !ok {
		t.Fatalf("complete")
	}
	if n, err := store.SettleResolveException(dbc, blockB); err != nil || n != 1 {
		t.Fatalf("settle: n=%d err=%v", n, err)
	}
	got, _ = store.GetByID(dbc, compB.ID)
	if got.State != domain.StepSkipped {
		t.Fatalf("settled compensator state = %s", got.State)
	}
}

func TestSQLTerminalStatesAreImmutable(t *testing.T) {
	db := testutil.DB(t)
	dbc := testutil.Tx(t, db)
	store := steps.NewGormStore(db, testutil.Logger(t))
	queue := uuid.NewString()

	s := steps.New("t.done", nil, uuid.New(), 1, queue)
	if _, err := store.Create(dbc, []*domain.Step{s}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.Claim(dbc, s); !ok {
		t.Fatalf("claim")
	}
	if ok, _ := store.MarkCompleted(dbc, s.ID, ""); !ok {
		t.Fatalf("complete")
	}

	if ok, _ := store.MarkFailed(dbc, s.ID, domain.ErrKindPermanent, "late writer"); ok {
		t.Fatalf("completed step must reject a late failure")
	}
	if ok, _ := store.Claim(dbc, s); ok {
		t.Fatalf("completed step must reject a re-claim")
	}
}

func TestSQLCancelBlocksSparesTerminalRows(t *testing.T) {
	db := testutil.DB(t)
	dbc := testutil.Tx(t, db)
	store := steps.NewGormStore(db, testutil.Logger(t))
	queue := uuid.NewString()
	block := uuid.New()

	done := steps.New("t.done", nil, block, 1, queue)
	live := steps.New("t.live", nil, block, 2, queue)
	if _, err := store.Create(dbc, []*domain.Step{done, live}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.Claim(dbc, done); !ok {
		t.Fatalf("claim")
	}
	if ok, _ := store.MarkCompleted(dbc, done.ID, ""); !ok {
		t.Fatalf("complete")
	}

	n, err := store.CancelBlocks(dbc, []uuid.UUID{block})
	if err != nil || n != 1 {
		t.Fatalf("cancel: n=%d err=%v", n, err)
	}
	got, _ := store.GetByID(dbc, done.ID)
	if got.State != domain.StepCompleted {
		t.Fatalf("terminal row must survive a block cancel, got %s", got.State)
	}
	got, _ = store.GetByID(dbc, live.ID)
	if got.State != domain.StepCancelled {
		t.Fatalf("live row state = %s, want cancelled", got.State)
	}
}

func TestSQLReclaimStaleRequeuesOrphans(t *testing.T) {
	db := testutil.DB(t)
	dbc := testutil.Tx(t, db)
	store := steps.NewGormStore(db, testutil.Logger(t))
	queue := uuid.NewString()
	block := uuid.New()

	orphan := steps.New("t.orphan", nil, block, 1, queue)
	fresh := steps.New("t.fresh", nil, uuid.New(), 1, queue)
	if _, err := store.Create(dbc, []*domain.Step{orphan, fresh}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.Claim(dbc, orphan); !ok {
		t.Fatalf("claim orphan")
	}

	// Cutoff in the future: the just-claimed row qualifies; the pending row
	// is untouched because it is not running.
	n, err := store.ReclaimStale(dbc, queue, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	got, err := store.GetByID(dbc, orphan.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StepRetrying {
		t.Fatalf("reclaimed state = %s, want retrying", got.State)
	}
	if got.NextRunAt == nil {
		t.Fatalf("reclaim must stamp next_run_at")
	}

	ready, _ := store.SelectReady(dbc, queue, 10)
	if len(ready) != 2 {
		t.Fatalf("reclaimed row should be offered again, got %d ready", len(ready))
	}
}

func TestSQLReclaimStaleExhaustedWakesCompensator(t *testing.T) {
	db := testutil.DB(t)
	dbc := testutil.Tx(t, db)
	store := steps.NewGormStore(db, testutil.Logger(t))
	queue := uuid.NewString()
	block := uuid.New()

	comp := steps.New("t.undo", nil, block, 0, queue)
	comp.Type = domain.StepTypeResolveException
	comp.State = domain.StepHalted
	work := steps.New("t.work", nil, block, 1, queue)
	work.MaxAttempts = 1
	if _, err := store.Create(dbc, []*domain.Step{comp, work}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.Claim(dbc, work); !ok {
		t.Fatalf("claim work")
	}

	n, err := store.ReclaimStale(dbc, queue, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	got, _ := store.GetByID(dbc, work.ID)
	if got.State != domain.StepFailed {
		t.Fatalf("exhausted reclaim state = %s, want failed", got.State)
	}
	if !strings.HasPrefix(got.LastError, string(domain.ErrKindTimeout)) {
		t.Fatalf("last_error = %q, want a timeout kind", got.LastError)
	}
	got, _ = store.GetByID(dbc, comp.ID)
	if got.State != domain.StepPending {
		t.Fatalf("compensator state = %s, want pending", got.State)
	}
}
