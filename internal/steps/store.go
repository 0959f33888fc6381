package steps

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
)

// ChildrenStatus aggregates the states of the steps in a child block.
type ChildrenStatus struct {
	Total       int
	NonTerminal int
	Completed   int
	Failed      int
	Cancelled   int
	Skipped     int
}

func (c ChildrenStatus) AllSucceeded() bool {
	return c.Total > 0 && c.NonTerminal == 0 && c.Failed == 0 && c.Cancelled == 0
}

// Store is the durable step table. Every transition is a single guarded
// update with a state precondition; callers treat a false return as "someone
// else got there first" and move on. No in-memory view of state is
// authoritative.
type Store interface {
	Create(dbc dbctx.Context, steps []*domain.Step) ([]*domain.Step, error)
	GetByID(dbc dbctx.Context, id int64) (*domain.Step, error)

	// SelectReady returns pending/retrying steps in the queue whose
	// next_run_at has passed and whose block has no lower-index live sibling.
	// Dormant resolve-exception siblings (halted) never hold the barrier.
	// Stamps dispatched_at on the returned rows.
	SelectReady(dbc dbctx.Context, queue string, limit int) ([]*domain.Step, error)

	// SelectWaitingParents returns halted parents whose child block is fully
	// terminal, ready for completion-only resolution.
	SelectWaitingParents(dbc dbctx.Context, queue string, limit int) ([]*domain.Step, error)

	// Claim transitions pending/retrying -> running, increments attempts and
	// stamps started_at. Returns false if the row changed under us.
	Claim(dbc dbctx.Context, step *domain.Step) (bool, error)

	MarkCompleted(dbc dbctx.Context, id int64, lastError string) (bool, error)
	MarkFailed(dbc dbctx.Context, id int64, kind domain.ErrorKind, msg string) (bool, error)
	MarkRetrying(dbc dbctx.Context, id int64, nextRunAt time.Time, reason string) (bool, error)
	MarkHalted(dbc dbctx.Context, id int64) (bool, error)
	MarkSkipped(dbc dbctx.Context, id int64) (bool, error)

	// ReclaimStale recovers running rows whose started_at predates olderThan,
	// i.e. work orphaned by a dead worker process. Rows with attempts left go
	// back to retrying for another claim; exhausted rows fail with a timeout
	// kind and wake their resolve-exception sibling.
	ReclaimStale(dbc dbctx.Context, queue string, olderThan time.Time) (int64, error)

	// CancelBlocks transitions every non-terminal step in the given blocks to
	// cancelled. Running steps finish but their results are discarded by the
	// harness's guarded writes.
	CancelBlocks(dbc dbctx.Context, blocks []uuid.UUID) (int64, error)

	ChildrenStatus(dbc dbctx.Context, childBlock uuid.UUID) (ChildrenStatus, error)

	// SiblingResolveException returns the resolve-exception step in the block,
	// excluding the given id, or nil.
	SiblingResolveException(dbc dbctx.Context, block uuid.UUID, excludeID int64) (*domain.Step, error)

	// PromoteResolveException wakes dormant (halted) resolve-exception steps
	// in the block to pending. Called when a normal sibling fails terminally.
	PromoteResolveException(dbc dbctx.Context, block uuid.UUID) (int64, error)

	// SettleResolveException skips dormant resolve-exception steps once every
	// normal step in the block is terminal without failure.
	SettleResolveException(dbc dbctx.Context, block uuid.UUID) (int64, error)

	QueueDepth(dbc dbctx.Context) (map[string]int64, error)
}

// New builds a pending step row with the store defaults applied.
func New(class string, arguments []byte, block uuid.UUID, index int, queue string) *domain.Step {
	s := &domain.Step{
		Class:          class,
		Arguments:      arguments,
		BlockUUID:      block,
		Index:          index,
		State:          domain.StepPending,
		Type:           domain.StepTypeNormal,
		Queue:          queue,
		MaxAttempts:    3,
		BackoffSeconds: 10,
	}
	return s
}
