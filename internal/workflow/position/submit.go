package position

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/exchanges"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
	"github.com/quantfold/tradeflow/internal/runtime"
	"github.com/quantfold/tradeflow/internal/steps"
	"github.com/quantfold/tradeflow/internal/workflow"
)

// OpenRequest is the in-process submission API for opening a position.
type OpenRequest struct {
	AccountID  uuid.UUID
	PositionID uuid.UUID
	Canonical  exchanges.Canonical
	Symbol     string
	Side       string
	Budget     string
	Leverage   int
	MarginMode string
}

func (r OpenRequest) validate() error {
	if r.AccountID == uuid.Nil || r.PositionID == uuid.Nil {
		return fmt.Errorf("open request needs account_id and position_id")
	}
	if !exchanges.Valid(string(r.Canonical)) {
		return fmt.Errorf("open request: unknown canonical %q", r.Canonical)
	}
	if r.Symbol == "" || r.Side == "" {
		return fmt.Errorf("open request needs symbol and side")
	}
	return nil
}

func (r OpenRequest) args() map[string]any {
	return stepArgs{
		AccountID:  r.AccountID,
		PositionID: r.PositionID,
		Canonical:  r.Canonical,
		Symbol:     r.Symbol,
		Side:       r.Side,
		Budget:     r.Budget,
		Leverage:   r.Leverage,
		MarginMode: r.MarginMode,
	}.toMap()
}

// SubmitOpenPosition creates the open orchestrator block: the parent step
// owning a fresh child block, plus the dormant cancel compensator carrying
// the same arguments. Each position gets its own block so one failed open
// never stalls another. Returns the workflow id for tracing.
func SubmitOpenPosition(dbc dbctx.Context, store steps.Store, reg *runtime.Registry, req OpenRequest) (uuid.UUID, error) {
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}
	workflowID := uuid.New()
	block := uuid.New()
	b := workflow.NewBuilder(reg, string(req.Canonical), block, string(req.Canonical), &workflowID).
		Relate(domain.RelatablePosition, req.PositionID)
	b.AddParent(ClassOpen, req.args())
	b.AddCompensator(ClassCancel, req.args())
	if _, err := b.Flush(dbc, store); err != nil {
		return uuid.Nil, fmt.Errorf("submit open position: %w", err)
	}
	return workflowID, nil
}

// SubmitReplaceOrders enqueues the order-replacement orchestrator. Domain
// observers call this when an exit order lapses while the position is live.
func SubmitReplaceOrders(dbc dbctx.Context, store steps.Store, reg *runtime.Registry, req OpenRequest) (uuid.UUID, error) {
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}
	workflowID := uuid.New()
	block := uuid.New()
	b := workflow.NewBuilder(reg, string(req.Canonical), block, string(req.Canonical), &workflowID).
		Relate(domain.RelatablePosition, req.PositionID)
	b.AddParent(ClassReplaceOrders, req.args())
	if _, err := b.Flush(dbc, store); err != nil {
		return uuid.Nil, fmt.Errorf("submit replace orders: %w", err)
	}
	return workflowID, nil
}

// SubmitSync enqueues the two snapshot-refresh steps in parallel.
func SubmitSync(dbc dbctx.Context, store steps.Store, reg *runtime.Registry, req OpenRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	block := uuid.New()
	b := workflow.NewBuilder(reg, string(req.Canonical), block, string(req.Canonical), nil).
		Relate(domain.RelatableAccount, req.AccountID)
	b.Parallel(
		workflow.Spec{Class: ClassSyncOpenOrders, Args: req.args()},
		workflow.Spec{Class: ClassSyncPositions, Args: req.args()},
	)
	if _, err := b.Flush(dbc, store); err != nil {
		return fmt.Errorf("submit sync: %w", err)
	}
	return nil
}
