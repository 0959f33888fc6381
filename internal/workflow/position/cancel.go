package position

import (
	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/runtime"
	"github.com/quantfold/tradeflow/internal/workflow"
)

// cancelPositionJob is the compensator for a failed open. It is created as a
// dormant resolve-exception sibling of the open orchestrator and promoted by
// the store when a step in that block fails terminally. Like any step it may
// emit follow-up work: the unwind runs as a fresh block so it is never gated
// by the failed one.
type cancelPositionJob struct {
	deps *Deps
	args stepArgs
}

func (j *cancelPositionJob) Compute(ctx *runtime.Context) (map[string]any, error) {
	unwind := uuid.New()
	b := workflow.NewBuilder(ctx.Registry, string(j.args.Canonical), unwind, ctx.Step.Queue, ctx.Step.WorkflowID).
		Relate(domain.RelatablePosition, j.args.PositionID)
	b.Parallel(
		workflow.Spec{Class: ClassCancelRegular, Args: j.args.toMap()},
		workflow.Spec{Class: ClassCancelAlgo, Args: j.args.toMap()},
	)
	b.Add(ClassSyncPositions, j.args.toMap())
	if _, err := b.Flush(ctx.DBC(), ctx.Store); err != nil {
		return nil, err
	}
	j.deps.Log.Warn("Position open compensated",
		"position_id", j.args.PositionID,
		"symbol", j.args.Symbol,
		"unwind_block", unwind,
	)
	return map[string]any{"unwind_block": unwind.String()}, nil
}
