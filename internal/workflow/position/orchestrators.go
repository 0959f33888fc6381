package position

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/runtime"
	"github.com/quantfold/tradeflow/internal/workflow"
)

// positionBuilder starts a builder for a position step's child block,
// inheriting queue, workflow and the position back-pointer.
func positionBuilder(ctx *runtime.Context, args stepArgs, block uuid.UUID) *workflow.Builder {
	return workflow.NewBuilder(ctx.Registry, string(args.Canonical), block, ctx.Step.Queue, ctx.Step.WorkflowID).
		Relate(domain.RelatablePosition, args.PositionID)
}

// openPositionJob is the position-open orchestrator. Its body is pure
// step-creation: the six open lifecycles are appended into the child block in
// order, then the ladder parent. The step stays halted until the child block
// settles; Complete is the only phase that runs afterwards.
type openPositionJob struct {
	deps *Deps
	args stepArgs
}

func (j *openPositionJob) Compute(ctx *runtime.Context) (map[string]any, error) {
	if ctx.Step.ChildBlockUUID == nil {
		return nil, runtime.Permanent(fmt.Errorf("open orchestrator step %d has no child block", ctx.Step.ID))
	}
	child := *ctx.Step.ChildBlockUUID
	index := 1
	for _, lc := range openLifecycles(j.args) {
		next, err := lc.Dispatch(ctx, child, index, ctx.Step.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("dispatch lifecycle: %w", err)
		}
		index = next
	}
	return map[string]any{"child_block": child.String(), "steps": index - 1}, nil
}

func (j *openPositionJob) Complete(ctx *runtime.Context) error {
	j.deps.Log.Info("Position opened",
		"position_id", j.args.PositionID,
		"symbol", j.args.Symbol,
		"canonical", j.args.Canonical,
	)
	return nil
}

// placeLadderJob emits the resting-order ladder. It runs after the prepare
// step, so the plan snapshot exists and the rung count is known: one limit
// step per level in parallel, then the take-profit and the stop-loss.
type placeLadderJob struct {
	deps *Deps
	args stepArgs
}

func (j *placeLadderJob) Compute(ctx *runtime.Context) (map[string]any, error) {
	if ctx.Step.ChildBlockUUID == nil {
		return nil, runtime.Permanent(fmt.Errorf("ladder orchestrator step %d has no child block", ctx.Step.ID))
	}
	plan, err := j.deps.loadPlan(ctx, j.args)
	if err != nil {
		return nil, err
	}
	b := positionBuilder(ctx, j.args, *ctx.Step.ChildBlockUUID)

	if len(plan.Levels) > 0 {
		specs := make([]workflow.Spec, 0, len(plan.Levels))
		for _, lv := range plan.Levels {
			args := j.args.toMap()
			args["price"] = lv.Price
			args["quantity"] = lv.Quantity
			specs = append(specs, workflow.Spec{Class: ClassPlaceLimitOrder, Args: args})
		}
		b.Parallel(specs...)
	}
	if plan.ProfitPrice != "" {
		args := j.args.toMap()
		args["price"] = plan.ProfitPrice
		b.Add(ClassPlaceProfitOrder, args)
	}
	if plan.StopPrice != "" {
		args := j.args.toMap()
		args["price"] = plan.StopPrice
		b.Add(ClassPlaceStopLossOrder, args)
	}
	created, err := b.Flush(ctx.DBC(), ctx.Store)
	if err != nil {
		return nil, err
	}
	return map[string]any{"orders": len(created)}, nil
}

// replaceOrdersJob cancels the pair's resting orders and re-emits the
// ladder. Observers enqueue it when an exit order lapses while the position
// is still live on the venue.
type replaceOrdersJob struct {
	deps *Deps
	args stepArgs
}

func (j *replaceOrdersJob) Compute(ctx *runtime.Context) (map[string]any, error) {
	if ctx.Step.ChildBlockUUID == nil {
		return nil, runtime.Permanent(fmt.Errorf("replace orchestrator step %d has no child block", ctx.Step.ID))
	}
	b := positionBuilder(ctx, j.args, *ctx.Step.ChildBlockUUID)
	b.Parallel(
		workflow.Spec{Class: ClassCancelRegular, Args: j.args.toMap()},
		workflow.Spec{Class: ClassCancelAlgo, Args: j.args.toMap()},
	)
	b.AddParent(ClassPlaceLadder, j.args.toMap())
	if _, err := b.Flush(ctx.DBC(), ctx.Store); err != nil {
		return nil, err
	}
	return nil, nil
}
