package position

import (
	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/runtime"
	"github.com/quantfold/tradeflow/internal/workflow"
)

// stepLifecycle appends a single step for one default class. Most open
// lifecycles are this shape; exchange resolution happens in the builder.
type stepLifecycle struct {
	class string
	args  stepArgs
}

func (l stepLifecycle) Dispatch(ctx *runtime.Context, block uuid.UUID, index int, workflowID *uuid.UUID) (int, error) {
	b := workflow.NewBuilder(ctx.Registry, string(l.args.Canonical), block, ctx.Step.Queue, workflowID).
		Relate(domain.RelatablePosition, l.args.PositionID).
		StartAt(index).
		Add(l.class, l.args.toMap())
	if _, err := b.Flush(ctx.DBC(), ctx.Store); err != nil {
		return index, err
	}
	return b.Next(), nil
}

// ladderLifecycle appends the ladder parent with its own child block. The
// rung count is plan-dependent, so emission of the individual orders is
// deferred to the parent's body after the prepare step has run.
type ladderLifecycle struct {
	args stepArgs
}

func (l ladderLifecycle) Dispatch(ctx *runtime.Context, block uuid.UUID, index int, workflowID *uuid.UUID) (int, error) {
	b := workflow.NewBuilder(ctx.Registry, string(l.args.Canonical), block, ctx.Step.Queue, workflowID).
		Relate(domain.RelatablePosition, l.args.PositionID).
		StartAt(index)
	b.AddParent(ClassPlaceLadder, l.args.toMap())
	if _, err := b.Flush(ctx.DBC(), ctx.Store); err != nil {
		return index, err
	}
	return b.Next(), nil
}

// openLifecycles is the position-open sequence, one index each.
func openLifecycles(args stepArgs) []runtime.Lifecycle {
	return []runtime.Lifecycle{
		stepLifecycle{class: ClassVerifyPairNotOpen, args: args},
		stepLifecycle{class: ClassSetMarginMode, args: args},
		stepLifecycle{class: ClassSetLeverage, args: args},
		stepLifecycle{class: ClassPrepareData, args: args},
		stepLifecycle{class: ClassVerifyNotional, args: args},
		stepLifecycle{class: ClassPlaceMarketOrder, args: args},
		ladderLifecycle{args: args},
	}
}
