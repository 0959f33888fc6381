// Package position carries the position workflows: the open-position
// orchestration, order replacement, snapshot sync and the cancel-position
// compensator. Job bodies perform at most one external call each; sizing
// math lives behind the Planner collaborator.
package position

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/exchanges"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
	"github.com/quantfold/tradeflow/internal/runtime"
	"github.com/quantfold/tradeflow/internal/snapshots"
)

// Class tokens. These are the stable registry keys written into step.class;
// exchange-specific overrides insert the canonical before the final segment.
const (
	ClassOpen               = "position.open"
	ClassReplaceOrders      = "position.replace_orders"
	ClassPlaceLadder        = "position.place_ladder"
	ClassCancel             = "position.cancel"
	ClassVerifyPairNotOpen  = "position.verify_pair_not_open"
	ClassSetMarginMode      = "position.set_margin_mode"
	ClassSetLeverage        = "position.set_leverage"
	ClassPrepareData        = "position.prepare_data"
	ClassVerifyNotional     = "position.verify_order_notional"
	ClassPlaceMarketOrder   = "position.place_market_order"
	ClassPlaceLimitOrder    = "position.place_limit_order"
	ClassPlaceProfitOrder   = "position.place_profit_order"
	ClassPlaceStopLossOrder = "position.place_stop_loss_order"
	ClassCancelRegular      = "position.cancel_regular_orders"
	ClassCancelAlgo         = "position.cancel_algo_orders"
	ClassSyncOpenOrders     = "position.sync_open_orders"
	ClassSyncPositions      = "position.sync_positions"
)

// Level is one rung of the entry ladder.
type Level struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// Plan is the prepared sizing for one position. It is written to the
// snapshot store under PlanKind(positionID) by the prepare step and read by
// every order-placing step after it.
type Plan struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    string  `json:"quantity"`
	Levels      []Level `json:"levels"`
	ProfitPrice string  `json:"profit_price"`
	StopPrice   string  `json:"stop_price"`
	MinNotional float64 `json:"min_notional"`
}

type PlanRequest struct {
	AccountID uuid.UUID
	Canonical exchanges.Canonical
	Symbol    string
	Side      string
	Budget    string
	Leverage  int
}

// Planner computes position sizing. The trading math is an external
// collaborator; the workflows only transport its output.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (Plan, error)
}

// Deps is the shared collaborator set injected into every position job.
type Deps struct {
	Gateways  exchanges.Gateways
	Snapshots snapshots.Store
	Planner   Planner
	Log       *logger.Logger
}

// stepArgs is the common argument shape every position step carries.
type stepArgs struct {
	AccountID  uuid.UUID
	PositionID uuid.UUID
	Canonical  exchanges.Canonical
	Symbol     string
	Side       string
	Budget     string
	Leverage   int
	MarginMode string
}

func argString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func argInt(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// decode validates the common argument shape at construct time, so a
// malformed row fails permanently before any phase runs.
func decode(m map[string]any) (stepArgs, error) {
	var a stepArgs
	acct, err := uuid.Parse(argString(m, "account_id"))
	if err != nil {
		return a, runtime.Permanent(fmt.Errorf("missing or invalid account_id in step arguments"))
	}
	pos, err := uuid.Parse(argString(m, "position_id"))
	if err != nil {
		return a, runtime.Permanent(fmt.Errorf("missing or invalid position_id in step arguments"))
	}
	canonical := argString(m, "canonical")
	if !exchanges.Valid(canonical) {
		return a, runtime.Permanent(fmt.Errorf("invalid canonical %q in step arguments", canonical))
	}
	symbol := argString(m, "symbol")
	if symbol == "" {
		return a, runtime.Permanent(fmt.Errorf("missing symbol in step arguments"))
	}
	a.AccountID = acct
	a.PositionID = pos
	a.Canonical = exchanges.Canonical(canonical)
	a.Symbol = symbol
	a.Side = argString(m, "side")
	a.Budget = argString(m, "budget")
	a.Leverage = argInt(m, "leverage")
	a.MarginMode = argString(m, "margin_mode")
	return a, nil
}

func (a stepArgs) toMap() map[string]any {
	return map[string]any{
		"account_id":  a.AccountID.String(),
		"position_id": a.PositionID.String(),
		"canonical":   string(a.Canonical),
		"symbol":      a.Symbol,
		"side":        a.Side,
		"budget":      a.Budget,
		"leverage":    a.Leverage,
		"margin_mode": a.MarginMode,
	}
}

func (d *Deps) gateway(c exchanges.Canonical) (exchanges.Gateway, error) {
	gw, ok := d.Gateways.Gateway(c)
	if !ok {
		return nil, runtime.Permanent(fmt.Errorf("no gateway registered for canonical %s", c))
	}
	return gw, nil
}

func (d *Deps) loadPlan(ctx *runtime.Context, a stepArgs) (Plan, error) {
	var plan Plan
	found, err := d.Snapshots.Get(ctx.Ctx, a.AccountID, string(a.Canonical), snapshots.PlanKind(a.PositionID), &plan)
	if err != nil {
		return plan, fmt.Errorf("load plan snapshot: %w", err)
	}
	if !found {
		return plan, runtime.Permanent(fmt.Errorf("no prepared plan for position %s", a.PositionID))
	}
	return plan, nil
}
