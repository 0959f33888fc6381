package position

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quantfold/tradeflow/internal/exchanges"
	"github.com/quantfold/tradeflow/internal/runtime"
	"github.com/quantfold/tradeflow/internal/snapshots"
)

// verifyPairNotOpenJob refreshes the positions snapshot and fails the open
// when the account already holds the pair.
type verifyPairNotOpenJob struct {
	deps *Deps
	args stepArgs
}

func (j *verifyPairNotOpenJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(j.args.Canonical), "GET /fapi/v2/positionRisk", j.args.AccountID.String()
}

func (j *verifyPairNotOpenJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return nil, err
	}
	positions, err := gw.Positions(ctx.Ctx, j.args.AccountID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	if err := j.deps.Snapshots.Put(ctx.Ctx, j.args.AccountID, string(j.args.Canonical), snapshots.KindPositions, positions); err != nil {
		return nil, err
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, j.args.Symbol) && p.Quantity != "" && p.Quantity != "0" {
			return nil, runtime.Permanent(fmt.Errorf("pair %s already open on %s", j.args.Symbol, j.args.Canonical))
		}
	}
	return nil, nil
}

type setMarginModeJob struct {
	deps *Deps
	args stepArgs
}

func (j *setMarginModeJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(j.args.Canonical), "POST /fapi/v1/marginType", j.args.AccountID.String()
}

func (j *setMarginModeJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return nil, err
	}
	mode := j.args.MarginMode
	if mode == "" {
		mode = "ISOLATED"
	}
	if err := gw.SetMarginMode(ctx.Ctx, j.args.AccountID, j.args.Symbol, mode); err != nil {
		// Venues reject a no-op change; the desired state already holds.
		if strings.Contains(strings.ToLower(err.Error()), "no need to change") {
			return nil, runtime.Ignorable(err)
		}
		return nil, fmt.Errorf("set margin mode: %w", err)
	}
	return nil, nil
}

type setLeverageJob struct {
	deps *Deps
	args stepArgs
}

func (j *setLeverageJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(j.args.Canonical), "POST /fapi/v1/leverage", j.args.AccountID.String()
}

func (j *setLeverageJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return nil, err
	}
	lev := j.args.Leverage
	if lev <= 0 {
		return nil, runtime.Permanent(fmt.Errorf("invalid leverage %d for position %s", lev, j.args.PositionID))
	}
	if err := gw.SetLeverage(ctx.Ctx, j.args.AccountID, j.args.Symbol, lev); err != nil {
		return nil, fmt.Errorf("set leverage: %w", err)
	}
	return nil, nil
}

// prepareDataJob runs the planner and stores the plan snapshot for the order
// steps that follow. Pure compute, no exchange call.
type prepareDataJob struct {
	deps *Deps
	args stepArgs
}

func (j *prepareDataJob) Compute(ctx *runtime.Context) (map[string]any, error) {
	plan, err := j.deps.Planner.Plan(ctx.Ctx, PlanRequest{
		AccountID: j.args.AccountID,
		Canonical: j.args.Canonical,
		Symbol:    j.args.Symbol,
		Side:      j.args.Side,
		Budget:    j.args.Budget,
		Leverage:  j.args.Leverage,
	})
	if err != nil {
		return nil, runtime.Permanent(fmt.Errorf("plan position: %w", err))
	}
	if plan.Quantity == "" {
		return nil, runtime.Permanent(fmt.Errorf("planner produced empty quantity for %s", j.args.Symbol))
	}
	if err := j.deps.Snapshots.Put(ctx.Ctx, j.args.AccountID, string(j.args.Canonical), snapshots.PlanKind(j.args.PositionID), plan); err != nil {
		return nil, err
	}
	return map[string]any{"quantity": plan.Quantity}, nil
}

// verifyNotionalJob fetches the mark price and aborts the open when the
// planned entry is below the venue's minimum notional.
type verifyNotionalJob struct {
	deps *Deps
	args stepArgs
}

func (j *verifyNotionalJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(j.args.Canonical), "GET /fapi/v1/premiumIndex", j.args.AccountID.String()
}

func (j *verifyNotionalJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	plan, err := j.deps.loadPlan(ctx, j.args)
	if err != nil {
		return nil, err
	}
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return nil, err
	}
	mark, err := gw.MarkPrice(ctx.Ctx, j.args.Symbol)
	if err != nil {
		return nil, fmt.Errorf("mark price: %w", err)
	}
	price, err := strconv.ParseFloat(mark, 64)
	if err != nil {
		return nil, runtime.Permanent(fmt.Errorf("unparseable mark price %q", mark))
	}
	qty, err := strconv.ParseFloat(plan.Quantity, 64)
	if err != nil {
		return nil, runtime.Permanent(fmt.Errorf("unparseable plan quantity %q", plan.Quantity))
	}
	if notional := price * qty; plan.MinNotional > 0 && notional < plan.MinNotional {
		return nil, runtime.Permanent(fmt.Errorf("notional %.4f below minimum %.4f for %s", notional, plan.MinNotional, j.args.Symbol))
	}
	return map[string]any{"mark_price": mark}, nil
}

// placeMarketOrderJob opens the position at market and double-checks the
// fill on the venue before the step may complete.
type placeMarketOrderJob struct {
	deps *Deps
	args stepArgs

	orderID string
}

func (j *placeMarketOrderJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(j.args.Canonical), "POST /fapi/v1/order", j.args.AccountID.String()
}

func (j *placeMarketOrderJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	plan, err := j.deps.loadPlan(ctx, j.args)
	if err != nil {
		return nil, err
	}
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return nil, err
	}
	ack, err := gw.PlaceOrder(ctx.Ctx, exchanges.OrderRequest{
		AccountID: j.args.AccountID,
		Symbol:    j.args.Symbol,
		Side:      plan.Side,
		Kind:      "MARKET",
		Quantity:  plan.Quantity,
		ClientID:  "tf-" + j.args.PositionID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("place market order: %w", err)
	}
	j.orderID = ack.ExchangeOrderID
	return map[string]any{"exchange_order_id": ack.ExchangeOrderID, "filled": ack.FilledQuantity}, nil
}

func (j *placeMarketOrderJob) DoubleCheck(ctx *runtime.Context) (bool, error) {
	if j.orderID == "" {
		return false, nil
	}
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return false, err
	}
	ack, err := gw.QueryOrder(ctx.Ctx, j.args.AccountID, j.args.Symbol, j.orderID)
	if err != nil {
		return false, fmt.Errorf("query order: %w", err)
	}
	return ack.Status == "FILLED" || ack.Status == "PARTIALLY_FILLED" || ack.Status == "NEW", nil
}

// ladderOrderJob places one resting order of the ladder: a limit rung, the
// take-profit or the stop-loss. The rung's price/quantity ride in the step
// arguments, resolved from the plan at emit time.
type ladderOrderJob struct {
	deps *Deps
	args stepArgs
	kind string // LIMIT / TAKE_PROFIT_MARKET / STOP_MARKET
}

func (j *ladderOrderJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(j.args.Canonical), "POST /fapi/v1/order", j.args.AccountID.String()
}

func (j *ladderOrderJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	plan, err := j.deps.loadPlan(ctx, j.args)
	if err != nil {
		return nil, err
	}
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return nil, err
	}
	price := ctx.PayloadString("price")
	qty := ctx.PayloadString("quantity")
	if qty == "" {
		qty = plan.Quantity
	}
	side := plan.Side
	reduceOnly := false
	if j.kind != "LIMIT" {
		// Exit orders sit on the opposite side and only ever reduce.
		side = oppositeSide(plan.Side)
		reduceOnly = true
	}
	ack, err := gw.PlaceOrder(ctx.Ctx, exchanges.OrderRequest{
		AccountID:  j.args.AccountID,
		Symbol:     j.args.Symbol,
		Side:       side,
		Kind:       j.kind,
		Quantity:   qty,
		Price:      price,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("place %s order: %w", strings.ToLower(j.kind), err)
	}
	return map[string]any{"exchange_order_id": ack.ExchangeOrderID}, nil
}

func oppositeSide(side string) string {
	if strings.EqualFold(side, "BUY") {
		return "SELL"
	}
	return "BUY"
}

// cancelOrdersJob cancels all open orders for the pair; algo selects the
// conditional (profit/stop) set on venues that separate them.
type cancelOrdersJob struct {
	deps *Deps
	args stepArgs
	algo bool
}

func (j *cancelOrdersJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(j.args.Canonical), "DELETE /fapi/v1/allOpenOrders", j.args.AccountID.String()
}

func (j *cancelOrdersJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return nil, err
	}
	if err := gw.CancelAllOrders(ctx.Ctx, j.args.AccountID, j.args.Symbol, j.algo); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "order does not exist") {
			return nil, runtime.Ignorable(err)
		}
		return nil, fmt.Errorf("cancel all orders (algo=%v): %w", j.algo, err)
	}
	return nil, nil
}

// syncOpenOrdersJob refreshes the open-orders snapshot for the account.
type syncOpenOrdersJob struct {
	deps *Deps
	args stepArgs
}

func (j *syncOpenOrdersJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(j.args.Canonical), "GET /fapi/v1/openOrders", j.args.AccountID.String()
}

func (j *syncOpenOrdersJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return nil, err
	}
	orders, err := gw.OpenOrders(ctx.Ctx, j.args.AccountID, j.args.Symbol)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if err := j.deps.Snapshots.Put(ctx.Ctx, j.args.AccountID, string(j.args.Canonical), snapshots.KindOpenOrders, orders); err != nil {
		return nil, err
	}
	return map[string]any{"count": len(orders)}, nil
}

// syncPositionsJob refreshes the positions snapshot for the account.
type syncPositionsJob struct {
	deps *Deps
	args stepArgs
}

func (j *syncPositionsJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(j.args.Canonical), "GET /fapi/v2/positionRisk", j.args.AccountID.String()
}

func (j *syncPositionsJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	gw, err := j.deps.gateway(j.args.Canonical)
	if err != nil {
		return nil, err
	}
	positions, err := gw.Positions(ctx.Ctx, j.args.AccountID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	if err := j.deps.Snapshots.Put(ctx.Ctx, j.args.AccountID, string(j.args.Canonical), snapshots.KindPositions, positions); err != nil {
		return nil, err
	}
	return map[string]any{"count": len(positions)}, nil
}
