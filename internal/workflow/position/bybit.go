package position

import (
	"fmt"

	"github.com/quantfold/tradeflow/internal/exchanges"
	"github.com/quantfold/tradeflow/internal/runtime"
)

// bybitPlaceMarketOrderJob is the bybit override of the market-order step.
// The resolver picks "position.bybit.place_market_order" over the default
// whenever it is registered; the override declares the bybit endpoint so the
// throttler charges the correct buckets, and names orders the way the v5 API
// expects (orderLinkId must be unique per account, not per venue).
type bybitPlaceMarketOrderJob struct {
	deps *Deps
	args stepArgs

	orderID string
}

func (j *bybitPlaceMarketOrderJob) Endpoint(*runtime.Context) (string, string, string) {
	return string(exchanges.Bybit), "POST /v5/order/create", j.args.AccountID.String()
}

func (j *bybitPlaceMarketOrderJob) ComputeApiable(ctx *runtime.Context) (map[string]any, error) {
	plan, err := j.deps.loadPlan(ctx, j.args)
	if err != nil {
		return nil, err
	}
	gw, err := j.deps.gateway(exchanges.Bybit)
	if err != nil {
		return nil, err
	}
	ack, err := gw.PlaceOrder(ctx.Ctx, exchanges.OrderRequest{
		AccountID: j.args.AccountID,
		Symbol:    j.args.Symbol,
		Side:      plan.Side,
		Kind:      "MARKET",
		Quantity:  plan.Quantity,
		ClientID:  fmt.Sprintf("tf-%s-%s", j.args.AccountID, j.args.PositionID),
	})
	if err != nil {
		return nil, fmt.Errorf("place market order: %w", err)
	}
	j.orderID = ack.ExchangeOrderID
	return map[string]any{"exchange_order_id": ack.ExchangeOrderID}, nil
}

func (j *bybitPlaceMarketOrderJob) DoubleCheck(ctx *runtime.Context) (bool, error) {
	if j.orderID == "" {
		return false, nil
	}
	gw, err := j.deps.gateway(exchanges.Bybit)
	if err != nil {
		return false, err
	}
	ack, err := gw.QueryOrder(ctx.Ctx, j.args.AccountID, j.args.Symbol, j.orderID)
	if err != nil {
		return false, fmt.Errorf("query order: %w", err)
	}
	return ack.Status != "" && ack.Status != "Rejected" && ack.Status != "Cancelled", nil
}
