package position

import (
	"github.com/quantfold/tradeflow/internal/resolver"
	"github.com/quantfold/tradeflow/internal/runtime"
)

// RegisterAll binds every position class to a factory over the shared deps.
// Factories capture deps by reference; step arguments are decoded per run.
func RegisterAll(reg *runtime.Registry, deps *Deps) {
	withArgs := func(build func(a stepArgs) runtime.Job) runtime.Factory {
		return func(args map[string]any) (runtime.Job, error) {
			a, err := decode(args)
			if err != nil {
				return nil, err
			}
			return build(a), nil
		}
	}

	reg.MustRegister(ClassOpen, withArgs(func(a stepArgs) runtime.Job { return &openPositionJob{deps: deps, args: a} }))
	reg.MustRegister(ClassReplaceOrders, withArgs(func(a stepArgs) runtime.Job { return &replaceOrdersJob{deps: deps, args: a} }))
	reg.MustRegister(ClassPlaceLadder, withArgs(func(a stepArgs) runtime.Job { return &placeLadderJob{deps: deps, args: a} }))
	reg.MustRegister(ClassCancel, withArgs(func(a stepArgs) runtime.Job { return &cancelPositionJob{deps: deps, args: a} }))

	reg.MustRegister(ClassVerifyPairNotOpen, withArgs(func(a stepArgs) runtime.Job { return &verifyPairNotOpenJob{deps: deps, args: a} }))
	reg.MustRegister(ClassSetMarginMode, withArgs(func(a stepArgs) runtime.Job { return &setMarginModeJob{deps: deps, args: a} }))
	reg.MustRegister(ClassSetLeverage, withArgs(func(a stepArgs) runtime.Job { return &setLeverageJob{deps: deps, args: a} }))
	reg.MustRegister(ClassPrepareData, withArgs(func(a stepArgs) runtime.Job { return &prepareDataJob{deps: deps, args: a} }))
	reg.MustRegister(ClassVerifyNotional, withArgs(func(a stepArgs) runtime.Job { return &verifyNotionalJob{deps: deps, args: a} }))
	reg.MustRegister(ClassPlaceMarketOrder, withArgs(func(a stepArgs) runtime.Job { return &placeMarketOrderJob{deps: deps, args: a} }))
	reg.MustRegister(ClassPlaceLimitOrder, withArgs(func(a stepArgs) runtime.Job { return &ladderOrderJob{deps: deps, args: a, kind: "LIMIT"} }))
	reg.MustRegister(ClassPlaceProfitOrder, withArgs(func(a stepArgs) runtime.Job { return &ladderOrderJob{deps: deps, args: a, kind: "TAKE_PROFIT_MARKET"} }))
	reg.MustRegister(ClassPlaceStopLossOrder, withArgs(func(a stepArgs) runtime.Job { return &ladderOrderJob{deps: deps, args: a, kind: "STOP_MARKET"} }))
	reg.MustRegister(ClassCancelRegular, withArgs(func(a stepArgs) runtime.Job { return &cancelOrdersJob{deps: deps, args: a, algo: false} }))
	reg.MustRegister(ClassCancelAlgo, withArgs(func(a stepArgs) runtime.Job { return &cancelOrdersJob{deps: deps, args: a, algo: true} }))
	reg.MustRegister(ClassSyncOpenOrders, withArgs(func(a stepArgs) runtime.Job { return &syncOpenOrdersJob{deps: deps, args: a} }))
	reg.MustRegister(ClassSyncPositions, withArgs(func(a stepArgs) runtime.Job { return &syncPositionsJob{deps: deps, args: a} }))

	// Exchange overrides. Anything not listed here resolves to the default.
	reg.MustRegister(resolver.Qualified(ClassPlaceMarketOrder, "bybit"),
		withArgs(func(a stepArgs) runtime.Job { return &bybitPlaceMarketOrderJob{deps: deps, args: a} }))

	// Cancels and snapshot syncs are idempotent and must eventually land;
	// give them more attempts than the store default.
	for _, class := range []string{ClassCancelRegular, ClassCancelAlgo} {
		reg.SetDefaults(class, runtime.ClassDefaults{MaxAttempts: 5, BackoffSeconds: 15})
	}
	for _, class := range []string{ClassSyncOpenOrders, ClassSyncPositions} {
		reg.SetDefaults(class, runtime.ClassDefaults{MaxAttempts: 5, BackoffSeconds: 30})
	}
}
