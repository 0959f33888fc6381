package exchanges

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/tradeflow/internal/throttler"
)

// Default limit tables per canonical. Capacities and weights follow the
// published cost tables of each venue; operators can override any table with
// a YAML file (see LoadTableOverrides) when a venue changes its limits
// between releases.

func BinanceTable() throttler.Table {
	return throttler.Table{
		Buckets: []throttler.Bucket{
			{Name: "request_weight", Window: time.Minute, Capacity: 1200, Scope: throttler.ScopeIP},
			{Name: "orders_10s", Window: 10 * time.Second, Capacity: 50, Scope: throttler.ScopeAccount},
			{Name: "orders_1d", Window: 24 * time.Hour, Capacity: 160000, Scope: throttler.ScopeAccount},
		},
		Endpoints: map[string][]throttler.Contribution{
			"GET /fapi/v1/premiumIndex":   {{Bucket: "request_weight", Weight: 1}},
			"GET /fapi/v1/openOrders":     {{Bucket: "request_weight", Weight: 40}},
			"GET /fapi/v2/positionRisk":   {{Bucket: "request_weight", Weight: 5}},
			"GET /fapi/v1/order":          {{Bucket: "request_weight", Weight: 1}},
			"POST /fapi/v1/order":         {{Bucket: "request_weight", Weight: 1}, {Bucket: "orders_10s", Weight: 1}, {Bucket: "orders_1d", Weight: 1}},
			"DELETE /fapi/v1/order":       {{Bucket: "request_weight", Weight: 1}},
			"DELETE /fapi/v1/allOpenOrders": {{Bucket: "request_weight", Weight: 1}},
			"POST /fapi/v1/leverage":      {{Bucket: "request_weight", Weight: 1}},
			"POST /fapi/v1/marginType":    {{Bucket: "request_weight", Weight: 1}},
		},
		Fallback: []throttler.Contribution{{Bucket: "request_weight", Weight: 1}},
		Headers: []throttler.HeaderBinding{
			{Header: "X-MBX-USED-WEIGHT-1M", Bucket: "request_weight"},
			{Header: "X-MBX-ORDER-COUNT-10S", Bucket: "orders_10s"},
			{Header: "X-MBX-ORDER-COUNT-1D", Bucket: "orders_1d"},
		},
	}
}

func BybitTable() throttler.Table {
	return throttler.Table{
		Buckets: []throttler.Bucket{
			{Name: "requests_5s", Window: 5 * time.Second, Capacity: 600, Scope: throttler.ScopeIP},
			{Name: "orders_1s", Window: time.Second, Capacity: 10, Scope: throttler.ScopeAccount},
		},
		Endpoints: map[string][]throttler.Contribution{
			"POST /v5/order/create":     {{Bucket: "requests_5s", Weight: 1}, {Bucket: "orders_1s", Weight: 1}},
			"POST /v5/order/cancel":     {{Bucket: "requests_5s", Weight: 1}, {Bucket: "orders_1s", Weight: 1}},
			"POST /v5/order/cancel-all": {{Bucket: "requests_5s", Weight: 1}},
			"GET /v5/position/list":     {{Bucket: "requests_5s", Weight: 1}},
			"GET /v5/order/realtime":    {{Bucket: "requests_5s", Weight: 1}},
			"POST /v5/position/set-leverage": {{Bucket: "requests_5s", Weight: 1}},
		},
		Fallback: []throttler.Contribution{{Bucket: "requests_5s", Weight: 1}},
		Headers: []throttler.HeaderBinding{
			{Header: "X-Bapi-Limit-Status", Bucket: "orders_1s", Remaining: true},
		},
	}
}

func BitgetTable() throttler.Table {
	return throttler.Table{
		Buckets: []throttler.Bucket{
			{Name: "requests_1s", Window: time.Second, Capacity: 20, Scope: throttler.ScopeIP},
			{Name: "orders_1s", Window: time.Second, Capacity: 10, Scope: throttler.ScopeAccount},
		},
		Endpoints: map[string][]throttler.Contribution{
			"POST /api/v2/mix/order/place-order":  {{Bucket: "requests_1s", Weight: 1}, {Bucket: "orders_1s", Weight: 1}},
			"POST /api/v2/mix/order/cancel-order": {{Bucket: "requests_1s", Weight: 1}},
		},
		Fallback: []throttler.Contribution{{Bucket: "requests_1s", Weight: 1}},
		Headers: []throttler.HeaderBinding{
			{Header: "RateLimit-Remaining", Bucket: "requests_1s", Remaining: true},
		},
	}
}

func KucoinTable() throttler.Table {
	return throttler.Table{
		Buckets: []throttler.Bucket{
			{Name: "public_30s", Window: 30 * time.Second, Capacity: 2000, Scope: throttler.ScopeIP},
			{Name: "futures_30s", Window: 30 * time.Second, Capacity: 2000, Scope: throttler.ScopeAccount},
		},
		Fallback: []throttler.Contribution{{Bucket: "futures_30s", Weight: 1}},
		Headers: []throttler.HeaderBinding{
			{Header: "gw-ratelimit-remaining", Bucket: "futures_30s", Remaining: true},
		},
	}
}

func KrakenTable() throttler.Table {
	return throttler.Table{
		Buckets: []throttler.Bucket{
			{Name: "counter_60s", Window: time.Minute, Capacity: 180, Scope: throttler.ScopeAccount},
		},
		Fallback: []throttler.Contribution{{Bucket: "counter_60s", Weight: 1}},
	}
}

func TaapiTable() throttler.Table {
	return throttler.Table{
		Buckets: []throttler.Bucket{
			{Name: "requests_15s", Window: 15 * time.Second, Capacity: 15, Scope: throttler.ScopeIP},
		},
		Fallback: []throttler.Contribution{{Bucket: "requests_15s", Weight: 1}},
	}
}

func CoinMarketCapTable() throttler.Table {
	return throttler.Table{
		Buckets: []throttler.Bucket{
			{Name: "requests_1m", Window: time.Minute, Capacity: 30, Scope: throttler.ScopeIP},
		},
		Fallback: []throttler.Contribution{{Bucket: "requests_1m", Weight: 1}},
	}
}

func AlternativeMeTable() throttler.Table {
	return throttler.Table{
		Buckets: []throttler.Bucket{
			{Name: "requests_1m", Window: time.Minute, Capacity: 30, Scope: throttler.ScopeIP},
		},
		Fallback: []throttler.Contribution{{Bucket: "requests_1m", Weight: 1}},
	}
}

// DefaultTables maps every canonical to its default limit table.
func DefaultTables() map[Canonical]throttler.Table {
	return map[Canonical]throttler.Table{
		Binance:       BinanceTable(),
		Bybit:         BybitTable(),
		Bitget:        BitgetTable(),
		Kucoin:        KucoinTable(),
		Kraken:        KrakenTable(),
		Taapi:         TaapiTable(),
		CoinMarketCap: CoinMarketCapTable(),
		AlternativeMe: AlternativeMeTable(),
	}
}

// LoadTableOverrides merges a YAML file of per-canonical tables over the
// defaults. A canonical present in the file replaces its default table
// wholesale.
func LoadTableOverrides(path string, base map[Canonical]throttler.Table) (map[Canonical]throttler.Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limit overrides: %w", err)
	}
	var parsed map[string]throttler.Table
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse limit overrides: %w", err)
	}
	out := make(map[Canonical]throttler.Table, len(base))
	for k, v := range base {
		out[k] = v
	}
	for name, table := range parsed {
		if !Valid(name) {
			return nil, fmt.Errorf("limit overrides: unknown canonical %q", name)
		}
		out[Canonical(name)] = table
	}
	return out, nil
}
