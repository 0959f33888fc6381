package exchanges

import (
	"context"

	"github.com/google/uuid"
)

// OrderRequest is the transport-neutral order shape atomic jobs hand to a
// gateway. Payload mapping to exchange wire formats happens inside the
// gateway implementations.
type OrderRequest struct {
	AccountID  uuid.UUID
	Symbol     string
	Side       string // BUY / SELL
	Kind       string // MARKET / LIMIT / STOP_MARKET / TAKE_PROFIT_MARKET
	Quantity   string
	Price      string
	ReduceOnly bool
	ClientID   string
}

type OrderAck struct {
	ExchangeOrderID string
	Status          string
	FilledQuantity  string
	AveragePrice    string
}

type PositionInfo struct {
	Symbol   string
	Side     string
	Quantity string
	Entry    string
}

// Gateway is the per-exchange transport collaborator. Implementations live
// outside the core (HTTP/WS clients, signers, payload mappers); the engine
// only depends on this contract. Every method maps to exactly one API call
// and is invoked from an atomic job after throttler admission.
type Gateway interface {
	Canonical() Canonical

	SetMarginMode(ctx context.Context, accountID uuid.UUID, symbol, mode string) error
	SetLeverage(ctx context.Context, accountID uuid.UUID, symbol string, leverage int) error
	MarkPrice(ctx context.Context, symbol string) (string, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, accountID uuid.UUID, symbol, exchangeOrderID string) error
	CancelAllOrders(ctx context.Context, accountID uuid.UUID, symbol string, algo bool) error
	QueryOrder(ctx context.Context, accountID uuid.UUID, symbol, exchangeOrderID string) (OrderAck, error)
	OpenOrders(ctx context.Context, accountID uuid.UUID, symbol string) ([]OrderAck, error)
	Positions(ctx context.Context, accountID uuid.UUID) ([]PositionInfo, error)
}

// Gateways resolves a canonical to its transport. Wiring registers one
// gateway per exchange account's canonical.
type Gateways interface {
	Gateway(c Canonical) (Gateway, bool)
}

type GatewayMap map[Canonical]Gateway

func (m GatewayMap) Gateway(c Canonical) (Gateway, bool) {
	g, ok := m[c]
	return g, ok
}
