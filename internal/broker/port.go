// Package broker defines the uniform venue contract (C4) and its adapters:
// a live HMAC-signed spot venue, a live bearer-token equities venue, and a
// persistent paper-trading simulator. The router only ever talks to this
// interface; it never branches on adapter type.
package broker

import (
	"context"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/model"
)

// Capabilities replaces the source's runtime hasattr/reflection-based
// duck-typing with an explicit, populated-at-initialize record. The router
// and protection engine read these fields instead of probing the adapter.
type Capabilities struct {
	SupportsNativeProtections bool
	SupportsPlanSubOrders     bool
	SupportsCancelPlan        bool
	SignedQuantities          bool
}

// PlanOrderIDs is the result of arming a native broker-side protection pair.
type PlanOrderIDs struct {
	SLOrderID string
	TPOrderID string
}

// Broker is the contract every venue adapter implements. All methods are
// safe to call concurrently; each adapter owns its own rate limiter.
type Broker interface {
	// Name returns the broker identifier used as a map key and as the
	// "broker" field stamped onto every order/trade/position it produces.
	Name() string

	// Initialize loads symbol precision rules and readies the transport.
	// Failure here is fatal to the adapter.
	Initialize(ctx context.Context) error

	// Close releases transport resources (HTTP clients, sockets).
	Close() error

	// Capabilities returns the capability set populated during Initialize.
	Capabilities() Capabilities

	GetHistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]model.Kline, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetAccountState(ctx context.Context) (model.AccountState, error)
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// PlaceOrder is at-least-once safe: on an ambiguous network/HTTP error
	// the adapter must look up the order by client_id at the venue before
	// ever retrying the submission itself.
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	WaitForOrderFinal(ctx context.Context, orderID, clientID string, timeout time.Duration) (model.OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error

	// PlaceProtectionOrders arms native SL/TP plan orders. Only meaningful
	// when Capabilities().SupportsNativeProtections is true; an empty
	// order_id for a requested leg is a failure, not a no-op.
	PlaceProtectionOrders(ctx context.Context, symbol string, qty float64, slPrice, tpPrice float64, slClientOID, tpClientOID string) (PlanOrderIDs, error)
	CancelPlanOrder(ctx context.Context, orderID, clientOID string) error
	GetPlanSubOrder(ctx context.Context, planOrderID string) ([]model.OrderResult, error)

	ClosePosition(ctx context.Context, symbol, reason string) error

	NormalizeQty(symbol string, qty float64) float64
	NormalizePrice(symbol string, price float64) float64
}
