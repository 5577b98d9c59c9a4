// Package model holds the shared data types that flow between the ledger,
// broker adapters, router, protection engine, and strategy runner.
package model

import "time"

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType selects market vs limit execution at the venue.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRole distinguishes why an order was placed, independent of its venue type.
type OrderRole string

const (
	RoleEntry     OrderRole = "entry"
	RoleExit      OrderRole = "exit"
	RoleSL        OrderRole = "sl"
	RoleTP        OrderRole = "tp"
	RoleSLTrail   OrderRole = "sl_trail"
	RolePanicExit OrderRole = "panic_exit"
	RoleTimeExit  OrderRole = "time_exit"
)

// OrderStatus is the lifecycle state of a ledger order row.
type OrderStatus string

const (
	OrderReserved  OrderStatus = "reserved"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderCanceled  OrderStatus = "canceled"
	OrderRejected  OrderStatus = "rejected"
	OrderFailed    OrderStatus = "failed"
	OrderPending   OrderStatus = "pending"
	OrderUnknown   OrderStatus = "unknown"
)

// IsTerminal reports whether the status will not transition again on its own.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderFailed:
		return true
	default:
		return false
	}
}

// IsRetryableNegative reports whether a reserve_order call may re-use the client_id.
func (s OrderStatus) IsRetryableNegative() bool {
	switch s {
	case OrderFailed, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// TradeStatus is the lifecycle state of a ledger trade row.
type TradeStatus string

const (
	TradeOpen     TradeStatus = "open"
	TradeClosed   TradeStatus = "closed"
	TradeAborted  TradeStatus = "aborted"
)

// ProtectionMode selects how a symbol's stop-loss/take-profit are enforced.
type ProtectionMode string

const (
	ProtectionPendingEntry ProtectionMode = "pending_entry"
	ProtectionSynthetic    ProtectionMode = "synthetic"
	ProtectionNative       ProtectionMode = "native"
)

// Signal is one time-indexed row of the per-symbol directional signal sequence.
type Signal struct {
	Symbol    string
	Timestamp time.Time
	PLong     float64
	PShort    float64
	Regime    int
	ATR       float64
	Close     float64

	// WhaleFootprint and IcebergPressure are opaque per-bar inputs produced by
	// the (out of scope) signal provider; the engine only consumes them to
	// widen trail offsets. Zero value means "no signal".
	WhaleFootprint int
	IcebergPressure float64
}

// Trade is the ledger's record of an open or closed position lifecycle.
type Trade struct {
	TradeID       string
	StrategyID    string
	Broker        string
	Symbol        string
	Side          Side
	SignalID      string
	EntryClientID string
	Status        TradeStatus
	EntryPrice    float64
	EntryQty      float64
	ExitPrice     float64
	ExitReason    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Order is the ledger's idempotency-gated record of a single venue submission.
type Order struct {
	ClientID  string
	Broker    string
	Symbol    string
	Role      OrderRole
	Side      Side
	Status    OrderStatus
	OrderID   string
	Payload   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Protection is the per-symbol stop-loss/take-profit/trailing state.
type Protection struct {
	Mode       ProtectionMode
	Broker     string
	Symbol     string
	TradeID    string
	SignalID   string
	Side       Side
	Qty        float64
	SL         float64
	TP         float64
	ATR        float64
	SLMult     float64
	TPMult     float64
	SLClientID string
	TPClientID string

	// Native plan-order ids, populated only when Mode == ProtectionNative.
	NativeSLOrderID string
	NativeTPOrderID string

	UseNative bool

	// EntryClientID/EntryOrderID/QtyExpected are populated only while
	// Mode == ProtectionPendingEntry: the entry fill was ambiguous (timed
	// out or returned a non-terminal status), so the engine waits for the
	// position to appear before arming real SL/TP.
	EntryClientID string
	EntryOrderID  string
	QtyExpected   float64

	EntryPrice float64
	// Watermark is the running max (long) / min (short) price since entry.
	Watermark float64

	TrailLastTS time.Time
	TrailCount  int

	// MoonActive latches once price has rocketed far enough from entry (or a
	// whale footprint fired early); once set it never clears for the trade's
	// remaining life and widens the trail multiplier.
	MoonActive bool

	LastPrice float64
	CreatedAt time.Time
}

// Position is venue truth for an open position; never fabricated locally.
type Position struct {
	Symbol        string
	Quantity      float64
	AvgPrice      float64
	LastPrice     float64
	UnrealizedPnL float64
	Broker        string
}

// AccountState is per-broker aggregated equity/balance.
type AccountState struct {
	Equity     float64
	Balance    float64
	Currency   string
	MarginUsed float64
	Broker     string
}

// OrderRequest is what the runner/router asks a broker adapter to place.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity float64
	Type     OrderType
	Price    float64
	ClientID string
}

// OrderResult is what a broker adapter returns for any order operation.
type OrderResult struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     Side
	Quantity float64
	Price    float64
	Status   OrderStatus
	Broker   string
}

// Kline is one OHLCV bar in a historical series.
type Kline struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
