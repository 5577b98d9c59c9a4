package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ronsonol82-hash/AiTrade/internal/alert"
	"github.com/ronsonol82-hash/AiTrade/internal/broker"
	"github.com/ronsonol82-hash/AiTrade/internal/ledger"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/internal/protection"
	"github.com/ronsonol82-hash/AiTrade/internal/router"
	"github.com/ronsonol82-hash/AiTrade/internal/statestore"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

// fakeBroker is a minimal in-memory broker.Broker, same shape as the one
// router_test.go uses to exercise the router without a live venue.
type fakeBroker struct {
	name      string
	equity    float64
	positions []model.Position
	price     float64
}

func (f *fakeBroker) Name() string                        { return f.name }
func (f *fakeBroker) Initialize(ctx context.Context) error { return nil }
func (f *fakeBroker) Close() error                         { return nil }
func (f *fakeBroker) Capabilities() broker.Capabilities    { return broker.Capabilities{} }

func (f *fakeBroker) GetHistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]model.Kline, error) {
	return nil, nil
}
func (f *fakeBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}
func (f *fakeBroker) GetAccountState(ctx context.Context) (model.AccountState, error) {
	return model.AccountState{Equity: f.equity}, nil
}
func (f *fakeBroker) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return f.positions, nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	return model.OrderResult{Status: model.OrderFilled, Price: f.price}, nil
}
func (f *fakeBroker) WaitForOrderFinal(ctx context.Context, orderID, clientID string, timeout time.Duration) (model.OrderResult, error) {
	return model.OrderResult{Status: model.OrderFilled, Price: f.price}, nil
}
func (f *fakeBroker) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderResult, error) {
	return nil, nil
}
func (f *fakeBroker) CancelOrder(ctx context.Context, orderID, symbol string) error { return nil }
func (f *fakeBroker) PlaceProtectionOrders(ctx context.Context, symbol string, qty float64, slPrice, tpPrice float64, slClientOID, tpClientOID string) (broker.PlanOrderIDs, error) {
	return broker.PlanOrderIDs{}, nil
}
func (f *fakeBroker) CancelPlanOrder(ctx context.Context, orderID, clientOID string) error {
	return nil
}
func (f *fakeBroker) GetPlanSubOrder(ctx context.Context, planOrderID string) ([]model.OrderResult, error) {
	return nil, nil
}
func (f *fakeBroker) ClosePosition(ctx context.Context, symbol, reason string) error { return nil }
func (f *fakeBroker) NormalizeQty(symbol string, qty float64) float64               { return qty }
func (f *fakeBroker) NormalizePrice(symbol string, price float64) float64           { return price }

var _ broker.Broker = (*fakeBroker)(nil)

func newTestRunner(t *testing.T, b *fakeBroker) (*Runner, *ledger.Ledger) {
	t.Helper()
	log := logging.New(&logging.Config{Level: "error"})

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	rt := router.New(router.Config{DefaultBroker: b.name}, map[string]broker.Broker{b.name: b}, log)
	store := statestore.New(t.TempDir(), "runner_state.json", "protections.json", "heartbeat.json", "kill_switch.json")
	prot := protection.New(protection.Config{}, l, rt, store, log)
	alerter := alert.New("", "", false, log)

	r := New(Config{StrategyID: "test"}, l, rt, prot, store, alerter, log)
	return r, l
}

// TestReconcileOnStartupAdoptsOrphanBeforeClosingVanished asserts the
// orphan-before-vanished ordering: a venue position with no ledger trade is
// adopted even when, in the same pass, a different ledger trade is found
// with no matching venue position.
func TestReconcileOnStartupAdoptsOrphanBeforeClosingVanished(t *testing.T) {
	b := &fakeBroker{
		name:  "sim",
		price: 100,
		positions: []model.Position{
			{Symbol: "ORPHAN", Quantity: 2, AvgPrice: 95, Broker: "sim"},
		},
	}
	r, l := newTestRunner(t, b)
	ctx := context.Background()

	require.NoError(t, l.UpsertTrade(&model.Trade{
		TradeID: "vanished-1", StrategyID: "test", Broker: "sim", Symbol: "VANISHED",
		Side: model.SideBuy, SignalID: "sig-1", EntryClientID: "entry-vanished", Status: model.TradeOpen,
	}))
	require.NoError(t, l.SetTradeEntry("vanished-1", 50, 1))

	r.ReconcileOnStartup(ctx)

	hasOrphan, err := l.HasOpenTrade("sim", "ORPHAN")
	require.NoError(t, err)
	require.True(t, hasOrphan, "orphan position must be adopted as an open trade")

	vanished, err := l.ListOpenTrades("sim")
	require.NoError(t, err)
	for _, tr := range vanished {
		require.NotEqual(t, "VANISHED", tr.Symbol, "vanished trade must be closed")
	}
}

func TestReconcileOnStartupLeavesMatchedPositionAlone(t *testing.T) {
	b := &fakeBroker{
		name:  "sim",
		price: 100,
		positions: []model.Position{
			{Symbol: "HELD", Quantity: 1, AvgPrice: 90, Broker: "sim"},
		},
	}
	r, l := newTestRunner(t, b)
	ctx := context.Background()

	require.NoError(t, l.UpsertTrade(&model.Trade{
		TradeID: "held-1", StrategyID: "test", Broker: "sim", Symbol: "HELD",
		Side: model.SideBuy, SignalID: "sig-1", EntryClientID: "entry-held", Status: model.TradeOpen,
	}))
	require.NoError(t, l.SetTradeEntry("held-1", 90, 1))

	r.ReconcileOnStartup(ctx)

	trades, err := l.ListOpenTrades("sim")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "held-1", trades[0].TradeID)
}
