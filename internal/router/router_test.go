package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ronsonol82-hash/AiTrade/internal/broker"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

// fakeBroker is a minimal in-memory broker.Broker used to exercise the
// router's routing, drawdown-guard, and fan-out logic without a real venue.
type fakeBroker struct {
	name      string
	equity    float64
	positions []model.Position
	openOrds  []model.OrderResult
	placed    []model.OrderRequest
	canceled  []string
	closedSym []string
}

func (f *fakeBroker) Name() string                        { return f.name }
func (f *fakeBroker) Initialize(ctx context.Context) error { return nil }
func (f *fakeBroker) Close() error                         { return nil }
func (f *fakeBroker) Capabilities() broker.Capabilities    { return broker.Capabilities{} }

func (f *fakeBroker) GetHistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]model.Kline, error) {
	return nil, nil
}
func (f *fakeBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}
func (f *fakeBroker) GetAccountState(ctx context.Context) (model.AccountState, error) {
	return model.AccountState{Equity: f.equity, Balance: f.equity, Broker: f.name}, nil
}
func (f *fakeBroker) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return f.positions, nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	f.placed = append(f.placed, req)
	return model.OrderResult{ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, Status: model.OrderFilled, Broker: f.name}, nil
}
func (f *fakeBroker) WaitForOrderFinal(ctx context.Context, orderID, clientID string, timeout time.Duration) (model.OrderResult, error) {
	return model.OrderResult{OrderID: orderID, ClientID: clientID, Status: model.OrderFilled, Broker: f.name}, nil
}
func (f *fakeBroker) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderResult, error) {
	return f.openOrds, nil
}
func (f *fakeBroker) CancelOrder(ctx context.Context, orderID, symbol string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}
func (f *fakeBroker) PlaceProtectionOrders(ctx context.Context, symbol string, qty float64, slPrice, tpPrice float64, slClientOID, tpClientOID string) (broker.PlanOrderIDs, error) {
	return broker.PlanOrderIDs{}, nil
}
func (f *fakeBroker) CancelPlanOrder(ctx context.Context, orderID, clientOID string) error { return nil }
func (f *fakeBroker) GetPlanSubOrder(ctx context.Context, planOrderID string) ([]model.OrderResult, error) {
	return nil, nil
}
func (f *fakeBroker) ClosePosition(ctx context.Context, symbol, reason string) error {
	f.closedSym = append(f.closedSym, symbol)
	return nil
}
func (f *fakeBroker) NormalizeQty(symbol string, qty float64) float64     { return qty }
func (f *fakeBroker) NormalizePrice(symbol string, price float64) float64 { return price }

var _ broker.Broker = (*fakeBroker)(nil)

func newTestLogger() *logging.Logger { return logging.Default() }

func TestExecuteOrderRoutesBySymbol(t *testing.T) {
	sim := &fakeBroker{name: "sim", equity: 10000}
	r := New(Config{AssetRouting: map[string]string{"BTCUSDT": "sim"}, DefaultBroker: "sim"},
		map[string]broker.Broker{"sim": sim}, newTestLogger())

	res, err := r.ExecuteOrder(context.Background(), false, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, Quantity: 1, Type: model.OrderTypeMarket}, time.Second)
	require.NoError(t, err)
	require.Equal(t, model.OrderFilled, res.Status)
	require.Len(t, sim.placed, 1)
}

func TestExecuteOrderFallsBackToDefaultBroker(t *testing.T) {
	sim := &fakeBroker{name: "sim", equity: 10000}
	r := New(Config{AssetRouting: map[string]string{}, DefaultBroker: "sim"},
		map[string]broker.Broker{"sim": sim}, newTestLogger())

	_, err := r.ExecuteOrder(context.Background(), false, model.OrderRequest{Symbol: "ETHUSDT", Side: model.SideSell, Quantity: 1, Type: model.OrderTypeMarket}, time.Second)
	require.NoError(t, err)
}

func TestDailyDrawdownBlocksBuysAfterLimitBreached(t *testing.T) {
	sim := &fakeBroker{name: "sim", equity: 10000}
	r := New(Config{AssetRouting: map[string]string{"BTCUSDT": "sim"}, DefaultBroker: "sim", MaxDailyDrawdown: 0.05},
		map[string]broker.Broker{"sim": sim}, newTestLogger())

	ctx := context.Background()
	// first call establishes the anchor
	_, err := r.ExecuteOrder(ctx, true, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, Quantity: 1, Type: model.OrderTypeMarket}, time.Second)
	require.NoError(t, err)

	sim.equity = 9000 // 10% drawdown, breaches 5% limit
	_, err = r.ExecuteOrder(ctx, true, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, Quantity: 1, Type: model.OrderTypeMarket}, time.Second)
	require.Error(t, err, "a buy after the drawdown anchor drops 10%% must be blocked by the 5%% guard")

	sim.equity = 1
	_, err = r.ExecuteOrder(ctx, true, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideSell, Quantity: 1, Type: model.OrderTypeMarket}, time.Second)
	require.NoError(t, err, "exits must never be blocked by the drawdown guard")
}

func TestDailyDrawdownGlobalFallbackBlocksEveryBroker(t *testing.T) {
	a := &fakeBroker{name: "a", equity: 5000}
	b := &fakeBroker{name: "b", equity: 5000}
	c := &fakeBroker{name: "c", equity: 5000}
	r := New(Config{
		AssetRouting:     map[string]string{"AAA": "a", "BBB": "b", "CCC": "c"},
		DefaultBroker:    "a",
		MaxDailyDrawdown: 0.05,
	}, map[string]broker.Broker{"a": a, "b": b, "c": c}, newTestLogger())

	ctx := context.Background()
	buy := func(symbol string) error {
		_, err := r.ExecuteOrder(ctx, true, model.OrderRequest{Symbol: symbol, Side: model.SideBuy, Quantity: 1, Type: model.OrderTypeMarket}, time.Second)
		return err
	}

	// Seed per-broker anchors.
	require.NoError(t, buy("AAA"))
	require.NoError(t, buy("BBB"))
	require.NoError(t, buy("CCC"))

	// Broker a breaches its own limit; this also seeds the global anchor
	// (aggregated equity across a, b, c) without blocking anything yet.
	a.equity = 4000
	require.Error(t, buy("AAA"))
	require.NoError(t, buy("CCC"), "global anchor seeding must not itself block other brokers")

	// Broker b now breaches too, dropping aggregated equity far enough to
	// also breach the global anchor captured above.
	b.equity = 3000
	require.Error(t, buy("BBB"))

	// c never breached its own per-broker limit, but the global fallback
	// must block it too for the remainder of the day.
	require.Error(t, buy("CCC"), "global daily drawdown fallback must block brokers that haven't themselves breached")
}

func TestCloseAllPositionsCancelsThenCloses(t *testing.T) {
	sim := &fakeBroker{
		name:      "sim",
		equity:    10000,
		positions: []model.Position{{Symbol: "BTCUSDT", Quantity: 1, Broker: "sim"}},
		openOrds:  []model.OrderResult{{OrderID: "o1"}},
	}
	r := New(Config{AssetRouting: map[string]string{"BTCUSDT": "sim"}, DefaultBroker: "sim"},
		map[string]broker.Broker{"sim": sim}, newTestLogger())

	r.CloseAllPositions(context.Background(), "kill_switch")

	require.Equal(t, []string{"o1"}, sim.canceled)
	require.Equal(t, []string{"BTCUSDT"}, sim.closedSym)
}
