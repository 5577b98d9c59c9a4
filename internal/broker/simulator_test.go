package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ronsonol82-hash/AiTrade/internal/model"
)

type fixedPriceSource struct{ price float64 }

func (f *fixedPriceSource) GetHistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]model.Kline, error) {
	return nil, nil
}

func (f *fixedPriceSource) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

func newTestSimulator(t *testing.T, price, startingEquity float64) *Simulator {
	t.Helper()
	return NewSimulator(SimulatorConfig{
		Name:           "sim",
		DataSource:     &fixedPriceSource{price: price},
		StartingEquity: startingEquity,
		StateDir:       t.TempDir(),
	})
}

func TestSimulatorOpensAndRevaluesPosition(t *testing.T) {
	sim := newTestSimulator(t, 100, 10000)
	ctx := context.Background()

	res, err := sim.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, Quantity: 1, Type: model.OrderTypeMarket})
	require.NoError(t, err)
	require.Equal(t, model.OrderFilled, res.Status)
	require.Greater(t, res.Price, 100.0, "buy fill must pay slippage above market")

	positions, err := sim.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, 1.0, positions[0].Quantity)
}

func TestSimulatorClosingRealizesPnL(t *testing.T) {
	sim := newTestSimulator(t, 100, 10000)
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, Quantity: 1, Type: model.OrderTypeMarket, Price: 100})
	require.NoError(t, err)

	sim.cfg.DataSource = &fixedPriceSource{price: 150}
	_, err = sim.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideSell, Quantity: 1, Type: model.OrderTypeLimit, Price: 150})
	require.NoError(t, err)

	acc, err := sim.GetAccountState(ctx)
	require.NoError(t, err)
	require.Greater(t, acc.Balance, 10000.0, "closing a profitable long must realize positive pnl into balance")
}

func TestSimulatorMarginCall(t *testing.T) {
	sim := newTestSimulator(t, 100, 10)
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideSell, Quantity: 100, Type: model.OrderTypeLimit, Price: 100})
	require.NoError(t, err)

	sim.cfg.DataSource = &fixedPriceSource{price: 1000}
	_, err = sim.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, Quantity: 1, Type: model.OrderTypeMarket})
	require.Error(t, err, "a position move that wipes out equity must fail the next order as a margin call")
}

func TestSimulatorStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	sim1 := NewSimulator(SimulatorConfig{Name: "sim", DataSource: &fixedPriceSource{price: 100}, StartingEquity: 10000, StateDir: dir})
	ctx := context.Background()
	_, err := sim1.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, Quantity: 1, Type: model.OrderTypeLimit, Price: 100})
	require.NoError(t, err)

	sim2 := NewSimulator(SimulatorConfig{Name: "sim", DataSource: &fixedPriceSource{price: 100}, StartingEquity: 10000, StateDir: dir})
	positions, err := sim2.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1, "restored simulator must see the position placed before restart")
}
