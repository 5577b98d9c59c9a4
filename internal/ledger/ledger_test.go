package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ronsonol82-hash/AiTrade/internal/errkind"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestReserveOrderFreshInsert(t *testing.T) {
	l := openTestLedger(t)

	ok, err := l.ReserveOrder("cid-1", "sim", "BTCUSDT", model.RoleEntry, model.SideBuy, map[string]any{"qty": 1.0})
	require.NoError(t, err)
	require.True(t, ok)

	o, err := l.GetOrder("cid-1")
	require.NoError(t, err)
	require.Equal(t, model.OrderReserved, o.Status)
	require.Equal(t, 1.0, o.Payload["qty"])
}

func TestReserveOrderRefusesLiveDuplicate(t *testing.T) {
	l := openTestLedger(t)

	ok, err := l.ReserveOrder("cid-2", "sim", "ETHUSDT", model.RoleEntry, model.SideBuy, nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.MarkOrderSubmitted("cid-2", "venue-123", nil))

	ok, err = l.ReserveOrder("cid-2", "sim", "ETHUSDT", model.RoleEntry, model.SideBuy, nil)
	require.NoError(t, err)
	require.False(t, ok, "a submitted order must not be re-reservable")
}

func TestReserveOrderRetriesAfterFailure(t *testing.T) {
	l := openTestLedger(t)

	ok, err := l.ReserveOrder("cid-3", "sim", "ETHUSDT", model.RoleEntry, model.SideSell, map[string]any{"attempt": 1.0})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.MarkOrderFinal("cid-3", model.OrderFailed, map[string]any{"error": "timeout"}))

	ok, err = l.ReserveOrder("cid-3", "sim", "ETHUSDT", model.RoleEntry, model.SideSell, map[string]any{"attempt": 2.0})
	require.NoError(t, err)
	require.True(t, ok, "a failed order must be re-reservable")

	o, err := l.GetOrder("cid-3")
	require.NoError(t, err)
	require.Equal(t, model.OrderReserved, o.Status)
	require.Equal(t, "", o.OrderID)
	require.Equal(t, 2.0, o.Payload["attempt"], "new payload must win over stale")
	require.Equal(t, "timeout", o.Payload["error"], "prior payload keys must survive the merge")
	require.Equal(t, 1.0, o.Payload["_retry_n"])
}

func TestMarkOrderFinalRejectsNonTerminalStatus(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.ReserveOrder("cid-4", "sim", "BTCUSDT", model.RoleEntry, model.SideBuy, nil)
	require.NoError(t, err)

	err = l.MarkOrderFinal("cid-4", model.OrderSubmitted, nil)
	require.Error(t, err)
}

func TestGetOrderNotFound(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.GetOrder("does-not-exist")
	require.ErrorIs(t, err, errkind.ErrNotFound)
}

func TestTradeLifecycle(t *testing.T) {
	l := openTestLedger(t)

	tr := &model.Trade{
		TradeID:       "trade-1",
		StrategyID:    "mean-reversion",
		Broker:        "sim",
		Symbol:        "BTCUSDT",
		Side:          model.SideBuy,
		SignalID:      "sig-1",
		EntryClientID: "cid-entry-1",
		Status:        model.TradeOpen,
	}
	require.NoError(t, l.UpsertTrade(tr))

	require.NoError(t, l.SetTradeEntry("trade-1", 50000.0, 0.01))

	open, err := l.GetOpenTrade("sim", "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 50000.0, open.EntryPrice)

	has, err := l.HasOpenTrade("sim", "BTCUSDT")
	require.NoError(t, err)
	require.True(t, has)

	price, err := l.GetTradeEntryPrice("trade-1")
	require.NoError(t, err)
	require.Equal(t, 50000.0, price)

	require.NoError(t, l.CloseTrade("trade-1", 51000.0, "tp"))

	has, err = l.HasOpenTrade("sim", "BTCUSDT")
	require.NoError(t, err)
	require.False(t, has)
}

func TestAbortTrade(t *testing.T) {
	l := openTestLedger(t)
	tr := &model.Trade{TradeID: "trade-2", Broker: "sim", Symbol: "BTCUSDT", Side: model.SideBuy, Status: model.TradeOpen}
	require.NoError(t, l.UpsertTrade(tr))

	require.NoError(t, l.AbortTrade("trade-2", "entry_rejected"))

	has, err := l.HasOpenTrade("sim", "BTCUSDT")
	require.NoError(t, err)
	require.False(t, has)
}

func TestListOpenTradesFiltersByBroker(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.UpsertTrade(&model.Trade{TradeID: "t-a", Broker: "sim", Symbol: "BTCUSDT", Side: model.SideBuy, Status: model.TradeOpen}))
	require.NoError(t, l.UpsertTrade(&model.Trade{TradeID: "t-b", Broker: "other", Symbol: "ETHUSDT", Side: model.SideSell, Status: model.TradeOpen}))

	all, err := l.ListOpenTrades("")
	require.NoError(t, err)
	require.Len(t, all, 2)

	simOnly, err := l.ListOpenTrades("sim")
	require.NoError(t, err)
	require.Len(t, simOnly, 1)
	require.Equal(t, "t-a", simOnly[0].TradeID)
}
