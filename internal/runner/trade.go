package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/idgen"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/internal/protection"
)

const orderConfirmTimeout = 15 * time.Second

// executeTradeBuy resolves the broker, applies the pullback filter, sizes
// the position, reserves and submits the entry order, then either arms
// protections (terminal fill), aborts the trade (terminal non-fill), or
// parks a pending_entry protection (ambiguous status) and immediately
// re-runs the protective check to self-heal. Mirrors execute_trade's buy
// branch.
func (r *Runner) executeTradeBuy(ctx context.Context, traceID, symbol string, sig model.Signal, signalID string, risk float64) {
	log := r.log.With("trace_id", traceID, "symbol", symbol)

	b, err := r.router.BrokerForSymbol(symbol)
	if err != nil {
		log.Warn("no broker for symbol", "err", err)
		return
	}
	brokerName := b.Name()

	currentPrice, err := b.GetCurrentPrice(ctx, symbol)
	if err != nil {
		log.Warn("get current price failed", "err", err)
		return
	}

	if r.cfg.PullbackMult > 0.001 && sig.ATR > 0 {
		target := sig.Close - sig.ATR*r.cfg.PullbackMult
		if currentPrice > target {
			log.Info("pullback: waiting for better entry", "current", currentPrice, "target", target)
			return
		}
	}

	acc, err := b.GetAccountState(ctx)
	if err != nil {
		log.Warn("get account state failed", "err", err)
		return
	}

	qtyRaw := positionSize(acc.Equity, sig.ATR, risk, r.cfg.SLMult, currentPrice, r.cfg.MaxPositionNotional)
	qty := b.NormalizeQty(symbol, qtyRaw)
	if qty <= 0 {
		log.Info("qty normalized to zero, skip")
		return
	}

	tradeID := idgen.TradeID(brokerName, symbol, signalID)
	entryClientID := idgen.ClientID(brokerName, symbol, string(model.RoleEntry), signalID)

	reserved, err := r.ledger.ReserveOrder(entryClientID, brokerName, symbol, model.RoleEntry, model.SideBuy, map[string]any{
		"qty": qty, "price": currentPrice, "signal_id": signalID, "p": sig.PLong,
	})
	if err != nil {
		log.Warn("reserve entry order failed", "err", err)
		return
	}
	if !reserved {
		log.Info("entry already reserved, skip")
		return
	}

	if err := r.ledger.UpsertTrade(&model.Trade{
		TradeID: tradeID, StrategyID: r.cfg.StrategyID, Broker: brokerName, Symbol: symbol,
		Side: model.SideBuy, SignalID: signalID, EntryClientID: entryClientID, Status: model.TradeOpen,
	}); err != nil {
		log.Warn("upsert trade failed", "err", err)
		return
	}

	res, err := r.router.ExecuteOrder(ctx, r.cfg.Live, model.OrderRequest{
		Symbol: symbol, Side: model.SideBuy, Quantity: qty, Type: model.OrderTypeMarket, ClientID: entryClientID,
	}, orderConfirmTimeout)
	if err != nil {
		_ = r.ledger.MarkOrderFinal(entryClientID, model.OrderFailed, map[string]any{"error": err.Error()})
		_ = r.ledger.AbortTrade(tradeID, fmt.Sprintf("entry_failed:%v", err))
		log.Warn("entry submit failed", "err", err)
		return
	}
	_ = r.ledger.MarkOrderSubmitted(entryClientID, res.OrderID, map[string]any{"qty": qty})

	fillPrice := res.Price
	if fillPrice == 0 {
		fillPrice = currentPrice
	}

	if res.Status.IsTerminal() {
		_ = r.ledger.MarkOrderFinal(entryClientID, res.Status, map[string]any{"price": fillPrice})
		if res.Status != model.OrderFilled {
			_ = r.ledger.AbortTrade(tradeID, fmt.Sprintf("entry_not_filled:%s", res.Status))
			log.Info("entry not filled, trade aborted", "status", res.Status)
			return
		}
		_ = r.ledger.SetTradeEntry(tradeID, fillPrice, qty)
	} else {
		r.prot.ArmPendingEntry(protection.ArmParams{
			Broker: brokerName, Symbol: symbol, TradeID: tradeID, SignalID: signalID,
			Side: model.SideBuy, Qty: qty, ATR: sig.ATR, SLMult: r.cfg.SLMult, TPMult: r.cfg.TPMult,
			UseNative: r.cfg.UseNativeProtections,
		}, entryClientID, res.OrderID)
		log.Info("entry confirmation pending, parked as pending_entry", "status", res.Status)
		r.prot.CheckAll(ctx, nil)
		return
	}

	if err := r.prot.ArmEntry(ctx, protection.ArmParams{
		Broker: brokerName, Symbol: symbol, TradeID: tradeID, SignalID: signalID,
		Side: model.SideBuy, Qty: qty, EntryPrice: fillPrice, ATR: sig.ATR,
		SLMult: r.cfg.SLMult, TPMult: r.cfg.TPMult, UseNative: r.cfg.UseNativeProtections,
	}); err != nil {
		log.Warn("arm entry protections failed", "err", err)
	}
}

// executeTradeSell closes an existing long position on a short signal:
// reserve exit, submit market sell, and only finalize the ledger/trade and
// drop protections on a truly terminal fill. A pending/unknown status must
// not close the trade; the next protective check or reconcile pass
// resolves it. Mirrors execute_trade's sell branch.
func (r *Runner) executeTradeSell(ctx context.Context, traceID, symbol, signalID string) {
	log := r.log.With("trace_id", traceID, "symbol", symbol)

	b, err := r.router.BrokerForSymbol(symbol)
	if err != nil {
		log.Warn("no broker for symbol", "err", err)
		return
	}
	brokerName := b.Name()

	positions, err := r.router.ListAllPositions(ctx)
	if err != nil {
		log.Warn("list positions failed", "err", err)
		return
	}
	var qty float64
	for _, p := range positions {
		if p.Symbol == symbol && p.Quantity > 0 {
			qty = p.Quantity
			break
		}
	}
	if qty <= 0 {
		log.Info("sell skip: no position")
		return
	}

	openTrade, _ := r.ledger.GetOpenTrade(brokerName, symbol)
	tradeID := signalID
	tradeSignalID := signalID
	if openTrade != nil {
		tradeID = openTrade.TradeID
		if openTrade.SignalID != "" {
			tradeSignalID = openTrade.SignalID
		}
	} else {
		tradeID = idgen.TradeID(brokerName, symbol, signalID)
	}

	exitClientID := idgen.ClientID(brokerName, symbol, string(model.RoleExit), tradeSignalID)
	reserved, err := r.ledger.ReserveOrder(exitClientID, brokerName, symbol, model.RoleExit, model.SideSell, map[string]any{
		"reason": "signal_exit", "qty": qty, "signal_id": signalID,
	})
	if err != nil {
		log.Warn("reserve exit order failed", "err", err)
		return
	}
	if !reserved {
		log.Info("exit already reserved, skip")
		return
	}

	res, err := r.router.ExecuteOrder(ctx, r.cfg.Live, model.OrderRequest{
		Symbol: symbol, Side: model.SideSell, Quantity: qty, Type: model.OrderTypeMarket, ClientID: exitClientID,
	}, orderConfirmTimeout)
	if err != nil {
		_ = r.ledger.MarkOrderFinal(exitClientID, model.OrderFailed, map[string]any{"error": err.Error()})
		log.Warn("exit submit failed", "err", err)
		return
	}
	_ = r.ledger.MarkOrderSubmitted(exitClientID, res.OrderID, map[string]any{"qty": qty})

	if !res.Status.IsTerminal() {
		log.Info("exit confirmation pending, trade not yet closed", "status", res.Status)
		return
	}
	px := res.Price
	if px == 0 {
		if cp, err := b.GetCurrentPrice(ctx, symbol); err == nil {
			px = cp
		}
	}
	_ = r.ledger.MarkOrderFinal(exitClientID, res.Status, map[string]any{"price": px})

	if res.Status != model.OrderFilled {
		log.Info("exit not filled, trade left open", "status", res.Status)
		return
	}

	_ = r.ledger.CloseTrade(tradeID, px, "signal_exit")

	if prot, ok := r.prot.Get(symbol); ok {
		r.prot.CancelNativeProtections(ctx, prot)
		r.prot.Drop(symbol)
	}
	log.Info("exit filled", "qty", qty, "price", px)
}
