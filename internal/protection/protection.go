// Package protection implements the protection engine (C6): arming
// stop-loss/take-profit at entry confirmation (native plan orders where the
// venue supports them, synthetic polling otherwise), resolving an
// ambiguously-confirmed entry via a pending-entry TTL, the adaptive
// trailing stop (breakeven + trail stages, Moon Mode latch), the time-exit
// guard, and the panic-close fallback. Grounded on
// async_strategy_runner.py's _check_protective_exits / execute_trade's
// protection-arming tail / _panic_close_unprotected, restructured into the
// teacher's "one package owns one concern, exposes a handful of verbs"
// shape used by internal/router.
package protection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/broker"
	"github.com/ronsonol82-hash/AiTrade/internal/errkind"
	"github.com/ronsonol82-hash/AiTrade/internal/idgen"
	"github.com/ronsonol82-hash/AiTrade/internal/ledger"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/internal/router"
	"github.com/ronsonol82-hash/AiTrade/internal/statestore"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

// Config is the engine's tuning knobs, lifted verbatim from the env keys in
// internal/config.Config (spec.md §6 / SPEC_FULL §2.3).
type Config struct {
	UseNativeProtections  bool
	StrictProtectionsLive bool
	Live                  bool
	PendingEntryMaxAgeS   int
	MaxHoldS              int // 0 disables the time-exit guard

	DynamicTrailBreakevenATR       float64
	DynamicTrailBreakevenBufferATR float64
	DynamicTrailTriggerDistATR     float64
	DynamicTrailOffsetATR          float64
	DynamicTrailMinStepATR         float64
	DynamicTrailMinGapPct          float64
	DynamicTrailCooldownS          int
}

// Engine owns the live per-symbol protection map and every action that
// arms, trails, or tears one down.
type Engine struct {
	cfg    Config
	ledger *ledger.Ledger
	router *router.Router
	store  *statestore.Store
	log    *logging.Logger

	mu          sync.Mutex
	protections map[string]*model.Protection

	killMu sync.RWMutex
	killed bool
}

// New builds an Engine, restoring the protection map persisted from a prior
// run (the crash-safe JSON snapshot C2 already provides).
func New(cfg Config, l *ledger.Ledger, r *router.Router, store *statestore.Store, log *logging.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		ledger:      l,
		router:      r,
		store:       store,
		log:         log.Component("protection"),
		protections: store.LoadProtections(),
	}
}

// SetKillSwitchActive blocks every order-submitting action once tripped,
// mirroring the source's process-local `_kill_switch_active` flag.
func (e *Engine) SetKillSwitchActive(active bool) {
	e.killMu.Lock()
	e.killed = active
	e.killMu.Unlock()
}

func (e *Engine) killSwitchActive() bool {
	e.killMu.RLock()
	defer e.killMu.RUnlock()
	return e.killed
}

// Snapshot returns a shallow copy of the live protection map, used by the
// runner's startup reconciliation to compare against broker truth.
func (e *Engine) Snapshot() map[string]*model.Protection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*model.Protection, len(e.protections))
	for k, v := range e.protections {
		out[k] = v
	}
	return out
}

// Get returns the protection armed for symbol, if any.
func (e *Engine) Get(symbol string) (*model.Protection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.protections[symbol]
	return p, ok
}

// Drop removes symbol's protection entry and persists the change.
func (e *Engine) Drop(symbol string) {
	e.mu.Lock()
	delete(e.protections, symbol)
	e.mu.Unlock()
	e.persist()
}

// Replace installs prot as the live entry for symbol and persists.
func (e *Engine) Replace(symbol string, prot *model.Protection) {
	e.mu.Lock()
	e.protections[symbol] = prot
	e.mu.Unlock()
	e.persist()
}

// ReconcileMissingPosition drops symbol's protection without touching the
// ledger, used when startup reconciliation finds the position is already
// gone (SL/TP fired while the process was down).
func (e *Engine) ReconcileMissingPosition(symbol string) {
	e.Drop(symbol)
}

func (e *Engine) persist() {
	e.mu.Lock()
	snapshot := make(map[string]*model.Protection, len(e.protections))
	for k, v := range e.protections {
		snapshot[k] = v
	}
	e.mu.Unlock()
	if err := e.store.SaveProtections(snapshot); err != nil {
		e.log.Warn("persist protections failed", "err", err)
	}
}

// sideLong/sideShort are the two directions a protection can guard. Spot
// venues are long-only today but the formulas below are side-parameterized
// per spec.md §9's mandated fix: the source computed SL/TP and hit checks
// as if every position were long, which silently inverted protection for
// any short.
func isLong(side model.Side) bool { return side != model.SideSell }

// ComputeSLTP derives stop-loss/take-profit from entry/atr/multipliers,
// mirrored across side: long SL sits below entry and TP above; short SL
// sits above entry and TP below.
func ComputeSLTP(side model.Side, entry, atr, slMult, tpMult float64) (sl, tp float64) {
	if atr <= 0 {
		return 0, 0
	}
	if isLong(side) {
		if slMult > 0 {
			sl = entry - atr*slMult
		}
		if tpMult > 0 {
			tp = entry + atr*tpMult
		}
		return sl, tp
	}
	if slMult > 0 {
		sl = entry + atr*slMult
	}
	if tpMult > 0 {
		tp = entry - atr*tpMult
	}
	return sl, tp
}

// ArmParams bundles what ArmEntry needs to place native-or-synthetic
// protections for an already-confirmed fill.
type ArmParams struct {
	Broker     string
	Symbol     string
	TradeID    string
	SignalID   string
	Side       model.Side
	Qty        float64
	EntryPrice float64
	ATR        float64
	SLMult     float64
	TPMult     float64
	UseNative  bool
}

// ArmEntry computes side-parameterized SL/TP and arms native protections if
// the venue supports them and UseNative is set, falling back to synthetic
// monitoring. In LIVE strict mode, a venue that supports native protections
// but fails to arm them triggers a panic close rather than leaving the
// position unprotected. Mirrors the tail of execute_trade's buy branch.
func (e *Engine) ArmEntry(ctx context.Context, p ArmParams) error {
	sl, tp := ComputeSLTP(p.Side, p.EntryPrice, p.ATR, p.SLMult, p.TPMult)

	if sl == 0 && tp == 0 {
		if e.strictLive() {
			return e.PanicClose(ctx, p.Symbol, p.Broker, p.TradeID, "protections_missing_prices", p.SignalID)
		}
		e.log.Warn("entry finalized with no SL/TP", "symbol", p.Symbol, "atr", p.ATR)
		return nil
	}

	b := e.router.Broker(p.Broker)
	if b == nil {
		return fmt.Errorf("protection: no broker %q for %s", p.Broker, p.Symbol)
	}

	if p.UseNative && b.Capabilities().SupportsNativeProtections {
		prot, err := e.armNative(ctx, b, p, sl, tp)
		if err == nil {
			e.Replace(p.Symbol, prot)
			return nil
		}
		e.log.Warn("native protections failed, falling back to synthetic", "symbol", p.Symbol, "err", err)
		if e.strictLive() {
			return e.PanicClose(ctx, p.Symbol, p.Broker, p.TradeID, "native_protections_failed", p.SignalID)
		}
	}

	e.Replace(p.Symbol, e.syntheticProtection(p, sl, tp))
	return nil
}

func (e *Engine) syntheticProtection(p ArmParams, sl, tp float64) *model.Protection {
	prot := &model.Protection{
		Mode:       model.ProtectionSynthetic,
		Broker:     p.Broker,
		Symbol:     p.Symbol,
		TradeID:    p.TradeID,
		SignalID:   p.SignalID,
		Side:       p.Side,
		Qty:        p.Qty,
		SL:         sl,
		TP:         tp,
		ATR:        p.ATR,
		SLMult:     p.SLMult,
		TPMult:     p.TPMult,
		EntryPrice: p.EntryPrice,
		Watermark:  p.EntryPrice,
		LastPrice:  p.EntryPrice,
		CreatedAt:  now(),
	}
	if sl != 0 {
		prot.SLClientID = idgen.ClientID(p.Broker, p.Symbol, string(model.RoleSL), p.SignalID)
	}
	if tp != 0 {
		prot.TPClientID = idgen.ClientID(p.Broker, p.Symbol, string(model.RoleTP), p.SignalID)
	}
	return prot
}

func (e *Engine) armNative(ctx context.Context, b broker.Broker, p ArmParams, sl, tp float64) (*model.Protection, error) {
	var slClientID, tpClientID string
	if sl != 0 {
		slClientID = idgen.ClientID(p.Broker, p.Symbol, string(model.RoleSL), p.SignalID)
		_, _ = e.ledger.ReserveOrder(slClientID, p.Broker, p.Symbol, model.RoleSL, model.SideSell, map[string]any{"sl": sl, "qty": p.Qty})
	}
	if tp != 0 {
		tpClientID = idgen.ClientID(p.Broker, p.Symbol, string(model.RoleTP), p.SignalID)
		_, _ = e.ledger.ReserveOrder(tpClientID, p.Broker, p.Symbol, model.RoleTP, model.SideSell, map[string]any{"tp": tp, "qty": p.Qty})
	}

	ids, err := b.PlaceProtectionOrders(ctx, p.Symbol, p.Qty, sl, tp, slClientID, tpClientID)
	if err != nil {
		if slClientID != "" {
			_ = e.ledger.MarkOrderFinal(slClientID, model.OrderFailed, map[string]any{"error": err.Error()})
		}
		if tpClientID != "" {
			_ = e.ledger.MarkOrderFinal(tpClientID, model.OrderFailed, map[string]any{"error": err.Error()})
		}
		return nil, err
	}

	if slClientID != "" {
		_ = e.ledger.MarkOrderSubmitted(slClientID, ids.SLOrderID, map[string]any{"sl": sl, "qty": p.Qty})
	}
	if tpClientID != "" {
		_ = e.ledger.MarkOrderSubmitted(tpClientID, ids.TPOrderID, map[string]any{"tp": tp, "qty": p.Qty})
	}

	return &model.Protection{
		Mode:            model.ProtectionNative,
		Broker:          p.Broker,
		Symbol:          p.Symbol,
		TradeID:         p.TradeID,
		SignalID:        p.SignalID,
		Side:            p.Side,
		Qty:             p.Qty,
		SL:              sl,
		TP:              tp,
		ATR:             p.ATR,
		SLMult:          p.SLMult,
		TPMult:          p.TPMult,
		SLClientID:      slClientID,
		TPClientID:      tpClientID,
		NativeSLOrderID: ids.SLOrderID,
		NativeTPOrderID: ids.TPOrderID,
		EntryPrice:      p.EntryPrice,
		Watermark:       p.EntryPrice,
		LastPrice:       p.EntryPrice,
		CreatedAt:       now(),
	}, nil
}

// ArmPendingEntry records an ambiguous (non-terminal) entry fill: no
// position confirmation yet, so real SL/TP can't be computed until the
// position appears. Mirrors execute_trade's pending_entry branch.
func (e *Engine) ArmPendingEntry(p ArmParams, entryClientID, orderID string) {
	e.Replace(p.Symbol, &model.Protection{
		Mode:          model.ProtectionPendingEntry,
		Broker:        p.Broker,
		Symbol:        p.Symbol,
		TradeID:       p.TradeID,
		SignalID:      p.SignalID,
		Side:          p.Side,
		ATR:           p.ATR,
		SLMult:        p.SLMult,
		TPMult:        p.TPMult,
		UseNative:     p.UseNative,
		EntryClientID: entryClientID,
		EntryOrderID:  orderID,
		QtyExpected:   p.Qty,
		LastPrice:     0,
		CreatedAt:     now(),
	})
}

func (e *Engine) strictLive() bool {
	return e.cfg.Live && e.cfg.StrictProtectionsLive
}

func now() time.Time { return time.Now().UTC() }

// CancelNativeProtections cancels any still-open plan-order legs for prot,
// best-effort: a cancel failure is logged and swallowed, matching
// _cancel_native_protections's "don't let a stuck cancel block a close".
func (e *Engine) CancelNativeProtections(ctx context.Context, prot *model.Protection) {
	if prot == nil || prot.Mode != model.ProtectionNative {
		return
	}
	b := e.router.Broker(prot.Broker)
	if b == nil || !b.Capabilities().SupportsCancelPlan {
		return
	}
	for _, id := range []string{prot.NativeSLOrderID, prot.NativeTPOrderID} {
		if id == "" {
			continue
		}
		if err := b.CancelPlanOrder(ctx, id, ""); err != nil {
			e.log.Warn("cancel native plan order failed", "symbol", prot.Symbol, "order_id", id, "err", err)
		}
	}
}

// CheckAll runs one pass of protective monitoring across every armed
// symbol: pending-entry resolution, native trigger polling, and synthetic
// SL/TP/time-exit/trailing. Mirrors _check_protective_exits.
func (e *Engine) CheckAll(ctx context.Context, whaleBySymbol map[string]bool) {
	if e.killSwitchActive() {
		return
	}

	e.mu.Lock()
	symbols := make([]*model.Protection, 0, len(e.protections))
	for _, p := range e.protections {
		symbols = append(symbols, p)
	}
	e.mu.Unlock()

	if len(symbols) == 0 {
		return
	}

	positions, err := e.router.ListAllPositions(ctx)
	if err != nil {
		e.log.Warn("list positions during protective check failed", "err", err)
		positions = nil
	}
	posMap := make(map[string]model.Position, len(positions))
	for _, pos := range positions {
		posMap[pos.Symbol] = pos
	}

	for _, prot := range symbols {
		if e.killSwitchActive() {
			return
		}
		b := e.router.Broker(prot.Broker)
		if b == nil {
			continue
		}
		cp, err := b.GetCurrentPrice(ctx, prot.Symbol)
		if err != nil {
			continue
		}
		prot.LastPrice = cp

		whale := whaleBySymbol[prot.Symbol]

		switch prot.Mode {
		case model.ProtectionPendingEntry:
			e.checkPendingEntry(ctx, b, prot, posMap[prot.Symbol])
		case model.ProtectionNative:
			e.checkNative(ctx, b, prot)
		default:
			e.checkSynthetic(ctx, b, prot, cp, whale, posMap[prot.Symbol])
		}
	}
}

// checkPendingEntry resolves an ambiguous entry once either a position
// appears (arm real protections) or the TTL elapses (abort and drop).
func (e *Engine) checkPendingEntry(ctx context.Context, b broker.Broker, prot *model.Protection, pos model.Position) {
	if pos.Quantity > 0 {
		entryPrice := pos.AvgPrice
		if entryPrice <= 0 {
			entryPrice = prot.LastPrice
		}
		entryQty := pos.Quantity

		if prot.TradeID != "" {
			if err := e.ledger.SetTradeEntry(prot.TradeID, entryPrice, entryQty); err != nil {
				e.log.Warn("set trade entry from pending_entry failed", "symbol", prot.Symbol, "err", err)
			}
		}
		if prot.EntryClientID != "" {
			_ = e.ledger.MarkOrderFinal(prot.EntryClientID, model.OrderFilled, map[string]any{
				"price": entryPrice, "filled_qty": entryQty, "_inferred_from_position": true,
			})
		}

		if err := e.ArmEntry(ctx, ArmParams{
			Broker: prot.Broker, Symbol: prot.Symbol, TradeID: prot.TradeID, SignalID: prot.SignalID,
			Side: prot.Side, Qty: entryQty, EntryPrice: entryPrice, ATR: prot.ATR,
			SLMult: prot.SLMult, TPMult: prot.TPMult, UseNative: prot.UseNative,
		}); err != nil {
			e.log.Warn("arm entry from resolved pending_entry failed", "symbol", prot.Symbol, "err", err)
		}
		return
	}

	age := now().Sub(prot.CreatedAt)
	maxAge := time.Duration(e.cfg.PendingEntryMaxAgeS) * time.Second
	if maxAge <= 0 {
		maxAge = 120 * time.Second
	}
	if age <= maxAge {
		return
	}

	var finalStatus model.OrderStatus
	if prot.EntryClientID != "" {
		res, err := b.WaitForOrderFinal(ctx, prot.EntryOrderID, prot.EntryClientID, 2*time.Second)
		if err == nil {
			finalStatus = res.Status
		}
	}
	if prot.EntryClientID != "" && (finalStatus == model.OrderCanceled || finalStatus == model.OrderRejected || finalStatus == model.OrderFailed) {
		_ = e.ledger.MarkOrderFinal(prot.EntryClientID, finalStatus, map[string]any{"reason": "pending_entry_ttl"})
	}
	if prot.TradeID != "" {
		_ = e.ledger.AbortTrade(prot.TradeID, fmt.Sprintf("pending_entry_timeout:%s", finalStatus))
	}
	e.log.Warn("pending_entry TTL exceeded, aborting", "symbol", prot.Symbol, "age_s", age.Seconds())
	e.Drop(prot.Symbol)
}

// checkNative polls each armed plan-order leg for a fill; whichever leg
// fired wins, the survivor is cancelled, and the trade closes.
func (e *Engine) checkNative(ctx context.Context, b broker.Broker, prot *model.Protection) {
	if !b.Capabilities().SupportsPlanSubOrders {
		return
	}

	type leg struct {
		id, tag string
	}
	legs := []leg{{prot.NativeSLOrderID, "sl"}, {prot.NativeTPOrderID, "tp"}}

	var fired string
	for _, l := range legs {
		if l.id == "" {
			continue
		}
		subs, err := b.GetPlanSubOrder(ctx, l.id)
		if err != nil {
			continue
		}
		if len(subs) > 0 {
			fired = l.tag
			break
		}
	}

	if fired == "" {
		return
	}

	e.CancelNativeProtections(ctx, prot)
	if prot.TradeID != "" {
		_ = e.ledger.CloseTrade(prot.TradeID, prot.LastPrice, "native_"+fired)
	}
	e.Drop(prot.Symbol)
}

// checkSynthetic runs the time-exit guard, the side-parameterized SL/TP hit
// check, and the adaptive trailing stop for one locally-monitored position.
func (e *Engine) checkSynthetic(ctx context.Context, b broker.Broker, prot *model.Protection, cp float64, whale bool, pos model.Position) {
	if pos.Quantity <= 0 {
		e.Drop(prot.Symbol)
		return
	}

	if e.updateTrailing(cp, prot, whale) {
		e.persist()
	}

	if e.cfg.MaxHoldS > 0 {
		maxAge := time.Duration(e.cfg.MaxHoldS) * time.Second
		if now().Sub(prot.CreatedAt) > maxAge {
			e.exitPosition(ctx, prot, cp, model.RoleTimeExit, "time_exit")
			return
		}
	}

	hitSL, hitTP := slTpHit(prot.Side, cp, prot.SL, prot.TP)
	if !hitSL && !hitTP {
		return
	}

	role, reason := model.RoleSL, "sl"
	if hitTP {
		role, reason = model.RoleTP, "tp"
	}
	e.exitPosition(ctx, prot, cp, role, reason)
}

// slTpHit reports whether the current price has crossed the side-
// parameterized stop-loss or take-profit. This is the fix spec.md §9
// mandates: the source checked `price <= sl` / `price >= tp` unconditionally,
// which is backwards for a short.
func slTpHit(side model.Side, cp, sl, tp float64) (hitSL, hitTP bool) {
	if isLong(side) {
		hitSL = sl > 0 && cp <= sl
		hitTP = tp > 0 && cp >= tp
		return
	}
	hitSL = sl > 0 && cp >= sl
	hitTP = tp > 0 && cp <= tp
	return
}

func (e *Engine) exitPosition(ctx context.Context, prot *model.Protection, cp float64, role model.OrderRole, reason string) {
	exitSide := model.SideSell
	if !isLong(prot.Side) {
		exitSide = model.SideBuy
	}

	clientID := idgen.ClientID(prot.Broker, prot.Symbol, string(role), prot.SignalID)
	ok, err := e.ledger.ReserveOrder(clientID, prot.Broker, prot.Symbol, role, exitSide, map[string]any{"reason": reason, "qty": prot.Qty, "price": cp})
	if err != nil || !ok {
		return
	}

	res, err := e.router.ExecuteOrder(ctx, e.cfg.Live, model.OrderRequest{
		Symbol: prot.Symbol, Side: exitSide, Quantity: prot.Qty, Type: model.OrderTypeMarket, ClientID: clientID,
	}, 15*time.Second)
	if err != nil {
		_ = e.ledger.MarkOrderFinal(clientID, model.OrderFailed, map[string]any{"error": err.Error()})
		e.log.Warn("protective exit failed", "symbol", prot.Symbol, "reason", reason, "err", err)
		return
	}

	if res.Status.IsTerminal() {
		_ = e.ledger.MarkOrderFinal(clientID, res.Status, map[string]any{"price": res.Price})
	}
	if res.Status == model.OrderFilled {
		px := res.Price
		if px == 0 {
			px = cp
		}
		if prot.TradeID != "" {
			_ = e.ledger.CloseTrade(prot.TradeID, px, reason)
		}
		e.Drop(prot.Symbol)
		e.log.Info("protective exit filled", "symbol", prot.Symbol, "reason", reason, "price", px)
	}
}

// PanicClose closes a position immediately and unconditionally when
// protections could not be armed, per spec.md's LIVE-strict guarantee that
// no position is ever left unprotected. Idempotent via the ledger's
// panic_exit role.
func (e *Engine) PanicClose(ctx context.Context, symbol, brokerName, tradeID, reason, signalID string) error {
	positions, err := e.router.ListAllPositions(ctx)
	if err != nil {
		positions = nil
	}
	var qty float64
	for _, p := range positions {
		if p.Symbol == symbol && p.Quantity > 0 {
			qty = p.Quantity
			break
		}
	}
	if qty <= 0 {
		e.Drop(symbol)
		return nil
	}

	if signalID == "" {
		signalID = "panic"
	}
	clientID := idgen.ClientID(brokerName, symbol, string(model.RolePanicExit), signalID)

	ok, err := e.ledger.ReserveOrder(clientID, brokerName, symbol, model.RolePanicExit, model.SideSell, map[string]any{"reason": reason, "qty": qty})
	if err != nil {
		return err
	}
	if !ok {
		e.log.Info("panic exit already reserved", "symbol", symbol, "client_id", clientID)
		return nil
	}

	res, err := e.router.ExecuteOrder(ctx, e.cfg.Live, model.OrderRequest{
		Symbol: symbol, Side: model.SideSell, Quantity: qty, Type: model.OrderTypeMarket, ClientID: clientID,
	}, 15*time.Second)
	if err != nil {
		_ = e.ledger.MarkOrderFinal(clientID, model.OrderFailed, map[string]any{"error": err.Error(), "reason": reason})
		e.Drop(symbol)
		return errkind.New(errkind.Policy, fmt.Errorf("protection: panic close submit failed for %s: %w", symbol, err))
	}

	_ = e.ledger.MarkOrderSubmitted(clientID, res.OrderID, map[string]any{"qty": qty, "reason": reason})

	if res.Status.IsTerminal() {
		_ = e.ledger.MarkOrderFinal(clientID, res.Status, map[string]any{"price": res.Price, "reason": reason})
		if res.Status == model.OrderFilled && tradeID != "" {
			_ = e.ledger.CloseTrade(tradeID, res.Price, reason)
		}
	}

	e.Drop(symbol)
	return nil
}
