// Package router implements the execution router (C5): symbol→broker
// routing over an adapter map, aggregated account/position views, the
// daily-drawdown guard, and the portfolio-wide cancel/close fan-out the
// kill switch drives. The adapter map is built and initialized by the
// caller before New; the router does not construct adapters itself, lazily
// or otherwise. Grounded on the teacher's internal/backend package for the
// "own a map of handles, fan out across them" shape, generalized from
// swap-network backends to broker adapters.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/broker"
	"github.com/ronsonol82-hash/AiTrade/internal/errkind"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

// Config configures the router's static routing table.
type Config struct {
	AssetRouting      map[string]string // symbol -> broker name
	DefaultBroker     string
	MaxDailyDrawdown  float64 // fraction, e.g. 0.05; 0 disables the guard
}

// Router owns every broker adapter and is the only component that ever
// dispatches an order to a venue.
type Router struct {
	cfg     Config
	log     *logging.Logger
	mu      sync.RWMutex
	brokers map[string]broker.Broker

	ddMu       sync.Mutex
	ddAnchors  map[string]float64 // broker -> equity anchor for the current UTC day
	ddDay      string             // YYYY-MM-DD the anchors were taken on
	ddBlocked  map[string]bool    // broker -> blocked for the remainder of the day
}

// New builds a Router over an already-constructed set of adapters, keyed by
// broker name. Adapters are expected to have had Initialize called already;
// the router treats "lazy" as "already resolved by the caller from config",
// matching how the teacher's backend wires its sub-services once at
// startup rather than per-call.
func New(cfg Config, brokers map[string]broker.Broker, log *logging.Logger) *Router {
	return &Router{
		cfg:       cfg,
		log:       log.Component("router"),
		brokers:   brokers,
		ddAnchors: map[string]float64{},
		ddBlocked: map[string]bool{},
	}
}

// resolveBroker maps symbol to its adapter via asset_routing, falling back
// to default_broker.
func (r *Router) resolveBroker(symbol string) (broker.Broker, string, error) {
	name, ok := r.cfg.AssetRouting[symbol]
	if !ok || name == "" {
		name = r.cfg.DefaultBroker
	}
	r.mu.RLock()
	b, ok := r.brokers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, name, errkind.New(errkind.Policy, fmt.Errorf("router: no broker configured for %q (resolved name %q)", symbol, name))
	}
	return b, name, nil
}

// isRiskIncreasing matches spec.md's "currently: buy" rule: only buy orders
// are gated by the drawdown guard; exits are never blocked.
func isRiskIncreasing(side model.Side) bool { return side == model.SideBuy }

// ExecuteOrder dispatches one order through the resolved broker. In LIVE
// mode, a risk-increasing (buy) order is first checked against the daily
// drawdown guard; exits always proceed. The call blocks until the order
// reaches a final state or the wait times out.
func (r *Router) ExecuteOrder(ctx context.Context, live bool, req model.OrderRequest, waitTimeout time.Duration) (model.OrderResult, error) {
	b, brokerName, err := r.resolveBroker(req.Symbol)
	if err != nil {
		return model.OrderResult{}, err
	}

	if live && isRiskIncreasing(req.Side) {
		if err := r.dailyDrawdownCheck(ctx, brokerName); err != nil {
			return model.OrderResult{}, err
		}
	}

	req.Quantity = b.NormalizeQty(req.Symbol, req.Quantity)
	if req.Price > 0 {
		req.Price = b.NormalizePrice(req.Symbol, req.Price)
	}

	result, err := b.PlaceOrder(ctx, req)
	if err != nil {
		return model.OrderResult{}, err
	}
	if result.Status.IsTerminal() {
		return result, nil
	}
	return b.WaitForOrderFinal(ctx, result.OrderID, result.ClientID, waitTimeout)
}

// dailyDrawdownCheck implements spec.md §4.5: on the first call of each UTC
// day, snapshot equity per broker as an anchor; subsequent calls compute
// (anchor-current)/anchor and block the remainder of the day once it meets
// MaxDailyDrawdown. A zero MaxDailyDrawdown disables the guard entirely.
func (r *Router) dailyDrawdownCheck(ctx context.Context, brokerName string) error {
	if r.cfg.MaxDailyDrawdown <= 0 {
		return nil
	}

	r.ddMu.Lock()
	defer r.ddMu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if r.ddDay != today {
		r.ddDay = today
		r.ddAnchors = map[string]float64{}
		r.ddBlocked = map[string]bool{}
	}

	if r.ddBlocked[brokerName] {
		return errkind.New(errkind.Policy, fmt.Errorf("router: daily drawdown limit reached for %s", brokerName))
	}
	if r.ddBlocked[globalDrawdownKey] {
		return errkind.New(errkind.Policy, fmt.Errorf("router: global daily drawdown limit reached"))
	}

	r.mu.RLock()
	b, ok := r.brokers[brokerName]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	acc, err := b.GetAccountState(ctx)
	if err != nil {
		return errkind.New(errkind.Transport, err)
	}

	anchor, seen := r.ddAnchors[brokerName]
	if !seen {
		r.ddAnchors[brokerName] = acc.Equity
		return nil
	}
	if anchor <= 0 {
		return nil
	}
	drawdown := (anchor - acc.Equity) / anchor
	if drawdown >= r.cfg.MaxDailyDrawdown {
		r.ddBlocked[brokerName] = true
		r.checkGlobalDrawdownLocked(ctx)
		return errkind.New(errkind.Policy, fmt.Errorf("router: daily drawdown %.2f%% breaches limit for %s", drawdown*100, brokerName))
	}
	return nil
}

// globalDrawdownKey is a sentinel key in ddAnchors/ddBlocked distinct from
// any broker name, holding the aggregated-equity anchor and block flag.
const globalDrawdownKey = "*global*"

// checkGlobalDrawdownLocked evaluates the global fallback half of the
// daily-drawdown guard: a per-broker breach also checks aggregated equity
// across every adapter against a global anchor, blocking every broker for
// the remainder of the day if that breaches too. Called with ddMu already
// held.
func (r *Router) checkGlobalDrawdownLocked(ctx context.Context) {
	agg, _, err := r.GetGlobalAccountState(ctx)
	if err != nil {
		r.log.Warn("global drawdown check: account state fetch failed", "err", err)
		return
	}

	anchor, seen := r.ddAnchors[globalDrawdownKey]
	if !seen {
		r.ddAnchors[globalDrawdownKey] = agg.Equity
		return
	}
	if anchor <= 0 {
		return
	}
	drawdown := (anchor - agg.Equity) / anchor
	if drawdown >= r.cfg.MaxDailyDrawdown {
		r.ddBlocked[globalDrawdownKey] = true
		r.log.Warn("global daily drawdown limit reached", "drawdown_pct", drawdown*100)
	}
}

// GetGlobalAccountState fans out GetAccountState across every adapter and
// aggregates equity/balance, retaining per-broker detail.
func (r *Router) GetGlobalAccountState(ctx context.Context) (model.AccountState, map[string]model.AccountState, error) {
	r.mu.RLock()
	brokers := make(map[string]broker.Broker, len(r.brokers))
	for k, v := range r.brokers {
		brokers[k] = v
	}
	r.mu.RUnlock()

	detail := make(map[string]model.AccountState, len(brokers))
	var agg model.AccountState
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, b := range brokers {
		wg.Add(1)
		go func(name string, b broker.Broker) {
			defer wg.Done()
			acc, err := b.GetAccountState(ctx)
			if err != nil {
				r.log.Warn("account state fetch failed", "broker", name, "err", err)
				return
			}
			mu.Lock()
			detail[name] = acc
			agg.Equity += acc.Equity
			agg.Balance += acc.Balance
			mu.Unlock()
		}(name, b)
	}
	wg.Wait()
	return agg, detail, nil
}

// ListAllPositions fans out ListOpenPositions across every adapter and
// stamps the broker name onto positions that don't already carry one.
func (r *Router) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	r.mu.RLock()
	brokers := make(map[string]broker.Broker, len(r.brokers))
	for k, v := range r.brokers {
		brokers[k] = v
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	var all []model.Position
	var wg sync.WaitGroup
	for name, b := range brokers {
		wg.Add(1)
		go func(name string, b broker.Broker) {
			defer wg.Done()
			positions, err := b.ListOpenPositions(ctx)
			if err != nil {
				r.log.Warn("list positions failed", "broker", name, "err", err)
				return
			}
			for i := range positions {
				if positions[i].Broker == "" {
					positions[i].Broker = name
				}
			}
			mu.Lock()
			all = append(all, positions...)
			mu.Unlock()
		}(name, b)
	}
	wg.Wait()
	return all, nil
}

// CancelAllOrders best-effort cancels every open order across adapters for
// the given symbols (or every known asset-routing symbol if none given).
func (r *Router) CancelAllOrders(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		for sym := range r.cfg.AssetRouting {
			symbols = append(symbols, sym)
		}
	}
	for _, sym := range symbols {
		b, _, err := r.resolveBroker(sym)
		if err != nil {
			continue
		}
		orders, err := b.GetOpenOrders(ctx, sym)
		if err != nil {
			r.log.Warn("get open orders failed", "symbol", sym, "err", err)
			continue
		}
		for _, o := range orders {
			if err := b.CancelOrder(ctx, o.OrderID, sym); err != nil {
				r.log.Warn("cancel order failed", "symbol", sym, "order_id", o.OrderID, "err", err)
			}
		}
	}
}

// CloseAllPositions cancels every open order, then closes every remaining
// position, in that order (spec.md §4.5: "step 1 cancel, step 2 close").
func (r *Router) CloseAllPositions(ctx context.Context, reason string) {
	r.CancelAllOrders(ctx, nil)

	positions, err := r.ListAllPositions(ctx)
	if err != nil {
		r.log.Error("list positions during close-all failed", "err", err)
		return
	}
	for _, p := range positions {
		r.mu.RLock()
		b, ok := r.brokers[p.Broker]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := b.ClosePosition(ctx, p.Symbol, reason); err != nil {
			r.log.Error("close position failed", "broker", p.Broker, "symbol", p.Symbol, "err", err)
		}
	}
}

// Broker returns the named adapter, or nil if unconfigured.
func (r *Router) Broker(name string) broker.Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.brokers[name]
}

// BrokerForSymbol resolves the adapter for symbol via asset_routing.
func (r *Router) BrokerForSymbol(symbol string) (broker.Broker, error) {
	b, _, err := r.resolveBroker(symbol)
	return b, err
}
