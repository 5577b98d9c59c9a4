package broker

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/errkind"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/internal/statestore"
)

// priceSource is the market-data half of a simulated account: the simulator
// delegates quotes and history to a real adapter and only fabricates orders,
// positions, and PnL locally.
type priceSource interface {
	GetHistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]model.Kline, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

type simPosition struct {
	Quantity float64 `json:"qty"`
	AvgPrice float64 `json:"avg"`
}

type simState struct {
	Equity      float64                `json:"equity"`
	RealizedPnL float64                `json:"realized_pnl"`
	OrderSeq    int                    `json:"order_seq"`
	Positions   map[string]simPosition `json:"positions"`
}

// SimulatorConfig configures a persistent paper-trading adapter.
type SimulatorConfig struct {
	Name           string
	DataSource     priceSource
	StartingEquity float64
	Currency       string
	StateDir       string
	SlippageBps    float64 // default 10 (0.1%)
}

// Simulator is the paper-trading adapter (C4's third venue): a local
// position/PnL ledger layered over a real market-data source, grounded on
// simulated_client.py's SimulatedBroker — persistent JSON state surviving
// restarts, a uniform 50-300ms latency draw, asymmetric slippage (buy pays
// up, sell receives down), weighted-average bookkeeping for adds, closes,
// and reversals, and a fatal margin call when equity reaches zero or below.
type Simulator struct {
	cfg      SimulatorConfig
	statePath string

	mu    sync.Mutex
	state simState
}

// NewSimulator constructs a Simulator and restores any prior persisted
// state, matching simulated_client.py's _load_state-at-construction.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 10
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDT"
	}
	s := &Simulator{
		cfg:       cfg,
		statePath: filepath.Join(cfg.StateDir, cfg.Name+"_state.json"),
		state: simState{
			Equity:    cfg.StartingEquity,
			Positions: map[string]simPosition{},
		},
	}
	statestore.ReadJSON(s.statePath, &s.state)
	if s.state.Positions == nil {
		s.state.Positions = map[string]simPosition{}
	}
	return s
}

func (s *Simulator) Name() string { return s.cfg.Name }

func (s *Simulator) Initialize(ctx context.Context) error { return nil }

func (s *Simulator) Close() error { return nil }

func (s *Simulator) Capabilities() Capabilities {
	return Capabilities{
		SupportsNativeProtections: false,
		SupportsPlanSubOrders:     false,
		SupportsCancelPlan:        false,
		SignedQuantities:          true,
	}
}

func (s *Simulator) save() error {
	return statestore.WriteJSON(s.statePath, &s.state)
}

func (s *Simulator) GetHistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]model.Kline, error) {
	return s.cfg.DataSource.GetHistoricalKlines(ctx, symbol, interval, start, end)
}

func (s *Simulator) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return s.cfg.DataSource.GetCurrentPrice(ctx, symbol)
}

// revalue recomputes unrealized PnL for every open position, matching
// _revalue_positions. Caller must hold s.mu.
func (s *Simulator) revalue(ctx context.Context) (map[string]model.Position, float64, error) {
	out := make(map[string]model.Position, len(s.state.Positions))
	var totalUnrealized float64
	for symbol, pos := range s.state.Positions {
		if pos.Quantity == 0 {
			continue
		}
		last, err := s.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return nil, 0, err
		}
		var unrealized float64
		if pos.Quantity > 0 {
			unrealized = (last - pos.AvgPrice) * pos.Quantity
		} else {
			unrealized = (pos.AvgPrice - last) * -pos.Quantity
		}
		totalUnrealized += unrealized
		out[symbol] = model.Position{
			Symbol: symbol, Quantity: pos.Quantity, AvgPrice: pos.AvgPrice,
			LastPrice: last, UnrealizedPnL: unrealized, Broker: s.cfg.Name,
		}
	}
	return out, totalUnrealized, nil
}

func (s *Simulator) GetAccountState(ctx context.Context) (model.AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, totalUnrealized, err := s.revalue(ctx)
	if err != nil {
		return model.AccountState{}, err
	}
	balance := s.state.Equity + s.state.RealizedPnL
	return model.AccountState{
		Equity: balance + totalUnrealized, Balance: balance,
		Currency: s.cfg.Currency, Broker: s.cfg.Name,
	}, nil
}

func (s *Simulator) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions, _, err := s.revalue(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Simulator) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	if req.Quantity <= 0 {
		return model.OrderResult{}, errkind.New(errkind.Policy, fmt.Errorf("%s: quantity must be > 0", s.cfg.Name))
	}

	acc, err := s.GetAccountState(ctx)
	if err != nil {
		return model.OrderResult{}, err
	}
	if acc.Equity <= 0 {
		return model.OrderResult{}, errkind.New(errkind.Policy, fmt.Errorf("%s: margin call, equity is %.2f", s.cfg.Name, acc.Equity))
	}

	select {
	case <-time.After(time.Duration(50+rand.Intn(251)) * time.Millisecond):
	case <-ctx.Done():
		return model.OrderResult{}, ctx.Err()
	}

	marketPrice, err := s.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		return model.OrderResult{}, err
	}

	var tradePrice float64
	if req.Type == model.OrderTypeLimit && req.Price > 0 {
		tradePrice = req.Price
	} else {
		slip := s.cfg.SlippageBps / 10000.0
		if req.Side == model.SideBuy {
			tradePrice = marketPrice * (1 + slip)
		} else {
			tradePrice = marketPrice * (1 - slip)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	signedQty := req.Quantity
	if req.Side == model.SideSell {
		signedQty = -req.Quantity
	}

	pos := s.state.Positions[req.Symbol]
	switch {
	case pos.Quantity == 0:
		pos.Quantity = signedQty
		pos.AvgPrice = tradePrice
	case sameSign(pos.Quantity, signedQty):
		newQty := pos.Quantity + signedQty
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + tradePrice*signedQty) / newQty
		pos.Quantity = newQty
	default:
		closingQty := minAbs(pos.Quantity, signedQty)
		var realized float64
		if pos.Quantity > 0 {
			realized = (tradePrice - pos.AvgPrice) * closingQty
		} else {
			realized = (pos.AvgPrice - tradePrice) * closingQty
		}
		s.state.RealizedPnL += realized
		newQty := pos.Quantity + signedQty
		pos.Quantity = newQty
		if newQty == 0 {
			pos.AvgPrice = 0
		} else {
			pos.AvgPrice = tradePrice
		}
	}
	s.state.Positions[req.Symbol] = pos

	s.state.OrderSeq++
	orderID := fmt.Sprintf("%s-ord-%d", s.cfg.Name, s.state.OrderSeq)

	if err := s.save(); err != nil {
		return model.OrderResult{}, errkind.New(errkind.Store, err)
	}

	return model.OrderResult{
		OrderID: orderID, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		Quantity: req.Quantity, Price: tradePrice, Status: model.OrderFilled, Broker: s.cfg.Name,
	}, nil
}

func sameSign(a, b float64) bool { return (a > 0 && b > 0) || (a < 0 && b < 0) }

func minAbs(a, b float64) float64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	if a < b {
		return a
	}
	return b
}

// WaitForOrderFinal is a no-op: PlaceOrder already fills synchronously.
func (s *Simulator) WaitForOrderFinal(ctx context.Context, orderID, clientID string, timeout time.Duration) (model.OrderResult, error) {
	return model.OrderResult{OrderID: orderID, ClientID: clientID, Status: model.OrderFilled, Broker: s.cfg.Name}, nil
}

// GetOpenOrders always returns empty: orders fill instantly in this model.
func (s *Simulator) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderResult, error) {
	return nil, nil
}

// CancelOrder is a no-op for the same reason.
func (s *Simulator) CancelOrder(ctx context.Context, orderID, symbol string) error { return nil }

func (s *Simulator) PlaceProtectionOrders(ctx context.Context, symbol string, qty float64, slPrice, tpPrice float64, slClientOID, tpClientOID string) (PlanOrderIDs, error) {
	return PlanOrderIDs{}, errkind.New(errkind.Policy, fmt.Errorf("%s: native protections unsupported", s.cfg.Name))
}

func (s *Simulator) CancelPlanOrder(ctx context.Context, orderID, clientOID string) error {
	return errkind.New(errkind.Policy, fmt.Errorf("%s: native protections unsupported", s.cfg.Name))
}

func (s *Simulator) GetPlanSubOrder(ctx context.Context, planOrderID string) ([]model.OrderResult, error) {
	return nil, errkind.New(errkind.Policy, fmt.Errorf("%s: native protections unsupported", s.cfg.Name))
}

func (s *Simulator) ClosePosition(ctx context.Context, symbol, reason string) error {
	s.mu.Lock()
	pos, ok := s.state.Positions[symbol]
	s.mu.Unlock()
	if !ok || pos.Quantity == 0 {
		return nil
	}
	side := model.SideSell
	qty := pos.Quantity
	if qty < 0 {
		side = model.SideBuy
		qty = -qty
	}
	_, err := s.PlaceOrder(ctx, model.OrderRequest{Symbol: symbol, Side: side, Quantity: qty, Type: model.OrderTypeMarket})
	return err
}

func (s *Simulator) NormalizeQty(symbol string, qty float64) float64   { return qty }
func (s *Simulator) NormalizePrice(symbol string, price float64) float64 { return price }
