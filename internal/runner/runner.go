// Package runner implements the strategy runner (C7): the single-writer
// loop that reloads signals, sizes and dispatches entries/exits, drives
// startup reconciliation, and owns the kill-switch handler and the
// run-forever supervisor loop. Grounded on async_strategy_runner.py's
// AsyncStrategyRunner — run_strategy, execute_trade, _reconcile_on_startup,
// _handle_kill_switch, run_forever — restructured into the teacher's
// "one package, one owning struct, a handful of exported verbs" shape.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ronsonol82-hash/AiTrade/internal/alert"
	"github.com/ronsonol82-hash/AiTrade/internal/idgen"
	"github.com/ronsonol82-hash/AiTrade/internal/ledger"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/internal/protection"
	"github.com/ronsonol82-hash/AiTrade/internal/router"
	"github.com/ronsonol82-hash/AiTrade/internal/statestore"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

// Config is the runner's tuning knobs, assembled by cmd/runner from
// internal/config.Config plus the routing file's StrategyParams and the
// CLI's --signals/--assets/--risk_level/--sleep flags.
type Config struct {
	StrategyID string
	Live       bool

	SignalsPath  string
	AssetsFilter map[string]bool // empty/nil means "no filter"

	ConfThreshold float64
	SLMult        float64
	TPMult        float64
	PullbackMult  float64

	BaseRisk             float64
	MaxRisk              float64
	MaxOpenPositions     int
	MaxPositionNotional  float64
	UseNativeProtections bool

	HeartbeatEveryS          int
	RunnerMaxConsecutiveErrs int
	SleepInterval            time.Duration
}

// Runner owns the signal snapshot, the runner_state.json accounting, and
// drives every trading action through the protection engine and router.
// mu guards keepRunning and is held by handleKillSwitch for its whole
// cancel/close/clear sequence. RunCycle does not acquire it; RunForever
// calls RunCycle and handleKillSwitch from the same goroutine, one after
// the other, so the two never run at the same time.
type Runner struct {
	cfg       Config
	ledger    *ledger.Ledger
	router    *router.Router
	prot      *protection.Engine
	store     *statestore.Store
	alerter   *alert.Telegram
	log       *logging.Logger

	mu sync.Mutex

	bus             *signalBus
	signals         map[string]model.Signal
	signalsMtime    time.Time
	state           *statestore.RunnerState
	lastHeartbeatAt time.Time

	keepRunning bool
}

// New builds a Runner, restoring runner_state.json from the prior run.
func New(cfg Config, l *ledger.Ledger, r *router.Router, prot *protection.Engine, store *statestore.Store, alerter *alert.Telegram, log *logging.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		ledger:  l,
		router:  r,
		prot:    prot,
		store:   store,
		alerter: alerter,
		log:     log.Component("runner"),
		bus:     newSignalBus(signalBusTTL),
		signals: map[string]model.Signal{},
		state:   store.LoadRunnerState(),
	}
}

// RequestStop asks RunForever's loop to exit after its current cycle,
// mirroring request_stop's soft-stop flag.
func (r *Runner) RequestStop() {
	r.mu.Lock()
	r.keepRunning = false
	r.mu.Unlock()
}

func (r *Runner) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keepRunning
}

// PublishSignals lets an in-process signal producer push a fresh snapshot
// directly onto the bus, bypassing the signals file until the bus entry's
// TTL lapses. Mirrors publish_signals's role in RedisSignalBus.
func (r *Runner) PublishSignals(signals map[string]model.Signal) {
	r.bus.Publish(signals)
}

// touchHeartbeat throttles writes to HeartbeatEveryS, matching
// _touch_heartbeat's "skip if written too recently" guard.
func (r *Runner) touchHeartbeat(status statestore.HeartbeatStatus, note string) {
	every := time.Duration(r.cfg.HeartbeatEveryS) * time.Second
	if every <= 0 {
		every = 10 * time.Second
	}
	if time.Since(r.lastHeartbeatAt) < every {
		return
	}
	r.lastHeartbeatAt = time.Now()
	mode := "live"
	if !r.cfg.Live {
		mode = "paper"
	}
	if err := r.store.TouchHeartbeat(&statestore.Heartbeat{Status: status, Note: note, Mode: mode}); err != nil {
		r.log.Warn("heartbeat write failed", "err", err)
	}
}

// ReconcileOnStartup runs once before the first cycle: orphan positions
// (venue position, no ledger trade) are adopted before vanished trades
// (ledger trade, no venue position) are closed — the reverse of the
// source's literal ordering, chosen because adopting a live position must
// win a race against that same position being reported as "gone" by a
// slow or partial broker listing.
func (r *Runner) ReconcileOnStartup(ctx context.Context) {
	positions, err := r.router.ListAllPositions(ctx)
	if err != nil {
		r.log.Warn("reconcile: list positions failed", "err", err)
		positions = nil
	}
	posMap := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		posMap[p.Symbol] = p
	}

	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		brokerName := p.Broker
		if brokerName == "" {
			brokerName = "router"
		}
		has, err := r.ledger.HasOpenTrade(brokerName, p.Symbol)
		if err != nil {
			r.log.Warn("reconcile: has open trade check failed", "symbol", p.Symbol, "err", err)
			continue
		}
		if has {
			continue
		}
		tradeID := fmt.Sprintf("reconcile-%s-%s-%d", brokerName, p.Symbol, time.Now().UTC().Unix())
		entryClientID := fmt.Sprintf("reconcile-entry-%s-%s", brokerName, p.Symbol)
		t := &model.Trade{
			TradeID:       tradeID,
			StrategyID:    r.cfg.StrategyID,
			Broker:        brokerName,
			Symbol:        p.Symbol,
			Side:          model.SideBuy,
			SignalID:      "reconcile_orphan_position",
			EntryClientID: entryClientID,
			Status:        model.TradeOpen,
		}
		if err := r.ledger.UpsertTrade(t); err != nil {
			r.log.Warn("reconcile: upsert orphan trade failed", "symbol", p.Symbol, "err", err)
			continue
		}
		if err := r.ledger.SetTradeEntry(tradeID, p.AvgPrice, p.Quantity); err != nil {
			r.log.Warn("reconcile: set orphan trade entry failed", "symbol", p.Symbol, "err", err)
		}
		r.log.Info("reconcile: created orphan trade", "broker", brokerName, "symbol", p.Symbol, "qty", p.Quantity)
	}

	openTrades, err := r.ledger.ListOpenTrades("")
	if err != nil {
		r.log.Warn("reconcile: list open trades failed", "err", err)
		openTrades = nil
	}
	for _, t := range openTrades {
		pos, ok := posMap[t.Symbol]
		if ok && pos.Quantity > 0 {
			continue
		}
		px := t.EntryPrice
		if b, err := r.router.BrokerForSymbol(t.Symbol); err == nil {
			if cp, err := b.GetCurrentPrice(ctx, t.Symbol); err == nil {
				px = cp
			}
		}
		if err := r.ledger.CloseTrade(t.TradeID, px, "reconcile_missing_position"); err != nil {
			r.log.Warn("reconcile: close missing-position trade failed", "symbol", t.Symbol, "err", err)
		}
		r.prot.ReconcileMissingPosition(t.Symbol)
	}
}

// RunCycle executes one strategy loop iteration: check protective exits,
// reload signals, then for each symbol with a fresh signal dispatch a buy
// or sell per spec.md §4.7. Mirrors run_strategy.
func (r *Runner) RunCycle(ctx context.Context) error {
	whaleBySymbol := make(map[string]bool, len(r.signals))
	for sym, sig := range r.signals {
		whaleBySymbol[sym] = sig.WhaleFootprint > 0
	}
	r.prot.CheckAll(ctx, whaleBySymbol)

	r.maybeReloadSignals()
	if len(r.signals) == 0 {
		return nil
	}

	positions, err := r.router.ListAllPositions(ctx)
	if err != nil {
		positions = nil
	}
	posMap := make(map[string]model.Position, len(positions))
	openSymbols := make(map[string]bool, len(positions))
	for _, p := range positions {
		posMap[p.Symbol] = p
		if p.Quantity > 0 {
			openSymbols[p.Symbol] = true
		}
	}
	openTrades, _ := r.ledger.ListOpenTrades("")
	for _, t := range openTrades {
		openSymbols[t.Symbol] = true
	}
	openCount := len(openSymbols)

	for symbol, sig := range r.signals {
		if len(r.cfg.AssetsFilter) > 0 && !r.cfg.AssetsFilter[symbol] {
			continue
		}

		fingerprint := idgen.SignalFingerprint(symbol, sig.Timestamp.Format(time.RFC3339Nano), sig.PLong, sig.PShort)
		if r.state.LastSeen[symbol] == fingerprint {
			continue
		}

		confidence := sig.PLong
		if sig.PShort > confidence {
			confidence = sig.PShort
		}
		risk := computeRiskPerTrade(confidence, r.cfg.BaseRisk, r.cfg.MaxRisk, r.cfg.ConfThreshold)

		pos := posMap[symbol]
		traceID := uuid.New().String()

		if sig.PLong > r.cfg.ConfThreshold && pos.Quantity <= 0 {
			if r.cfg.MaxOpenPositions > 0 && openCount >= r.cfg.MaxOpenPositions {
				r.log.Info("max open positions reached, skip buy", "trace_id", traceID, "symbol", symbol, "open", openCount)
			} else {
				r.executeTradeBuy(ctx, traceID, symbol, sig, fingerprint, risk)
				brokerName := "router"
				if b, err := r.router.BrokerForSymbol(symbol); err == nil {
					brokerName = b.Name()
				}
				if has, _ := r.ledger.HasOpenTrade(brokerName, symbol); has {
					if !openSymbols[symbol] {
						openSymbols[symbol] = true
						openCount = len(openSymbols)
					}
				}
			}
		} else if sig.PShort > r.cfg.ConfThreshold && pos.Quantity > 0 {
			r.executeTradeSell(ctx, traceID, symbol, fingerprint)
		}

		r.setLastSeen(symbol, fingerprint, sig, pos.Quantity)
	}

	if err := r.store.SaveRunnerState(r.state); err != nil {
		r.log.Warn("persist runner state failed", "err", err)
	}
	return nil
}

func (r *Runner) setLastSeen(symbol, fingerprint string, sig model.Signal, posQty float64) {
	if r.state.LastSeen == nil {
		r.state.LastSeen = map[string]string{}
	}
	if r.state.Snapshots == nil {
		r.state.Snapshots = map[string]map[string]any{}
	}
	if r.state.LastProcessedTS == nil {
		r.state.LastProcessedTS = map[string]time.Time{}
	}
	r.state.LastSeen[symbol] = fingerprint
	r.state.LastProcessedTS[symbol] = sig.Timestamp
	r.state.Snapshots[symbol] = map[string]any{
		"p_long":        sig.PLong,
		"p_short":       sig.PShort,
		"confidence":    maxFloat(sig.PLong, sig.PShort),
		"position_qty":  posQty,
		"updated_at":    time.Now().UTC(),
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// handleKillSwitch cancels native protections leg-by-leg, closes every
// remaining position, then unconditionally clears protections. Mirrors
// _handle_kill_switch's ordering exactly: native-cancel before close-all,
// clear-protections in a defer-equivalent so it runs even if close-all
// partially fails.
func (r *Runner) handleKillSwitch(ctx context.Context, reason string) {
	if r.alerter != nil {
		r.alerter.Send(ctx, fmt.Sprintf("KILL-SWITCH: %s", reason))
	}
	r.log.Warn("kill switch engaged", "reason", reason)

	r.prot.SetKillSwitchActive(true)

	r.mu.Lock()
	defer r.mu.Unlock()

	func() {
		defer func() {
			for symbol := range r.prot.Snapshot() {
				r.prot.Drop(symbol)
			}
		}()

		for _, prot := range r.prot.Snapshot() {
			if prot.Mode != model.ProtectionNative {
				continue
			}
			r.prot.CancelNativeProtections(ctx, prot)
		}
		r.router.CloseAllPositions(ctx, reason)
	}()
}

// RunForever is the outer supervisor loop: heartbeat, kill-switch check,
// one strategy cycle, error-counted auto-kill-switch, sleep. Mirrors
// run_forever line for line.
func (r *Runner) RunForever(ctx context.Context) {
	r.mu.Lock()
	r.keepRunning = true
	r.mu.Unlock()

	maxErrors := r.cfg.RunnerMaxConsecutiveErrs
	if maxErrors < 1 {
		maxErrors = 1
	}
	consecutiveErrors := 0

	r.log.Info("auto kill-switch armed", "max_consecutive_errors", maxErrors)

	for r.running() {
		r.touchHeartbeat(statestore.HeartbeatAlive, "loop_top")

		ks := r.store.LoadKillSwitch()
		if ks.Enabled {
			r.touchHeartbeat(statestore.HeartbeatStopped, "kill_switch_enabled")
			r.handleKillSwitch(ctx, "manual_or_guard")
			return
		}

		if ctx.Err() != nil {
			r.touchHeartbeat(statestore.HeartbeatStopped, "cancelled")
			return
		}

		if err := r.RunCycle(ctx); err != nil {
			if r.alerter != nil {
				r.alerter.Send(ctx, fmt.Sprintf("Runner ERROR (%d/%d): %v", consecutiveErrors, maxErrors, err))
			}
			consecutiveErrors++
			r.touchHeartbeat(statestore.HeartbeatError, "cycle_error")
			r.log.Error("runner loop error", "consecutive_errors", consecutiveErrors, "max", maxErrors, "err", err)

			if consecutiveErrors >= maxErrors {
				reason := fmt.Sprintf("auto_max_consecutive_errors:%d", consecutiveErrors)
				_ = r.store.SetKillSwitch(&statestore.KillSwitch{Enabled: true, Reason: reason, EnabledAt: time.Now().UTC()})
				r.touchHeartbeat(statestore.HeartbeatStopped, "auto_kill_switch")
				r.handleKillSwitch(ctx, reason)
				return
			}
		} else {
			consecutiveErrors = 0
			r.touchHeartbeat(statestore.HeartbeatOK, "cycle_ok")
		}

		r.touchHeartbeat(statestore.HeartbeatAlive, "sleeping")
		select {
		case <-ctx.Done():
			r.touchHeartbeat(statestore.HeartbeatStopped, "cancelled_sleep")
			return
		case <-time.After(r.cfg.SleepInterval):
		}
	}
}
