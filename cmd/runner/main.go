// Package main provides the runner daemon - the strategy execution engine's
// single entry point: signal ingestion through order dispatch, protection
// arming, and reconciliation.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/alert"
	"github.com/ronsonol82-hash/AiTrade/internal/broker"
	"github.com/ronsonol82-hash/AiTrade/internal/config"
	"github.com/ronsonol82-hash/AiTrade/internal/ledger"
	"github.com/ronsonol82-hash/AiTrade/internal/protection"
	"github.com/ronsonol82-hash/AiTrade/internal/router"
	"github.com/ronsonol82-hash/AiTrade/internal/runner"
	"github.com/ronsonol82-hash/AiTrade/internal/statestore"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

func main() {
	var (
		signalsPath = flag.String("signals", "signals.json", "Path to the signal snapshot file")
		assetsCSV   = flag.String("assets", "", "Comma-separated symbol allowlist (empty = all)")
		riskLevel   = flag.Float64("risk_level", 0, "Override RISK_PER_TRADE (0 = use config default)")
		loop        = flag.Bool("loop", true, "Run forever instead of a single cycle")
		sleepS      = flag.Float64("sleep", 10, "Seconds between cycles in --loop mode")
		routingFile = flag.String("config", "routing.yaml", "Path to the broker/routing YAML side file")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", "err", err)
	}
	routing, err := config.LoadRouting(*routingFile)
	if err != nil {
		log.Fatal("failed to load routing config", "err", err)
	}

	live := cfg.ExecutionMode == config.ModeLive && cfg.AllowLive

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := ledger.Open(filepath.Join(cfg.StateDir, cfg.TradeDBFile))
	if err != nil {
		log.Fatal("failed to open ledger", "err", err)
	}
	defer l.Close()
	log.Info("ledger opened", "path", filepath.Join(cfg.StateDir, cfg.TradeDBFile))

	brokers, err := buildBrokers(ctx, routing, log)
	if err != nil {
		log.Fatal("failed to build brokers", "err", err)
	}
	defer func() {
		for _, b := range brokers {
			b.Close()
		}
	}()

	rt := router.New(router.Config{
		AssetRouting:     routing.AssetRouting,
		DefaultBroker:    routing.DefaultBroker,
		MaxDailyDrawdown: cfg.MaxDailyDrawdown,
	}, brokers, log)

	store := statestore.New(cfg.StateDir, cfg.RunnerStateFile, cfg.ProtectionsFile, cfg.HeartbeatFile, cfg.KillSwitchFile)

	prot := protection.New(protection.Config{
		UseNativeProtections:  cfg.UseNativeProtections,
		StrictProtectionsLive: cfg.StrictProtectionsLive,
		Live:                  live,
		PendingEntryMaxAgeS:   cfg.PendingEntryMaxAgeS,
		MaxHoldS:              cfg.MaxHoldS,

		DynamicTrailBreakevenATR:       cfg.DynamicTrailBreakevenATR,
		DynamicTrailBreakevenBufferATR: cfg.DynamicTrailBreakevenBufferATR,
		DynamicTrailTriggerDistATR:     cfg.DynamicTrailTriggerDistATR,
		DynamicTrailOffsetATR:          cfg.DynamicTrailOffsetATR,
		DynamicTrailMinStepATR:         cfg.DynamicTrailMinStepATR,
		DynamicTrailMinGapPct:          cfg.DynamicTrailMinGapPct,
		DynamicTrailCooldownS:          cfg.DynamicTrailCooldownS,
	}, l, rt, store, log)

	alerter := alert.New(cfg.AlertTelegramBotToken, cfg.AlertTelegramChatID, cfg.AlertEnabled, log)

	baseRisk := cfg.RiskPerTrade
	if *riskLevel > 0 {
		baseRisk = *riskLevel
	}

	var assetsFilter map[string]bool
	if *assetsCSV != "" {
		assetsFilter = map[string]bool{}
		for _, s := range strings.Split(*assetsCSV, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				assetsFilter[s] = true
			}
		}
	}

	run := runner.New(runner.Config{
		StrategyID:   "universal",
		Live:         live,
		SignalsPath:  *signalsPath,
		AssetsFilter: assetsFilter,

		ConfThreshold: routing.Strategy.Conf,
		SLMult:        routing.Strategy.SL,
		TPMult:        routing.Strategy.TP,
		PullbackMult:  routing.Strategy.Pullback,

		BaseRisk:             baseRisk,
		MaxRisk:              cfg.MaxRiskPerTrade,
		MaxOpenPositions:     cfg.MaxOpenPositions,
		MaxPositionNotional:  cfg.MaxPositionNotional,
		UseNativeProtections: cfg.UseNativeProtections,

		HeartbeatEveryS:          cfg.HeartbeatEveryS,
		RunnerMaxConsecutiveErrs: cfg.RunnerMaxConsecutiveErrs,
		SleepInterval:            time.Duration(*sleepS * float64(time.Second)),
	}, l, rt, prot, store, alerter, log)

	log.Info("reconciling startup state")
	run.ReconcileOnStartup(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		run.RequestStop()
		cancel()
	}()

	if *loop {
		run.RunForever(ctx)
	} else if err := run.RunCycle(ctx); err != nil {
		log.Fatal("strategy cycle failed", "err", err)
	}

	log.Info("runner stopped")
}

// buildBrokers constructs one adapter per entry in the routing file's
// brokers map and initializes each, matching the teacher's "construct every
// subsystem up front, fail fast on any init error" sequencing in
// cmd/klingond/main.go.
func buildBrokers(ctx context.Context, routing *config.RoutingConfig, log *logging.Logger) (map[string]broker.Broker, error) {
	brokers := make(map[string]broker.Broker, len(routing.Brokers))

	// Simulators may reference a sibling adapter as their market-data
	// source, so live venues are constructed first.
	for name, creds := range routing.Brokers {
		switch creds.Kind {
		case "venue_a":
			brokers[name] = broker.NewSpotBroker(broker.SpotConfig{
				Name: name, BaseURL: creds.BaseURL, APIKey: creds.APIKey, APISecret: creds.APISecret,
				Passphrase: creds.Passphrase, RatePerSec: creds.RatePerSec, Burst: creds.Burst,
				MaxInflight: creds.MaxInflight, MaxRetries: creds.HTTPMaxRetries,
			}, log)
		case "venue_b":
			brokers[name] = broker.NewEquitiesBroker(broker.EquitiesConfig{
				Name: name, BaseURL: creds.BaseURL, Token: creds.Token,
				RatePerSec: creds.RatePerSec, Burst: creds.Burst, MaxInflight: creds.MaxInflight,
			}, log)
		}
	}

	for name, creds := range routing.Brokers {
		if creds.Kind != "simulator" {
			continue
		}
		source, ok := brokers[creds.DataBroker]
		if !ok {
			log.Fatal("simulator references unknown data broker", "simulator", name, "data_broker", creds.DataBroker)
		}
		brokers[name] = broker.NewSimulator(broker.SimulatorConfig{
			Name: name, DataSource: source, StartingEquity: creds.StartingEquity,
			Currency: creds.Currency, StateDir: "state/sim", SlippageBps: creds.SlippageBps,
		})
	}

	for name, b := range brokers {
		if err := b.Initialize(ctx); err != nil {
			return nil, err
		}
		log.Info("broker initialized", "name", name, "kind", routing.Brokers[name].Kind)
	}
	return brokers, nil
}
