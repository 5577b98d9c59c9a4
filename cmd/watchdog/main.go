// Package main provides the watchdog: a standalone process that polls the
// runner's heartbeat file and alerts over Telegram on a stale transition,
// independent of the runner process it's watching. Grounded on
// watchdog_heartbeat.py's polling loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/alert"
	"github.com/ronsonol82-hash/AiTrade/internal/statestore"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

// watchdogState is the .watchdog_state.json sidecar: the last time an alert
// fired and whether the prior poll found the heartbeat stale, so a restart
// of the watchdog doesn't immediately re-fire an OK->STALE alert.
type watchdogState struct {
	LastAlertAt  time.Time `json:"last_alert_at"`
	LastWasStale bool      `json:"last_was_stale"`
}

func main() {
	var (
		heartbeatPath = flag.String("heartbeat", "state/runner_heartbeat.json", "Path to the runner heartbeat file")
		staleS        = flag.Float64("stale", 90, "Seconds without a heartbeat update before the runner is considered stale")
		intervalS     = flag.Float64("interval", 10, "Poll interval seconds")
		alertEveryS   = flag.Float64("alert_every", 300, "Minimum seconds between repeated stale alerts")
		tag           = flag.String("tag", "AITrade", "Alert message prefix tag")
		logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log = log.Component("watchdog")

	botToken := strings.TrimSpace(os.Getenv("ALERT_TG_BOT_TOKEN"))
	chatID := strings.TrimSpace(os.Getenv("ALERT_TG_CHAT_ID"))
	alerter := alert.New(botToken, chatID, botToken != "" && chatID != "", log)

	statePath := filepath.Join(filepath.Dir(*heartbeatPath), ".watchdog_state.json")
	state := readState(statePath)

	stale := time.Duration(*staleS * float64(time.Second))
	alertEvery := time.Duration(*alertEveryS * float64(time.Second))
	interval := time.Duration(*intervalS * float64(time.Second))
	ctx := context.Background()

	log.Info("watchdog started", "heartbeat", *heartbeatPath, "stale", stale, "interval", interval)

	for {
		poll(ctx, *heartbeatPath, statePath, *tag, stale, alertEvery, &state, alerter, log)
		time.Sleep(interval)
	}
}

func poll(ctx context.Context, heartbeatPath, statePath, tag string, stale, alertEvery time.Duration, state *watchdogState, alerter *alert.Telegram, log *logging.Logger) {
	hb := readHeartbeat(heartbeatPath)

	var age time.Duration
	if hb.TS > 0 {
		age = time.Since(time.Unix(hb.TS, 0))
	} else {
		age = 1 << 62 // no heartbeat ever written: always stale
	}
	isStale := age > stale

	if isStale {
		canAlert := time.Since(state.LastAlertAt) >= alertEvery
		if !state.LastWasStale || canAlert {
			msg := strings.Join([]string{
				tag + " WATCHDOG",
				"Runner heartbeat STALE",
				"age=" + age.Round(time.Second).String() + " (stale>" + stale.String() + ")",
				"pid=" + pidString(hb.PID),
				"last_status=" + string(hb.Status),
				"note=" + hb.Note,
				"time=" + time.Now().UTC().Format(time.RFC3339),
			}, "\n")
			alerter.Send(ctx, msg)
			state.LastAlertAt = time.Now()
			state.LastWasStale = true
			log.Warn("heartbeat stale", "age", age, "pid", hb.PID, "last_status", hb.Status)
		}
	} else {
		state.LastWasStale = false
	}

	writeState(statePath, *state)
}

func readHeartbeat(path string) statestore.Heartbeat {
	var hb statestore.Heartbeat
	data, err := os.ReadFile(path)
	if err != nil {
		return hb
	}
	_ = json.Unmarshal(data, &hb)
	return hb
}

func readState(path string) watchdogState {
	var s watchdogState
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	_ = json.Unmarshal(data, &s)
	return s
}

func writeState(path string, s watchdogState) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(path)
	if dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func pidString(pid int) string {
	if pid == 0 {
		return "na"
	}
	return strconv.Itoa(pid)
}
