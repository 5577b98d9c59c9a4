// Package alert implements the alerter port (C9): a Telegram bot webhook
// that the strategy runner, kill switch, and watchdog all push human-facing
// text to. Grounded on notifier.py's TelegramAlerter.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

const sendTimeout = 10 * time.Second

// Telegram sends plain-text alerts to a single chat via the Bot API's
// sendMessage endpoint. A send failure is logged and swallowed: an alert
// channel outage must never block the caller's trading logic.
type Telegram struct {
	botToken string
	chatID   string
	enabled  bool
	http     *http.Client
	log      *logging.Logger
}

// New builds a Telegram alerter. Enabled only when enabledFlag is set and
// both botToken and chatID are non-empty, mirroring the source's
// `enabled and bool(token and chat_id)` gate.
func New(botToken, chatID string, enabledFlag bool, log *logging.Logger) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		enabled:  enabledFlag && botToken != "" && chatID != "",
		http:     &http.Client{Timeout: sendTimeout},
		log:      log.Component("alert"),
	}
}

// Enabled reports whether the alerter will actually send.
func (t *Telegram) Enabled() bool { return t.enabled }

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send posts text to the configured chat. A plain http.Client (not the
// retrying transport internal/broker uses) is deliberate here: an alert is
// fire-and-forget best-effort notice, and retrying a failed alert risks
// delaying the caller (often the kill switch or watchdog) past the event
// it's trying to report.
func (t *Telegram) Send(ctx context.Context, text string) {
	if !t.enabled {
		return
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		t.log.Warn("telegram payload marshal failed", "err", err)
		return
	}

	url := "https://api.telegram.org/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.log.Warn("telegram request build failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		t.log.Warn("telegram alert failed", "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		t.log.Warn("telegram alert rejected", "status", resp.StatusCode)
	}
}
