package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/errkind"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
)

// UpsertTrade inserts a trade row if trade_id is unseen, or updates the
// mutable columns (status/entry/exit fields) if it already exists. Used both
// to open a new trade and to persist incremental updates to one in flight.
func (l *Ledger) UpsertTrade(t *model.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := l.db.Exec(`
		INSERT INTO trades (trade_id, strategy_id, broker, symbol, side, signal_id, entry_client_id,
			status, entry_price, entry_qty, exit_price, exit_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			status = excluded.status,
			entry_price = excluded.entry_price,
			entry_qty = excluded.entry_qty,
			exit_price = excluded.exit_price,
			exit_reason = excluded.exit_reason,
			updated_at = excluded.updated_at
	`, t.TradeID, t.StrategyID, t.Broker, t.Symbol, string(t.Side), t.SignalID, t.EntryClientID,
		string(t.Status), t.EntryPrice, t.EntryQty, t.ExitPrice, t.ExitReason,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix())
	if err != nil {
		return errkind.New(errkind.Store, fmt.Errorf("ledger: upsert trade %s: %w", t.TradeID, err))
	}
	return nil
}

// SetTradeEntry records the fill that opens a trade: entry price/qty and a
// transition to open. Called once the entry order's fill is confirmed.
func (l *Ledger) SetTradeEntry(tradeID string, entryPrice, entryQty float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`
		UPDATE trades SET status = ?, entry_price = ?, entry_qty = ?, updated_at = ? WHERE trade_id = ?
	`, string(model.TradeOpen), entryPrice, entryQty, time.Now().UTC().Unix(), tradeID)
	if err != nil {
		return errkind.New(errkind.Store, fmt.Errorf("ledger: set trade entry %s: %w", tradeID, err))
	}
	return checkRowsAffected(res, tradeID)
}

// CloseTrade records the exit fill and reason, transitioning to closed.
func (l *Ledger) CloseTrade(tradeID string, exitPrice float64, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`
		UPDATE trades SET status = ?, exit_price = ?, exit_reason = ?, updated_at = ? WHERE trade_id = ?
	`, string(model.TradeClosed), exitPrice, reason, time.Now().UTC().Unix(), tradeID)
	if err != nil {
		return errkind.New(errkind.Store, fmt.Errorf("ledger: close trade %s: %w", tradeID, err))
	}
	return checkRowsAffected(res, tradeID)
}

// AbortTrade marks a trade aborted: used when an entry order never fills
// (rejected, canceled, or exhausted retries) so the reserved trade record
// does not linger as phantom open exposure.
func (l *Ledger) AbortTrade(tradeID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`
		UPDATE trades SET status = ?, exit_reason = ?, updated_at = ? WHERE trade_id = ?
	`, string(model.TradeAborted), reason, time.Now().UTC().Unix(), tradeID)
	if err != nil {
		return errkind.New(errkind.Store, fmt.Errorf("ledger: abort trade %s: %w", tradeID, err))
	}
	return checkRowsAffected(res, tradeID)
}

// GetOpenTrade returns the open trade for broker/symbol, if any.
func (l *Ledger) GetOpenTrade(broker, symbol string) (*model.Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row := l.db.QueryRow(`
		SELECT trade_id, strategy_id, broker, symbol, side, signal_id, entry_client_id,
			status, entry_price, entry_qty, exit_price, exit_reason, created_at, updated_at
		FROM trades WHERE broker = ? AND symbol = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, broker, symbol, string(model.TradeOpen))
	return scanTrade(row)
}

// HasOpenTrade is a cheap existence check used by the runner (startup
// reconciliation and signal dispatch) for broker/symbol.
func (l *Ledger) HasOpenTrade(broker, symbol string) (bool, error) {
	t, err := l.GetOpenTrade(broker, symbol)
	if errors.Is(err, errkind.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// ListOpenTrades returns every open trade, optionally filtered to one
// broker. Pass an empty broker to list across all brokers (used by startup
// reconciliation and by the strategy cycle's open-position count).
func (l *Ledger) ListOpenTrades(broker string) ([]*model.Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if broker == "" {
		rows, err = l.db.Query(`
			SELECT trade_id, strategy_id, broker, symbol, side, signal_id, entry_client_id,
				status, entry_price, entry_qty, exit_price, exit_reason, created_at, updated_at
			FROM trades WHERE status = ? ORDER BY created_at ASC
		`, string(model.TradeOpen))
	} else {
		rows, err = l.db.Query(`
			SELECT trade_id, strategy_id, broker, symbol, side, signal_id, entry_client_id,
				status, entry_price, entry_qty, exit_price, exit_reason, created_at, updated_at
			FROM trades WHERE status = ? AND broker = ? ORDER BY created_at ASC
		`, string(model.TradeOpen), broker)
	}
	if err != nil {
		return nil, errkind.New(errkind.Store, fmt.Errorf("ledger: list open trades: %w", err))
	}
	defer rows.Close()

	var out []*model.Trade
	for rows.Next() {
		t, err := scanTradeRows(rows)
		if err != nil {
			return nil, errkind.New(errkind.Store, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTradeEntryPrice is a narrow accessor for a trade's recorded entry
// price.
func (l *Ledger) GetTradeEntryPrice(tradeID string) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var price float64
	err := l.db.QueryRow(`SELECT entry_price FROM trades WHERE trade_id = ?`, tradeID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errkind.ErrNotFound
	}
	if err != nil {
		return 0, errkind.New(errkind.Store, fmt.Errorf("ledger: get trade entry price: %w", err))
	}
	return price, nil
}

func checkRowsAffected(res sql.Result, tradeID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errkind.New(errkind.Store, err)
	}
	if n == 0 {
		return errkind.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row *sql.Row) (*model.Trade, error) {
	t, err := scanTradeGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.ErrNotFound
	}
	if err != nil {
		return nil, errkind.New(errkind.Store, fmt.Errorf("ledger: scan trade: %w", err))
	}
	return t, nil
}

func scanTradeRows(rows *sql.Rows) (*model.Trade, error) {
	return scanTradeGeneric(rows)
}

func scanTradeGeneric(s rowScanner) (*model.Trade, error) {
	var t model.Trade
	var side, status string
	var entryPrice, entryQty, exitPrice sql.NullFloat64
	var exitReason sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(&t.TradeID, &t.StrategyID, &t.Broker, &t.Symbol, &side, &t.SignalID, &t.EntryClientID,
		&status, &entryPrice, &entryQty, &exitPrice, &exitReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Side = model.Side(side)
	t.Status = model.TradeStatus(status)
	t.EntryPrice = entryPrice.Float64
	t.EntryQty = entryQty.Float64
	t.ExitPrice = exitPrice.Float64
	t.ExitReason = exitReason.String
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}
