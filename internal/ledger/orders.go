package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/errkind"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
)

// ReserveOrder is the idempotency gate: on an absent row it inserts status
// reserved and returns true. On an existing row whose status is one of the
// retryable-negative terminal states, it merges payload, bumps a retry
// counter, clears the venue order_id, resets status to reserved, and returns
// true. Any other existing status is refused (false, nil). Mirrors
// trade_ledger.py's reserve_order exactly, including the merge-never-drops
// guarantee: prior payload keys survive under the merged map.
func (l *Ledger) ReserveOrder(clientID, broker, symbol string, role model.OrderRole, side model.Side, payload map[string]any) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.getOrderLocked(clientID)
	if err != nil && !errors.Is(err, errkind.ErrNotFound) {
		return false, errkind.New(errkind.Store, err)
	}

	now := time.Now().UTC()

	if err != nil { // not found: fresh insert
		if payload == nil {
			payload = map[string]any{}
		}
		payloadJSON, merr := json.Marshal(payload)
		if merr != nil {
			return false, errkind.New(errkind.Store, merr)
		}
		_, err = l.db.Exec(`
			INSERT INTO orders (client_id, broker, symbol, role, side, status, order_id, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, ?)
		`, clientID, broker, symbol, string(role), string(side), string(model.OrderReserved), string(payloadJSON), now.Unix(), now.Unix())
		if err != nil {
			return false, errkind.New(errkind.Store, fmt.Errorf("ledger: insert order: %w", err))
		}
		return true, nil
	}

	if !existing.Status.IsRetryableNegative() {
		return false, nil
	}

	merged := mergePayload(existing.Payload, payload)
	retryN, _ := merged["_retry_n"].(float64)
	merged["_retry_n"] = retryN + 1
	merged["_retry_at"] = now.Format(time.RFC3339)
	merged["_prev_status"] = string(existing.Status)

	payloadJSON, err := json.Marshal(merged)
	if err != nil {
		return false, errkind.New(errkind.Store, err)
	}

	_, err = l.db.Exec(`
		UPDATE orders SET status = ?, order_id = '', payload = ?, updated_at = ? WHERE client_id = ?
	`, string(model.OrderReserved), string(payloadJSON), now.Unix(), clientID)
	if err != nil {
		return false, errkind.New(errkind.Store, fmt.Errorf("ledger: re-reserve order: %w", err))
	}
	return true, nil
}

// MarkOrderSubmitted requires the row to exist, merges payloadDelta on top of
// the existing payload (new keys win), records orderID, and sets status
// submitted.
func (l *Ledger) MarkOrderSubmitted(clientID, orderID string, payloadDelta map[string]any) error {
	return l.markOrder(clientID, model.OrderSubmitted, orderID, payloadDelta)
}

// MarkOrderFinal performs the terminal transition to one of filled, canceled,
// rejected, failed.
func (l *Ledger) MarkOrderFinal(clientID string, status model.OrderStatus, payloadDelta map[string]any) error {
	if !status.IsTerminal() {
		return fmt.Errorf("ledger: %s is not a terminal status", status)
	}
	return l.markOrder(clientID, status, "", payloadDelta)
}

func (l *Ledger) markOrder(clientID string, status model.OrderStatus, orderID string, payloadDelta map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.getOrderLocked(clientID)
	if err != nil {
		return errkind.New(errkind.Store, fmt.Errorf("ledger: mark order %s: %w", clientID, err))
	}

	merged := mergePayload(existing.Payload, payloadDelta)
	payloadJSON, err := json.Marshal(merged)
	if err != nil {
		return errkind.New(errkind.Store, err)
	}

	now := time.Now().UTC().Unix()

	if orderID != "" {
		_, err = l.db.Exec(`
			UPDATE orders SET status = ?, order_id = ?, payload = ?, updated_at = ? WHERE client_id = ?
		`, string(status), orderID, string(payloadJSON), now, clientID)
	} else {
		_, err = l.db.Exec(`
			UPDATE orders SET status = ?, payload = ?, updated_at = ? WHERE client_id = ?
		`, string(status), string(payloadJSON), now, clientID)
	}
	if err != nil {
		return errkind.New(errkind.Store, fmt.Errorf("ledger: update order %s: %w", clientID, err))
	}
	return nil
}

// GetOrder returns the order row, or errkind.ErrNotFound.
func (l *Ledger) GetOrder(clientID string) (*model.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getOrderLocked(clientID)
}

func (l *Ledger) getOrderLocked(clientID string) (*model.Order, error) {
	var o model.Order
	var status, role, side string
	var orderID sql.NullString
	var payloadJSON string
	var createdAt, updatedAt int64

	err := l.db.QueryRow(`
		SELECT client_id, broker, symbol, role, side, status, order_id, payload, created_at, updated_at
		FROM orders WHERE client_id = ?
	`, clientID).Scan(&o.ClientID, &o.Broker, &o.Symbol, &role, &side, &status, &orderID, &payloadJSON, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get order: %w", err)
	}

	o.Role = model.OrderRole(role)
	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)
	o.OrderID = orderID.String
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	o.Payload = map[string]any{}
	if payloadJSON != "" {
		_ = json.Unmarshal([]byte(payloadJSON), &o.Payload)
	}
	return &o, nil
}

// mergePayload returns a new map containing all of base with delta applied
// on top; delta keys override base keys, but keys only present in base are
// always preserved. Never mutates its inputs.
func mergePayload(base, delta map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	return merged
}
