package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"exit_engine/internal/core"

	"github.com/google/uuid"
)

// TradeLogRepository records executor outcomes. Append-only.
type TradeLogRepository struct {
	db *sql.DB
}

// LogTrade inserts one trade log row and returns its ID.
func (r *TradeLogRepository) LogTrade(ctx context.Context, entry *core.TradeLogEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO trade_log (id, user_id, symbol, exchange, side, quantity, price,
		order_id, order_type, trigger_type, trigger_price, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.Symbol, entry.Exchange, string(entry.Side),
		entry.Quantity, entry.Price, entry.OrderID, string(entry.OrderType),
		entry.TriggerType, entry.TriggerPrice, entry.Status, entry.Error,
		entry.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to write trade log: %w", err)
	}
	return entry.ID, nil
}

// ListByUser returns the user's most recent trade log rows, newest first.
func (r *TradeLogRepository) ListByUser(ctx context.Context, userID string, limit int) ([]core.TradeLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, user_id, symbol, exchange, side, quantity, price,
		order_id, order_type, trigger_type, trigger_price, status, error, created_at
		FROM trade_log WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read trade log: %w", err)
	}
	defer rows.Close()

	var entries []core.TradeLogEntry
	for rows.Next() {
		e, err := scanTradeLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanTradeLog(rows *sql.Rows) (core.TradeLogEntry, error) {
	var e core.TradeLogEntry
	var side, orderType string
	var createdAt int64
	err := rows.Scan(&e.ID, &e.UserID, &e.Symbol, &e.Exchange, &side, &e.Quantity,
		&e.Price, &e.OrderID, &orderType, &e.TriggerType, &e.TriggerPrice,
		&e.Status, &e.Error, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan trade log row: %w", err)
	}
	e.Side = core.TransactionType(side)
	e.OrderType = core.OrderType(orderType)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}
