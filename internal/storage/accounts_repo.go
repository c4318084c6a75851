package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"exit_engine/internal/core"

	"github.com/google/uuid"
)

// BrokerAccountRepository stores per-user broker linkages. Credential
// columns hold ciphertext; encryption and decryption happen in the broker
// client factory, never here.
type BrokerAccountRepository struct {
	db *sql.DB
}

const accountColumns = `id, user_id, broker_id, api_key, api_secret, access_token,
	refresh_token, token_expires_at, is_active, created_at, updated_at`

// GetByUserAndBroker returns the account for (user, broker), or nil.
func (r *BrokerAccountRepository) GetByUserAndBroker(ctx context.Context, userID, brokerID string) (*core.BrokerAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM broker_accounts WHERE user_id = ? AND broker_id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID, brokerID))
}

// GetActiveByUser returns the user's active account, or nil. One active
// broker per user is the operating assumption; ties break on recency.
func (r *BrokerAccountRepository) GetActiveByUser(ctx context.Context, userID string) (*core.BrokerAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM broker_accounts
		WHERE user_id = ? AND is_active = 1 ORDER BY updated_at DESC LIMIT 1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID))
}

// ListActiveUserIDs returns every user with at least one active account.
// Used by the engine manager's startup reconciliation.
func (r *BrokerAccountRepository) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM broker_accounts WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateOrUpdate upserts the account keyed by (user_id, broker_id),
// assigning an ID and timestamps where missing.
func (r *BrokerAccountRepository) CreateOrUpdate(ctx context.Context, account *core.BrokerAccount) error {
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = uuid.NewString()
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	var expiresAt interface{}
	if account.TokenExpiresAt != nil {
		expiresAt = account.TokenExpiresAt.UnixNano()
	}

	query := `INSERT INTO broker_accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, broker_id) DO UPDATE SET
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`
	_, err := r.db.ExecContext(ctx, query,
		account.ID, account.UserID, account.BrokerID,
		account.APIKey, account.APISecret, account.AccessToken, account.RefreshToken,
		expiresAt, boolToInt(account.IsActive),
		account.CreatedAt.UnixNano(), account.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert broker account: %w", err)
	}
	return nil
}

// Delete removes the account with the given ID.
func (r *BrokerAccountRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM broker_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete broker account: %w", err)
	}
	return nil
}

func (r *BrokerAccountRepository) scanOne(row *sql.Row) (*core.BrokerAccount, error) {
	var a core.BrokerAccount
	var expiresAt sql.NullInt64
	var isActive int
	var createdAt, updatedAt int64

	err := row.Scan(&a.ID, &a.UserID, &a.BrokerID, &a.APIKey, &a.APISecret,
		&a.AccessToken, &a.RefreshToken, &expiresAt, &isActive, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read broker account: %w", err)
	}

	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		a.TokenExpiresAt = &t
	}
	a.IsActive = isActive != 0
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
