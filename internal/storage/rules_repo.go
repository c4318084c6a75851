package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"exit_engine/internal/rules"
)

// RulesRepository stores each user's rule document as a single JSON row.
// The document is written and read whole; atomic replacement is what the
// engine's refresh loop relies on.
type RulesRepository struct {
	db *sql.DB
}

// GetRules returns the user's rule document, or nil when none exists.
// Malformed rules inside a stored document are pruned, not fatal.
func (r *RulesRepository) GetRules(ctx context.Context, userID string) (*rules.TradingConfig, error) {
	query := `SELECT document, checksum FROM user_rules WHERE user_id = ?`
	var document string
	var storedChecksum []byte
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&document, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules from db: %w", err)
	}

	computed := sha256.Sum256([]byte(document))
	if !checksumEqual(storedChecksum, computed[:]) {
		return nil, fmt.Errorf("rules checksum verification failed for user %s: data corruption detected", userID)
	}

	var cfg rules.TradingConfig
	if err := json.Unmarshal([]byte(document), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules document: %w", err)
	}
	cfg.PruneInvalid() // dropped rules ride back on cfg.Skipped
	cfg.Normalize()
	return &cfg, nil
}

// SaveRules validates and stores the user's rule document, replacing any
// previous version in one statement.
func (r *RulesRepository) SaveRules(ctx context.Context, userID string, cfg *rules.TradingConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("rules document rejected: %w", err)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal rules document: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO user_rules (user_id, version, document, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query, userID, cfg.Version, string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write rules to db: %w", err)
	}
	return nil
}

// Delete removes the user's rule document.
func (r *RulesRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_rules WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}
	return nil
}

func checksumEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
