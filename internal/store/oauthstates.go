package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateOAuthState records a CSRF state for a pending connect flow.
func (s *Store) CreateOAuthState(ctx context.Context, state, userID, provider string, ttl time.Duration) error {
	now := time.Now()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oauth_states (state, user_id, provider, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, state, userID, provider, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState validates and deletes a state in one transaction. An
// unknown or expired state returns ErrNotFound; a state is usable exactly once.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string) (userID, provider string, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var expiresAt int64
		row := tx.QueryRowContext(ctx, `
			SELECT user_id, provider, expires_at FROM oauth_states WHERE state = ?
		`, state)
		if scanErr := row.Scan(&userID, &provider, &expiresAt); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("failed to scan oauth state: %w", scanErr)
		}

		if _, delErr := tx.ExecContext(ctx, `DELETE FROM oauth_states WHERE state = ?`, state); delErr != nil {
			return fmt.Errorf("failed to delete oauth state: %w", delErr)
		}

		if time.Now().Unix() > expiresAt {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return userID, provider, nil
}

// PruneOAuthStates deletes expired states.
func (s *Store) PruneOAuthStates(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM oauth_states WHERE expires_at < ?
	`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune oauth states: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
