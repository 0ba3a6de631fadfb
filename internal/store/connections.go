package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Connection is a user's OAuth link to one provider account. AccessToken and
// RefreshToken hold ciphertext, never plaintext.
type Connection struct {
	ID                   string
	UserID               string
	Provider             string
	ProviderAccountEmail string
	AccessToken          string
	RefreshToken         string
	TokenExpiresAt       time.Time
	AuthExpired          bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const connectionColumns = `id, user_id, provider, provider_account_email,
	access_token, refresh_token, token_expires_at, auth_expired, created_at, updated_at`

// UpsertConnection inserts a connection, or on reconnect of the same account
// replaces its tokens, revives a soft-deleted row, and clears the auth-expired
// marker. Returns the stored row's id.
func (s *Store) UpsertConnection(ctx context.Context, c Connection) (string, error) {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO connections
		(id, user_id, provider, provider_account_email, access_token, refresh_token,
		 token_expires_at, auth_expired, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(user_id, provider, provider_account_email) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			auth_expired = 0,
			deleted_at = NULL,
			updated_at = excluded.updated_at
	`, c.ID, c.UserID, c.Provider, c.ProviderAccountEmail, c.AccessToken, c.RefreshToken,
		c.TokenExpiresAt.Unix(), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to upsert connection: %w", err)
	}

	var id string
	err = s.DB.QueryRowContext(ctx, `
		SELECT id FROM connections
		WHERE user_id = ? AND provider = ? AND provider_account_email = ?
	`, c.UserID, c.Provider, c.ProviderAccountEmail).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to load upserted connection: %w", err)
	}
	return id, nil
}

// GetConnection loads a live connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (Connection, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+connectionColumns+`
		FROM connections WHERE id = ? AND deleted_at IS NULL
	`, id)
	return scanConnection(row)
}

// ListConnections returns a user's live connections.
func (s *Store) ListConnections(ctx context.Context, userID string) ([]Connection, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+connectionColumns+`
		FROM connections WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// ListActiveConnections returns every live connection whose auth has not
// expired, for the periodic fallback sync and renewal loops.
func (s *Store) ListActiveConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+connectionColumns+`
		FROM connections WHERE deleted_at IS NULL AND auth_expired = 0
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// UpdateConnectionTokens stores a refreshed access token. The refresh token is
// replaced only when the provider reissued one (non-empty).
func (s *Store) UpdateConnectionTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE connections
		SET access_token = ?,
		    refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
		    token_expires_at = ?,
		    updated_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, refreshToken, expiry.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update connection tokens: %w", err)
	}
	return nil
}

// MarkConnectionAuthExpired flags a connection whose refresh token the
// provider rejected. Sync and renewal skip it until the user reconnects.
func (s *Store) MarkConnectionAuthExpired(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE connections SET auth_expired = 1, updated_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark connection auth expired: %w", err)
	}
	return nil
}

// DeleteConnectionCascade soft-deletes a connection and removes its calendar
// subscriptions, webhook registrations, and stored events in one transaction.
func (s *Store) DeleteConnectionCascade(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.ExecContext(ctx, `
			UPDATE connections SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
		`, now, now, id)
		if err != nil {
			return fmt.Errorf("failed to soft-delete connection: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM calendar_events WHERE calendar_subscription_id IN
				(SELECT id FROM calendar_subscriptions WHERE connection_id = ?)
		`, id); err != nil {
			return fmt.Errorf("failed to delete connection events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM webhook_subscriptions WHERE connection_id = ?
		`, id); err != nil {
			return fmt.Errorf("failed to delete webhook subscriptions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM calendar_subscriptions WHERE connection_id = ?
		`, id); err != nil {
			return fmt.Errorf("failed to delete calendar subscriptions: %w", err)
		}
		return nil
	})
}

func scanConnection(row *sql.Row) (Connection, error) {
	var c Connection
	var expiresAt, createdAt, updatedAt int64
	var authExpired int
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.ProviderAccountEmail,
		&c.AccessToken, &c.RefreshToken, &expiresAt, &authExpired, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Connection{}, ErrNotFound
		}
		return Connection{}, fmt.Errorf("failed to scan connection: %w", err)
	}
	c.TokenExpiresAt = time.Unix(expiresAt, 0).UTC()
	c.AuthExpired = authExpired != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return c, nil
}

func collectConnections(rows *sql.Rows) ([]Connection, error) {
	var out []Connection
	for rows.Next() {
		var c Connection
		var expiresAt, createdAt, updatedAt int64
		var authExpired int
		if err := rows.Scan(&c.ID, &c.UserID, &c.Provider, &c.ProviderAccountEmail,
			&c.AccessToken, &c.RefreshToken, &expiresAt, &authExpired, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		c.TokenExpiresAt = time.Unix(expiresAt, 0).UTC()
		c.AuthExpired = authExpired != 0
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}
	return out, nil
}
