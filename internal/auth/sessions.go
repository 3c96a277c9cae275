package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sessionMaxAge is how long a login stays valid.
const sessionMaxAge = 24 * time.Hour

// SessionStore persists login sessions in the sqlite database so they
// survive restarts alongside the rest of the durable state.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a session store backed by the given database.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create issues a new session token for the user.
func (s *SessionStore) Create(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	expires := time.Now().Add(sessionMaxAge)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, userID, expires.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("inserting session: %w", err)
	}
	return token, nil
}

// Lookup resolves a token to its user id. Expired or unknown tokens yield
// an empty string.
func (s *SessionStore) Lookup(ctx context.Context, token string) (string, error) {
	var (
		userID    string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE token = ?`,
		token).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetching session: %w", err)
	}

	if time.Now().UnixMilli() >= expiresAt {
		return "", nil
	}
	return userID, nil
}

// Delete removes a session token. Deleting an unknown token is a no-op.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// PurgeExpired removes sessions past their expiry.
func (s *SessionStore) PurgeExpired(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("purging sessions: %w", err)
	}
	return nil
}
