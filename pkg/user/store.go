package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Store provides database operations for users.
type Store struct {
	db *sql.DB
}

// NewStore creates a user Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Fetch returns the user with the given id, or nil if none exists.
func (s *Store) Fetch(ctx context.Context, id string) (*User, error) {
	var (
		u            User
		creationTime int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, avatar, creation_time, instance_count
		 FROM users WHERE id = ?`,
		id).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Avatar, &creationTime, &u.InstanceCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	u.CreationTime = fromMillis(creationTime)
	return &u, nil
}

// Insert creates a new user row. Inserting an existing id is an error; the
// caller is expected to Fetch first.
func (s *Store) Insert(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, avatar, creation_time)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, u.Avatar, millis(u.CreationTime))
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// InstanceCount returns the persisted instance counter for the user.
func (s *Store) InstanceCount(ctx context.Context, id string) (uint32, error) {
	var n uint32
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_count FROM users WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("fetching instance count: %w", err)
	}
	return n, nil
}
