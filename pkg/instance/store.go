package instance

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store provides database operations for challenge instances. All state
// transitions are conditional single-row updates so concurrent workers can
// race on the same key without double-applying an action.
type Store struct {
	db *sql.DB
}

// NewStore creates an instance Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert atomically creates an instance row in the given initial state and
// increments the owning user's instance count, refusing once the user holds
// maxConcurrent instances. The count increment is conditioned on the limit
// and the row insert on the primary key, all in one transaction, so the
// instance_count invariant holds under any interleaving.
func (s *Store) Insert(ctx context.Context, userID, challengeID string, initial State, maxConcurrent uint32) (InsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET instance_count = instance_count + 1
		 WHERE id = ? AND instance_count < ?`,
		userID, maxConcurrent)
	if err != nil {
		return 0, fmt.Errorf("incrementing instance count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		return LimitReached, nil
	}

	res, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO challenge_instances (user_id, challenge_id, state)
		 VALUES (?, ?, ?)`,
		userID, challengeID, string(initial))
	if err != nil {
		return 0, fmt.Errorf("inserting instance: %w", err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		// Row already present; the rollback undoes the count increment.
		return AlreadyExists, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing insert: %w", err)
	}
	return Inserted, nil
}

// TransitionState moves the instance from one state to another. It returns
// true iff exactly one row matched the expected current state. This is the
// compare-and-swap every race-sensitive transition relies on.
func (s *Store) TransitionState(ctx context.Context, userID, challengeID string, from, to State) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ?
		 WHERE user_id = ? AND challenge_id = ? AND state = ?`,
		string(to), userID, challengeID, string(from))
	if err != nil {
		return false, fmt.Errorf("transitioning state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return affected == 1, nil
}

// PopulateRunning marks the instance running and records the deployer
// details and stop time. Called by the worker after a successful start
// script, which owns the key at that point, so the write is unconditional.
func (s *Store) PopulateRunning(ctx context.Context, userID, challengeID, details string, stopTime time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ?, details = ?, stop_time = ?
		 WHERE user_id = ? AND challenge_id = ?`,
		string(StateRunning), details, Millis(stopTime), userID, challengeID)
	if err != nil {
		return fmt.Errorf("populating running instance: %w", err)
	}
	return nil
}

// Extend updates the stop time of a running instance. It returns false if
// the instance is not currently running, in which case nothing changed.
func (s *Store) Extend(ctx context.Context, userID, challengeID string, newStopTime time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE challenge_instances SET stop_time = ?
		 WHERE user_id = ? AND challenge_id = ? AND state = ?`,
		Millis(newStopTime), userID, challengeID, string(StateRunning))
	if err != nil {
		return false, fmt.Errorf("extending instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return affected == 1, nil
}

// SetState writes the state column unconditionally. Used by the restart
// handler, which owns the key while the action is in flight.
func (s *Store) SetState(ctx context.Context, userID, challengeID string, st State) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ?
		 WHERE user_id = ? AND challenge_id = ?`,
		string(st), userID, challengeID)
	if err != nil {
		return fmt.Errorf("setting state: %w", err)
	}
	return nil
}

// Delete removes the instance row and decrements the user's instance count
// in one transaction, reporting whether a row was actually removed.
// Deleting an absent row is a no-op: the decrement is joined to the
// delete's row count, preserving the count invariant.
func (s *Store) Delete(ctx context.Context, userID, challengeID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM challenge_instances WHERE user_id = ? AND challenge_id = ?`,
		userID, challengeID)
	if err != nil {
		return false, fmt.Errorf("deleting instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}

	if affected > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET instance_count = instance_count - 1 WHERE id = ?`,
			userID); err != nil {
			return false, fmt.Errorf("decrementing instance count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing delete: %w", err)
	}
	return affected > 0, nil
}

// Get returns the instance for the key, or nil if none exists.
func (s *Store) Get(ctx context.Context, userID, challengeID string) (*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, challenge_id, state, details, stop_time
		 FROM challenge_instances WHERE user_id = ? AND challenge_id = ?`,
		userID, challengeID)
	if err != nil {
		return nil, fmt.Errorf("fetching instance: %w", err)
	}
	defer rows.Close()

	instances, err := scanInstances(rows)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return &instances[0], nil
}

// ListUser returns all persisted instances belonging to one user.
func (s *Store) ListUser(ctx context.Context, userID string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, challenge_id, state, details, stop_time
		 FROM challenge_instances WHERE user_id = ?`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing user instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListAll returns every persisted instance. Used by recovery.
func (s *Store) ListAll(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, challenge_id, state, details, stop_time
		 FROM challenge_instances`)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// Count returns the number of persisted instance rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM challenge_instances`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting instances: %w", err)
	}
	return n, nil
}

func scanInstances(rows *sql.Rows) ([]Instance, error) {
	var result []Instance
	for rows.Next() {
		var (
			inst     Instance
			state    string
			details  sql.NullString
			stopTime sql.NullInt64
		)
		if err := rows.Scan(&inst.UserID, &inst.ChallengeID, &state, &details, &stopTime); err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		parsed, err := StateFromString(state)
		if err != nil {
			return nil, err
		}
		inst.State = parsed
		if details.Valid {
			inst.Details = &details.String
		}
		if stopTime.Valid {
			t := FromMillis(stopTime.Int64)
			inst.StopTime = &t
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instances: %w", err)
	}
	return result, nil
}
