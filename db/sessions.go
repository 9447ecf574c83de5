package db

import (
	"context"
	"time"
)

// Session rows are soft-deleted only; socket_id stays unique across active and inactive rows.

func (db *DB) CreateSession(ctx context.Context, userID, connID string) error {
	now := formatTime(time.Now())
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO user_sessions (user_id, socket_id, is_active, created_at, updated_at) VALUES (?, ?, 1, ?, ?)",
		userID, connID, now, now,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// DeactivateSession reports whether an active session was actually closed.
func (db *DB) DeactivateSession(ctx context.Context, connID string) (bool, error) {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE user_sessions SET is_active = 0, updated_at = ? WHERE socket_id = ? AND is_active = 1",
		formatTime(time.Now()), connID,
	)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func (db *DB) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_sessions WHERE user_id = ? AND is_active = 1", userID,
	).Scan(&count)
	return count, err
}
