package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leisurelyCoder/chattle/models"
	"golang.org/x/crypto/bcrypt"
)

const userColumns = "id, username, email, password_hash, COALESCE(avatar_url, ''), is_online, last_seen, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var online int
	var lastSeen sql.NullString
	var created, updated string

	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.AvatarURL,
		&online, &lastSeen, &created, &updated); err != nil {
		return nil, err
	}

	u.IsOnline = online == 1

	var err error
	if u.LastSeen, err = parseNullTime(lastSeen); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &u, nil
}

// User methods
func (db *DB) CreateUser(ctx context.Context, username, email, password string) (*models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hashed),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (id, username, email, password_hash, is_online, created_at, updated_at) VALUES (?, ?, ?, ?, 0, ?, ?)",
		u.ID, u.Username, u.Email, u.PasswordHash, formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}

	return u, nil
}

// AuthenticateUser checks credentials. ok is false for an unknown email or a wrong password.
func (db *DB) AuthenticateUser(ctx context.Context, email, password string) (user *models.User, ok bool, err error) {
	user, err = db.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, false, nil
	}
	return user, true, nil
}

func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return u, err
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return u, err
}

func (db *DB) UserExistsByEmail(ctx context.Context, email string) (bool, error) {
	return db.exists(ctx, "SELECT COUNT(*) FROM users WHERE email = ?", email)
}

func (db *DB) UserExistsByUsername(ctx context.Context, username string) (bool, error) {
	return db.exists(ctx, "SELECT COUNT(*) FROM users WHERE username = ?", username)
}

func (db *DB) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SearchUsers matches username or email by substring, excluding the caller.
func (db *DB) SearchUsers(ctx context.Context, excludeID, query string, limit int) ([]models.User, error) {
	pattern := "%" + escapeLike(query) + "%"
	return db.queryUsers(ctx,
		"SELECT "+userColumns+` FROM users
		WHERE id <> ? AND (username LIKE ? ESCAPE '\' OR email LIKE ? ESCAPE '\')
		ORDER BY username ASC
		LIMIT ?`,
		excludeID, pattern, pattern, limit,
	)
}

// ListUsers returns everyone but the caller, online users first.
func (db *DB) ListUsers(ctx context.Context, excludeID string, limit int) ([]models.User, error) {
	return db.queryUsers(ctx,
		"SELECT "+userColumns+" FROM users WHERE id <> ? ORDER BY is_online DESC, username ASC LIMIT ?",
		excludeID, limit,
	)
}

func (db *DB) queryUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}

	return users, rows.Err()
}

// SetOnline updates the presence projection. Going offline stamps last_seen.
func (db *DB) SetOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	var result sql.Result
	var err error

	if online {
		result, err = db.conn.ExecContext(ctx,
			"UPDATE users SET is_online = 1, updated_at = ? WHERE id = ?",
			formatTime(at), userID,
		)
	} else {
		result, err = db.conn.ExecContext(ctx,
			"UPDATE users SET is_online = 0, last_seen = ?, updated_at = ? WHERE id = ?",
			formatTime(at), formatTime(at), userID,
		)
	}
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

// SetAvatar stores the user's avatar URL; an empty url clears it.
func (db *DB) SetAvatar(ctx context.Context, userID, url string) error {
	var value any
	if url != "" {
		value = url
	}

	result, err := db.conn.ExecContext(ctx,
		"UPDATE users SET avatar_url = ?, updated_at = ? WHERE id = ?",
		value, formatTime(time.Now()), userID,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
