package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNoRows   = errors.New("no rows found")
	ErrConflict = errors.New("unique constraint violation")
)

// timeLayout is fixed-width so that TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	dsn := path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_online INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			socket_id TEXT UNIQUE NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			participant1_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			participant2_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			pair_key TEXT UNIQUE NOT NULL,
			last_message_id TEXT,
			last_message_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (participant1_id <> participant2_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL REFERENCES users(id),
			receiver_id TEXT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			delivery_status TEXT NOT NULL DEFAULT 'sent'
				CHECK (delivery_status IN ('sent', 'delivered', 'read')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (sender_id <> receiver_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_active ON user_sessions(user_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_p1 ON conversations(participant1_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_p2 ON conversations(participant2_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, delivery_status)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return err
	}

	return nil
}

// migrate performs auto-migration for new columns
func (db *DB) migrate() error {
	if !db.columnExists("users", "avatar_url") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN avatar_url TEXT"); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// ResetPresence deactivates every session and marks every user offline.
// Called once at startup: nothing survives a restart.
func (db *DB) ResetPresence(ctx context.Context) error {
	now := formatTime(time.Now())
	return db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			"UPDATE user_sessions SET is_active = 0, updated_at = ? WHERE is_active = 1", now,
		); err != nil {
			return err
		}
		_, err := tx.tx.ExecContext(ctx,
			"UPDATE users SET is_online = 0, updated_at = ? WHERE is_online = 1", now,
		)
		return err
	})
}

// Tx scopes writes that must commit together.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn in a transaction, committing only if fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
