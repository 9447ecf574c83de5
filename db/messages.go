package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/leisurelyCoder/chattle/models"
)

const messageColumns = "id, conversation_id, sender_id, receiver_id, content, delivery_status, created_at"

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var status, created string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &status, &created); err != nil {
		return nil, err
	}
	m.DeliveryStatus = models.DeliveryStatus(status)

	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = t
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}

	return messages, rows.Err()
}

// Message methods
func (tx *Tx) InsertMessage(ctx context.Context, m *models.Message) error {
	_, err := tx.tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, delivery_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, string(m.DeliveryStatus),
		formatTime(m.CreatedAt), formatTime(m.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return m, err
}

// RaiseStatus moves the given messages up to status `to`, touching only messages
// addressed to receiverID whose current status ranks below `to`. An empty
// conversationID matches any conversation. It returns the rows actually changed.
func (db *DB) RaiseStatus(ctx context.Context, conversationID string, ids []string, receiverID string, to models.DeliveryStatus) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var lower []string
	for _, s := range []models.DeliveryStatus{models.StatusSent, models.StatusDelivered, models.StatusRead} {
		if s.Rank() < to.Rank() {
			lower = append(lower, string(s))
		}
	}
	if len(lower) == 0 {
		return nil, nil
	}

	args := []any{string(to), formatTime(time.Now())}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, receiverID, conversationID, conversationID)
	for _, s := range lower {
		args = append(args, s)
	}

	query := `UPDATE messages SET delivery_status = ?, updated_at = ?
		WHERE id IN (` + placeholders(len(ids)) + `)
			AND receiver_id = ?
			AND (? = '' OR conversation_id = ?)
			AND delivery_status IN (` + placeholders(len(lower)) + `)
		RETURNING ` + messageColumns

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (db *DB) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID,
	).Scan(&count)
	return count, err
}

// ListMessagesDesc pages through a conversation newest first.
func (db *DB) ListMessagesDesc(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
