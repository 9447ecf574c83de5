package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/leisurelyCoder/chattle/models"
)

// ConversationRow is a conversation joined with its latest message, if any.
type ConversationRow struct {
	models.Conversation
	LastMessage *models.Message
}

const conversationSelect = `
	SELECT c.id, c.participant1_id, c.participant2_id, c.last_message_id, c.last_message_at,
		c.created_at, c.updated_at,
		m.id, m.conversation_id, m.sender_id, m.receiver_id, m.content, m.delivery_status, m.created_at
	FROM conversations c
	LEFT JOIN messages m ON m.id = c.last_message_id`

// PairKey identifies an unordered pair of users.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func scanConversation(row rowScanner) (*ConversationRow, error) {
	var r ConversationRow
	var lastID, lastAt sql.NullString
	var created, updated string
	var mID, mConv, mSender, mReceiver, mContent, mStatus, mCreated sql.NullString

	if err := row.Scan(&r.ID, &r.Participant1ID, &r.Participant2ID, &lastID, &lastAt,
		&created, &updated,
		&mID, &mConv, &mSender, &mReceiver, &mContent, &mStatus, &mCreated); err != nil {
		return nil, err
	}

	if lastID.Valid {
		id := lastID.String
		r.LastMessageID = &id
	}

	var err error
	if r.LastMessageAt, err = parseNullTime(lastAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}

	if mID.Valid {
		msgCreated, err := parseTime(mCreated.String)
		if err != nil {
			return nil, err
		}
		r.LastMessage = &models.Message{
			ID:             mID.String,
			ConversationID: mConv.String,
			SenderID:       mSender.String,
			ReceiverID:     mReceiver.String,
			Content:        mContent.String,
			DeliveryStatus: models.DeliveryStatus(mStatus.String),
			CreatedAt:      msgCreated,
		}
	}

	return &r, nil
}

// FindConversationByPair looks the pair up under both orderings.
func (db *DB) FindConversationByPair(ctx context.Context, a, b string) (*ConversationRow, error) {
	row := db.conn.QueryRowContext(ctx, conversationSelect+`
		WHERE (c.participant1_id = ? AND c.participant2_id = ?)
			OR (c.participant1_id = ? AND c.participant2_id = ?)`,
		a, b, b, a,
	)
	r, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return r, err
}

// CreateConversation returns ErrConflict when the pair already has a conversation.
func (db *DB) CreateConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	now := time.Now().UTC()
	c := &models.Conversation{
		ID:             uuid.NewString(),
		Participant1ID: a,
		Participant2ID: b,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO conversations (id, participant1_id, participant2_id, pair_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, a, b, PairKey(a, b), formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}

	return c, nil
}

func (db *DB) GetConversation(ctx context.Context, id string) (*ConversationRow, error) {
	row := db.conn.QueryRowContext(ctx, conversationSelect+" WHERE c.id = ?", id)
	r, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return r, err
}

// GetConversationForParticipant hides the conversation from non-participants.
func (db *DB) GetConversationForParticipant(ctx context.Context, id, userID string) (*ConversationRow, error) {
	row := db.conn.QueryRowContext(ctx,
		conversationSelect+" WHERE c.id = ? AND (c.participant1_id = ? OR c.participant2_id = ?)",
		id, userID, userID,
	)
	r, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return r, err
}

// ListConversations orders messaged conversations by recency, then never-messaged ones by update time.
func (db *DB) ListConversations(ctx context.Context, userID string) ([]ConversationRow, error) {
	rows, err := db.conn.QueryContext(ctx, conversationSelect+`
		WHERE c.participant1_id = ? OR c.participant2_id = ?
		ORDER BY CASE WHEN c.last_message_at IS NULL THEN 1 ELSE 0 END ASC,
			c.last_message_at DESC,
			c.updated_at DESC`,
		userID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []ConversationRow
	for rows.Next() {
		r, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *r)
	}

	return list, rows.Err()
}

// TouchConversation points the conversation at its newest message.
func (tx *Tx) TouchConversation(ctx context.Context, conversationID, messageID string, at time.Time) error {
	result, err := tx.tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_id = ?, last_message_at = ?, updated_at = ? WHERE id = ?",
		messageID, formatTime(at), formatTime(at), conversationID,
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
