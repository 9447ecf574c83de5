// Package conversation resolves the canonical two-party conversation and its summary.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leisurelyCoder/chattle/apperr"
	"github.com/leisurelyCoder/chattle/db"
	"github.com/leisurelyCoder/chattle/models"
	"go.uber.org/zap"
)

type Directory struct {
	db  *db.DB
	log *zap.Logger
}

func NewDirectory(database *db.DB, logger *zap.Logger) *Directory {
	return &Directory{db: database, log: logger.Named("conversation")}
}

// GetOrCreate returns the single conversation between userA and userB, creating it on first contact.
func (d *Directory) GetOrCreate(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	if userA == userB {
		return nil, apperr.Validation("Cannot create conversation with yourself")
	}

	if _, err := d.db.GetUser(ctx, userB); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, apperr.NotFound("Participant")
		}
		return nil, apperr.Internal(fmt.Errorf("load participant: %w", err))
	}

	row, err := d.db.FindConversationByPair(ctx, userA, userB)
	if err == nil {
		return &row.Conversation, nil
	}
	if !errors.Is(err, db.ErrNoRows) {
		return nil, apperr.Internal(fmt.Errorf("find conversation: %w", err))
	}

	conv, err := d.db.CreateConversation(ctx, userA, userB)
	if err == nil {
		d.log.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("user_id", userA),
		)
		return conv, nil
	}
	if !errors.Is(err, db.ErrConflict) {
		return nil, apperr.Internal(fmt.Errorf("create conversation: %w", err))
	}

	// Lost a first-contact race: the other row is the canonical one.
	row, err = d.db.FindConversationByPair(ctx, userA, userB)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("refetch conversation: %w", err))
	}
	return &row.Conversation, nil
}

// VerifyParticipant loads the conversation if userID takes part in it. Anyone
// else gets NotFound, so existence is not leaked.
func (d *Directory) VerifyParticipant(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	row, err := d.db.GetConversationForParticipant(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, apperr.NotFound("Conversation")
		}
		return nil, apperr.Internal(fmt.Errorf("load conversation: %w", err))
	}
	return &row.Conversation, nil
}

// Summarize projects conv for viewerID: the other participant plus the last message preview.
func (d *Directory) Summarize(ctx context.Context, conv *models.Conversation, viewerID string) (*models.ConversationSummary, error) {
	if !conv.HasParticipant(viewerID) {
		return nil, apperr.NotFound("Conversation")
	}

	row, err := d.db.GetConversation(ctx, conv.ID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, apperr.NotFound("Conversation")
		}
		return nil, apperr.Internal(fmt.Errorf("load conversation: %w", err))
	}
	return d.summarize(ctx, row, viewerID)
}

// Get returns the summary of a conversation the viewer takes part in.
func (d *Directory) Get(ctx context.Context, conversationID, viewerID string) (*models.ConversationSummary, error) {
	row, err := d.db.GetConversationForParticipant(ctx, conversationID, viewerID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, apperr.NotFound("Conversation")
		}
		return nil, apperr.Internal(fmt.Errorf("load conversation: %w", err))
	}
	return d.summarize(ctx, row, viewerID)
}

// ListForUser returns every conversation of userID, most recently messaged first.
func (d *Directory) ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := d.db.ListConversations(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list conversations: %w", err))
	}

	summaries := make([]models.ConversationSummary, 0, len(rows))
	for i := range rows {
		s, err := d.summarize(ctx, &rows[i], userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *s)
	}
	return summaries, nil
}

// Touch records m as the latest message. It runs inside the transaction that inserts m.
func (d *Directory) Touch(ctx context.Context, tx *db.Tx, conversationID string, m *models.Message) error {
	at := m.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := tx.TouchConversation(ctx, conversationID, m.ID, at); err != nil {
		return fmt.Errorf("touch conversation %s: %w", conversationID, err)
	}
	return nil
}

func (d *Directory) summarize(ctx context.Context, row *db.ConversationRow, viewerID string) (*models.ConversationSummary, error) {
	other, err := d.db.GetUser(ctx, row.Other(viewerID))
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("load participant: %w", err))
	}

	return &models.ConversationSummary{
		ID:            row.ID,
		Participant:   other.Public(),
		LastMessage:   row.LastMessage,
		LastMessageAt: row.LastMessageAt,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}
