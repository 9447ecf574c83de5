// Package message persists messages, fans them out and drives delivery status.
package message

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/leisurelyCoder/chattle/apperr"
	"github.com/leisurelyCoder/chattle/conversation"
	"github.com/leisurelyCoder/chattle/db"
	"github.com/leisurelyCoder/chattle/models"
	"github.com/leisurelyCoder/chattle/protocol"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

type ActiveCounter interface {
	ActiveCount(userID string) int
}

type Router interface {
	BroadcastToConversation(conversationID string, ev protocol.Envelope, except ...string) int
	BroadcastToUser(userID string, ev protocol.Envelope) int
}

type Pipeline struct {
	db        *db.DB
	directory *conversation.Directory
	sessions  ActiveCounter
	router    Router
	log       *zap.Logger
	now       func() time.Time
}

func NewPipeline(database *db.DB, directory *conversation.Directory, sessions ActiveCounter, router Router, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:        database,
		directory: directory,
		sessions:  sessions,
		router:    router,
		log:       logger.Named("message"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Send stores a message and fans it out to the conversation. If the receiver has
// a live session the message is delivered on the spot and the sender is told so.
func (p *Pipeline) Send(ctx context.Context, conversationID, senderID, content string) (*models.Message, error) {
	content, err := ValidateContent(content)
	if err != nil {
		return nil, err
	}

	conv, err := p.directory.VerifyParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}

	receiverID := conv.Other(senderID)
	if receiverID == senderID {
		return nil, apperr.Validation("Cannot send message to yourself")
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		DeliveryStatus: models.StatusSent,
		CreatedAt:      p.now(),
	}

	err = p.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return p.directory.Touch(ctx, tx, conv.ID, msg)
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	// Committed: the sender going away must not stop the rest.
	ctx = context.WithoutCancel(ctx)

	delivered := false
	if p.sessions.ActiveCount(receiverID) > 0 {
		changed, err := p.MarkDelivered(ctx, []string{msg.ID}, receiverID)
		if err != nil {
			p.log.Warn("failed to mark message delivered",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		} else if len(changed) == 1 {
			msg.DeliveryStatus = models.StatusDelivered
			delivered = true
		}
	}

	p.router.BroadcastToConversation(conv.ID, protocol.MustEnvelope(protocol.EventNewMessage, msg))
	if delivered {
		p.router.BroadcastToUser(senderID, protocol.MustEnvelope(protocol.EventMessageDelivered, protocol.MessageDelivered{
			MessageID:      msg.ID,
			ConversationID: conv.ID,
		}))
	}

	p.log.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("status", string(msg.DeliveryStatus)),
	)
	return msg, nil
}

// MarkDelivered raises sent messages addressed to receiverID to delivered and returns the ones that changed.
func (p *Pipeline) MarkDelivered(ctx context.Context, messageIDs []string, receiverID string) ([]models.Message, error) {
	changed, err := p.db.RaiseStatus(ctx, "", dedupe(messageIDs), receiverID, models.StatusDelivered)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("mark delivered: %w", err))
	}
	return changed, nil
}

// MarkRead raises the receiver's messages to read and tells each original sender,
// once, which of their messages were read. The ids may span conversations;
// messages not addressed to receiverID are left alone.
func (p *Pipeline) MarkRead(ctx context.Context, messageIDs []string, receiverID string) ([]models.Message, error) {
	ids := dedupe(messageIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	changed, err := p.db.RaiseStatus(ctx, "", ids, receiverID, models.StatusRead)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("mark read: %w", err))
	}

	// a pair shares exactly one conversation, so a sender maps to one conversation id
	var senders []string
	bySender := make(map[string]*protocol.MessagesRead)
	for _, m := range changed {
		ev, ok := bySender[m.SenderID]
		if !ok {
			ev = &protocol.MessagesRead{ConversationID: m.ConversationID}
			bySender[m.SenderID] = ev
			senders = append(senders, m.SenderID)
		}
		ev.MessageIDs = append(ev.MessageIDs, m.ID)
	}

	for _, senderID := range senders {
		p.router.BroadcastToUser(senderID, protocol.MustEnvelope(protocol.EventMessagesRead, bySender[senderID]))
	}

	return changed, nil
}

// GetHistory returns one page of the conversation in chronological order. Pages count back from the newest message.
func (p *Pipeline) GetHistory(ctx context.Context, conversationID, userID string, page, pageSize int) (*models.History, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	if _, err := p.directory.VerifyParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	total, err := p.db.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("count messages: %w", err))
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	// past the end every page is empty; keep the offset from overflowing
	if page > totalPages+1 {
		page = totalPages + 1
	}

	messages, err := p.db.ListMessagesDesc(ctx, conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list messages: %w", err))
	}
	slices.Reverse(messages)
	if messages == nil {
		messages = []models.Message{}
	}

	return &models.History{
		Messages: messages,
		Pagination: models.Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasMore:    page < totalPages,
		},
	}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
