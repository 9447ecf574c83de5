package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/leisurelyCoder/chattle/apperr"
	"github.com/leisurelyCoder/chattle/fanout"
	"github.com/leisurelyCoder/chattle/protocol"
	"go.uber.org/zap"
)

const releaseTimeout = 5 * time.Second

func (s *Server) serveWS(c *gin.Context) {
	user := currentUser(c)

	// counted before the hijack so Shutdown cannot miss it
	s.clients.Add(1)
	defer s.clients.Done()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the request
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := newClient(uuid.NewString(), user, conn, s)
	if err := s.deps.Router.Attach(cl, user.ID); err != nil {
		s.log.Warn("attach failed", zap.String("user_id", user.ID), zap.Error(err))
		conn.Close()
		return
	}
	go cl.writePump()
	defer s.release(cl)

	ctx := c.Request.Context()
	if err := s.deps.Presence.Connect(ctx, user.ID, cl.id); err != nil {
		// registration was rolled back; the client reconnects and retries the transition
		s.log.Error("presence connect failed", zap.String("user_id", user.ID), zap.Error(err))
		cl.sendError("", err)
		return
	}

	cl.Send(protocol.MustEnvelope(protocol.EventAuthenticated, protocol.Authenticated{
		UserID:   user.ID,
		Username: user.Username,
	}))
	cl.log.Info("client connected", zap.String("remote_addr", c.ClientIP()))

	cl.readPump(ctx)
}

// release undoes everything serveWS set up. Typing deadlines go silently.
func (s *Server) release(cl *client) {
	s.deps.Typing.CancelConn(cl.id)
	s.deps.Router.Detach(cl.id)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.deps.Presence.Disconnect(ctx, cl.id); err != nil {
		cl.log.Error("presence update failed on disconnect", zap.Error(err))
	}

	cl.Close()
	cl.log.Info("client disconnected")
}

func (s *Server) handleEvent(ctx context.Context, c *client, env *protocol.Envelope) {
	var err error

	switch env.Event {
	case protocol.EventPing:
		c.Send(protocol.MustEnvelope(protocol.EventPong, nil))
	case protocol.EventJoinConversation:
		err = s.handleJoin(ctx, c, env)
	case protocol.EventLeaveConversation:
		err = s.handleLeave(c, env)
	case protocol.EventSendMessage:
		err = s.handleSendMessage(ctx, c, env)
	case protocol.EventTypingStart:
		err = s.handleTyping(c, env, true)
	case protocol.EventTypingStop:
		err = s.handleTyping(c, env, false)
	case protocol.EventMarkRead:
		err = s.handleMarkRead(ctx, c, env)
	default:
		err = apperr.Validation("Unknown event")
	}

	if err != nil {
		c.sendError(env.Event, err)
	}
}

func (s *Server) handleJoin(ctx context.Context, c *client, env *protocol.Envelope) error {
	conversationID, err := decodeConversationRef(env)
	if err != nil {
		return err
	}

	if _, err := s.deps.Directory.VerifyParticipant(ctx, conversationID, c.user.ID); err != nil {
		return err
	}
	if err := s.deps.Router.Join(c.id, fanout.ConversationGroup(conversationID)); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (s *Server) handleLeave(c *client, env *protocol.Envelope) error {
	conversationID, err := decodeConversationRef(env)
	if err != nil {
		return err
	}
	s.deps.Router.Leave(c.id, fanout.ConversationGroup(conversationID))
	return nil
}

func (s *Server) handleSendMessage(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.SendMessage
	if err := env.Decode(&p); err != nil {
		return apperr.Validation("Invalid payload")
	}
	if p.ConversationID == "" {
		return apperr.Validation("Conversation ID is required")
	}
	if !s.msgLimiter.Allow(c.user.ID) {
		return apperr.RateLimit("Too many messages. Please slow down.")
	}

	_, err := s.deps.Messages.Send(ctx, p.ConversationID, c.user.ID, p.Content)
	return err
}

// handleTyping requires the connection to have joined the conversation, which
// already proved participancy.
func (s *Server) handleTyping(c *client, env *protocol.Envelope, start bool) error {
	conversationID, err := decodeConversationRef(env)
	if err != nil {
		return err
	}
	if !s.deps.Router.IsMember(c.id, fanout.ConversationGroup(conversationID)) {
		return apperr.NotFound("Conversation")
	}

	if start {
		s.deps.Typing.Start(conversationID, c.user.ID, c.user.Username, c.id)
	} else {
		s.deps.Typing.Stop(conversationID, c.user.ID, c.id)
	}
	return nil
}

func (s *Server) handleMarkRead(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.MarkRead
	if err := env.Decode(&p); err != nil {
		return apperr.Validation("Invalid payload")
	}

	// conversationId is informational; the receiver predicate scopes the update
	_, err := s.deps.Messages.MarkRead(ctx, p.MessageIDs, c.user.ID)
	return err
}

func decodeConversationRef(env *protocol.Envelope) (string, error) {
	var ref protocol.ConversationRef
	if err := env.Decode(&ref); err != nil {
		return "", apperr.Validation("Invalid payload")
	}
	if ref.ConversationID == "" {
		return "", apperr.Validation("Conversation ID is required")
	}
	return ref.ConversationID, nil
}
