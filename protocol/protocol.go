package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrMissingEvent  = errors.New("event name required")
)

// Client -> server events
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_read"
	EventPing              = "ping"
)

// Server -> client events
const (
	EventAuthenticated     = "authenticated"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventNewMessage        = "new_message"
	EventMessageDelivered  = "message_delivered"
	EventMessagesRead      = "messages_read"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventError             = "error"
	EventPong              = "pong"
	EventServerShutdown    = "server_shutdown"
)

// Envelope is one websocket frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidPacket
	}

	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return nil, ErrMissingEvent
	}

	return &env, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return ErrInvalidPacket
	}
	return nil
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that are known to marshal.
func MustEnvelope(event string, payload any) Envelope {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Client payloads

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type MarkRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// Server payloads

type Authenticated struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

type UserOffline struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

type MessageDelivered struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type MessagesRead struct {
	MessageIDs     []string `json:"messageIds"`
	ConversationID string   `json:"conversationId"`
}

type UserTyping struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	ConversationID string `json:"conversationId"`
}

type UserStoppedTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// ServerShutdown is sent to every connection right before the server closes them.
type ServerShutdown struct {
	Reason         string     `json:"reason"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`
}

type Error struct {
	Message   string `json:"message"`
	Operation string `json:"operation,omitempty"`
}
