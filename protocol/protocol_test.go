package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		event   string
		wantErr error
	}{
		{name: "with data", raw: `{"event":"send_message","data":{"conversationId":"c1","content":"hi"}}`, event: EventSendMessage},
		{name: "without data", raw: `{"event":"ping"}`, event: EventPing},
		{name: "padded event", raw: `{"event":"  typing_stop "}`, event: EventTypingStop},
		{name: "not json", raw: `send_message|c1|hi`, wantErr: ErrInvalidPacket},
		{name: "empty event", raw: `{"event":"","data":{}}`, wantErr: ErrMissingEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.event, env.Event)
		})
	}
}

func TestDecode(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"mark_read","data":{"conversationId":"c1","messageIds":["m1","m2"]}}`))
	require.NoError(t, err)

	var req MarkRead
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, []string{"m1", "m2"}, req.MessageIDs)

	bad := Envelope{Event: EventMarkRead, Data: []byte(`{"messageIds":"m1"}`)}
	assert.ErrorIs(t, bad.Decode(&req), ErrInvalidPacket)

	empty := Envelope{Event: EventPing}
	var ref ConversationRef
	assert.NoError(t, empty.Decode(&ref))
	assert.Empty(t, ref.ConversationID)
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventUserOnline, UserOnline{UserID: "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u1"}`, string(env.Data))

	env, err = NewEnvelope(EventPong, nil)
	require.NoError(t, err)
	assert.Nil(t, env.Data)

	_, err = NewEnvelope(EventError, make(chan int))
	assert.Error(t, err)
}
