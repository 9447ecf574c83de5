package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/leisurelyCoder/chattle/auth"
	"github.com/leisurelyCoder/chattle/conversation"
	"github.com/leisurelyCoder/chattle/db"
	"github.com/leisurelyCoder/chattle/fanout"
	"github.com/leisurelyCoder/chattle/message"
	"github.com/leisurelyCoder/chattle/models"
	"github.com/leisurelyCoder/chattle/presence"
	"github.com/leisurelyCoder/chattle/protocol"
	"github.com/leisurelyCoder/chattle/session"
	"github.com/leisurelyCoder/chattle/typing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	srv *Server
	ts  *httptest.Server
	db  *db.DB
}

type testUser struct {
	ID    string
	Token string
}

// setupTestServer создает тестовый сервер с временной базой данных
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// Создаем временный файл для базы данных
	tmpfile, err := os.CreateTemp("", "chattle-server-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name()) // SQLite создаст его заново

	database, err := db.New(tmpfile.Name())
	require.NoError(t, err)

	logger := zap.NewNop()
	router := fanout.New(logger)
	router.Open()
	registry := session.NewRegistry(database, logger)
	directory := conversation.NewDirectory(database, logger)
	signal := typing.New(router, 200*time.Millisecond, logger)

	deps := Deps{
		DB:        database,
		Auth:      auth.NewService(database, auth.NewIssuer("test-access", "test-refresh", time.Hour, time.Hour), logger),
		Router:    router,
		Sessions:  registry,
		Presence:  presence.NewCoordinator(registry, database, router, nil, logger),
		Directory: directory,
		Messages:  message.NewPipeline(database, directory, registry, router, logger),
		Typing:    signal,
	}

	config := &ServerConfig{
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Second,
		MessageRateLimit:  30,
		MessageRateWindow: time.Minute,
		AuthRateLimit:     100,
		AuthRateWindow:    time.Minute,
	}
	srv := New(deps, config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go signal.Run(ctx)

	ts := httptest.NewServer(srv.Handler())

	// Функция очистки
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		assert.NoError(t, srv.Shutdown(shutdownCtx))
		ts.Close()
		cancel()
		database.Close()
		os.Remove(tmpfile.Name())
	})

	return &testEnv{srv: srv, ts: ts, db: database}
}

// doJSON выполняет REST-запрос и декодирует ответ
func (e *testEnv) doJSON(t *testing.T, method, path, token string, body, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// register заводит пользователя через REST и возвращает его токен
func (e *testEnv) register(t *testing.T, username string) testUser {
	t.Helper()

	var res struct {
		User        models.PublicUser `json:"user"`
		AccessToken string            `json:"accessToken"`
	}
	resp := e.doJSON(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "password123",
	}, &res)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return testUser{ID: res.User.ID, Token: res.AccessToken}
}

func (e *testEnv) conversation(t *testing.T, from, to testUser) string {
	t.Helper()

	var summary models.ConversationSummary
	resp := e.doJSON(t, http.MethodPost, "/api/conversations", from.Token,
		map[string]string{"participantId": to.ID}, &summary)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return summary.ID
}

// dial открывает websocket и дожидается события authenticated
func (e *testEnv) dial(t *testing.T, u testUser) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?token=" + u.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ev := waitFor(t, conn, protocol.EventAuthenticated)
	var payload protocol.Authenticated
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	require.Equal(t, u.ID, payload.UserID)
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.WriteJSON(env))
}

// readUntil читает события до первого event и возвращает все прочитанное
func readUntil(t *testing.T, conn *websocket.Conn, event string) []protocol.Envelope {
	t.Helper()

	var seen []protocol.Envelope
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s, seen %v", event, names(seen))
		seen = append(seen, env)
		if env.Event == event {
			return seen
		}
	}
}

func waitFor(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	seen := readUntil(t, conn, event)
	return seen[len(seen)-1]
}

// barrier отправляет ping: все, что сервер поставил в очередь раньше, придет до pong
func barrier(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	emit(t, conn, protocol.EventPing, nil)
	seen := readUntil(t, conn, protocol.EventPong)
	return names(seen[:len(seen)-1])
}

func names(envs []protocol.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Event)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	var body map[string]string
	resp := env.doJSON(t, http.MethodGet, "/health", "", nil, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthFlow(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")

	// повторная регистрация
	var errBody struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	resp := env.doJSON(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice2",
		"email":    "alice@example.com",
		"password": "password123",
	}, &errBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errBody.Error.Code)
	assert.Equal(t, "Email already registered", errBody.Error.Message)

	// вход выдает refresh-cookie
	var login authResponse
	resp = env.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "password123",
	}, &login)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, alice.ID, login.User.ID)

	var refresh *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == refreshCookie {
			refresh = c
		}
	}
	require.NotNil(t, refresh)
	assert.True(t, refresh.HttpOnly)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/auth/refresh", nil)
	require.NoError(t, err)
	req.AddCookie(refresh)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var refreshed struct {
		AccessToken string `json:"accessToken"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&refreshed))

	var me models.PublicUser
	resp = env.doJSON(t, http.MethodGet, "/api/users/me", refreshed.AccessToken, nil, &me)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", me.Username)

	// без cookie refresh не работает
	resp = env.doJSON(t, http.MethodPost, "/api/auth/refresh", "", nil, &errBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := setupTestServer(t)

	var errBody struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	resp := env.doJSON(t, http.MethodGet, "/api/conversations", "", nil, &errBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTHENTICATION_ERROR", errBody.Error.Code)

	resp = env.doJSON(t, http.MethodGet, "/api/users/me", "garbage", nil, &errBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid token", errBody.Error.Message)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?token=garbage"
	_, wsResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusUnauthorized, wsResp.StatusCode)
}

func TestUsersDirectory(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")
	env.register(t, "bob")
	env.register(t, "bobby")

	var found []models.PublicUser
	env.doJSON(t, http.MethodGet, "/api/users/search?q=bob", alice.Token, nil, &found)
	assert.Len(t, found, 2)

	env.doJSON(t, http.MethodGet, "/api/users/search?q=%20", alice.Token, nil, &found)
	assert.Empty(t, found)

	var all []models.PublicUser
	env.doJSON(t, http.MethodGet, "/api/users/all", alice.Token, nil, &all)
	require.Len(t, all, 2)
	for _, u := range all {
		assert.NotEqual(t, alice.ID, u.ID)
	}
}

func TestUpdateAvatar(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	var me models.PublicUser
	resp := env.doJSON(t, http.MethodPatch, "/api/users/me", alice.Token,
		map[string]string{"avatarUrl": "https://cdn.example.com/alice.png"}, &me)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://cdn.example.com/alice.png", me.AvatarURL)

	// аватар виден другим пользователям
	var all []models.PublicUser
	env.doJSON(t, http.MethodGet, "/api/users/all", bob.Token, nil, &all)
	require.Len(t, all, 1)
	assert.Equal(t, "https://cdn.example.com/alice.png", all[0].AvatarURL)

	for _, body := range []map[string]any{
		{},
		{"avatarUrl": "javascript:alert(1)"},
		{"avatarUrl": "/relative.png"},
		{"avatarUrl": "https://example.com/" + strings.Repeat("a", 500)},
	} {
		resp = env.doJSON(t, http.MethodPatch, "/api/users/me", alice.Token, body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %v", body)
	}

	resp = env.doJSON(t, http.MethodPatch, "/api/users/me", alice.Token, map[string]string{"avatarUrl": ""}, &me)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, me.AvatarURL)
}

func TestConversationsAndMessagesREST(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	carol := env.register(t, "carol")

	convID := env.conversation(t, alice, bob)
	assert.Equal(t, convID, env.conversation(t, bob, alice))

	// с самим собой нельзя
	resp := env.doJSON(t, http.MethodPost, "/api/conversations", alice.Token,
		map[string]string{"participantId": alice.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.doJSON(t, http.MethodPost, "/api/conversations", alice.Token,
		map[string]string{"participantId": "not-a-uuid"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, text := range []string{"one", "two", "three"} {
		var msg models.Message
		resp = env.doJSON(t, http.MethodPost, "/api/conversations/"+convID+"/messages", alice.Token,
			map[string]string{"content": text}, &msg)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, bob.ID, msg.ReceiverID)
		assert.Equal(t, models.StatusSent, msg.DeliveryStatus)
	}

	var history models.History
	resp = env.doJSON(t, http.MethodGet, "/api/conversations/"+convID+"/messages?page=1&limit=2", bob.Token, nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "two", history.Messages[0].Content)
	assert.Equal(t, "three", history.Messages[1].Content)
	assert.True(t, history.Pagination.HasMore)
	assert.EqualValues(t, 3, history.Pagination.Total)

	var list []models.ConversationSummary
	env.doJSON(t, http.MethodGet, "/api/conversations", bob.Token, nil, &list)
	require.Len(t, list, 1)
	assert.Equal(t, alice.ID, list[0].Participant.ID)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "three", list[0].LastMessage.Content)

	// чужой разговор выглядит как несуществующий
	resp = env.doJSON(t, http.MethodGet, "/api/conversations/"+convID, carol.Token, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.doJSON(t, http.MethodGet, "/api/conversations/"+convID+"/messages", carol.Token, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.doJSON(t, http.MethodPost, "/api/conversations/"+convID+"/messages", carol.Token,
		map[string]string{"content": "hi"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPresenceAcrossDevices(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	watcher := env.dial(t, alice)

	phone := env.dial(t, bob)
	online := waitFor(t, watcher, protocol.EventUserOnline)
	var payload protocol.UserOnline
	require.NoError(t, json.Unmarshal(online.Data, &payload))
	assert.Equal(t, bob.ID, payload.UserID)

	// второе устройство не объявляет user_online повторно
	laptop := env.dial(t, bob)
	assert.NotContains(t, barrier(t, watcher), protocol.EventUserOnline)

	phone.Close()
	assert.Eventually(t, func() bool {
		return env.srv.deps.Sessions.ActiveCount(bob.ID) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, barrier(t, watcher), protocol.EventUserOffline)

	laptop.Close()
	offline := waitFor(t, watcher, protocol.EventUserOffline)
	var gone protocol.UserOffline
	require.NoError(t, json.Unmarshal(offline.Data, &gone))
	assert.Equal(t, bob.ID, gone.UserID)
	assert.False(t, gone.LastSeen.IsZero())

	u, err := env.db.GetUser(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.False(t, u.IsOnline)
	require.NotNil(t, u.LastSeen)
}

func TestMessagingOverWebSocket(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	convID := env.conversation(t, alice, bob)

	a := env.dial(t, alice)
	b := env.dial(t, bob)
	waitFor(t, a, protocol.EventUserOnline)

	emit(t, a, protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: convID})
	emit(t, b, protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: convID})
	barrier(t, a)
	barrier(t, b)

	emit(t, a, protocol.EventSendMessage, protocol.SendMessage{ConversationID: convID, Content: "<b>hi</b> bob"})

	var msg models.Message
	require.NoError(t, json.Unmarshal(waitFor(t, b, protocol.EventNewMessage).Data, &msg))
	assert.Equal(t, "hi bob", msg.Content)
	assert.Equal(t, models.StatusDelivered, msg.DeliveryStatus)

	seen := readUntil(t, a, protocol.EventMessageDelivered)
	assert.Equal(t, []string{protocol.EventNewMessage, protocol.EventMessageDelivered}, names(seen))
	var delivered protocol.MessageDelivered
	require.NoError(t, json.Unmarshal(seen[1].Data, &delivered))
	assert.Equal(t, msg.ID, delivered.MessageID)

	emit(t, b, protocol.EventMarkRead, protocol.MarkRead{ConversationID: convID, MessageIDs: []string{msg.ID}})
	var read protocol.MessagesRead
	require.NoError(t, json.Unmarshal(waitFor(t, a, protocol.EventMessagesRead).Data, &read))
	assert.Equal(t, []string{msg.ID}, read.MessageIDs)
	assert.Equal(t, convID, read.ConversationID)

	// читатель сам не получает messages_read
	assert.NotContains(t, barrier(t, b), protocol.EventMessagesRead)

	stored, err := env.db.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.DeliveryStatus)
}

func TestTypingIndicators(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	convID := env.conversation(t, alice, bob)

	a := env.dial(t, alice)
	b := env.dial(t, bob)

	// без join набор текста отклоняется
	emit(t, a, protocol.EventTypingStart, protocol.ConversationRef{ConversationID: convID})
	var failure protocol.Error
	require.NoError(t, json.Unmarshal(waitFor(t, a, protocol.EventError).Data, &failure))
	assert.Equal(t, protocol.EventTypingStart, failure.Operation)
	assert.Equal(t, "Conversation not found", failure.Message)

	emit(t, a, protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: convID})
	emit(t, b, protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: convID})
	barrier(t, a)
	barrier(t, b)

	emit(t, a, protocol.EventTypingStart, protocol.ConversationRef{ConversationID: convID})
	var typingEv protocol.UserTyping
	require.NoError(t, json.Unmarshal(waitFor(t, b, protocol.EventUserTyping).Data, &typingEv))
	assert.Equal(t, alice.ID, typingEv.UserID)
	assert.Equal(t, "alice", typingEv.Username)

	// дедлайн истекает сам
	waitFor(t, b, protocol.EventUserStoppedTyping)
	assert.NotContains(t, barrier(t, a), protocol.EventUserTyping)
}

func TestEventErrors(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	carol := env.register(t, "carol")
	convID := env.conversation(t, alice, bob)

	c := env.dial(t, carol)

	emit(t, c, protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: convID})
	var failure protocol.Error
	require.NoError(t, json.Unmarshal(waitFor(t, c, protocol.EventError).Data, &failure))
	assert.Equal(t, protocol.EventJoinConversation, failure.Operation)
	assert.Equal(t, "Conversation not found", failure.Message)

	emit(t, c, "dance", nil)
	require.NoError(t, json.Unmarshal(waitFor(t, c, protocol.EventError).Data, &failure))
	assert.Equal(t, "Unknown event", failure.Message)

	emit(t, c, protocol.EventSendMessage, protocol.SendMessage{ConversationID: convID, Content: "   "})
	require.NoError(t, json.Unmarshal(waitFor(t, c, protocol.EventError).Data, &failure))
	assert.Equal(t, "Message content cannot be empty", failure.Message)

	c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, json.Unmarshal(waitFor(t, c, protocol.EventError).Data, &failure))
	assert.Equal(t, "Invalid message format", failure.Message)
}

func TestMessageRateLimit(t *testing.T) {
	env := setupTestServer(t)
	env.srv.msgLimiter = newLimiter(2, time.Minute)

	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	convID := env.conversation(t, alice, bob)
	path := "/api/conversations/" + convID + "/messages"

	for i := 0; i < 2; i++ {
		resp := env.doJSON(t, http.MethodPost, path, alice.Token, map[string]string{"content": "hi"}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := env.doJSON(t, http.MethodPost, path, alice.Token, map[string]string{"content": "hi"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// лимит общий для REST и websocket
	a := env.dial(t, alice)
	emit(t, a, protocol.EventSendMessage, protocol.SendMessage{ConversationID: convID, Content: "hi"})
	var failure protocol.Error
	require.NoError(t, json.Unmarshal(waitFor(t, a, protocol.EventError).Data, &failure))
	assert.Equal(t, "Too many messages. Please slow down.", failure.Message)
}

func TestGetStats(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")

	assert.Equal(t, "connections=0,online_users=0,groups=0", env.srv.GetStats())

	env.dial(t, alice)
	env.dial(t, alice)
	assert.Equal(t, "connections=2,online_users=1,groups=1", env.srv.GetStats())
}

func TestShutdownNotifiesClientsAndReleasesSessions(t *testing.T) {
	env := setupTestServer(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	a := env.dial(t, alice)
	env.dial(t, bob)
	waitFor(t, a, protocol.EventUserOnline)

	completion := time.Date(2026, 10, 18, 21, 0, 0, 0, time.UTC)
	env.srv.SetShutdownNotice("upgrade", completion)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	// Shutdown возвращается только после того, как все сессии отпущены
	assert.Zero(t, env.srv.deps.Sessions.ActiveCount(alice.ID))
	assert.Zero(t, env.srv.deps.Sessions.ActiveCount(bob.ID))
	stored, err := env.db.GetUser(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOnline)

	var notice protocol.ServerShutdown
	require.NoError(t, json.Unmarshal(waitFor(t, a, protocol.EventServerShutdown).Data, &notice))
	assert.Equal(t, "upgrade", notice.Reason)
	require.NotNil(t, notice.CompletionTime)
	assert.True(t, notice.CompletionTime.Equal(completion))
}
