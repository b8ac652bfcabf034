package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"claimsync/database"
	"claimsync/events"
	"claimsync/models"
)

type testEnv struct {
	srv *Server
	ts  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := database.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	accounts, err := database.ParseAccounts("tok-a=agent-1:agent:Alex,tok-b=hr-2:hr:Dana,tok-c=emp-3:employee:Ben")
	require.NoError(t, err)
	require.NoError(t, store.Seed(context.Background(), accounts))

	srv := NewServer(store, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		cancel()
		ts.Close()
		store.Close()
	})
	return &testEnv{srv: srv, ts: ts}
}

func (e *testEnv) dial(t *testing.T, token, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.ts.URL, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return e.srv.Hub().IsOnline(userID) }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func send(t *testing.T, conn *websocket.Conn, cmd events.Command) {
	t.Helper()
	data, err := events.EncodeCommand(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func next(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := events.Decode(data)
	require.NoError(t, err)
	return ev
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/conversations", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/conversations", "wrong", nil, nil))

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.ts.URL, "http")+"/ws", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil, nil))
}

func TestMessageRoundTripAndReceipts(t *testing.T) {
	env := newTestEnv(t)
	alex := env.dial(t, "tok-a", "agent-1")
	dana := env.dial(t, "tok-b", "hr-2")
	convID := models.ConversationID("agent-1", "hr-2")

	send(t, alex, events.SendMessage{RecipientID: "hr-2", Content: "Hello", MessageType: "text"})

	got := next(t, dana).(events.NewMessage)
	assert.Equal(t, "Hello", got.Message.Content)
	assert.Equal(t, convID, got.Message.ConversationID)
	assert.Equal(t, "Alex", got.Message.SenderName)
	echo := next(t, alex).(events.NewMessage)
	assert.Equal(t, got.Message.ID, echo.Message.ID, "sender receives the echo")

	var convs []models.Conversation
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/conversations", "tok-b", nil, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.True(t, convs[0].Other.Online)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/conversations/"+convID+"/read", "tok-b", nil, nil))
	receipt := next(t, alex).(events.MessagesRead)
	assert.Equal(t, events.MessagesRead{ConversationID: convID, ReaderID: "hr-2", MessageIDs: []string{got.Message.ID}}, receipt)
	assert.IsType(t, events.MessagesRead{}, next(t, dana))

	var msgs []models.Message
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages?limit=10", "tok-a", nil, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"hr-2"}, msgs[0].ReadBy)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", "tok-c", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages?before=nope", "tok-a", nil, nil))
}

func TestTypingIsRelayedToOtherParticipant(t *testing.T) {
	env := newTestEnv(t)
	alex := env.dial(t, "tok-a", "agent-1")
	dana := env.dial(t, "tok-b", "hr-2")
	convID := models.ConversationID("agent-1", "hr-2")

	send(t, alex, events.StartTyping{ConversationID: convID})
	assert.Equal(t, events.TypingStart{ConversationID: convID, UserID: "agent-1", UserName: "Alex"}, next(t, dana))

	send(t, alex, events.StopTyping{ConversationID: convID})
	assert.Equal(t, events.TypingStop{ConversationID: convID, UserID: "agent-1"}, next(t, dana))
}

func TestJoinConversationCreatesEmptyConversation(t *testing.T) {
	env := newTestEnv(t)
	alex := env.dial(t, "tok-a", "agent-1")

	send(t, alex, events.JoinConversation{RecipientID: "emp-3"})

	require.Eventually(t, func() bool {
		var convs []models.Conversation
		env.do(t, http.MethodGet, "/api/conversations", "tok-c", nil, &convs)
		return len(convs) == 1 && convs[0].Other.ID == "agent-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotificationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alex := env.dial(t, "tok-a", "agent-1")

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/notifications", "tok-b",
		map[string]string{"recipient_id": "agent-1"}, nil), "title required")
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/notifications", "tok-b",
		map[string]string{"recipient_id": "ghost", "title": "x"}, nil))

	var created models.Notification
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/notifications", "tok-b",
		map[string]string{"recipient_id": "agent-1", "title": "Claim approved", "category": "claims", "priority": "high"}, &created))
	pushed := next(t, alex).(events.NewNotification)
	assert.Equal(t, created.ID, pushed.Notification.ID)
	assert.Equal(t, models.PriorityHigh, pushed.Notification.Priority)

	var page models.NotificationPage
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/notifications?page=1&page_size=10&category=claims", "tok-a", nil, &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 1, page.UnreadCount)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/notifications/"+created.ID+"/read", "tok-a", nil, nil))
	assert.Equal(t, events.NotificationRead{NotificationID: created.ID}, next(t, alex))

	var count struct{ Count int }
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/notifications/unread-count", "tok-a", nil, &count))
	assert.Zero(t, count.Count)

	env.do(t, http.MethodPost, "/api/notifications", "tok-b", map[string]string{"recipient_id": "agent-1", "title": "Docs"}, nil)
	next(t, alex)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/notifications/read-all", "tok-a", nil, nil))
	assert.Equal(t, events.NotificationRead{All: true}, next(t, alex))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/notifications/"+created.ID, "tok-b", nil, nil), "not the owner")
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/notifications/"+created.ID, "tok-a", nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/notifications/"+created.ID+"/read", "tok-a", nil, nil))
}

func TestContactsFilteredByRole(t *testing.T) {
	env := newTestEnv(t)
	env.dial(t, "tok-b", "hr-2")

	var contacts []models.Contact
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/contacts?roles=hr,employee", "tok-a", nil, &contacts))
	require.Len(t, contacts, 2)
	assert.Equal(t, "Ben", contacts[0].DisplayName)
	assert.False(t, contacts[0].Online)
	assert.Equal(t, "Dana", contacts[1].DisplayName)
	assert.True(t, contacts[1].Online)
}
