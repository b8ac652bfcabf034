package app

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"claimsync/config"
	"claimsync/database"
	"claimsync/handlers"
	"claimsync/metrics"
	"claimsync/models"
	"claimsync/transport"
)

var (
	alex = models.Contact{ID: "agent-1", Role: models.RoleAgent, DisplayName: "Alex"}
	dana = models.Contact{ID: "hr-2", Role: models.RoleHR, DisplayName: "Dana"}
)

// hijackTracker records every websocket connection so tests can sever them.
type hijackTracker struct {
	mu    sync.Mutex
	conns []net.Conn
}

type trackingWriter struct {
	http.ResponseWriter
	tracker *hijackTracker
}

func (w trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := w.ResponseWriter.(http.Hijacker).Hijack()
	if err == nil {
		w.tracker.mu.Lock()
		w.tracker.conns = append(w.tracker.conns, conn)
		w.tracker.mu.Unlock()
	}
	return conn, rw, err
}

func (h *hijackTracker) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
	h.conns = nil
}

type testEnv struct {
	srv     *handlers.Server
	ts      *httptest.Server
	tracker *hijackTracker

	mu   sync.Mutex
	hook func(http.ResponseWriter, *http.Request) bool
}

// intercept runs fn before the router on every request. A request is
// answered by fn when it returns true.
func (e *testEnv) intercept(fn func(http.ResponseWriter, *http.Request) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = fn
}

func (e *testEnv) serveHook(w http.ResponseWriter, r *http.Request) bool {
	e.mu.Lock()
	hook := e.hook
	e.mu.Unlock()
	return hook != nil && hook(w, r)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := database.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	accounts, err := database.ParseAccounts("tok-a=agent-1:agent:Alex,tok-b=hr-2:hr:Dana,tok-x=admin-9:admin:Ops")
	require.NoError(t, err)
	require.NoError(t, store.Seed(context.Background(), accounts))

	srv := handlers.NewServer(store, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	env := &testEnv{srv: srv, tracker: &hijackTracker{}}
	router := srv.Router()
	env.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if env.serveHook(w, r) {
			return
		}
		router.ServeHTTP(trackingWriter{ResponseWriter: w, tracker: env.tracker}, r)
	}))

	t.Cleanup(func() {
		cancel()
		env.ts.Close()
		store.Close()
	})
	return env
}

func (e *testEnv) config(id string, role models.Role, token string) *config.Config {
	return &config.Config{
		APIURL:               e.ts.URL,
		WSURL:                "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws",
		IdentityID:           id,
		Role:                 role,
		Credential:           token,
		MessagePageSize:      50,
		NotificationPageSize: 20,
		TypingDebounce:       time.Second,
		ReconnectInitial:     10 * time.Millisecond,
		ReconnectMax:         50 * time.Millisecond,
		RequestTimeout:       2 * time.Second,
		LogLevel:             "info",
		Environment:          "test",
	}
}

func (e *testEnv) start(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return c.ConnectionState() == models.Connected && e.srv.Hub().IsOnline(cfg.IdentityID) && c.resyncs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(&config.Config{}, nil)
	assert.Error(t, err)
}

func TestMessageToOpenConversationStaysRead(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t, env.config("agent-1", models.RoleAgent, "tok-a"))
	b := env.start(t, env.config("hr-2", models.RoleHR, "tok-b"))
	ctx := context.Background()

	convID := models.ConversationID("agent-1", "hr-2")
	_, err := b.OpenConversation(ctx, alex)
	require.NoError(t, err)
	conv, err := a.OpenConversation(ctx, dana)
	require.NoError(t, err)
	require.Equal(t, convID, conv.ID)

	require.NoError(t, a.Send(ctx, "Hello"))

	require.Eventually(t, func() bool {
		return len(b.Timeline().Snapshot().Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)
	got := b.Timeline().Snapshot().Messages[0]
	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, "agent-1", got.SenderID)

	bConv, ok := b.Directory().Get(convID)
	require.True(t, ok)
	assert.Equal(t, 0, bConv.UnreadCount)
	require.NotNil(t, bConv.LastMessage)
	assert.Equal(t, "Hello", bConv.LastMessage.Content)

	require.Eventually(t, func() bool {
		msgs := a.Timeline().Snapshot().Messages
		return len(msgs) == 1 && msgs[0].ID == got.ID
	}, 2*time.Second, 5*time.Millisecond, "sender sees the echoed message once")

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.Timeline().Snapshot().Messages, 1)
}

func TestMessageToClosedConversationCountsUnread(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t, env.config("agent-1", models.RoleAgent, "tok-a"))
	b := env.start(t, env.config("hr-2", models.RoleHR, "tok-b"))
	ctx := context.Background()

	_, err := a.OpenConversation(ctx, dana)
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, "One"))
	require.NoError(t, a.Send(ctx, "Two"))

	convID := models.ConversationID("agent-1", "hr-2")
	require.Eventually(t, func() bool {
		conv, ok := b.Directory().Get(convID)
		return ok && conv.UnreadCount == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, b.Directory().Snapshot().TotalUnread())

	_, err = b.OpenConversation(ctx, alex)
	require.NoError(t, err)
	conv, _ := b.Directory().Get(convID)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.Len(t, b.Timeline().Snapshot().Messages, 2)
}

func TestTypingReachesTheOtherParticipant(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t, env.config("agent-1", models.RoleAgent, "tok-a"))
	b := env.start(t, env.config("hr-2", models.RoleHR, "tok-b"))
	ctx := context.Background()

	convID := models.ConversationID("agent-1", "hr-2")
	_, err := a.OpenConversation(ctx, dana)
	require.NoError(t, err)
	require.NoError(t, a.Keystroke(ctx))

	require.Eventually(t, func() bool {
		return len(b.Typing().Typing(convID)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "agent-1", b.Typing().Typing(convID)[0].IdentityID)

	require.NoError(t, a.Send(ctx, "done"))
	require.Eventually(t, func() bool {
		return len(b.Typing().Typing(convID)) == 0
	}, 2*time.Second, 5*time.Millisecond, "sending ends the typing burst")
}

func TestKeystrokeWithoutConversation(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t, env.config("agent-1", models.RoleAgent, "tok-a"))
	assert.Error(t, a.Keystroke(context.Background()))
}

func TestNotificationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t, env.config("agent-1", models.RoleAgent, "tok-a"))
	ops := env.start(t, env.config("admin-9", models.RoleAdmin, "tok-x"))
	ctx := context.Background()

	for _, title := range []string{"Claim approved", "Policy review"} {
		_, err := ops.API().PublishNotification(ctx, "agent-1", models.Notification{Title: title, Category: "claims"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		st := a.Notifications().Snapshot()
		return len(st.Items) == 2 && st.Unread == 2
	}, 2*time.Second, 5*time.Millisecond)

	first := a.Notifications().Snapshot().Items[0]
	require.NoError(t, a.Notifications().MarkRead(ctx, first.ID))
	assert.Equal(t, 1, a.Notifications().Unread())

	// The server echoes the read event; it must not decrement again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, a.Notifications().Unread())

	require.NoError(t, a.Notifications().MarkAllRead(ctx))
	assert.Equal(t, 0, a.Notifications().Unread())

	_, err := ops.API().PublishNotification(ctx, "agent-1", models.Notification{Title: "New claim"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.Notifications().Unread() == 1
	}, 2*time.Second, 5*time.Millisecond)

	n, err := a.API().UnreadNotificationCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconnectResyncs(t *testing.T) {
	env := newTestEnv(t)
	m := metrics.NewCollector()
	a := env.start(t, env.config("agent-1", models.RoleAgent, "tok-a"), WithMetrics(m))
	ops := env.start(t, env.config("admin-9", models.RoleAdmin, "tok-x"))
	ctx := context.Background()

	reconnected := make(chan struct{}, 4)
	a.OnLifecycle(func(l transport.Lifecycle) {
		if l.Signal == transport.SignalConnected && l.Reconnect {
			reconnected <- struct{}{}
		}
	})

	env.tracker.dropAll()
	_, err := ops.API().PublishNotification(ctx, "agent-1", models.Notification{Title: "Sent during the outage"})
	require.NoError(t, err)

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}

	require.Eventually(t, func() bool {
		st := a.Notifications().Snapshot()
		return a.resyncs.Load() >= 2 && len(st.Items) == 1 && st.Unread == 1
	}, 2*time.Second, 5*time.Millisecond, "notification is delivered exactly once whether live or by resync")
	assert.Equal(t, "Sent during the outage", a.Notifications().Snapshot().Items[0].Title)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
}

func TestResyncStoresFailIndependently(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t, env.config("agent-1", models.RoleAgent, "tok-a"))
	ops := env.start(t, env.config("admin-9", models.RoleAdmin, "tok-x"))
	ctx := context.Background()

	_, err := ops.API().PublishNotification(ctx, "agent-1", models.Notification{Title: "Claim approved"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.Notifications().Unread() == 1
	}, 2*time.Second, 5*time.Millisecond)

	env.intercept(func(w http.ResponseWriter, r *http.Request) bool {
		switch r.URL.Path {
		case "/api/conversations":
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return true
		case "/api/notifications":
			// Answer after the conversation load has already failed.
			time.Sleep(100 * time.Millisecond)
		}
		return false
	})

	require.Error(t, a.Resync(ctx))
	assert.True(t, a.Directory().Snapshot().Stale)

	st := a.Notifications().Snapshot()
	assert.False(t, st.Stale)
	assert.NoError(t, st.Err)
	require.Len(t, st.Items, 1)
	assert.Equal(t, "Claim approved", st.Items[0].Title)
	assert.Equal(t, 1, st.Unread)
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t, env.config("agent-1", models.RoleAgent, "tok-a"))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, models.Disconnected, a.ConnectionState())
}
