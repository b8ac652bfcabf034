// Package transport owns the single authenticated websocket channel of the
// signed-in identity.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"claimsync/apperrors"
	"claimsync/events"
	"claimsync/logging"
	"claimsync/metrics"
	"claimsync/models"
	"claimsync/pubsub"
)

var (
	errNotConnected   = errors.New("not connected")
	errSendBufferFull = errors.New("send buffer full")
)

// Signal is a connectivity transition.
type Signal int

const (
	SignalConnected Signal = iota + 1
	SignalDisconnected
	SignalConnectionError
)

func (s Signal) String() string {
	switch s {
	case SignalConnected:
		return "connected"
	case SignalDisconnected:
		return "disconnected"
	case SignalConnectionError:
		return "connection_error"
	default:
		return "unknown"
	}
}

// Lifecycle is delivered to lifecycle listeners on every transition.
// Reconnect is set on Connected signals that follow an earlier connection.
type Lifecycle struct {
	Signal    Signal
	State     models.ConnectionState
	Err       error
	Reconnect bool
}

// Session is one persistent event channel. It is safe for concurrent use.
type Session struct {
	url        string
	identityID string
	dialer     *websocket.Dialer
	logger     *zap.Logger
	metrics    *metrics.Collector

	backoffInitial time.Duration
	backoffMax     time.Duration

	mu         sync.Mutex
	state      models.ConnectionState
	credential string
	cancel     context.CancelFunc
	done       chan struct{}
	send       chan []byte

	events    pubsub.Feed[events.Event]
	lifecycle pubsub.Feed[Lifecycle]
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Session) {
		s.backoffInitial = initial
		s.backoffMax = max
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// New creates a disconnected session for identityID against the websocket url.
func New(url, identityID string, opts ...Option) *Session {
	s := &Session{
		url:            url,
		identityID:     identityID,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoffInitial: 500 * time.Millisecond,
		backoffMax:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).With(
		zap.String("component", "transport"),
		zap.String("identityID", identityID),
	)
	return s
}

// IdentityID returns the identity the session belongs to.
func (s *Session) IdentityID() string {
	return s.identityID
}

// State returns the current connection state.
func (s *Session) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers a listener for every inbound domain event.
func (s *Session) Subscribe(fn func(events.Event)) (unsubscribe func()) {
	return s.events.Subscribe(fn)
}

// OnLifecycle registers a listener for connectivity transitions.
func (s *Session) OnLifecycle(fn func(Lifecycle)) (unsubscribe func()) {
	return s.lifecycle.Subscribe(fn)
}

// Connect opens the channel in the background and keeps it open, redialling
// after failures, until Disconnect. It is a no-op while the session is already
// connecting or connected.
func (s *Session) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return apperrors.InvalidArgument("transport.connect", "credential is required")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.credential = credential
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.setStateLocked(models.Connecting)
	s.mu.Unlock()

	go s.run(runCtx, credential, done)
	return nil
}

// Disconnect tears the channel down and waits for the background loop to
// exit. It is safe to call at any time, including before Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	s.credential = ""
	s.setStateLocked(models.Disconnected)
	s.mu.Unlock()

	s.logger.Info("Session disconnected")
	s.lifecycle.Publish(Lifecycle{Signal: SignalDisconnected, State: models.Disconnected})
}

func (s *Session) run(ctx context.Context, credential string, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.backoffInitial
	b.MaxInterval = s.backoffMax

	connected := false
	for {
		conn, err := s.dial(ctx, credential)
		if err == nil {
			b.Reset()
			err = s.serve(ctx, conn, connected)
			connected = true
		}
		if ctx.Err() != nil {
			return
		}

		s.fail(err)
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
		s.mu.Lock()
		s.setStateLocked(models.Connecting)
		s.mu.Unlock()
	}
}

func (s *Session) dial(ctx context.Context, credential string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			s.logger.Warn("WebSocket handshake rejected", zap.Int("status", resp.StatusCode))
		}
		return nil, err
	}
	return conn, nil
}

// serve runs the pumps of one connection and returns when it drops.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn, reconnect bool) error {
	send := make(chan []byte, sendBufferSize)

	s.mu.Lock()
	s.send = send
	s.setStateLocked(models.Connected)
	s.mu.Unlock()

	if reconnect {
		s.metrics.Reconnected()
	}
	s.logger.Info("Session connected", zap.Bool("reconnect", reconnect))
	s.lifecycle.Publish(Lifecycle{Signal: SignalConnected, State: models.Connected, Reconnect: reconnect})

	connCtx, cancel := context.WithCancel(ctx)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writePump(connCtx, conn, send)
	}()

	err := s.readPump(conn)
	cancel()
	conn.Close()
	<-writeDone

	s.mu.Lock()
	s.send = nil
	s.mu.Unlock()
	return err
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.setStateLocked(models.Errored)
	s.mu.Unlock()

	s.logger.Warn("Connection error", zap.Error(err))
	s.lifecycle.Publish(Lifecycle{
		Signal: SignalConnectionError,
		State:  models.Errored,
		Err:    apperrors.Connection("transport.session", err),
	})
}

func (s *Session) setStateLocked(state models.ConnectionState) {
	s.state = state
	s.metrics.SetConnectionState(int(state))
}

// SendCommand queues a command for the current connection. Commands are not
// buffered across disconnections.
func (s *Session) SendCommand(ctx context.Context, cmd events.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := events.EncodeCommand(cmd)
	if err != nil {
		return apperrors.InvalidArgument("transport."+cmd.CommandName(), "%v", err)
	}

	s.mu.Lock()
	send := s.send
	s.mu.Unlock()
	if send == nil {
		s.metrics.CommandFailed(cmd.CommandName())
		return apperrors.Connection("transport."+cmd.CommandName(), errNotConnected)
	}

	select {
	case send <- data:
		return nil
	default:
		s.metrics.CommandFailed(cmd.CommandName())
		return apperrors.Connection("transport."+cmd.CommandName(), errSendBufferFull)
	}
}

// SendMessage emits send_message.
func (s *Session) SendMessage(ctx context.Context, recipientID, content, messageType string) error {
	if recipientID == "" || content == "" {
		return apperrors.InvalidArgument("transport.send_message", "recipient and content are required")
	}
	if messageType == "" {
		messageType = "text"
	}
	return s.SendCommand(ctx, events.SendMessage{RecipientID: recipientID, Content: content, MessageType: messageType})
}

// JoinConversation emits join_conversation.
func (s *Session) JoinConversation(ctx context.Context, recipientID string) error {
	if recipientID == "" {
		return apperrors.InvalidArgument("transport.join_conversation", "recipient is required")
	}
	return s.SendCommand(ctx, events.JoinConversation{RecipientID: recipientID})
}

// StartTyping emits typing_start.
func (s *Session) StartTyping(ctx context.Context, conversationID string) error {
	return s.SendCommand(ctx, events.StartTyping{ConversationID: conversationID})
}

// StopTyping emits typing_stop.
func (s *Session) StopTyping(ctx context.Context, conversationID string) error {
	return s.SendCommand(ctx, events.StopTyping{ConversationID: conversationID})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
