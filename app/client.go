// Package app wires one signed-in identity: the transport session, the REST
// client and every store, connected through the event handler table.
package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"claimsync/api"
	"claimsync/apperrors"
	"claimsync/config"
	"claimsync/conversations"
	"claimsync/events"
	"claimsync/logging"
	"claimsync/metrics"
	"claimsync/models"
	"claimsync/notifications"
	"claimsync/timeline"
	"claimsync/transport"
	"claimsync/typing"
)

// Client is the context object of a signed-in identity. It is created at
// sign-in and torn down with Close.
type Client struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	api     *api.Client
	session *transport.Session

	directory *conversations.Directory
	timeline  *timeline.Timeline
	tracker   *typing.Tracker
	indicator *typing.Indicator
	ledger    *notifications.Ledger

	handlers events.Handlers
	unsubs   []func()
	resyncs  atomic.Int64

	mu        sync.Mutex
	cancel    context.CancelFunc
	started   bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Client.
type Option func(*options)

type options struct {
	metrics     *metrics.Collector
	apiOptions  []api.Option
	transportOp []transport.Option
	typingOp    []typing.Option
}

// WithMetrics records metrics into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithAPIOptions passes options to the REST client.
func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) { o.apiOptions = append(o.apiOptions, opts...) }
}

// WithTransportOptions passes options to the transport session.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOp = append(o.transportOp, opts...) }
}

// WithTypingOptions passes options to the typing indicator and tracker.
func WithTypingOptions(opts ...typing.Option) Option {
	return func(o *options) { o.typingOp = append(o.typingOp, opts...) }
}

// New builds the client of cfg's identity. Nothing connects until Start.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := config.ParseContactPolicy(cfg.ContactPolicy)
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger = logging.OrNop(logger).With(zap.String("identityID", cfg.IdentityID))

	apiClient, err := api.New(cfg.APIURL, cfg.Credential,
		append([]api.Option{api.WithLogger(logger), api.WithTimeout(cfg.RequestTimeout)}, o.apiOptions...)...)
	if err != nil {
		return nil, err
	}

	session := transport.New(cfg.WSURL, cfg.IdentityID, append([]transport.Option{
		transport.WithLogger(logger),
		transport.WithMetrics(o.metrics),
		transport.WithBackoff(cfg.ReconnectInitial, cfg.ReconnectMax),
	}, o.transportOp...)...)

	typingOpts := append([]typing.Option{
		typing.WithLogger(logger),
		typing.WithDebounce(cfg.TypingDebounce),
		typing.WithSafetyExpiry(cfg.TypingExpiry),
	}, o.typingOp...)

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: o.metrics,
		api:     apiClient,
		session: session,
		directory: conversations.New(cfg.IdentityID, cfg.Role, apiClient, policy,
			conversations.WithLogger(logger), conversations.WithMetrics(o.metrics)),
		timeline: timeline.New(cfg.IdentityID, apiClient, session, cfg.MessagePageSize,
			timeline.WithLogger(logger), timeline.WithMetrics(o.metrics)),
		tracker:   typing.NewTracker(cfg.IdentityID, typingOpts...),
		indicator: typing.NewIndicator(session, typingOpts...),
		ledger: notifications.New(apiClient, cfg.NotificationPageSize,
			notifications.WithLogger(logger), notifications.WithMetrics(o.metrics)),
	}
	c.handlers = c.handlerTable()
	return c, nil
}

// handlerTable routes every event kind to the stores that own its state.
func (c *Client) handlerTable() events.Handlers {
	return events.Handlers{
		NewMessage: func(e events.NewMessage) {
			c.directory.ApplyIncomingMessage(e.Message)
			c.timeline.ApplyIncomingMessage(e.Message)
		},
		TypingStart: func(e events.TypingStart) {
			c.tracker.OnRemoteStart(e.ConversationID, e.UserID, e.UserName)
		},
		TypingStop: func(e events.TypingStop) {
			c.tracker.OnRemoteStop(e.ConversationID, e.UserID)
		},
		NewNotification: func(e events.NewNotification) {
			c.ledger.ApplyIncoming(e.Notification)
		},
		NotificationRead: func(e events.NotificationRead) {
			c.ledger.ApplyRead(e.NotificationID, e.All)
		},
		MessagesRead: func(e events.MessagesRead) {
			c.timeline.ApplyMessagesRead(e.ConversationID, e.ReaderID, e.MessageIDs)
		},
	}
}

// Directory returns the conversation directory.
func (c *Client) Directory() *conversations.Directory { return c.directory }

// Timeline returns the message timeline.
func (c *Client) Timeline() *timeline.Timeline { return c.timeline }

// Typing returns the remote typing tracker.
func (c *Client) Typing() *typing.Tracker { return c.tracker }

// Notifications returns the notification ledger.
func (c *Client) Notifications() *notifications.Ledger { return c.ledger }

// API returns the REST client.
func (c *Client) API() *api.Client { return c.api }

// ConnectionState returns the transport state.
func (c *Client) ConnectionState() models.ConnectionState { return c.session.State() }

// OnLifecycle registers fn for connectivity transitions, for a UI indicator.
func (c *Client) OnLifecycle(fn func(transport.Lifecycle)) (unsubscribe func()) {
	return c.session.OnLifecycle(fn)
}

// Start subscribes the stores and connects. Every Connected signal, the
// first one included, triggers a resync of all stores.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.unsubs = append(c.unsubs,
		c.session.Subscribe(func(ev events.Event) {
			if !c.handlers.Dispatch(ev) {
				c.metrics.EventDropped()
			}
		}),
		c.session.OnLifecycle(func(l transport.Lifecycle) { c.onLifecycle(runCtx, l) }),
	)
	c.mu.Unlock()

	if expiry := c.tracker.SafetyExpiry(); expiry > 0 {
		c.wg.Add(1)
		go c.sweepTyping(runCtx, expiry)
	}
	return c.session.Connect(ctx, c.cfg.Credential)
}

func (c *Client) onLifecycle(ctx context.Context, l transport.Lifecycle) {
	switch l.Signal {
	case transport.SignalConnected:
		c.logger.Info("Connected", zap.Bool("reconnect", l.Reconnect))
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.Resync(ctx); err != nil {
				c.logger.Warn("Resync incomplete", zap.Error(err))
			}
			c.resyncs.Add(1)
		}()
	case transport.SignalConnectionError:
		c.logger.Warn("Connection error", zap.Error(l.Err))
		c.indicator.Reset()
	case transport.SignalDisconnected:
		c.logger.Info("Disconnected")
		c.indicator.Reset()
	}
}

// Resync reloads every store from REST snapshots. Events missed while
// disconnected are treated as lost. Each store succeeds or fails on its own;
// the first failure is returned after all loads finish.
func (c *Client) Resync(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return c.directory.LoadSnapshot(ctx) })
	g.Go(func() error { return c.ledger.Resync(ctx) })
	if convID := c.timeline.ConversationID(); convID != "" {
		g.Go(func() error {
			if other, err := models.OtherParticipant(convID, c.cfg.IdentityID); err == nil {
				if err := c.session.JoinConversation(ctx, other); err != nil {
					c.logger.Debug("Failed to rejoin conversation", zap.Error(err))
				}
			}
			return c.timeline.Reload(ctx)
		})
	}
	return g.Wait()
}

func (c *Client) sweepTyping(ctx context.Context, expiry time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(max(expiry/2, 100*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tracker.Sweep(now)
		}
	}
}

// OpenConversation starts or reuses the conversation with contact, makes it
// the open one and loads its timeline.
func (c *Client) OpenConversation(ctx context.Context, contact models.Contact) (models.Conversation, error) {
	conv, err := c.directory.StartOrGetConversation(contact)
	if err != nil {
		return models.Conversation{}, err
	}

	if prev := c.timeline.ConversationID(); prev != "" && prev != conv.ID {
		c.leave(ctx, prev)
	}
	c.directory.SetOpen(conv.ID)

	if err := c.session.JoinConversation(ctx, contact.ID); err != nil {
		// Not fatal: the next Connected resync joins again.
		c.logger.Debug("Failed to join conversation", zap.String("conversationID", conv.ID), zap.Error(err))
	}
	if err := c.timeline.Open(ctx, conv.ID); err != nil {
		return conv, err
	}
	conv, _ = c.directory.Get(conv.ID)
	return conv, nil
}

// CloseConversation closes the open conversation, if any.
func (c *Client) CloseConversation(ctx context.Context) {
	if id := c.timeline.ConversationID(); id != "" {
		c.leave(ctx, id)
	}
	c.directory.ClearOpen()
}

func (c *Client) leave(ctx context.Context, conversationID string) {
	if err := c.indicator.Stop(ctx, conversationID); err != nil {
		c.logger.Debug("Failed to stop typing", zap.Error(err))
	}
	c.timeline.Close()
	c.tracker.ClearConversation(conversationID)
}

// Keystroke reports local typing in the open conversation.
func (c *Client) Keystroke(ctx context.Context) error {
	convID := c.timeline.ConversationID()
	if convID == "" {
		return apperrors.InvalidArgument("app.keystroke", "no conversation is open")
	}
	if err := c.indicator.Keystroke(ctx, convID); err != nil {
		return apperrors.CommandFailure("app.keystroke", err)
	}
	return nil
}

// Send sends content to the open conversation and ends the typing burst.
func (c *Client) Send(ctx context.Context, content string) error {
	convID := c.timeline.ConversationID()
	if convID != "" {
		if err := c.indicator.Stop(ctx, convID); err != nil {
			c.logger.Debug("Failed to stop typing", zap.Error(err))
		}
	}
	return c.timeline.Send(ctx, content)
}

// Close unsubscribes every store, disconnects and waits for background work,
// in-flight read acknowledgements included.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		unsubs := c.unsubs
		c.unsubs = nil
		c.mu.Unlock()

		c.session.Disconnect()
		for _, unsub := range unsubs {
			unsub()
		}
		c.indicator.Reset()
		c.wg.Wait()
		c.timeline.Wait()
	})
	return nil
}
