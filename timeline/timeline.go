// Package timeline holds the message list of the conversation currently on
// screen.
package timeline

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"claimsync/apperrors"
	"claimsync/logging"
	"claimsync/metrics"
	"claimsync/models"
	"claimsync/pubsub"
	"claimsync/readstate"
)

// DefaultPageSize is used when New is given a non-positive page size.
const DefaultPageSize = 50

// Source fetches message history and acknowledges reads.
type Source interface {
	ListMessages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// Sender emits send_message over the transport channel.
type Sender interface {
	SendMessage(ctx context.Context, recipientID, content, messageType string) error
}

// State is an immutable snapshot of the timeline.
type State struct {
	ConversationID string
	Messages       []models.Message
	HasMore        bool
	Loading        bool
	Stale          bool
	Err            error
}

// Timeline owns the messages of at most one open conversation. History of
// closed conversations is not retained.
type Timeline struct {
	self     string
	source   Source
	sender   Sender
	pageSize int
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	gen      uint64
	convID   string
	messages []models.Message
	index    map[string]int
	hasMore  bool
	loading  bool
	stale    bool
	err      error
	receipts *readstate.Reconciler
	pending  map[string][]string

	acks sync.WaitGroup
	feed pubsub.Feed[State]
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(t *Timeline) { t.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(t *Timeline) { t.metrics = m } }

// New creates a closed timeline for identity self.
func New(self string, source Source, sender Sender, pageSize int, opts ...Option) *Timeline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	t := &Timeline{
		self:     self,
		source:   source,
		sender:   sender,
		pageSize: pageSize,
		index:    make(map[string]int),
		receipts: readstate.New(),
		pending:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrNop(t.logger).With(zap.String("component", "timeline"))
	return t
}

// Subscribe registers fn for every state change.
func (t *Timeline) Subscribe(fn func(State)) (unsubscribe func()) {
	return t.feed.Subscribe(fn)
}

// Snapshot returns the current state.
func (t *Timeline) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

// ConversationID returns the open conversation, or "" when closed.
func (t *Timeline) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.convID
}

// Open clears the timeline, loads the most recent page of conversationID and
// acknowledges it as read in the background. The acknowledgement outlives
// ctx and a later Close. A load superseded by another Open or Close is
// discarded.
func (t *Timeline) Open(ctx context.Context, conversationID string) error {
	if _, err := models.OtherParticipant(conversationID, t.self); err != nil {
		return apperrors.InvalidArgument("timeline.open", "%v", err)
	}
	_, err := t.load(ctx, conversationID, nil)
	return err
}

// Reload reopens the current conversation, for example after a reconnect. It
// does nothing when the timeline is closed, or when it was closed or switched
// to another conversation before the reload started.
func (t *Timeline) Reload(ctx context.Context) error {
	t.mu.Lock()
	convID, gen := t.convID, t.gen
	t.mu.Unlock()
	if convID == "" {
		return nil
	}
	reloaded, err := t.load(ctx, convID, &gen)
	if err == nil && !reloaded {
		t.logger.Debug("Skipped reload of a closed conversation", zap.String("conversationID", convID))
	}
	return err
}

// load resets the timeline to conversationID and fetches its recent page.
// With expect set, it only proceeds while the timeline is still at that
// generation.
func (t *Timeline) load(ctx context.Context, conversationID string, expect *uint64) (bool, error) {
	var gen uint64
	started := t.mutate(func() bool {
		if expect != nil && (t.gen != *expect || t.convID != conversationID) {
			return false
		}
		t.resetLocked()
		t.convID = conversationID
		t.loading = true
		gen = t.gen
		return true
	})
	if !started {
		return false, nil
	}

	page, err := t.source.ListMessages(ctx, conversationID, "", t.pageSize)
	if err != nil {
		err = apperrors.SnapshotLoad("timeline.open", err)
		t.mutate(func() bool {
			if t.gen != gen {
				return false
			}
			t.loading = false
			t.stale = true
			t.err = err
			return true
		})
		t.logger.Warn("Failed to load messages", zap.String("conversationID", conversationID), zap.Error(err))
		return true, err
	}

	current := t.mutate(func() bool {
		if t.gen != gen {
			return false
		}
		// Events that arrived while loading come after the page.
		live := t.messages
		t.messages = nil
		t.index = make(map[string]int, len(page)+len(live))
		for _, m := range page {
			t.appendLocked(m)
		}
		for _, m := range live {
			t.appendLocked(m)
		}
		t.hasMore = len(page) >= t.pageSize
		t.loading = false
		return true
	})
	if !current {
		t.logger.Debug("Discarded superseded load", zap.String("conversationID", conversationID))
		return true, nil
	}

	t.acks.Add(1)
	go func() {
		defer t.acks.Done()
		if err := t.markRead(context.WithoutCancel(ctx), conversationID); err != nil {
			t.logger.Warn("Failed to acknowledge conversation", zap.String("conversationID", conversationID), zap.Error(err))
		}
	}()
	return true, nil
}

// Close discards the timeline.
func (t *Timeline) Close() {
	t.mutate(func() bool {
		if t.convID == "" && !t.loading {
			return false
		}
		t.resetLocked()
		return true
	})
}

// Wait blocks until acknowledgements started by Open have completed.
func (t *Timeline) Wait() {
	t.acks.Wait()
}

// ApplyIncomingMessage appends msg when it belongs to the open conversation.
// It reports false for other conversations and for duplicates. Arrival order
// is kept as is.
func (t *Timeline) ApplyIncomingMessage(msg models.Message) bool {
	if msg.ID == "" {
		return false
	}
	convID := msg.ConversationID
	if convID == "" {
		convID = models.ConversationID(msg.SenderID, msg.RecipientID)
	}

	duplicate := false
	applied := t.mutate(func() bool {
		if t.convID == "" || convID != t.convID {
			return false
		}
		if _, ok := t.index[msg.ID]; ok {
			duplicate = true
			return false
		}
		msg.ConversationID = convID
		t.appendLocked(msg)
		return true
	})
	if duplicate {
		t.metrics.DuplicateSuppressed("new_message")
	}
	return applied
}

// LoadOlder fetches the page preceding the oldest loaded message and
// prepends it. It is a no-op when no older messages remain.
func (t *Timeline) LoadOlder(ctx context.Context) error {
	var (
		gen    uint64
		convID string
		before string
		skip   bool
	)
	t.mutate(func() bool {
		if t.convID == "" || t.loading || !t.hasMore || len(t.messages) == 0 {
			skip = true
			return false
		}
		gen, convID, before = t.gen, t.convID, t.messages[0].ID
		t.loading = true
		return true
	})
	if skip {
		if t.ConversationID() == "" {
			return apperrors.InvalidArgument("timeline.load_older", "no conversation is open")
		}
		return nil
	}

	page, err := t.source.ListMessages(ctx, convID, before, t.pageSize)
	if err != nil {
		err = apperrors.SnapshotLoad("timeline.load_older", err)
		t.mutate(func() bool {
			if t.gen != gen {
				return false
			}
			t.loading = false
			t.stale = true
			t.err = err
			return true
		})
		return err
	}

	t.mutate(func() bool {
		if t.gen != gen {
			return false
		}
		older := make([]models.Message, 0, len(page)+len(t.messages))
		seen := make(map[string]struct{}, len(page))
		for _, m := range page {
			if _, ok := t.index[m.ID]; ok {
				continue
			}
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			older = append(older, t.prepareLocked(m))
		}
		t.messages = append(older, t.messages...)
		t.reindexLocked()
		t.hasMore = len(page) >= t.pageSize
		t.loading = false
		t.stale = false
		t.err = nil
		return true
	})
	return nil
}

// MarkRead acknowledges the open conversation as read. Resulting receipts
// arrive later as messages_read events.
func (t *Timeline) MarkRead(ctx context.Context) error {
	convID := t.ConversationID()
	if convID == "" {
		return apperrors.InvalidArgument("timeline.mark_read", "no conversation is open")
	}
	return t.markRead(ctx, convID)
}

func (t *Timeline) markRead(ctx context.Context, convID string) error {
	if err := t.source.MarkConversationRead(ctx, convID); err != nil {
		t.metrics.CommandFailed("mark_conversation_read")
		return apperrors.CommandFailure("timeline.mark_read", err)
	}
	return nil
}

// ApplyMessagesRead records a read receipt. Receipts for messages not loaded
// yet are kept and applied when the message arrives. Repeated receipts are
// no-ops.
func (t *Timeline) ApplyMessagesRead(conversationID, readerID string, messageIDs []string) bool {
	if readerID == "" {
		return false
	}
	return t.mutate(func() bool {
		if t.convID == "" || conversationID != t.convID {
			return false
		}
		ids := messageIDs
		if len(ids) == 0 {
			for _, m := range t.messages {
				if m.SenderID != readerID {
					ids = append(ids, m.ID)
				}
			}
		}

		changed := false
		for _, id := range ids {
			if !t.receipts.Acknowledge(readstate.ReceiptKey(id, readerID)) {
				continue
			}
			i, ok := t.index[id]
			if !ok {
				t.pending[id] = append(t.pending[id], readerID)
				continue
			}
			if t.messages[i].AddReader(readerID) {
				changed = true
			}
		}
		return changed
	})
}

// Send emits content to the other participant of the open conversation. The
// message becomes visible only when the server echoes it back as new_message.
func (t *Timeline) Send(ctx context.Context, content string) error {
	convID := t.ConversationID()
	if convID == "" {
		return apperrors.InvalidArgument("timeline.send", "no conversation is open")
	}
	if strings.TrimSpace(content) == "" {
		return apperrors.InvalidArgument("timeline.send", "content is empty")
	}
	other, err := models.OtherParticipant(convID, t.self)
	if err != nil {
		return apperrors.InvalidArgument("timeline.send", "%v", err)
	}

	if err := t.sender.SendMessage(ctx, other, content, "text"); err != nil {
		if apperrors.IsInvalidArgument(err) {
			return err
		}
		return apperrors.CommandFailure("timeline.send", err)
	}
	return nil
}

func (t *Timeline) prepareLocked(m models.Message) models.Message {
	m = m.Clone()
	if m.DeliveryState == "" {
		m.DeliveryState = models.DeliverySent
	}
	for _, reader := range t.pending[m.ID] {
		m.AddReader(reader)
	}
	delete(t.pending, m.ID)
	return m
}

func (t *Timeline) appendLocked(m models.Message) {
	if _, ok := t.index[m.ID]; ok {
		return
	}
	t.index[m.ID] = len(t.messages)
	t.messages = append(t.messages, t.prepareLocked(m))
}

func (t *Timeline) reindexLocked() {
	t.index = make(map[string]int, len(t.messages))
	for i, m := range t.messages {
		t.index[m.ID] = i
	}
}

func (t *Timeline) resetLocked() {
	t.gen++
	t.convID = ""
	t.messages = nil
	t.index = make(map[string]int)
	t.hasMore = false
	t.loading = false
	t.stale = false
	t.err = nil
	t.receipts.Reset()
	t.pending = make(map[string][]string)
}

func (t *Timeline) mutate(fn func() bool) bool {
	t.mu.Lock()
	changed := fn()
	if changed {
		t.feed.Enqueue(t.stateLocked())
	}
	t.mu.Unlock()

	if changed {
		t.feed.Flush()
	}
	return changed
}

func (t *Timeline) stateLocked() State {
	msgs := make([]models.Message, len(t.messages))
	for i, m := range t.messages {
		msgs[i] = m.Clone()
	}
	return State{
		ConversationID: t.convID,
		Messages:       msgs,
		HasMore:        t.hasMore,
		Loading:        t.loading,
		Stale:          t.stale,
		Err:            t.err,
	}
}
