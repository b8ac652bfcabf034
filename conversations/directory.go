// Package conversations keeps the ordered conversation list of the signed-in
// identity consistent with REST snapshots and incoming message events.
package conversations

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"claimsync/apperrors"
	"claimsync/logging"
	"claimsync/metrics"
	"claimsync/models"
	"claimsync/pubsub"
)

// maxSeenMessages bounds the idempotency record of applied message ids.
const maxSeenMessages = 2000

// Source fetches the authoritative conversation and contact lists.
type Source interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListContacts(ctx context.Context, roles []models.Role) ([]models.Contact, error)
}

// RolePolicy supplies, per role, the roles an identity may contact.
type RolePolicy interface {
	ContactableRoles(role models.Role) []models.Role
}

// State is an immutable snapshot of the directory.
type State struct {
	Conversations []models.Conversation
	OpenID        string
	Loading       bool
	Stale         bool
	Err           error
}

// TotalUnread sums the unread counts of every conversation.
func (s State) TotalUnread() int {
	n := 0
	for _, c := range s.Conversations {
		n += c.UnreadCount
	}
	return n
}

// Directory owns the Conversation records of one identity.
type Directory struct {
	self    string
	role    models.Role
	source  Source
	policy  RolePolicy
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu        sync.Mutex
	byID      map[string]*models.Conversation
	order     []string
	openID    string
	loading   bool
	stale     bool
	err       error
	seen      map[string]struct{}
	seenOrder []string

	// loads counts snapshots in flight. While it is non-zero, applied
	// messages are recorded so a snapshot fetched before them can replay
	// them instead of dropping them.
	loads      int
	applied    []appliedMessage
	appliedSeq uint64

	feed pubsub.Feed[State]
}

type appliedMessage struct {
	seq    uint64
	convID string
	other  string
	msg    models.Message
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Directory) { d.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(d *Directory) { d.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Directory) { d.now = now } }

// New creates an empty directory for identity self.
func New(self string, role models.Role, source Source, policy RolePolicy, opts ...Option) *Directory {
	d := &Directory{
		self:   self,
		role:   role,
		source: source,
		policy: policy,
		now:    time.Now,
		byID:   make(map[string]*models.Conversation),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNop(d.logger).With(zap.String("component", "conversations"))
	return d
}

// Subscribe registers fn for every state change.
func (d *Directory) Subscribe(fn func(State)) (unsubscribe func()) {
	return d.feed.Subscribe(fn)
}

// Snapshot returns the current state.
func (d *Directory) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

// Get returns the conversation with id.
func (d *Directory) Get(id string) (models.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[id]
	if !ok {
		return models.Conversation{}, false
	}
	return c.Clone(), true
}

// LoadSnapshot replaces local state with the authoritative list. Provisional
// conversations the server does not know yet are kept. On failure the last
// known state is kept and marked stale.
func (d *Directory) LoadSnapshot(ctx context.Context) error {
	var since uint64
	d.mutate(func() bool {
		d.loading = true
		d.loads++
		since = d.appliedSeq
		return true
	})

	list, err := d.source.ListConversations(ctx)
	if err != nil {
		err = apperrors.SnapshotLoad("conversations.load_snapshot", err)
		d.logger.Warn("Failed to load conversations", zap.Error(err))
		d.mutate(func() bool {
			d.finishLoadLocked()
			d.stale = true
			d.err = err
			return true
		})
		return err
	}

	d.mutate(func() bool {
		next := make(map[string]*models.Conversation, len(list))
		for i := range list {
			c := list[i].Clone()
			if c.ID == "" {
				c.ID = models.ConversationID(d.self, c.Other.ID)
			}
			if prev, ok := next[c.ID]; ok && !c.Recency().After(prev.Recency()) {
				continue
			}
			c.Provisional = false
			if c.UnreadCount < 0 || c.ID == d.openID {
				c.UnreadCount = 0
			}
			next[c.ID] = &c
		}
		for id, c := range d.byID {
			if _, ok := next[id]; !ok && c.Provisional {
				next[id] = c
			}
		}
		// Messages applied while the request was in flight are newer than
		// the snapshot unless it already reflects them.
		replayed := make(map[string]bool)
		for _, a := range d.applied {
			if a.seq <= since {
				continue
			}
			if c, ok := next[a.convID]; ok && !c.Provisional && !replayed[a.convID] {
				if (c.LastMessage != nil && c.LastMessage.ID == a.msg.ID) || !a.msg.CreatedAt.After(c.Recency()) {
					continue
				}
			}
			d.foldLocked(next, a.convID, a.other, a.msg)
			replayed[a.convID] = true
		}
		d.byID = next
		d.finishLoadLocked()
		d.stale = false
		d.err = nil
		d.resortLocked()
		return true
	})
	d.logger.Debug("Loaded conversations", zap.Int("count", len(list)))
	return nil
}

// ApplyIncomingMessage folds a new_message event into the directory. It
// reports false for duplicates and messages that do not involve this identity.
func (d *Directory) ApplyIncomingMessage(msg models.Message) bool {
	if msg.ID == "" {
		return false
	}
	convID := msg.ConversationID
	if convID == "" {
		convID = models.ConversationID(msg.SenderID, msg.RecipientID)
	}
	other, err := models.OtherParticipant(convID, d.self)
	if err != nil {
		d.logger.Debug("Ignoring message for foreign conversation", zap.String("conversationID", convID), zap.Error(err))
		return false
	}

	applied := d.mutate(func() bool {
		if _, dup := d.seen[msg.ID]; dup {
			return false
		}
		d.rememberLocked(msg.ID)

		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = d.now()
		}
		d.foldLocked(d.byID, convID, other, msg)
		if d.loads > 0 {
			d.appliedSeq++
			d.applied = append(d.applied, appliedMessage{seq: d.appliedSeq, convID: convID, other: other, msg: msg.Clone()})
		}
		d.resortLocked()
		return true
	})
	if !applied {
		d.metrics.DuplicateSuppressed("new_message")
	}
	return applied
}

// StartOrGetConversation returns the conversation with contact, creating a
// provisional record under the deterministic id when none exists.
func (d *Directory) StartOrGetConversation(contact models.Contact) (models.Conversation, error) {
	if contact.ID == "" || contact.ID == d.self {
		return models.Conversation{}, apperrors.InvalidArgument("conversations.start_or_get", "invalid participant %q", contact.ID)
	}
	id := models.ConversationID(d.self, contact.ID)

	var out models.Conversation
	d.mutate(func() bool {
		c, ok := d.byID[id]
		if ok {
			changed := false
			if c.Other.DisplayName == "" && contact.DisplayName != "" {
				c.Other = contact
				changed = true
			}
			out = c.Clone()
			return changed
		}
		c = &models.Conversation{
			ID:          id,
			Other:       contact,
			UpdatedAt:   d.now(),
			Provisional: true,
		}
		d.byID[id] = c
		d.resortLocked()
		out = c.Clone()
		return true
	})
	return out, nil
}

// SetOpen marks id as the conversation currently on screen and clears its
// unread count.
func (d *Directory) SetOpen(id string) {
	d.mutate(func() bool {
		d.openID = id
		if c, ok := d.byID[id]; ok && c.UnreadCount != 0 {
			c.UnreadCount = 0
			d.resortLocked()
		}
		return true
	})
}

// ClearOpen records that no conversation is on screen.
func (d *Directory) ClearOpen() {
	d.mutate(func() bool {
		if d.openID == "" {
			return false
		}
		d.openID = ""
		return true
	})
}

// OpenID returns the conversation currently on screen.
func (d *Directory) OpenID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openID
}

// Contacts fetches the identities this role may message. The allow-list is
// applied as given, both in the request and to the results.
func (d *Directory) Contacts(ctx context.Context) ([]models.Contact, error) {
	allowed := d.policy.ContactableRoles(d.role)
	if len(allowed) == 0 {
		return []models.Contact{}, nil
	}

	list, err := d.source.ListContacts(ctx, allowed)
	if err != nil {
		return nil, apperrors.SnapshotLoad("conversations.contacts", err)
	}

	out := make([]models.Contact, 0, len(list))
	for _, c := range list {
		if c.ID == d.self || !slices.Contains(allowed, c.Role) {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.Contact) int {
		return strings.Compare(a.DisplayName, b.DisplayName)
	})
	return out, nil
}

// mutate runs fn under the lock and publishes the new state when fn reports
// a change. It returns fn's result.
func (d *Directory) mutate(fn func() bool) bool {
	d.mu.Lock()
	changed := fn()
	if changed {
		d.feed.Enqueue(d.stateLocked())
	}
	d.mu.Unlock()

	if changed {
		d.feed.Flush()
	}
	return changed
}

func (d *Directory) stateLocked() State {
	list := make([]models.Conversation, 0, len(d.order))
	for _, id := range d.order {
		list = append(list, d.byID[id].Clone())
	}
	return State{
		Conversations: list,
		OpenID:        d.openID,
		Loading:       d.loading,
		Stale:         d.stale,
		Err:           d.err,
	}
}

func (d *Directory) resortLocked() {
	d.order = d.order[:0]
	for id := range d.byID {
		d.order = append(d.order, id)
	}
	slices.SortFunc(d.order, func(a, b string) int {
		return Compare(d.byID[a], d.byID[b])
	})
}

// foldLocked applies msg to the conversation convID in into, creating it
// when missing.
func (d *Directory) foldLocked(into map[string]*models.Conversation, convID, other string, msg models.Message) {
	c, ok := into[convID]
	if !ok {
		c = &models.Conversation{ID: convID, Other: models.Contact{ID: other}}
		into[convID] = c
	}
	if c.Other.DisplayName == "" && msg.SenderID == other {
		c.Other.DisplayName = msg.SenderName
	}

	last := msg.Clone()
	last.ConversationID = convID
	c.LastMessage = &last
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	if convID != d.openID && msg.SenderID != d.self {
		c.UnreadCount++
	}
	c.Provisional = false
}

func (d *Directory) finishLoadLocked() {
	d.loads--
	d.loading = d.loads > 0
	if d.loads == 0 {
		d.applied = nil
	}
}

func (d *Directory) rememberLocked(messageID string) {
	d.seen[messageID] = struct{}{}
	d.seenOrder = append(d.seenOrder, messageID)
	if len(d.seenOrder) > maxSeenMessages {
		evict := d.seenOrder[0]
		d.seenOrder = d.seenOrder[1:]
		delete(d.seen, evict)
	}
}
