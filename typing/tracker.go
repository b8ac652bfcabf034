package typing

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"claimsync/logging"
	"claimsync/models"
	"claimsync/pubsub"
)

// Change reports the entries of one conversation after a mutation.
type Change struct {
	ConversationID string
	Entries        []models.TypingEntry
}

// Tracker records remote identities composing in each conversation. Entries
// are removed by explicit stop events or ClearConversation. With a safety
// expiry configured, Sweep also drops entries past ExpiresAt.
type Tracker struct {
	self   string
	clock  clockwork.Clock
	expiry time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]map[string]models.TypingEntry

	feed pubsub.Feed[Change]
}

// NewTracker creates a Tracker for identity self; self's own typing events
// are ignored.
func NewTracker(self string, opts ...Option) *Tracker {
	o := buildOptions(opts)
	return &Tracker{
		self:    self,
		clock:   o.clock,
		expiry:  o.expiry,
		logger:  logging.OrNop(o.logger).With(zap.String("component", "typing.tracker")),
		entries: make(map[string]map[string]models.TypingEntry),
	}
}

// Subscribe registers fn for every change.
func (t *Tracker) Subscribe(fn func(Change)) (unsubscribe func()) {
	return t.feed.Subscribe(fn)
}

// SafetyExpiry returns the configured expiry, zero when disabled.
func (t *Tracker) SafetyExpiry() time.Duration {
	return t.expiry
}

// OnRemoteStart upserts the entry of identityID in conversationID.
func (t *Tracker) OnRemoteStart(conversationID, identityID, displayName string) bool {
	if conversationID == "" || identityID == "" || identityID == t.self {
		return false
	}
	entry := models.TypingEntry{
		ConversationID: conversationID,
		IdentityID:     identityID,
		DisplayName:    displayName,
	}
	if t.expiry > 0 {
		entry.ExpiresAt = t.clock.Now().Add(t.expiry)
	}

	t.mu.Lock()
	conv, ok := t.entries[conversationID]
	if !ok {
		conv = make(map[string]models.TypingEntry)
		t.entries[conversationID] = conv
	}
	prev, existed := conv[identityID]
	conv[identityID] = entry
	changed := !existed || prev.DisplayName != displayName
	if changed {
		t.feed.Enqueue(t.changeLocked(conversationID))
	}
	t.mu.Unlock()

	if changed {
		t.feed.Flush()
	}
	return changed
}

// OnRemoteStop removes the entry of identityID in conversationID.
func (t *Tracker) OnRemoteStop(conversationID, identityID string) bool {
	t.mu.Lock()
	conv := t.entries[conversationID]
	if _, ok := conv[identityID]; !ok {
		t.mu.Unlock()
		return false
	}
	delete(conv, identityID)
	if len(conv) == 0 {
		delete(t.entries, conversationID)
	}
	t.feed.Enqueue(t.changeLocked(conversationID))
	t.mu.Unlock()

	t.feed.Flush()
	return true
}

// ClearConversation drops every entry of conversationID.
func (t *Tracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	_, ok := t.entries[conversationID]
	delete(t.entries, conversationID)
	if ok {
		t.feed.Enqueue(Change{ConversationID: conversationID, Entries: []models.TypingEntry{}})
	}
	t.mu.Unlock()

	if ok {
		t.feed.Flush()
	}
}

// Typing lists the entries of conversationID ordered by display name.
func (t *Tracker) Typing(conversationID string) []models.TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changeLocked(conversationID).Entries
}

// Sweep removes entries whose safety expiry passed at now and returns how
// many were removed. Without a safety expiry it never removes anything.
func (t *Tracker) Sweep(now time.Time) int {
	if t.expiry <= 0 {
		return 0
	}

	t.mu.Lock()
	removed := 0
	for convID, conv := range t.entries {
		n := 0
		for id, e := range conv {
			if !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
				delete(conv, id)
				n++
			}
		}
		if n == 0 {
			continue
		}
		removed += n
		if len(conv) == 0 {
			delete(t.entries, convID)
		}
		t.feed.Enqueue(t.changeLocked(convID))
	}
	t.mu.Unlock()

	if removed > 0 {
		t.feed.Flush()
	}
	if removed > 0 {
		t.logger.Debug("Expired typing entries", zap.Int("count", removed))
	}
	return removed
}

func (t *Tracker) changeLocked(conversationID string) Change {
	conv := t.entries[conversationID]
	list := make([]models.TypingEntry, 0, len(conv))
	for _, e := range conv {
		list = append(list, e)
	}
	slices.SortFunc(list, func(a, b models.TypingEntry) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.IdentityID, b.IdentityID)
	})
	return Change{ConversationID: conversationID, Entries: list}
}
