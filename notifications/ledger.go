// Package notifications keeps the paginated notification list and its unread
// counter consistent with REST pages, push events and local acknowledgements.
package notifications

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"claimsync/apperrors"
	"claimsync/logging"
	"claimsync/metrics"
	"claimsync/models"
	"claimsync/pubsub"
	"claimsync/readstate"
)

// DefaultPageSize is used when a non-positive page size is given.
const DefaultPageSize = 20

// Source is the REST side of the ledger.
type Source interface {
	ListNotifications(ctx context.Context, page, pageSize int, filter models.NotificationFilter) (models.NotificationPage, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id string) error
	UnreadNotificationCount(ctx context.Context) (int, error)
}

// State is an immutable snapshot of the ledger.
type State struct {
	Items   []models.Notification
	Unread  int
	Total   int
	Page    int
	HasMore bool
	Filter  models.NotificationFilter
	Loading bool
	Stale   bool
	Err     error
}

// Ledger owns the notification items and the unread counter. The counter
// only changes together with the item it summarizes, except when an
// authoritative server count overwrites it.
type Ledger struct {
	source   Source
	pageSize int
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	gen     uint64
	items   []models.Notification
	unread  int
	total   int
	page    int
	filter  models.NotificationFilter
	loading bool
	stale   bool
	err     error

	// reads holds every id acknowledged read, locally or by the server.
	reads *readstate.Reconciler
	// optimistic holds ids marked read locally and not yet confirmed.
	optimistic map[string]struct{}
	// readAllSeq counts server-side read-all acknowledgements.
	readAllSeq uint64
	// deleted holds ids removed locally so redeliveries stay removed.
	deleted map[string]struct{}

	// headLoads counts page 1 requests in flight. While it is non-zero,
	// live insertions are recorded so the head replacement keeps them.
	headLoads  int
	arrived    []arrival
	arrivedSeq uint64

	feed pubsub.Feed[State]
}

type arrival struct {
	seq uint64
	id  string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(lg *Ledger) { lg.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(lg *Ledger) { lg.metrics = m } }

// New creates an empty ledger.
func New(source Source, pageSize int, opts ...Option) *Ledger {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	lg := &Ledger{
		source:     source,
		pageSize:   pageSize,
		reads:      readstate.New(),
		optimistic: make(map[string]struct{}),
		deleted:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(lg)
	}
	lg.logger = logging.OrNop(lg.logger).With(zap.String("component", "notifications"))
	return lg
}

// Subscribe registers fn for every state change.
func (lg *Ledger) Subscribe(fn func(State)) (unsubscribe func()) {
	return lg.feed.Subscribe(fn)
}

// Snapshot returns the current state.
func (lg *Ledger) Snapshot() State {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	return lg.stateLocked()
}

// Unread returns the unread counter.
func (lg *Ledger) Unread() int {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	return lg.unread
}

// Load fetches one page. Page 1 replaces the head of the list, keeps tail
// pages already loaded and overwrites the unread counter with the server's.
// Later pages are appended without duplicates. Changing the filter starts a
// new list.
func (lg *Ledger) Load(ctx context.Context, page, pageSize int, filter models.NotificationFilter) error {
	if page < 1 {
		return apperrors.InvalidArgument("notifications.load", "page must be >= 1, got %d", page)
	}
	if pageSize <= 0 {
		pageSize = lg.pageSize
	}

	var (
		gen   uint64
		since uint64
	)
	lg.mutate(func() bool {
		if filter != lg.filter {
			lg.gen++
			lg.filter = filter
			lg.items = nil
			lg.page = 0
			lg.total = 0
		}
		gen = lg.gen
		lg.loading = true
		if page == 1 {
			lg.headLoads++
			since = lg.arrivedSeq
		}
		return true
	})

	res, err := lg.source.ListNotifications(ctx, page, pageSize, filter)
	if err != nil {
		err = apperrors.SnapshotLoad("notifications.load", err)
		lg.mutate(func() bool {
			if page == 1 {
				lg.finishHeadLoadLocked()
			}
			if lg.gen != gen {
				return false
			}
			lg.loading = false
			lg.stale = true
			lg.err = err
			return true
		})
		lg.logger.Warn("Failed to load notifications", zap.Int("page", page), zap.Error(err))
		return err
	}

	lg.mutate(func() bool {
		if page == 1 {
			defer lg.finishHeadLoadLocked()
		}
		if lg.gen != gen {
			return false
		}
		if page == 1 {
			lg.replaceHeadLocked(res, pageSize, since)
		} else {
			for _, n := range res.Items {
				if lg.indexLocked(n.ID) < 0 {
					lg.items = append(lg.items, n)
				}
			}
		}
		if page > 1 {
			lg.total = res.Total
		}
		lg.page = max(lg.page, page)
		lg.pageSize = pageSize
		lg.loading = false
		lg.stale = false
		lg.err = nil
		return true
	})
	return nil
}

// LoadMore fetches the page after the last one loaded.
func (lg *Ledger) LoadMore(ctx context.Context) error {
	lg.mu.Lock()
	next, size, filter := lg.page+1, lg.pageSize, lg.filter
	lg.mu.Unlock()
	return lg.Load(ctx, next, size, filter)
}

// ApplyIncoming inserts n at the head unless it is already present. An item
// whose read acknowledgement arrived first is inserted as read.
func (lg *Ledger) ApplyIncoming(n models.Notification) bool {
	if n.ID == "" {
		return false
	}
	duplicate := false
	applied := lg.mutate(func() bool {
		if _, gone := lg.deleted[n.ID]; gone || lg.indexLocked(n.ID) >= 0 {
			duplicate = true
			return false
		}
		if lg.reads.Acknowledged(n.ID) {
			n.IsRead = true
		}
		if !lg.matchesLocked(n) {
			return false
		}
		lg.items = slices.Insert(lg.items, 0, n)
		lg.total++
		if !n.IsRead {
			lg.unread++
		}
		if lg.headLoads > 0 {
			lg.arrivedSeq++
			lg.arrived = append(lg.arrived, arrival{seq: lg.arrivedSeq, id: n.ID})
		}
		return true
	})
	if duplicate {
		lg.metrics.DuplicateSuppressed("new_notification")
	}
	return applied
}

// ApplyRead folds a notification_read event. Repeated and already applied
// acknowledgements are no-ops.
func (lg *Ledger) ApplyRead(id string, all bool) bool {
	if all {
		return lg.mutate(func() bool {
			changed := lg.unread != 0
			for i := range lg.items {
				lg.reads.Acknowledge(lg.items[i].ID)
				delete(lg.optimistic, lg.items[i].ID)
				if !lg.items[i].IsRead {
					lg.items[i].IsRead = true
					changed = true
				}
			}
			lg.unread = 0
			lg.readAllSeq++
			return changed
		})
	}

	if id == "" {
		return false
	}
	duplicate := false
	applied := lg.mutate(func() bool {
		if _, ok := lg.optimistic[id]; ok {
			// Confirms a local markRead that already moved the counter.
			delete(lg.optimistic, id)
			duplicate = true
			return false
		}
		if !lg.reads.Acknowledge(id) {
			duplicate = true
			return false
		}
		i := lg.indexLocked(id)
		if i < 0 || lg.items[i].IsRead {
			return false
		}
		lg.items[i].IsRead = true
		lg.decrementLocked()
		return true
	})
	if duplicate {
		lg.metrics.DuplicateSuppressed("notification_read")
	}
	return applied
}

// MarkRead marks id read locally, decrements the counter by one and sends the
// acknowledgement. The local change is rolled back if the server rejects it.
func (lg *Ledger) MarkRead(ctx context.Context, id string) error {
	var (
		missing bool
		noop    bool
	)
	lg.mutate(func() bool {
		i := lg.indexLocked(id)
		if i < 0 {
			missing = true
			return false
		}
		if lg.items[i].IsRead {
			noop = true
			return false
		}
		lg.items[i].IsRead = true
		lg.decrementLocked()
		lg.reads.Acknowledge(id)
		lg.optimistic[id] = struct{}{}
		return true
	})
	if missing {
		return apperrors.InvalidArgument("notifications.mark_read", "unknown notification %q", id)
	}
	if noop {
		return nil
	}

	err := lg.source.MarkNotificationRead(ctx, id)
	if err == nil {
		lg.mu.Lock()
		delete(lg.optimistic, id)
		lg.mu.Unlock()
		return nil
	}

	lg.metrics.CommandFailed("mark_notification_read")
	lg.mutate(func() bool {
		if !lg.rollbackReadLocked(id) {
			return false
		}
		lg.unread++
		return true
	})
	lg.logger.Warn("Failed to mark notification read", zap.String("notificationID", id), zap.Error(err))
	return apperrors.CommandFailure("notifications.mark_read", err)
}

// MarkAllRead marks every item read and zeroes the counter in one
// transition, then sends a single bulk acknowledgement.
func (lg *Ledger) MarkAllRead(ctx context.Context) error {
	var (
		prevUnread int
		seq        uint64
		flipped    []string
	)
	lg.mutate(func() bool {
		prevUnread = lg.unread
		seq = lg.readAllSeq
		for i := range lg.items {
			if lg.items[i].IsRead {
				continue
			}
			id := lg.items[i].ID
			lg.items[i].IsRead = true
			lg.reads.Acknowledge(id)
			lg.optimistic[id] = struct{}{}
			flipped = append(flipped, id)
		}
		lg.unread = 0
		return prevUnread != 0 || len(flipped) > 0
	})

	err := lg.source.MarkAllNotificationsRead(ctx)
	if err == nil {
		lg.mu.Lock()
		for _, id := range flipped {
			delete(lg.optimistic, id)
		}
		lg.mu.Unlock()
		return nil
	}

	lg.metrics.CommandFailed("mark_all_notifications_read")
	lg.mutate(func() bool {
		if lg.readAllSeq != seq {
			return false
		}
		confirmed := 0
		for _, id := range flipped {
			if !lg.rollbackReadLocked(id) {
				confirmed++
			}
		}
		lg.unread += max(prevUnread-confirmed, 0)
		return true
	})
	lg.logger.Warn("Failed to mark all notifications read", zap.Error(err))
	return apperrors.CommandFailure("notifications.mark_all_read", err)
}

// Delete removes id and decrements the counter if it was unread. The item is
// restored at its position if the server rejects the deletion.
func (lg *Ledger) Delete(ctx context.Context, id string) error {
	var (
		removed models.Notification
		pos     = -1
	)
	lg.mutate(func() bool {
		pos = lg.indexLocked(id)
		if pos < 0 {
			return false
		}
		removed = lg.items[pos]
		lg.items = slices.Delete(lg.items, pos, pos+1)
		lg.deleted[id] = struct{}{}
		lg.total = max(lg.total-1, 0)
		if !removed.IsRead {
			lg.decrementLocked()
		}
		return true
	})
	if pos < 0 {
		return apperrors.InvalidArgument("notifications.delete", "unknown notification %q", id)
	}

	err := lg.source.DeleteNotification(ctx, id)
	if err == nil {
		lg.mu.Lock()
		delete(lg.optimistic, id)
		lg.mu.Unlock()
		return nil
	}

	lg.metrics.CommandFailed("delete_notification")
	lg.mutate(func() bool {
		delete(lg.deleted, id)
		if lg.indexLocked(id) >= 0 {
			return false
		}
		if lg.reads.Acknowledged(id) {
			removed.IsRead = true
		}
		lg.items = slices.Insert(lg.items, min(pos, len(lg.items)), removed)
		lg.total++
		if !removed.IsRead {
			lg.unread++
		}
		return true
	})
	lg.logger.Warn("Failed to delete notification", zap.String("notificationID", id), zap.Error(err))
	return apperrors.CommandFailure("notifications.delete", err)
}

// RefreshUnreadCount overwrites the counter with the server's count.
func (lg *Ledger) RefreshUnreadCount(ctx context.Context) error {
	n, err := lg.source.UnreadNotificationCount(ctx)
	if err != nil {
		return apperrors.SnapshotLoad("notifications.refresh_unread_count", err)
	}
	lg.mutate(func() bool {
		if lg.unread == n {
			return false
		}
		lg.logger.Debug("Reconciled unread counter", zap.Int("local", lg.unread), zap.Int("server", n))
		lg.unread = max(n, 0)
		return true
	})
	return nil
}

// Resync reloads the head page with the current filter.
func (lg *Ledger) Resync(ctx context.Context) error {
	lg.mu.Lock()
	size, filter := lg.pageSize, lg.filter
	lg.mu.Unlock()
	return lg.Load(ctx, 1, size, filter)
}

// replaceHeadLocked installs a fresh page 1. Items inserted live since the
// request started (arrivals after since) that the page does not contain are
// newer than the server's answer, so they stay on top and count on top of the
// server's unread count. Locally deleted items stay deleted.
func (lg *Ledger) replaceHeadLocked(res models.NotificationPage, pageSize int, since uint64) {
	inPage := make(map[string]struct{}, len(res.Items))
	for _, n := range res.Items {
		inPage[n.ID] = struct{}{}
	}
	carried := make(map[string]struct{})
	for _, a := range lg.arrived {
		if _, ok := inPage[a.id]; a.seq > since && !ok {
			carried[a.id] = struct{}{}
		}
	}

	unread := max(res.UnreadCount, 0)
	total := res.Total
	next := make([]models.Notification, 0, len(res.Items)+len(lg.items))
	seen := make(map[string]struct{}, len(res.Items)+len(carried))
	for _, n := range lg.items {
		if _, ok := carried[n.ID]; ok {
			next = append(next, n)
			seen[n.ID] = struct{}{}
			total++
			if !n.IsRead {
				unread++
			}
		}
	}
	for _, n := range res.Items {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		if _, gone := lg.deleted[n.ID]; gone {
			total--
			if !n.IsRead {
				unread--
			}
			continue
		}
		seen[n.ID] = struct{}{}
		next = append(next, n)
	}
	if len(lg.items) > pageSize+len(carried) {
		for _, n := range lg.items[pageSize+len(carried):] {
			if _, dup := seen[n.ID]; !dup {
				next = append(next, n)
			}
		}
	}
	lg.items = next
	lg.unread = max(unread, 0)
	lg.total = max(total, 0)
}

func (lg *Ledger) finishHeadLoadLocked() {
	lg.headLoads--
	if lg.headLoads == 0 {
		lg.arrived = nil
	}
}

// rollbackReadLocked reverts a local read of id unless the server confirmed
// it in the meantime. It reports whether the acknowledgement was still
// pending; the caller restores the counter.
func (lg *Ledger) rollbackReadLocked(id string) bool {
	if _, pending := lg.optimistic[id]; !pending {
		return false
	}
	delete(lg.optimistic, id)
	lg.reads.Forget(id)
	if i := lg.indexLocked(id); i >= 0 {
		lg.items[i].IsRead = false
	}
	return true
}

func (lg *Ledger) matchesLocked(n models.Notification) bool {
	if lg.filter.Category != "" && n.Category != lg.filter.Category {
		return false
	}
	if lg.filter.UnreadOnly && n.IsRead {
		return false
	}
	return true
}

func (lg *Ledger) decrementLocked() {
	if lg.unread > 0 {
		lg.unread--
	}
}

func (lg *Ledger) indexLocked(id string) int {
	return slices.IndexFunc(lg.items, func(n models.Notification) bool { return n.ID == id })
}

func (lg *Ledger) mutate(fn func() bool) bool {
	lg.mu.Lock()
	changed := fn()
	if changed {
		lg.metrics.SetUnread(lg.unread)
		lg.feed.Enqueue(lg.stateLocked())
	}
	lg.mu.Unlock()

	if changed {
		lg.feed.Flush()
	}
	return changed
}

func (lg *Ledger) stateLocked() State {
	return State{
		Items:   slices.Clone(lg.items),
		Unread:  lg.unread,
		Total:   lg.total,
		Page:    lg.page,
		HasMore: lg.page*lg.pageSize < lg.total,
		Filter:  lg.filter,
		Loading: lg.loading,
		Stale:   lg.stale,
		Err:     lg.err,
	}
}
