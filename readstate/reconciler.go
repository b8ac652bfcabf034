// Package readstate applies read acknowledgements idempotently and
// independently of arrival order.
//
// A Reconciler remembers which keys have been acknowledged as read. Stores
// consult it when an item arrives, so a "read" that overtook its "new item"
// event after a reconnect still leaves the item read, and a duplicate
// acknowledgement is detected by set membership rather than re-counted.
package readstate

import "sync"

// Reconciler is safe for concurrent use. The zero value is ready to use.
type Reconciler struct {
	mu    sync.Mutex
	acked map[string]struct{}
}

// New returns an empty Reconciler.
func New() *Reconciler {
	return &Reconciler{acked: make(map[string]struct{})}
}

// Acknowledge records key as read. It returns true only the first time a key
// is acknowledged.
func (r *Reconciler) Acknowledge(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acked == nil {
		r.acked = make(map[string]struct{})
	}
	if _, ok := r.acked[key]; ok {
		return false
	}
	r.acked[key] = struct{}{}
	return true
}

// Acknowledged reports whether key has been acknowledged.
func (r *Reconciler) Acknowledged(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.acked[key]
	return ok
}

// Forget drops key, used when an optimistic acknowledgement is rolled back.
func (r *Reconciler) Forget(key string) {
	r.mu.Lock()
	delete(r.acked, key)
	r.mu.Unlock()
}

// Reset drops every acknowledgement.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.acked = make(map[string]struct{})
	r.mu.Unlock()
}

// Len returns the number of acknowledged keys.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acked)
}

// ReceiptKey identifies a read receipt of one reader on one message.
func ReceiptKey(messageID, readerID string) string {
	return messageID + "\x00" + readerID
}
