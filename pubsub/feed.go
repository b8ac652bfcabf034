// Package pubsub provides the change-notification registry that stores
// expose to UI surfaces.
package pubsub

import (
	"slices"
	"sync"
)

// Feed fans a value out to independently registered listeners. Values are
// delivered one at a time in the order they were queued, even when several
// goroutines publish concurrently. The zero value is ready to use.
type Feed[T any] struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(T)

	queue      []T
	delivering bool
}

// Subscribe registers fn and returns a func that removes it. Calling the
// returned func more than once is harmless.
func (f *Feed[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listeners == nil {
		f.listeners = make(map[int]func(T))
	}
	id := f.next
	f.next++
	f.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
		})
	}
}

// Publish queues v and delivers it. See Flush.
func (f *Feed[T]) Publish(v T) {
	f.Enqueue(v)
	f.Flush()
}

// Enqueue queues v without delivering it. Stores call it while still holding
// the lock under which v was built, so the queue order matches the order of
// their mutations, and call Flush after unlocking.
func (f *Feed[T]) Enqueue(v T) {
	f.mu.Lock()
	f.queue = append(f.queue, v)
	f.mu.Unlock()
}

// Flush delivers every queued value to the listeners in registration order.
// Listeners run outside the feed lock and may subscribe, unsubscribe or
// publish. When another goroutine is already delivering, Flush returns at
// once and that goroutine delivers the values queued meanwhile.
func (f *Feed[T]) Flush() {
	f.mu.Lock()
	if f.delivering {
		f.mu.Unlock()
		return
	}
	f.delivering = true
	finished := false
	defer func() {
		// A panicking listener must not leave the feed stuck.
		if !finished {
			f.mu.Lock()
			f.delivering = false
			f.mu.Unlock()
		}
	}()

	for len(f.queue) > 0 {
		v := f.queue[0]
		f.queue = slices.Delete(f.queue, 0, 1)
		ids := make([]int, 0, len(f.listeners))
		for id := range f.listeners {
			ids = append(ids, id)
		}
		f.mu.Unlock()

		slices.Sort(ids)
		for _, id := range ids {
			f.mu.Lock()
			fn, ok := f.listeners[id]
			f.mu.Unlock()
			if ok {
				fn(v)
			}
		}
		f.mu.Lock()
	}
	f.delivering = false
	finished = true
	f.mu.Unlock()
}

// Len returns the number of registered listeners.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}
