package pubsub

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFeedListenersAreIndependent(t *testing.T) {
	var f Feed[int]
	var a, b []int

	unsubA := f.Subscribe(func(v int) { a = append(a, v) })
	f.Subscribe(func(v int) { b = append(b, v) })

	f.Publish(1)
	unsubA()
	unsubA()
	f.Publish(2)

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)
	assert.Equal(t, 1, f.Len())
}

func TestFeedListenerMayUnsubscribeItself(t *testing.T) {
	var f Feed[string]
	calls := 0
	var unsub func()
	unsub = f.Subscribe(func(string) {
		calls++
		unsub()
	})

	f.Publish("x")
	f.Publish("y")
	assert.Equal(t, 1, calls)
}

func TestFeedDeliversInQueueOrderWhileListenerBlocks(t *testing.T) {
	var f Feed[int]
	entered := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var got []int
	var inside atomic.Int32
	f.Subscribe(func(v int) {
		assert.Equal(t, int32(1), inside.Add(1), "deliveries never overlap")
		defer inside.Add(-1)
		if v == 1 {
			close(entered)
			<-release
		}
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	go f.Publish(1)
	<-entered

	// Queued under the publisher's own lock, in mutation order.
	f.Enqueue(2)
	f.Enqueue(3)
	f.Flush()
	mu.Lock()
	assert.Empty(t, got, "the blocked delivery owns the queue")
	mu.Unlock()

	close(release)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, got)
	mu.Unlock()
}

func TestFeedListenerMayPublish(t *testing.T) {
	var f Feed[int]
	var got []int
	f.Subscribe(func(v int) {
		got = append(got, v)
		if v == 1 {
			f.Publish(2)
			assert.Equal(t, []int{1}, got, "nested publish is delivered after the current value")
		}
	})

	f.Publish(1)
	assert.Equal(t, []int{1, 2}, got)
}
