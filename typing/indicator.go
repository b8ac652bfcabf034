// Package typing tracks composing presence in both directions: the local
// Indicator turns keystrokes into typing_start/typing_stop commands and the
// Tracker records which remote identities are composing.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"claimsync/logging"
)

// Emitter sends typing commands over the transport channel.
type Emitter interface {
	StartTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
}

type burst struct {
	seq   uint64
	timer clockwork.Timer
}

// Indicator debounces local keystrokes. The first keystroke of a burst emits
// typing_start; the stop follows once no keystroke arrived for the debounce
// window.
type Indicator struct {
	emitter  Emitter
	clock    clockwork.Clock
	debounce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	seq    uint64
	active map[string]burst
}

// NewIndicator creates an Indicator that emits through emitter.
func NewIndicator(emitter Emitter, opts ...Option) *Indicator {
	o := buildOptions(opts)
	return &Indicator{
		emitter:  emitter,
		clock:    o.clock,
		debounce: o.debounce,
		logger:   logging.OrNop(o.logger).With(zap.String("component", "typing.indicator")),
		active:   make(map[string]burst),
	}
}

// Keystroke records local typing in conversationID.
func (i *Indicator) Keystroke(ctx context.Context, conversationID string) error {
	i.mu.Lock()
	prev, ongoing := i.active[conversationID]
	if ongoing {
		prev.timer.Stop()
	}
	i.seq++
	seq := i.seq
	i.active[conversationID] = burst{
		seq:   seq,
		timer: i.clock.AfterFunc(i.debounce, func() { i.expire(conversationID, seq) }),
	}
	i.mu.Unlock()

	if ongoing {
		return nil
	}
	if err := i.emitter.StartTyping(ctx, conversationID); err != nil {
		// No start went out, so the next keystroke starts again and no stop
		// follows.
		i.mu.Lock()
		if b, ok := i.active[conversationID]; ok && b.seq == seq {
			b.timer.Stop()
			delete(i.active, conversationID)
		}
		i.mu.Unlock()
		return err
	}
	return nil
}

// Stop ends the burst in conversationID immediately, for example when the
// message is sent. It is a no-op when no burst is active.
func (i *Indicator) Stop(ctx context.Context, conversationID string) error {
	i.mu.Lock()
	b, ok := i.active[conversationID]
	if ok {
		b.timer.Stop()
		delete(i.active, conversationID)
	}
	i.mu.Unlock()

	if !ok {
		return nil
	}
	return i.emitter.StopTyping(ctx, conversationID)
}

// Active reports whether a burst is in progress in conversationID.
func (i *Indicator) Active(conversationID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.active[conversationID]
	return ok
}

// Reset disarms every pending stop without emitting it.
func (i *Indicator) Reset() {
	i.mu.Lock()
	for id, b := range i.active {
		b.timer.Stop()
		delete(i.active, id)
	}
	i.mu.Unlock()
}

func (i *Indicator) expire(conversationID string, seq uint64) {
	i.mu.Lock()
	b, ok := i.active[conversationID]
	if !ok || b.seq != seq {
		i.mu.Unlock()
		return
	}
	delete(i.active, conversationID)
	i.mu.Unlock()

	if err := i.emitter.StopTyping(context.Background(), conversationID); err != nil {
		i.logger.Debug("Failed to emit typing stop", zap.String("conversationID", conversationID), zap.Error(err))
	}
}
