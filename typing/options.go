package typing

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DefaultDebounce is the trailing window after the last keystroke before a
// stop is emitted.
const DefaultDebounce = 1000 * time.Millisecond

type options struct {
	clock    clockwork.Clock
	logger   *zap.Logger
	debounce time.Duration
	expiry   time.Duration
}

// Option configures an Indicator or a Tracker.
type Option func(*options)

// WithClock replaces the wall clock, typically with a clockwork.FakeClock.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithDebounce sets the Indicator's trailing stop window.
func WithDebounce(d time.Duration) Option { return func(o *options) { o.debounce = d } }

// WithSafetyExpiry makes Tracker entries expire d after their last start
// event. Zero, the default, keeps entries until an explicit stop.
func WithSafetyExpiry(d time.Duration) Option { return func(o *options) { o.expiry = d } }

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock(), debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}
	if o.debounce <= 0 {
		o.debounce = DefaultDebounce
	}
	if o.expiry < 0 {
		o.expiry = 0
	}
	return o
}
