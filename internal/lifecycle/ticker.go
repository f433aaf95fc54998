package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the countdown refresh period.
const DefaultInterval = time.Second

// TickerOptions configure a countdown ticker.
type TickerOptions struct {
	Clock    Clock
	Interval time.Duration
	// Ticks overrides the internal time.Ticker. Tests feed it by hand.
	Ticks <-chan time.Time
	// OnTick receives every recomputed countdown, including the first one.
	OnTick func(Countdown)
	// OnExpire runs at most once, when the countdown first reaches zero.
	// Both callbacks may call Stop.
	OnExpire func()
}

// Ticker recomputes a countdown on a fixed period until the deadline passes.
// It never talks to the backend; it only reports.
type Ticker struct {
	expiresAt time.Time
	opts      TickerOptions

	mu     sync.Mutex
	last   Countdown
	seeded bool

	expireOnce sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
	// inCallback is set while OnTick or OnExpire runs on the ticker goroutine.
	inCallback atomic.Bool
}

// StartTicker computes the countdown immediately and keeps ticking in a
// goroutine owned by the returned Ticker. Cancelling ctx or calling Stop
// tears it down.
func StartTicker(ctx context.Context, expiresAt time.Time, opts TickerOptions) *Ticker {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Ticker{
		expiresAt: expiresAt,
		opts:      opts,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if t.tick() {
		cancel()
		close(t.done)
		return t
	}
	go t.run(ctx)
	return t
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.done)
	ticks := t.opts.Ticks
	if ticks == nil {
		tk := time.NewTicker(t.opts.Interval)
		defer tk.Stop()
		ticks = tk.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			if t.tick() {
				return
			}
		}
	}
}

// tick recomputes and publishes the countdown. It returns true once expired.
func (t *Ticker) tick() bool {
	c := CountdownAt(t.expiresAt, t.opts.Clock.Now())
	t.mu.Lock()
	if t.seeded {
		switch {
		case t.last.Expired:
			c = t.last
		case !c.Expired && c.duration() > t.last.duration():
			// wall clock stepped backwards
			c = t.last
		}
	}
	t.last = c
	t.seeded = true
	t.mu.Unlock()

	t.inCallback.Store(true)
	defer t.inCallback.Store(false)
	if t.opts.OnTick != nil {
		t.opts.OnTick(c)
	}
	if c.Expired {
		t.expireOnce.Do(func() {
			if t.opts.OnExpire != nil {
				t.opts.OnExpire()
			}
		})
	}
	return c.Expired
}

// Current returns the last published countdown.
func (t *Ticker) Current() Countdown {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Stop cancels the ticker and waits for its goroutine to exit. Called from
// OnTick or OnExpire it only cancels; the goroutine exits once the callback
// returns.
func (t *Ticker) Stop() {
	t.cancel()
	if t.inCallback.Load() {
		return
	}
	<-t.done
}

// Done is closed once the ticker stopped, either by expiry or cancellation.
func (t *Ticker) Done() <-chan struct{} {
	return t.done
}
