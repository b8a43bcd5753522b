package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. After returns a channel that
// fires immediately while recording the requested delay, so backoff
// schedules can be asserted without sleeping. Tickers fire only when the
// test calls Tick.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
	ticks  []*FakeTicker
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock's notion of now.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// After records d and fires immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Delays returns the durations passed to After, in order.
func (f *Fake) Delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.delays))
	copy(out, f.delays)
	return out
}

// NewTicker returns a ticker controlled by Tick.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &FakeTicker{ch: make(chan time.Time, 1), interval: d}
	f.ticks = append(f.ticks, t)
	return t
}

// Tick fires every live ticker once.
func (f *Fake) Tick() {
	f.mu.Lock()
	f.now = f.now.Add(time.Millisecond)
	now := f.now
	tickers := make([]*FakeTicker, len(f.ticks))
	copy(tickers, f.ticks)
	f.mu.Unlock()

	for _, t := range tickers {
		t.fire(now)
	}
}

// FakeTicker is the Ticker produced by Fake.
type FakeTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	stopped  bool
	interval time.Duration
}

func (t *FakeTicker) C() <-chan time.Time { return t.ch }

func (t *FakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Interval returns the duration the ticker was created with.
func (t *FakeTicker) Interval() time.Duration { return t.interval }

func (t *FakeTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
}
