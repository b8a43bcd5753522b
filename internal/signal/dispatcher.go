// Package signal moves offer/answer/candidate traffic between the engine
// and the transport, batching candidates and enforcing send budgets.
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peercall/internal/clock"
	"peercall/internal/domain"
)

const (
	// DefaultBatchSize is how many candidates accumulate before a flush.
	DefaultBatchSize = 10
	// DefaultQuiescence is how long a partial batch waits before flushing.
	DefaultQuiescence = 100 * time.Millisecond
)

// Dispatcher sits between call sessions and the transport. Offers and
// answers go out immediately; ICE candidates are coalesced into batches
// of DefaultBatchSize or flushed after DefaultQuiescence of quiet,
// whichever comes first. Every signal is validated and charged against
// the sender's rate budget before it is accepted.
type Dispatcher struct {
	transport  domain.SignalTransport
	limiter    Limiter
	clk        clock.Clock
	batchSize  int
	quiescence time.Duration

	// onFlushError receives failures from timer-driven flushes, which
	// have no caller to return to.
	onFlushError func(err error)

	mu    sync.Mutex
	queue []*domain.Signal
	gen   uint64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBatchSize overrides the candidate batch size.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batchSize = n }
}

// WithQuiescence overrides the partial-batch flush delay.
func WithQuiescence(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.quiescence = delay }
}

// WithFlushErrorHandler registers a hook for asynchronous flush failures.
func WithFlushErrorHandler(fn func(err error)) DispatcherOption {
	return func(d *Dispatcher) { d.onFlushError = fn }
}

// NewDispatcher creates a dispatcher in front of the transport.
func NewDispatcher(transport domain.SignalTransport, limiter Limiter, clk clock.Clock, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport:  transport,
		limiter:    limiter,
		clk:        clk,
		batchSize:  DefaultBatchSize,
		quiescence: DefaultQuiescence,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates, rate-limits, and routes one signal. Priority kinds
// (offer, answer) flush any queued candidates first so per-call ordering
// survives, then go straight to the transport. Candidates are queued.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *domain.Signal) error {
	if err := domain.ValidatePayload(sig.Kind, sig.Payload); err != nil {
		return err
	}
	if err := d.limiter.Allow(ctx, sig.SenderID, string(sig.Kind)); err != nil {
		return err
	}

	if sig.Kind.Priority() {
		if err := d.Flush(ctx); err != nil {
			return err
		}
		return d.transport.SendSignal(ctx, sig)
	}

	d.mu.Lock()
	d.queue = append(d.queue, sig)
	n := len(d.queue)

	if n >= d.batchSize {
		batch := d.takeLocked()
		d.mu.Unlock()
		return d.transport.SendBatch(ctx, batch)
	}

	if n == 1 {
		// First candidate of a fresh batch arms the quiescence timer.
		d.gen++
		gen := d.gen
		d.mu.Unlock()
		go d.flushAfterQuiet(ctx, gen)
		return nil
	}

	d.mu.Unlock()
	return nil
}

// Flush sends whatever candidates are queued as one batch. Flushing an
// empty queue is a no-op.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	batch := d.takeLocked()
	d.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return d.transport.SendBatch(ctx, batch)
}

// Close flushes any remaining candidates.
func (d *Dispatcher) Close() error {
	return d.Flush(context.Background())
}

// takeLocked swaps out the queue and invalidates the pending timer.
// Callers must hold d.mu.
func (d *Dispatcher) takeLocked() []*domain.Signal {
	batch := d.queue
	d.queue = nil
	d.gen++
	return batch
}

func (d *Dispatcher) flushAfterQuiet(ctx context.Context, gen uint64) {
	select {
	case <-ctx.Done():
		return
	case <-d.clk.After(d.quiescence):
	}

	d.mu.Lock()
	if d.gen != gen || len(d.queue) == 0 {
		// A size-triggered or explicit flush already took this batch.
		d.mu.Unlock()
		return
	}
	batch := d.takeLocked()
	d.mu.Unlock()

	if err := d.transport.SendBatch(ctx, batch); err != nil {
		logrus.WithField("component", "signal").WithError(err).Warn("candidate batch flush failed")
		if d.onFlushError != nil {
			d.onFlushError(err)
		}
	}
}
