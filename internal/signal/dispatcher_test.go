package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/internal/clock"
	"peercall/internal/domain"
)

// manualClock hands out After channels the test fires by hand, so the
// quiescence timer only elapses when the test says so.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	afters []chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(0, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.afters = append(c.afters, ch)
	return ch
}

func (c *manualClock) NewTicker(d time.Duration) clock.Ticker {
	return clock.Real{}.NewTicker(d)
}

// fireAll releases every armed After channel, waiting briefly for a
// timer a freshly spawned goroutine has not armed yet.
func (c *manualClock) fireAll() {
	deadline := time.Now().Add(time.Second)
	for {
		c.mu.Lock()
		if len(c.afters) > 0 || time.Now().After(deadline) {
			for _, ch := range c.afters {
				select {
				case ch <- c.now:
				default:
				}
			}
			c.afters = nil
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

type mockTransport struct {
	mu      sync.Mutex
	sent    []*domain.Signal
	batches [][]*domain.Signal
	sendErr error
}

func (t *mockTransport) SendSignal(ctx context.Context, sig *domain.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, sig)
	return nil
}

func (t *mockTransport) SendBatch(ctx context.Context, sigs []*domain.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.batches = append(t.batches, sigs)
	return nil
}

func (t *mockTransport) SubscribeSignals(ctx context.Context, receiverID string) (<-chan *domain.Signal, error) {
	return nil, nil
}

func (t *mockTransport) SubscribeCalls(ctx context.Context, userID string) (<-chan *domain.Call, error) {
	return nil, nil
}

func (t *mockTransport) Close() error { return nil }

func (t *mockTransport) batchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

func (t *mockTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(ctx context.Context, identity, op string) error { return nil }

func candidateSignal(t *testing.T, n int) *domain.Signal {
	t.Helper()
	payload, err := domain.EncodeCandidate("candidate:1 1 udp 2122260223 10.0.0.5 51000 typ host", "0", n)
	require.NoError(t, err)
	return domain.NewSignal("call-1", "alice", "bob", domain.SignalCandidate, payload, time.Unix(0, 0))
}

func offerSignal(t *testing.T) *domain.Signal {
	t.Helper()
	payload, err := domain.EncodeDescription("offer", "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n")
	require.NoError(t, err)
	return domain.NewSignal("call-1", "alice", "bob", domain.SignalOffer, payload, time.Unix(0, 0))
}

func TestDispatch_FullBatchSentImmediately(t *testing.T) {
	transport := &mockTransport{}
	d := NewDispatcher(transport, allowAllLimiter{}, newManualClock())

	for i := 0; i < 15; i++ {
		require.NoError(t, d.Dispatch(context.Background(), candidateSignal(t, i)))
	}

	// Ten candidates trigger a size flush; the remaining five wait for
	// quiescence or an explicit flush.
	require.Equal(t, 1, transport.batchCount())
	assert.Len(t, transport.batches[0], 10)

	require.NoError(t, d.Flush(context.Background()))
	require.Equal(t, 2, transport.batchCount())
	assert.Len(t, transport.batches[1], 5)
}

func TestDispatch_PartialBatchFlushedOnQuiescence(t *testing.T) {
	transport := &mockTransport{}
	clk := newManualClock()
	d := NewDispatcher(transport, allowAllLimiter{}, clk)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(context.Background(), candidateSignal(t, i)))
	}
	assert.Equal(t, 0, transport.batchCount())

	clk.fireAll()
	require.Eventually(t, func() bool { return transport.batchCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Len(t, transport.batches[0], 3)
}

func TestDispatch_StaleTimerDoesNotDoubleFlush(t *testing.T) {
	transport := &mockTransport{}
	clk := newManualClock()
	d := NewDispatcher(transport, allowAllLimiter{}, clk, WithBatchSize(3))

	// The first candidate arms the timer; the third triggers a size flush
	// that must disarm it.
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(context.Background(), candidateSignal(t, i)))
	}
	require.Equal(t, 1, transport.batchCount())

	clk.fireAll()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, transport.batchCount())
}

func TestDispatch_OfferFlushesQueuedCandidatesFirst(t *testing.T) {
	transport := &mockTransport{}
	d := NewDispatcher(transport, allowAllLimiter{}, newManualClock())

	require.NoError(t, d.Dispatch(context.Background(), candidateSignal(t, 0)))
	require.NoError(t, d.Dispatch(context.Background(), candidateSignal(t, 1)))
	require.NoError(t, d.Dispatch(context.Background(), offerSignal(t)))

	// Candidates leave as a batch before the offer goes out directly.
	require.Equal(t, 1, transport.batchCount())
	assert.Len(t, transport.batches[0], 2)
	require.Equal(t, 1, transport.sentCount())
	assert.Equal(t, domain.SignalOffer, transport.sent[0].Kind)
}

func TestDispatch_RejectsInvalidPayload(t *testing.T) {
	transport := &mockTransport{}
	d := NewDispatcher(transport, allowAllLimiter{}, newManualClock())

	sig := domain.NewSignal("call-1", "alice", "bob", domain.SignalOffer,
		json.RawMessage(`{"version":1,"type":"offer"}`), time.Unix(0, 0))
	err := d.Dispatch(context.Background(), sig)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, transport.sentCount())
}

func TestDispatch_RejectsOversizedPayload(t *testing.T) {
	transport := &mockTransport{}
	d := NewDispatcher(transport, allowAllLimiter{}, newManualClock())

	huge, err := json.Marshal(map[string]any{
		"version": 1,
		"type":    "offer",
		"sdp":     string(bytes.Repeat([]byte("a"), domain.MaxPayloadBytes)),
	})
	require.NoError(t, err)
	sig := domain.NewSignal("call-1", "alice", "bob", domain.SignalOffer, huge, time.Unix(0, 0))

	var verr *domain.ValidationError
	require.ErrorAs(t, d.Dispatch(context.Background(), sig), &verr)
	assert.Equal(t, "payload", verr.Field)
}

func TestDispatch_RateLimitPropagates(t *testing.T) {
	transport := &mockTransport{}
	clk := clock.NewFake(time.Unix(0, 0))
	limiter := NewMemoryLimiter(clk, 1, time.Minute)
	d := NewDispatcher(transport, limiter, newManualClock())

	require.NoError(t, d.Dispatch(context.Background(), offerSignal(t)))

	var rerr *domain.RateLimitError
	require.ErrorAs(t, d.Dispatch(context.Background(), offerSignal(t)), &rerr)
	assert.Equal(t, "alice", rerr.Identity)
	assert.Equal(t, 1, transport.sentCount())
}

func TestClose_FlushesRemainder(t *testing.T) {
	transport := &mockTransport{}
	d := NewDispatcher(transport, allowAllLimiter{}, newManualClock())

	require.NoError(t, d.Dispatch(context.Background(), candidateSignal(t, 0)))
	require.NoError(t, d.Close())

	require.Equal(t, 1, transport.batchCount())
	assert.Len(t, transport.batches[0], 1)
}
