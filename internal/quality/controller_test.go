package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/internal/clock"
	"peercall/internal/domain"
)

type mockStats struct {
	mu      sync.Mutex
	metrics *domain.ConnectionMetrics
	err     error
	calls   int
}

func (m *mockStats) SampleStats(ctx context.Context, callID string) (*domain.ConnectionMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.metrics, nil
}

func (m *mockStats) set(metrics *domain.ConnectionMetrics) {
	m.mu.Lock()
	m.metrics = metrics
	m.mu.Unlock()
}

type mockApplier struct {
	mu      sync.Mutex
	applied []Tier
	err     error
}

func (m *mockApplier) ApplyTier(ctx context.Context, callID string, tier Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.applied = append(m.applied, tier)
	return nil
}

func (m *mockApplier) tiers() []Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tier, len(m.applied))
	copy(out, m.applied)
	return out
}

type mockSink struct {
	mu      sync.Mutex
	reports []domain.CallQualityReport
}

func (m *mockSink) RecordCallQuality(r domain.CallQualityReport) {
	m.mu.Lock()
	m.reports = append(m.reports, r)
	m.mu.Unlock()
}

func (m *mockSink) RecordUsage(r domain.CallUsageReport) {}
func (m *mockSink) RecordError(e domain.ErrorEvent)      {}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

func goodMetrics() *domain.ConnectionMetrics {
	return &domain.ConnectionMetrics{BandwidthBps: 2_000_000, PacketLoss: 0, SampledAt: time.Unix(0, 0)}
}

func degradedMetrics() *domain.ConnectionMetrics {
	return &domain.ConnectionMetrics{BandwidthBps: 250_000, PacketLoss: 0.08, SampledAt: time.Unix(0, 0)}
}

func TestSample_DegradesTierOnBadNetwork(t *testing.T) {
	stats := &mockStats{metrics: degradedMetrics()}
	applier := &mockApplier{}
	sink := &mockSink{}
	c := NewController("call-1", stats, applier, sink, clock.NewFake(time.Unix(0, 0)), TierHigh)

	c.sample(context.Background())

	assert.Equal(t, []Tier{TierLow}, applier.tiers())
	assert.Equal(t, TierLow, c.Current())
	assert.Equal(t, 1, sink.count())
}

func TestSample_NoChangeNoApply(t *testing.T) {
	stats := &mockStats{metrics: &domain.ConnectionMetrics{BandwidthBps: 1_000_000, PacketLoss: 0.01}}
	applier := &mockApplier{}
	c := NewController("call-1", stats, applier, &mockSink{}, clock.NewFake(time.Unix(0, 0)), TierMedium)

	c.sample(context.Background())

	assert.Empty(t, applier.tiers())
	assert.Equal(t, TierMedium, c.Current())
}

func TestSample_StatErrorAbsorbed(t *testing.T) {
	stats := &mockStats{err: errors.New("stats unavailable")}
	applier := &mockApplier{}
	sink := &mockSink{}
	c := NewController("call-1", stats, applier, sink, clock.NewFake(time.Unix(0, 0)), TierHigh)

	c.sample(context.Background())

	assert.Empty(t, applier.tiers())
	assert.Equal(t, TierHigh, c.Current())
	assert.Equal(t, 0, sink.count(), "failed samples produce no report")
}

func TestSample_ApplyFailureKeepsCurrentTier(t *testing.T) {
	stats := &mockStats{metrics: degradedMetrics()}
	applier := &mockApplier{err: errors.New("capture busy")}
	c := NewController("call-1", stats, applier, &mockSink{}, clock.NewFake(time.Unix(0, 0)), TierHigh)

	c.sample(context.Background())

	assert.Equal(t, TierHigh, c.Current())
}

func TestSetManual_DisablesAutoUntilEnableAuto(t *testing.T) {
	stats := &mockStats{metrics: degradedMetrics()}
	applier := &mockApplier{}
	c := NewController("call-1", stats, applier, &mockSink{}, clock.NewFake(time.Unix(0, 0)), TierHigh)

	require.NoError(t, c.SetManual(context.Background(), TierUltra))
	assert.Equal(t, TierUltra, c.Current())

	// Degraded samples still report but do not override the pin.
	c.sample(context.Background())
	assert.Equal(t, []Tier{TierUltra}, applier.tiers())
	assert.Equal(t, TierUltra, c.Current())

	c.EnableAuto()
	c.sample(context.Background())
	assert.Equal(t, []Tier{TierUltra, TierLow}, applier.tiers())
}

func TestSetManual_SameTierIsNoOp(t *testing.T) {
	applier := &mockApplier{}
	c := NewController("call-1", &mockStats{}, applier, &mockSink{}, clock.NewFake(time.Unix(0, 0)), TierHigh)

	require.NoError(t, c.SetManual(context.Background(), TierHigh))
	assert.Empty(t, applier.tiers())
}

func TestController_ChangeHook(t *testing.T) {
	stats := &mockStats{metrics: degradedMetrics()}
	var gotTier Tier
	var gotManual bool
	c := NewController("call-1", stats, &mockApplier{}, &mockSink{}, clock.NewFake(time.Unix(0, 0)), TierHigh,
		WithChangeHook(func(tier Tier, manual bool) {
			gotTier = tier
			gotManual = manual
		}))

	c.sample(context.Background())
	assert.Equal(t, TierLow, gotTier)
	assert.False(t, gotManual)

	require.NoError(t, c.SetManual(context.Background(), TierMedium))
	assert.Equal(t, TierMedium, gotTier)
	assert.True(t, gotManual)
}

func TestRun_SamplesOnEachTick(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	stats := &mockStats{metrics: goodMetrics()}
	sink := &mockSink{}
	c := NewController("call-1", stats, &mockApplier{}, sink, clk, TierHigh,
		WithInterval(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		clk.Tick()
		return sink.count() >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
