package quality

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peercall/internal/clock"
	"peercall/internal/domain"
)

// DefaultSampleInterval is how often connection statistics are sampled
// while a call is connected.
const DefaultSampleInterval = 5 * time.Second

// StatsSource produces a fresh statistics sample for a call.
type StatsSource interface {
	SampleStats(ctx context.Context, callID string) (*domain.ConnectionMetrics, error)
}

// TierApplier re-applies capture constraints and the outgoing encoder's
// bitrate cap for a call.
type TierApplier interface {
	ApplyTier(ctx context.Context, callID string, tier Tier) error
}

// Controller samples connection statistics on a fixed interval and adjusts
// the outgoing video tier. One Controller serves one call.
type Controller struct {
	callID  string
	source  StatsSource
	applier TierApplier
	sink    domain.AnalyticsSink
	clk     clock.Clock

	interval time.Duration
	onChange func(tier Tier, manual bool)

	mu      sync.Mutex
	current Tier
	manual  bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithInterval overrides the sample interval.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithChangeHook registers a hook invoked after every applied tier change.
func WithChangeHook(fn func(tier Tier, manual bool)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// NewController creates a quality controller starting at the given tier.
func NewController(callID string, source StatsSource, applier TierApplier, sink domain.AnalyticsSink, clk clock.Clock, initial Tier, opts ...Option) *Controller {
	c := &Controller{
		callID:   callID,
		source:   source,
		applier:  applier,
		sink:     sink,
		clk:      clk,
		interval: DefaultSampleInterval,
		current:  initial,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run samples until ctx is cancelled. Sampling errors are logged and
// absorbed; a transient stat-collection failure must not disturb the call.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clk.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.sample(ctx)
		}
	}
}

func (c *Controller) sample(ctx context.Context) {
	metrics, err := c.source.SampleStats(ctx, c.callID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "quality",
			"call_id":   c.callID,
		}).WithError(err).Warn("stat collection failed, keeping current tier")
		return
	}

	c.mu.Lock()
	current := c.current
	manual := c.manual
	c.mu.Unlock()

	c.sink.RecordCallQuality(domain.CallQualityReport{
		CallID:       c.callID,
		Tier:         current.String(),
		BandwidthBps: metrics.BandwidthBps,
		PacketLoss:   metrics.PacketLoss,
		Jitter:       metrics.Jitter,
		SampledAt:    metrics.SampledAt,
	})

	if manual {
		return
	}

	target := SelectTier(metrics.PacketLoss, metrics.BandwidthBps, current)
	if target == current {
		return
	}
	c.apply(ctx, target, false)
}

// SetManual applies the tier and disables automatic adjustment until
// EnableAuto is called.
func (c *Controller) SetManual(ctx context.Context, tier Tier) error {
	c.mu.Lock()
	c.manual = true
	current := c.current
	c.mu.Unlock()

	if tier == current {
		return nil
	}
	return c.apply(ctx, tier, true)
}

// EnableAuto re-enables automatic tier selection.
func (c *Controller) EnableAuto() {
	c.mu.Lock()
	c.manual = false
	c.mu.Unlock()
}

// Current returns the tier currently applied.
func (c *Controller) Current() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) apply(ctx context.Context, tier Tier, manual bool) error {
	if err := c.applier.ApplyTier(ctx, c.callID, tier); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "quality",
			"call_id":   c.callID,
			"tier":      tier.String(),
		}).WithError(err).Warn("tier change failed")
		return err
	}

	c.mu.Lock()
	c.current = tier
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"component": "quality",
		"call_id":   c.callID,
		"tier":      tier.String(),
		"manual":    manual,
	}).Info("video tier changed")

	if c.onChange != nil {
		c.onChange(tier, manual)
	}
	return nil
}
