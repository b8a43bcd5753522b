package webrtc

import (
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestCollectMetrics(t *testing.T) {
	now := time.Unix(1000, 0)
	report := pion.StatsReport{
		"inbound-video": pion.InboundRTPStreamStats{
			PacketsReceived: 900,
			PacketsLost:     50,
			BytesReceived:   1_000_000,
			Jitter:          0.015,
		},
		"inbound-audio": pion.InboundRTPStreamStats{
			PacketsReceived: 50,
			PacketsLost:     -3, // pion reports negative loss on reordering
			BytesReceived:   40_000,
			Jitter:          0.002,
		},
		"pair-succeeded": pion.ICECandidatePairStats{
			State:                    pion.StatsICECandidatePairStateSucceeded,
			AvailableOutgoingBitrate: 1_500_000,
			CurrentRoundTripTime:     0.045,
		},
		"pair-failed": pion.ICECandidatePairStats{
			State:                    pion.StatsICECandidatePairStateFailed,
			AvailableOutgoingBitrate: 9_000_000,
		},
	}

	m := collectMetrics(report, now)

	assert.Equal(t, uint64(950), m.PacketsReceived)
	assert.Equal(t, uint64(50), m.PacketsLost)
	assert.Equal(t, uint64(1_040_000), m.BytesReceived)
	assert.InDelta(t, 0.05, m.PacketLoss, 1e-9)
	assert.Equal(t, 15*time.Millisecond, m.Jitter)
	assert.Equal(t, float64(1_500_000), m.BandwidthBps)
	assert.Equal(t, 45*time.Millisecond, m.RoundTripTime)
	assert.Equal(t, now, m.SampledAt)
}

func TestCollectMetrics_EmptyReport(t *testing.T) {
	m := collectMetrics(pion.StatsReport{}, time.Unix(0, 0))
	assert.Zero(t, m.PacketLoss)
	assert.Zero(t, m.BandwidthBps)
}
