package webrtc

import (
	"time"

	pion "github.com/pion/webrtc/v4"

	"peercall/internal/domain"
)

// collectMetrics condenses a raw Pion statistics report into the
// per-call view the quality controller consumes. Inbound RTP streams are
// summed across audio and video; bandwidth and RTT come from the
// succeeded ICE candidate pair.
func collectMetrics(report pion.StatsReport, now time.Time) *domain.ConnectionMetrics {
	metrics := &domain.ConnectionMetrics{SampledAt: now}

	var jitter float64
	for _, s := range report {
		switch stat := s.(type) {
		case pion.InboundRTPStreamStats:
			metrics.PacketsReceived += uint64(stat.PacketsReceived)
			if stat.PacketsLost > 0 {
				metrics.PacketsLost += uint64(stat.PacketsLost)
			}
			metrics.BytesReceived += stat.BytesReceived
			if stat.Jitter > jitter {
				jitter = stat.Jitter
			}
		case pion.ICECandidatePairStats:
			if stat.State != pion.StatsICECandidatePairStateSucceeded {
				continue
			}
			if stat.AvailableOutgoingBitrate > 0 {
				metrics.BandwidthBps = stat.AvailableOutgoingBitrate
			}
			if stat.CurrentRoundTripTime > 0 {
				metrics.RoundTripTime = time.Duration(stat.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}

	metrics.Jitter = time.Duration(jitter * float64(time.Second))

	total := metrics.PacketsReceived + metrics.PacketsLost
	if total > 0 {
		metrics.PacketLoss = float64(metrics.PacketsLost) / float64(total)
	}
	return metrics
}
