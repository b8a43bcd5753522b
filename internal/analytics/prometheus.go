// Package analytics forwards call monitoring data to metric backends.
// Sinks are fire-and-forget: they must never block or fail the call path.
package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"peercall/internal/domain"
)

// Prometheus publishes call metrics on a Prometheus registry.
type Prometheus struct {
	callsEnded    *prometheus.CounterVec
	callDuration  prometheus.Histogram
	reconnects    prometheus.Counter
	errorsTotal   *prometheus.CounterVec
	packetLoss    prometheus.Gauge
	bandwidthBps  prometheus.Gauge
	jitterSeconds prometheus.Gauge
	tierSamples   *prometheus.CounterVec
}

// NewPrometheus registers the call metrics with the given registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_calls_ended_total",
			Help: "Total number of calls that reached a terminal state",
		}, []string{"status", "kind"}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peercall_call_duration_seconds",
			Help:    "Duration of ended calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercall_reconnects_total",
			Help: "Total number of successful mid-call reconnections",
		}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_errors_total",
			Help: "Total number of surfaced call errors",
		}, []string{"category"}),
		packetLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_packet_loss_ratio",
			Help: "Most recent sampled packet loss ratio",
		}),
		bandwidthBps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_bandwidth_bps",
			Help: "Most recent estimated outgoing bandwidth",
		}),
		jitterSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_jitter_seconds",
			Help: "Most recent sampled receive jitter",
		}),
		tierSamples: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_quality_samples_total",
			Help: "Quality samples taken, by active tier",
		}, []string{"tier"}),
	}
}

func (p *Prometheus) RecordCallQuality(report domain.CallQualityReport) {
	p.packetLoss.Set(report.PacketLoss)
	p.bandwidthBps.Set(report.BandwidthBps)
	p.jitterSeconds.Set(report.Jitter.Seconds())
	p.tierSamples.WithLabelValues(report.Tier).Inc()
}

func (p *Prometheus) RecordUsage(report domain.CallUsageReport) {
	p.callsEnded.WithLabelValues(string(report.Status), string(report.Kind)).Inc()
	p.callDuration.Observe(float64(report.DurationSeconds))
	if report.Reconnects > 0 {
		p.reconnects.Add(float64(report.Reconnects))
	}
}

func (p *Prometheus) RecordError(event domain.ErrorEvent) {
	p.errorsTotal.WithLabelValues(string(event.Category)).Inc()
}
