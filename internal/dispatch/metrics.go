package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's counters. Pass a nil registerer to keep them
// unregistered (tests).
type Metrics struct {
	outcomes    *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	routes      *prometheus.CounterVec
	attempts    prometheus.Histogram
	sendSeconds prometheus.Histogram
	auditErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_dispatch_outcomes_total",
			Help: "Terminal dispatch outcomes by kind and status.",
		}, []string{"kind", "status"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_dispatch_rejections_total",
			Help: "Requests rejected before any transport attempt, by reason.",
		}, []string{"reason"}),
		routes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_payload_routes_total",
			Help: "Payload routing decisions.",
		}, []string{"route"}),
		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifyd_send_attempts",
			Help:    "Transport attempts consumed per delivered or exhausted request.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		sendSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifyd_send_duration_seconds",
			Help:    "Duration of individual transport calls.",
			Buckets: prometheus.DefBuckets,
		}),
		auditErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_audit_errors_total",
			Help: "Audit writes that failed (best effort, send result unaffected).",
		}),
	}
}
