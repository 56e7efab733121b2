// Package metrics exposes nft-sync runtime metrics to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all nft-sync metrics.
type Registry struct {
	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	HandshakeFailure prometheus.Counter

	// Protocol metrics
	FramesIn  *prometheus.CounterVec
	FramesOut *prometheus.CounterVec
	Commands  *prometheus.CounterVec

	// Kernel metrics
	ApplyDuration prometheus.Histogram
	ApplySkipped  prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nftsync_sessions_active",
		Help: "Number of open sessions",
	})

	r.SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nftsync_sessions_total",
		Help: "Closed sessions by outcome",
	}, []string{"role", "outcome"})

	r.HandshakeFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nftsync_tls_handshake_failures_total",
		Help: "TLS handshakes that failed or were rejected",
	})

	r.FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nftsync_frames_received_total",
		Help: "Frames decoded, by type",
	}, []string{"type"})

	r.FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nftsync_frames_sent_total",
		Help: "Frames queued for sending, by type",
	}, []string{"type"})

	r.Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nftsync_commands_total",
		Help: "Commands handled, by operation and result",
	}, []string{"op", "result"})

	r.ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nftsync_kernel_apply_duration_seconds",
		Help:    "Duration of kernel ruleset transactions",
		Buckets: prometheus.DefBuckets,
	})

	r.ApplySkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nftsync_kernel_apply_skipped_total",
		Help: "Applies skipped because the same content was already live",
	})

	return r
}

// RecordCommand counts one handled command.
func (r *Registry) RecordCommand(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.Commands.WithLabelValues(op, result).Inc()
}

// SessionClosed counts a finished session and decrements the active gauge.
func (r *Registry) SessionClosed(role, outcome string) {
	r.SessionsActive.Dec()
	r.SessionsTotal.WithLabelValues(role, outcome).Inc()
}
