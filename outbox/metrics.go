// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mobiletoly/scoresync/remote"
)

// MetricsRecorder observes drain cycles. The drainer calls it inline, so
// implementations must be cheap and non-blocking.
type MetricsRecorder interface {
	ObserveDrain(jobs, sent, errored int, d time.Duration)
	ObserveStatus(status remote.Status)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveDrain(jobs, sent, errored int, d time.Duration) {}
func (NopMetrics) ObserveStatus(status remote.Status)                    {}

// PromMetrics exports drain observations as Prometheus series.
type PromMetrics struct {
	jobsSent      prometheus.Counter
	jobsErrored   prometheus.Counter
	drainDuration prometheus.Histogram
	status        *prometheus.GaugeVec
}

// NewPromMetrics registers the outbox collectors on reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		jobsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scoresync_outbox_jobs_sent_total",
			Help: "Outbox jobs delivered to the backend.",
		}),
		jobsErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scoresync_outbox_jobs_errored_total",
			Help: "Outbox jobs that failed delivery and were marked error.",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scoresync_outbox_drain_seconds",
			Help:    "Duration of outbox drain cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scoresync_backend_status",
			Help: "Backend connectivity classification (1 = current).",
		}, []string{"status"}),
	}
	reg.MustRegister(m.jobsSent, m.jobsErrored, m.drainDuration, m.status)
	return m
}

func (m *PromMetrics) ObserveDrain(jobs, sent, errored int, d time.Duration) {
	m.jobsSent.Add(float64(sent))
	m.jobsErrored.Add(float64(errored))
	m.drainDuration.Observe(d.Seconds())
}

func (m *PromMetrics) ObserveStatus(status remote.Status) {
	for _, s := range []remote.Status{remote.StatusOk, remote.StatusNotConfigured,
		remote.StatusOffline, remote.StatusUnauthorized} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		m.status.WithLabelValues(s.String()).Set(v)
	}
}
