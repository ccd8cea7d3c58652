// Package metrics holds the Prometheus instruments of the job service.
//
// Instruments are registered on an explicit registry so tests and multiple
// App instances never collide on the default one. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "sessionjobs_"

// Item outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

type Metrics struct {
	jobsCreated  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobsQueued   prometheus.Gauge
	items        *prometheus.CounterVec
	itemDuration prometheus.Histogram
	subscribers  prometheus.Gauge
	deliveries   *prometheus.CounterVec
	httpRequests *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "jobs_created_total",
			Help: "Number of jobs created",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "jobs_finished_total",
			Help: "Number of jobs that reached a terminal status",
		}, []string{"status"}),
		jobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "jobs_running",
			Help: "Jobs currently holding an admission slot",
		}),
		jobsQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "jobs_queued",
			Help: "Jobs waiting in the admission queue",
		}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "items_total",
			Help: "Per-item outcomes produced by the batch executor",
		}, []string{"outcome"}),
		itemDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "item_duration_seconds",
			Help:    "Wall time of a single per-item operation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "progress_subscribers",
			Help: "Live progress observers across all jobs",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "progress_deliveries_total",
			Help: "Progress message deliveries by result",
		}, []string{"result"}),
		httpRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
}

func (m *Metrics) JobCreated() {
	if m == nil {
		return
	}
	m.jobsCreated.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) Admission(running, queued int) {
	if m == nil {
		return
	}
	m.jobsRunning.Set(float64(running))
	m.jobsQueued.Set(float64(queued))
}

func (m *Metrics) ItemDone(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.itemDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Subscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) Delivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveries.WithLabelValues("ok").Inc()
	} else {
		m.deliveries.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) Request(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, code).Observe(d.Seconds())
}
