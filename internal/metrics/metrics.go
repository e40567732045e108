// Package metrics owns the Prometheus collectors. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloak"

type Metrics struct {
	activeFeeds    prometheus.Gauge
	deliveries     prometheus.Counter
	resubscribes   prometheus.Counter
	posted         *prometheus.CounterVec
	reports        *prometheus.CounterVec
	sweepRuns      *prometheus.CounterVec
	sweepDeleted   prometheus.Counter
	sweepFailed    prometheus.Counter
	sweepDuration  prometheus.Histogram
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	eventsProduced *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "active",
			Help: "Number of open channel feeds.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "deliveries_total",
			Help: "Views delivered to feed listeners.",
		}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "resubscribes_total",
			Help: "Resubscription attempts after a transport error.",
		}),
		posted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "posted_total",
			Help: "Messages accepted per channel.",
		}, []string{"channel"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "moderation", Name: "reports_total",
			Help: "Report outcomes.",
		}, []string{"outcome"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "runs_total",
			Help: "Sweep passes by result.",
		}, []string{"result"}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "deleted_total",
			Help: "Expired messages deleted.",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "delete_failures_total",
			Help: "Expired messages whose delete failed and will be retried.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "duration_seconds",
			Help:    "Wall time of one sweep pass.",
			Buckets: prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		eventsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "produced_total",
			Help: "Lifecycle events handed to the broker by type and result.",
		}, []string{"type", "result"}),
	}

	reg.MustRegister(
		m.activeFeeds, m.deliveries, m.resubscribes,
		m.posted, m.reports,
		m.sweepRuns, m.sweepDeleted, m.sweepFailed, m.sweepDuration,
		m.httpRequests, m.httpDuration,
		m.eventsProduced,
	)
	return m
}

func (m *Metrics) FeedOpened() {
	if m != nil {
		m.activeFeeds.Inc()
	}
}

func (m *Metrics) FeedClosed() {
	if m != nil {
		m.activeFeeds.Dec()
	}
}

func (m *Metrics) Delivered() {
	if m != nil {
		m.deliveries.Inc()
	}
}

func (m *Metrics) Resubscribed() {
	if m != nil {
		m.resubscribes.Inc()
	}
}

func (m *Metrics) Posted(channel string) {
	if m != nil {
		m.posted.WithLabelValues(channel).Inc()
	}
}

// Reported outcome: counted | flipped | gone | error
func (m *Metrics) Reported(outcome string) {
	if m != nil {
		m.reports.WithLabelValues(outcome).Inc()
	}
}

// Swept 记录一次清理
func (m *Metrics) Swept(deleted, failed int, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err != nil && deleted == 0 && failed == 0:
		result = "error"
	case failed > 0 || err != nil:
		result = "partial"
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	m.sweepDeleted.Add(float64(deleted))
	m.sweepFailed.Add(float64(failed))
	m.sweepDuration.Observe(took.Seconds())
}

func (m *Metrics) HTTPRequest(method, route, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func (m *Metrics) EventProduced(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsProduced.WithLabelValues(eventType, result).Inc()
}
