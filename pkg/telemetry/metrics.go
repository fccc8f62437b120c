// Package telemetry exposes dailyagg's Prometheus metrics.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nicktill/dailyagg/pkg/aggregate"
	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Error kinds used as the "kind" label of dailyagg_record_errors_total
const (
	KindInvalidInput     = "invalid_input"
	KindStoreUnavailable = "store_unavailable"
	KindRateLimited      = "rate_limited"
	KindDeviceLimit      = "device_limit"
	KindStorageFull      = "storage_full"
	KindOther            = "other"
)

// Metrics holds the collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	readingsRecorded *prometheus.CounterVec
	recordErrors     *prometheus.CounterVec
	queryDuration    prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dailyagg_readings_recorded_total",
			Help: "Readings merged into daily buckets, by whether the bucket was created or merged.",
		}, []string{"result"}),
		recordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dailyagg_record_errors_total",
			Help: "Readings that could not be recorded, by error kind.",
		}, []string{"kind"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dailyagg_query_duration_seconds",
			Help:    "Duration of range queries against the aggregate store.",
			Buckets: prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dailyagg_http_requests_total",
			Help: "HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dailyagg_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.readingsRecorded,
		m.recordErrors,
		m.queryDuration,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// AggregateRecorded implements aggregate.Observer
func (m *Metrics) AggregateRecorded(_ model.DailyAggregate, created bool) {
	if m == nil {
		return
	}
	result := "merged"
	if created {
		result = "created"
	}
	m.readingsRecorded.WithLabelValues(result).Inc()
}

// RecordError counts a failed reading under the kind derived from err
func (m *Metrics) RecordError(err error) {
	if m == nil || err == nil {
		return
	}
	m.recordErrors.WithLabelValues(ErrorKind(err)).Inc()
}

// Rejected counts a reading refused before reaching the aggregator
func (m *Metrics) Rejected(kind string) {
	if m == nil {
		return
	}
	m.recordErrors.WithLabelValues(kind).Inc()
}

// ObserveQuery records the duration of one QueryRange call
func (m *Metrics) ObserveQuery(d time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.Observe(d.Seconds())
}

// ErrorKind classifies an aggregator error for the kind label
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, aggregate.ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, aggregate.ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindOther
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and observes latency for route
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
