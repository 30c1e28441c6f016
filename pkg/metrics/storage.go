package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ObjectStoreMetrics records latency, outcomes and retries of blob operations.
type ObjectStoreMetrics struct {
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
	retries  *prometheus.CounterVec
}

// NewObjectStoreMetrics registers the object store metrics on the provided registerer.
func NewObjectStoreMetrics(reg prometheus.Registerer) *ObjectStoreMetrics {
	if reg == nil {
		return &ObjectStoreMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "object_store_operation_duration_seconds",
		Help:    "Duration of object store operations including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "object_store_operations_total",
		Help: "Object store operations by outcome.",
	}, []string{"op", "result"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "object_store_retries_total",
		Help: "Retried object store attempts.",
	}, []string{"op"})
	reg.MustRegister(duration, results, retries)
	return &ObjectStoreMetrics{
		duration: duration,
		results:  results,
		retries:  retries,
	}
}

// Observe records one finished operation.
func (m *ObjectStoreMetrics) Observe(op string, duration time.Duration, err error) {
	if m == nil || m.duration == nil {
		return
	}
	op = normalizeLabel(op)
	m.duration.WithLabelValues(op).Observe(duration.Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	m.results.WithLabelValues(op, result).Inc()
}

// IncRetry counts an attempt beyond the first.
func (m *ObjectStoreMetrics) IncRetry(op string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(op)).Inc()
}
