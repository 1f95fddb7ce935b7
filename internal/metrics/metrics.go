// Package metrics provides Prometheus metrics for meshdrive.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation status labels.
const (
	StatusOK          = "ok"
	StatusNotFound    = "not_found"
	StatusQuota       = "quota_exceeded"
	StatusInvalid     = "invalid"
	StatusTooLarge    = "too_large"
	StatusUnavailable = "unavailable"
	StatusError       = "error"
)

// Metrics holds all Prometheus metrics for a filesystem service instance.
type Metrics struct {
	// Filesystem operations
	OpsTotal    *prometheus.CounterVec   // meshdrive_ops_total{op,status}
	OpDuration  *prometheus.HistogramVec // meshdrive_op_duration_seconds{op}
	DeleteFails prometheus.Counter       // meshdrive_delete_descendant_failures_total

	// Transfer
	BytesUploaded   prometheus.Counter // meshdrive_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // meshdrive_bytes_downloaded_total

	// Object store calls
	StoreCallsTotal   *prometheus.CounterVec   // meshdrive_store_calls_total{call,status}
	StoreCallDuration *prometheus.HistogramVec // meshdrive_store_call_duration_seconds{call}

	// Quota gauges, sampled by the Collector
	QuotaUsedBytes  *prometheus.GaugeVec // meshdrive_quota_used_bytes{owner}
	QuotaLimitBytes *prometheus.GaugeVec // meshdrive_quota_limit_bytes{owner} (0 = unlimited)
	QuotaUsedPct    *prometheus.GaugeVec // meshdrive_quota_used_percent{owner}
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// New registers all metrics with registry. A nil registry yields metrics that
// are recorded but never exported.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		OpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdrive_ops_total",
			Help: "Total filesystem operations by operation and status",
		}, []string{"op", "status"}),

		OpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshdrive_op_duration_seconds",
			Help:    "Filesystem operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		DeleteFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshdrive_delete_descendant_failures_total",
			Help: "Descendants that could not be removed during recursive folder deletes",
		}),

		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshdrive_bytes_uploaded_total",
			Help: "Total bytes uploaded",
		}),

		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshdrive_bytes_downloaded_total",
			Help: "Total bytes opened for download",
		}),

		StoreCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdrive_store_calls_total",
			Help: "Object store calls by call and status",
		}, []string{"call", "status"}),

		StoreCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshdrive_store_call_duration_seconds",
			Help:    "Object store call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"call"}),

		QuotaUsedBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshdrive_quota_used_bytes",
			Help: "Bytes stored per owner",
		}, []string{"owner"}),

		QuotaLimitBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshdrive_quota_limit_bytes",
			Help: "Quota limit per owner in bytes (0 = unlimited)",
		}, []string{"owner"}),

		QuotaUsedPct: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshdrive_quota_used_percent",
			Help: "Percentage of quota used per owner",
		}, []string{"owner"}),
	}
}

// RecordOp records a filesystem operation.
func (m *Metrics) RecordOp(op, status string, durationSeconds float64) {
	m.OpsTotal.WithLabelValues(op, status).Inc()
	m.OpDuration.WithLabelValues(op).Observe(durationSeconds)
}

// RecordStoreCall records an object store call.
func (m *Metrics) RecordStoreCall(call, status string, durationSeconds float64) {
	m.StoreCallsTotal.WithLabelValues(call, status).Inc()
	m.StoreCallDuration.WithLabelValues(call).Observe(durationSeconds)
}

// RecordUpload records bytes uploaded.
func (m *Metrics) RecordUpload(bytes int64) {
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes downloaded.
func (m *Metrics) RecordDownload(bytes int64) {
	m.BytesDownloaded.Add(float64(bytes))
}

// RecordDeleteFailures adds to the recursive delete failure counter.
func (m *Metrics) RecordDeleteFailures(n int) {
	if n > 0 {
		m.DeleteFails.Add(float64(n))
	}
}

// UpdateQuota updates the quota gauges for owner.
func (m *Metrics) UpdateQuota(owner string, usedBytes, limitBytes int64) {
	m.QuotaUsedBytes.WithLabelValues(owner).Set(float64(usedBytes))
	m.QuotaLimitBytes.WithLabelValues(owner).Set(float64(limitBytes))

	if limitBytes > 0 {
		m.QuotaUsedPct.WithLabelValues(owner).Set(float64(usedBytes) / float64(limitBytes) * 100)
	} else {
		m.QuotaUsedPct.WithLabelValues(owner).Set(0)
	}
}

// WriteTextfile writes every metric in g to path in the node_exporter
// textfile format.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
