// Package metrics exports transfer counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/writer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "isoflash"

// Result label values.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultCancelled = "cancelled"
)

// Metrics implements progress.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	bytes      *prometheus.CounterVec
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	discovered prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Bytes written, verified or scanned.",
		}, []string{"op"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Finished operations by outcome.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of finished operations.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"op"}),
		discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_discovered_total",
			Help:      "Images reported by the directory watcher.",
		}),
	}

	m.registry.MustRegister(
		m.bytes,
		m.operations,
		m.duration,
		m.discovered,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Transferred(op string, n int64) {
	if n > 0 {
		m.bytes.WithLabelValues(op).Add(float64(n))
	}
}

func (m *Metrics) Finished(op string, err error, elapsed time.Duration) {
	m.operations.WithLabelValues(op, result(err)).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ImageDiscovered counts one watcher report.
func (m *Metrics) ImageDiscovered() {
	m.discovered.Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func result(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, writer.ErrCancelled):
		return ResultCancelled
	default:
		return ResultFailure
	}
}
