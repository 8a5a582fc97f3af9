package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	instance *Metrics
	once     sync.Once
)

// Metrics holds the panel's Prometheus series. promauto registers with the
// default registry, so construction must happen once per process.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	HeartbeatsTotal prometheus.Counter
	NodesOnline     prometheus.Gauge
	SweptOffline    prometheus.Counter

	TrafficBytes *prometheus.CounterVec
}

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "proxyfleet_requests_total",
					Help: "Processed API requests",
				},
				[]string{"method", "path", "status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "proxyfleet_request_duration_seconds",
					Help:    "API request latency in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
			HeartbeatsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "proxyfleet_heartbeats_total",
				Help: "Heartbeats accepted from agents",
			}),
			NodesOnline: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "proxyfleet_nodes_online",
				Help: "Nodes currently marked online",
			}),
			SweptOffline: promauto.NewCounter(prometheus.CounterOpts{
				Name: "proxyfleet_swept_offline_total",
				Help: "Nodes flipped offline by the staleness sweeper",
			}),
			TrafficBytes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "proxyfleet_traffic_bytes_total",
					Help: "Client traffic bytes folded into the ledger",
				},
				[]string{"direction"},
			),
		}
	})
	return instance
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest counts one finished API request.
func (m *Metrics) RecordRequest(method, path, status string) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveRequest records one request's latency.
func (m *Metrics) ObserveRequest(method, path string, seconds float64) {
	m.RequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordTraffic counts reported ledger bytes by direction.
func (m *Metrics) RecordTraffic(uplink, downlink int64) {
	m.TrafficBytes.WithLabelValues("uplink").Add(float64(uplink))
	m.TrafficBytes.WithLabelValues("downlink").Add(float64(downlink))
}
