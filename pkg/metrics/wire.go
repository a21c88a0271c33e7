package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WireMetrics provides observability for the wire protocol adapter:
// connection lifecycle, request handling, and pushed notifications.
type WireMetrics interface {
	// RecordRequest records a completed wire request.
	//
	// Parameters:
	//   - procedure: wire procedure name (e.g., "ATTACH", "READ")
	//   - duration: time taken to process the request
	//   - err: error if the request failed, nil on success
	RecordRequest(procedure string, duration time.Duration, err error)

	// RecordNotification records a server-push notification, labeled by
	// kind ("read_done", "write_done", "init_done").
	RecordNotification(kind string)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()
}

var (
	wireVecsOnce sync.Once

	wireRequestsTotal      *prometheus.CounterVec
	wireRequestDuration    *prometheus.HistogramVec
	wireNotificationsTotal *prometheus.CounterVec
	wireActiveConnections  prometheus.Gauge
	wireConnsAccepted      prometheus.Counter
	wireConnsClosed        prometheus.Counter
)

func initWireVecs(reg *prometheus.Registry) {
	wireVecsOnce.Do(func() {
		wireRequestsTotal = promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmux_wire_requests_total",
				Help: "Total wire requests by procedure and status",
			},
			[]string{"procedure", "status"},
		)
		wireRequestDuration = promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "nvmux_wire_request_duration_seconds",
				Help: "Duration of wire requests in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.025, // 25ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
					10.0,  // 10s
				},
			},
			[]string{"procedure"},
		)
		wireNotificationsTotal = promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmux_wire_notifications_total",
				Help: "Server-push notifications by kind",
			},
			[]string{"kind"},
		)
		wireActiveConnections = promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "nvmux_wire_active_connections",
				Help: "Current number of active wire connections",
			},
		)
		wireConnsAccepted = promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "nvmux_wire_connections_accepted_total",
				Help: "Total number of wire connections accepted",
			},
		)
		wireConnsClosed = promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "nvmux_wire_connections_closed_total",
				Help: "Total number of wire connections closed",
			},
		)
	})
}

// wireMetrics is the Prometheus implementation of WireMetrics.
type wireMetrics struct{}

// NewWireMetrics creates a Prometheus-backed WireMetrics instance, or a
// no-op implementation when metrics are not enabled.
func NewWireMetrics() WireMetrics {
	if !IsEnabled() {
		return noopWireMetrics{}
	}
	initWireVecs(GetRegistry())
	return wireMetrics{}
}

func (wireMetrics) RecordRequest(procedure string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	wireRequestsTotal.WithLabelValues(procedure, status).Inc()
	wireRequestDuration.WithLabelValues(procedure).Observe(duration.Seconds())
}

func (wireMetrics) RecordNotification(kind string) {
	wireNotificationsTotal.WithLabelValues(kind).Inc()
}

func (wireMetrics) SetActiveConnections(count int32) {
	wireActiveConnections.Set(float64(count))
}

func (wireMetrics) RecordConnectionAccepted() {
	wireConnsAccepted.Inc()
}

func (wireMetrics) RecordConnectionClosed() {
	wireConnsClosed.Inc()
}

// noopWireMetrics is a no-op implementation with zero overhead.
type noopWireMetrics struct{}

func (noopWireMetrics) RecordRequest(procedure string, duration time.Duration, err error) {}
func (noopWireMetrics) RecordNotification(kind string)                                    {}
func (noopWireMetrics) SetActiveConnections(count int32)                                  {}
func (noopWireMetrics) RecordConnectionAccepted()                                         {}
func (noopWireMetrics) RecordConnectionClosed()                                           {}
