package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StorageMetrics provides observability for one volume's storage
// driver: media operations, queueing, allocation, and throughput.
//
// This interface is optional - pass nil (or leave the registry
// uninitialized) and the driver runs with a no-op implementation.
type StorageMetrics interface {
	// RecordOp records a completed media operation.
	//
	// Parameters:
	//   - op: operation kind ("read", "write", "initialize", "kernel_read", "kernel_write")
	//   - duration: time from dispatch to completion
	//   - err: nil if the operation succeeded
	RecordOp(op string, duration time.Duration, err error)

	// RecordRejected records a request refused at admission, labeled by
	// the error category ("busy", "queue_full", "out_of_bounds", ...).
	RecordRejected(op string, reason string)

	// RecordQueued records a request parked in a pending slot.
	RecordQueued(op string)

	// RecordBytes records application or kernel payload bytes moved.
	//
	// Parameters:
	//   - direction: "read" or "write"
	//   - bytes: payload size
	RecordBytes(direction string, bytes int)

	// RecordAllocation records a region allocation attempt.
	RecordAllocation(err error)

	// SetPending updates the number of currently parked requests.
	SetPending(count int)
}

// Shared vectors, registered once. Per-volume instances select their
// series through the volume label; registering per instance would
// collide in the global registry.
var (
	storageVecsOnce sync.Once

	storageOpsTotal      *prometheus.CounterVec
	storageOpDuration    *prometheus.HistogramVec
	storageRejectedTotal *prometheus.CounterVec
	storageQueuedTotal   *prometheus.CounterVec
	storageBytesTotal    *prometheus.CounterVec
	storageAllocsTotal   *prometheus.CounterVec
	storagePending       *prometheus.GaugeVec
)

func initStorageVecs(reg *prometheus.Registry) {
	storageVecsOnce.Do(func() {
		storageOpsTotal = promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmux_storage_operations_total",
				Help: "Total media operations by volume, kind and status",
			},
			[]string{"volume", "op", "status"},
		)
		storageOpDuration = promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "nvmux_storage_operation_duration_seconds",
				Help: "Duration of media operations in seconds",
				Buckets: []float64{
					0.0001, // 100µs
					0.0005, // 500µs
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
					5.0,    // 5s
					10.0,   // 10s
				},
			},
			[]string{"volume", "op"},
		)
		storageRejectedTotal = promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmux_storage_rejected_total",
				Help: "Requests refused at admission by volume, kind and reason",
			},
			[]string{"volume", "op", "reason"},
		)
		storageQueuedTotal = promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmux_storage_queued_total",
				Help: "Requests parked in a pending slot by volume and kind",
			},
			[]string{"volume", "op"},
		)
		storageBytesTotal = promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmux_storage_bytes_total",
				Help: "Payload bytes moved by volume and direction",
			},
			[]string{"volume", "direction"},
		)
		storageAllocsTotal = promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmux_storage_allocations_total",
				Help: "Region allocation attempts by volume and status",
			},
			[]string{"volume", "status"},
		)
		storagePending = promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nvmux_storage_pending_requests",
				Help: "Requests currently parked in pending slots",
			},
			[]string{"volume"},
		)
	})
}

// storageMetrics is the Prometheus implementation of StorageMetrics.
type storageMetrics struct {
	volume string
}

// NewStorageMetrics creates a Prometheus-backed StorageMetrics instance
// for one volume.
//
// Returns a no-op implementation when metrics are not enabled
// (InitRegistry not called).
func NewStorageMetrics(volume string) StorageMetrics {
	if !IsEnabled() {
		return NoopStorageMetrics()
	}
	initStorageVecs(GetRegistry())
	return &storageMetrics{volume: volume}
}

func (m *storageMetrics) RecordOp(op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	storageOpsTotal.WithLabelValues(m.volume, op, status).Inc()
	storageOpDuration.WithLabelValues(m.volume, op).Observe(duration.Seconds())
}

func (m *storageMetrics) RecordRejected(op string, reason string) {
	storageRejectedTotal.WithLabelValues(m.volume, op, reason).Inc()
}

func (m *storageMetrics) RecordQueued(op string) {
	storageQueuedTotal.WithLabelValues(m.volume, op).Inc()
}

func (m *storageMetrics) RecordBytes(direction string, bytes int) {
	storageBytesTotal.WithLabelValues(m.volume, direction).Add(float64(bytes))
}

func (m *storageMetrics) RecordAllocation(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	storageAllocsTotal.WithLabelValues(m.volume, status).Inc()
}

func (m *storageMetrics) SetPending(count int) {
	storagePending.WithLabelValues(m.volume).Set(float64(count))
}

// noopStorageMetrics is a no-op implementation with zero overhead.
type noopStorageMetrics struct{}

// NoopStorageMetrics returns the shared no-op StorageMetrics.
func NoopStorageMetrics() StorageMetrics {
	return noopStorageMetrics{}
}

func (noopStorageMetrics) RecordOp(op string, duration time.Duration, err error) {}
func (noopStorageMetrics) RecordRejected(op string, reason string)               {}
func (noopStorageMetrics) RecordQueued(op string)                                {}
func (noopStorageMetrics) RecordBytes(direction string, bytes int)               {}
func (noopStorageMetrics) RecordAllocation(err error)                            {}
func (noopStorageMetrics) SetPending(count int)                                  {}
