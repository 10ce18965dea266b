package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages handled per pipeline stage.
	StageMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_stage_messages_total",
			Help: "Messages handled by each pipeline stage, by result.",
		},
		[]string{"stage", "result"}, // result = ok | retry | failed
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_stage_duration_seconds",
			Help:    "Time spent inside a stage handler.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"stage"},
	)

	// Outbound calls to external collaborators (payment backends, ledger, custodian, identity).
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_backend_requests_total",
			Help: "External backend calls by backend and result.",
		},
		[]string{"backend", "result"},
	)

	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_backend_request_duration_seconds",
			Help:    "Duration of external backend calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"backend"},
	)

	// 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0 closed, 1 half-open, 2 open).",
		},
		[]string{"backend"},
	)

	VerificationCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_verification_cache_total",
			Help: "Verification cache lookups by tier and result.",
		},
		[]string{"tier", "result"}, // tier = memory | redis; result = hit | miss
	)

	Receipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_receipts_total",
			Help: "Terminal receipts composed, by status and reason.",
		},
		[]string{"status", "reason"},
	)

	ReservationsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_reservations_released_total",
			Help: "Reservation holds returned to their listing.",
		},
		[]string{"status"}, // EXPIRED | RELEASED
	)

	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_bus_messages_total",
			Help: "Messages published or consumed on the bus.",
		},
		[]string{"driver", "topic", "op", "result"},
	)

	BusPublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_bus_publish_latency_seconds",
			Help:    "Time taken to publish bus messages.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "topic"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_errors_total",
			Help: "Count of errors by component.",
		},
		[]string{"component", "reason"},
	)

	// Unix seconds of the last completed sweeper run.
	LastSweep = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_last_sweep_timestamp",
			Help: "Timestamp (unix seconds) of the last successful background sweep.",
		},
		[]string{"job"},
	)
)

// ObserveDuration records the time elapsed since start on the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
	}
}

func IncStage(stage, result string) {
	StageMessages.WithLabelValues(stage, result).Inc()
}

func IncBackend(backend, result string) {
	BackendRequests.WithLabelValues(backend, result).Inc()
}

func SetBreakerState(backend string, state float64) {
	BreakerState.WithLabelValues(backend).Set(state)
}

func IncCache(tier, result string) {
	VerificationCache.WithLabelValues(tier, result).Inc()
}

func IncReceipt(status, reason string) {
	Receipts.WithLabelValues(status, reason).Inc()
}

func IncReservationReleased(status string) {
	ReservationsReleased.WithLabelValues(status).Inc()
}

func IncBus(driver, topic, op, result string) {
	BusMessages.WithLabelValues(driver, topic, op, result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastSweep(job string, t time.Time) {
	LastSweep.WithLabelValues(job).Set(float64(t.Unix()))
}
