package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus observability primitives for the procurement
// engine. All methods are safe on a nil receiver so callers never need to
// guard for disabled metrics.
type Metrics struct {
	apiRequests      *prometheus.CounterVec
	apiDuration      *prometheus.HistogramVec
	reservations     *prometheus.CounterVec
	lockWait         prometheus.Histogram
	sagaTransitions  *prometheus.CounterVec
	sagaCompensation *prometheus.CounterVec
	matchResults     *prometheus.CounterVec
	idempotencyHits  *prometheus.CounterVec
	outboxDispatch   *prometheus.CounterVec
	outboxBacklog    prometheus.Gauge
}

// New registers and returns the engine's Prometheus metrics.
func New(reg prometheus.Registerer) *Metrics {
	apiRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provena_api_requests_total",
		Help: "Counts API requests by method and status.",
	}, []string{"method", "status"})

	apiDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provena_api_duration_seconds",
		Help:    "API request latency per method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provena_reservations_total",
		Help: "Reservation attempts by outcome.",
	}, []string{"result"})

	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "provena_account_lock_wait_seconds",
		Help:    "Time spent waiting for the ledger account row lock.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 3, 5},
	})

	sagaTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provena_saga_transitions_total",
		Help: "Saga step transitions by event type and outcome.",
	}, []string{"event_type", "status"})

	sagaCompensation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provena_saga_compensations_total",
		Help: "Compensation step executions by step and outcome.",
	}, []string{"step", "status"})

	matchResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provena_match_results_total",
		Help: "Three-way match verdicts.",
	}, []string{"verdict"})

	idempotencyHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provena_idempotency_total",
		Help: "Idempotency cache lookups by outcome.",
	}, []string{"outcome"})

	outboxDispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provena_outbox_dispatch_total",
		Help: "Outbox dispatch batches by status.",
	}, []string{"status"})

	outboxBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "provena_outbox_backlog",
		Help: "Number of pending messages in the outbox.",
	})

	reg.MustRegister(
		apiRequests,
		apiDuration,
		reservations,
		lockWait,
		sagaTransitions,
		sagaCompensation,
		matchResults,
		idempotencyHits,
		outboxDispatch,
		outboxBacklog,
	)

	return &Metrics{
		apiRequests:      apiRequests,
		apiDuration:      apiDuration,
		reservations:     reservations,
		lockWait:         lockWait,
		sagaTransitions:  sagaTransitions,
		sagaCompensation: sagaCompensation,
		matchResults:     matchResults,
		idempotencyHits:  idempotencyHits,
		outboxDispatch:   outboxDispatch,
		outboxBacklog:    outboxBacklog,
	}
}

// ObserveAPIRequest records an API request and latency.
func (m *Metrics) ObserveAPIRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(sanitizeLabel(method), sanitizeLabel(status)).Inc()
	m.apiDuration.WithLabelValues(sanitizeLabel(method)).Observe(duration.Seconds())
}

// RecordReservation counts a reservation attempt outcome.
func (m *Metrics) RecordReservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(sanitizeLabel(result)).Inc()
}

// ObserveLockWait records time spent acquiring the account row lock.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// RecordSagaTransition counts a saga transition outcome.
func (m *Metrics) RecordSagaTransition(eventType, status string) {
	if m == nil {
		return
	}
	m.sagaTransitions.WithLabelValues(sanitizeLabel(eventType), sanitizeLabel(status)).Inc()
}

// RecordCompensation counts a compensation step outcome.
func (m *Metrics) RecordCompensation(step, status string) {
	if m == nil {
		return
	}
	m.sagaCompensation.WithLabelValues(sanitizeLabel(step), sanitizeLabel(status)).Inc()
}

// RecordMatchResult counts a three-way match verdict.
func (m *Metrics) RecordMatchResult(verdict string) {
	if m == nil {
		return
	}
	m.matchResults.WithLabelValues(sanitizeLabel(verdict)).Inc()
}

// RecordIdempotency counts idempotency cache outcomes.
func (m *Metrics) RecordIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotencyHits.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

// RecordOutboxBatch counts a dispatch batch by status.
func (m *Metrics) RecordOutboxBatch(status string) {
	if m == nil {
		return
	}
	m.outboxDispatch.WithLabelValues(sanitizeLabel(status)).Inc()
}

// SetOutboxBacklog updates the backlog gauge.
func (m *Metrics) SetOutboxBacklog(value float64) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(value)
}

func sanitizeLabel(val string) string {
	if val == "" {
		return "unknown"
	}
	return val
}
