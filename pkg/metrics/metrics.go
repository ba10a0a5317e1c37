package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the stock engine's Prometheus collectors
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Broker metrics
	EventsPublished  *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec
	OutboxPending    prometheus.Gauge
	OutboxPublishes  *prometheus.CounterVec
	OutboxRetryTotal *prometheus.CounterVec

	// MongoDB metrics
	MongoDBOperations        *prometheus.CounterVec
	MongoDBOperationDuration *prometheus.HistogramVec

	// Stock engine metrics
	ReservationOutcomes *prometheus.CounterVec
	CASRetries          *prometheus.CounterVec
	ReaperSweeps        *prometheus.CounterVec
	ReaperExpired       prometheus.Counter
	StockAdjustments    *prometheus.CounterVec
	IdempotencyMismatch *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	ServiceName string
	Namespace   string
}

// DefaultConfig returns default metrics configuration
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName: serviceName,
		Namespace:   "commerce",
	}
}

// New creates a new Metrics instance on a private registry
func New(config *Config) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	ns := config.Namespace
	m := &Metrics{
		serviceName: config.ServiceName,
		registry:    registry,
	}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"service", "method", "path", "status"})

	m.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"service", "method", "path"})

	m.HTTPRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "http_requests_in_flight",
		Help:        "Number of HTTP requests currently being processed",
		ConstLabels: prometheus.Labels{"service": config.ServiceName},
	})

	m.EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "events_published_total",
		Help:      "Total number of events handed to a broker",
	}, []string{"service", "broker", "destination", "event_type", "status"})

	m.PublishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "event_publish_duration_seconds",
		Help:      "Broker publish duration in seconds",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"service", "broker", "destination"})

	m.OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "outbox_pending_events",
		Help:        "Unpublished outbox rows seen by the last poll",
		ConstLabels: prometheus.Labels{"service": config.ServiceName},
	})

	m.OutboxPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "outbox_publish_total",
		Help:      "Outbox delivery attempts",
	}, []string{"service", "event_type", "status"})

	m.OutboxRetryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "outbox_retry_total",
		Help:      "Outbox rows scheduled for another delivery attempt",
	}, []string{"service", "event_type"})

	m.MongoDBOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "mongodb_operations_total",
		Help:      "Total number of MongoDB operations",
	}, []string{"service", "collection", "operation", "status"})

	m.MongoDBOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "mongodb_operation_duration_seconds",
		Help:      "MongoDB operation duration in seconds",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"service", "collection", "operation"})

	m.ReservationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "stock_reservation_operations_total",
		Help:      "Reservation operations by kind and outcome",
	}, []string{"service", "operation", "outcome"})

	m.CASRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "stock_cas_retries_total",
		Help:      "Optimistic concurrency retries caused by version conflicts",
	}, []string{"service", "operation"})

	m.ReaperSweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "stock_reaper_sweeps_total",
		Help:      "Expiry sweeps by outcome",
	}, []string{"service", "outcome"})

	m.ReaperExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "stock_reservations_expired_total",
		Help:        "Reservations transitioned to Expired by the reaper",
		ConstLabels: prometheus.Labels{"service": config.ServiceName},
	})

	m.StockAdjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "stock_adjustments_total",
		Help:      "Out-of-band on-hand changes by ledger reason",
	}, []string{"service", "reason"})

	m.IdempotencyMismatch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "idempotency_parameter_mismatches_total",
		Help:      "Idempotency keys reused with different request parameters",
	}, []string{"service", "operation"})

	m.CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"service", "name"})

	m.CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "circuit_breaker_trips_total",
		Help:      "Total number of circuit breaker trips",
	}, []string{"service", "name"})

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.EventsPublished,
		m.PublishDuration,
		m.OutboxPending,
		m.OutboxPublishes,
		m.OutboxRetryTotal,
		m.MongoDBOperations,
		m.MongoDBOperationDuration,
		m.ReservationOutcomes,
		m.CASRetries,
		m.ReaperSweeps,
		m.ReaperExpired,
		m.StockAdjustments,
		m.IdempotencyMismatch,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
	)

	return m
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(m.serviceName, method, path, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(m.serviceName, method, path).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments in-flight requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements in-flight requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordPublish records one broker publish
func (m *Metrics) RecordPublish(broker, destination, eventType string, success bool, duration time.Duration) {
	m.EventsPublished.WithLabelValues(m.serviceName, broker, destination, eventType, status(success)).Inc()
	m.PublishDuration.WithLabelValues(m.serviceName, broker, destination).Observe(duration.Seconds())
}

// SetOutboxPending records the size of the last outbox poll
func (m *Metrics) SetOutboxPending(count int) {
	m.OutboxPending.Set(float64(count))
}

// RecordOutboxPublish records a delivery attempt from the outbox
func (m *Metrics) RecordOutboxPublish(eventType string, success bool, _ time.Duration) {
	m.OutboxPublishes.WithLabelValues(m.serviceName, eventType, status(success)).Inc()
	if !success {
		m.OutboxRetryTotal.WithLabelValues(m.serviceName, eventType).Inc()
	}
}

// RecordMongoDBOperation records a MongoDB operation
func (m *Metrics) RecordMongoDBOperation(collection, operation string, success bool, duration time.Duration) {
	m.MongoDBOperations.WithLabelValues(m.serviceName, collection, operation, status(success)).Inc()
	m.MongoDBOperationDuration.WithLabelValues(m.serviceName, collection, operation).Observe(duration.Seconds())
}

// RecordReservationOutcome records the result of reserve/confirm/release/expire
func (m *Metrics) RecordReservationOutcome(operation, outcome string) {
	m.ReservationOutcomes.WithLabelValues(m.serviceName, operation, outcome).Inc()
}

// RecordCASRetry records one optimistic retry
func (m *Metrics) RecordCASRetry(operation string) {
	m.CASRetries.WithLabelValues(m.serviceName, operation).Inc()
}

// RecordReaperSweep records a sweep and how many reservations it expired
func (m *Metrics) RecordReaperSweep(outcome string, expired int) {
	m.ReaperSweeps.WithLabelValues(m.serviceName, outcome).Inc()
	m.ReaperExpired.Add(float64(expired))
}

// RecordStockAdjustment records an out-of-band on-hand change
func (m *Metrics) RecordStockAdjustment(reason string) {
	m.StockAdjustments.WithLabelValues(m.serviceName, reason).Inc()
}

// RecordIdempotencyMismatch records a key replayed with different parameters
func (m *Metrics) RecordIdempotencyMismatch(operation string) {
	m.IdempotencyMismatch.WithLabelValues(m.serviceName, operation).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(m.serviceName, name).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip
func (m *Metrics) RecordCircuitBreakerTrip(name string) {
	m.CircuitBreakerTrips.WithLabelValues(m.serviceName, name).Inc()
}
