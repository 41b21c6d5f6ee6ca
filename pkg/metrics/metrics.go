package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BusStats is the part of the event bus the collector reads.
type BusStats interface {
	Stats() events.Stats
}

// QueueDepth reports the length of the disconnect retry queue.
type QueueDepth interface {
	Len(ctx context.Context) (int, error)
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// RADIUS frontend metrics
	radiusRequests *prometheus.CounterVec
	radiusLatency  *prometheus.HistogramVec

	// CoA metrics
	coaRequests    *prometheus.CounterVec
	coaLatency     *prometheus.HistogramVec
	coaRetransmits prometheus.Counter
	retryQueued    prometheus.Gauge

	// Accounting metrics
	accountingRequests *prometheus.CounterVec

	// Lease and session metrics
	leaseBinds      *prometheus.CounterVec
	leaseCloses     *prometheus.CounterVec
	storeConflicts  *prometheus.CounterVec
	sessionActive   prometheus.Gauge
	sessionDuration prometheus.Histogram
	sessionBytesIn  prometheus.Counter
	sessionBytesOut prometheus.Counter

	// Event bus metrics
	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	eventQueueLength *prometheus.GaugeVec

	// DHCP hook metrics
	dhcpHookRequests *prometheus.CounterVec
	dhcpHookLatency  *prometheus.HistogramVec

	// Service policy metrics
	servicesExpired prometheus.Counter
	balanceCredits  prometheus.Counter

	// References for collection
	bus    BusStats
	queue  QueueDepth
	logger *zap.Logger
}

// New creates a new Metrics instance. bus and queue may be nil.
func New(bus BusStats, queue QueueDepth, logger *zap.Logger) *Metrics {
	m := &Metrics{
		bus:    bus,
		queue:  queue,
		logger: logger,

		radiusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_radius_requests_total",
				Help: "Total RADIUS requests by type and result",
			},
			[]string{"type", "result"},
		),

		radiusLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aaa_radius_latency_seconds",
				Help:    "RADIUS request handling latency",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"type"},
		),

		coaRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_coa_requests_total",
				Help: "Total CoA and Disconnect requests by operation and result",
			},
			[]string{"op", "result"},
		),

		coaLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aaa_coa_latency_seconds",
				Help:    "CoA round trip latency by operation",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"op"},
		),

		coaRetransmits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_coa_retransmits_total",
				Help: "Total CoA packet retransmissions",
			},
		),

		retryQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_disconnect_retry_queued",
				Help: "Disconnect requests waiting for retry",
			},
		),

		accountingRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_accounting_requests_total",
				Help: "Total accounting requests by status type and outcome",
			},
			[]string{"status", "outcome"},
		),

		leaseBinds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_lease_binds_total",
				Help: "Total leases opened by origin",
			},
			[]string{"origin"},
		),

		leaseCloses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_lease_closes_total",
				Help: "Total leases closed by reason",
			},
			[]string{"reason"},
		),

		storeConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_store_conflicts_total",
				Help: "Lease operations that exhausted their retries",
			},
			[]string{"op"},
		),

		sessionActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_session_active",
				Help: "Sessions started minus sessions stopped since process start",
			},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aaa_session_duration_seconds",
				Help:    "Session duration in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800, 43200, 86400},
			},
		),

		sessionBytesIn: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_session_bytes_in_total",
				Help: "Input octets of closed sessions",
			},
		),

		sessionBytesOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_session_bytes_out_total",
				Help: "Output octets of closed sessions",
			},
		),

		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_events_total",
				Help: "Events observed on the bus by kind",
			},
			[]string{"kind"},
		),

		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_events_dropped_total",
				Help: "Events dropped on a full subscriber queue",
			},
			[]string{"kind", "subscription"},
		),

		eventQueueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aaa_event_queue_length",
				Help: "Queued events per subscription",
			},
			[]string{"subscription"},
		),

		dhcpHookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_dhcp_hook_requests_total",
				Help: "Total DHCP hook calls by operation and result",
			},
			[]string{"op", "result"},
		),

		dhcpHookLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aaa_dhcp_hook_latency_seconds",
				Help:    "DHCP hook handling latency",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"op"},
		),

		servicesExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_services_expired_total",
				Help: "Service assignments expired",
			},
		),

		balanceCredits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_balance_credits_total",
				Help: "Balance credit operations",
			},
		),
	}

	return m
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.radiusRequests,
		m.radiusLatency,
		m.coaRequests,
		m.coaLatency,
		m.coaRetransmits,
		m.retryQueued,
		m.accountingRequests,
		m.leaseBinds,
		m.leaseCloses,
		m.storeConflicts,
		m.sessionActive,
		m.sessionDuration,
		m.sessionBytesIn,
		m.sessionBytesOut,
		m.eventsPublished,
		m.eventsDropped,
		m.eventQueueLength,
		m.dhcpHookRequests,
		m.dhcpHookLatency,
		m.servicesExpired,
		m.balanceCredits,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// RecordRADIUSRequest records a handled RADIUS request.
func (m *Metrics) RecordRADIUSRequest(reqType, result string, latency time.Duration) {
	m.radiusRequests.WithLabelValues(reqType, result).Inc()
	m.radiusLatency.WithLabelValues(reqType).Observe(latency.Seconds())
}

// RecordCoA records the outcome of a CoA or Disconnect exchange.
func (m *Metrics) RecordCoA(op, result string, latency time.Duration) {
	m.coaRequests.WithLabelValues(op, result).Inc()
	m.coaLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// RecordCoARetransmit records one retransmitted CoA packet.
func (m *Metrics) RecordCoARetransmit() {
	m.coaRetransmits.Inc()
}

// RecordAccounting records an accounting request outcome.
func (m *Metrics) RecordAccounting(status, outcome string) {
	m.accountingRequests.WithLabelValues(status, outcome).Inc()
}

// RecordLeaseBind records a lease being opened.
func (m *Metrics) RecordLeaseBind(dynamic bool) {
	origin := "radius"
	if dynamic {
		origin = "dhcp"
	}
	m.leaseBinds.WithLabelValues(origin).Inc()
}

// RecordLeaseClose records a lease being closed.
func (m *Metrics) RecordLeaseClose(reason string) {
	m.leaseCloses.WithLabelValues(reason).Inc()
}

// RecordStoreConflict records an operation that gave up on retries.
func (m *Metrics) RecordStoreConflict(op string) {
	m.storeConflicts.WithLabelValues(op).Inc()
}

// RecordEventDropped records an event dropped for a subscription.
func (m *Metrics) RecordEventDropped(kind events.Kind, subscription string) {
	m.eventsDropped.WithLabelValues(string(kind), subscription).Inc()
}

// RecordDHCPHook records a DHCP hook call.
func (m *Metrics) RecordDHCPHook(op, result string, latency time.Duration) {
	m.dhcpHookRequests.WithLabelValues(op, result).Inc()
	m.dhcpHookLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect updates gauges from the event bus and the retry queue.
func (m *Metrics) Collect(ctx context.Context) {
	if m.bus != nil {
		for _, s := range m.bus.Stats().Subscriptions {
			m.eventQueueLength.WithLabelValues(s.Name).Set(float64(s.QueueLen))
		}
	}

	if m.queue != nil {
		n, err := m.queue.Len(ctx)
		if err != nil {
			m.logger.Debug("Failed to read retry queue depth", zap.Error(err))
			return
		}
		m.retryQueued.Set(float64(n))
	}
}

// StartCollector starts a background goroutine that collects metrics
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			m.Collect(ctx)
			cancel()
		}
	}
}
