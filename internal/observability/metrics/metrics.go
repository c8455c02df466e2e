package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "pivot_monitor_"

	resultSuccess = "success"
	resultError   = "error"

	ingestAccepted  = "accepted"
	ingestRejected  = "rejected"
	ingestDuplicate = "duplicate"
	ingestMalformed = "malformed"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	probeResults      *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec

	tickLatency prometheus.Histogram

	storeErrors *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec

	dashboardWrites *prometheus.CounterVec

	busConnected prometheus.Gauge
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingested bus messages by topic and result",
			},
			[]string{"topic", "result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total rejected bus messages by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		probeResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "probe_events_total",
				Help: "Total probe protocol events by kind",
			},
			[]string{"kind"},
		)
		statusTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_transitions_total",
				Help: "Total pivot status and quality transitions by target code",
			},
			[]string{"dimension", "code"},
		)

		tickLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "tick_latency_seconds",
				Help:    "Background tick latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)

		storeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_errors_total",
				Help: "Total persistence errors by operation",
			},
			[]string{"op"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "run_export_total",
				Help: "Total run export operations by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "run_export_latency_seconds",
				Help:    "Run export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		dashboardWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dashboard_writes_total",
				Help: "Total dashboard flushes by result",
			},
			[]string{"result"},
		)

		busConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "bus_connected",
				Help: "1 when the message bus client is connected",
			},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			probeResults,
			statusTransitions,
			tickLatency,
			storeErrors,
			exportTotal,
			exportLatency,
			dashboardWrites,
			busConnected,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest duration and result.
func ObserveIngest(topic, result string, duration time.Duration) {
	if topic == "" {
		topic = "unknown"
	}
	if result == "" {
		result = ingestAccepted
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(topic, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncProbeEvent increments the probe counter for kind.
func IncProbeEvent(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if probeResults != nil {
		probeResults.WithLabelValues(kind).Inc()
	}
}

// IncStatusTransition counts a status or quality change.
func IncStatusTransition(dimension, code string) {
	if statusTransitions != nil {
		statusTransitions.WithLabelValues(dimension, code).Inc()
	}
}

// ObserveTick records background tick latency.
func ObserveTick(duration time.Duration) {
	if tickLatency != nil {
		tickLatency.Observe(duration.Seconds())
	}
}

// IncStoreError counts a failed persistence operation.
func IncStoreError(op string) {
	if op == "" {
		op = "unknown"
	}
	if storeErrors != nil {
		storeErrors.WithLabelValues(op).Inc()
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncDashboardWrite counts a dashboard flush.
func IncDashboardWrite(result string) {
	if result == "" {
		result = resultSuccess
	}
	if dashboardWrites != nil {
		dashboardWrites.WithLabelValues(result).Inc()
	}
}

// SetBusConnected records the bus connection state.
func SetBusConnected(connected bool) {
	if busConnected == nil {
		return
	}
	if connected {
		busConnected.Set(1)
		return
	}
	busConnected.Set(0)
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	IngestAccepted  = ingestAccepted
	IngestRejected  = ingestRejected
	IngestDuplicate = ingestDuplicate
	IngestMalformed = ingestMalformed
)
