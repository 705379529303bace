package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "aep_command_"

	resultSuccess = "success"
	resultError   = "error"

	modeSync  = "sync"
	modeAsync = "async"
)

var (
	registerOnce sync.Once

	metaChanges *prometheus.CounterVec

	tasksCreated prometheus.Counter

	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	transitionTotal *prometheus.CounterVec

	callbackTotal   *prometheus.CounterVec
	callbackLatency *prometheus.HistogramVec

	outboxDispatchTotal   *prometheus.CounterVec
	outboxDispatchLatency *prometheus.HistogramVec
	outboxDispatchRecords *prometheus.CounterVec
)

// Init registers command metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		metaChanges = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "meta_changes_total",
				Help: "Command metadata changes by operation and result",
			},
			[]string{"op", "result"},
		)

		tasksCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "tasks_created_total",
				Help: "Total created command tasks",
			},
		)

		dispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_total",
				Help: "Total AEP dispatches by mode and result",
			},
			[]string{"mode", "result"},
		)
		dispatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "dispatch_latency_seconds",
				Help:    "AEP dispatch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode", "result"},
		)

		transitionTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transitions_total",
				Help: "Execution status transitions by source, target and result",
			},
			[]string{"from", "to", "result"},
		)

		callbackTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "callbacks_total",
				Help: "AEP command responses by outcome",
			},
			[]string{"outcome"},
		)
		callbackLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "callback_latency_seconds",
				Help:    "AEP callback handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		)

		outboxDispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_total",
				Help: "Outbox dispatch runs by result",
			},
			[]string{"result"},
		)
		outboxDispatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_dispatch_latency_seconds",
				Help:    "Outbox dispatch run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		outboxDispatchRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_records_total",
				Help: "Outbox records handled by state",
			},
			[]string{"state"},
		)

		prometheus.MustRegister(
			metaChanges,
			tasksCreated,
			dispatchTotal,
			dispatchLatency,
			transitionTotal,
			callbackTotal,
			callbackLatency,
			outboxDispatchTotal,
			outboxDispatchLatency,
			outboxDispatchRecords,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncMetaChange counts a metadata registry operation.
func IncMetaChange(op, result string) {
	if op == "" {
		op = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if metaChanges != nil {
		metaChanges.WithLabelValues(op, result).Inc()
	}
}

// IncTaskCreated increments created task counter.
func IncTaskCreated() {
	if tasksCreated != nil {
		tasksCreated.Inc()
	}
}

// ObserveDispatch records a dispatch round-trip.
func ObserveDispatch(mode, result string, duration time.Duration) {
	if mode == "" {
		mode = modeSync
	}
	if result == "" {
		result = resultSuccess
	}
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues(mode, result).Inc()
	}
	if dispatchLatency != nil {
		dispatchLatency.WithLabelValues(mode, result).Observe(duration.Seconds())
	}
}

// IncTransition counts an attempted execution status transition.
func IncTransition(from, to, result string) {
	if result == "" {
		result = resultSuccess
	}
	if transitionTotal != nil {
		transitionTotal.WithLabelValues(from, to, result).Inc()
	}
}

// ObserveCallback records callback handling latency and outcome.
func ObserveCallback(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	if callbackTotal != nil {
		callbackTotal.WithLabelValues(outcome).Inc()
	}
	if callbackLatency != nil {
		callbackLatency.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// ObserveOutboxDispatch records one outbox dispatch run.
func ObserveOutboxDispatch(result string, duration time.Duration, sent, failed, dlq int) {
	if result == "" {
		result = resultSuccess
	}
	if outboxDispatchTotal != nil {
		outboxDispatchTotal.WithLabelValues(result).Inc()
	}
	if outboxDispatchLatency != nil {
		outboxDispatchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if outboxDispatchRecords == nil {
		return
	}
	if sent > 0 {
		outboxDispatchRecords.WithLabelValues("sent").Add(float64(sent))
	}
	if failed > 0 {
		outboxDispatchRecords.WithLabelValues("failed").Add(float64(failed))
	}
	if dlq > 0 {
		outboxDispatchRecords.WithLabelValues("dlq").Add(float64(dlq))
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	ModeSync  = modeSync
	ModeAsync = modeAsync
)
