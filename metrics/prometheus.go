package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homewatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// ReadingsIngested counts readings accepted or rejected at the ingestion boundary
	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homewatch_readings_ingested_total",
			Help: "Total number of readings received by source and outcome",
		},
		[]string{"source", "status"},
	)

	// ReadingsForwarded counts readings accepted by the transport
	ReadingsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homewatch_readings_forwarded_total",
			Help: "Total number of readings published to the transport",
		},
	)

	// ForwardFailures counts failed publish attempts
	ForwardFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homewatch_forward_failures_total",
			Help: "Total number of failed publish attempts",
		},
	)

	// ReadingsEvicted counts readings dropped on buffer overflow
	ReadingsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homewatch_readings_evicted_total",
			Help: "Total number of buffered readings evicted on overflow",
		},
	)

	// ReadingsDiscarded counts readings cleared by a flush
	ReadingsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homewatch_readings_discarded_total",
			Help: "Total number of unsent readings discarded at flush",
		},
	)

	// ReadingsArchived counts readings written to, or dropped by, the archive batch writer
	ReadingsArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homewatch_readings_archived_total",
			Help: "Total number of readings handled by the archive writer",
		},
		[]string{"status"},
	)

	// BufferedReadings is the current buffer length per sensor
	BufferedReadings = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "homewatch_buffered_readings",
			Help: "Readings waiting to be forwarded",
		},
		[]string{"sensor_id"},
	)

	// ViolationsDetected counts threshold violations before the cooldown gate
	ViolationsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homewatch_violations_detected_total",
			Help: "Total number of threshold violations",
		},
		[]string{"sensor_type", "violation_type"},
	)

	// AlertsCreated counts alerts that passed the cooldown gate
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homewatch_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	// AlertsSuppressed counts violations silenced by the cooldown
	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homewatch_alerts_suppressed_total",
			Help: "Total number of violations suppressed by cooldown",
		},
		[]string{"sensor_type"},
	)

	// CooldownEntries is the number of tracked cooldown keys
	CooldownEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homewatch_cooldown_entries",
			Help: "Cooldown keys currently tracked",
		},
	)

	// NotificationsSent counts channel attempts by outcome
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homewatch_notifications_total",
			Help: "Total number of notification attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	// ChannelLatency is the duration of a single channel attempt
	ChannelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "homewatch_channel_latency_seconds",
			Help:    "Notification channel latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	// ProcessingLatency is the time spent taking one reading through the alert pipeline
	ProcessingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "homewatch_processing_latency_seconds",
			Help:    "Alert pipeline latency per reading in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// StoreOperations counts persistence calls
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homewatch_store_operations_total",
			Help: "Total number of persistence operations",
		},
		[]string{"operation", "status"},
	)

	// ActiveSensors is the number of sensors currently reporting
	ActiveSensors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homewatch_active_sensors",
			Help: "Sensors that reported within the stale window",
		},
	)

	// WebsocketClients is the number of connected realtime clients
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homewatch_websocket_clients",
			Help: "Connected websocket clients",
		},
	)
)
