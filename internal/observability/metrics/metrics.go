// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_interview_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge
	SessionsFailed prometheus.Counter

	// Voice backend metrics
	BackendConnects    *prometheus.CounterVec
	BackendErrors      *prometheus.CounterVec
	BackendConnectTime *prometheus.HistogramVec

	// Turn metrics
	TurnsCompleted    prometheus.Counter
	TurnsForced       prometheus.Counter
	TurnsEmpty        prometheus.Counter
	TurnLimitExceeded *prometheus.CounterVec

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter

	// Audio metrics
	AudioBytesReceived prometheus.Counter
	AudioBytesSent     prometheus.Counter
	AudioChunksDropped prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Context manager metrics
	CompactionRuns     prometheus.Counter
	CompactionFailures prometheus.Counter
	PersistFailures    prometheus.Counter
	ContextTokens      prometheus.Gauge
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of client sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active client sessions",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions that ended with an error",
		}),

		BackendConnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connects_total",
			Help:      "Total number of voice backend connection attempts",
		}, []string{"mode", "result"}),
		BackendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of mid-session voice backend errors",
		}, []string{"mode"}),
		BackendConnectTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_connect_seconds",
			Help:      "Voice backend connection establishment time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),

		TurnsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Total number of user turns completed normally",
		}),
		TurnsForced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_forced_total",
			Help:      "Total number of turns force-closed by the fallback timer",
		}),
		TurnsEmpty: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_empty_total",
			Help:      "Total number of turns that ended with no speech detected",
		}),
		TurnLimitExceeded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_limit_exceeded_total",
			Help:      "Total number of turns force-ended by a guardrail limit",
		}, []string{"limit"}),

		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts relayed",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts relayed",
		}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from clients",
		}),
		AudioBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total response audio bytes sent to clients",
		}),
		AudioChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Total audio chunks dropped outside the listening window",
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka publish attempts",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of failed Kafka publishes",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_seconds",
			Help:      "Kafka publish latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "event_type"}),

		CompactionRuns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_runs_total",
			Help:      "Total number of context compaction runs",
		}),
		CompactionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_failures_total",
			Help:      "Total number of skipped compaction cycles due to summarizer failure",
		}),
		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Total number of failed transcript persistence attempts",
		}),
		ContextTokens: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_estimated_tokens",
			Help:      "Estimated token size of the most recently updated conversation context",
		}),
	}
}

// RecordKafkaPublish records a Kafka publish attempt with its outcome.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, seconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic, eventType).Observe(seconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordBackendConnect records a voice backend connection attempt.
func (m *Metrics) RecordBackendConnect(mode string, err error, seconds float64) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.BackendConnects.WithLabelValues(mode, result).Inc()
	if err == nil {
		m.BackendConnectTime.WithLabelValues(mode).Observe(seconds)
	}
}
