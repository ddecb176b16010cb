// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "radio_transcriber"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Stream metrics
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamsSuccess prometheus.Counter
	StreamsFailed  prometheus.Counter
	StreamDuration prometheus.Histogram

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioChunksReceived prometheus.Counter

	// Segment metrics
	SegmentsEmitted   *prometheus.CounterVec
	SegmentsDiscarded prometheus.Counter
	SegmentDuration   prometheus.Histogram
	SegmentsDropped   *prometheus.CounterVec

	// Dispatcher metrics
	RequestsSubmitted *prometheus.CounterVec
	RequestsFinished  *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	QueueDepth        prometheus.Gauge
	AttemptsTotal     *prometheus.CounterVec
	AttemptLatency    *prometheus.HistogramVec
	RetriesTotal      prometheus.Counter

	// Persistence metrics
	CallsCreated       prometheus.Counter
	CallsPatched       prometheus.Counter
	CallsNeedingReview prometheus.Counter
	ReferenceConflicts *prometheus.CounterVec

	// Notification metrics
	Subscribers       prometheus.Gauge
	EventsPublished   prometheus.Counter
	EventsDropped     *prometheus.CounterVec
	EventsRelayed     prometheus.Counter
	Heartbeats        prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTErrors *prometheus.CounterVec

	// File ingest metrics
	FilesIngested *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Stream metrics
		StreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of audio streams started",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active audio streams",
		}),
		StreamsSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_success_total",
			Help:      "Total number of successfully completed streams",
		}),
		StreamsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of failed streams",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of audio streams in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 14400},
		}),

		// Audio metrics
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total PCM bytes received from streams",
		}),
		AudioChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_received_total",
			Help:      "Total PCM chunks received from streams",
		}),

		// Segment metrics
		SegmentsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_emitted_total",
			Help:      "Total segments emitted by the segmenter",
		}, []string{"kind"}),
		SegmentsDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_discarded_total",
			Help:      "Audio runs discarded for being shorter than the minimum duration",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Duration of emitted segments in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		SegmentsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Total segments that never produced a call",
		}, []string{"reason"}),

		// Dispatcher metrics
		RequestsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Transcription requests offered to the dispatcher",
		}, []string{"result"}),
		RequestsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Transcription requests reaching a terminal state",
		}, []string{"state"}),
		RequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Transcription requests accepted and not yet terminal",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting for a transcription worker",
		}),
		AttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_attempts_total",
			Help:      "Transcription attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		AttemptLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_attempt_seconds",
			Help:      "Latency of individual transcription attempts",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		RetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_retries_total",
			Help:      "Transcription attempts scheduled after a transient failure",
		}),

		// Persistence metrics
		CallsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_created_total",
			Help:      "Total call records created",
		}),
		CallsPatched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_patched_total",
			Help:      "Total call records updated by review",
		}),
		CallsNeedingReview: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_needing_review_total",
			Help:      "Calls created with confidence below the review threshold",
		}),
		ReferenceConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_conflicts_total",
			Help:      "Unique-key races lost while creating reference rows",
		}, []string{"kind"}),

		// Notification metrics
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Currently connected call event subscribers",
		}),
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Call events published to the bus",
		}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Call events not delivered to a consumer",
		}, []string{"target"}),
		EventsRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Call events received from other instances via Kafka",
		}),
		Heartbeats: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats delivered to subscribers",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka publish attempts",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// STT metrics
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total STT errors by provider and class",
		}, []string{"provider", "error_type"}),

		// File ingest metrics
		FilesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_ingested_total",
			Help:      "Audio files handed to the dispatcher by source",
		}, []string{"source"}),
	}
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(success bool, durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
	if success {
		m.StreamsSuccess.Inc()
	} else {
		m.StreamsFailed.Inc()
	}
}

// RecordAudioReceived records a PCM chunk arriving from a stream.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioChunksReceived.Inc()
}

// RecordSegmentEmitted records a segment leaving the segmenter.
func (m *Metrics) RecordSegmentEmitted(final bool, durationSeconds float64) {
	kind := "silence"
	if final {
		kind = "flush"
	}
	m.SegmentsEmitted.WithLabelValues(kind).Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordSegmentDiscarded records a short audio run cut off by silence.
func (m *Metrics) RecordSegmentDiscarded() {
	m.SegmentsDiscarded.Inc()
}

// RecordSegmentDropped records a segment being dropped.
func (m *Metrics) RecordSegmentDropped(reason string) {
	m.SegmentsDropped.WithLabelValues(reason).Inc()
}

// RecordSubmit records the outcome of offering a request to the dispatcher.
func (m *Metrics) RecordSubmit(result string) {
	m.RequestsSubmitted.WithLabelValues(result).Inc()
	if result == "accepted" {
		m.RequestsInFlight.Inc()
	}
}

// RecordRequestFinished records a request reaching a terminal state.
func (m *Metrics) RecordRequestFinished(state string) {
	m.RequestsFinished.WithLabelValues(state).Inc()
	m.RequestsInFlight.Dec()
}

// RecordAttempt records one transcription attempt.
func (m *Metrics) RecordAttempt(provider, outcome string, latencySeconds float64) {
	m.AttemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.AttemptLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordRetry records a retry being scheduled.
func (m *Metrics) RecordRetry() {
	m.RetriesTotal.Inc()
}

// SetQueueDepth records the current dispatcher queue length.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// RecordCallCreated records a new call row.
func (m *Metrics) RecordCallCreated(needsReview bool) {
	m.CallsCreated.Inc()
	if needsReview {
		m.CallsNeedingReview.Inc()
	}
}

// RecordCallPatched records a review update.
func (m *Metrics) RecordCallPatched() {
	m.CallsPatched.Inc()
}

// RecordReferenceConflict records a lost get-or-create race.
func (m *Metrics) RecordReferenceConflict(kind string) {
	m.ReferenceConflicts.WithLabelValues(kind).Inc()
}

// RecordSubscriber tracks subscriber churn.
func (m *Metrics) RecordSubscriber(delta int) {
	m.Subscribers.Add(float64(delta))
}

// RecordEventPublished records an event handed to the bus.
func (m *Metrics) RecordEventPublished() {
	m.EventsPublished.Inc()
}

// RecordEventDropped records an event a consumer could not accept.
func (m *Metrics) RecordEventDropped(target string) {
	m.EventsDropped.WithLabelValues(target).Inc()
}

// RecordEventRelayed records an event received from a peer instance.
func (m *Metrics) RecordEventRelayed() {
	m.EventsRelayed.Inc()
}

// RecordHeartbeat records a heartbeat delivery.
func (m *Metrics) RecordHeartbeat() {
	m.Heartbeats.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordFileIngested records a file submitted for transcription.
func (m *Metrics) RecordFileIngested(source string) {
	m.FilesIngested.WithLabelValues(source).Inc()
}
