package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the deal recorder service
type Metrics struct {
	// Chunk ingestion metrics
	ChunksReceived prometheus.Counter
	ChunkBytes     prometheus.Histogram
	ChunkRejects   *prometheus.CounterVec

	// Session metrics
	ActiveSessions     prometheus.Gauge
	SessionsFinalized  prometheus.Counter
	SessionsFailed     prometheus.Counter
	FinalizeDuration   prometheus.Histogram
	SessionDurationSec prometheus.Histogram

	// Encode metrics
	ConcatRuns       prometheus.Counter
	SegmentsCut      prometheus.Counter
	SegmentFailures  prometheus.Counter
	EncodeRetries    prometheus.Counter
	EncodeDuration   *prometheus.HistogramVec
	EncodeFailures   *prometheus.CounterVec

	// Collaborator metrics
	TranscriptionRequests prometheus.Counter
	TranscriptionFailures prometheus.Counter
	ExtractionRequests    prometheus.Counter
	ExtractionDegraded    prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_received_total",
			Help: "Total number of audio chunks received",
		}),
		ChunkBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_chunk_size_bytes",
			Help:    "Size of received audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		}),
		ChunkRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_chunk_rejects_total",
			Help: "Total number of rejected chunk uploads",
		}, []string{"reason"}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_active_sessions",
			Help: "Current number of sessions in the recording state",
		}),
		SessionsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_sessions_finalized_total",
			Help: "Total number of sessions finalized successfully",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_sessions_failed_total",
			Help: "Total number of finalize attempts that failed fatally",
		}),
		FinalizeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_finalize_duration_seconds",
			Help:    "Wall time of the finalize pipeline per session",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		}),
		SessionDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_session_audio_duration_seconds",
			Help:    "Audio duration of finalized session recordings",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~3 hours
		}),

		ConcatRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_concat_runs_total",
			Help: "Total number of session concatenation encodes",
		}),
		SegmentsCut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_segments_cut_total",
			Help: "Total number of per-deal segments extracted successfully",
		}),
		SegmentFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_segment_failures_total",
			Help: "Total number of segment extractions recorded as failed",
		}),
		EncodeRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_encode_retries_total",
			Help: "Total number of external encode re-attempts",
		}),
		EncodeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_encode_duration_seconds",
			Help:    "Duration of external encode invocations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"operation"}),
		EncodeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_encode_failures_total",
			Help: "Total number of external encode invocations that failed",
		}, []string{"operation"}),

		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_transcription_requests_total",
			Help: "Total number of transcription collaborator calls",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_transcription_failures_total",
			Help: "Total number of terminal transcription failures",
		}),
		ExtractionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_extraction_requests_total",
			Help: "Total number of deal extraction collaborator calls",
		}),
		ExtractionDegraded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_extraction_degraded_total",
			Help: "Total number of extractions degraded to an empty deal list",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordChunkReceived records one accepted chunk upload
func (m *Metrics) RecordChunkReceived(sizeBytes int64) {
	m.ChunksReceived.Inc()
	m.ChunkBytes.Observe(float64(sizeBytes))
}

// RecordChunkReject records a rejected chunk upload by reason
func (m *Metrics) RecordChunkReject(reason string) {
	m.ChunkRejects.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the current number of recording sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordFinalizeSuccess records a finalized session
func (m *Metrics) RecordFinalizeSuccess(wallSeconds, audioSeconds float64) {
	m.SessionsFinalized.Inc()
	m.FinalizeDuration.Observe(wallSeconds)
	m.SessionDurationSec.Observe(audioSeconds)
}

// RecordFinalizeFailure records a fatally failed finalize attempt
func (m *Metrics) RecordFinalizeFailure(wallSeconds float64) {
	m.SessionsFailed.Inc()
	m.FinalizeDuration.Observe(wallSeconds)
}

// RecordEncode records one external encode invocation result
func (m *Metrics) RecordEncode(operation string, seconds float64, err error) {
	m.EncodeDuration.WithLabelValues(operation).Observe(seconds)
	if err != nil {
		m.EncodeFailures.WithLabelValues(operation).Inc()
	}
}

// RecordEncodeRetry increments the encode retry counter
func (m *Metrics) RecordEncodeRetry() {
	m.EncodeRetries.Inc()
}

// RecordConcat increments the concatenation counter
func (m *Metrics) RecordConcat() {
	m.ConcatRuns.Inc()
}

// RecordSegment records one segment extraction outcome
func (m *Metrics) RecordSegment(failed bool) {
	if failed {
		m.SegmentFailures.Inc()
		return
	}
	m.SegmentsCut.Inc()
}

// RecordTranscription records one transcription collaborator call outcome
func (m *Metrics) RecordTranscription(failed bool) {
	m.TranscriptionRequests.Inc()
	if failed {
		m.TranscriptionFailures.Inc()
	}
}

// RecordExtraction records one extraction collaborator call outcome
func (m *Metrics) RecordExtraction(degraded bool) {
	m.ExtractionRequests.Inc()
	if degraded {
		m.ExtractionDegraded.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
