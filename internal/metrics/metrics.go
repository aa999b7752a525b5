// SPDX-License-Identifier: MIT

// Package metrics exposes the worker's Prometheus surface. Collectors are
// module-level singletons created once at process start; callers go through
// the exported helpers and pass label values per observation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "media_service_worker"

var (
	segmentsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_processed_total",
		Help:      "Segments emitted by the segmenter, by track type",
	}, []string{"stream_id", "type"})

	segmentsBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_bytes_total",
		Help:      "Bytes emitted by the segmenter, by track type",
	}, []string{"stream_id", "type"})

	stsFragmentsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sts_fragments_sent_total",
		Help:      "Fragments successfully sent to the STS service",
	}, []string{"stream_id"})

	stsFragmentsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sts_fragments_processed_total",
		Help:      "Processed replies from the STS service, by status",
	}, []string{"stream_id", "status"})

	stsProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sts_processing_latency_seconds",
		Help:      "End-to-end fragment latency from send to processed reply",
		Buckets:   []float64{0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15},
	}, []string{"stream_id"})

	stsInflightFragments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sts_inflight_fragments",
		Help:      "Fragments currently in flight to the STS service",
	}, []string{"stream_id"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Breaker state: 0 closed, 1 half_open, 2 open",
	}, []string{"stream_id"})

	circuitBreakerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_failures_total",
		Help:      "Retryable failures counted by the breaker",
	}, []string{"stream_id"})

	circuitBreakerFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_fallbacks_total",
		Help:      "Sends denied by the breaker and routed to fallback",
	}, []string{"stream_id"})

	avSyncDeltaMs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "av_sync_delta_ms",
		Help:      "Current video-minus-audio delta in milliseconds",
	}, []string{"stream_id"})

	avSyncCorrectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "av_sync_corrections_total",
		Help:      "Slew corrections applied to the PTS offset",
	}, []string{"stream_id"})

	avBufferVideoSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "av_buffer_video_size",
		Help:      "Video segments buffered in the sync manager",
	}, []string{"stream_id"})

	avBufferAudioSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "av_buffer_audio_size",
		Help:      "Audio segments buffered in the sync manager",
	}, []string{"stream_id"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Worker errors by kind",
	}, []string{"stream_id", "error_type"})

	pipelineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pipeline_state",
		Help:      "Pipeline state: 0 stopped, 1 running, 2 error",
	}, []string{"stream_id", "pipeline"})

	backpressureEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backpressure_events_total",
		Help:      "Backpressure signals received, by action",
	}, []string{"stream_id", "action"})

	queueDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_drops_total",
		Help:      "Items dropped from bounded worker queues",
	}, []string{"stream_id", "queue"})

	outputSegmentsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "output_segments_dropped_total",
		Help:      "Muxed segments dropped before publication (queue full or publisher restart)",
	}, []string{"stream_id", "reason"})

	publisherRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publisher_restarts_total",
		Help:      "Publisher child restarts",
	}, []string{"stream_id"})

	ingestRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_restarts_total",
		Help:      "Ingest child restarts",
	}, []string{"stream_id"})

	stsReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sts_reconnects_total",
		Help:      "STS transport reconnect attempts",
	}, []string{"stream_id"})
)

// Pipeline state gauge values.
const (
	PipelineStopped = 0
	PipelineRunning = 1
	PipelineError   = 2
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// IncSegmentsProcessed records one emitted segment and its size.
func IncSegmentsProcessed(streamID, kind string, sizeBytes int) {
	segmentsProcessedTotal.WithLabelValues(streamID, kind).Inc()
	segmentsBytesTotal.WithLabelValues(streamID, kind).Add(float64(sizeBytes))
}

// IncSTSFragmentsSent records one successful fragment send.
func IncSTSFragmentsSent(streamID string) {
	stsFragmentsSentTotal.WithLabelValues(streamID).Inc()
}

// IncSTSFragmentsProcessed records one processed reply by status.
func IncSTSFragmentsProcessed(streamID, status string) {
	stsFragmentsProcessedTotal.WithLabelValues(streamID, status).Inc()
}

// ObserveSTSLatency records end-to-end fragment latency.
func ObserveSTSLatency(streamID string, seconds float64) {
	stsProcessingLatency.WithLabelValues(streamID).Observe(seconds)
}

// SetInflightFragments updates the in-flight gauge.
func SetInflightFragments(streamID string, n int) {
	stsInflightFragments.WithLabelValues(streamID).Set(float64(n))
}

// SetCircuitBreakerState records the numeric breaker state (0/1/2).
func SetCircuitBreakerState(streamID string, state int) {
	circuitBreakerState.WithLabelValues(streamID).Set(float64(state))
}

// IncBreakerFailure counts one retryable failure.
func IncBreakerFailure(streamID string) {
	circuitBreakerFailuresTotal.WithLabelValues(streamID).Inc()
}

// IncBreakerFallback counts one breaker-denied send.
func IncBreakerFallback(streamID string) {
	circuitBreakerFallbacksTotal.WithLabelValues(streamID).Inc()
}

// SetSyncDeltaMs updates the current A/V delta gauge.
func SetSyncDeltaMs(streamID string, deltaMs float64) {
	avSyncDeltaMs.WithLabelValues(streamID).Set(deltaMs)
}

// IncSyncCorrections counts one slew application.
func IncSyncCorrections(streamID string) {
	avSyncCorrectionsTotal.WithLabelValues(streamID).Inc()
}

// SetSyncBufferSizes updates both sync-buffer depth gauges.
func SetSyncBufferSizes(streamID string, video, audio int) {
	avBufferVideoSize.WithLabelValues(streamID).Set(float64(video))
	avBufferAudioSize.WithLabelValues(streamID).Set(float64(audio))
}

// IncError counts one classified error.
func IncError(streamID, errorType string) {
	errorsTotal.WithLabelValues(streamID, errorType).Inc()
}

// SetPipelineState records the input/output pipeline state gauge.
func SetPipelineState(streamID, pipeline string, state int) {
	pipelineState.WithLabelValues(streamID, pipeline).Set(float64(state))
}

// IncBackpressureEvent counts one backpressure signal by action.
func IncBackpressureEvent(streamID, action string) {
	backpressureEventsTotal.WithLabelValues(streamID, action).Inc()
}

// IncQueueDrop counts one drop on a bounded queue.
func IncQueueDrop(streamID, queue string) {
	queueDropsTotal.WithLabelValues(streamID, queue).Inc()
}

// IncOutputSegmentsDropped counts muxed segments discarded before publication.
func IncOutputSegmentsDropped(streamID, reason string) {
	outputSegmentsDroppedTotal.WithLabelValues(streamID, reason).Inc()
}

// IncPublisherRestart counts one publisher child restart.
func IncPublisherRestart(streamID string) {
	publisherRestartsTotal.WithLabelValues(streamID).Inc()
}

// IncIngestRestart counts one ingest child restart.
func IncIngestRestart(streamID string) {
	ingestRestartsTotal.WithLabelValues(streamID).Inc()
}

// IncSTSReconnect counts one transport reconnect attempt.
func IncSTSReconnect(streamID string) {
	stsReconnectsTotal.WithLabelValues(streamID).Inc()
}
