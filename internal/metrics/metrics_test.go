// SPDX-License-Identifier: MIT
package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gatherMetric(t *testing.T, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
					break
				}
			}
			if match && len(m.GetLabel()) == len(labels) {
				return m
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	m := gatherMetric(t, name, labels)
	if m == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	m := gatherMetric(t, name, labels)
	if m == nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func TestSegmentCounters(t *testing.T) {
	labels := map[string]string{"stream_id": "m-seg", "type": "audio"}
	before := counterValue(t, "media_service_worker_segments_processed_total", labels)
	beforeBytes := counterValue(t, "media_service_worker_segments_bytes_total", labels)

	IncSegmentsProcessed("m-seg", "audio", 2048)

	require.Equal(t, before+1, counterValue(t, "media_service_worker_segments_processed_total", labels))
	require.Equal(t, beforeBytes+2048, counterValue(t, "media_service_worker_segments_bytes_total", labels))
}

func TestBreakerGaugeNumeric(t *testing.T) {
	labels := map[string]string{"stream_id": "m-brk"}

	SetCircuitBreakerState("m-brk", BreakerOpen)
	require.Equal(t, float64(2), gaugeValue(t, "media_service_worker_circuit_breaker_state", labels))

	SetCircuitBreakerState("m-brk", BreakerHalfOpen)
	require.Equal(t, float64(1), gaugeValue(t, "media_service_worker_circuit_breaker_state", labels))

	SetCircuitBreakerState("m-brk", BreakerClosed)
	require.Equal(t, float64(0), gaugeValue(t, "media_service_worker_circuit_breaker_state", labels))
}

func TestLatencyHistogramBuckets(t *testing.T) {
	ObserveSTSLatency("m-lat", 2.5)
	ObserveSTSLatency("m-lat", 7.0)

	m := gatherMetric(t, "media_service_worker_sts_processing_latency_seconds", map[string]string{"stream_id": "m-lat"})
	require.NotNil(t, m)
	h := m.GetHistogram()
	require.Equal(t, uint64(2), h.GetSampleCount())

	var bounds []float64
	for _, b := range h.GetBucket() {
		bounds = append(bounds, b.GetUpperBound())
	}
	require.Equal(t, []float64{0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15}, bounds)
}

func TestPipelineStateGauge(t *testing.T) {
	SetPipelineState("m-pipe", "input", PipelineRunning)
	SetPipelineState("m-pipe", "output", PipelineError)

	require.Equal(t, float64(1), gaugeValue(t, "media_service_worker_pipeline_state",
		map[string]string{"stream_id": "m-pipe", "pipeline": "input"}))
	require.Equal(t, float64(2), gaugeValue(t, "media_service_worker_pipeline_state",
		map[string]string{"stream_id": "m-pipe", "pipeline": "output"}))
}

func TestErrorAndDropCounters(t *testing.T) {
	errLabels := map[string]string{"stream_id": "m-err", "error_type": "sts_transient"}
	before := counterValue(t, "media_service_worker_errors_total", errLabels)
	IncError("m-err", "sts_transient")
	require.Equal(t, before+1, counterValue(t, "media_service_worker_errors_total", errLabels))

	qLabels := map[string]string{"stream_id": "m-err", "queue": "video"}
	beforeQ := counterValue(t, "media_service_worker_queue_drops_total", qLabels)
	IncQueueDrop("m-err", "video")
	require.Equal(t, beforeQ+1, counterValue(t, "media_service_worker_queue_drops_total", qLabels))
}
