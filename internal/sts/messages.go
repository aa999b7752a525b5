// SPDX-License-Identifier: MIT

package sts

import "fmt"

// Event names on the STS session.
const (
	EventStreamInit        = "stream:init"
	EventFragmentData      = "fragment:data"
	EventFragmentAck       = "fragment:ack"
	EventStreamEnd         = "stream:end"
	EventStreamReady       = "stream:ready"
	EventFragmentProcessed = "fragment:processed"
	EventBackpressure      = "backpressure"
	EventError             = "error"
)

// Processed statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Ack statuses.
const (
	AckQueued     = "queued"
	AckProcessing = "processing"
	AckReceived   = "received"
	AckApplied    = "applied"
)

// Backpressure severities and actions.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"

	ActionNone     = "none"
	ActionSlowDown = "slow_down"
	ActionPause    = "pause"
)

// StreamInitConfig describes the dubbing session parameters.
type StreamInitConfig struct {
	SourceLanguage  string `json:"source_language"`
	TargetLanguage  string `json:"target_language"`
	VoiceProfile    string `json:"voice_profile"`
	Format          string `json:"format"`
	SampleRateHz    int    `json:"sample_rate_hz"`
	Channels        int    `json:"channels"`
	ChunkDurationMs int64  `json:"chunk_duration_ms"`
}

// StreamInit opens a dubbing session.
type StreamInit struct {
	StreamID string           `json:"stream_id"`
	WorkerID string           `json:"worker_id"`
	Config   StreamInitConfig `json:"config"`
}

// AudioChunk carries one base64 M4A AAC payload in either direction.
type AudioChunk struct {
	Format       string `json:"format"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
	DurationMs   int64  `json:"duration_ms"`
	DataBase64   string `json:"data_base64"`
}

// FragmentMetadata carries source timing alongside a fragment.
type FragmentMetadata struct {
	PTSNs       int64 `json:"pts_ns"`
	SourcePTSNs int64 `json:"source_pts_ns"`
}

// FragmentData is one audio fragment sent for dubbing.
type FragmentData struct {
	FragmentID     string            `json:"fragment_id"`
	StreamID       string            `json:"stream_id"`
	SequenceNumber int64             `json:"sequence_number"`
	Timestamp      int64             `json:"timestamp"`
	Audio          AudioChunk        `json:"audio"`
	Metadata       *FragmentMetadata `json:"metadata,omitempty"`
}

// FragmentAckMsg flows both ways: STS sends queue acks, the worker sends a
// courtesy ack after consuming a processed fragment.
type FragmentAckMsg struct {
	FragmentID            string `json:"fragment_id"`
	Status                string `json:"status"`
	QueuePosition         *int   `json:"queue_position,omitempty"`
	EstimatedCompletionMs *int64 `json:"estimated_completion_ms,omitempty"`
}

// StreamEnd closes the session.
type StreamEnd struct {
	StreamID string `json:"stream_id"`
}

// StreamReady confirms an init.
type StreamReady struct {
	SessionID   string `json:"session_id"`
	MaxInflight int    `json:"max_inflight"`
}

// StageTimings breaks down server-side processing.
type StageTimings struct {
	ASRMs         int64 `json:"asr_ms"`
	TranslationMs int64 `json:"translation_ms"`
	TTSMs         int64 `json:"tts_ms"`
}

// ErrorInfo is the error detail attached to failed or partial fragments and
// to standalone error events.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Processed is a finished fragment: dubbed audio unless the status is
// failed.
type Processed struct {
	FragmentID       string        `json:"fragment_id"`
	StreamID         string        `json:"stream_id"`
	SequenceNumber   int64         `json:"sequence_number"`
	Status           string        `json:"status"`
	DubbedAudio      *AudioChunk   `json:"dubbed_audio,omitempty"`
	Transcript       string        `json:"transcript,omitempty"`
	TranslatedText   string        `json:"translated_text,omitempty"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
	StageTimings     *StageTimings `json:"stage_timings,omitempty"`
	Error            *ErrorInfo    `json:"error,omitempty"`
}

// BackpressureSignal asks the worker to adjust its send rate.
type BackpressureSignal struct {
	StreamID           string `json:"stream_id"`
	Severity           string `json:"severity"`
	CurrentInflight    int    `json:"current_inflight"`
	QueueDepth         int    `json:"queue_depth"`
	Action             string `json:"action"`
	RecommendedDelayMs *int64 `json:"recommended_delay_ms,omitempty"`
}

// CodeError is a protocol-level failure with an STS error code. The breaker
// classifies failures by this code.
type CodeError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("sts %s: %s", e.Code, e.Message)
}

// ErrorCode exposes the protocol code for failure classification.
func (e *CodeError) ErrorCode() string { return e.Code }
