// SPDX-License-Identifier: MIT
package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldStreamID   = "stream_id"
	FieldWorkerID   = "worker_id"
	FieldFragmentID = "fragment_id"
	FieldSessionID  = "session_id"
	FieldRequestID  = "request_id"

	// Pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldBatch     = "batch"
	FieldSequence  = "sequence"
	FieldTrigger   = "trigger"
	FieldAttempt   = "attempt"

	// Media fields
	FieldCodec      = "codec"
	FieldPTS        = "pts_ns"
	FieldDurationMs = "duration_ms"
	FieldSizeBytes  = "size_bytes"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldPath = "path"
	FieldURL  = "url"
)
