// SPDX-License-Identifier: MIT
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the worker.
const (
	StreamIDKey   = "stream.id"
	FragmentIDKey = "fragment.id"
	SequenceKey   = "fragment.sequence"
	BatchKey      = "segment.batch"
	TriggerKey    = "segment.trigger"
	StatusKey     = "fragment.status"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// FragmentAttributes creates the base span attributes for one STS fragment.
// The wire sequence number is attached separately once the send assigns it.
func FragmentAttributes(streamID, fragmentID string, batch int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(StreamIDKey, streamID),
		attribute.String(FragmentIDKey, fragmentID),
		attribute.Int64(BatchKey, batch),
	}
}

// ErrorAttributes creates error span attributes.
func ErrorAttributes(errType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errType),
	}
}
