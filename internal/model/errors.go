// SPDX-License-Identifier: MIT
package model

import (
	"errors"
	"fmt"
)

// Class partitions every failure the worker can encounter. The class decides
// recovery: transient classes are absorbed by the run loop, fatal classes
// terminate the worker.
type Class string

const (
	ClassIngestTransient     Class = "ingest_transient"
	ClassIngestFatal         Class = "ingest_fatal"
	ClassSTSTransient        Class = "sts_transient"
	ClassSTSFatal            Class = "sts_fatal"
	ClassPipelineMalfunction Class = "pipeline_malfunction"
	ClassBackpressureTimeout Class = "backpressure_timeout"
	ClassWriteFailure        Class = "write_failure"
	ClassMuxFailure          Class = "mux_failure"
	ClassStartupFailure      Class = "startup_failure"
	ClassUnknown             Class = "unknown"
)

// Fatal reports whether the class terminates the worker.
func (c Class) Fatal() bool {
	switch c {
	case ClassIngestFatal, ClassPipelineMalfunction, ClassStartupFailure:
		return true
	}
	return false
}

// Error is a classified worker error. Component boundaries return *Error so
// the run loop can route on class without string matching.
type Error struct {
	Class      Class
	Component  string
	FragmentID string
	Err        error
}

func (e *Error) Error() string {
	if e.FragmentID != "" {
		return fmt.Sprintf("%s: %s (fragment %s): %v", e.Component, e.Class, e.FragmentID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a class and the originating component.
func E(class Class, component string, err error) *Error {
	return &Error{Class: class, Component: component, Err: err}
}

// Ef is E with fmt.Errorf formatting.
func Ef(class Class, component, format string, args ...any) *Error {
	return &Error{Class: class, Component: component, Err: fmt.Errorf(format, args...)}
}

// WithFragment returns a copy annotated with the fragment id.
func (e *Error) WithFragment(id string) *Error {
	cp := *e
	cp.FragmentID = id
	return &cp
}

// ClassOf extracts the class of err, or ClassUnknown for unclassified errors.
func ClassOf(err error) Class {
	var we *Error
	if errors.As(err, &we) {
		return we.Class
	}
	return ClassUnknown
}

// STS protocol error codes. Every code outside the non-retryable set counts
// as retryable, including codes this worker has never seen.
const (
	CodeTimeout          = "TIMEOUT"
	CodeModelError       = "MODEL_ERROR"
	CodeGPUOOM           = "GPU_OOM"
	CodeQueueFull        = "QUEUE_FULL"
	CodeRateLimit        = "RATE_LIMIT"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeInvalidSequence  = "INVALID_SEQUENCE"
	CodeStreamNotFound   = "STREAM_NOT_FOUND"
	CodeFragmentTooLarge = "FRAGMENT_TOO_LARGE"
)

var nonRetryableCodes = map[string]bool{
	CodeInvalidConfig:    true,
	CodeInvalidSequence:  true,
	CodeStreamNotFound:   true,
	CodeFragmentTooLarge: true,
}

// RetryableCode classifies an STS error code. Unknown codes are retryable.
func RetryableCode(code string) bool {
	return !nonRetryableCodes[code]
}
