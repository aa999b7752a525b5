// SPDX-License-Identifier: MIT

// Package resilience protects the STS link: a circuit breaker that fails
// fast when the service is unhealthy, and a backpressure handler that
// translates server flow-control signals into send-side delays.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

func (s State) gauge() int {
	switch s {
	case StateHalfOpen:
		return metrics.BreakerHalfOpen
	case StateOpen:
		return metrics.BreakerOpen
	default:
		return metrics.BreakerClosed
	}
}

// Clock abstracts monotonic time so tests can drive cooldown expiry.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// coder is implemented by errors that carry an STS protocol code; the
// breaker classifies failures through it.
type coder interface {
	ErrorCode() string
}

// Breaker default tuning.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// BreakerOption adjusts a Breaker.
type BreakerOption func(*Breaker)

// WithClock injects a clock, for tests.
func WithClock(c Clock) BreakerOption {
	return func(b *Breaker) { b.clock = c }
}

// Breaker fails fast when the STS link is unhealthy. Retryable failures
// count toward the threshold; non-retryable protocol errors never do.
// The state machine is the one the worker's fallback path is built around:
// an open breaker routes segments to original audio instead of stalling.
type Breaker struct {
	streamID string
	logger   zerolog.Logger
	clock    Clock

	mu          sync.Mutex
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	fallbacks   int64
}

// NewBreaker builds a closed breaker. Non-positive threshold or cooldown
// fall back to the defaults.
func NewBreaker(streamID string, threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{
		streamID:  streamID,
		logger:    log.WithStream("breaker", streamID),
		clock:     realClock{},
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	metrics.SetCircuitBreakerState(streamID, b.state.gauge())
	return b
}

// State reports the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures reports the current consecutive retryable failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Fallbacks reports how many sends the breaker has denied.
func (b *Breaker) Fallbacks() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fallbacks
}

// ShouldAllow decides whether a send may go out. An open breaker whose
// cooldown has elapsed moves to half_open and admits one probe; otherwise
// open denies and counts a fallback.
func (b *Breaker) ShouldAllow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailure) >= b.cooldown {
			b.transitionTo(StateHalfOpen)
			return true
		}
		b.fallbacks++
		metrics.IncBreakerFallback(b.streamID)
		return false
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
}

// RecordFailure counts one failure classified by its STS error code. A
// non-retryable code never touches the failure counter; in half_open any
// failure reopens the breaker (the probe did not prove the link healthy).
func (b *Breaker) RecordFailure(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transitionTo(StateOpen)
		b.lastFailure = b.clock.Now()
		if model.RetryableCode(code) {
			metrics.IncBreakerFailure(b.streamID)
		}
		return
	}

	if !model.RetryableCode(code) {
		b.logger.Debug().
			Str("code", code).
			Msg("non-retryable failure, breaker unchanged")
		return
	}

	b.failures++
	b.lastFailure = b.clock.Now()
	metrics.IncBreakerFailure(b.streamID)

	if b.state == StateClosed && b.failures >= b.threshold {
		b.transitionTo(StateOpen)
	}
}

// RecordError is RecordFailure with the code extracted from err. Errors
// without a protocol code count as retryable.
func (b *Breaker) RecordError(err error) {
	b.RecordFailure(CodeOf(err))
}

// ExecuteWithFallback runs send under the breaker. A denied send returns
// (false, nil): nothing went out and the caller pairs the segment with
// original audio. An allowed send reports its outcome to the breaker and
// returns (true, err).
func (b *Breaker) ExecuteWithFallback(send func() error) (sent bool, err error) {
	if !b.ShouldAllow() {
		return false, nil
	}
	if err := send(); err != nil {
		b.RecordError(err)
		return true, err
	}
	b.RecordSuccess()
	return true, nil
}

// Reset forces the breaker closed and zeroes its counters. Operator action
// and worker reset only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.fallbacks = 0
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
}

// transitionTo switches state and updates the gauge. Caller holds the lock.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	b.logger.Info().
		Str(log.FieldEvent, "breaker.transition").
		Str(log.FieldOldState, string(b.state)).
		Str(log.FieldNewState, string(next)).
		Int("failures", b.failures).
		Msg("circuit breaker state change")
	b.state = next
	metrics.SetCircuitBreakerState(b.streamID, next.gauge())
}

// CodeOf extracts the STS protocol code from err, or "" when it carries
// none (unclassified errors count as retryable).
func CodeOf(err error) string {
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}
