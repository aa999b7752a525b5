// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func (m *mockClock) advance(d time.Duration) { m.now = m.now.Add(d) }

type codedError struct {
	code string
}

func (e *codedError) Error() string     { return "sts " + e.code }
func (e *codedError) ErrorCode() string { return e.code }

func newTestBreaker(t *testing.T, threshold int, cooldown time.Duration) (*Breaker, *mockClock) {
	t.Helper()
	clock := &mockClock{now: time.Unix(1700000000, 0)}
	return NewBreaker("stream-1", threshold, cooldown, WithClock(clock)), clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(t, 5, 30*time.Second)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.ShouldAllow())
	assert.Zero(t, b.Failures())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, 5, 30*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure(model.CodeTimeout)
		assert.Equal(t, StateClosed, b.State(), "failure %d", i+1)
	}
	b.RecordFailure(model.CodeTimeout)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 5, b.Failures())
}

func TestBreakerNonRetryableNeverCounts(t *testing.T) {
	b, _ := newTestBreaker(t, 2, 30*time.Second)

	for _, code := range []string{
		model.CodeInvalidConfig,
		model.CodeInvalidSequence,
		model.CodeStreamNotFound,
		model.CodeFragmentTooLarge,
	} {
		b.RecordFailure(code)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())

	// Unknown codes are retryable.
	b.RecordFailure("SOMETHING_NEW")
	assert.Equal(t, 1, b.Failures())
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(t, 5, 30*time.Second)

	b.RecordFailure(model.CodeTimeout)
	b.RecordFailure(model.CodeModelError)
	require.Equal(t, 2, b.Failures())

	b.RecordSuccess()
	assert.Zero(t, b.Failures())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpenDeniesAndCountsFallbacks(t *testing.T) {
	b, clock := newTestBreaker(t, 2, 30*time.Second)

	b.RecordFailure(model.CodeTimeout)
	b.RecordFailure(model.CodeTimeout)
	require.Equal(t, StateOpen, b.State())

	clock.advance(10 * time.Second)
	for i := 0; i < 5; i++ {
		assert.False(t, b.ShouldAllow())
	}
	assert.Equal(t, int64(5), b.Fallbacks())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(t, 2, 30*time.Second)

	b.RecordFailure(model.CodeGPUOOM)
	b.RecordFailure(model.CodeGPUOOM)
	require.Equal(t, StateOpen, b.State())

	clock.advance(30 * time.Second)
	assert.True(t, b.ShouldAllow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Success from the probe closes it and resets the counter.
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, 2, 30*time.Second)

	b.RecordFailure(model.CodeTimeout)
	b.RecordFailure(model.CodeTimeout)
	clock.advance(31 * time.Second)
	require.True(t, b.ShouldAllow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure(model.CodeTimeout)
	assert.Equal(t, StateOpen, b.State())

	// Cooldown restarts from the probe failure.
	clock.advance(10 * time.Second)
	assert.False(t, b.ShouldAllow())
	clock.advance(20 * time.Second)
	assert.True(t, b.ShouldAllow())
}

// Scenario: five consecutive timeouts open the breaker, segments 6..10 are
// denied, a cooldown probe succeeds and the breaker closes with a zeroed
// counter.
func TestBreakerTimeoutStorm(t *testing.T) {
	b, clock := newTestBreaker(t, 5, 30*time.Second)

	for i := 0; i < 5; i++ {
		sent, err := b.ExecuteWithFallback(func() error {
			return &codedError{code: model.CodeTimeout}
		})
		assert.True(t, sent)
		assert.Error(t, err)
	}
	require.Equal(t, StateOpen, b.State())

	for seg := 6; seg <= 10; seg++ {
		sent, err := b.ExecuteWithFallback(func() error {
			t.Fatal("send must not run while open")
			return nil
		})
		assert.False(t, sent, "segment %d", seg)
		assert.NoError(t, err)
	}
	assert.GreaterOrEqual(t, b.Fallbacks(), int64(5))

	clock.advance(30 * time.Second)
	sent, err := b.ExecuteWithFallback(func() error { return nil })
	assert.True(t, sent)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())
}

func TestBreakerExecuteClassifiesByCode(t *testing.T) {
	b, _ := newTestBreaker(t, 3, 30*time.Second)

	// Wrapped coded errors are still classified.
	sent, err := b.ExecuteWithFallback(func() error {
		return fmt.Errorf("send: %w", &codedError{code: model.CodeFragmentTooLarge})
	})
	require.True(t, sent)
	require.Error(t, err)
	assert.Zero(t, b.Failures())

	// Plain errors count as retryable.
	_, _ = b.ExecuteWithFallback(func() error { return errors.New("socket reset") })
	assert.Equal(t, 1, b.Failures())
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(t, 1, 30*time.Second)

	b.RecordFailure(model.CodeTimeout)
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.ShouldAllow())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())
	assert.Zero(t, b.Fallbacks())
	assert.True(t, b.ShouldAllow())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, model.CodeTimeout, CodeOf(&codedError{code: model.CodeTimeout}))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
	assert.Equal(t, model.CodeGPUOOM, CodeOf(fmt.Errorf("outer: %w", &codedError{code: model.CodeGPUOOM})))
}
