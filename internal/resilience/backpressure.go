// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
)

// Backpressure severities and actions, mirroring the STS protocol values.
const (
	SeverityNone   = "none"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"

	ActionNone     = "none"
	ActionSlowDown = "slow_down"
	ActionPause    = "pause"
)

// Backpressure defaults.
const (
	DefaultPauseTimeout  = 30 * time.Second
	DefaultSlowdownDelay = 500 * time.Millisecond
)

// BackpressureState is a snapshot for the status endpoint.
type BackpressureState struct {
	Severity string        `json:"severity"`
	Action   string        `json:"action"`
	Delay    time.Duration `json:"delay"`
	Active   bool          `json:"active"`
}

// Backpressure turns inbound flow-control signals into send-side delays.
// Signal is called from the STS read pump; WaitAndDelay from the run loop
// before each send. A pause blocks sends until a clearing signal arrives or
// the pause cap expires, in which case the segment in hand falls back.
type Backpressure struct {
	streamID string
	logger   zerolog.Logger

	pauseTimeout time.Duration
	defaultDelay time.Duration

	mu       sync.Mutex
	severity string
	action   string
	delay    time.Duration
	signalAt time.Time
	// cleared is re-made on every pause; closing it releases all waiters.
	cleared chan struct{}

	// limiter paces slow_down sends so bursts after a delay change still
	// respect the requested spacing.
	limiter *rate.Limiter

	clock Clock
}

// BackpressureOption adjusts the handler.
type BackpressureOption func(*Backpressure)

// WithBackpressureClock injects a clock, for tests.
func WithBackpressureClock(c Clock) BackpressureOption {
	return func(b *Backpressure) { b.clock = c }
}

// NewBackpressure builds an inactive handler. Non-positive timeouts fall
// back to the defaults.
func NewBackpressure(streamID string, pauseTimeout, defaultDelay time.Duration, opts ...BackpressureOption) *Backpressure {
	if pauseTimeout <= 0 {
		pauseTimeout = DefaultPauseTimeout
	}
	if defaultDelay <= 0 {
		defaultDelay = DefaultSlowdownDelay
	}
	b := &Backpressure{
		streamID:     streamID,
		logger:       log.WithStream("backpressure", streamID),
		pauseTimeout: pauseTimeout,
		defaultDelay: defaultDelay,
		severity:     SeverityNone,
		action:       ActionNone,
		limiter:      rate.NewLimiter(rate.Inf, 1),
		clock:        realClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Signal applies one inbound backpressure event. A recommendedDelayMs of
// zero means the server gave no hint; slow_down then uses the default.
func (b *Backpressure) Signal(severity, action string, recommendedDelayMs int64) {
	metrics.IncBackpressureEvent(b.streamID, action)

	b.mu.Lock()
	defer b.mu.Unlock()

	// none/low clears whatever was active.
	if action == ActionNone || severity == SeverityLow || severity == SeverityNone {
		b.clearLocked()
		return
	}

	b.severity = severity
	b.action = action
	b.signalAt = b.clock.Now()

	switch action {
	case ActionSlowDown:
		delay := b.defaultDelay
		if recommendedDelayMs > 0 {
			delay = time.Duration(recommendedDelayMs) * time.Millisecond
		}
		b.delay = delay
		b.limiter.SetLimit(rate.Every(delay))
		b.logger.Info().
			Str(log.FieldEvent, "backpressure.slow_down").
			Str("severity", severity).
			Dur("delay", delay).
			Msg("slowing sends")
	case ActionPause:
		if b.cleared == nil {
			b.cleared = make(chan struct{})
		}
		b.logger.Warn().
			Str(log.FieldEvent, "backpressure.pause").
			Str("severity", severity).
			Msg("sends paused")
	default:
		b.logger.Warn().
			Str("action", action).
			Msg("unknown backpressure action, ignoring")
	}
}

// Clear drops any active backpressure state.
func (b *Backpressure) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

func (b *Backpressure) clearLocked() {
	wasActive := b.action != ActionNone
	b.severity = SeverityNone
	b.action = ActionNone
	b.delay = 0
	b.limiter.SetLimit(rate.Inf)
	if b.cleared != nil {
		close(b.cleared)
		b.cleared = nil
	}
	if wasActive {
		b.logger.Info().
			Str(log.FieldEvent, "backpressure.cleared").
			Msg("backpressure cleared")
	}
}

// SetDefaultDelay swaps the slow_down fallback delay (hot reload).
func (b *Backpressure) SetDefaultDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaultDelay = d
}

// State returns a snapshot for observability.
func (b *Backpressure) State() BackpressureState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackpressureState{
		Severity: b.severity,
		Action:   b.action,
		Delay:    b.delay,
		Active:   b.action != ActionNone,
	}
}

// WaitAndDelay gates one send. It returns true when the send may proceed,
// possibly after a slow_down delay, and false when an active pause outlived
// the cap or ctx ended; the caller then falls back to original audio for
// the segment in hand.
func (b *Backpressure) WaitAndDelay(ctx context.Context) bool {
	for {
		b.mu.Lock()
		action := b.action
		signalAt := b.signalAt
		cleared := b.cleared
		b.mu.Unlock()

		switch action {
		case ActionNone:
			return true

		case ActionSlowDown:
			if err := b.limiter.Wait(ctx); err != nil {
				return false
			}
			return true

		case ActionPause:
			remaining := b.pauseTimeout - b.clock.Now().Sub(signalAt)
			if remaining <= 0 {
				b.expirePause()
				return false
			}
			timer := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-cleared:
				timer.Stop()
				// Re-evaluate: the clearing signal may have replaced the
				// pause with a slow_down.
				continue
			case <-timer.C:
				// Re-evaluate; a refreshed pause signal extends the cap.
				continue
			}

		default:
			return true
		}
	}
}

// expirePause clears a timed-out pause so the next send is not blocked on
// the same stale signal.
func (b *Backpressure) expirePause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.action != ActionPause {
		return
	}
	b.logger.Warn().
		Str(log.FieldEvent, "backpressure.pause_expired").
		Dur("cap", b.pauseTimeout).
		Msg("pause cap expired, falling back current segment")
	b.clearLocked()
}
