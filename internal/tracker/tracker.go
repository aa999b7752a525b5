// SPDX-License-Identifier: MIT

// Package tracker owns the in-flight fragment table: every fragment sent to
// the speech service is tracked from send until its terminal reply, error
// or timeout. The table is bounded by the in-flight cap; external access
// goes only through Track, Complete and Clear.
package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// Defaults per the fragment lifecycle contract.
const (
	DefaultMaxInflight = 3
	DefaultTimeout     = 8 * time.Second
)

// ErrInflightFull reports that the in-flight cap is reached; the caller
// defers the send until a slot frees.
var ErrInflightFull = errors.New("tracker: in-flight cap reached")

// Record is one fragment between send and terminal reply. Original holds
// the source-language payload so a timeout or failure can fall back without
// touching disk.
type Record struct {
	FragmentID string
	Segment    model.AudioSegment
	Original   []byte
	Sequence   int64
	SentAt     time.Time

	timer *time.Timer
}

// Latency is the time since the fragment was sent.
func (r *Record) Latency() time.Duration {
	return time.Since(r.SentAt)
}

// Tracker maintains the fragment-id keyed in-flight table.
type Tracker struct {
	streamID    string
	logger      zerolog.Logger
	maxInflight int
	timeout     time.Duration

	// onTimeout fires from the timer goroutine after the record has been
	// removed from the table. Never called after Complete or Clear won the
	// race for the same fragment.
	onTimeout func(*Record)

	mu       sync.Mutex
	inflight map[string]*Record
}

// New builds an empty tracker. onTimeout may be nil when the caller polls
// instead of reacting to timeouts.
func New(streamID string, maxInflight int, timeout time.Duration, onTimeout func(*Record)) *Tracker {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := &Tracker{
		streamID:    streamID,
		logger:      log.WithStream("tracker", streamID),
		maxInflight: maxInflight,
		timeout:     timeout,
		onTimeout:   onTimeout,
		inflight:    make(map[string]*Record),
	}
	metrics.SetInflightFragments(streamID, 0)
	return t
}

// Track inserts one sent fragment and arms its timeout. The cap and the
// fragment-id uniqueness are enforced here as the last line of defense; the
// worker checks Full before sending.
func (t *Tracker) Track(seg model.AudioSegment, original []byte, sequence int64) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.inflight) >= t.maxInflight {
		return nil, ErrInflightFull
	}
	if _, exists := t.inflight[seg.FragmentID]; exists {
		return nil, fmt.Errorf("tracker: fragment %s already in flight", seg.FragmentID)
	}

	rec := &Record{
		FragmentID: seg.FragmentID,
		Segment:    seg,
		Original:   original,
		Sequence:   sequence,
		SentAt:     time.Now(),
	}
	id := seg.FragmentID
	rec.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })
	t.inflight[id] = rec

	metrics.SetInflightFragments(t.streamID, len(t.inflight))
	t.logger.Debug().
		Str(log.FieldFragmentID, id).
		Int64(log.FieldSequence, sequence).
		Int("inflight", len(t.inflight)).
		Msg("fragment tracked")
	return rec, nil
}

// Complete removes and returns the record for a terminal reply. Unknown ids
// return nil with a warning; late replies for timed-out fragments land here.
func (t *Tracker) Complete(fragmentID string) *Record {
	t.mu.Lock()
	rec, ok := t.inflight[fragmentID]
	if ok {
		delete(t.inflight, fragmentID)
		rec.timer.Stop()
		metrics.SetInflightFragments(t.streamID, len(t.inflight))
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn().
			Str(log.FieldFragmentID, fragmentID).
			Msg("unknown fragment completed, dropping")
		return nil
	}
	return rec
}

// InflightCount reports the live table size.
func (t *Tracker) InflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Full reports whether the cap is reached.
func (t *Tracker) Full() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) >= t.maxInflight
}

// Clear cancels every pending timeout and drains the table, returning the
// removed records so the caller can fall them back. Used at stream end.
func (t *Tracker) Clear() []*Record {
	t.mu.Lock()
	records := make([]*Record, 0, len(t.inflight))
	for id, rec := range t.inflight {
		rec.timer.Stop()
		records = append(records, rec)
		delete(t.inflight, id)
	}
	metrics.SetInflightFragments(t.streamID, 0)
	t.mu.Unlock()

	if len(records) > 0 {
		t.logger.Info().
			Int("cleared", len(records)).
			Msg("in-flight table cleared")
	}
	return records
}

// expire runs on the timer goroutine. Removal under the lock decides the
// race against Complete and Clear: whoever deletes the map entry owns the
// record, so the timeout callback fires at most once and never after a
// completion.
func (t *Tracker) expire(fragmentID string) {
	t.mu.Lock()
	rec, ok := t.inflight[fragmentID]
	if ok {
		delete(t.inflight, fragmentID)
		metrics.SetInflightFragments(t.streamID, len(t.inflight))
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	t.logger.Warn().
		Str(log.FieldFragmentID, fragmentID).
		Int64(log.FieldSequence, rec.Sequence).
		Dur("waited", rec.Latency()).
		Msg("fragment timed out")
	if t.onTimeout != nil {
		t.onTimeout(rec)
	}
}
