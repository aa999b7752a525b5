// SPDX-License-Identifier: MIT
package tracker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

func testSegment(id string, batch int64) model.AudioSegment {
	return model.AudioSegment{
		FragmentID:  id,
		StreamID:    "stream-1",
		BatchNumber: batch,
		StartPTS:    batch * int64(10*time.Second),
		Duration:    10 * time.Second,
		SizeBytes:   4096,
		Trigger:     model.TriggerSilence,
	}
}

// timeoutCollector records fired timeouts for assertions.
type timeoutCollector struct {
	mu    sync.Mutex
	fired []*Record
	ch    chan *Record
}

func newTimeoutCollector() *timeoutCollector {
	return &timeoutCollector{ch: make(chan *Record, 16)}
}

func (c *timeoutCollector) onTimeout(rec *Record) {
	c.mu.Lock()
	c.fired = append(c.fired, rec)
	c.mu.Unlock()
	c.ch <- rec
}

func (c *timeoutCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fired)
}

func TestTrackerTrackAndComplete(t *testing.T) {
	tr := New("stream-1", 3, time.Minute, nil)

	rec, err := tr.Track(testSegment("frag-1", 1), []byte("adts"), 7)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "frag-1", rec.FragmentID)
	assert.Equal(t, int64(7), rec.Sequence)
	assert.Equal(t, []byte("adts"), rec.Original)
	assert.Equal(t, 1, tr.InflightCount())

	got := tr.Complete("frag-1")
	require.NotNil(t, got)
	assert.Equal(t, rec, got)
	assert.Equal(t, 0, tr.InflightCount())
}

func TestTrackerCapEnforced(t *testing.T) {
	tr := New("stream-1", 3, time.Minute, nil)

	for i := 0; i < 3; i++ {
		_, err := tr.Track(testSegment(fmt.Sprintf("frag-%d", i), int64(i)), nil, int64(i))
		require.NoError(t, err)
	}
	require.True(t, tr.Full())

	_, err := tr.Track(testSegment("frag-overflow", 9), nil, 9)
	assert.ErrorIs(t, err, ErrInflightFull)
	assert.Equal(t, 3, tr.InflightCount())

	require.NotNil(t, tr.Complete("frag-0"))
	assert.False(t, tr.Full())

	_, err = tr.Track(testSegment("frag-overflow", 9), nil, 9)
	assert.NoError(t, err)
}

func TestTrackerDuplicateFragmentID(t *testing.T) {
	tr := New("stream-1", 3, time.Minute, nil)

	_, err := tr.Track(testSegment("frag-1", 1), nil, 1)
	require.NoError(t, err)

	_, err = tr.Track(testSegment("frag-1", 2), nil, 2)
	assert.Error(t, err)
	assert.Equal(t, 1, tr.InflightCount())
}

func TestTrackerCompleteUnknownReturnsNil(t *testing.T) {
	tr := New("stream-1", 3, time.Minute, nil)
	assert.Nil(t, tr.Complete("never-seen"))
}

func TestTrackerTimeoutFiresOnce(t *testing.T) {
	col := newTimeoutCollector()
	tr := New("stream-1", 3, 20*time.Millisecond, col.onTimeout)

	_, err := tr.Track(testSegment("frag-1", 1), []byte("orig"), 1)
	require.NoError(t, err)

	select {
	case rec := <-col.ch:
		assert.Equal(t, "frag-1", rec.FragmentID)
		assert.Equal(t, []byte("orig"), rec.Original)
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}

	assert.Equal(t, 0, tr.InflightCount())

	// A late reply after the timeout is dropped.
	assert.Nil(t, tr.Complete("frag-1"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, col.count())
}

func TestTrackerCompleteStopsTimeout(t *testing.T) {
	col := newTimeoutCollector()
	tr := New("stream-1", 3, 30*time.Millisecond, col.onTimeout)

	_, err := tr.Track(testSegment("frag-1", 1), nil, 1)
	require.NoError(t, err)
	require.NotNil(t, tr.Complete("frag-1"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, col.count(), "timeout must not fire after completion")
}

func TestTrackerClearCancelsTimers(t *testing.T) {
	col := newTimeoutCollector()
	tr := New("stream-1", 5, 30*time.Millisecond, col.onTimeout)

	for i := 0; i < 3; i++ {
		_, err := tr.Track(testSegment(fmt.Sprintf("frag-%d", i), int64(i)), nil, int64(i))
		require.NoError(t, err)
	}

	records := tr.Clear()
	assert.Len(t, records, 3)
	assert.Equal(t, 0, tr.InflightCount())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, col.count(), "no timeout may fire after clear")
}

func TestTrackerDefaultsApplied(t *testing.T) {
	tr := New("stream-1", 0, 0, nil)
	assert.Equal(t, DefaultMaxInflight, tr.maxInflight)
	assert.Equal(t, DefaultTimeout, tr.timeout)
}

func TestTrackerRecordLatency(t *testing.T) {
	tr := New("stream-1", 3, time.Minute, nil)
	rec, err := tr.Track(testSegment("frag-1", 1), nil, 1)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, rec.Latency(), 10*time.Millisecond)
}
