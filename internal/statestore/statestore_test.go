// SPDX-License-Identifier: MIT

package statestore

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "dub:worker:stream-7", Key("stream-7"))
}

func TestPublishLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r, err := New(Config{
		Addr:     mr.Addr(),
		Interval: 10 * time.Millisecond,
		TTL:      time.Second,
	}, "s1")
	require.NoError(t, err)

	var ticks atomic.Int64
	r.Start(func() any {
		return map[string]any{"state": "running", "tick": ticks.Add(1)}
	})

	require.Eventually(t, func() bool {
		val, err := mr.Get(Key("s1"))
		return err == nil && strings.Contains(val, `"state":"running"`)
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, time.Second, mr.TTL(Key("s1")))

	// The loop keeps refreshing, not just the initial write.
	require.Eventually(t, func() bool {
		return ticks.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	assert.False(t, mr.Exists(Key("s1")), "stop should remove the status key")

	r.Stop() // idempotent
}

func TestPublishSwallowsMarshalError(t *testing.T) {
	mr := miniredis.RunT(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r, err := New(Config{Addr: mr.Addr(), Interval: time.Hour}, "s1")
	require.NoError(t, err)
	defer r.Stop()

	assert.NotPanics(t, func() {
		r.publish(func() any { return make(chan int) })
	})
	assert.False(t, mr.Exists(Key("s1")))
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1"}, "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis connection failed")
}

func TestNilReporterIsNoOp(t *testing.T) {
	var r *Reporter
	assert.NotPanics(t, func() {
		r.Start(func() any { return nil })
		r.Stop()
	})
}

func TestDefaultsApplied(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := New(Config{Addr: mr.Addr()}, "s1")
	require.NoError(t, err)
	defer r.Stop()

	assert.Equal(t, 5*time.Second, r.interval)
	assert.Equal(t, 15*time.Second, r.ttl)
}
