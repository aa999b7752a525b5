// SPDX-License-Identifier: MIT
package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkerYAML(t *testing.T, path, extra string) {
	t.Helper()
	body := `
streamId: reload-stream
inputUrl: rtmp://in.local/live/x
outputUrl: rtmp://out.local/dubbed/x
stsUrl: ws://sts.local/ws
sourceLanguage: en
targetLanguage: de
` + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestReloadSwapsTunables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	writeWorkerYAML(t, path, "")

	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	require.NoError(t, err)

	holder := NewHolder(initial, loader, path)
	ch := make(chan Tunables, 1)
	holder.RegisterTunablesListener(ch)

	writeWorkerYAML(t, path, "backpressure:\n  pauseTimeout: 30s\n  slowdownDelay: 200ms\n")
	require.NoError(t, holder.Reload(context.Background()))

	assert.Equal(t, 200*time.Millisecond, holder.Current().Backpressure.SlowdownDelay)
	select {
	case tun := <-ch:
		assert.Equal(t, 200*time.Millisecond, tun.SlowdownDelay)
	default:
		t.Fatal("expected tunables notification")
	}
}

func TestReloadRejectsIdentityChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	writeWorkerYAML(t, path, "")

	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	require.NoError(t, err)
	holder := NewHolder(initial, loader, path)

	// Same file but a different stream id.
	body := `
streamId: other-stream
inputUrl: rtmp://in.local/live/x
outputUrl: rtmp://out.local/dubbed/x
stsUrl: ws://sts.local/ws
sourceLanguage: en
targetLanguage: de
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	err = holder.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "reload-stream", holder.Current().StreamID)
}

func TestReloadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	writeWorkerYAML(t, path, "")

	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	require.NoError(t, err)
	holder := NewHolder(initial, loader, path)

	writeWorkerYAML(t, path, "breaker:\n  failureThreshold: 0\n")
	assert.Error(t, holder.Reload(context.Background()))
	assert.Equal(t, 5, holder.Current().Breaker.FailureThreshold)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	writeWorkerYAML(t, path, "")

	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	require.NoError(t, err)
	holder := NewHolder(initial, loader, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, holder.StartWatcher(ctx))

	writeWorkerYAML(t, path, "sync:\n  baseOffset: 6s\n  driftThreshold: 200ms\n  slewRate: 10ms\n  bufferCap: 10\n")

	require.Eventually(t, func() bool {
		return holder.Current().Sync.DriftThreshold == 200*time.Millisecond
	}, 3*time.Second, 20*time.Millisecond)
}
