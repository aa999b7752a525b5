// SPDX-License-Identifier: MIT

package segment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// copyMux stands in for the external muxer: it copies src to dst.
func copyMux(_ context.Context, src, dst string) error {
	data, err := os.ReadFile(src) // #nosec G304 -- test paths
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func newTestWriter(t *testing.T, mux MuxFunc) *Writer {
	t.Helper()
	w, err := NewWriter(filepath.Join(t.TempDir(), "segments"), "stream1", "", WithMuxFunc(mux))
	require.NoError(t, err)
	return w
}

func TestWritePersistsAndMuxes(t *testing.T) {
	w := newTestWriter(t, copyMux)

	seg := &model.AudioSegment{FragmentID: "frag-1", StreamID: "stream1", BatchNumber: 3}
	payload := []byte("adts frames")
	require.NoError(t, w.Write(context.Background(), seg, payload))

	assert.Equal(t, int64(len(payload)), seg.SizeBytes)
	require.NotEmpty(t, seg.FilePath)
	assert.Equal(t, "audio-000003.m4a", filepath.Base(seg.FilePath))

	data, err := os.ReadFile(seg.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestWriteMuxFailureIsLoud(t *testing.T) {
	w := newTestWriter(t, func(context.Context, string, string) error {
		return errors.New("muxer exploded")
	})

	seg := &model.AudioSegment{FragmentID: "frag-1", StreamID: "stream1"}
	err := w.Write(context.Background(), seg, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, model.ClassMuxFailure, model.ClassOf(err))
	assert.Empty(t, seg.FilePath)
}

func TestWriteEmptyMuxOutputIsLoud(t *testing.T) {
	w := newTestWriter(t, func(_ context.Context, _, dst string) error {
		return os.WriteFile(dst, nil, 0o644)
	})

	seg := &model.AudioSegment{FragmentID: "frag-1", StreamID: "stream1"}
	err := w.Write(context.Background(), seg, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, model.ClassMuxFailure, model.ClassOf(err))
	assert.Contains(t, err.Error(), "empty")
}

func TestWriteDubbed(t *testing.T) {
	w := newTestWriter(t, copyMux)

	seg := &model.AudioSegment{FragmentID: "frag-1", StreamID: "stream1", BatchNumber: 7}
	require.NoError(t, w.WriteDubbed(seg, []byte("dubbed m4a")))

	assert.True(t, seg.IsDubbed)
	assert.Equal(t, "audio-000007.dubbed.m4a", filepath.Base(seg.DubbedPath))

	data, err := os.ReadFile(seg.DubbedPath)
	require.NoError(t, err)
	assert.Equal(t, "dubbed m4a", string(data))
}

func TestMuxVideo(t *testing.T) {
	w := newTestWriter(t, copyMux)

	seg := &model.VideoSegment{FragmentID: "frag-v", StreamID: "stream1", BatchNumber: 2}
	path, err := w.MuxVideo(context.Background(), seg, []byte("annexb units"))
	require.NoError(t, err)
	assert.Equal(t, "video-000002.mp4", filepath.Base(path))
}

func TestLoadConfinesPath(t *testing.T) {
	w := newTestWriter(t, copyMux)

	seg := &model.AudioSegment{FragmentID: "frag-1", StreamID: "stream1", BatchNumber: 0}
	require.NoError(t, w.Write(context.Background(), seg, []byte("payload")))

	data, err := w.Load(seg.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = w.Load("/etc/passwd")
	require.Error(t, err)
}
