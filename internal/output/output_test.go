// SPDX-License-Identifier: MIT

package output

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// fakeBin drops an executable stub where Build's LookPath finds it.
func fakeBin(t *testing.T, script string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin
}

// testPair builds one paired window: two video access units at 25 fps and
// two AAC frames, with the frame index a segment buffer would produce. The
// source clock starts at 1 s; output timestamps are the caller's.
func testPair(t *testing.T, batch int64, videoOutNs, audioOutNs int64) model.Pair {
	t.Helper()

	sps := []byte{0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40}
	pps := []byte{0x68, 0xeb, 0xe3, 0xcb}
	idr := []byte{0x65, 0x88, 0x84, 0x00, 0x10, 0x5c, 0x21}
	nonIDR := []byte{0x41, 0x9a, 0x24, 0x6c, 0x42}

	startNs := int64(time.Second) + batch*int64(80*time.Millisecond)

	au0, err := h264.AnnexB([][]byte{sps, pps, idr}).Marshal()
	require.NoError(t, err)
	au1, err := h264.AnnexB([][]byte{nonIDR}).Marshal()
	require.NoError(t, err)

	payload := append(append([]byte{}, au0...), au1...)
	video := model.VideoSegment{
		FragmentID:  fmt.Sprintf("video-%d", batch),
		StreamID:    "stream1",
		BatchNumber: batch,
		StartPTS:    startNs,
		Duration:    80 * time.Millisecond,
		SizeBytes:   int64(len(payload)),
		Frames: []model.Frame{
			{Offset: 0, Len: len(au0), PTS: startNs, DTS: startNs,
				Duration: int64(40 * time.Millisecond), Keyframe: true},
			{Offset: len(au0), Len: len(au1),
				PTS: startNs + int64(40*time.Millisecond), DTS: startNs + int64(40*time.Millisecond),
				Duration: int64(40 * time.Millisecond)},
		},
	}

	adts, err := mpeg4audio.ADTSPackets{
		{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 48000, ChannelCount: 2, AU: []byte{0x21, 0x1b, 0x80}},
		{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 48000, ChannelCount: 2, AU: []byte{0x21, 0x1b, 0x81}},
	}.Marshal()
	require.NoError(t, err)
	audio := model.AudioSegment{
		FragmentID:  fmt.Sprintf("audio-%d", batch),
		StreamID:    "stream1",
		BatchNumber: batch,
		StartPTS:    startNs,
		Duration:    42_666_666, // two AAC frames at 48 kHz
		SizeBytes:   int64(len(adts)),
		Trigger:     model.TriggerSilence,
	}

	return model.Pair{
		Video:        video,
		VideoPayload: payload,
		Audio:        audio,
		AudioPayload: adts,
		VideoPTS:     videoOutNs,
		AudioPTS:     audioOutNs,
	}
}

type tsCapture struct {
	videoPTS []int64
	videoDTS []int64
	videoAUs [][][]byte
	audioPTS []int64
	audioAUs [][][]byte
}

// demuxTS parses muxed output back into elementary callbacks, the same way
// the far end of the published stream would.
func demuxTS(t *testing.T, data []byte) *tsCapture {
	t.Helper()

	got := &tsCapture{}
	r := &mpegts.Reader{R: bytes.NewReader(data)}
	require.NoError(t, r.Initialize())
	for _, track := range r.Tracks() {
		switch track.Codec.(type) {
		case *mpegts.CodecH264:
			r.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
				got.videoPTS = append(got.videoPTS, pts)
				got.videoDTS = append(got.videoDTS, dts)
				got.videoAUs = append(got.videoAUs, au)
				return nil
			})
		case *mpegts.CodecMPEG4Audio:
			r.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
				got.audioPTS = append(got.audioPTS, pts)
				got.audioAUs = append(got.audioAUs, aus)
				return nil
			})
		}
	}
	for {
		if err := r.Read(); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}
	return got
}

func containsIDR(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) > 0 && nalu[0]&0x1F == 5 {
			return true
		}
	}
	return false
}

// playingPipeline fakes the post-Start state so push paths can be exercised
// without a child process.
func playingPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	p := New("stream1", Config{OutputURL: "rtmp://example.test/out", QueueCap: 4}, Callbacks{}, opts...)
	m, err := newTSMuxer(48000, 2)
	require.NoError(t, err)
	p.muxer = m
	p.ctx = context.Background()
	p.state = StatePlaying
	return p
}

func TestNsToTicks(t *testing.T) {
	assert.Equal(t, int64(0), nsToTicks(0))
	assert.Equal(t, int64(90000), nsToTicks(int64(time.Second)))
	assert.Equal(t, int64(3600), nsToTicks(int64(40*time.Millisecond)))
	assert.Equal(t, int64(1919), nsToTicks(21_333_333))
}

func TestMuxPairRoundTrip(t *testing.T) {
	m, err := newTSMuxer(48000, 2)
	require.NoError(t, err)

	pair := testPair(t, 0, 6_000_000_000, 6_000_000_000)
	data, err := m.muxPair(pair)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Zero(t, len(data)%188)
	assert.Equal(t, byte(0x47), data[0])

	got := demuxTS(t, data)

	// Access units land on the output clock, shifted by their offset from
	// the segment start.
	require.Len(t, got.videoPTS, 2)
	assert.Equal(t, int64(540000), got.videoPTS[0])
	assert.Equal(t, int64(543600), got.videoPTS[1])
	assert.Equal(t, got.videoPTS, got.videoDTS)
	assert.True(t, containsIDR(got.videoAUs[0]))
	assert.False(t, containsIDR(got.videoAUs[1]))

	require.Len(t, got.audioPTS, 2)
	assert.Equal(t, int64(540000), got.audioPTS[0])
	assert.Equal(t, int64(541919), got.audioPTS[1])
	require.Len(t, got.audioAUs[0], 1)
	assert.Equal(t, []byte{0x21, 0x1b, 0x80}, got.audioAUs[0][0])
	assert.Equal(t, []byte{0x21, 0x1b, 0x81}, got.audioAUs[1][0])
}

func TestMuxPairEmptyAudio(t *testing.T) {
	m, err := newTSMuxer(48000, 2)
	require.NoError(t, err)

	pair := testPair(t, 0, 6_000_000_000, 6_000_000_000)
	pair.AudioPayload = nil
	data, err := m.muxPair(pair)
	require.NoError(t, err)

	got := demuxTS(t, data)
	assert.Len(t, got.videoPTS, 2)
	assert.Empty(t, got.audioPTS)
}

func TestMuxContinuityAcrossPairs(t *testing.T) {
	m, err := newTSMuxer(48000, 2)
	require.NoError(t, err)

	first, err := m.muxPair(testPair(t, 0, 6_000_000_000, 6_000_000_000))
	require.NoError(t, err)
	second, err := m.muxPair(testPair(t, 1, 6_080_000_000, 6_080_000_000))
	require.NoError(t, err)

	// The publisher sees one continuous stream; tables from the first pair
	// cover the second.
	got := demuxTS(t, append(append([]byte{}, first...), second...))
	require.Len(t, got.videoPTS, 4)
	require.Len(t, got.audioPTS, 4)
	for i := 1; i < 4; i++ {
		assert.Greater(t, got.videoPTS[i], got.videoPTS[i-1])
		assert.Greater(t, got.audioPTS[i], got.audioPTS[i-1])
	}
}

func TestMuxBadFrameIndex(t *testing.T) {
	m, err := newTSMuxer(48000, 2)
	require.NoError(t, err)

	pair := testPair(t, 0, 6_000_000_000, 6_000_000_000)
	pair.Video.Frames[1].Len = len(pair.VideoPayload) + 1
	_, err = m.muxPair(pair)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame index")
}

func TestFitAudio(t *testing.T) {
	shapedMark := []byte{0xAA, 0xBB}

	cases := []struct {
		name      string
		videoDur  time.Duration
		audioDur  time.Duration
		payload   []byte
		shapeErr  error
		wantOK    bool
		wantShape bool
		wantTempo float64
	}{
		{"within tolerance", 30 * time.Second, 30*time.Second + 50*time.Millisecond, []byte{1}, nil, true, false, 0},
		{"audio long", 10 * time.Second, 12 * time.Second, []byte{1}, nil, true, true, 1.2},
		{"audio short", 10 * time.Second, 8 * time.Second, []byte{1}, nil, true, true, 0.8},
		{"tempo too high", 10 * time.Second, 25 * time.Second, []byte{1}, nil, false, false, 0},
		{"tempo too low", 10 * time.Second, 4 * time.Second, []byte{1}, nil, false, false, 0},
		{"empty payload", 10 * time.Second, 25 * time.Second, nil, nil, true, false, 0},
		{"stretch failure", 10 * time.Second, 12 * time.Second, []byte{1}, fmt.Errorf("boom"), false, true, 1.2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotTempo float64
			called := false
			p := playingPipeline(t, WithShapeFunc(func(_ context.Context, payload []byte, tempo float64) ([]byte, error) {
				called = true
				gotTempo = tempo
				if tc.shapeErr != nil {
					return nil, tc.shapeErr
				}
				return shapedMark, nil
			}))

			video := model.VideoSegment{BatchNumber: 7, Duration: tc.videoDur}
			audio := model.AudioSegment{BatchNumber: 7, Duration: tc.audioDur}
			out, ok := p.fitAudio(video, audio, tc.payload)

			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantShape, called)
			if tc.wantShape {
				assert.InDelta(t, tc.wantTempo, gotTempo, 0.0001)
			}
			if tc.wantOK && tc.wantShape && tc.shapeErr == nil {
				assert.Equal(t, shapedMark, out)
			}
			if tc.wantOK && !tc.wantShape {
				assert.Equal(t, tc.payload, out)
			}
		})
	}
}

func TestPushPairMuxesAndQueues(t *testing.T) {
	p := playingPipeline(t)
	pair := testPair(t, 0, 6_000_000_000, 6_000_000_000)

	p.PushVideo(pair.Video, pair.VideoPayload, pair.VideoPTS)
	require.NoError(t, p.PushAudio(pair.Audio, pair.AudioPayload, pair.AudioPTS))

	require.Equal(t, 1, p.QueueDepth())
	seg := <-p.segQ
	assert.Equal(t, int64(0), seg.batch)
	assert.Equal(t, 80*time.Millisecond, seg.dur)

	got := demuxTS(t, seg.data)
	assert.Len(t, got.videoPTS, 2)
	assert.Len(t, got.audioPTS, 2)
}

func TestPushAudioWithoutVideo(t *testing.T) {
	p := playingPipeline(t)
	pair := testPair(t, 0, 6_000_000_000, 6_000_000_000)

	require.NoError(t, p.PushAudio(pair.Audio, pair.AudioPayload, pair.AudioPTS))
	assert.Zero(t, p.QueueDepth())
}

func TestPushVideoReplacesPending(t *testing.T) {
	p := playingPipeline(t)
	first := testPair(t, 0, 6_000_000_000, 6_000_000_000)
	second := testPair(t, 1, 6_080_000_000, 6_080_000_000)

	p.PushVideo(first.Video, first.VideoPayload, first.VideoPTS)
	p.PushVideo(second.Video, second.VideoPayload, second.VideoPTS)
	require.NoError(t, p.PushAudio(second.Audio, second.AudioPayload, second.AudioPTS))

	require.Equal(t, 1, p.QueueDepth())
	seg := <-p.segQ
	assert.Equal(t, int64(1), seg.batch)
}

func TestPushPairQueueFullDropsNewest(t *testing.T) {
	p := playingPipeline(t)
	p.segQ = make(chan muxedSegment, 1)

	first := testPair(t, 0, 6_000_000_000, 6_000_000_000)
	p.PushVideo(first.Video, first.VideoPayload, first.VideoPTS)
	require.NoError(t, p.PushAudio(first.Audio, first.AudioPayload, first.AudioPTS))

	second := testPair(t, 1, 6_080_000_000, 6_080_000_000)
	p.PushVideo(second.Video, second.VideoPayload, second.VideoPTS)
	require.NoError(t, p.PushAudio(second.Audio, second.AudioPayload, second.AudioPTS))

	require.Equal(t, 1, p.QueueDepth())
	seg := <-p.segQ
	assert.Equal(t, int64(0), seg.batch)
}

func TestPushMuxFailureReturnsError(t *testing.T) {
	p := playingPipeline(t)
	pair := testPair(t, 0, 6_000_000_000, 6_000_000_000)
	pair.Video.Frames[0].Len = len(pair.VideoPayload) + 1

	p.PushVideo(pair.Video, pair.VideoPayload, pair.VideoPTS)
	err := p.PushAudio(pair.Audio, pair.AudioPayload, pair.AudioPTS)
	require.Error(t, err)
	assert.Equal(t, model.ClassMuxFailure, model.ClassOf(err))
	assert.Zero(t, p.QueueDepth())
}

func TestPushIgnoredWhenNotPlaying(t *testing.T) {
	p := New("stream1", Config{OutputURL: "rtmp://example.test/out"}, Callbacks{})
	pair := testPair(t, 0, 6_000_000_000, 6_000_000_000)

	p.PushVideo(pair.Video, pair.VideoPayload, pair.VideoPTS)
	require.NoError(t, p.PushAudio(pair.Audio, pair.AudioPayload, pair.AudioPTS))
	assert.Zero(t, p.QueueDepth())
}

func TestBuildValidatesURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"unsupported scheme", "http://example.test/out"},
		{"missing scheme", "example.test/out"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New("stream1", Config{OutputURL: tc.url}, Callbacks{})
			err := p.Build()
			require.Error(t, err)
			assert.Equal(t, model.ClassStartupFailure, model.ClassOf(err))
			assert.Equal(t, StateNull, p.State())
		})
	}
}

func TestBuildResolvesBinary(t *testing.T) {
	p := New("stream1", Config{
		OutputURL: "rtmp://example.test/out",
		FFmpegBin: "/nonexistent/ffmpeg",
	}, Callbacks{})
	err := p.Build()
	require.Error(t, err)
	assert.Equal(t, model.ClassStartupFailure, model.ClassOf(err))
}

func TestLifecycleStateChecks(t *testing.T) {
	p := New("stream1", Config{
		OutputURL: "rtmp://example.test/out",
		FFmpegBin: fakeBin(t, "#!/bin/sh\nexit 0\n"),
	}, Callbacks{})

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.ClassStartupFailure, model.ClassOf(err))

	require.NoError(t, p.Build())
	assert.Equal(t, StateReady, p.State())

	err = p.Build()
	require.Error(t, err)
	assert.Equal(t, model.ClassStartupFailure, model.ClassOf(err))
}

func TestStopIdempotentBeforeStart(t *testing.T) {
	p := New("stream1", Config{OutputURL: "rtmp://example.test/out"}, Callbacks{})
	p.Stop()
	p.Stop()
	assert.Equal(t, StateNull, p.State())
}

func TestDrainPublishesQueuedTail(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := filepath.Join(t.TempDir(), "sink.ts")
	p := New("stream1", Config{
		OutputURL: "rtmp://example.test/out",
		FFmpegBin: fakeBin(t, "#!/bin/sh\nexec cat > "+sink+"\n"),
		QueueCap:  4,
	}, Callbacks{})
	require.NoError(t, p.Build())
	require.NoError(t, p.Start(context.Background()))

	first := testPair(t, 0, 6_000_000_000, 6_000_000_000)
	p.PushVideo(first.Video, first.VideoPayload, first.VideoPTS)
	require.NoError(t, p.PushAudio(first.Audio, first.AudioPayload, first.AudioPTS))
	second := testPair(t, 1, 6_080_000_000, 6_080_000_000)
	p.PushVideo(second.Video, second.VideoPayload, second.VideoPTS)
	require.NoError(t, p.PushAudio(second.Audio, second.AudioPayload, second.AudioPTS))

	require.True(t, p.Drain(5*time.Second), "queued tail must flush within the budget")
	assert.Zero(t, p.QueueDepth())
	p.Stop()

	// Everything queued before Drain reached the publisher.
	data, err := os.ReadFile(sink)
	require.NoError(t, err)
	got := demuxTS(t, data)
	assert.Len(t, got.videoPTS, 4)
	assert.Len(t, got.audioPTS, 4)
}

func TestDrainIdleReturnsImmediately(t *testing.T) {
	p := New("stream1", Config{OutputURL: "rtmp://example.test/out"}, Callbacks{})
	assert.True(t, p.Drain(time.Second))
	p.Stop()
}

func TestStartPublishesAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New("stream1", Config{
		OutputURL: "rtmp://example.test/out",
		FFmpegBin: fakeBin(t, "#!/bin/sh\nexec cat >/dev/null\n"),
		QueueCap:  4,
	}, Callbacks{})
	require.NoError(t, p.Build())
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, StatePlaying, p.State())

	pair := testPair(t, 0, 6_000_000_000, 6_000_000_000)
	p.PushVideo(pair.Video, pair.VideoPayload, pair.VideoPTS)
	require.NoError(t, p.PushAudio(pair.Audio, pair.AudioPayload, pair.AudioPTS))

	require.Eventually(t, func() bool { return p.QueueDepth() == 0 },
		5*time.Second, 10*time.Millisecond)

	p.Stop()
	assert.Equal(t, StateNull, p.State())
}

func TestPublisherCrashExhaustsRestarts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	oldDelay := restartDelay
	restartDelay = time.Millisecond
	defer func() { restartDelay = oldDelay }()

	var mu sync.Mutex
	var errs []error
	p := New("stream1", Config{
		OutputURL:            "rtmp://example.test/out",
		FFmpegBin:            fakeBin(t, "#!/bin/sh\nexit 1\n"),
		MaxPublisherRestarts: 1,
	}, Callbacks{
		OnError: func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
	})
	require.NoError(t, p.Build())
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return p.State() == StateError },
		5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, errs, 1)
	assert.Equal(t, model.ClassPipelineMalfunction, model.ClassOf(errs[0]))
	mu.Unlock()

	p.Stop()
	assert.Equal(t, StateNull, p.State())
}
