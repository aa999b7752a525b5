// SPDX-License-Identifier: MIT

package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/ffmpeg"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

const (
	tsReadBuf = 64 << 10

	aacSamplesPerFrame = 1024

	// defaultVideoDurNs seeds the frame-duration lookahead until the first
	// PTS step is observed.
	defaultVideoDurNs = int64(40 * time.Millisecond)
)

// ticksToNs converts a 90 kHz tick count to nanoseconds.
func ticksToNs(ticks int64) int64 { return ticks * 1_000_000 / 90 }

// demuxer reads the child's TS output and fans access units out to the
// pipeline callbacks. Exactly one demuxer runs per connect attempt; all
// fields are owned by its goroutine.
type demuxer struct {
	p *Pipeline

	reader     *mpegts.Reader
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track

	audioType    mpeg4audio.ObjectType
	sampleRate   int
	channelCount int
	frameTicks   int64
	frameDurNs   int64

	lastVideoPTSNs int64
	lastAudioPTSNs int64

	// pending holds the newest video frame until its successor fixes the
	// duration; the stream tail is flushed with the last known duration.
	pending        *VideoFrame
	lastVideoDurNs int64
}

func newDemuxer(p *Pipeline) *demuxer {
	return &demuxer{
		p:              p,
		lastVideoPTSNs: math.MinInt64,
		lastAudioPTSNs: math.MinInt64,
		lastVideoDurNs: defaultVideoDurNs,
	}
}

// run drives one child: bind tracks, report readiness, then deliver frames
// until the stream ends. The gate verdict keeps the read loop from starting
// before Start has committed the attempt, so an instant EOF cannot race the
// state transition.
func (d *demuxer) run(proc *ffmpeg.Process, ready chan<- error, gate <-chan bool) {
	defer d.p.wg.Done()

	if err := d.init(bufio.NewReaderSize(proc.Stdout, tsReadBuf)); err != nil {
		ready <- err
		return
	}
	ready <- nil
	if !<-gate {
		return
	}
	d.finish(proc, d.loop())
}

// init reads until the program tables appear and binds the first H.264 and
// first AAC track. Any other layout is fatal.
func (d *demuxer) init(r io.Reader) error {
	d.reader = &mpegts.Reader{R: r}
	if err := d.reader.Initialize(); err != nil {
		return model.Ef(model.ClassIngestTransient, "ingest", "mpegts init: %v", err)
	}

	for _, track := range d.reader.Tracks() {
		switch codec := track.Codec.(type) {
		case *mpegts.CodecH264:
			if d.videoTrack != nil {
				continue
			}
			d.videoTrack = track
			d.reader.OnDataH264(track, d.onH264)

		case *mpegts.CodecMPEG4Audio:
			if d.audioTrack != nil {
				continue
			}
			d.audioTrack = track
			d.audioType = codec.Config.Type
			d.sampleRate = codec.Config.SampleRate
			d.channelCount = codec.Config.ChannelCount
			if d.audioType == 0 {
				d.audioType = mpeg4audio.ObjectTypeAACLC
			}
			if d.sampleRate <= 0 {
				d.sampleRate = 48000
			}
			if d.channelCount <= 0 {
				d.channelCount = 2
			}
			d.frameTicks = aacSamplesPerFrame * 90000 / int64(d.sampleRate)
			d.frameDurNs = aacSamplesPerFrame * int64(time.Second) / int64(d.sampleRate)
			d.reader.OnDataMPEG4Audio(track, d.onMPEG4Audio)
		}
	}

	if d.videoTrack == nil || d.audioTrack == nil {
		return model.Ef(model.ClassIngestFatal, "ingest",
			"unsupported track layout: need h264 video and aac audio, got [%s]",
			describeTracks(d.reader.Tracks()))
	}

	d.reader.OnDecodeError(func(err error) {
		d.p.logger.Debug().Err(err).Msg("ts decode error")
	})

	d.p.logger.Info().
		Int("video_pid", int(d.videoTrack.PID)).
		Int("audio_pid", int(d.audioTrack.PID)).
		Int("sample_rate", d.sampleRate).
		Int("channels", d.channelCount).
		Msg("tracks bound")
	return nil
}

func (d *demuxer) loop() error {
	for {
		if err := d.reader.Read(); err != nil {
			return err
		}
	}
}

// finish flushes the held video frame and classifies the stream ending:
// clean child exit on EOF is end of stream, everything else is transient.
func (d *demuxer) finish(proc *ffmpeg.Process, readErr error) {
	if !d.p.playing() {
		return
	}
	d.flushPending()

	if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
		select {
		case <-proc.Done():
		case <-time.After(exitWait):
		}
		if proc.ExitCode() == 0 {
			d.p.emitEOS()
			return
		}
		d.p.emitError(model.Ef(model.ClassIngestTransient, "ingest",
			"child exited %d: %s", proc.ExitCode(), strings.Join(proc.LastLogLines(3), " | ")))
		return
	}
	d.p.emitError(model.Ef(model.ClassIngestTransient, "ingest", "ts read: %v", readErr))
}

// onH264 converts one access unit to Annex-B and emits its predecessor, whose
// duration is now known from the PTS step.
func (d *demuxer) onH264(pts, dts int64, au [][]byte) error {
	if len(au) == 0 {
		return nil
	}
	annexB, err := h264.AnnexB(au).Marshal()
	if err != nil || len(annexB) == 0 {
		return nil
	}

	ptsNs := ticksToNs(pts)
	if ptsNs < d.lastVideoPTSNs {
		d.p.logger.Warn().
			Int64(log.FieldPTS, ptsNs).
			Int64("last_pts_ns", d.lastVideoPTSNs).
			Msg("video pts regression, frame dropped")
		metrics.IncError(d.p.streamID, "pts_regression")
		return nil
	}
	d.lastVideoPTSNs = ptsNs

	next := VideoFrame{
		Payload:  annexB,
		PTS:      ptsNs,
		DTS:      ticksToNs(dts),
		Keyframe: h264.IsRandomAccess(au),
	}
	if d.pending != nil {
		dur := ptsNs - d.pending.PTS
		if dur <= 0 {
			dur = d.lastVideoDurNs
		}
		d.pending.Duration = dur
		d.lastVideoDurNs = dur
		d.p.emitVideo(*d.pending)
	}
	d.pending = &next
	return nil
}

// flushPending emits the stream tail with the last observed duration.
func (d *demuxer) flushPending() {
	if d.pending == nil {
		return
	}
	d.pending.Duration = d.lastVideoDurNs
	d.p.emitVideo(*d.pending)
	d.pending = nil
}

// onMPEG4Audio fans a callback batch out to per-AU frames. Each AU is
// re-wrapped in an ADTS header so downstream payloads stay self-delimiting,
// and gets its PTS stepped by the fixed AAC frame duration.
func (d *demuxer) onMPEG4Audio(pts int64, aus [][]byte) error {
	ticks := pts
	for _, au := range aus {
		frameTicks := ticks
		ticks += d.frameTicks
		if len(au) == 0 {
			continue
		}

		ptsNs := ticksToNs(frameTicks)
		if ptsNs < d.lastAudioPTSNs {
			d.p.logger.Warn().
				Int64(log.FieldPTS, ptsNs).
				Int64("last_pts_ns", d.lastAudioPTSNs).
				Msg("audio pts regression, frame dropped")
			metrics.IncError(d.p.streamID, "pts_regression")
			continue
		}
		d.lastAudioPTSNs = ptsNs

		adts, err := mpeg4audio.ADTSPackets{{
			Type:         d.audioType,
			SampleRate:   d.sampleRate,
			ChannelCount: d.channelCount,
			AU:           au,
		}}.Marshal()
		if err != nil {
			d.p.logger.Warn().Err(err).Msg("adts marshal failed, frame dropped")
			metrics.IncError(d.p.streamID, "adts_marshal")
			continue
		}

		d.p.emitAudio(AudioFrame{Payload: adts, PTS: ptsNs, Duration: d.frameDurNs})
	}
	return nil
}

func describeTracks(tracks []*mpegts.Track) string {
	names := make([]string, 0, len(tracks))
	for _, t := range tracks {
		names = append(names, fmt.Sprintf("%T", t.Codec))
	}
	return strings.Join(names, ", ")
}
