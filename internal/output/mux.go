// SPDX-License-Identifier: MIT

package output

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// Published single-program layout.
const (
	videoPID = 0x0100
	audioPID = 0x0101
)

const aacSamplesPerFrame = 1024

// nsToTicks converts nanoseconds to 90 kHz MPEG-TS ticks.
func nsToTicks(ns int64) int64 { return ns * 90 / 1_000_000 }

// tsMuxer serializes paired segments into one continuous MPEG-TS stream.
// Program tables and continuity counters persist across pairs; each muxPair
// call drains the packets produced for that pair. Not safe for concurrent
// use; the pipeline guards it with muxMu.
type tsMuxer struct {
	buf        bytes.Buffer
	w          *mpegts.Writer
	video      *mpegts.Track
	audio      *mpegts.Track
	sampleRate int
}

func newTSMuxer(sampleRate, channels int) (*tsMuxer, error) {
	m := &tsMuxer{sampleRate: sampleRate}
	m.video = &mpegts.Track{
		PID:   videoPID,
		Codec: &mpegts.CodecH264{},
	}
	m.audio = &mpegts.Track{
		PID: audioPID,
		Codec: &mpegts.CodecMPEG4Audio{
			Config: mpeg4audio.Config{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   sampleRate,
				ChannelCount: channels,
			},
		},
	}
	m.w = &mpegts.Writer{W: &m.buf, Tracks: []*mpegts.Track{m.video, m.audio}}
	if err := m.w.Initialize(); err != nil {
		return nil, fmt.Errorf("mpegts writer: %w", err)
	}
	return m, nil
}

// muxPair writes one paired window and returns its transport packets. Video
// access units are re-timed from their source clock onto the pair's output
// PTS; audio frames step from the audio output PTS by their own sample
// duration. An empty audio payload muxes the video alone, leaving a silent
// gap in the published track.
func (m *tsMuxer) muxPair(pair model.Pair) ([]byte, error) {
	if err := m.writeVideo(pair.Video, pair.VideoPayload, pair.VideoPTS); err != nil {
		return nil, err
	}
	if err := m.writeAudio(pair.AudioPayload, pair.AudioPTS); err != nil {
		return nil, err
	}
	out := make([]byte, m.buf.Len())
	copy(out, m.buf.Bytes())
	m.buf.Reset()
	return out, nil
}

func (m *tsMuxer) writeVideo(seg model.VideoSegment, payload []byte, outPTSNs int64) error {
	frames := seg.Frames
	if len(frames) == 0 {
		frames = []model.Frame{{Len: len(payload), PTS: seg.StartPTS, DTS: seg.StartPTS}}
	}
	for _, f := range frames {
		if f.Offset < 0 || f.Len < 0 || f.Offset+f.Len > len(payload) {
			return fmt.Errorf("frame index [%d:%d] outside payload of %d bytes",
				f.Offset, f.Offset+f.Len, len(payload))
		}
		var au h264.AnnexB
		if err := au.Unmarshal(payload[f.Offset : f.Offset+f.Len]); err != nil {
			return fmt.Errorf("access unit at offset %d: %w", f.Offset, err)
		}
		pts := nsToTicks(outPTSNs + f.PTS - seg.StartPTS)
		dts := nsToTicks(outPTSNs + f.DTS - seg.StartPTS)
		if err := m.w.WriteH264(m.video, pts, dts, au); err != nil {
			return fmt.Errorf("write video access unit: %w", err)
		}
	}
	return nil
}

func (m *tsMuxer) writeAudio(payload []byte, outPTSNs int64) error {
	if len(payload) == 0 {
		return nil
	}
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(payload); err != nil {
		return fmt.Errorf("adts parse: %w", err)
	}
	ptsNs := outPTSNs
	for _, pkt := range pkts {
		rate := pkt.SampleRate
		if rate <= 0 {
			rate = m.sampleRate
		}
		if err := m.w.WriteMPEG4Audio(m.audio, nsToTicks(ptsNs), [][]byte{pkt.AU}); err != nil {
			return fmt.Errorf("write audio frame: %w", err)
		}
		ptsNs += aacSamplesPerFrame * int64(time.Second) / int64(rate)
	}
	return nil
}
