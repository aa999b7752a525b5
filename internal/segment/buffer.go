// SPDX-License-Identifier: MIT

// Package segment accumulates demuxed frames into fixed-duration segments
// and persists emitted payloads for the speech service and diagnostics.
package segment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// partialMin is the smallest residue emitted as a partial segment at end of
// stream; anything shorter is discarded.
const partialMin = time.Second

// VideoEmission is one cut video segment with its concatenated access units.
type VideoEmission struct {
	Segment model.VideoSegment
	Payload []byte
}

// AudioEmission is one cut audio segment with its concatenated ADTS frames.
type AudioEmission struct {
	Segment model.AudioSegment
	Payload []byte
}

type frame struct {
	payload  []byte
	ptsNs    int64
	dtsNs    int64
	durNs    int64
	keyframe bool
}

// accumulator is the track-agnostic core: ordered frames, running duration
// and byte count, sequential batch numbering from 0.
type accumulator struct {
	target      time.Duration
	frames      []frame
	accumulated time.Duration
	bytes       int64
	nextBatch   int64
}

func (a *accumulator) add(payload []byte, ptsNs, dtsNs, durNs int64, keyframe bool) bool {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	a.frames = append(a.frames, frame{payload: buf, ptsNs: ptsNs, dtsNs: dtsNs, durNs: durNs, keyframe: keyframe})
	a.accumulated += time.Duration(durNs)
	a.bytes += int64(len(payload))
	return a.accumulated >= a.target
}

// take drains the buffer and returns batch number, start PTS, duration,
// concatenated payload and the per-frame index of the emitted segment.
func (a *accumulator) take() (batch int64, startPTS int64, dur time.Duration, payload []byte, index []model.Frame) {
	payload = make([]byte, 0, a.bytes)
	index = make([]model.Frame, 0, len(a.frames))
	for _, f := range a.frames {
		index = append(index, model.Frame{
			Offset:   len(payload),
			Len:      len(f.payload),
			PTS:      f.ptsNs,
			DTS:      f.dtsNs,
			Duration: f.durNs,
			Keyframe: f.keyframe,
		})
		payload = append(payload, f.payload...)
	}
	batch = a.nextBatch
	a.nextBatch++
	startPTS = a.frames[0].ptsNs
	dur = a.accumulated

	a.frames = nil
	a.accumulated = 0
	a.bytes = 0
	return batch, startPTS, dur, payload, index
}

// VideoBuffer accumulates video access units into target-duration segments.
type VideoBuffer struct {
	streamID string
	logger   zerolog.Logger
	acc      accumulator
}

// NewVideoBuffer builds an idle buffer. Target must be positive.
func NewVideoBuffer(streamID string, target time.Duration) (*VideoBuffer, error) {
	if target <= 0 {
		return nil, fmt.Errorf("segment target must be positive, got %s", target)
	}
	return &VideoBuffer{
		streamID: streamID,
		logger:   log.WithStream("segment", streamID),
		acc:      accumulator{target: target},
	}, nil
}

// Add accumulates one access unit and returns an emission when the target
// duration is reached.
func (b *VideoBuffer) Add(payload []byte, ptsNs, dtsNs, durNs int64, keyframe bool) *VideoEmission {
	if !b.acc.add(payload, ptsNs, dtsNs, durNs, keyframe) {
		return nil
	}
	return b.emit()
}

// Cut emits the open buffer regardless of accumulated duration, so callers
// can align video windows to externally chosen boundaries such as the audio
// segmenter's silence cuts. An empty buffer returns nil without consuming a
// batch number.
func (b *VideoBuffer) Cut() *VideoEmission {
	if len(b.acc.frames) == 0 {
		return nil
	}
	return b.emit()
}

// Flush emits the residue as a partial segment when it is at least one
// second long, and discards it otherwise.
func (b *VideoBuffer) Flush() *VideoEmission {
	if b.acc.accumulated < partialMin {
		if len(b.acc.frames) > 0 {
			b.logger.Debug().
				Str("type", string(model.KindVideo)).
				Dur("buffered", b.acc.accumulated).
				Msg("discarding sub-second residue at eos")
			b.acc.frames = nil
			b.acc.accumulated = 0
			b.acc.bytes = 0
		}
		return nil
	}
	return b.emit()
}

// BufferedDuration reports the open segment's accumulated duration.
func (b *VideoBuffer) BufferedDuration() time.Duration { return b.acc.accumulated }

func (b *VideoBuffer) emit() *VideoEmission {
	batch, startPTS, dur, payload, index := b.acc.take()
	seg := model.VideoSegment{
		FragmentID:  uuid.NewString(),
		StreamID:    b.streamID,
		BatchNumber: batch,
		StartPTS:    startPTS,
		Duration:    dur,
		SizeBytes:   int64(len(payload)),
		Frames:      index,
	}
	b.logger.Debug().
		Str("type", string(model.KindVideo)).
		Int64(log.FieldBatch, batch).
		Dur(log.FieldDurationMs, dur).
		Int64(log.FieldSizeBytes, seg.SizeBytes).
		Msg("segment emitted")
	metrics.IncSegmentsProcessed(b.streamID, string(model.KindVideo), len(payload))
	return &VideoEmission{Segment: seg, Payload: payload}
}

// AudioBuffer accumulates ADTS frames into target-duration segments. It is
// the fixed-duration alternative to the silence-driven segmenter.
type AudioBuffer struct {
	streamID string
	logger   zerolog.Logger
	acc      accumulator
}

// NewAudioBuffer builds an idle buffer. Target must be positive.
func NewAudioBuffer(streamID string, target time.Duration) (*AudioBuffer, error) {
	if target <= 0 {
		return nil, fmt.Errorf("segment target must be positive, got %s", target)
	}
	return &AudioBuffer{
		streamID: streamID,
		logger:   log.WithStream("segment", streamID),
		acc:      accumulator{target: target},
	}, nil
}

// Add accumulates one frame and returns an emission when the target
// duration is reached.
func (b *AudioBuffer) Add(payload []byte, ptsNs, durNs int64) *AudioEmission {
	if !b.acc.add(payload, ptsNs, ptsNs, durNs, false) {
		return nil
	}
	return b.emit(model.TriggerDuration)
}

// Flush emits the residue as a partial segment when it is at least one
// second long, and discards it otherwise.
func (b *AudioBuffer) Flush() *AudioEmission {
	if b.acc.accumulated < partialMin {
		if len(b.acc.frames) > 0 {
			b.logger.Debug().
				Str("type", string(model.KindAudio)).
				Dur("buffered", b.acc.accumulated).
				Msg("discarding sub-second residue at eos")
			b.acc.frames = nil
			b.acc.accumulated = 0
			b.acc.bytes = 0
		}
		return nil
	}
	return b.emit(model.TriggerEOS)
}

// BufferedDuration reports the open segment's accumulated duration.
func (b *AudioBuffer) BufferedDuration() time.Duration { return b.acc.accumulated }

func (b *AudioBuffer) emit(trigger model.EmitTrigger) *AudioEmission {
	batch, startPTS, dur, payload, _ := b.acc.take()
	seg := model.AudioSegment{
		FragmentID:  uuid.NewString(),
		StreamID:    b.streamID,
		BatchNumber: batch,
		StartPTS:    startPTS,
		Duration:    dur,
		SizeBytes:   int64(len(payload)),
		Trigger:     trigger,
	}
	b.logger.Debug().
		Str("type", string(model.KindAudio)).
		Int64(log.FieldBatch, batch).
		Str(log.FieldTrigger, string(trigger)).
		Dur(log.FieldDurationMs, dur).
		Int64(log.FieldSizeBytes, seg.SizeBytes).
		Msg("segment emitted")
	metrics.IncSegmentsProcessed(b.streamID, string(model.KindAudio), len(payload))
	return &AudioEmission{Segment: seg, Payload: payload}
}
