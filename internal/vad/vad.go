// SPDX-License-Identifier: MIT

// Package vad segments the audio track at natural silence boundaries. The
// segmenter is a small state machine fed by two inputs: encoded audio frames
// from the demuxer and RMS level samples from the PCM tap. It is not
// goroutine-safe; the worker run loop is its single caller.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// State is the segmenter phase driven by level samples.
type State string

const (
	StateAccumulating State = "ACCUMULATING"
	StateInSilence    State = "IN_SILENCE"
)

const (
	// maxInvalidRMS is the consecutive out-of-range sample count that is
	// treated as a broken level source.
	maxInvalidRMS = 10

	// levelGapFatal is the longest tolerated gap between level samples
	// while ingest is live.
	levelGapFatal = 5 * time.Second
)

// ErrUnavailable is returned at build time when no level source is
// configured. There is no silent fallback to fixed segmentation.
var ErrUnavailable = errors.New("vad: level source unavailable")

// Config bounds follow the segmenter contract; NewSegmenter rejects
// anything outside them.
type Config struct {
	SilenceThresholdDB float64
	SilenceDuration    time.Duration
	MinSegmentDuration time.Duration
	MaxSegmentDuration time.Duration
	LevelInterval      time.Duration
	MemoryLimitBytes   int64
}

// Validate checks every bound independently.
func (c Config) Validate() error {
	if c.SilenceThresholdDB < -100 || c.SilenceThresholdDB > 0 {
		return fmt.Errorf("silence_threshold_db %.1f outside [-100, 0]", c.SilenceThresholdDB)
	}
	if c.SilenceDuration < 100*time.Millisecond || c.SilenceDuration > 5*time.Second {
		return fmt.Errorf("silence_duration %s outside [100ms, 5s]", c.SilenceDuration)
	}
	if c.MinSegmentDuration < 500*time.Millisecond || c.MinSegmentDuration > 5*time.Second {
		return fmt.Errorf("min_segment_duration %s outside [500ms, 5s]", c.MinSegmentDuration)
	}
	if c.MaxSegmentDuration < 5*time.Second || c.MaxSegmentDuration > 60*time.Second {
		return fmt.Errorf("max_segment_duration %s outside [5s, 60s]", c.MaxSegmentDuration)
	}
	if c.MinSegmentDuration >= c.MaxSegmentDuration {
		return fmt.Errorf("min_segment_duration %s must be below max_segment_duration %s",
			c.MinSegmentDuration, c.MaxSegmentDuration)
	}
	if c.LevelInterval < 50*time.Millisecond || c.LevelInterval > 500*time.Millisecond {
		return fmt.Errorf("level_interval %s outside [50ms, 500ms]", c.LevelInterval)
	}
	if c.MemoryLimitBytes < 1<<20 || c.MemoryLimitBytes > 100<<20 {
		return fmt.Errorf("memory_limit_bytes %d outside [1MB, 100MB]", c.MemoryLimitBytes)
	}
	return nil
}

// Emission is one cut segment together with its concatenated payload.
type Emission struct {
	Segment model.AudioSegment
	Payload []byte
}

type frame struct {
	payload []byte
	ptsNs   int64
	durNs   int64
}

// Segmenter cuts the audio track at silence boundaries subject to min/max
// duration and a hard memory cap.
type Segmenter struct {
	cfg      Config
	streamID string
	logger   zerolog.Logger

	state State

	frames      []frame
	accumulated time.Duration
	bytes       int64

	// sawSpeech marks that the current buffer contains at least one
	// above-threshold stretch; pure silence never cuts on the silence
	// trigger, only on max_duration or memory_limit.
	sawSpeech bool

	// silenceStartNs is the running time of the first sample of the
	// current silence stretch, -1 when not in silence.
	silenceStartNs int64

	invalidStreak int
	lastLevelWall time.Time
	started       bool

	nextBatch int64
}

// NewSegmenter validates cfg and builds an idle segmenter. hasLevelSource
// reflects whether the ingest pipeline was built with a PCM tap; without one
// the segmenter cannot operate and construction fails.
func NewSegmenter(cfg Config, streamID string, hasLevelSource bool) (*Segmenter, error) {
	if !hasLevelSource {
		return nil, model.E(model.ClassStartupFailure, "vad", ErrUnavailable)
	}
	if err := cfg.Validate(); err != nil {
		return nil, model.E(model.ClassStartupFailure, "vad", err)
	}
	return &Segmenter{
		cfg:            cfg,
		streamID:       streamID,
		logger:         log.WithStream("vad", streamID),
		state:          StateAccumulating,
		silenceStartNs: -1,
	}, nil
}

// State reports the current phase.
func (s *Segmenter) State() State { return s.state }

// BufferedDuration reports the accumulated duration of the open segment.
func (s *Segmenter) BufferedDuration() time.Duration { return s.accumulated }

// BufferedBytes reports the buffered payload size of the open segment.
func (s *Segmenter) BufferedBytes() int64 { return s.bytes }

// AddFrame accumulates one encoded audio frame. It may return an emission
// when the buffer crosses the max duration or the memory cap.
func (s *Segmenter) AddFrame(payload []byte, ptsNs, durNs int64) (*Emission, error) {
	s.started = true
	if s.lastLevelWall.IsZero() {
		s.lastLevelWall = time.Now()
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.frames = append(s.frames, frame{payload: buf, ptsNs: ptsNs, durNs: durNs})
	s.accumulated += time.Duration(durNs)
	s.bytes += int64(len(payload))

	if s.accumulated >= s.cfg.MaxSegmentDuration {
		return s.emit(model.TriggerMaxDuration), nil
	}
	if s.bytes >= s.cfg.MemoryLimitBytes {
		return s.emit(model.TriggerMemoryLimit), nil
	}
	return nil, nil
}

// AddLevel feeds one RMS sample and drives the silence state machine. An
// out-of-range streak or a broken level source surfaces as a fatal error.
func (s *Segmenter) AddLevel(rmsDB float64, runningTimeNs int64) (*Emission, error) {
	s.lastLevelWall = time.Now()

	if rmsDB > 0 || rmsDB < -100 {
		s.invalidStreak++
		s.logger.Warn().
			Float64("rms_db", rmsDB).
			Int("streak", s.invalidStreak).
			Msg("out-of-range rms sample")
		if s.invalidStreak >= maxInvalidRMS {
			return nil, model.Ef(model.ClassPipelineMalfunction, "vad",
				"%d consecutive invalid rms samples", s.invalidStreak)
		}
		return nil, nil
	}
	s.invalidStreak = 0

	if rmsDB < s.cfg.SilenceThresholdDB {
		if s.silenceStartNs < 0 {
			s.state = StateInSilence
			s.silenceStartNs = runningTimeNs
			return nil, nil
		}
		sustained := time.Duration(runningTimeNs - s.silenceStartNs)
		if sustained >= s.cfg.SilenceDuration && s.accumulated >= s.cfg.MinSegmentDuration && s.sawSpeech {
			return s.emit(model.TriggerSilence), nil
		}
		return nil, nil
	}

	// Above threshold: silence stretch over.
	s.state = StateAccumulating
	s.silenceStartNs = -1
	if len(s.frames) > 0 {
		s.sawSpeech = true
	}
	return nil, nil
}

// CheckLevelGap verifies the level source is alive. The worker calls it from
// the run loop while ingest is playing.
func (s *Segmenter) CheckLevelGap(now time.Time) error {
	if !s.started || s.lastLevelWall.IsZero() {
		return nil
	}
	if gap := now.Sub(s.lastLevelWall); gap > levelGapFatal {
		return model.Ef(model.ClassPipelineMalfunction, "vad",
			"no rms sample for %s", gap.Round(time.Millisecond))
	}
	return nil
}

// Flush emits the remaining buffer at end of stream when it reaches the
// minimum duration, and discards it otherwise.
func (s *Segmenter) Flush() *Emission {
	if s.accumulated < s.cfg.MinSegmentDuration {
		if len(s.frames) > 0 {
			s.logger.Debug().
				Dur("buffered", s.accumulated).
				Msg("discarding sub-minimum residue at eos")
			s.reset()
		}
		return nil
	}
	return s.emit(model.TriggerEOS)
}

func (s *Segmenter) emit(trigger model.EmitTrigger) *Emission {
	if len(s.frames) == 0 {
		return nil
	}

	payload := make([]byte, 0, s.bytes)
	for _, f := range s.frames {
		payload = append(payload, f.payload...)
	}

	seg := model.AudioSegment{
		FragmentID:  uuid.NewString(),
		StreamID:    s.streamID,
		BatchNumber: s.nextBatch,
		StartPTS:    s.frames[0].ptsNs,
		Duration:    s.accumulated,
		SizeBytes:   int64(len(payload)),
		Trigger:     trigger,
	}
	s.nextBatch++

	s.logger.Debug().
		Int64(log.FieldBatch, seg.BatchNumber).
		Str(log.FieldTrigger, string(trigger)).
		Dur(log.FieldDurationMs, seg.Duration).
		Int64(log.FieldSizeBytes, seg.SizeBytes).
		Msg("segment emitted")
	metrics.IncSegmentsProcessed(s.streamID, string(model.KindAudio), len(payload))

	s.reset()
	return &Emission{Segment: seg, Payload: payload}
}

func (s *Segmenter) reset() {
	s.frames = nil
	s.accumulated = 0
	s.bytes = 0
	s.sawSpeech = false
	s.state = StateAccumulating
	s.silenceStartNs = -1
}
