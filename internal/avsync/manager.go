// SPDX-License-Identifier: MIT

// Package avsync pairs video segments with their audio counterparts by batch
// number, applies the output PTS offset and corrects drift with bounded slew
// steps. One mutex serializes every buffer mutation; a pair is only ever
// created together with the removal of both sides.
package avsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// Defaults per the sync contract.
const (
	DefaultBaseOffset     = 6 * time.Second
	DefaultDriftThreshold = 120 * time.Millisecond
	DefaultSlewRate       = 10 * time.Millisecond
	DefaultBufferCap      = 10
)

// convergedNs is the residual delta below which drift correction disengages.
const convergedNs = int64(time.Millisecond)

// Config bounds the pairing buffers and the drift corrector.
type Config struct {
	BaseOffset     time.Duration
	DriftThreshold time.Duration
	SlewRate       time.Duration
	BufferCap      int
}

func (c Config) withDefaults() Config {
	if c.BaseOffset <= 0 {
		c.BaseOffset = DefaultBaseOffset
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = DefaultDriftThreshold
	}
	if c.SlewRate <= 0 {
		c.SlewRate = DefaultSlewRate
	}
	if c.BufferCap < 1 {
		c.BufferCap = DefaultBufferCap
	}
	return c
}

// FetchOriginal supplies fallback audio for a video segment whose dubbed
// counterpart never arrived. The returned payload may be empty when the
// source window was pure silence.
type FetchOriginal func(video model.VideoSegment) (model.AudioSegment, []byte)

// Status is a point-in-time snapshot for the control API.
type Status struct {
	DeltaMs      float64 `json:"delta_ms"`
	BaseOffsetMs float64 `json:"base_offset_ms"`
	SlewTotalMs  float64 `json:"slew_total_ms"`
	Correcting   bool    `json:"correcting"`
	VideoBuffer  int     `json:"video_buffer"`
	AudioBuffer  int     `json:"audio_buffer"`
}

type videoEntry struct {
	seg     model.VideoSegment
	payload []byte
}

type audioEntry struct {
	seg     model.AudioSegment
	payload []byte
}

// Manager buffers both tracks and releases pairs strictly in batch order:
// only the head of the video buffer may pair, so out-of-order audio
// completion never reorders the output.
type Manager struct {
	streamID string
	logger   zerolog.Logger

	mu    sync.Mutex
	video []videoEntry
	audio map[int64]audioEntry
	cap   int

	baseOffsetNs int64
	slewNs       int64
	thresholdNs  int64
	slewRateNs   int64

	lastDeltaNs  int64
	lastVideoPTS int64
	lastAudioPTS int64
	paired       bool
	correcting   bool
}

// New builds an empty manager.
func New(streamID string, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		streamID:     streamID,
		logger:       log.WithStream("avsync", streamID),
		audio:        make(map[int64]audioEntry),
		cap:          cfg.BufferCap,
		baseOffsetNs: int64(cfg.BaseOffset),
		thresholdNs:  int64(cfg.DriftThreshold),
		slewRateNs:   int64(cfg.SlewRate),
	}
}

// PushVideo buffers one video segment, or returns its pair when the segment
// is at the head of the batch sequence and its audio is already waiting. At
// capacity the oldest buffered video is dropped.
func (m *Manager) PushVideo(seg model.VideoSegment, payload []byte) *model.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.video) == 0 {
		if a, ok := m.audio[seg.BatchNumber]; ok {
			delete(m.audio, seg.BatchNumber)
			pair := m.makePair(videoEntry{seg: seg, payload: payload}, a)
			m.updateGauges()
			return &pair
		}
	}

	if len(m.video) >= m.cap {
		dropped := m.video[0]
		m.video = m.video[1:]
		metrics.IncQueueDrop(m.streamID, "sync_video")
		m.logger.Warn().
			Int64(log.FieldBatch, dropped.seg.BatchNumber).
			Msg("video buffer full, dropping oldest")
	}
	m.video = append(m.video, videoEntry{seg: seg, payload: payload})
	m.updateGauges()
	return nil
}

// PushAudio buffers one audio segment, or returns its pair when the matching
// video is at the buffer head. At capacity the lowest buffered batch is
// dropped.
func (m *Manager) PushAudio(seg model.AudioSegment, payload []byte) *model.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.video) > 0 && m.video[0].seg.BatchNumber == seg.BatchNumber {
		v := m.video[0]
		m.video = m.video[1:]
		pair := m.makePair(v, audioEntry{seg: seg, payload: payload})
		m.updateGauges()
		return &pair
	}

	if len(m.audio) >= m.cap {
		oldest := int64(-1)
		for batch := range m.audio {
			if oldest < 0 || batch < oldest {
				oldest = batch
			}
		}
		delete(m.audio, oldest)
		metrics.IncQueueDrop(m.streamID, "sync_audio")
		m.logger.Warn().
			Int64(log.FieldBatch, oldest).
			Msg("audio buffer full, dropping oldest")
	}
	m.audio[seg.BatchNumber] = audioEntry{seg: seg, payload: payload}
	m.updateGauges()
	return nil
}

// GetReadyPairs releases every pair whose turn has come: it walks the video
// buffer head as long as the matching audio is present. Idempotent when
// nothing is pairable.
func (m *Manager) GetReadyPairs() []model.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pairs []model.Pair
	for len(m.video) > 0 {
		a, ok := m.audio[m.video[0].seg.BatchNumber]
		if !ok {
			break
		}
		v := m.video[0]
		m.video = m.video[1:]
		delete(m.audio, v.seg.BatchNumber)
		pairs = append(pairs, m.makePair(v, a))
	}
	if len(pairs) > 0 {
		m.updateGauges()
	}
	return pairs
}

// FlushWithFallback pairs every buffered video in batch order, using buffered
// audio when present and fetch for the rest. Unmatched audio stays buffered
// for video still to come; with a nil fetch, unmatched video is dropped.
func (m *Manager) FlushWithFallback(fetch FetchOriginal) []model.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pairs []model.Pair
	for _, v := range m.video {
		if a, ok := m.audio[v.seg.BatchNumber]; ok {
			delete(m.audio, v.seg.BatchNumber)
			pairs = append(pairs, m.makePair(v, a))
			continue
		}
		if fetch == nil {
			metrics.IncQueueDrop(m.streamID, "sync_video")
			m.logger.Warn().
				Int64(log.FieldBatch, v.seg.BatchNumber).
				Msg("no audio and no fallback source, dropping video")
			continue
		}
		seg, payload := fetch(v.seg)
		pairs = append(pairs, m.makePair(v, audioEntry{seg: seg, payload: payload}))
	}
	m.video = nil
	m.updateGauges()

	if len(pairs) > 0 {
		m.logger.Info().
			Int("pairs", len(pairs)).
			Msg("flushed with fallback")
	}
	return pairs
}

// Reset clears the buffers and the drift state. The accumulated PTS offset
// survives: it reflects real corrected drift, not buffer contents.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.video = nil
	m.audio = make(map[int64]audioEntry)
	m.lastDeltaNs = 0
	m.paired = false
	m.correcting = false
	m.updateGauges()
	metrics.SetSyncDeltaMs(m.streamID, 0)
}

// ApplySlewCorrection nudges the audio offset by amount, clamped to one slew
// step. Returns the applied adjustment.
func (m *Manager) ApplySlewCorrection(amount time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := clampNs(int64(amount), m.slewRateNs)
	if applied != 0 {
		m.slewNs += applied
		metrics.IncSyncCorrections(m.streamID)
	}
	return time.Duration(applied)
}

// SetTunables swaps the hot-reloadable corrector bounds.
func (m *Manager) SetTunables(driftThreshold, slewRate time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if driftThreshold > 0 {
		m.thresholdNs = int64(driftThreshold)
	}
	if slewRate > 0 {
		m.slewRateNs = int64(slewRate)
	}
}

// Delta reports the delta of the last pair.
func (m *Manager) Delta() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.lastDeltaNs)
}

// Offset reports the current audio-side offset: base plus accumulated slew.
func (m *Manager) Offset() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.baseOffsetNs + m.slewNs)
}

// BufferSizes reports the live buffer depths.
func (m *Manager) BufferSizes() (video, audio int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.video), len(m.audio)
}

// Snapshot captures the sync state for the control API.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		DeltaMs:      float64(m.lastDeltaNs) / float64(time.Millisecond),
		BaseOffsetMs: float64(m.baseOffsetNs) / float64(time.Millisecond),
		SlewTotalMs:  float64(m.slewNs) / float64(time.Millisecond),
		Correcting:   m.correcting,
		VideoBuffer:  len(m.video),
		AudioBuffer:  len(m.audio),
	}
}

// makePair builds the pair and runs the drift corrector. Called with the
// lock held. The corrector never acts on the first pair: there is no delta
// to reduce yet, so the configured base offset applies unmodified.
func (m *Manager) makePair(v videoEntry, a audioEntry) model.Pair {
	if m.paired && (m.correcting || absNs(m.lastDeltaNs) > m.thresholdNs) {
		applied := clampNs(m.lastDeltaNs, m.slewRateNs)
		if applied != 0 {
			m.slewNs += applied
			metrics.IncSyncCorrections(m.streamID)
			m.logger.Debug().
				Dur("applied", time.Duration(applied)).
				Dur("slew_total", time.Duration(m.slewNs)).
				Msg("slew correction applied")
		}
	}

	videoPTS := v.seg.StartPTS + m.baseOffsetNs
	audioPTS := a.seg.StartPTS + m.baseOffsetNs + m.slewNs
	delta := videoPTS - audioPTS

	m.lastDeltaNs = delta
	m.lastVideoPTS = videoPTS
	m.lastAudioPTS = audioPTS
	m.paired = true
	if absNs(delta) > m.thresholdNs {
		m.correcting = true
	} else if absNs(delta) < convergedNs {
		m.correcting = false
	}
	metrics.SetSyncDeltaMs(m.streamID, float64(delta)/float64(time.Millisecond))

	return model.Pair{
		Video:        v.seg,
		VideoPayload: v.payload,
		Audio:        a.seg,
		AudioPayload: a.payload,
		VideoPTS:     videoPTS,
		AudioPTS:     audioPTS,
		Fallback:     !a.seg.IsDubbed,
	}
}

func (m *Manager) updateGauges() {
	metrics.SetSyncBufferSizes(m.streamID, len(m.video), len(m.audio))
}

func absNs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func clampNs(v, bound int64) int64 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}
