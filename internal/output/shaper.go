// SPDX-License-Identifier: MIT

package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/ffmpeg"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// Single-stage atempo range. Factors beyond it would need filter chaining,
// which mangles speech, so those pairs are dropped instead.
const (
	atempoMin = 0.5
	atempoMax = 2.0
)

// atempoTimeout bounds one stretch job; source windows are at most 45 s.
const atempoTimeout = 30 * time.Second

// ShapeFunc time-stretches an ADTS payload by tempo. Injectable for tests.
type ShapeFunc func(ctx context.Context, payload []byte, tempo float64) ([]byte, error)

// atempoShaper stretches through a scratch ffmpeg invocation: payload to
// file, atempo filter, file back to payload.
func atempoShaper(bin, workDir string, sampleRate, channels int) ShapeFunc {
	return func(ctx context.Context, payload []byte, tempo float64) ([]byte, error) {
		dir, err := os.MkdirTemp(workDir, "atempo-")
		if err != nil {
			return nil, fmt.Errorf("scratch dir: %w", err)
		}
		defer os.RemoveAll(dir)

		src := filepath.Join(dir, "in.adts")
		dst := filepath.Join(dir, "out.adts")
		if err := os.WriteFile(src, payload, 0o600); err != nil {
			return nil, fmt.Errorf("write scratch input: %w", err)
		}
		args := ffmpeg.AtempoADTSArgs(src, dst, tempo, sampleRate, channels)
		if err := ffmpeg.OneShot(ctx, bin, args, atempoTimeout); err != nil {
			return nil, err
		}
		out, err := os.ReadFile(dst) // #nosec G304 -- scratch-local path
		if err != nil {
			return nil, fmt.Errorf("read stretched audio: %w", err)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("stretched audio is empty")
		}
		return out, nil
	}
}

// fitAudio reconciles the audio duration with the video window. Within
// tolerance the payload passes through untouched; beyond it the audio is
// time-stretched to the window. Returns false when the pair must be dropped
// because the stretch factor is out of range or the stretch itself failed.
func (p *Pipeline) fitAudio(video model.VideoSegment, audio model.AudioSegment, payload []byte) ([]byte, bool) {
	if len(payload) == 0 || video.Duration <= 0 || audio.Duration <= 0 {
		return payload, true
	}
	diff := video.Duration - audio.Duration
	if diff < 0 {
		diff = -diff
	}
	if diff <= p.cfg.AtempoTolerance {
		return payload, true
	}

	tempo := float64(audio.Duration) / float64(video.Duration)
	if tempo < atempoMin || tempo > atempoMax {
		p.logger.Warn().
			Int64(log.FieldBatch, audio.BatchNumber).
			Float64("tempo", tempo).
			Dur("video_duration", video.Duration).
			Dur("audio_duration", audio.Duration).
			Msg("stretch factor outside atempo range, pair dropped")
		metrics.IncOutputSegmentsDropped(p.streamID, "tempo_range")
		return nil, false
	}

	shaped, err := p.shape(p.ctx, payload, tempo)
	if err != nil {
		p.logger.Warn().Err(err).
			Int64(log.FieldBatch, audio.BatchNumber).
			Float64("tempo", tempo).
			Msg("time-stretch failed, pair dropped")
		metrics.IncOutputSegmentsDropped(p.streamID, "atempo_failed")
		return nil, false
	}
	p.logger.Debug().
		Int64(log.FieldBatch, audio.BatchNumber).
		Float64("tempo", tempo).
		Msg("audio stretched to video window")
	return shaped, true
}
