// SPDX-License-Identifier: MIT

package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/ffmpeg"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/fsutil"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// muxTimeout bounds the external muxer; segments are at most a minute long,
// so a remux that takes longer than this is stuck.
const muxTimeout = 30 * time.Second

// MuxFunc converts the file at src into the container at dst.
type MuxFunc func(ctx context.Context, src, dst string) error

// WriterOption adjusts a Writer.
type WriterOption func(*Writer)

// WithMuxFunc replaces both external muxers, for tests.
func WithMuxFunc(fn MuxFunc) WriterOption {
	return func(w *Writer) {
		w.mux = fn
		w.videoMux = fn
	}
}

// Writer persists segments under a confined per-stream directory. Audio
// originals are kept both as raw ADTS and as the M4A the speech service
// consumes; dubbed counterparts arrive as M4A and are stored as-is.
type Writer struct {
	baseDir  string
	streamID string
	logger   zerolog.Logger
	mux      MuxFunc
	videoMux MuxFunc
}

// NewWriter creates the stream directory and returns a writer rooted there.
func NewWriter(baseDir, streamID, ffmpegBin string, opts ...WriterOption) (*Writer, error) {
	if err := fsutil.EnsureDir(baseDir, 0o755); err != nil {
		return nil, model.E(model.ClassWriteFailure, "writer", err)
	}
	w := &Writer{
		baseDir:  baseDir,
		streamID: streamID,
		logger:   log.WithStream("writer", streamID),
		mux: func(ctx context.Context, src, dst string) error {
			return ffmpeg.OneShot(ctx, ffmpegBin, ffmpeg.MuxADTSArgs(src, dst), muxTimeout)
		},
		videoMux: func(ctx context.Context, src, dst string) error {
			return ffmpeg.OneShot(ctx, ffmpegBin, ffmpeg.MuxH264Args(src, dst), muxTimeout)
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write persists the original audio payload: the raw ADTS atomically, then
// an M4A remux of it. On success seg.FilePath points at the M4A and
// seg.SizeBytes equals len(payload).
func (w *Writer) Write(ctx context.Context, seg *model.AudioSegment, payload []byte) error {
	adtsPath, err := w.confined(fmt.Sprintf("audio-%06d.adts", seg.BatchNumber))
	if err != nil {
		return model.E(model.ClassWriteFailure, "writer", err).WithFragment(seg.FragmentID)
	}
	if err := fsutil.WriteFileAtomic(adtsPath, payload, 0o644); err != nil {
		return model.E(model.ClassWriteFailure, "writer", err).WithFragment(seg.FragmentID)
	}

	m4aPath, err := w.confined(fmt.Sprintf("audio-%06d.m4a", seg.BatchNumber))
	if err != nil {
		return model.E(model.ClassWriteFailure, "writer", err).WithFragment(seg.FragmentID)
	}
	if err := w.remux(ctx, adtsPath, m4aPath); err != nil {
		return model.E(model.ClassMuxFailure, "writer", err).WithFragment(seg.FragmentID)
	}

	seg.FilePath = m4aPath
	seg.SizeBytes = int64(len(payload))
	w.logger.Debug().
		Int64(log.FieldBatch, seg.BatchNumber).
		Str(log.FieldPath, m4aPath).
		Int64(log.FieldSizeBytes, seg.SizeBytes).
		Msg("audio segment persisted")
	return nil
}

// WriteDubbed stores the dubbed counterpart under a sibling filename and
// marks the segment dubbed.
func (w *Writer) WriteDubbed(seg *model.AudioSegment, payload []byte) error {
	path, err := w.confined(fmt.Sprintf("audio-%06d.dubbed.m4a", seg.BatchNumber))
	if err != nil {
		return model.E(model.ClassWriteFailure, "writer", err).WithFragment(seg.FragmentID)
	}
	if err := fsutil.WriteFileAtomic(path, payload, 0o644); err != nil {
		return model.E(model.ClassWriteFailure, "writer", err).WithFragment(seg.FragmentID)
	}

	seg.DubbedPath = path
	seg.IsDubbed = true
	w.logger.Debug().
		Int64(log.FieldBatch, seg.BatchNumber).
		Str(log.FieldPath, path).
		Int(log.FieldSizeBytes, len(payload)).
		Msg("dubbed segment persisted")
	return nil
}

// MuxVideo writes concatenated access units and remuxes them into an MP4,
// for diagnostics captures. Returns the container path.
func (w *Writer) MuxVideo(ctx context.Context, seg *model.VideoSegment, payload []byte) (string, error) {
	rawPath, err := w.confined(fmt.Sprintf("video-%06d.h264", seg.BatchNumber))
	if err != nil {
		return "", model.E(model.ClassWriteFailure, "writer", err).WithFragment(seg.FragmentID)
	}
	if err := fsutil.WriteFileAtomic(rawPath, payload, 0o644); err != nil {
		return "", model.E(model.ClassWriteFailure, "writer", err).WithFragment(seg.FragmentID)
	}

	mp4Path, err := w.confined(fmt.Sprintf("video-%06d.mp4", seg.BatchNumber))
	if err != nil {
		return "", model.E(model.ClassWriteFailure, "writer", err).WithFragment(seg.FragmentID)
	}
	if err := w.remuxWith(ctx, w.videoMux, rawPath, mp4Path); err != nil {
		return "", model.E(model.ClassMuxFailure, "writer", err).WithFragment(seg.FragmentID)
	}
	return mp4Path, nil
}

// Load reads a previously persisted payload, re-confining the path first.
func (w *Writer) Load(path string) ([]byte, error) {
	real, err := fsutil.ConfineAbsPath(w.baseDir, path)
	if err != nil {
		return nil, model.E(model.ClassWriteFailure, "writer", err)
	}
	if err := fsutil.IsRegularFile(real); err != nil {
		return nil, model.E(model.ClassWriteFailure, "writer", err)
	}
	return os.ReadFile(real) // #nosec G304 -- confined above
}

// remux runs the audio muxer and fails loudly on error or empty output.
func (w *Writer) remux(ctx context.Context, src, dst string) error {
	return w.remuxWith(ctx, w.mux, src, dst)
}

func (w *Writer) remuxWith(ctx context.Context, mux MuxFunc, src, dst string) error {
	if err := mux(ctx, src, dst); err != nil {
		return fmt.Errorf("mux %s: %w", filepath.Base(src), err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("muxed output missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("muxed output %s is empty", filepath.Base(dst))
	}
	return nil
}

func (w *Writer) confined(name string) (string, error) {
	return fsutil.ConfineRelPath(w.baseDir, name)
}
