// SPDX-License-Identifier: MIT

// Package ingest pulls the live source through an ffmpeg child, demuxes the
// MPEG-TS on its stdout into elementary frames and meters audio level on a
// PCM side tap. One Pipeline serves one attach; the worker builds a fresh
// pipeline for every (re)start.
package ingest

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/ffmpeg"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// State is the pipeline lifecycle phase.
type State string

const (
	StateNull    State = "NULL"
	StateReady   State = "READY"
	StatePlaying State = "PLAYING"
	StateError   State = "ERROR"
)

const (
	// DefaultLevelInterval is the RMS window when none is configured.
	DefaultLevelInterval = 100 * time.Millisecond

	// initTimeout bounds the wait for program tables after spawn. A live
	// source that cannot produce a PAT/PMT in this window is down.
	initTimeout = 15 * time.Second

	stopGrace = 3 * time.Second
	exitWait  = 5 * time.Second
)

// connectRetryDelays paces the retries after a failed initial connect. The
// first attempt is immediate; exhaustion is a startup failure.
var connectRetryDelays = [...]time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

var errStopped = errors.New("stopped during connect")

// VideoFrame is one H.264 access unit in Annex-B byte form.
type VideoFrame struct {
	Payload  []byte
	PTS      int64 // ns
	DTS      int64 // ns
	Duration int64 // ns, derived from the next frame's PTS
	Keyframe bool
}

// AudioFrame is one AAC access unit wrapped in an ADTS header.
type AudioFrame struct {
	Payload  []byte
	PTS      int64 // ns
	Duration int64 // ns
}

// LevelSample is one RMS measurement from the PCM tap.
type LevelSample struct {
	RMSdB         float64
	RunningTimeNs int64
}

// Callbacks receive demuxed frames and level samples on the pipeline's
// producer goroutines. Receivers hand off to their own queues; they must not
// block. OnEOS fires at most once per pipeline.
type Callbacks struct {
	OnVideo func(VideoFrame)
	OnAudio func(AudioFrame)
	OnLevel func(LevelSample)
	OnEOS   func()
	OnError func(error)
}

// Config selects the source and the meter window.
type Config struct {
	InputURL      string
	FFmpegBin     string // resolved via ffmpeg.Resolve when empty
	LevelInterval time.Duration
}

// Pipeline is a single ingest attach: one ffmpeg child, one demux goroutine,
// one meter goroutine.
type Pipeline struct {
	streamID string
	cfg      Config
	cb       Callbacks
	logger   zerolog.Logger

	mu     sync.Mutex
	state  State
	bin    string
	proc   *ffmpeg.Process
	levelR *os.File

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	eosOnce  sync.Once
}

// New builds an idle pipeline in state NULL.
func New(streamID string, cfg Config, cb Callbacks) *Pipeline {
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = DefaultLevelInterval
	}
	return &Pipeline{
		streamID: streamID,
		cfg:      cfg,
		cb:       cb,
		logger:   log.WithStream("ingest", streamID),
		state:    StateNull,
		stopCh:   make(chan struct{}),
	}
}

// Build validates the source URL and resolves the ffmpeg binary. Failures
// are fatal; there is nothing to retry before a child ever spawns.
func (p *Pipeline) Build() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateNull {
		return model.Ef(model.ClassStartupFailure, "ingest", "build in state %s", p.state)
	}
	if err := model.ValidateMediaURL("input url", p.cfg.InputURL); err != nil {
		return model.E(model.ClassIngestFatal, "ingest", err)
	}
	bin := ffmpeg.Resolve(p.cfg.FFmpegBin)
	if _, err := exec.LookPath(bin); err != nil {
		return model.Ef(model.ClassIngestFatal, "ingest", "ffmpeg binary %q: %v", bin, err)
	}

	p.bin = bin
	p.state = StateReady
	p.logger.Debug().
		Str(log.FieldOldState, string(StateNull)).
		Str(log.FieldNewState, string(StateReady)).
		Msg("ingest built")
	return nil
}

// Start spawns the child and blocks until the demuxer has bound tracks. The
// initial connect is retried on transient failure; a fatal error (bad track
// layout) returns immediately and exhaustion is a startup failure.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateReady {
		st := p.state
		p.mu.Unlock()
		return model.Ef(model.ClassStartupFailure, "ingest", "start in state %s", st)
	}
	p.mu.Unlock()

	var lastErr error
retry:
	for attempt := 0; ; attempt++ {
		err := p.startOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if model.ClassOf(err).Fatal() || attempt >= len(connectRetryDelays) {
			break
		}

		delay := connectRetryDelays[attempt]
		p.logger.Warn().Err(err).
			Int(log.FieldAttempt, attempt+1).
			Dur("retry_in", delay).
			Msg("ingest connect failed")
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		case <-p.stopCh:
			lastErr = errStopped
			break retry
		case <-time.After(delay):
		}
	}

	p.mu.Lock()
	p.state = StateError
	p.mu.Unlock()
	metrics.SetPipelineState(p.streamID, "input", metrics.PipelineError)

	if model.ClassOf(lastErr).Fatal() {
		return lastErr
	}
	return model.Ef(model.ClassStartupFailure, "ingest",
		"connect failed after %d attempts: %v", len(connectRetryDelays)+1, lastErr)
}

// startOnce runs one connect attempt end to end: pipe, spawn, demux init.
func (p *Pipeline) startOnce(ctx context.Context) error {
	args, err := ffmpeg.IngestArgs(p.cfg.InputURL)
	if err != nil {
		return model.E(model.ClassIngestFatal, "ingest", err)
	}

	tapR, tapW, err := os.Pipe()
	if err != nil {
		return model.Ef(model.ClassStartupFailure, "ingest", "level tap pipe: %v", err)
	}

	proc, err := ffmpeg.Spec{
		Bin:        p.bin,
		Args:       args,
		Component:  "ingest",
		PipeStdout: true,
		ExtraFiles: []*os.File{tapW},
	}.Start(ctx)
	if err != nil {
		_ = tapR.Close()
		_ = tapW.Close()
		return model.E(model.ClassIngestTransient, "ingest", err)
	}
	// The child holds its own descriptor for fd 3; the parent copy must go
	// so the meter sees EOF when the child exits.
	_ = tapW.Close()

	d := newDemuxer(p)
	ready := make(chan error, 1)
	gate := make(chan bool, 1)
	p.wg.Add(1)
	go d.run(proc, ready, gate)

	select {
	case err := <-ready:
		if err != nil {
			p.reap(proc, tapR, gate)
			return err
		}
	case <-time.After(initTimeout):
		p.reap(proc, tapR, gate)
		return model.Ef(model.ClassIngestTransient, "ingest", "no program tables within %s", initTimeout)
	case <-ctx.Done():
		p.reap(proc, tapR, gate)
		return ctx.Err()
	case <-p.stopCh:
		p.reap(proc, tapR, gate)
		return errStopped
	}

	p.mu.Lock()
	p.proc = proc
	p.levelR = tapR
	p.state = StatePlaying
	p.mu.Unlock()
	gate <- true

	p.wg.Add(1)
	go p.runMeter(tapR)

	metrics.SetPipelineState(p.streamID, "input", metrics.PipelineRunning)
	p.logger.Info().
		Str(log.FieldOldState, string(StateReady)).
		Str(log.FieldNewState, string(StatePlaying)).
		Msg("ingest playing")
	return nil
}

// reap tears down a failed connect attempt. The demux goroutine drains on
// child EOF; the ready send and the gate verdict are buffered so neither
// side can block the other.
func (p *Pipeline) reap(proc *ffmpeg.Process, tapR *os.File, gate chan<- bool) {
	gate <- false
	_ = proc.Stop(stopGrace)
	_ = tapR.Close()
}

// Stop terminates the child and joins both goroutines. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	proc := p.proc
	tapR := p.levelR
	prev := p.state
	p.proc = nil
	p.levelR = nil
	p.state = StateNull
	p.mu.Unlock()

	if proc != nil {
		_ = proc.Stop(stopGrace)
	}
	if tapR != nil {
		_ = tapR.Close()
	}
	p.wg.Wait()

	if prev != StateNull {
		metrics.SetPipelineState(p.streamID, "input", metrics.PipelineStopped)
		p.logger.Info().
			Str(log.FieldOldState, string(prev)).
			Str(log.FieldNewState, string(StateNull)).
			Msg("ingest stopped")
	}
}

// Cleanup releases everything Stop releases; the pipeline holds no state
// beyond the child and its pipes.
func (p *Pipeline) Cleanup() { p.Stop() }

// State reports the lifecycle phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// HasLevelSource reports whether the pipeline delivers level samples. The
// PCM tap is part of the pull command, so every pipeline has one.
func (p *Pipeline) HasLevelSource() bool { return true }

func (p *Pipeline) playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StatePlaying
}

func (p *Pipeline) emitVideo(f VideoFrame) {
	if p.cb.OnVideo != nil {
		p.cb.OnVideo(f)
	}
}

func (p *Pipeline) emitAudio(f AudioFrame) {
	if p.cb.OnAudio != nil {
		p.cb.OnAudio(f)
	}
}

func (p *Pipeline) emitLevel(s LevelSample) {
	if p.cb.OnLevel != nil {
		p.cb.OnLevel(s)
	}
}

func (p *Pipeline) emitEOS() {
	p.eosOnce.Do(func() {
		p.logger.Info().Msg("end of stream")
		if p.cb.OnEOS != nil {
			p.cb.OnEOS()
		}
	})
}

func (p *Pipeline) emitError(err error) {
	metrics.IncError(p.streamID, string(model.ClassOf(err)))
	p.logger.Warn().Err(err).Msg("ingest error")
	if p.cb.OnError != nil {
		p.cb.OnError(err)
	}
}
