// SPDX-License-Identifier: MIT

// Package output muxes paired segments back into MPEG-TS and publishes the
// stream through a supervised ffmpeg child at real time. One Pipeline serves
// one publication; the worker builds a fresh pipeline per start.
package output

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

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
	publisherGrace = 3 * time.Second

	// writeChunk is the pacing granularity for publisher stdin writes.
	writeChunk = 32 << 10
)

// restartDelay separates consecutive publisher spawns.
var restartDelay = 500 * time.Millisecond

// Config carries the publication half of the worker configuration.
type Config struct {
	OutputURL string
	FFmpegBin string // resolved via ffmpeg.Resolve when empty

	// WorkDir is scratch space for time-stretch jobs.
	WorkDir string

	// SampleRate and Channels describe the published AAC track.
	SampleRate int
	Channels   int

	QueueCap             int
	MaxPublisherRestarts int
	AtempoTolerance      time.Duration
}

// Callbacks report pipeline failure. OnError is invoked from the publisher
// goroutine; receivers hand off and must not block.
type Callbacks struct {
	OnError func(error)
}

// Option adjusts a Pipeline.
type Option func(*Pipeline)

// WithShapeFunc replaces the time-stretch implementation, for tests.
func WithShapeFunc(fn ShapeFunc) Option {
	return func(p *Pipeline) { p.shape = fn }
}

type pendingVideo struct {
	seg     model.VideoSegment
	payload []byte
	ptsNs   int64
}

type muxedSegment struct {
	data  []byte
	dur   time.Duration
	batch int64
}

// Pipeline is a single publication: one TS muxer, one bounded segment queue,
// one supervised publisher child fed at real time.
type Pipeline struct {
	streamID string
	cfg      Config
	cb       Callbacks
	logger   zerolog.Logger
	shape    ShapeFunc

	mu      sync.Mutex
	state   State
	bin     string
	pending *pendingVideo
	cancel  context.CancelFunc

	// muxMu serializes muxing plus enqueueing against the restart path,
	// so a fresh muxer never trails stale packets in the queue.
	muxMu sync.Mutex
	muxer *tsMuxer
	segQ  chan muxedSegment

	// outstanding counts segments enqueued but not yet written out (or
	// dropped); draining disables pacing so Drain empties the queue at
	// write speed.
	outstanding atomic.Int64
	draining    atomic.Bool

	ctx      context.Context
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds an idle pipeline in state NULL.
func New(streamID string, cfg Config, cb Callbacks, opts ...Option) *Pipeline {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 16
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.AtempoTolerance <= 0 {
		cfg.AtempoTolerance = 100 * time.Millisecond
	}
	p := &Pipeline{
		streamID: streamID,
		cfg:      cfg,
		cb:       cb,
		logger:   log.WithStream("output", streamID),
		shape:    atempoShaper(cfg.FFmpegBin, cfg.WorkDir, cfg.SampleRate, cfg.Channels),
		state:    StateNull,
		segQ:     make(chan muxedSegment, cfg.QueueCap),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build validates the target URL, resolves the ffmpeg binary and constructs
// the muxer. Failures are fatal; there is nothing to retry before a child
// ever spawns.
func (p *Pipeline) Build() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateNull {
		return model.Ef(model.ClassStartupFailure, "output", "build in state %s", p.state)
	}
	if err := model.ValidateMediaURL("output url", p.cfg.OutputURL); err != nil {
		return model.E(model.ClassStartupFailure, "output", err)
	}
	bin := ffmpeg.Resolve(p.cfg.FFmpegBin)
	if _, err := exec.LookPath(bin); err != nil {
		return model.Ef(model.ClassStartupFailure, "output", "ffmpeg binary %q: %v", bin, err)
	}
	m, err := newTSMuxer(p.cfg.SampleRate, p.cfg.Channels)
	if err != nil {
		return model.E(model.ClassStartupFailure, "output", err)
	}

	p.bin = bin
	p.muxer = m
	p.state = StateReady
	p.logger.Debug().
		Str(log.FieldOldState, string(StateNull)).
		Str(log.FieldNewState, string(StateReady)).
		Msg("output built")
	return nil
}

// Start spawns the publisher and the pacing goroutine. The child waits on
// stdin, so a successful spawn is enough to report PLAYING; connection
// failures against the target surface later as crashes through the restart
// budget.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateReady {
		return model.Ef(model.ClassStartupFailure, "output", "start in state %s", p.state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	proc, err := p.spawn(runCtx)
	if err != nil {
		cancel()
		p.state = StateError
		metrics.SetPipelineState(p.streamID, "output", metrics.PipelineError)
		return model.E(model.ClassStartupFailure, "output", err)
	}

	p.ctx = runCtx
	p.cancel = cancel
	p.state = StatePlaying
	p.wg.Add(1)
	go p.run(proc)

	metrics.SetPipelineState(p.streamID, "output", metrics.PipelineRunning)
	p.logger.Info().
		Str(log.FieldOldState, string(StateReady)).
		Str(log.FieldNewState, string(StatePlaying)).
		Str(log.FieldURL, p.cfg.OutputURL).
		Msg("output playing")
	return nil
}

func (p *Pipeline) spawn(ctx context.Context) (*ffmpeg.Process, error) {
	args, err := ffmpeg.PublishArgs(p.cfg.OutputURL)
	if err != nil {
		return nil, err
	}
	return ffmpeg.Spec{
		Bin:       p.bin,
		Args:      args,
		Component: "publisher",
		PipeStdin: true,
	}.Start(ctx)
}

// PushVideo stores the video half of the next pair. A second push before the
// matching audio replaces the stored half with a warning.
func (p *Pipeline) PushVideo(seg model.VideoSegment, payload []byte, outPTSNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePlaying {
		p.logger.Debug().
			Int64(log.FieldBatch, seg.BatchNumber).
			Str(log.FieldNewState, string(p.state)).
			Msg("video push ignored")
		return
	}
	if p.pending != nil {
		p.logger.Warn().
			Int64(log.FieldBatch, p.pending.seg.BatchNumber).
			Msg("video segment replaced before its audio arrived")
		metrics.IncOutputSegmentsDropped(p.streamID, "unpaired_video")
	}
	p.pending = &pendingVideo{seg: seg, payload: payload, ptsNs: outPTSNs}
}

// PushAudio pairs this audio with the stored video half, muxes the pair and
// queues it for publication. An empty payload publishes the video over a
// silent gap. Dropped pairs are counted and logged, not returned; only mux
// failures come back as errors.
func (p *Pipeline) PushAudio(seg model.AudioSegment, payload []byte, outPTSNs int64) error {
	p.mu.Lock()
	if p.state != StatePlaying {
		p.mu.Unlock()
		p.logger.Debug().
			Int64(log.FieldBatch, seg.BatchNumber).
			Msg("audio push ignored")
		return nil
	}
	pv := p.pending
	p.pending = nil
	p.mu.Unlock()

	if pv == nil {
		p.logger.Warn().
			Int64(log.FieldBatch, seg.BatchNumber).
			Msg("audio without a stored video half")
		metrics.IncOutputSegmentsDropped(p.streamID, "unpaired_audio")
		return nil
	}
	if pv.seg.BatchNumber != seg.BatchNumber {
		p.logger.Warn().
			Int64(log.FieldBatch, seg.BatchNumber).
			Int64("video_batch", pv.seg.BatchNumber).
			Msg("pair batch numbers diverge")
	}

	payload, ok := p.fitAudio(pv.seg, seg, payload)
	if !ok {
		return nil
	}

	pair := model.Pair{
		Video:        pv.seg,
		VideoPayload: pv.payload,
		Audio:        seg,
		AudioPayload: payload,
		VideoPTS:     pv.ptsNs,
		AudioPTS:     outPTSNs,
	}

	p.muxMu.Lock()
	defer p.muxMu.Unlock()

	data, err := p.muxer.muxPair(pair)
	if err != nil {
		metrics.IncError(p.streamID, string(model.ClassMuxFailure))
		metrics.IncOutputSegmentsDropped(p.streamID, "mux_failure")
		return model.E(model.ClassMuxFailure, "output", err).WithFragment(seg.FragmentID)
	}

	p.outstanding.Add(1)
	select {
	case p.segQ <- muxedSegment{data: data, dur: pv.seg.Duration, batch: seg.BatchNumber}:
	default:
		p.outstanding.Add(-1)
		metrics.IncOutputSegmentsDropped(p.streamID, "queue_full")
		p.logger.Warn().
			Int64(log.FieldBatch, seg.BatchNumber).
			Int(log.FieldSizeBytes, len(data)).
			Msg("publish queue full, segment dropped")
	}
	return nil
}

// run owns the publisher child: it feeds queued segments at real time,
// restarts crashed children within the budget and parks the pipeline in
// ERROR when the budget is spent.
func (p *Pipeline) run(proc *ffmpeg.Process) {
	defer p.wg.Done()

	restarts := 0
	limiter := rate.NewLimiter(rate.Inf, writeChunk)

	for {
		select {
		case <-p.stopCh:
			p.release(proc)
			return
		case <-proc.Done():
			reason := fmt.Sprintf("publisher exited with code %d: %s",
				proc.ExitCode(), strings.Join(proc.LastLogLines(3), " | "))
			next, ok := p.recover(proc, &restarts, reason)
			if !ok {
				return
			}
			proc = next
		case seg := <-p.segQ:
			err := p.writeSegment(proc, limiter, seg)
			p.outstanding.Add(-1)
			if err != nil {
				select {
				case <-p.stopCh:
					p.release(proc)
					return
				default:
				}
				next, ok := p.recover(proc, &restarts, err.Error())
				if !ok {
					return
				}
				proc = next
			} else {
				restarts = 0
			}
		}
	}
}

// writeSegment feeds one muxed segment to the publisher, paced to the
// segment's own real-time byte rate so a backlog cannot flood stdin.
func (p *Pipeline) writeSegment(proc *ffmpeg.Process, limiter *rate.Limiter, seg muxedSegment) error {
	if seg.dur > 0 {
		limiter.SetLimit(rate.Limit(float64(len(seg.data)) / seg.dur.Seconds()))
	} else {
		limiter.SetLimit(rate.Inf)
	}
	limiter.SetBurst(writeChunk)

	for off := 0; off < len(seg.data); off += writeChunk {
		end := off + writeChunk
		if end > len(seg.data) {
			end = len(seg.data)
		}
		if !p.draining.Load() {
			if err := limiter.WaitN(p.ctx, end-off); err != nil {
				return fmt.Errorf("pacing interrupted: %w", err)
			}
		}
		if _, err := proc.Stdin.Write(seg.data[off:end]); err != nil {
			return fmt.Errorf("publisher stdin: %w", err)
		}
	}

	p.logger.Debug().
		Int64(log.FieldBatch, seg.batch).
		Int(log.FieldSizeBytes, len(seg.data)).
		Dur(log.FieldDurationMs, seg.dur).
		Msg("segment published")
	return nil
}

// recover handles one publisher death: reap the child, drop the stale queue,
// rebuild the muxer and spawn a successor. Returns false once the restart
// budget is exhausted or the pipeline is stopping.
func (p *Pipeline) recover(old *ffmpeg.Process, restarts *int, reason string) (*ffmpeg.Process, bool) {
	p.release(old)

	for {
		*restarts++
		if *restarts > p.cfg.MaxPublisherRestarts {
			p.fail(model.Ef(model.ClassPipelineMalfunction, "output",
				"publisher failed %d consecutive times: %s", *restarts, reason))
			return nil, false
		}
		metrics.IncPublisherRestart(p.streamID)

		dropped, err := p.resetStream()
		if err != nil {
			p.fail(model.E(model.ClassPipelineMalfunction, "output", err))
			return nil, false
		}
		p.logger.Warn().
			Int(log.FieldAttempt, *restarts).
			Int("dropped_segments", dropped).
			Str("reason", reason).
			Msg("restarting publisher")

		select {
		case <-p.stopCh:
			return nil, false
		case <-time.After(restartDelay):
		}

		proc, err := p.spawn(p.ctx)
		if err != nil {
			reason = err.Error()
			continue
		}
		return proc, true
	}
}

// resetStream discards queued segments, whose timestamps are stale by the
// time a successor child connects, and rebuilds the muxer so the successor
// starts from fresh program tables and continuity counters.
func (p *Pipeline) resetStream() (int, error) {
	p.muxMu.Lock()
	defer p.muxMu.Unlock()

	dropped := 0
drain:
	for {
		select {
		case <-p.segQ:
			dropped++
			p.outstanding.Add(-1)
			metrics.IncOutputSegmentsDropped(p.streamID, "restart")
		default:
			break drain
		}
	}

	m, err := newTSMuxer(p.cfg.SampleRate, p.cfg.Channels)
	if err != nil {
		return dropped, err
	}
	p.muxer = m
	return dropped, nil
}

// release closes stdin so the child flushes on EOF, then bounds termination.
func (p *Pipeline) release(proc *ffmpeg.Process) {
	if proc == nil {
		return
	}
	if proc.Stdin != nil {
		_ = proc.Stdin.Close()
	}
	_ = proc.Stop(publisherGrace)
}

// fail parks the pipeline in ERROR and reports upward.
func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	prev := p.state
	p.state = StateError
	p.mu.Unlock()

	metrics.SetPipelineState(p.streamID, "output", metrics.PipelineError)
	metrics.IncError(p.streamID, string(model.ClassOf(err)))
	p.logger.Error().Err(err).
		Str(log.FieldOldState, string(prev)).
		Str(log.FieldNewState, string(StateError)).
		Msg("output pipeline failed")
	if p.cb.OnError != nil {
		p.cb.OnError(err)
	}
}

// Drain waits until every queued segment has been written to the publisher,
// bounded by timeout, and reports whether the queue emptied. Pacing is
// switched off for the remainder of the pipeline's life, so the tail goes
// out at write speed. Callers ending a stream call Drain before Stop; Stop
// alone discards the queue.
func (p *Pipeline) Drain(timeout time.Duration) bool {
	p.draining.Store(true)

	deadline := time.Now().Add(timeout)
	for p.outstanding.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-p.stopCh:
			return p.outstanding.Load() == 0
		case <-time.After(5 * time.Millisecond):
		}
	}
	return true
}

// Stop terminates the publisher and joins the pacing goroutine, discarding
// whatever is still queued. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	cancel := p.cancel
	prev := p.state
	p.cancel = nil
	p.pending = nil
	p.state = StateNull
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	dropped := 0
drain:
	for {
		select {
		case <-p.segQ:
			dropped++
			p.outstanding.Add(-1)
		default:
			break drain
		}
	}
	if dropped > 0 {
		p.logger.Debug().Int("count", dropped).Msg("queued segments discarded at stop")
	}

	if prev != StateNull {
		metrics.SetPipelineState(p.streamID, "output", metrics.PipelineStopped)
		p.logger.Info().
			Str(log.FieldOldState, string(prev)).
			Str(log.FieldNewState, string(StateNull)).
			Msg("output stopped")
	}
}

// Cleanup releases everything Stop releases. Kept as a separate entry point
// so teardown paths read the same as the other pipelines.
func (p *Pipeline) Cleanup() { p.Stop() }

// State reports the current lifecycle phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// QueueDepth reports how many muxed segments wait for publication.
func (p *Pipeline) QueueDepth() int { return len(p.segQ) }
