// SPDX-License-Identifier: MIT

// Package worker assembles one dubbing pipeline per process: ingest demux,
// segmentation, the STS session, A/V re-pairing and publication, supervised
// by a single cooperative run loop. Producers (demux goroutines, the STS
// read pump, timeout timers) hand their work to the loop through bounded
// queues; the loop owns every mutating decision, so segment state never
// needs a lock.
package worker

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/avsync"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/config"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/ffmpeg"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/ingest"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/journal"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/ledger"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/output"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/resilience"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/segment"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/statestore"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/sts"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/tracker"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/vad"
)

// State is the worker lifecycle phase.
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateError    State = "ERROR"
)

const (
	// maxIngestRestarts bounds consecutive ingest rebuilds; the counter
	// resets once frames flow again.
	maxIngestRestarts = 3

	// extractTimeout bounds unpacking a dubbed M4A back into ADTS.
	extractTimeout = 30 * time.Second

	// outputDrainTimeout bounds waiting for the publish queue to empty at
	// stop. Drained segments go out unpaced, so this covers write time,
	// not stream time.
	outputDrainTimeout = 30 * time.Second

	// eventQueueCap sizes the control event queue. Events are small and
	// the loop drains them every tick; the cap only matters when the loop
	// is wedged, in which case dropping is the lesser evil.
	eventQueueCap = 64
)

// ingestPipe is the slice of the ingest pipeline the runner drives. The
// concrete implementation is single-use; restarts build a fresh one.
type ingestPipe interface {
	Build() error
	Start(ctx context.Context) error
	Stop()
	State() ingest.State
}

// outputPipe is the slice of the output pipeline the runner drives.
type outputPipe interface {
	Build() error
	Start(ctx context.Context) error
	Drain(timeout time.Duration) bool
	Stop()
	PushVideo(seg model.VideoSegment, payload []byte, outPTSNs int64)
	PushAudio(seg model.AudioSegment, payload []byte, outPTSNs int64) error
	State() output.State
}

// Runner is one worker: a single stream dubbed end to end. It is single-use;
// a stopped runner cannot be started again.
type Runner struct {
	cfg      config.Config
	streamID string
	logger   zerolog.Logger
	bin      string

	sts     *sts.Client
	breaker *resilience.Breaker
	bp      *resilience.Backpressure
	pairs   *avsync.Manager
	tracker *tracker.Tracker

	writer   *segment.Writer
	videoBuf *segment.VideoBuffer
	audioBuf *segment.AudioBuffer // fixed-duration mode
	vadSeg   *vad.Segmenter      // silence-driven mode

	journal  *journal.Journal
	ledger   *ledger.Ledger
	reporter *statestore.Reporter

	// Factories and muxer hooks, replaceable in tests.
	newIngestPipe func(cb ingest.Callbacks) ingestPipe
	newOutputPipe func(cb output.Callbacks) outputPipe
	writerOpts    []segment.WriterOption
	extract       segment.MuxFunc

	// Producer-to-loop queues.
	videoQ     chan ingest.VideoFrame
	audioQ     chan ingest.AudioFrame
	levelQ     chan ingest.LevelSample
	processedQ chan sts.Processed
	events     chan event
	sendQ      chan sendJob

	// Loop-local state. Touched only from the run loop goroutine, except
	// during flushAll after the loop has been joined.
	pending        []sendJob
	queuedSends    int
	maxInflight    int
	draining       bool
	ingestGen      int
	ingestRestarts int

	// orphans holds jobs the sender could not hand back to a dying loop;
	// the stop flush falls them back.
	orphanMu sync.Mutex
	orphans  []sendJob

	mu         sync.Mutex
	state      State
	failure    error
	startedAt  time.Time
	ingest     ingestPipe
	out        outputPipe
	loopCancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	cleanup  sync.Once
	done     chan struct{}

	videoSegs atomic.Int64
	audioSegs atomic.Int64
	pairsOut  atomic.Int64
	dubbedOut atomic.Int64
	fallbacks atomic.Int64
}

// New validates cfg and assembles an idle runner. Nothing touches the disk,
// the network or ffmpeg until Start.
func New(cfg config.Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, model.E(model.ClassStartupFailure, "worker", err)
	}

	r := &Runner{
		cfg:        cfg,
		streamID:   cfg.StreamID,
		logger:     log.WithStream("worker", cfg.StreamID),
		bin:        ffmpeg.Resolve(cfg.FFmpegPath),
		state:      StateIdle,
		videoQ:     make(chan ingest.VideoFrame, cfg.Runner.QueueCap),
		audioQ:     make(chan ingest.AudioFrame, cfg.Runner.QueueCap),
		levelQ:     make(chan ingest.LevelSample, cfg.Runner.QueueCap),
		processedQ: make(chan sts.Processed, cfg.Runner.QueueCap),
		events:     make(chan event, eventQueueCap),
		sendQ:      make(chan sendJob, cfg.Runner.QueueCap),
		done:       make(chan struct{}),
	}

	r.breaker = resilience.NewBreaker(cfg.StreamID, cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
	r.bp = resilience.NewBackpressure(cfg.StreamID, cfg.Backpressure.PauseTimeout, cfg.Backpressure.SlowdownDelay)
	r.pairs = avsync.New(cfg.StreamID, avsync.Config{
		BaseOffset:     cfg.Sync.BaseOffset,
		DriftThreshold: cfg.Sync.DriftThreshold,
		SlewRate:       cfg.Sync.SlewRate,
		BufferCap:      cfg.Sync.BufferCap,
	})
	r.tracker = tracker.New(cfg.StreamID, cfg.STS.MaxInflight, cfg.STS.FragmentTimeout, r.onFragmentTimeout)
	r.maxInflight = cfg.STS.MaxInflight

	r.sts = sts.NewClient(sts.ClientConfig{
		URL:              cfg.STSURL,
		Stream:           cfg.Stream(),
		InitTimeout:      cfg.STS.InitTimeout,
		MaxFragmentBytes: cfg.STS.MaxFragmentBytes,
		SampleRateHz:     cfg.STS.SampleRateHz,
		Channels:         cfg.STS.Channels,
		Format:           cfg.STS.Format,
		ChunkDurationMs:  cfg.SegmentDuration.Milliseconds(),
		Conn: sts.ConnConfig{
			MaxAttempts: cfg.STS.ReconnectAttempts,
			BackoffBase: cfg.STS.ReconnectInitialDelay,
			BackoffMax:  cfg.STS.ReconnectMaxDelay,
		},
	})

	// In silence-driven mode the video buffer target is only a ceiling;
	// the segmenter's cuts close the window first and Cut aligns video to
	// them. Fixed mode shares one target on both tracks.
	videoTarget := cfg.SegmentDuration
	if cfg.VAD.Enabled {
		videoTarget = cfg.VAD.MaxSegmentDuration
	}
	var err error
	r.videoBuf, err = segment.NewVideoBuffer(cfg.StreamID, videoTarget)
	if err != nil {
		return nil, model.E(model.ClassStartupFailure, "worker", err)
	}
	if cfg.VAD.Enabled {
		r.vadSeg, err = vad.NewSegmenter(vad.Config{
			SilenceThresholdDB: cfg.VAD.SilenceThresholdDB,
			SilenceDuration:    cfg.VAD.SilenceDuration,
			MinSegmentDuration: cfg.VAD.MinSegmentDuration,
			MaxSegmentDuration: cfg.VAD.MaxSegmentDuration,
			LevelInterval:      cfg.VAD.LevelInterval,
			MemoryLimitBytes:   cfg.VAD.MemoryLimitBytes,
		}, cfg.StreamID, true)
		if err != nil {
			return nil, err
		}
	} else {
		r.audioBuf, err = segment.NewAudioBuffer(cfg.StreamID, cfg.SegmentDuration)
		if err != nil {
			return nil, model.E(model.ClassStartupFailure, "worker", err)
		}
	}

	r.newIngestPipe = func(cb ingest.Callbacks) ingestPipe {
		return ingest.New(cfg.StreamID, ingest.Config{
			InputURL:      cfg.InputURL,
			FFmpegBin:     cfg.FFmpegPath,
			LevelInterval: cfg.VAD.LevelInterval,
		}, cb)
	}
	r.newOutputPipe = func(cb output.Callbacks) outputPipe {
		return output.New(cfg.StreamID, output.Config{
			OutputURL:            cfg.OutputURL,
			FFmpegBin:            cfg.FFmpegPath,
			WorkDir:              filepath.Join(cfg.DataDir, cfg.StreamID),
			SampleRate:           cfg.STS.SampleRateHz,
			Channels:             cfg.STS.Channels,
			QueueCap:             cfg.Output.QueueCap,
			MaxPublisherRestarts: cfg.Output.MaxPublisherRestarts,
			AtempoTolerance:      cfg.Output.AtempoTolerance,
		}, cb)
	}
	r.extract = func(ctx context.Context, src, dst string) error {
		return ffmpeg.OneShot(ctx, r.bin, ffmpeg.ExtractADTSArgs(src, dst), extractTimeout)
	}
	return r, nil
}

// Start brings the worker up: stores, STS session, ingest, output, then the
// run loop. Any failure unwinds what came up and parks the runner in ERROR.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		st := r.state
		r.mu.Unlock()
		return model.Ef(model.ClassStartupFailure, "worker", "start in state %s", st)
	}
	r.state = StateStarting
	r.mu.Unlock()

	r.logger.Info().
		Str(log.FieldEvent, "worker.starting").
		Str(log.FieldURL, r.cfg.InputURL).
		Msg("worker starting")

	if err := r.openStores(); err != nil {
		return r.failStart(err)
	}

	r.sts.SetCallbacks(r.stsCallbacks())
	if err := r.sts.Connect(ctx); err != nil {
		return r.failStart(err)
	}
	if err := r.sts.InitStream(ctx, r.cfg.STS.InitTimeout); err != nil {
		r.teardownSTS()
		return r.failStart(err)
	}
	if adv := r.sts.MaxInflight(); adv > 0 && adv < r.maxInflight {
		r.maxInflight = adv
	}

	r.ingestGen = 1
	ing := r.newIngestPipe(r.ingestCallbacks(r.ingestGen))
	if err := ing.Build(); err != nil {
		r.teardownSTS()
		return r.failStart(err)
	}
	if err := ing.Start(ctx); err != nil {
		ing.Stop()
		r.teardownSTS()
		return r.failStart(err)
	}

	op := r.newOutputPipe(output.Callbacks{OnError: r.onOutputError})
	if err := op.Build(); err != nil {
		ing.Stop()
		r.teardownSTS()
		return r.failStart(err)
	}
	if err := op.Start(ctx); err != nil {
		op.Stop()
		ing.Stop()
		r.teardownSTS()
		return r.failStart(err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.ingest = ing
	r.out = op
	r.loopCancel = cancel
	r.startedAt = time.Now()
	r.state = StateRunning
	r.mu.Unlock()

	r.wg.Add(2)
	go r.run(loopCtx)
	go r.sender(loopCtx)

	r.reporter.Start(func() any { return r.Status() })

	metrics.SetPipelineState(r.streamID, "worker", metrics.PipelineRunning)
	r.logger.Info().
		Str(log.FieldEvent, "worker.running").
		Int("max_inflight", r.maxInflight).
		Msg("worker running")
	return nil
}

// openStores brings up local persistence. The writer is mandatory; journal,
// ledger and status reporting are best-effort observers and their absence
// only costs visibility.
func (r *Runner) openStores() error {
	w, err := segment.NewWriter(filepath.Join(r.cfg.DataDir, r.streamID), r.streamID, r.cfg.FFmpegPath, r.writerOpts...)
	if err != nil {
		return err
	}
	r.writer = w

	if dir := r.cfg.JournalDir; dir != "" {
		j, err := journal.Open(dir)
		if err != nil {
			r.logger.Warn().Err(err).Str(log.FieldPath, dir).Msg("journal unavailable, continuing without")
		} else {
			r.mu.Lock()
			r.journal = j
			r.mu.Unlock()
		}
	}
	if path := r.cfg.LedgerPath; path != "" {
		l, err := ledger.Open(path)
		if err != nil {
			r.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("ledger unavailable, continuing without")
		} else {
			r.ledger = l
		}
	}
	if addr := r.cfg.RedisAddr; addr != "" {
		rep, err := statestore.New(statestore.Config{
			Addr:     addr,
			Interval: r.cfg.StatusInterval,
			TTL:      r.cfg.StatusTTL,
		}, r.streamID)
		if err != nil {
			r.logger.Warn().Err(err).Msg("status reporting unavailable, continuing without")
		} else {
			r.reporter = rep
		}
	}
	return nil
}

func (r *Runner) failStart(err error) error {
	if model.ClassOf(err) == model.ClassUnknown {
		err = model.E(model.ClassStartupFailure, "worker", err)
	}
	metrics.IncError(r.streamID, string(model.ClassOf(err)))
	metrics.SetPipelineState(r.streamID, "worker", metrics.PipelineError)

	r.mu.Lock()
	r.failure = err
	r.state = StateError
	r.mu.Unlock()

	r.logger.Error().Err(err).
		Str(log.FieldEvent, "worker.start_failed").
		Msg("worker start failed")
	return err
}

func (r *Runner) teardownSTS() {
	r.sts.ClearCallbacks()
	_ = r.sts.Disconnect()
}

// Stop drains and tears the worker down: join the loop, stop ingest, flush
// every buffer with fallback, stop output, close the session. Idempotent.
// Journal, ledger and reporter stay open for status reads until Cleanup.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		defer close(r.done)
		r.mu.Lock()
		prev := r.state
		if prev == StateIdle {
			r.state = StateStopped
			r.mu.Unlock()
			return
		}
		r.state = StateStopping
		cancel := r.loopCancel
		ing := r.ingest
		op := r.out
		r.mu.Unlock()

		r.logger.Info().
			Str(log.FieldOldState, string(prev)).
			Str(log.FieldNewState, string(StateStopping)).
			Msg("worker stopping")

		if cancel != nil {
			cancel()
		}
		r.wg.Wait()

		if ing != nil {
			ing.Stop()
		}
		r.flushAll()
		if op != nil {
			if !op.Drain(outputDrainTimeout) {
				r.logger.Warn().Msg("publish queue not empty at stop, tail discarded")
			}
			op.Stop()
		}

		r.sts.ClearCallbacks()
		if r.sts.Connected() && r.sts.Ready() {
			if err := r.sts.EndStream(); err != nil {
				r.logger.Debug().Err(err).Msg("stream end not delivered")
			}
		}
		_ = r.sts.Disconnect()

		r.mu.Lock()
		final := StateStopped
		if r.failure != nil {
			final = StateError
		}
		r.state = final
		r.mu.Unlock()

		if final == StateError {
			metrics.SetPipelineState(r.streamID, "worker", metrics.PipelineError)
		} else {
			metrics.SetPipelineState(r.streamID, "worker", metrics.PipelineStopped)
		}
		r.logger.Info().
			Str(log.FieldOldState, string(StateStopping)).
			Str(log.FieldNewState, string(final)).
			Int64("pairs_published", r.pairsOut.Load()).
			Int64("fallbacks", r.fallbacks.Load()).
			Msg("worker stopped")
	})
}

// Cleanup stops the worker if needed and releases the local stores. The
// status key in redis is deleted here, not at Stop, so a crash-looping
// supervisor can still read the final state.
func (r *Runner) Cleanup() {
	r.Stop()
	r.cleanup.Do(func() {
		r.reporter.Stop()
		if r.journal != nil {
			_ = r.journal.Close()
		}
		if r.ledger != nil {
			_ = r.ledger.Close()
		}
	})
}

// ApplyTunables swaps the hot-reloadable knobs without a restart.
func (r *Runner) ApplyTunables(t config.Tunables) {
	r.pairs.SetTunables(t.DriftThreshold, t.SlewRate)
	r.bp.SetDefaultDelay(t.SlowdownDelay)
	r.logger.Info().
		Str(log.FieldEvent, "worker.tunables_applied").
		Dur("drift_threshold", t.DriftThreshold).
		Dur("slew_rate", t.SlewRate).
		Dur("slowdown_delay", t.SlowdownDelay).
		Msg("tunables applied")
}

// STSStatus is the session slice of a status snapshot.
type STSStatus struct {
	Connected        bool   `json:"connected"`
	Ready            bool   `json:"ready"`
	SessionID        string `json:"session_id,omitempty"`
	Inflight         int    `json:"inflight"`
	Breaker          string `json:"breaker"`
	BreakerFailures  int    `json:"breaker_failures"`
	BreakerFallbacks int64  `json:"breaker_fallbacks"`
}

// Counters are the monotonic totals since start.
type Counters struct {
	VideoSegments  int64 `json:"video_segments"`
	AudioSegments  int64 `json:"audio_segments"`
	PairsPublished int64 `json:"pairs_published"`
	Dubbed         int64 `json:"dubbed"`
	Fallbacks      int64 `json:"fallbacks"`
}

// Status is a point-in-time snapshot for the control API and the fleet
// state store.
type Status struct {
	StreamID      string                      `json:"stream_id"`
	WorkerID      string                      `json:"worker_id,omitempty"`
	State         string                      `json:"state"`
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Ingest        string                      `json:"ingest,omitempty"`
	Output        string                      `json:"output,omitempty"`
	STS           STSStatus                   `json:"sts"`
	Sync          avsync.Status               `json:"sync"`
	Backpressure  resilience.BackpressureState `json:"backpressure"`
	Counters      Counters                    `json:"counters"`
	LastError     string                      `json:"last_error,omitempty"`
}

// Ready reports whether the worker is fully serving: running, live STS
// session and both pipelines playing. A degraded worker (original audio
// only) is deliberately not ready.
func (s Status) Ready() bool {
	return s.State == string(StateRunning) &&
		s.STS.Connected && s.STS.Ready &&
		s.Ingest == string(ingest.StatePlaying) &&
		s.Output == string(output.StatePlaying)
}

// Done is closed once Stop has finished, whether stop came from the caller
// or from the worker itself (source EOS, fatal error).
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// RecentFragments returns the newest n journal records for this stream,
// newest first. Nil when the journal is not open.
func (r *Runner) RecentFragments(n int) []journal.Record {
	r.mu.Lock()
	j := r.journal
	r.mu.Unlock()
	if j == nil {
		return nil
	}
	return j.Recent(r.streamID, n)
}

// Status assembles a snapshot. Safe from any goroutine.
func (r *Runner) Status() Status {
	r.mu.Lock()
	state := r.state
	failure := r.failure
	startedAt := r.startedAt
	ing := r.ingest
	op := r.out
	r.mu.Unlock()

	st := Status{
		StreamID: r.streamID,
		WorkerID: r.cfg.WorkerID,
		State:    string(state),
		STS: STSStatus{
			Connected:        r.sts.Connected(),
			Ready:            r.sts.Ready(),
			SessionID:        r.sts.SessionID(),
			Inflight:         r.tracker.InflightCount(),
			Breaker:          string(r.breaker.State()),
			BreakerFailures:  r.breaker.Failures(),
			BreakerFallbacks: r.breaker.Fallbacks(),
		},
		Sync:         r.pairs.Snapshot(),
		Backpressure: r.bp.State(),
		Counters: Counters{
			VideoSegments:  r.videoSegs.Load(),
			AudioSegments:  r.audioSegs.Load(),
			PairsPublished: r.pairsOut.Load(),
			Dubbed:         r.dubbedOut.Load(),
			Fallbacks:      r.fallbacks.Load(),
		},
	}
	if !startedAt.IsZero() {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	if ing != nil {
		st.Ingest = string(ing.State())
	}
	if op != nil {
		st.Output = string(op.State())
	}
	if failure != nil {
		st.LastError = failure.Error()
	}
	return st
}

// State reports the current lifecycle phase.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
