// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/ingest"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/journal"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/ledger"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/resilience"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/segment"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/sts"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/telemetry"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/tracker"
)

type eventKind int

const (
	evSendResult eventKind = iota
	evTimeout
	evIngestEOS
	evIngestError
	evOutputError
	evSTSDown
)

// event is one control message for the run loop. Producers never touch
// worker state directly; they describe what happened and the loop decides.
type event struct {
	kind eventKind
	gen  int
	err  error
	rec  *tracker.Record
	res  sendResult
}

// sendJob is one persisted audio segment awaiting dispatch: the M4A body
// for the wire plus the raw ADTS original retained for fallback.
type sendJob struct {
	seg      model.AudioSegment
	payload  []byte
	original []byte
}

// sendResult reports one dispatch outcome. ok means the fragment is on the
// wire and tracked; anything else falls back under reason.
type sendResult struct {
	job    sendJob
	ok     bool
	reason string
	err    error
}

// offer enqueues a control event without blocking the producer. The loop
// drains events every tick, so a full queue means the loop is wedged and
// dropping is all that is left.
func (r *Runner) offer(ev event) {
	select {
	case r.events <- ev:
	default:
		metrics.IncQueueDrop(r.streamID, "events")
		r.logger.Error().Int("kind", int(ev.kind)).Msg("event queue full, control event dropped")
	}
}

func (r *Runner) onFragmentTimeout(rec *tracker.Record) {
	r.offer(event{kind: evTimeout, rec: rec})
}

func (r *Runner) onOutputError(err error) {
	r.offer(event{kind: evOutputError, err: err})
}

// ingestCallbacks wires one pipeline generation into the frame queues. EOS
// and errors carry the generation so events from a replaced pipeline are
// ignored; frames need no tag, trailing frames of a dead connection are
// still frames of the stream.
func (r *Runner) ingestCallbacks(gen int) ingest.Callbacks {
	return ingest.Callbacks{
		OnVideo: func(f ingest.VideoFrame) {
			select {
			case r.videoQ <- f:
			default:
				metrics.IncQueueDrop(r.streamID, "video")
			}
		},
		OnAudio: func(f ingest.AudioFrame) {
			select {
			case r.audioQ <- f:
			default:
				metrics.IncQueueDrop(r.streamID, "audio")
			}
		},
		OnLevel: func(s ingest.LevelSample) {
			select {
			case r.levelQ <- s:
			default:
				metrics.IncQueueDrop(r.streamID, "level")
			}
		},
		OnEOS: func() {
			r.offer(event{kind: evIngestEOS, gen: gen})
		},
		OnError: func(err error) {
			r.offer(event{kind: evIngestError, gen: gen, err: err})
		},
	}
}

func (r *Runner) stsCallbacks() sts.Callbacks {
	return sts.Callbacks{
		OnFragmentProcessed: func(p sts.Processed) {
			select {
			case r.processedQ <- p:
			default:
				metrics.IncQueueDrop(r.streamID, "processed")
				r.logger.Warn().
					Str(log.FieldFragmentID, p.FragmentID).
					Msg("processed queue full, reply dropped")
			}
		},
		OnBackpressure: func(sig sts.BackpressureSignal) {
			var delay int64
			if sig.RecommendedDelayMs != nil {
				delay = *sig.RecommendedDelayMs
			}
			r.bp.Signal(sig.Severity, sig.Action, delay)
		},
		OnError: func(code, message string, retryable bool) {
			class := model.ClassSTSTransient
			if !retryable {
				class = model.ClassSTSFatal
			}
			metrics.IncError(r.streamID, string(class))
		},
		OnDisconnect: func(err error) {
			r.offer(event{kind: evSTSDown, err: err})
		},
	}
}

// run is the cooperative scheduler: every tick it drains the queues in a
// fixed order and then advances sends and publication. All segment state is
// owned here.
func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Runner.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	r.drainFrames(ctx)
	r.drainProcessed(ctx)
	r.drainEvents(ctx)
	if r.draining {
		return
	}
	if err := r.checkLevelGap(); err != nil {
		r.fatal(err)
		return
	}
	r.pumpSends()
	r.publishReady()
}

func (r *Runner) drainFrames(ctx context.Context) {
video:
	for {
		select {
		case f := <-r.videoQ:
			r.feedVideo(f)
		default:
			break video
		}
	}
audio:
	for {
		select {
		case f := <-r.audioQ:
			r.feedAudio(ctx, f)
		default:
			break audio
		}
	}
level:
	for {
		select {
		case s := <-r.levelQ:
			r.feedLevel(ctx, s)
		default:
			break level
		}
	}
}

func (r *Runner) drainProcessed(ctx context.Context) {
	for {
		select {
		case p := <-r.processedQ:
			r.handleProcessed(ctx, p)
		default:
			return
		}
	}
}

func (r *Runner) drainEvents(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			r.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (r *Runner) feedVideo(f ingest.VideoFrame) {
	if r.draining {
		return
	}
	r.ingestRestarts = 0
	if em := r.videoBuf.Add(f.Payload, f.PTS, f.DTS, f.Duration, f.Keyframe); em != nil {
		r.onVideoSegment(em)
	}
}

func (r *Runner) feedAudio(ctx context.Context, f ingest.AudioFrame) {
	if r.draining {
		return
	}
	r.ingestRestarts = 0
	if r.vadSeg != nil {
		em, err := r.vadSeg.AddFrame(f.Payload, f.PTS, f.Duration)
		if err != nil {
			r.fatal(err)
			return
		}
		if em != nil {
			r.cutAlignedVideo()
			r.onAudioSegment(ctx, em.Segment, em.Payload)
		}
		return
	}
	if em := r.audioBuf.Add(f.Payload, f.PTS, f.Duration); em != nil {
		r.onAudioSegment(ctx, em.Segment, em.Payload)
	}
}

func (r *Runner) feedLevel(ctx context.Context, s ingest.LevelSample) {
	if r.draining || r.vadSeg == nil {
		return
	}
	em, err := r.vadSeg.AddLevel(s.RMSdB, s.RunningTimeNs)
	if err != nil {
		r.fatal(err)
		return
	}
	if em != nil {
		r.cutAlignedVideo()
		r.onAudioSegment(ctx, em.Segment, em.Payload)
	}
}

// cutAlignedVideo closes the open video window when the segmenter cuts, so
// both halves of a batch cover the same source span. Silence-driven mode
// only; in fixed mode both buffers share one target.
func (r *Runner) cutAlignedVideo() {
	if em := r.videoBuf.Cut(); em != nil {
		r.onVideoSegment(em)
		return
	}
	r.logger.Warn().Msg("no video buffered at audio cut")
}

func (r *Runner) checkLevelGap() error {
	if r.vadSeg == nil {
		return nil
	}
	r.mu.Lock()
	ing := r.ingest
	r.mu.Unlock()
	if ing == nil || ing.State() != ingest.StatePlaying {
		return nil
	}
	return r.vadSeg.CheckLevelGap(time.Now())
}

func (r *Runner) onVideoSegment(em *segment.VideoEmission) {
	r.videoSegs.Add(1)
	r.ledgerVideo(em.Segment)
	if pair := r.pairs.PushVideo(em.Segment, em.Payload); pair != nil {
		r.publishPair(*pair)
	}
}

// onAudioSegment persists one cut segment and queues it for dispatch. Any
// failure before the fragment reaches the wire falls back to the original
// audio immediately; the published stream never waits on the STS path.
func (r *Runner) onAudioSegment(ctx context.Context, seg model.AudioSegment, original []byte) {
	r.audioSegs.Add(1)

	if err := r.writer.Write(ctx, &seg, original); err != nil {
		metrics.IncError(r.streamID, string(model.ClassOf(err)))
		r.logger.Warn().Err(err).
			Int64(log.FieldBatch, seg.BatchNumber).
			Msg("segment persist failed")
		r.fallbackDirect(seg, original, "write_failure", 0)
		return
	}
	if r.draining {
		r.fallbackDirect(seg, original, "stream_end", 0)
		return
	}

	body, err := r.writer.Load(seg.FilePath)
	if err != nil {
		metrics.IncError(r.streamID, string(model.ClassWriteFailure))
		r.logger.Warn().Err(err).
			Int64(log.FieldBatch, seg.BatchNumber).
			Msg("segment readback failed")
		r.fallbackDirect(seg, original, "write_failure", 0)
		return
	}

	if len(r.pending) >= r.cfg.Runner.QueueCap {
		metrics.IncQueueDrop(r.streamID, "send")
		r.logger.Warn().
			Int64(log.FieldBatch, seg.BatchNumber).
			Msg("send backlog full, segment falls back")
		r.fallbackDirect(seg, original, "send_backlog", 0)
		return
	}
	r.pending = append(r.pending, sendJob{seg: seg, payload: body, original: original})
}

// pumpSends hands pending jobs to the sender while in-flight slots are free.
// Jobs already queued to the sender count against the cap so a slow dispatch
// cannot overshoot it.
func (r *Runner) pumpSends() {
	for len(r.pending) > 0 && r.tracker.InflightCount()+r.queuedSends < r.maxInflight {
		select {
		case r.sendQ <- r.pending[0]:
			r.pending = r.pending[1:]
			r.queuedSends++
		default:
			return
		}
	}
}

func (r *Runner) publishReady() {
	for _, p := range r.pairs.GetReadyPairs() {
		r.publishPair(p)
	}
}

func (r *Runner) publishPair(p model.Pair) {
	r.out.PushVideo(p.Video, p.VideoPayload, p.VideoPTS)
	if err := r.out.PushAudio(p.Audio, p.AudioPayload, p.AudioPTS); err != nil {
		r.logger.Warn().Err(err).
			Int64(log.FieldBatch, p.Audio.BatchNumber).
			Msg("pair mux failed")
	}
	r.pairsOut.Add(1)
	if p.Fallback {
		r.fallbacks.Add(1)
	} else {
		r.dubbedOut.Add(1)
	}
}

// handleProcessed consumes one terminal reply. Success and partial results
// count as link health for the breaker; anything that stops the dubbed audio
// from reaching the muxer falls back to the original.
func (r *Runner) handleProcessed(ctx context.Context, p sts.Processed) {
	rec := r.tracker.Complete(p.FragmentID)
	if rec == nil {
		return // late reply after a timeout; the fallback already went out
	}
	latency := rec.Latency()
	metrics.ObserveSTSLatency(r.streamID, latency.Seconds())

	if p.Status == sts.StatusFailed {
		var code string
		if p.Error != nil {
			code = p.Error.Code
		}
		r.breaker.RecordFailure(code)
		r.logger.Warn().
			Str(log.FieldFragmentID, rec.FragmentID).
			Str("code", code).
			Msg("fragment failed server-side")
		r.journalMark(rec.Sequence, journal.FragFailed, code)
		reason := strings.ToLower(code)
		if reason == "" {
			reason = "sts_failed"
		}
		r.fallbackTracked(rec, reason, latency)
		return
	}

	r.breaker.RecordSuccess()
	if p.Status == sts.StatusPartial {
		r.logger.Warn().
			Str(log.FieldFragmentID, rec.FragmentID).
			Msg("partial dubbing result")
	}

	if p.DubbedAudio == nil || p.DubbedAudio.DataBase64 == "" {
		r.journalMark(rec.Sequence, journal.FragFailed, "no dubbed audio in reply")
		r.fallbackTracked(rec, "empty_dubbed_audio", latency)
		return
	}
	dubbed, err := base64.StdEncoding.DecodeString(p.DubbedAudio.DataBase64)
	if err != nil {
		r.logger.Warn().Err(err).
			Str(log.FieldFragmentID, rec.FragmentID).
			Msg("undecodable dubbed payload")
		r.journalMark(rec.Sequence, journal.FragFailed, "undecodable payload")
		r.fallbackTracked(rec, "bad_payload", latency)
		return
	}

	seg := rec.Segment
	if err := r.writer.WriteDubbed(&seg, dubbed); err != nil {
		metrics.IncError(r.streamID, string(model.ClassOf(err)))
		r.logger.Warn().Err(err).
			Int64(log.FieldBatch, seg.BatchNumber).
			Msg("dubbed persist failed")
		r.journalMark(rec.Sequence, journal.FragFailed, "dubbed persist failed")
		r.fallbackTracked(rec, "write_failure", latency)
		return
	}
	adts, err := r.extractADTS(ctx, seg)
	if err != nil {
		metrics.IncError(r.streamID, string(model.ClassMuxFailure))
		r.logger.Warn().Err(err).
			Int64(log.FieldBatch, seg.BatchNumber).
			Msg("dubbed audio unpacking failed")
		r.journalMark(rec.Sequence, journal.FragFailed, "dubbed audio unusable")
		r.fallbackTracked(rec, "extract_failure", latency)
		return
	}

	r.journalMark(rec.Sequence, journal.FragProcessed, p.Status)
	if err := r.sts.AckProcessed(rec.FragmentID, sts.AckApplied); err != nil {
		r.logger.Debug().Err(err).Msg("courtesy ack not delivered")
	}
	r.ledgerAudio(seg, "", latency)
	if pair := r.pairs.PushAudio(seg, adts); pair != nil {
		r.publishPair(*pair)
	}
}

// extractADTS unpacks a dubbed M4A into the raw ADTS stream the TS muxer
// consumes, next to the container on disk.
func (r *Runner) extractADTS(ctx context.Context, seg model.AudioSegment) ([]byte, error) {
	dst := strings.TrimSuffix(seg.DubbedPath, ".m4a") + ".adts"
	if err := r.extract(ctx, seg.DubbedPath, dst); err != nil {
		return nil, err
	}
	return r.writer.Load(dst)
}

func (r *Runner) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evSendResult:
		r.queuedSends--
		r.handleSendResult(ev.res)

	case evTimeout:
		// Handled even while draining: the tracker already dropped the
		// record when the timer fired, so this event is the window's only
		// remaining path to a fallback.
		r.handleTimeout(ev.rec)

	case evIngestEOS:
		if ev.gen != r.ingestGen || r.draining {
			return
		}
		r.logger.Info().Str(log.FieldEvent, "worker.eos").Msg("source ended")
		r.finish()

	case evIngestError:
		if ev.gen != r.ingestGen || r.draining {
			return
		}
		r.handleIngestError(ctx, ev.err)

	case evOutputError:
		if r.draining {
			return
		}
		r.fatal(ev.err)

	case evSTSDown:
		if r.draining {
			return
		}
		// Dubbing is disabled but the relay stays up: sends fail fast,
		// the breaker opens and every window falls back to the original.
		metrics.IncError(r.streamID, string(model.ClassSTSFatal))
		r.logger.Error().Err(ev.err).
			Str(log.FieldEvent, "worker.sts_lost").
			Msg("sts session lost, publishing original audio only")
	}
}

func (r *Runner) handleSendResult(res sendResult) {
	if res.ok {
		return
	}
	if res.err != nil {
		r.logger.Warn().Err(res.err).
			Int64(log.FieldBatch, res.job.seg.BatchNumber).
			Msg("fragment send failed")
	}
	reason := res.reason
	if reason == "" {
		reason = "send_error"
	}
	r.fallbackDirect(res.job.seg, res.job.original, reason, 0)
}

func (r *Runner) handleTimeout(rec *tracker.Record) {
	r.breaker.RecordFailure(model.CodeTimeout)
	metrics.IncError(r.streamID, string(model.ClassSTSTransient))
	r.journalMark(rec.Sequence, journal.FragTimeout, "no reply within budget")
	r.fallbackTracked(rec, "sts_timeout", rec.Latency())
}

// handleIngestError rebuilds the ingest pipeline on transient failures; the
// concrete pipeline is single-use, so a restart is a fresh instance under
// the next generation.
func (r *Runner) handleIngestError(ctx context.Context, cause error) {
	if model.ClassOf(cause).Fatal() {
		r.fatal(cause)
		return
	}
	r.ingestRestarts++
	if r.ingestRestarts > maxIngestRestarts {
		r.fatal(model.Ef(model.ClassPipelineMalfunction, "worker",
			"ingest failed %d consecutive times: %v", r.ingestRestarts, cause))
		return
	}
	metrics.IncIngestRestart(r.streamID)
	r.logger.Warn().Err(cause).
		Int(log.FieldAttempt, r.ingestRestarts).
		Msg("restarting ingest")

	r.mu.Lock()
	old := r.ingest
	r.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	r.ingestGen++
	ing := r.newIngestPipe(r.ingestCallbacks(r.ingestGen))
	if err := ing.Build(); err != nil {
		r.fatal(err)
		return
	}
	if err := ing.Start(ctx); err != nil {
		r.fatal(err)
		return
	}
	r.mu.Lock()
	r.ingest = ing
	r.mu.Unlock()
	r.logger.Info().
		Str(log.FieldEvent, "worker.ingest_restarted").
		Int(log.FieldAttempt, r.ingestRestarts).
		Msg("ingest restarted")
}

// fallbackTracked pairs a tracked fragment's window with its retained
// original audio.
func (r *Runner) fallbackTracked(rec *tracker.Record, reason string, latency time.Duration) {
	r.journalMark(rec.Sequence, journal.FragFallback, reason)
	seg := rec.Segment
	seg.IsDubbed = false
	r.ledgerAudio(seg, reason, latency)
	if pair := r.pairs.PushAudio(seg, rec.Original); pair != nil {
		r.publishPair(*pair)
	}
}

// fallbackDirect pairs a never-sent segment with its original audio. No
// journal entry: the fragment never got a sequence number.
func (r *Runner) fallbackDirect(seg model.AudioSegment, payload []byte, reason string, latency time.Duration) {
	seg.IsDubbed = false
	r.ledgerAudio(seg, reason, latency)
	if pair := r.pairs.PushAudio(seg, payload); pair != nil {
		r.publishPair(*pair)
	}
}

// fatal records the first unrecoverable failure and begins the drain.
func (r *Runner) fatal(err error) {
	metrics.IncError(r.streamID, string(model.ClassOf(err)))
	r.logger.Error().Err(err).
		Str(log.FieldEvent, "worker.fatal").
		Msg("unrecoverable failure")

	r.mu.Lock()
	if r.failure == nil {
		r.failure = err
	}
	r.mu.Unlock()
	r.finish()
}

// finish marks the drain and hands the teardown to Stop on its own
// goroutine; Stop joins this loop and the sender before flushing, so a
// dispatch still in flight lands in the tracker or the orphan list before
// anything is cleared.
func (r *Runner) finish() {
	if r.draining {
		return
	}
	r.draining = true
	go r.Stop()
}

// flushAll drains every stage with fallback semantics: buffered tails are
// published with original audio and never sent for dubbing, queued and
// in-flight fragments fall back, and remaining video pairs against fetched
// originals or silence. Runs single-threaded from Stop, after the loop and
// the sender have been joined.
func (r *Runner) flushAll() {
	r.draining = true

	// Tail video first so the audio tail finds its partner buffered.
	if em := r.videoBuf.Flush(); em != nil {
		r.onVideoSegment(em)
	}
	if r.vadSeg != nil {
		if em := r.vadSeg.Flush(); em != nil {
			r.onAudioSegment(context.Background(), em.Segment, em.Payload)
		}
	} else if r.audioBuf != nil {
		if em := r.audioBuf.Flush(); em != nil {
			r.onAudioSegment(context.Background(), em.Segment, em.Payload)
		}
	}

	for _, job := range r.pending {
		r.fallbackDirect(job.seg, job.original, "stream_end", 0)
	}
	r.pending = nil
sendq:
	for {
		select {
		case job := <-r.sendQ:
			r.fallbackDirect(job.seg, job.original, "stream_end", 0)
		default:
			break sendq
		}
	}
	r.orphanMu.Lock()
	orphans := r.orphans
	r.orphans = nil
	r.orphanMu.Unlock()
	for _, job := range orphans {
		r.fallbackDirect(job.seg, job.original, "stream_end", 0)
	}

	// Events the loop never got to. A timed-out record is no longer in the
	// tracker, so its queued event is the only path to a fallback.
events:
	for {
		select {
		case ev := <-r.events:
			switch ev.kind {
			case evSendResult:
				if !ev.res.ok {
					r.fallbackDirect(ev.res.job.seg, ev.res.job.original, "stream_end", 0)
				}
			case evTimeout:
				r.fallbackTracked(ev.rec, "stream_end", 0)
			}
		default:
			break events
		}
	}

	cleared := r.tracker.Clear()
	byBatch := make(map[int64]*tracker.Record, len(cleared))
	for _, rec := range cleared {
		r.journalMark(rec.Sequence, journal.FragFallback, "stream_end")
		byBatch[rec.Segment.BatchNumber] = rec
	}
	fetch := func(v model.VideoSegment) (model.AudioSegment, []byte) {
		if rec, ok := byBatch[v.BatchNumber]; ok {
			seg := rec.Segment
			seg.IsDubbed = false
			r.ledgerAudio(seg, "stream_end", 0)
			return seg, rec.Original
		}
		// Window with no audio counterpart at all, published over silence.
		return model.AudioSegment{
			FragmentID:  uuid.NewString(),
			StreamID:    r.streamID,
			BatchNumber: v.BatchNumber,
			StartPTS:    v.StartPTS,
			Duration:    v.Duration,
		}, nil
	}
	for _, p := range r.pairs.GetReadyPairs() {
		r.publishPair(p)
	}
	for _, p := range r.pairs.FlushWithFallback(fetch) {
		r.publishPair(p)
	}
}

// sender owns the blocking half of the send path: backpressure waits, the
// breaker gate and the wire write. It never touches pairing or publication;
// outcomes travel back to the loop as events.
func (r *Runner) sender(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.sendQ:
			res := r.dispatch(ctx, job)
			select {
			case r.events <- event{kind: evSendResult, res: res}:
			case <-ctx.Done():
				// The loop is gone; park an unsent job for the stop
				// flush. Tracked jobs are already owned by the tracker.
				if !res.ok {
					r.orphanMu.Lock()
					r.orphans = append(r.orphans, job)
					r.orphanMu.Unlock()
				}
				return
			}
		}
	}
}

// dispatch sends one fragment: honor backpressure, pass the breaker, write
// the frame, then register it with the tracker and journal under the
// sequence number it went out with.
func (r *Runner) dispatch(ctx context.Context, job sendJob) sendResult {
	ctx, span := telemetry.Tracer("worker").Start(ctx, "fragment.send")
	defer span.End()
	span.SetAttributes(telemetry.FragmentAttributes(r.streamID, job.seg.FragmentID, job.seg.BatchNumber)...)

	if !r.bp.WaitAndDelay(ctx) {
		if ctx.Err() != nil {
			return sendResult{job: job, reason: "stream_end"}
		}
		metrics.IncError(r.streamID, string(model.ClassBackpressureTimeout))
		r.logger.Warn().
			Int64(log.FieldBatch, job.seg.BatchNumber).
			Msg("backpressure pause expired")
		span.SetStatus(codes.Error, "backpressure_timeout")
		return sendResult{job: job, reason: "backpressure_timeout"}
	}

	var seq int64
	allowed, err := r.breaker.ExecuteWithFallback(func() error {
		n, sendErr := r.sts.SendFragment(ctx, job.seg, job.payload)
		seq = n
		return sendErr
	})
	if !allowed {
		span.SetStatus(codes.Error, "breaker_open")
		return sendResult{job: job, reason: "breaker_open"}
	}
	if err != nil {
		reason := strings.ToLower(resilience.CodeOf(err))
		if reason == "" {
			reason = "send_error"
		}
		span.RecordError(err)
		span.SetAttributes(telemetry.ErrorAttributes(reason)...)
		span.SetStatus(codes.Error, reason)
		return sendResult{job: job, reason: reason, err: err}
	}
	span.SetAttributes(attribute.Int64(telemetry.SequenceKey, seq))

	if _, err := r.tracker.Track(job.seg, job.original, seq); err != nil {
		// The loop gates dispatch on free slots, so this is a bug guard.
		return sendResult{job: job, reason: "tracker_full", err: err}
	}
	r.journalPut(journal.Record{
		FragmentID: job.seg.FragmentID,
		StreamID:   r.streamID,
		Sequence:   seq,
		Batch:      job.seg.BatchNumber,
		State:      journal.FragSent,
		SentAt:     time.Now(),
	})
	return sendResult{job: job, ok: true}
}

func (r *Runner) journalPut(rec journal.Record) {
	if r.journal == nil {
		return
	}
	r.journal.Put(rec)
}

func (r *Runner) journalMark(seq int64, state journal.FragState, detail string) {
	if r.journal == nil {
		return
	}
	r.journal.Mark(r.streamID, seq, state, detail)
}

func (r *Runner) ledgerVideo(seg model.VideoSegment) {
	if r.ledger == nil {
		return
	}
	r.ledger.Record(context.Background(), ledger.Row{
		StreamID:   r.streamID,
		Batch:      seg.BatchNumber,
		Kind:       string(model.KindVideo),
		DurationMs: seg.Duration.Milliseconds(),
		SizeBytes:  seg.SizeBytes,
	})
}

// ledgerAudio records one audio outcome; an empty reason marks a dubbed
// window, anything else a fallback.
func (r *Runner) ledgerAudio(seg model.AudioSegment, reason string, latency time.Duration) {
	if r.ledger == nil {
		return
	}
	r.ledger.Record(context.Background(), ledger.Row{
		StreamID:       r.streamID,
		Batch:          seg.BatchNumber,
		Kind:           string(model.KindAudio),
		Trigger:        string(seg.Trigger),
		DurationMs:     seg.Duration.Milliseconds(),
		SizeBytes:      seg.SizeBytes,
		Dubbed:         seg.IsDubbed,
		FallbackReason: reason,
		STSLatencyMs:   latency.Milliseconds(),
	})
}
