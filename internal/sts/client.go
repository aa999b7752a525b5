// SPDX-License-Identifier: MIT

package sts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/metrics"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// Client preconditions.
var (
	ErrNotConnected   = errors.New("sts: not connected")
	ErrStreamNotReady = errors.New("sts: stream not ready")
	ErrInitTimeout    = errors.New("sts: timed out waiting for stream:ready")
)

// DefaultInitTimeout bounds the stream:init → stream:ready exchange.
const DefaultInitTimeout = 10 * time.Second

// DefaultMaxFragmentBytes is the decoded payload cap; anything larger is
// rejected client-side without a send.
const DefaultMaxFragmentBytes = 10 << 20

// Callbacks receive server events. They are invoked from the read pump
// goroutine and must not block.
type Callbacks struct {
	OnFragmentProcessed func(Processed)
	OnBackpressure      func(BackpressureSignal)
	OnError             func(code, message string, retryable bool)
	OnAck               func(FragmentAckMsg)

	// OnDisconnect fires when the transport is lost and the reconnect
	// budget is exhausted.
	OnDisconnect func(error)
}

// ClientConfig assembles the session parameters.
type ClientConfig struct {
	URL    string
	Stream model.StreamConfig

	InitTimeout       time.Duration
	MaxFragmentBytes  int64
	SampleRateHz      int
	Channels          int
	Format            string
	ChunkDurationMs   int64
	HeartbeatInterval time.Duration

	Conn ConnConfig
}

func (c *ClientConfig) defaults() {
	if c.InitTimeout == 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.MaxFragmentBytes == 0 {
		c.MaxFragmentBytes = DefaultMaxFragmentBytes
	}
	if c.Format == "" {
		c.Format = "m4a"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Conn.URL == "" {
		c.Conn.URL = c.URL
	}
}

// Client is the typed STS session. One per worker.
type Client struct {
	cfg    ClientConfig
	conn   *Conn
	logger zerolog.Logger

	mu          sync.Mutex
	callbacks   Callbacks
	seq         int64
	ready       bool
	sessionID   string
	maxInflight int
	readyWait   chan struct{}

	sendMu sync.Mutex // keeps sequence assignment and send atomic

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	started    bool
}

// NewClient builds a client; Connect establishes the transport.
func NewClient(cfg ClientConfig) *Client {
	cfg.defaults()
	return &Client{
		cfg:    cfg,
		conn:   NewConn(cfg.Conn),
		logger: log.WithStream("sts", cfg.Stream.StreamID),
	}
}

// SetCallbacks installs the event handlers. Call before Connect.
func (c *Client) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = cb
}

// ClearCallbacks drops all handlers, used during shutdown so late events
// cannot reach a stopping worker.
func (c *Client) ClearCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = Callbacks{}
}

// Connect dials with retry and starts the read pump and heartbeat.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.conn.ConnectWithRetry(ctx); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.started = true
	c.pumpCancel = cancel
	c.pumpDone = make(chan struct{})
	c.mu.Unlock()

	go c.pump(pumpCtx)
	c.conn.StartHeartbeat(pumpCtx, c.cfg.HeartbeatInterval)
	return nil
}

// InitStream emits stream:init and blocks until stream:ready or timeout.
// Success resets the fragment sequence to 0.
func (c *Client) InitStream(ctx context.Context, timeout time.Duration) error {
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.cfg.InitTimeout
	}

	c.mu.Lock()
	c.ready = false
	wait := make(chan struct{})
	c.readyWait = wait
	c.mu.Unlock()

	msg := StreamInit{
		StreamID: c.cfg.Stream.StreamID,
		WorkerID: c.cfg.Stream.WorkerID,
		Config: StreamInitConfig{
			SourceLanguage:  c.cfg.Stream.SourceLanguage,
			TargetLanguage:  c.cfg.Stream.TargetLanguage,
			VoiceProfile:    c.cfg.Stream.VoiceProfile,
			Format:          c.cfg.Format,
			SampleRateHz:    c.cfg.SampleRateHz,
			Channels:        c.cfg.Channels,
			ChunkDurationMs: c.cfg.ChunkDurationMs,
		},
	}
	frame, err := EncodeEvent(EventStreamInit, msg)
	if err != nil {
		return err
	}
	if err := c.conn.SendRaw(frame); err != nil {
		return fmt.Errorf("send stream:init: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wait:
		c.mu.Lock()
		c.seq = 0
		sessionID := c.sessionID
		c.mu.Unlock()
		c.logger.Info().
			Str("event", "sts.stream_ready").
			Str(log.FieldSessionID, sessionID).
			Msg("stream initialized")
		return nil
	case <-timer.C:
		return ErrInitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFragment emits fragment:data for one persisted segment and returns the
// sequence number it went out under. Sequence numbers are assigned at send
// time, strictly increasing from 0 per init lifetime with no gaps: a failed
// write does not consume a number.
func (c *Client) SendFragment(ctx context.Context, seg model.AudioSegment, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !c.conn.IsConnected() {
		return 0, ErrNotConnected
	}
	if int64(len(payload)) > c.cfg.MaxFragmentBytes {
		return 0, &CodeError{
			Code:      model.CodeFragmentTooLarge,
			Message:   fmt.Sprintf("fragment %d bytes exceeds %d byte cap", len(payload), c.cfg.MaxFragmentBytes),
			Retryable: false,
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return 0, ErrStreamNotReady
	}
	seqNum := c.seq
	c.mu.Unlock()

	fd := FragmentData{
		FragmentID:     seg.FragmentID,
		StreamID:       seg.StreamID,
		SequenceNumber: seqNum,
		Timestamp:      time.Now().UnixMilli(),
		Audio: AudioChunk{
			Format:       c.cfg.Format,
			SampleRateHz: c.cfg.SampleRateHz,
			Channels:     c.cfg.Channels,
			DurationMs:   seg.Duration.Milliseconds(),
			DataBase64:   base64.StdEncoding.EncodeToString(payload),
		},
		Metadata: &FragmentMetadata{
			PTSNs:       seg.StartPTS,
			SourcePTSNs: seg.StartPTS,
		},
	}

	frame, err := EncodeEvent(EventFragmentData, fd)
	if err != nil {
		return 0, err
	}
	if err := c.conn.SendRaw(frame); err != nil {
		return 0, fmt.Errorf("send fragment: %w", err)
	}

	c.mu.Lock()
	c.seq = seqNum + 1
	c.mu.Unlock()

	metrics.IncSTSFragmentsSent(seg.StreamID)
	c.logger.Debug().
		Str(log.FieldFragmentID, seg.FragmentID).
		Int64(log.FieldSequence, seqNum).
		Int64(log.FieldBatch, seg.BatchNumber).
		Msg("fragment sent")
	return seqNum, nil
}

// AckProcessed sends the courtesy fragment:ack after a processed fragment
// has been consumed.
func (c *Client) AckProcessed(fragmentID, status string) error {
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}
	frame, err := EncodeEvent(EventFragmentAck, FragmentAckMsg{
		FragmentID: fragmentID,
		Status:     status,
	})
	if err != nil {
		return err
	}
	return c.conn.SendRaw(frame)
}

// EndStream emits stream:end and clears stream readiness.
func (c *Client) EndStream() error {
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()

	frame, err := EncodeEvent(EventStreamEnd, StreamEnd{StreamID: c.cfg.Stream.StreamID})
	if err != nil {
		return err
	}
	return c.conn.SendRaw(frame)
}

// Disconnect stops the pump and closes the transport. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.pumpCancel
	done := c.pumpDone
	c.ready = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := c.conn.Close()
	if done != nil {
		<-done
	}
	return err
}

// Ready reports whether a stream:ready has been observed since the last
// init or reconnect.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Connected reports transport liveness.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// SessionID returns the server-assigned session id, when ready.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// MaxInflight returns the server-advertised in-flight cap, when ready.
func (c *Client) MaxInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInflight
}

// pump reads frames and dispatches events until the context is canceled or
// the reconnect budget is exhausted.
func (c *Client) pump(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		done := c.pumpDone
		c.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	for {
		data, err := c.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("sts read failed, reconnecting")
			if !c.reconnect(ctx) {
				c.notifyDisconnect(err)
				return
			}
			continue
		}
		c.dispatch(data)
	}
}

// reconnect re-establishes the transport and re-inits the session in the
// background so the pump can keep reading.
func (c *Client) reconnect(ctx context.Context) bool {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()

	metrics.IncSTSReconnect(c.cfg.Stream.StreamID)
	c.conn.Reset()
	if err := c.conn.ConnectWithRetry(ctx); err != nil {
		c.logger.Error().Err(err).Msg("sts reconnect exhausted")
		return false
	}

	// InitStream waits for stream:ready, which only this pump can read.
	go func() {
		if err := c.InitStream(ctx, c.cfg.InitTimeout); err != nil {
			c.logger.Error().Err(err).Msg("re-init after reconnect failed")
		}
	}()
	return true
}

func (c *Client) notifyDisconnect(err error) {
	c.mu.Lock()
	cb := c.callbacks.OnDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (c *Client) dispatch(frame []byte) {
	if IsPing(frame) {
		_ = c.conn.SendRaw(Pong())
		return
	}

	event, payload, err := DecodeEvent(frame)
	if err != nil {
		if !errors.Is(err, ErrNotEvent) {
			c.logger.Warn().Err(err).Msg("undecodable sts frame")
		}
		return
	}

	c.mu.Lock()
	cb := c.callbacks
	c.mu.Unlock()

	switch event {
	case EventStreamReady:
		var ready StreamReady
		if err := unmarshalPayload(payload, &ready); err != nil {
			c.logger.Warn().Err(err).Msg("bad stream:ready payload")
			return
		}
		c.onReady(ready)

	case EventFragmentProcessed:
		var p Processed
		if err := unmarshalPayload(payload, &p); err != nil {
			c.logger.Warn().Err(err).Msg("bad fragment:processed payload")
			return
		}
		metrics.IncSTSFragmentsProcessed(c.cfg.Stream.StreamID, p.Status)
		if cb.OnFragmentProcessed != nil {
			cb.OnFragmentProcessed(p)
		}

	case EventFragmentAck:
		var ack FragmentAckMsg
		if err := unmarshalPayload(payload, &ack); err != nil {
			c.logger.Warn().Err(err).Msg("bad fragment:ack payload")
			return
		}
		c.logger.Debug().
			Str(log.FieldFragmentID, ack.FragmentID).
			Str("status", ack.Status).
			Msg("fragment queued ack")
		if cb.OnAck != nil {
			cb.OnAck(ack)
		}

	case EventBackpressure:
		var sig BackpressureSignal
		if err := unmarshalPayload(payload, &sig); err != nil {
			c.logger.Warn().Err(err).Msg("bad backpressure payload")
			return
		}
		if cb.OnBackpressure != nil {
			cb.OnBackpressure(sig)
		}

	case EventError:
		var info ErrorInfo
		if err := unmarshalPayload(payload, &info); err != nil {
			c.logger.Warn().Err(err).Msg("bad error payload")
			return
		}
		c.logger.Warn().
			Str("code", info.Code).
			Bool("retryable", info.Retryable).
			Msg(info.Message)
		if cb.OnError != nil {
			cb.OnError(info.Code, info.Message, info.Retryable)
		}

	default:
		c.logger.Warn().Str("sts_event", event).Msg("unknown sts event")
	}
}

func (c *Client) onReady(ready StreamReady) {
	c.mu.Lock()
	c.sessionID = ready.SessionID
	c.maxInflight = ready.MaxInflight
	if c.maxInflight == 0 {
		c.maxInflight = 3
	}
	c.ready = true
	if c.readyWait != nil {
		close(c.readyWait)
		c.readyWait = nil
	}
	c.mu.Unlock()
}

func unmarshalPayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(payload, v)
}
