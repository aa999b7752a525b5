// SPDX-License-Identifier: MIT

// Package sts maintains the speech-to-speech session: a WebSocket transport
// with retrying connect and heartbeat, a socket.io-style event codec, and a
// typed client with callback dispatch.
package sts

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
)

// Default connection constants.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultMaxMessageSize    = 16 * 1024 * 1024
	DefaultMaxAttempts       = 5
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultCloseGracePeriod  = 5 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
)

// jitterFactor is the ±10% jitter applied to backoff delays.
const jitterFactor = 0.10

// jitterPrecision is the granularity for crypto/rand jitter generation.
const jitterPrecision = 1000

// ConnConfig configures the transport behavior.
type ConnConfig struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string

	// Headers are sent during the handshake.
	Headers http.Header

	// DialTimeout is the handshake timeout.
	DialTimeout time.Duration

	// WriteWait is the write deadline for each message.
	WriteWait time.Duration

	// MaxMessageSize is the read limit; dubbed fragments can reach the
	// 10 MB payload cap plus base64 and envelope overhead.
	MaxMessageSize int64

	// MaxAttempts bounds ConnectWithRetry.
	MaxAttempts int

	// BackoffBase is the initial retry delay, doubling per attempt.
	BackoffBase time.Duration

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration

	// CloseGracePeriod is the deadline for writing the close frame.
	CloseGracePeriod time.Duration
}

func (c *ConnConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
}

// Conn manages the WebSocket with retry, heartbeat and graceful shutdown.
// Framing and dispatch live above it in Client.
type Conn struct {
	cfg    ConnConfig
	logger zerolog.Logger

	conn    *websocket.Conn
	mu      sync.Mutex
	writeMu sync.Mutex // serializes writes (gorilla/websocket requirement)
	closed  bool
	closeCh chan struct{}
}

// NewConn creates a Conn. Call Connect or ConnectWithRetry to establish it.
func NewConn(cfg ConnConfig) *Conn {
	cfg.defaults()
	return &Conn{
		cfg:     cfg,
		logger:  log.WithComponent("sts.conn"),
		closeCh: make(chan struct{}),
	}
}

// Connect establishes the WebSocket once.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	c.logger.Debug().Str(log.FieldURL, c.cfg.URL).Msg("dialing sts endpoint")

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
			c.logger.Warn().Err(err).Int("status", resp.StatusCode).Msg("sts dial failed")
		}
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn.SetReadLimit(c.cfg.MaxMessageSize)

	c.conn = conn
	c.logger.Info().Str("event", "sts.connected").Str(log.FieldURL, c.cfg.URL).Msg("sts transport connected")
	return nil
}

// ConnectWithRetry dials with exponential backoff and jitter until a dial
// succeeds or the attempt budget is exhausted.
func (c *Conn) ConnectWithRetry(ctx context.Context) error {
	var lastErr error
	backoff := c.cfg.BackoffBase

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		c.logger.Warn().
			Err(err).
			Int(log.FieldAttempt, attempt).
			Int("max_attempts", c.cfg.MaxAttempts).
			Msg("sts connection attempt failed")

		if attempt < c.cfg.MaxAttempts {
			delay := jitteredBackoff(backoff, c.cfg.BackoffMax)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
		}
	}

	return fmt.Errorf("connect failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// SendRaw writes a pre-encoded text frame.
func (c *Conn) SendRaw(data []byte) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("websocket is not connected")
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive reads one message, honoring context cancellation.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("websocket is not connected")
	}
	conn := c.conn
	c.mu.Unlock()

	type readResult struct {
		msgType int
		data    []byte
		err     error
	}
	ch := make(chan readResult, 1)

	go func() {
		msgType, data, err := conn.ReadMessage()
		ch <- readResult{msgType: msgType, data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msgType != websocket.TextMessage && r.msgType != websocket.BinaryMessage {
			return nil, fmt.Errorf("unexpected message type: %d", r.msgType)
		}
		return r.data, nil
	}
}

// StartHeartbeat sends WebSocket ping frames at the given interval until the
// context or connection closes. The loop watches the close channel as of
// start; after a Reset it still terminates via the context or a failed ping.
func (c *Conn) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	c.mu.Lock()
	closeCh := c.closeCh
	c.mu.Unlock()
	go c.heartbeatLoop(ctx, interval, closeCh)
}

func (c *Conn) heartbeatLoop(ctx context.Context, interval time.Duration, closeCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closeCh:
			return
		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Conn) sendPing() bool {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.logger.Warn().Err(err).Msg("set ping write deadline failed")
		return true // non-fatal
	}
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn().Err(err).Msg("heartbeat ping failed")
		return false
	}
	return true
}

// Close writes a close frame and tears the connection down. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	if c.conn == nil {
		return nil
	}

	c.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.CloseGracePeriod))
	_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
	c.writeMu.Unlock()

	return c.conn.Close()
}

// IsConnected reports whether the transport is established and not closed.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Reset drops the current connection so a reconnect can establish a fresh
// one on the same Conn.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.Close()
		c.writeMu.Unlock()
		c.conn = nil
	}

	c.closed = false
	c.closeCh = make(chan struct{})
}

// jitteredBackoff computes a delay with ±10% jitter, capped at maxDelay.
func jitteredBackoff(base, maxDelay time.Duration) time.Duration {
	delay := float64(base)
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(jitterPrecision))
	jitter := delay * jitterFactor * (float64(n.Int64())*2/jitterPrecision - 1)
	result := delay + jitter
	if result < 0 {
		result = float64(base)
	}
	if result > float64(maxDelay) {
		result = float64(maxDelay)
	}
	return time.Duration(math.Max(result, 0))
}
