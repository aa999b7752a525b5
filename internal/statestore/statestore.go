// SPDX-License-Identifier: MIT

// Package statestore publishes periodic worker status snapshots to redis so
// a control plane can watch a fleet of workers without scraping each one.
// Every snapshot is written with a TTL a few intervals wide; a worker that
// dies without cleanup simply ages out of the keyspace.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
)

const keyPrefix = "dub:worker:"

const opTimeout = 2 * time.Second

// Key returns the redis key a worker publishes under.
func Key(streamID string) string { return keyPrefix + streamID }

// Config holds the redis connection and publish cadence.
type Config struct {
	Addr     string
	Password string
	DB       int
	Interval time.Duration
	TTL      time.Duration
}

// Reporter periodically writes a JSON status snapshot to redis. A nil
// *Reporter is valid and all its methods are no-ops, so callers without a
// redis address configured can skip construction entirely.
type Reporter struct {
	client   *redis.Client
	logger   zerolog.Logger
	key      string
	interval time.Duration
	ttl      time.Duration

	wg        sync.WaitGroup
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New connects to redis and verifies the connection before returning.
func New(cfg Config, streamID string) (*Reporter, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * cfg.Interval
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("statestore").With().
		Str(log.FieldStreamID, streamID).Logger()
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis")

	return &Reporter{
		client:   client,
		logger:   logger,
		key:      Key(streamID),
		interval: cfg.Interval,
		ttl:      cfg.TTL,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins the publish loop. snapshot is called on every tick from the
// reporter's own goroutine and must be safe to call concurrently with the
// worker.
func (r *Reporter) Start(snapshot func() any) {
	if r == nil {
		return
	}
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run(snapshot)
	})
}

func (r *Reporter) run(snapshot func() any) {
	defer r.wg.Done()

	// First write lands immediately so the key exists before the first tick.
	r.publish(snapshot)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.publish(snapshot)
		}
	}
}

func (r *Reporter) publish(snapshot func() any) {
	data, err := json.Marshal(snapshot())
	if err != nil {
		r.logger.Warn().Err(err).Msg("status snapshot marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", r.key).Msg("status publish failed")
	}
}

// Stop halts the loop, removes the worker's key, and closes the client.
// Safe to call more than once and on a nil receiver.
func (r *Reporter) Stop() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := r.client.Del(ctx, r.key).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", r.key).Msg("status key cleanup failed")
		}
		if err := r.client.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("redis close failed")
		}
		r.logger.Debug().Msg("statestore stopped")
	})
}
