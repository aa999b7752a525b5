// SPDX-License-Identifier: MIT

// Package journal keeps a best-effort on-disk trail of every fragment's
// lifecycle for post-run diagnostics and the status endpoint. Write errors
// are logged and swallowed; the journal must never fail the pipeline.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
)

// FragState is a fragment lifecycle position.
type FragState string

const (
	FragSent      FragState = "sent"
	FragProcessed FragState = "processed"
	FragFailed    FragState = "failed"
	FragTimeout   FragState = "timeout"
	FragFallback  FragState = "fallback"
)

// Record is one fragment's lifecycle row, stored as JSON under
// frag:<stream>:<sequence>.
type Record struct {
	FragmentID string    `json:"fragmentId"`
	StreamID   string    `json:"streamId"`
	Sequence   int64     `json:"sequence"`
	Batch      int64     `json:"batch"`
	State      FragState `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	SentAt     time.Time `json:"sentAt,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LatencyMs  int64     `json:"latencyMs,omitempty"`
}

// Option adjusts a Journal.
type Option func(*Journal)

// WithNow replaces the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Journal is a badger-backed fragment trail.
type Journal struct {
	db     *badger.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open creates or reopens the journal under dir.
func Open(dir string, opts ...Option) (*Journal, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{
		db:     db,
		logger: log.WithComponent("journal"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Close releases the store.
func (j *Journal) Close() error { return j.db.Close() }

// fragKey zero-pads the sequence so prefix iteration walks in send order.
func fragKey(streamID string, seq int64) []byte {
	return []byte(fmt.Sprintf("frag:%s:%012d", streamID, seq))
}

func fragPrefix(streamID string) []byte {
	return []byte("frag:" + streamID + ":")
}

// Put writes the initial row for a fragment, normally in state sent.
func (j *Journal) Put(rec Record) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = j.now()
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		j.logger.Warn().Err(err).Int64(log.FieldSequence, rec.Sequence).Msg("journal marshal failed")
		return
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fragKey(rec.StreamID, rec.Sequence), buf)
	})
	if err != nil {
		j.logger.Warn().Err(err).Int64(log.FieldSequence, rec.Sequence).Msg("journal write failed")
	}
}

// Mark advances a fragment to a new state. Leaving sent stamps the latency;
// an unknown sequence gets a fresh row so replies that outlive a reconnect
// still leave a trace.
func (j *Journal) Mark(streamID string, seq int64, state FragState, detail string) {
	key := fragKey(streamID, seq)
	now := j.now()
	err := j.db.Update(func(txn *badger.Txn) error {
		var rec Record
		item, err := txn.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
			rec = Record{StreamID: streamID, Sequence: seq}
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
		}

		if rec.State == FragSent && state != FragSent && !rec.SentAt.IsZero() {
			rec.LatencyMs = now.Sub(rec.SentAt).Milliseconds()
		}
		rec.State = state
		rec.Detail = detail
		rec.UpdatedAt = now

		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if err != nil {
		j.logger.Warn().Err(err).Int64(log.FieldSequence, seq).Msg("journal update failed")
	}
}

// Recent returns up to n rows for the stream, newest first.
func (j *Journal) Recent(streamID string, n int) []Record {
	if n <= 0 {
		return nil
	}
	prefix := fragPrefix(streamID)
	out := make([]Record, 0, n)
	err := j.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = true
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < n; it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		j.logger.Warn().Err(err).Msg("journal scan failed")
		return nil
	}
	return out
}
