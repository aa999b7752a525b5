// SPDX-License-Identifier: MIT

package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, path string) *Ledger {
	t.Helper()
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndSummarize(t *testing.T) {
	l := openTest(t, ":memory:")
	ctx := context.Background()

	l.Record(ctx, Row{
		StreamID: "s1", Batch: 0, Kind: "video", Trigger: "duration",
		DurationMs: 30000, SizeBytes: 1 << 20,
	})
	l.Record(ctx, Row{
		StreamID: "s1", Batch: 0, Kind: "audio", Trigger: "vad",
		DurationMs: 29800, SizeBytes: 96 << 10, Dubbed: true, STSLatencyMs: 900,
	})
	l.Record(ctx, Row{
		StreamID: "s1", Batch: 1, Kind: "audio", Trigger: "max_duration",
		DurationMs: 30000, SizeBytes: 97 << 10, FallbackReason: "sts_timeout",
	})

	s := l.Summarize(ctx, "s1")
	assert.Equal(t, int64(3), s.Segments)
	assert.Equal(t, int64(1), s.Dubbed)
	assert.Equal(t, int64(1), s.Fallbacks)
	assert.InDelta(t, 900.0, s.AvgLatencyMs, 0.001)
}

func TestSummarizeIsolatesStreams(t *testing.T) {
	l := openTest(t, ":memory:")
	ctx := context.Background()

	l.Record(ctx, Row{StreamID: "s1", Kind: "video", DurationMs: 1000})
	l.Record(ctx, Row{StreamID: "s2", Kind: "video", DurationMs: 1000})
	l.Record(ctx, Row{StreamID: "s2", Kind: "audio", DurationMs: 1000, Dubbed: true})

	assert.Equal(t, int64(1), l.Summarize(ctx, "s1").Segments)
	assert.Equal(t, int64(2), l.Summarize(ctx, "s2").Segments)
	assert.Equal(t, Summary{}, l.Summarize(ctx, "absent"))
}

func TestRecordStampsCreatedAt(t *testing.T) {
	l := openTest(t, ":memory:")
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	l.Record(ctx, Row{StreamID: "s1", Kind: "audio", DurationMs: 500})

	var createdAt string
	err := l.db.QueryRowContext(ctx, "SELECT created_at FROM segments").Scan(&createdAt)
	require.NoError(t, err)

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	require.NoError(t, err)
	assert.True(t, ts.After(before))
}

func TestVerifyHealthy(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "ledger.db"))

	l.Record(context.Background(), Row{StreamID: "s1", Kind: "video", DurationMs: 1000})

	problems, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.Nil(t, problems)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	first.Record(ctx, Row{StreamID: "s1", Kind: "video", DurationMs: 30000})
	require.NoError(t, first.Close())

	second := openTest(t, path)
	assert.Equal(t, int64(1), second.Summarize(ctx, "s1").Segments)
}

func TestRecordAfterCloseIsSwallowed(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.NotPanics(t, func() {
		l.Record(context.Background(), Row{StreamID: "s1", Kind: "video"})
	})
	assert.Equal(t, Summary{}, l.Summarize(context.Background(), "s1"))
}
