// SPDX-License-Identifier: MIT

//go:build unix && !windows

package ffmpeg

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessCleanExit(t *testing.T) {
	spec := Spec{
		Bin:       "sh",
		Args:      []string{"-c", "echo out; echo err >&2"},
		Component: "test",
	}
	p, err := spec.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	require.NoError(t, p.Err())
	assert.Equal(t, 0, p.ExitCode())
	assert.Contains(t, p.LastLogLines(5), "err")
}

func TestProcessStdoutPipe(t *testing.T) {
	spec := Spec{
		Bin:        "sh",
		Args:       []string{"-c", "printf 'ts-bytes'"},
		Component:  "test",
		PipeStdout: true,
	}
	p, err := spec.Start(context.Background())
	require.NoError(t, err)

	data, err := io.ReadAll(p.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "ts-bytes", string(data))

	<-p.Done()
	require.NoError(t, p.Err())
}

func TestProcessStdinPipe(t *testing.T) {
	spec := Spec{
		Bin:       "sh",
		Args:      []string{"-c", "cat >/dev/null"},
		Component: "test",
		PipeStdin: true,
	}
	p, err := spec.Start(context.Background())
	require.NoError(t, err)

	_, err = io.WriteString(p.Stdin, strings.Repeat("x", 4096))
	require.NoError(t, err)
	require.NoError(t, p.Stdin.Close())

	<-p.Done()
	require.NoError(t, p.Err())
}

func TestProcessStopTermThenKill(t *testing.T) {
	spec := Spec{
		Bin:       "sh",
		Args:      []string{"-c", `trap "" TERM; sleep 30`},
		Component: "test",
	}
	p, err := spec.Start(context.Background())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(200*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)

	// Second Stop is a no-op.
	require.NoError(t, p.Stop(200*time.Millisecond))
}

func TestProcessStopAfterExit(t *testing.T) {
	spec := Spec{
		Bin:       "true",
		Component: "test",
	}
	p, err := spec.Start(context.Background())
	require.NoError(t, err)
	<-p.Done()

	require.NoError(t, p.Stop(time.Second))
}

func TestProcessFailedExitCode(t *testing.T) {
	spec := Spec{
		Bin:       "sh",
		Args:      []string{"-c", "echo broken pipe >&2; exit 3"},
		Component: "test",
	}
	p, err := spec.Start(context.Background())
	require.NoError(t, err)
	<-p.Done()

	require.Error(t, p.Err())
	assert.Equal(t, 3, p.ExitCode())
	assert.Contains(t, strings.Join(p.LastLogLines(5), " "), "broken pipe")
}

func TestOneShot(t *testing.T) {
	err := OneShot(context.Background(), "true", nil, time.Second)
	require.NoError(t, err)

	err = OneShot(context.Background(), "sh", []string{"-c", "echo boom >&2; exit 1"}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	err = OneShot(context.Background(), "sleep", []string{"5"}, 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "/opt/ffmpeg", Resolve("/opt/ffmpeg"))

	t.Setenv("DUB_FFMPEG_PATH", "/env/ffmpeg")
	assert.Equal(t, "/env/ffmpeg", Resolve(""))

	t.Setenv("DUB_FFMPEG_PATH", "")
	assert.Equal(t, "ffmpeg", Resolve(""))
}
