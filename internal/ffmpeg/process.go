// SPDX-License-Identifier: MIT

// Package ffmpeg launches and supervises ffmpeg child processes for the
// worker: the ingest puller, the output publisher and short-lived shaping
// jobs. Restart policy is the caller's concern; this package owns process
// group handling, stderr capture and bounded termination.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/procgroup"
)

var (
	startsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_service_worker",
		Name:      "ffmpeg_starts_total",
		Help:      "ffmpeg child process starts",
	}, []string{"component", "result"})

	exitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_service_worker",
		Name:      "ffmpeg_exits_total",
		Help:      "ffmpeg child process exits",
	}, []string{"component", "reason"})
)

// Resolve picks the ffmpeg binary: explicit configuration wins, then the
// DUB_FFMPEG_PATH environment override, then PATH lookup of "ffmpeg".
func Resolve(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("DUB_FFMPEG_PATH"); env != "" {
		return env
	}
	return "ffmpeg"
}

// Spec describes a single child invocation.
type Spec struct {
	Bin       string // resolved via Resolve when empty
	Args      []string
	Component string // log and metric label, e.g. "ingest" or "publisher"

	PipeStdin  bool // expose Stdin for feeding TS
	PipeStdout bool // expose Stdout for reading TS
	ExtraFiles []*os.File // passed as fd 3+
}

// Process is a running ffmpeg child. Stdin and Stdout are non-nil only when
// the Spec requested them.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	component string
	cmd       *exec.Cmd
	ring      *LineRing
	logger    zerolog.Logger

	waitCh chan error
	done   chan struct{}

	mu      sync.Mutex
	exitErr error

	stopOnce sync.Once
	stopErr  error
}

// Start launches the child in its own process group with stderr captured
// into a ring buffer. The returned Process must be released with Stop or by
// waiting for Done.
func (s Spec) Start(ctx context.Context) (*Process, error) {
	bin := Resolve(s.Bin)
	cmd := exec.CommandContext(ctx, bin, s.Args...) // #nosec G204
	procgroup.Set(cmd)

	p := &Process{
		component: s.Component,
		cmd:       cmd,
		ring:      NewLineRing(256),
		logger:    log.WithComponent(s.Component),
		waitCh:    make(chan error, 1),
		done:      make(chan struct{}),
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		startsTotal.WithLabelValues(s.Component, "error").Inc()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if s.PipeStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			startsTotal.WithLabelValues(s.Component, "error").Inc()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		p.Stdin = stdin
	}
	if s.PipeStdout {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			startsTotal.WithLabelValues(s.Component, "error").Inc()
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		p.Stdout = stdout
	}
	if len(s.ExtraFiles) > 0 {
		cmd.ExtraFiles = s.ExtraFiles
	}

	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			_, _ = p.ring.Write(scanner.Bytes())
			_, _ = p.ring.Write([]byte("\n"))
		}
	}()

	p.logger.Debug().Str("command", cmd.String()).Msg("starting ffmpeg process")

	if err := cmd.Start(); err != nil {
		startsTotal.WithLabelValues(s.Component, "error").Inc()
		return nil, fmt.Errorf("ffmpeg start failed: %w", err)
	}
	startsTotal.WithLabelValues(s.Component, "ok").Inc()

	go func() {
		waitErr := cmd.Wait()
		ioWg.Wait()

		p.mu.Lock()
		p.exitErr = waitErr
		p.mu.Unlock()

		reason := "clean"
		if waitErr != nil {
			reason = "error"
			if ctx.Err() != nil {
				reason = "ctx_cancel"
			}
		}
		exitsTotal.WithLabelValues(s.Component, reason).Inc()

		close(p.done)
		p.waitCh <- waitErr
	}()

	return p, nil
}

// Done is closed once the child has exited and stderr is fully drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error. Only meaningful after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode reports the child exit code, or -1 when it has not exited.
func (p *Process) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stop terminates the process group with SIGTERM and escalates to SIGKILL
// after the grace window. Safe to call multiple times and after exit.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopErr = procgroup.Terminate(p.cmd, p.waitCh, grace)
	})
	<-p.done
	return p.stopErr
}

// Kill sends SIGKILL to the process group without waiting for the grace
// window. Used when the surrounding context is already gone.
func (p *Process) Kill() {
	_ = procgroup.Kill(p.cmd, syscall.SIGKILL)
}

// LastLogLines returns up to n recent stderr lines for diagnostics.
func (p *Process) LastLogLines(n int) []string {
	return p.ring.LastN(n)
}

// String describes the underlying command, for logs.
func (p *Process) String() string {
	return p.cmd.String()
}
