// SPDX-License-Identifier: MIT

// Package procgroup spawns child processes in their own process group and
// reaps the whole group on shutdown. ffmpeg forks helpers; killing only the
// direct child leaks them.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
)

var ErrKillFailed = errors.New("kill operation failed")

// Terminate gracefully stops a process group: SIGTERM, wait up to grace,
// then SIGKILL. waitCh must deliver the cmd.Wait result exactly once; its
// error is consumed and returned. Safe to call on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	logger := log.WithComponent("procgroup")

	// If the process already finished, Kill is a harmless ESRCH no-op.
	if err := Kill(cmd, syscall.SIGTERM); err != nil {
		logger.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("SIGTERM delivery failed")
	}

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		logger.Warn().Int("pid", cmd.Process.Pid).Dur("grace", grace).Msg("grace period exceeded, sending SIGKILL to process group")
		if err := Kill(cmd, syscall.SIGKILL); err != nil {
			logger.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("SIGKILL delivery failed")
		}
		// Always drain waitCh so the child is reaped.
		return <-waitCh
	}
}
