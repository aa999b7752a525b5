// SPDX-License-Identifier: MIT

//go:build unix && !windows

package procgroup

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetMarksProcessGroup(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	Set(cmd)
	require.NotNil(t, cmd.SysProcAttr)
	require.True(t, cmd.SysProcAttr.Setpgid)
}

func TestKillNilSafe(t *testing.T) {
	require.NoError(t, Kill(nil, syscall.SIGTERM))
	require.NoError(t, Kill(&exec.Cmd{}, syscall.SIGTERM))
}

func TestTerminateReapsChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 2*time.Second)
	require.NoError(t, err)
	// sleep exits on SIGTERM, well inside the grace window.
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// A shell that traps TERM keeps running until KILL.
	cmd := exec.Command("sh", "-c", `trap "" TERM; sleep 30`)
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	err := Terminate(cmd, waitCh, 300*time.Millisecond)
	require.NoError(t, err)

	// The process must be gone after Terminate returns.
	require.Error(t, cmd.Process.Signal(syscall.Signal(0)))
}

func TestTerminateNilCommand(t *testing.T) {
	require.NoError(t, Terminate(nil, nil, time.Second))
}
