// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/procgroup"
)

// OneShot runs an ffmpeg invocation to completion, bounded by timeout. On
// failure the error carries the stderr tail so callers can log the actual
// ffmpeg complaint.
func OneShot(ctx context.Context, bin string, args []string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, Resolve(bin), args...) // #nosec G204
	procgroup.Set(cmd)

	ring := NewLineRing(64)
	cmd.Stderr = ring

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("ffmpeg timed out after %s: %w", timeout, ctx.Err())
		}
		tail := strings.Join(ring.LastN(8), " | ")
		if tail != "" {
			return fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, tail)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}
