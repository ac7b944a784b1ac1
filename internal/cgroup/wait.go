//go:build linux

package cgroup

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/Lylelee/nsjail/internal/logger"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// WaitUntilEmpty blocks until cgroup.events reports "populated 0", ctx is
// cancelled, or polling fails. The events file is re-read after every
// wake, timeouts included; a wake on its own never ends the wait.
func (g *Governor) WaitUntilEmpty(ctx context.Context, h *Handle) error {
	events, err := os.Open(filepath.Join(h.Path, "cgroup.events"))
	if err != nil {
		return appErr.Wrapf(err, appErr.CgroupFailed, "open cgroup.events failed")
	}
	defer events.Close()

	if !isPopulated(ctx, events) {
		logger.Info(ctx, "cgroup is empty", zap.String("path", h.Path))
		return nil
	}

	timeout := int(g.pollInterval.Milliseconds())
	fds := []unix.PollFd{{Fd: int32(events.Fd()), Events: unix.POLLPRI}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fds[0].Revents = 0
		if _, err := unix.Poll(fds, timeout); err != nil {
			if err == unix.EINTR {
				continue
			}
			return appErr.Wrapf(err, appErr.CgroupFailed, "poll cgroup.events failed")
		}

		if !isPopulated(ctx, events) {
			logger.Info(ctx, "cgroup is empty", zap.String("path", h.Path))
			return nil
		}
	}
}

// isPopulated re-reads the events file from the start. Any failure counts
// as populated so a group with live members is never destroyed.
func isPopulated(ctx context.Context, events *os.File) bool {
	if _, err := events.Seek(0, io.SeekStart); err != nil {
		logger.Warn(ctx, "seek cgroup.events failed", zap.Error(err))
		return true
	}
	buf := make([]byte, 256)
	n, err := events.Read(buf)
	if err != nil && err != io.EOF {
		logger.Warn(ctx, "read cgroup.events failed", zap.Error(err))
		return true
	}
	return parsePopulated(string(buf[:n]))
}

func parsePopulated(data string) bool {
	val, ok := lookupKey(data, "populated")
	if !ok {
		return true
	}
	return val != 0
}
