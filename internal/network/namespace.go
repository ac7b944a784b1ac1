//go:build linux

package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Lylelee/nsjail/internal/logger"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"github.com/vishvananda/netns"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const netnsRunDir = "/var/run/netns"

// PublishNamespace binds the network namespace of pid at
// /var/run/netns/<name>, where "ip netns exec <name>" finds it.
func PublishNamespace(ctx context.Context, name string, pid int) (string, error) {
	if err := os.MkdirAll(netnsRunDir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.NetworkFailed, "create %s failed", netnsRunDir)
	}
	target := filepath.Join(netnsRunDir, name)
	f, err := os.OpenFile(target, os.O_RDONLY|os.O_CREATE|os.O_EXCL, 0444)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.NetworkFailed, "create netns file %s failed", target)
	}
	f.Close()

	source := fmt.Sprintf("/proc/%d/ns/net", pid)
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		os.Remove(target)
		return "", appErr.Wrapf(err, appErr.NetworkFailed, "bind %s failed", source)
	}
	logger.Info(ctx, "network namespace published", zap.String("path", target), zap.Int("pid", pid))
	return target, nil
}

// UnpublishNamespace undoes PublishNamespace.
func UnpublishNamespace(ctx context.Context, name string) error {
	if err := netns.DeleteNamed(name); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		logger.Warn(ctx, "remove published netns failed", zap.String("name", name), zap.Error(err))
		return appErr.Wrapf(err, appErr.CleanupFailed, "remove netns %s failed", name)
	}
	return nil
}
