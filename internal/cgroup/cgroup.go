//go:build linux

// Package cgroup creates and supervises the cgroup v2 group that bounds a
// jail session.
package cgroup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Lylelee/nsjail/internal/logger"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"go.uber.org/zap"
)

// DefaultRoot is the cgroup v2 mount point.
const DefaultRoot = "/sys/fs/cgroup"

const defaultPollInterval = 100 * time.Millisecond

var controllers = []string{"pids", "cpu", "memory"}

// Limits are the resource ceilings written into a group.
type Limits struct {
	Memory    string `yaml:"memory"`    // memory.max, e.g. "10M" or "max"
	Swap      string `yaml:"swap"`      // memory.swap.max
	CPUQuota  int64  `yaml:"cpuQuota"`  // microseconds per period, <= 0 means unlimited
	CPUPeriod int64  `yaml:"cpuPeriod"` // microseconds
	PIDs      int64  `yaml:"pids"`      // pids.max, <= 0 means unlimited
}

// DefaultLimits returns 10M memory, no swap, 25% of one CPU and 5 tasks.
func DefaultLimits() Limits {
	return Limits{
		Memory:    "10M",
		Swap:      "0",
		CPUQuota:  25000,
		CPUPeriod: 100000,
		PIDs:      5,
	}
}

// Validate checks the limits before anything is written.
func (l Limits) Validate() error {
	if l.CPUPeriod <= 0 {
		return appErr.ValidationError("cpuPeriod", "must be positive")
	}
	if l.CPUQuota > 0 && l.CPUQuota < 1000 {
		return appErr.ValidationError("cpuQuota", "must be at least 1000us")
	}
	return nil
}

func (l Limits) cpuMax() string {
	if l.CPUQuota <= 0 {
		return "max " + strconv.FormatInt(l.CPUPeriod, 10)
	}
	return strconv.FormatInt(l.CPUQuota, 10) + " " + strconv.FormatInt(l.CPUPeriod, 10)
}

func (l Limits) pidsMax() string {
	if l.PIDs <= 0 {
		return "max"
	}
	return strconv.FormatInt(l.PIDs, 10)
}

// Handle identifies one group directory.
type Handle struct {
	Name string
	Path string
}

// Stats summarises how often the group ran into its ceilings.
type Stats struct {
	OOMKills       int64
	PIDsMaxHits    int64
	MemoryPeakByte int64
}

// Governor manages groups under a cgroup v2 root.
type Governor struct {
	root         string
	pollInterval time.Duration
}

// NewGovernor returns a governor for root; an empty root means DefaultRoot.
func NewGovernor(root string) *Governor {
	if root == "" {
		root = DefaultRoot
	}
	return &Governor{root: root, pollInterval: defaultPollInterval}
}

// Root returns the cgroup root the governor writes under.
func (g *Governor) Root() string {
	return g.root
}

// Create makes the group, enables controllers on the parent and writes limits.
// An existing group directory is reused.
func (g *Governor) Create(ctx context.Context, name string, limits Limits) (*Handle, error) {
	if name == "" || strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return nil, appErr.ValidationError("cgroup name", "must be a single path element")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	path := filepath.Join(g.root, name)
	if err := os.Mkdir(path, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, appErr.Wrapf(err, appErr.CgroupFailed, "create cgroup %s failed", path)
	}
	h := &Handle{Name: name, Path: path}

	subtree := filepath.Join(g.root, "cgroup.subtree_control")
	for _, c := range controllers {
		if err := os.WriteFile(subtree, []byte("+"+c), 0644); err != nil {
			logger.Warn(ctx, "enable cgroup controller failed", zap.String("controller", c), zap.Error(err))
		}
	}

	optional := []struct {
		file  string
		value string
	}{
		{"memory.max", limits.Memory},
		{"memory.swap.max", limits.Swap},
		{"cpu.max", limits.cpuMax()},
	}
	for _, o := range optional {
		if o.value == "" {
			continue
		}
		if err := writeValue(path, o.file, o.value); err != nil {
			logger.Warn(ctx, "write cgroup limit failed", zap.String("file", o.file), zap.String("value", o.value), zap.Error(err))
		}
	}

	// An unbounded task count defeats the fork ceiling, so this one is fatal.
	if err := writeValue(path, "pids.max", limits.pidsMax()); err != nil {
		return nil, appErr.Wrapf(err, appErr.CgroupFailed, "write pids.max failed")
	}

	logger.Info(ctx, "cgroup created",
		zap.String("path", path),
		zap.String("memory.max", limits.Memory),
		zap.String("cpu.max", limits.cpuMax()),
		zap.String("pids.max", limits.pidsMax()))
	return h, nil
}

// Attach moves pid into the group.
func (g *Governor) Attach(ctx context.Context, h *Handle, pid int) error {
	if pid <= 0 {
		return appErr.ValidationError("pid", "invalid")
	}
	if err := writeValue(h.Path, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		return appErr.Wrapf(err, appErr.CgroupFailed, "attach pid %d to %s failed", pid, h.Path)
	}
	logger.Debug(ctx, "process attached to cgroup", zap.Int("pid", pid), zap.String("path", h.Path))
	return nil
}

// OpenDir opens the group directory for CLONE_INTO_CGROUP.
func (g *Governor) OpenDir(h *Handle) (*os.File, error) {
	dir, err := os.OpenFile(h.Path, os.O_RDONLY|syscall.O_DIRECTORY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CgroupFailed, "open cgroup directory failed")
	}
	return dir, nil
}

// Kill terminates every task in the group.
func (g *Governor) Kill(ctx context.Context, h *Handle) error {
	if err := writeValue(h.Path, "cgroup.kill", "1"); err == nil {
		return nil
	}

	// Kernels before 5.14 have no cgroup.kill.
	data, err := os.ReadFile(filepath.Join(h.Path, "cgroup.procs"))
	if err != nil {
		return appErr.Wrapf(err, appErr.CgroupFailed, "read cgroup.procs failed")
	}
	for _, field := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Warn(ctx, "kill cgroup member failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
	return nil
}

// Destroy removes the (empty) group directory.
func (g *Governor) Destroy(ctx context.Context, h *Handle) error {
	if err := os.Remove(h.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		cleanupErr := appErr.Wrapf(err, appErr.CleanupFailed, "remove cgroup %s failed", h.Path)
		logger.Warn(ctx, "cgroup cleanup failed", zap.String("path", h.Path), zap.Error(err))
		return cleanupErr
	}
	logger.Info(ctx, "cgroup removed", zap.String("path", h.Path))
	return nil
}

// Stats reads the limit-hit counters of the group. Missing files read as zero.
func (g *Governor) Stats(h *Handle) Stats {
	var s Stats
	if data, err := os.ReadFile(filepath.Join(h.Path, "memory.events")); err == nil {
		s.OOMKills, _ = lookupKey(string(data), "oom_kill")
	}
	if data, err := os.ReadFile(filepath.Join(h.Path, "pids.events")); err == nil {
		s.PIDsMaxHits, _ = lookupKey(string(data), "max")
	}
	if data, err := os.ReadFile(filepath.Join(h.Path, "memory.peak")); err == nil {
		s.MemoryPeakByte, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return s
}

// lookupKey finds key in whitespace separated "key value" records.
func lookupKey(data, key string) (int64, bool) {
	fields := strings.Fields(data)
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] != key {
			continue
		}
		val, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return 0, false
		}
		return val, true
	}
	return 0, false
}

func writeValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0644)
}
