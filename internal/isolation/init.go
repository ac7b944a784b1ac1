//go:build linux

package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Lylelee/nsjail/internal/logger"
	"github.com/Lylelee/nsjail/internal/stack"

	"github.com/docker/docker/pkg/mount"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Init is the body of the re-executed init stage. It never returns.
func Init() {
	os.Exit(runInit())
}

type initProc struct {
	ctx    context.Context
	boot   *Bootstrap
	status *os.File
	enc    *cbor.Encoder
	mounts mountSet
}

func runInit() int {
	p := &initProc{ctx: context.Background(), status: os.NewFile(statusFD, "status")}
	p.enc = encMode.NewEncoder(p.status)
	defer p.status.Close()

	boot, err := loadBootstrap()
	if err != nil {
		p.fail(FailNamespace, err)
		return 1
	}
	p.boot = boot

	if err := logger.Init(logger.Config{Level: boot.LogLevel, Format: boot.LogFormat, Component: "init"}); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
	}
	defer logger.Sync()
	p.ctx = logger.WithSession(p.ctx, boot.SessionID, boot.Hostname)

	if err := unix.Sethostname([]byte(boot.Hostname)); err != nil {
		p.fail(FailNamespace, fmt.Errorf("sethostname: %w", err))
		return 1
	}

	if err := p.mounts.setup(boot); err != nil {
		p.fail(FailMount, err)
		p.mounts.teardown(p.ctx)
		return 1
	}

	p.report(Report{Stage: StageReady})

	release := os.NewFile(releaseFD, "release")
	cgroupDir, ok, err := awaitRelease(release)
	release.Close()
	if err != nil {
		logger.Error(p.ctx, "read release failed", zap.Error(err))
	}
	if !ok {
		logger.Info(p.ctx, "session aborted before release")
		p.mounts.teardown(p.ctx)
		return 1
	}

	status := p.runEntry(cgroupDir)
	p.mounts.teardown(p.ctx)
	return status
}

func loadBootstrap() (*Bootstrap, error) {
	mem, unmap, err := stack.Map(blockFD)
	if err != nil {
		return nil, err
	}
	defer func() {
		unmap()
		unix.Close(blockFD)
	}()
	return readBootstrap(mem)
}

func (p *initProc) report(r Report) {
	if err := p.enc.Encode(r); err != nil {
		logger.Warn(p.ctx, "send report failed", zap.String("stage", string(r.Stage)), zap.Error(err))
	}
}

func (p *initProc) fail(kind FailureKind, err error) {
	logger.Error(p.ctx, "init setup failed", zap.String("kind", string(kind)), zap.Error(err))
	p.report(Report{Stage: StageFailed, Kind: kind, Message: err.Error()})
}

// awaitRelease blocks for the parent's go byte. ok is false when the
// parent closed its end without sending one. A cgroup directory passed
// along with the byte is returned open.
func awaitRelease(release *os.File) (cgroupDir *os.File, ok bool, err error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	for {
		var n, oobn int
		n, oobn, _, _, err = unix.Recvmsg(int(release.Fd()), buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return nil, false, err
		}
		if oobn == 0 {
			return nil, true, nil
		}
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil || len(msgs) == 0 {
			return nil, true, err
		}
		fds, err := unix.ParseUnixRights(&msgs[0])
		if err != nil || len(fds) == 0 {
			return nil, true, err
		}
		return os.NewFile(uintptr(fds[0]), "cgroup"), true, nil
	}
}

// runEntry starts the entry command, reports the outcome and reaps every
// child until the entry itself exits.
func (p *initProc) runEntry(cgroupDir *os.File) int {
	boot := p.boot
	path, err := resolveCommand(boot.Command[0], envValue(boot.Env, "PATH"))
	if err != nil {
		if cgroupDir != nil {
			cgroupDir.Close()
		}
		p.report(Report{Stage: StageFailed, Kind: FailExec, Message: err.Error()})
		return 127
	}

	cmd := exec.Command(path, boot.Command[1:]...)
	cmd.Args[0] = boot.Command[0]
	cmd.Env = boot.Env
	cmd.Dir = "/"
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if cgroupDir != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{UseCgroupFD: true, CgroupFD: int(cgroupDir.Fd())}
	}

	err = cmd.Start()
	if cgroupDir != nil {
		cgroupDir.Close()
	}
	if err != nil {
		p.report(Report{Stage: StageFailed, Kind: FailExec, Message: err.Error()})
		return 127
	}
	p.report(Report{Stage: StageStarted})
	logger.Info(p.ctx, "entry command started", zap.Strings("argv", boot.Command), zap.Int("pid", cmd.Process.Pid))

	return reap(cmd.Process.Pid)
}

// reap waits for any child, as PID 1 of the namespace must, and returns
// once entry has exited.
func reap(entry int) int {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 1
		}
		if pid != entry {
			continue
		}
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ws.ExitStatus()
	}
}

// resolveCommand finds name along the session PATH rather than the
// init's own environment.
func resolveCommand(name, pathList string) (string, error) {
	if strings.Contains(name, "/") {
		return exec.LookPath(name)
	}
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		if path, err := exec.LookPath(filepath.Join(dir, name)); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

// mountSet records what the init mounted, as seen from its current root.
type mountSet struct {
	shared string
	proc   bool

	unmount func(target string) error // nil means mount.ForceUnmount
}

func (m *mountSet) setup(boot *Bootstrap) error {
	if err := mount.MakeRPrivate("/"); err != nil {
		return fmt.Errorf("make mount tree private: %w", err)
	}

	if boot.SharedSource != "" {
		target := filepath.Join(boot.Root, boot.SharedTarget)
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("create shared mount point: %w", err)
		}
		if err := mount.Mount(boot.SharedSource, target, "bind", "bind,ro"); err != nil {
			return fmt.Errorf("bind shared folder: %w", err)
		}
		m.shared = target
	}

	if err := unix.Chroot(boot.Root); err != nil {
		return fmt.Errorf("chroot %s: %w", boot.Root, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	if m.shared != "" {
		m.shared = boot.SharedTarget
	}

	if err := os.MkdirAll("/proc", 0555); err != nil {
		return fmt.Errorf("create /proc: %w", err)
	}
	if err := mount.ForceMount("proc", "/proc", "proc", "nosuid,nodev,noexec"); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}
	m.proc = true
	return nil
}

// teardown unmounts the shared folder before /proc. Failures are logged.
func (m *mountSet) teardown(ctx context.Context) {
	unmount := m.unmount
	if unmount == nil {
		unmount = mount.ForceUnmount
	}
	var errs []error
	if m.shared != "" {
		if err := unmount(m.shared); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", m.shared, err))
		} else {
			m.shared = ""
		}
	}
	if m.proc {
		if err := unmount("/proc"); err != nil {
			errs = append(errs, fmt.Errorf("unmount /proc: %w", err))
		} else {
			m.proc = false
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn(ctx, "init unmount failed", zap.Error(err))
	}
}
