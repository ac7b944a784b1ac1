//go:build linux

// Package isolation starts the namespaced init of a jail session and
// drives the handshake that keeps the entry command from running before
// the session's cgroup and network are in place.
package isolation

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/Lylelee/nsjail/internal/logger"
	"github.com/Lylelee/nsjail/internal/stack"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"github.com/docker/docker/pkg/reexec"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// InitName is the argv[0] under which the init stage is registered.
const InitName = "jail-init"

// Descriptors the init inherits, in ExtraFiles order.
const (
	blockFD   = 3
	statusFD  = 4
	releaseFD = 5
)

const namespaceFlags = syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWNS | syscall.CLONE_NEWNET

func init() {
	reexec.Register(InitName, Init)
}

// SpawnRequest describes one init to start.
type SpawnRequest struct {
	Bootstrap Bootstrap
	// Block carries the bootstrap record. Spawn takes ownership: it is
	// released by Context.Wait, or by Spawn itself on failure.
	Block *stack.Block

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Controller spawns namespaced inits.
type Controller struct{}

// NewController returns a Controller.
func NewController() *Controller {
	return &Controller{}
}

// Spawn starts the init in new PID, UTS, mount and network namespaces and
// waits for it to finish its private setup. On success the init is
// blocked until Context.Release or Context.Abort.
func (c *Controller) Spawn(ctx context.Context, req SpawnRequest) (*Context, error) {
	block := req.Block
	if block == nil {
		return nil, appErr.ValidationError("stack block", "is required")
	}
	if err := req.Bootstrap.Validate(); err != nil {
		releaseBlock(ctx, block)
		return nil, err
	}
	mem, err := block.Bytes()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalError, "stack block unusable")
	}
	if err := writeBootstrap(mem, &req.Bootstrap); err != nil {
		releaseBlock(ctx, block)
		return nil, appErr.Wrap(err, appErr.ValidationFailed)
	}
	if err := block.Pin(); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalError, "stack block already owned")
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		block.Unpin()
		releaseBlock(ctx, block)
		return nil, appErr.Wrapf(err, appErr.NamespaceFailed, "create status pipe failed")
	}
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		statusR.Close()
		statusW.Close()
		block.Unpin()
		releaseBlock(ctx, block)
		return nil, appErr.Wrapf(err, appErr.NamespaceFailed, "create release socket failed")
	}
	releaseParent := os.NewFile(uintptr(pair[0]), "release")
	releaseChild := os.NewFile(uintptr(pair[1]), "release-init")

	cmd := reexec.Command(InitName)
	cmd.Env = []string{}
	cmd.Stdin = orDefault(req.Stdin, os.Stdin)
	cmd.Stdout = orDefaultWriter(req.Stdout, os.Stdout)
	cmd.Stderr = orDefaultWriter(req.Stderr, os.Stderr)
	cmd.ExtraFiles = []*os.File{block.File(), statusW, releaseChild}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: namespaceFlags,
		Pdeathsig:  syscall.SIGKILL,
	}

	startErr := cmd.Start()
	statusW.Close()
	releaseChild.Close()
	if startErr != nil {
		statusR.Close()
		releaseParent.Close()
		block.Unpin()
		releaseBlock(ctx, block)
		return nil, appErr.Wrapf(startErr, appErr.NamespaceFailed, "start namespaced init failed")
	}

	ec := &Context{
		cmd:     cmd,
		block:   block,
		status:  statusR,
		reports: decMode.NewDecoder(statusR),
		release: releaseParent,
	}
	logger.Info(ctx, "namespaced init started", zap.Int("pid", ec.PID()))

	report, err := ec.next()
	if err == nil && report.Stage != StageReady {
		err = report.Err()
		if err == nil {
			err = appErr.Newf(appErr.NamespaceFailed, "unexpected init report %q", report.Stage)
		}
	}
	if err != nil {
		ec.Abort()
		if _, waitErr := ec.Wait(ctx); waitErr != nil {
			logger.Warn(ctx, "reap failed init", zap.Error(waitErr))
		}
		return nil, err
	}

	logger.Info(ctx, "init setup complete", zap.Int("pid", ec.PID()))
	return ec, nil
}

func releaseBlock(ctx context.Context, block *stack.Block) {
	if err := block.Release(); err != nil {
		logger.Warn(ctx, "release stack block failed", zap.Error(err))
	}
}

func orDefault(r io.Reader, def *os.File) io.Reader {
	if r == nil {
		return def
	}
	return r
}

func orDefaultWriter(w io.Writer, def *os.File) io.Writer {
	if w == nil {
		return def
	}
	return w
}

// Context is a live namespaced init. It owns its stack block until reaped.
type Context struct {
	cmd     *exec.Cmd
	block   *stack.Block
	status  *os.File
	reports *cbor.Decoder

	mu      sync.Mutex
	release *os.File

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// PID is the host pid of the init.
func (c *Context) PID() int {
	return c.cmd.Process.Pid
}

// next reads one report. A closed pipe means the init died without
// saying why.
func (c *Context) next() (Report, error) {
	var r Report
	if err := c.reports.Decode(&r); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return r, appErr.Newf(appErr.NamespaceFailed, "init exited without reporting")
		}
		return r, appErr.Wrapf(err, appErr.NamespaceFailed, "read init report failed")
	}
	return r, nil
}

// Release lets the init start the entry command. In clone attach mode
// cgroupDir is handed over so the entry process is created inside it.
func (c *Context) Release(ctx context.Context, cgroupDir *os.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.release == nil {
		return appErr.Newf(appErr.InternalError, "handshake already finished")
	}

	var oob []byte
	if cgroupDir != nil {
		oob = unix.UnixRights(int(cgroupDir.Fd()))
	}
	err := unix.Sendmsg(int(c.release.Fd()), []byte{1}, oob, nil, 0)
	c.release.Close()
	c.release = nil
	if err != nil {
		return appErr.Wrapf(err, appErr.NamespaceFailed, "release init failed")
	}
	logger.Debug(ctx, "init released", zap.Int("pid", c.PID()), zap.Bool("cgroup_fd", cgroupDir != nil))
	return nil
}

// AwaitStarted blocks until the init reports whether the entry command started.
func (c *Context) AwaitStarted() error {
	r, err := c.next()
	if err != nil {
		return appErr.Wrapf(err, appErr.ExecFailed, "init exited before starting the entry command")
	}
	if r.Stage == StageStarted {
		return nil
	}
	if err := r.Err(); err != nil {
		return err
	}
	return appErr.Newf(appErr.ExecFailed, "unexpected init report %q", r.Stage)
}

// Abort closes the handshake without releasing; the init unwinds its
// mounts and exits.
func (c *Context) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.release != nil {
		c.release.Close()
		c.release = nil
	}
}

// Wait reaps the init and then releases the stack block. It returns the
// init's exit status, which is the entry command's status once started.
// Calling it again returns the first result.
func (c *Context) Wait(ctx context.Context) (int, error) {
	c.waitOnce.Do(func() {
		c.Abort()
		err := c.cmd.Wait()
		c.status.Close()
		c.exitCode = exitStatus(c.cmd.ProcessState)

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			c.waitErr = appErr.Wrapf(err, appErr.InternalError, "wait for init failed")
		}

		c.block.Unpin()
		if err := c.block.Release(); err != nil {
			logger.Warn(ctx, "release stack block failed", zap.Error(err))
		}
		logger.Info(ctx, "init reaped", zap.Int("pid", c.PID()), zap.Int("status", c.exitCode))
	})
	return c.exitCode, c.waitErr
}

// exitStatus maps a process state to a shell-style status.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
