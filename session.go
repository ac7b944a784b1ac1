//go:build linux

package jail

import (
	"context"
	"io"
	"os"

	"github.com/Lylelee/nsjail/internal/capture"
	"github.com/Lylelee/nsjail/internal/cgroup"
	"github.com/Lylelee/nsjail/internal/config"
	"github.com/Lylelee/nsjail/internal/isolation"
	"github.com/Lylelee/nsjail/internal/logger"
	"github.com/Lylelee/nsjail/internal/network"
	"github.com/Lylelee/nsjail/internal/stack"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner runs sessions against one configuration.
type Runner struct {
	cfg         *config.Config
	attach      isolation.AttachMode
	arena       *stack.Arena
	controller  *isolation.Controller
	governor    *cgroup.Governor
	provisioner *network.Provisioner

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewRunner wires the components. nat may be nil unless masquerading is on.
func NewRunner(cfg *config.Config, tool network.LinkTool, nat network.NATRules) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	attach, err := isolation.ParseAttachMode(cfg.Cgroup.AttachMode)
	if err != nil {
		return nil, err
	}
	provisioner, err := network.NewProvisioner(cfg.Network, tool, nat)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:         cfg,
		attach:      attach,
		arena:       stack.NewArena(),
		controller:  isolation.NewController(),
		governor:    cgroup.NewGovernor(cfg.Cgroup.Root),
		provisioner: provisioner,
	}, nil
}

// session holds what one run has acquired, so teardown can undo exactly that.
type session struct {
	r    *Runner
	spec *SessionSpec
	id   string

	ec        *isolation.Context
	group     *cgroup.Handle
	link      *network.Link
	recorder  *capture.Recorder
	published bool
	drained   bool
}

// Run executes spec to completion and returns the entry command's exit
// status. Setup failures abort the session before the entry command
// runs; teardown failures are logged and never change the result.
func (r *Runner) Run(ctx context.Context, spec *SessionSpec) (int, error) {
	id := uuid.NewString()
	ctx = logger.WithSession(ctx, id, spec.Hostname)

	// Nothing is created for an address the bridge cannot serve.
	if err := network.CheckAddress(spec.IP, r.provisioner.Subnet()); err != nil {
		return -1, err
	}

	s := &session{r: r, spec: spec, id: id}
	runErr := s.run(ctx)
	status := s.teardown(context.WithoutCancel(ctx))

	if runErr != nil {
		logger.Error(ctx, "session failed", zap.Error(runErr))
		return status, runErr
	}
	logger.Info(ctx, "session finished", zap.Int("status", status))
	return status, nil
}

func (s *session) run(ctx context.Context) error {
	r, spec := s.r, s.spec

	block, err := r.arena.Acquire(r.cfg.Isolation.StackSize)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalError, "acquire stack block failed")
	}

	ec, err := r.controller.Spawn(ctx, isolation.SpawnRequest{
		Bootstrap: isolation.Bootstrap{
			SessionID:    s.id,
			Hostname:     spec.Hostname,
			Root:         spec.RootPath,
			Command:      spec.Command,
			Env:          r.cfg.Isolation.Env,
			SharedSource: r.cfg.Isolation.SharedSource,
			SharedTarget: r.cfg.Isolation.SharedTarget,
			AttachMode:   r.attach,
			LogLevel:     r.cfg.Log.Level,
			LogFormat:    r.cfg.Log.Format,
		},
		Block:  block,
		Stdin:  r.Stdin,
		Stdout: r.Stdout,
		Stderr: r.Stderr,
	})
	if err != nil {
		return err
	}
	s.ec = ec

	group, err := r.governor.Create(ctx, cgroupName(spec.Hostname), r.cfg.Cgroup.Limits)
	if err != nil {
		return err
	}
	s.group = group
	if r.attach == isolation.AttachProcs {
		if err := r.governor.Attach(ctx, group, ec.PID()); err != nil {
			return err
		}
	}

	link, err := r.provisioner.Provision(ctx, spec.Hostname, ec.PID(), spec.IP)
	if err != nil {
		return err
	}
	s.link = link
	s.startExtras(ctx)

	if err := r.provisioner.Configure(ctx, link); err != nil {
		return err
	}

	var cgroupDir *os.File
	if r.attach == isolation.AttachClone {
		if cgroupDir, err = r.governor.OpenDir(group); err != nil {
			return err
		}
		defer cgroupDir.Close()
	}
	if err := ec.Release(ctx, cgroupDir); err != nil {
		return err
	}
	if err := ec.AwaitStarted(); err != nil {
		return err
	}

	if err := r.governor.WaitUntilEmpty(ctx, group); err != nil {
		if ctx.Err() != nil {
			logger.Warn(ctx, "session cancelled, killing cgroup")
			return appErr.Wrapf(err, appErr.Cancelled, "session cancelled")
		}
		return err
	}
	s.drained = true
	return nil
}

// startExtras turns on the optional diagnostics. Their failures are logged
// and do not stop the session.
func (s *session) startExtras(ctx context.Context) {
	r := s.r
	if r.cfg.Capture.File != "" {
		rec, err := capture.Start(ctx, s.link.HostName, r.cfg.Capture.File, r.cfg.Capture.SnapLen, s.spec.IP)
		if err != nil {
			logger.Warn(ctx, "traffic capture disabled", zap.Error(err))
		} else {
			s.recorder = rec
		}
	}
	if r.cfg.Network.PublishNamespace {
		if _, err := network.PublishNamespace(ctx, s.spec.Hostname, s.ec.PID()); err != nil {
			logger.Warn(ctx, "publish network namespace failed", zap.Error(err))
		} else {
			s.published = true
		}
	}
}

// teardown releases everything the session acquired and returns the
// init's exit status. A session that did not drain is aborted and its
// group killed first, so the init is reaped before its group is removed.
func (s *session) teardown(ctx context.Context) int {
	r := s.r

	if s.link != nil {
		if err := r.provisioner.Decommission(ctx, s.link); err != nil {
			logger.Warn(ctx, "network teardown incomplete", zap.Error(err))
		}
	}
	if s.recorder != nil {
		s.recorder.Stop(ctx)
	}
	if s.published {
		network.UnpublishNamespace(ctx, s.spec.Hostname)
	}

	status := -1
	if s.ec != nil && !s.drained {
		s.ec.Abort()
		if s.group != nil {
			if err := r.governor.Kill(ctx, s.group); err != nil {
				logger.Warn(ctx, "kill cgroup failed", zap.Error(err))
			}
		}
		status = s.reap(ctx)
	}

	if s.group != nil {
		stats := r.governor.Stats(s.group)
		logger.Info(ctx, "cgroup usage",
			zap.Int64("oom_kills", stats.OOMKills),
			zap.Int64("pids_max_hits", stats.PIDsMaxHits),
			zap.Int64("memory_peak_bytes", stats.MemoryPeakByte))
		r.governor.Destroy(ctx, s.group)
	}

	if s.ec != nil {
		status = s.reap(ctx)
	}
	return status
}

func (s *session) reap(ctx context.Context) int {
	status, err := s.ec.Wait(ctx)
	if err != nil {
		logger.Warn(ctx, "reap init failed", zap.Error(err))
	}
	return status
}
