// jail runs one command in an isolated session: its own PID, UTS, mount
// and network namespaces, a cgroup v2 group and a veth on a host bridge.
//
//	jail [flags] <root_path> <hostname> <ip> <entry_command...>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Lylelee/nsjail"
	"github.com/Lylelee/nsjail/internal/config"
	"github.com/Lylelee/nsjail/internal/logger"
	"github.com/Lylelee/nsjail/internal/network"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"github.com/docker/docker/pkg/reexec"
	"github.com/google/shlex"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	logLevel   string
	logFormat  string
	capture    string
	shared     string
	bridge     string
	subnet     string
	masquerade bool
	attachMode string
	publish    bool
}

func main() {
	// The namespaced init is this same binary.
	if reexec.Init() {
		return
	}
	os.Exit(run())
}

func run() int {
	var opts options
	flagSet := pflag.NewFlagSet("jail", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&opts.logFormat, "log-format", "", "log format: console or json")
	flagSet.StringVar(&opts.capture, "capture", "", "write session traffic to this pcap file (.zst compresses)")
	flagSet.StringVar(&opts.shared, "shared", "", "bind a host directory read-only: host_dir[:target]")
	flagSet.StringVar(&opts.bridge, "bridge", "", "host bridge name")
	flagSet.StringVar(&opts.subnet, "subnet", "", "bridge subnet in CIDR form")
	flagSet.BoolVar(&opts.masquerade, "masquerade", false, "install NAT rules so the session reaches outside networks")
	flagSet.StringVar(&opts.attachMode, "attach-mode", "", "how the session joins its cgroup: clone or procs")
	flagSet.BoolVar(&opts.publish, "publish-netns", false, "bind the session network namespace under /var/run/netns")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: jail [flags] <root_path> <hostname> <ip> <entry_command...>\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return fail(appErr.Wrap(err, appErr.ValidationFailed))
	}
	args := flagSet.Args()
	if len(args) < 4 {
		flagSet.Usage()
		return appErr.ValidationFailed.ExitCode()
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fail(err)
	}
	if err := opts.apply(flagSet, cfg); err != nil {
		return fail(err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fail(appErr.Wrap(err, appErr.ValidationFailed))
	}
	defer logger.Sync()

	command, err := entryCommand(args[3:])
	if err != nil {
		return fail(err)
	}
	subnet, err := network.ParseSubnet(cfg.Network.Subnet)
	if err != nil {
		return fail(err)
	}
	spec, err := jail.NewSessionSpec(args[0], args[1], args[2], command, subnet)
	if err != nil {
		return fail(err)
	}
	if err := jail.RequireRoot(); err != nil {
		return fail(err)
	}

	var nat network.NATRules
	if cfg.Network.Masquerade {
		ipt, err := network.NewIPTablesNAT()
		if err != nil {
			return fail(err)
		}
		nat = ipt
	}
	runner, err := jail.NewRunner(cfg, network.NetlinkTool{}, nat)
	if err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return exitStatus(runner.Run(ctx, spec))
}

// exitStatus picks the process exit code for a finished run. An entry
// that could not be exec'd keeps the init's status (127).
func exitStatus(status int, err error) int {
	if err == nil {
		return status
	}
	code := fail(err)
	if appErr.Is(err, appErr.ExecFailed) && status > 0 {
		return status
	}
	return code
}

// apply lays explicitly set flags over the loaded configuration.
func (o *options) apply(flagSet *pflag.FlagSet, cfg *config.Config) error {
	if flagSet.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flagSet.Changed("capture") {
		cfg.Capture.File = o.capture
	}
	if flagSet.Changed("bridge") {
		cfg.Network.Bridge = o.bridge
	}
	if flagSet.Changed("subnet") {
		cfg.Network.Subnet = o.subnet
	}
	if flagSet.Changed("masquerade") {
		cfg.Network.Masquerade = o.masquerade
	}
	if flagSet.Changed("publish-netns") {
		cfg.Network.PublishNamespace = o.publish
	}
	if flagSet.Changed("attach-mode") {
		cfg.Cgroup.AttachMode = o.attachMode
	}
	if flagSet.Changed("shared") {
		source, target, err := jail.ParseShared(o.shared)
		if err != nil {
			return err
		}
		cfg.Isolation.SharedSource, cfg.Isolation.SharedTarget = source, target
	}
	return cfg.Validate()
}

// entryCommand accepts the command either as separate arguments or as a
// single quoted string.
func entryCommand(args []string) ([]string, error) {
	if len(args) != 1 || !strings.ContainsAny(args[0], " \t") {
		return args, nil
	}
	argv, err := shlex.Split(args[0])
	if err != nil {
		return nil, appErr.ValidationError("command", err.Error())
	}
	if len(argv) == 0 {
		return nil, appErr.ValidationError("command", "is required")
	}
	return argv, nil
}

func fail(err error) int {
	code := appErr.GetCode(err)
	logger.Error(context.Background(), "jail failed", zap.Error(err), zap.Int("code", int(code)))
	fmt.Fprintf(os.Stderr, "jail: %v\n", err)
	return code.ExitCode()
}
