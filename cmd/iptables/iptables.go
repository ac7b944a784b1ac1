// iptables installs or removes the masquerade rules for a jail bridge
// without running a session.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Lylelee/nsjail/internal/config"
	"github.com/Lylelee/nsjail/internal/logger"
	"github.com/Lylelee/nsjail/internal/network"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	defaults := network.DefaultConfig()
	var (
		subnet string
		bridge string
		remove bool
	)
	flagSet := pflag.NewFlagSet("jail-iptables", pflag.ContinueOnError)
	flagSet.StringVar(&subnet, "subnet", defaults.Subnet, "bridge subnet in CIDR form")
	flagSet.StringVar(&bridge, "bridge", defaults.Bridge, "host bridge name")
	flagSet.BoolVar(&remove, "delete", false, "remove the rules instead of installing them")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return appErr.ValidationFailed.ExitCode()
	}

	cfg := config.Default()
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()
	ctx := context.Background()

	netCfg := network.Config{Bridge: bridge, Subnet: subnet}
	if err := netCfg.Validate(); err != nil {
		return fail(ctx, err)
	}
	cidr, _ := network.ParseSubnet(subnet)

	nat, err := network.NewIPTablesNAT()
	if err != nil {
		return fail(ctx, err)
	}
	if remove {
		err = nat.Remove(cidr, bridge)
	} else {
		err = nat.Ensure(cidr, bridge)
	}
	if err != nil {
		return fail(ctx, appErr.Wrapf(err, appErr.NetworkFailed, "update rules for %s failed", bridge))
	}
	logger.Info(ctx, "nat rules updated",
		zap.String("bridge", bridge), zap.String("subnet", cidr.String()), zap.Bool("deleted", remove))
	return 0
}

func fail(ctx context.Context, err error) int {
	logger.Error(ctx, "jail-iptables failed", zap.Error(err))
	return appErr.GetCode(err).ExitCode()
}
