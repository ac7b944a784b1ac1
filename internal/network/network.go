//go:build linux

// Package network attaches a jail session to a host bridge through a veth
// pair whose peer lives in the session's network namespace.
package network

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"

	"github.com/Lylelee/nsjail/internal/logger"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// ifNameSize mirrors IFNAMSIZ minus the trailing NUL.
const ifNameSize = 15

// Config describes the shared bridge sessions attach to.
type Config struct {
	Bridge           string `yaml:"bridge"`
	Subnet           string `yaml:"subnet"`
	Masquerade       bool   `yaml:"masquerade"`
	LockDir          string `yaml:"lockDir"`
	PublishNamespace bool   `yaml:"publishNamespace"`
}

// DefaultConfig returns bridge jail0 on 192.168.1.0/24.
func DefaultConfig() Config {
	return Config{
		Bridge:  "jail0",
		Subnet:  "192.168.1.0/24",
		LockDir: "/run/jail",
	}
}

// Validate checks the bridge name and subnet.
func (c Config) Validate() error {
	if c.Bridge == "" || len(c.Bridge) > ifNameSize {
		return appErr.ValidationError("bridge", "must be 1 to 15 characters")
	}
	_, err := ParseSubnet(c.Subnet)
	return err
}

// Link is one provisioned veth pair.
type Link struct {
	HostName string
	PeerName string
	Bridge   string
	Addr     *net.IPNet
	Gateway  net.IP
	PID      int
}

// LinkNames derives the host and peer veth names for hostname. Hostnames
// too long for an interface name, or with characters an interface name
// should not carry, are replaced by a digest prefix.
func LinkNames(hostname string) (host, peer string) {
	label := hostname
	if !plainLabel(label) || len("j"+label+"a") > ifNameSize {
		sum := blake3.Sum256([]byte(hostname))
		label = hex.EncodeToString(sum[:4])
	}
	return "j" + label + "a", "j" + label + "b"
}

func plainLabel(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

// Provisioner creates and removes session links on one bridge.
type Provisioner struct {
	cfg     Config
	subnet  *net.IPNet
	gateway *net.IPNet
	tool    LinkTool
	nat     NATRules
	lock    bridgeLock

	mu     sync.Mutex
	active map[string]struct{}
}

// NewProvisioner validates cfg. nat may be nil when masquerading is off.
func NewProvisioner(cfg Config, tool LinkTool, nat NATRules) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Masquerade && nat == nil {
		return nil, appErr.ValidationError("masquerade", "enabled without NAT rules")
	}
	subnet, _ := ParseSubnet(cfg.Subnet)
	return &Provisioner{
		cfg:     cfg,
		subnet:  subnet,
		gateway: GatewayFor(subnet),
		tool:    tool,
		nat:     nat,
		lock:    bridgeLock{dir: cfg.LockDir},
		active:  make(map[string]struct{}),
	}, nil
}

// Subnet returns the parsed bridge subnet.
func (p *Provisioner) Subnet() *net.IPNet {
	return p.subnet
}

// Provision attaches a new veth pair between the bridge and the network
// namespace of pid. ip is checked before any link is touched.
func (p *Provisioner) Provision(ctx context.Context, hostname string, pid int, ip net.IP) (*Link, error) {
	if err := CheckAddress(ip, p.subnet); err != nil {
		return nil, err
	}
	if pid <= 0 {
		return nil, appErr.ValidationError("pid", "invalid")
	}

	unlock, err := p.lock.lock(p.cfg.Bridge)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.NetworkFailed, "lock bridge %s failed", p.cfg.Bridge)
	}
	defer unlock()

	created, err := p.ensureBridge(ctx)
	if err != nil {
		return nil, p.abandonBridge(ctx, created, err)
	}

	host, peer := LinkNames(hostname)
	if err := p.attach(ctx, host, peer, pid); err != nil {
		return nil, p.abandonBridge(ctx, created, err)
	}

	p.mu.Lock()
	p.active[host] = struct{}{}
	p.mu.Unlock()

	link := &Link{
		HostName: host,
		PeerName: peer,
		Bridge:   p.cfg.Bridge,
		Addr:     &net.IPNet{IP: ip.To4(), Mask: p.subnet.Mask},
		Gateway:  p.gateway.IP,
		PID:      pid,
	}
	logger.Info(ctx, "veth provisioned",
		zap.String("host", host),
		zap.String("peer", peer),
		zap.String("bridge", p.cfg.Bridge),
		zap.Int("pid", pid))
	return link, nil
}

// attach creates the veth pair, moves peer into the namespace of pid and
// enslaves host to the bridge. A half-built pair is removed on failure.
func (p *Provisioner) attach(ctx context.Context, host, peer string, pid int) error {
	exists, err := p.tool.LinkExists(host)
	if err != nil {
		return appErr.Wrapf(err, appErr.NetworkFailed, "inspect link %s failed", host)
	}
	if exists {
		logger.Warn(ctx, "removing stale veth", zap.String("link", host))
		if err := p.tool.DeleteLink(host); err != nil && !errors.Is(err, ErrLinkNotFound) {
			return appErr.Wrapf(err, appErr.NetworkFailed, "remove stale link %s failed", host)
		}
	}

	if err := p.tool.AddVethPair(host, peer); err != nil {
		return appErr.Wrapf(err, appErr.NetworkFailed, "create veth %s/%s failed", host, peer)
	}

	steps := []struct {
		what string
		do   func() error
	}{
		{"move peer into namespace", func() error { return p.tool.MoveToNamespace(peer, pid) }},
		{"attach host end to bridge", func() error { return p.tool.SetMaster(host, p.cfg.Bridge) }},
		{"bring host end up", func() error { return p.tool.SetUp(host) }},
	}
	for _, s := range steps {
		if err := s.do(); err != nil {
			if delErr := p.tool.DeleteLink(host); delErr != nil && !errors.Is(delErr, ErrLinkNotFound) {
				logger.Warn(ctx, "rollback veth failed", zap.String("link", host), zap.Error(delErr))
			}
			return appErr.Wrapf(err, appErr.NetworkFailed, "%s failed", s.what)
		}
	}
	return nil
}

// abandonBridge removes a bridge this provision created when the provision
// failed and nothing else uses it. The lock is held by the caller.
func (p *Provisioner) abandonBridge(ctx context.Context, created bool, cause error) error {
	if !created {
		return cause
	}
	p.mu.Lock()
	inUse := len(p.active)
	p.mu.Unlock()
	if inUse > 0 {
		return cause
	}
	ports, err := p.tool.BridgePorts(p.cfg.Bridge)
	if err != nil || len(ports) > 0 {
		return cause
	}
	if errs := p.removeBridge(ctx, p.cfg.Bridge); len(errs) > 0 {
		logger.Warn(ctx, "remove unused bridge failed", zap.String("bridge", p.cfg.Bridge), zap.Error(errors.Join(errs...)))
	}
	return cause
}

// ensureBridge reports whether it created the bridge, also when a later
// step fails.
func (p *Provisioner) ensureBridge(ctx context.Context) (bool, error) {
	bridge := p.cfg.Bridge
	created, err := p.tool.EnsureBridge(bridge)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.NetworkFailed, "create bridge %s failed", bridge)
	}
	if created {
		logger.Info(ctx, "bridge created", zap.String("bridge", bridge))
	}

	has, err := p.tool.HasAddr(bridge, p.gateway)
	if err != nil {
		return created, appErr.Wrapf(err, appErr.NetworkFailed, "inspect bridge address failed")
	}
	if !has {
		if err := p.tool.AddAddr(bridge, p.gateway); err != nil {
			return created, appErr.Wrapf(err, appErr.NetworkFailed, "assign %s to bridge failed", p.gateway)
		}
	}
	if err := p.tool.SetUp(bridge); err != nil {
		return created, appErr.Wrapf(err, appErr.NetworkFailed, "bring bridge up failed")
	}

	if p.cfg.Masquerade {
		if err := p.nat.Ensure(p.subnet, bridge); err != nil {
			return created, appErr.Wrapf(err, appErr.NetworkFailed, "install NAT rules failed")
		}
	}
	return created, nil
}

// Configure assigns the session address inside the namespace, brings the
// peer and loopback up and routes through the bridge.
func (p *Provisioner) Configure(ctx context.Context, link *Link) error {
	if err := p.tool.ConfigureInNamespace(link.PID, link.PeerName, link.Addr, link.Gateway); err != nil {
		return appErr.Wrapf(err, appErr.NetworkFailed, "configure %s in namespace failed", link.PeerName)
	}
	logger.Info(ctx, "namespace network configured",
		zap.String("peer", link.PeerName),
		zap.String("addr", link.Addr.String()),
		zap.String("gateway", link.Gateway.String()))
	return nil
}

// Decommission removes the host end of link and, if no port is left on
// the bridge, the bridge itself. Every step is attempted; failures come
// back joined as one CleanupFailed.
func (p *Provisioner) Decommission(ctx context.Context, link *Link) error {
	unlock, err := p.lock.lock(link.Bridge)
	if err != nil {
		return appErr.Wrapf(err, appErr.CleanupFailed, "lock bridge %s failed", link.Bridge)
	}
	defer unlock()

	var errs []error
	if err := p.tool.SetDown(link.HostName); err != nil && !errors.Is(err, ErrLinkNotFound) {
		errs = append(errs, err)
	}
	if err := p.tool.DeleteLink(link.HostName); err != nil && !errors.Is(err, ErrLinkNotFound) {
		errs = append(errs, err)
	}

	p.mu.Lock()
	delete(p.active, link.HostName)
	inUse := len(p.active)
	p.mu.Unlock()

	ports, err := p.tool.BridgePorts(link.Bridge)
	switch {
	case errors.Is(err, ErrLinkNotFound):
		logger.Debug(ctx, "bridge already gone", zap.String("bridge", link.Bridge))
	case err != nil:
		errs = append(errs, err)
	case len(ports) == 0 && inUse == 0:
		errs = append(errs, p.removeBridge(ctx, link.Bridge)...)
	default:
		logger.Debug(ctx, "bridge still in use", zap.String("bridge", link.Bridge), zap.Strings("ports", ports))
	}

	if len(errs) > 0 {
		err := appErr.Wrapf(errors.Join(errs...), appErr.CleanupFailed, "decommission %s failed", link.HostName)
		logger.Warn(ctx, "network cleanup failed", zap.String("link", link.HostName), zap.Error(err))
		return err
	}
	logger.Info(ctx, "veth removed", zap.String("host", link.HostName))
	return nil
}

func (p *Provisioner) removeBridge(ctx context.Context, bridge string) []error {
	var errs []error
	if p.cfg.Masquerade {
		if err := p.nat.Remove(p.subnet, bridge); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.tool.SetDown(bridge); err != nil && !errors.Is(err, ErrLinkNotFound) {
		errs = append(errs, err)
	}
	if err := p.tool.DeleteLink(bridge); err != nil && !errors.Is(err, ErrLinkNotFound) {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		logger.Info(ctx, "bridge removed", zap.String("bridge", bridge))
	}
	return errs
}
