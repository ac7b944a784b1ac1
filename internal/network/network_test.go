//go:build linux

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"

	appErr "github.com/Lylelee/nsjail/pkg/errors"
)

type fakeLink struct {
	kind   string
	master string
	up     bool
	nsPID  int
	addrs  []string
}

// fakeTool keeps links in memory and records every call.
type fakeTool struct {
	mu    sync.Mutex
	links map[string]*fakeLink
	calls []string
	fail  map[string]error
}

func newFakeTool() *fakeTool {
	return &fakeTool{links: make(map[string]*fakeLink), fail: make(map[string]error)}
}

func (f *fakeTool) record(op string, args ...interface{}) error {
	f.calls = append(f.calls, strings.TrimSpace(op+" "+fmt.Sprint(args...)))
	return f.fail[op]
}

func (f *fakeTool) get(name string) (*fakeLink, error) {
	l, ok := f.links[name]
	if !ok || l.nsPID != 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrLinkNotFound)
	}
	return l, nil
}

func (f *fakeTool) EnsureBridge(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("EnsureBridge", name); err != nil {
		return false, err
	}
	if _, ok := f.links[name]; ok {
		return false, nil
	}
	f.links[name] = &fakeLink{kind: "bridge"}
	return true, nil
}

func (f *fakeTool) AddVethPair(host, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddVethPair", host, " ", peer); err != nil {
		return err
	}
	if _, ok := f.links[host]; ok {
		return errors.New("file exists")
	}
	f.links[host] = &fakeLink{kind: "veth"}
	f.links[peer] = &fakeLink{kind: "veth"}
	return nil
}

func (f *fakeTool) MoveToNamespace(name string, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MoveToNamespace", name); err != nil {
		return err
	}
	l, err := f.get(name)
	if err != nil {
		return err
	}
	l.nsPID = pid
	return nil
}

func (f *fakeTool) AddAddr(name string, addr *net.IPNet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddAddr", name); err != nil {
		return err
	}
	l, err := f.get(name)
	if err != nil {
		return err
	}
	l.addrs = append(l.addrs, addr.String())
	return nil
}

func (f *fakeTool) HasAddr(name string, addr *net.IPNet) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.get(name)
	if err != nil {
		return false, err
	}
	for _, a := range l.addrs {
		if a == addr.String() {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTool) SetMaster(name, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetMaster", name); err != nil {
		return err
	}
	l, err := f.get(name)
	if err != nil {
		return err
	}
	if _, err := f.get(bridge); err != nil {
		return err
	}
	l.master = bridge
	return nil
}

func (f *fakeTool) SetUp(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetUp", name); err != nil {
		return err
	}
	l, err := f.get(name)
	if err != nil {
		return err
	}
	l.up = true
	return nil
}

func (f *fakeTool) SetDown(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetDown", name); err != nil {
		return err
	}
	l, err := f.get(name)
	if err != nil {
		return err
	}
	l.up = false
	return nil
}

func (f *fakeTool) DeleteLink(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteLink", name); err != nil {
		return err
	}
	if _, err := f.get(name); err != nil {
		return err
	}
	delete(f.links, name)
	// Deleting a veth end takes its peer with it.
	if strings.HasSuffix(name, "a") {
		delete(f.links, strings.TrimSuffix(name, "a")+"b")
	}
	for _, l := range f.links {
		if l.master == name {
			l.master = ""
		}
	}
	return nil
}

func (f *fakeTool) LinkExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.get(name)
	return err == nil, nil
}

func (f *fakeTool) BridgePorts(bridge string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(bridge); err != nil {
		return nil, err
	}
	var ports []string
	for name, l := range f.links {
		if l.master == bridge {
			ports = append(ports, name)
		}
	}
	sort.Strings(ports)
	return ports, nil
}

func (f *fakeTool) ConfigureInNamespace(pid int, name string, addr *net.IPNet, gateway net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ConfigureInNamespace", name); err != nil {
		return err
	}
	l, ok := f.links[name]
	if !ok || l.nsPID != pid {
		return fmt.Errorf("%s not in namespace of %d", name, pid)
	}
	l.addrs = append(l.addrs, addr.String())
	l.up = true
	return nil
}

func (f *fakeTool) exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.links[name]
	return ok
}

type fakeNAT struct {
	installed bool
	ensured   int
	removed   int
}

func (n *fakeNAT) Ensure(*net.IPNet, string) error {
	n.installed = true
	n.ensured++
	return nil
}

func (n *fakeNAT) Remove(*net.IPNet, string) error {
	n.installed = false
	n.removed++
	return nil
}

func newTestProvisioner(t *testing.T, tool LinkTool, nat NATRules) *Provisioner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LockDir = t.TempDir()
	cfg.Masquerade = nat != nil
	p, err := NewProvisioner(cfg, tool, nat)
	if err != nil {
		t.Fatalf("new provisioner: %v", err)
	}
	return p
}

func TestProvisionRejectsOutOfRangeBeforeAnyCall(t *testing.T) {
	tool := newFakeTool()
	p := newTestProvisioner(t, tool, nil)

	tests := []struct {
		ip   string
		code appErr.ErrorCode
	}{
		{"10.0.0.5", appErr.AddressOutOfRange},
		{"192.168.2.50", appErr.AddressOutOfRange},
		{"192.168.1.0", appErr.ValidationFailed},
		{"192.168.1.1", appErr.ValidationFailed},
		{"192.168.1.255", appErr.ValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			_, err := p.Provision(context.Background(), "c1", 100, net.ParseIP(tt.ip))
			if !appErr.Is(err, tt.code) {
				t.Fatalf("err = %v, want code %d", err, tt.code)
			}
		})
	}
	if len(tool.calls) != 0 {
		t.Fatalf("link tool was called: %v", tool.calls)
	}
}

func TestProvisionAndDecommission(t *testing.T) {
	tool := newFakeTool()
	nat := &fakeNAT{}
	p := newTestProvisioner(t, tool, nat)
	ctx := context.Background()

	link, err := p.Provision(ctx, "c1", 100, net.ParseIP("192.168.1.50"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if link.HostName != "jc1a" || link.PeerName != "jc1b" || link.Bridge != "jail0" {
		t.Fatalf("link = %+v", link)
	}
	if link.Addr.String() != "192.168.1.50/24" || link.Gateway.String() != "192.168.1.1" {
		t.Fatalf("addr = %s gw = %s", link.Addr, link.Gateway)
	}
	br := tool.links["jail0"]
	if !br.up || len(br.addrs) != 1 || br.addrs[0] != "192.168.1.1/24" {
		t.Fatalf("bridge = %+v", br)
	}
	if tool.links["jc1a"].master != "jail0" || !tool.links["jc1a"].up {
		t.Fatalf("host end = %+v", tool.links["jc1a"])
	}
	if tool.links["jc1b"].nsPID != 100 {
		t.Fatalf("peer not moved: %+v", tool.links["jc1b"])
	}
	if !nat.installed {
		t.Fatal("NAT rules not installed")
	}

	if err := p.Configure(ctx, link); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if got := tool.links["jc1b"].addrs; len(got) != 1 || got[0] != "192.168.1.50/24" {
		t.Fatalf("peer addrs = %v", got)
	}

	if err := p.Decommission(ctx, link); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	for _, name := range []string{"jc1a", "jc1b", "jail0"} {
		if tool.exists(name) {
			t.Errorf("%s still exists", name)
		}
	}
	if nat.installed || nat.removed != 1 {
		t.Errorf("NAT not removed: %+v", nat)
	}
}

func TestBridgeCreationIsIdempotent(t *testing.T) {
	tool := newFakeTool()
	tool.links["jail0"] = &fakeLink{kind: "bridge", up: true, addrs: []string{"192.168.1.1/24"}}
	p := newTestProvisioner(t, tool, nil)

	if _, err := p.Provision(context.Background(), "c1", 100, net.ParseIP("192.168.1.50")); err != nil {
		t.Fatalf("provision with existing bridge: %v", err)
	}
	if got := tool.links["jail0"].addrs; len(got) != 1 {
		t.Fatalf("bridge address assigned twice: %v", got)
	}
}

func TestSharedBridgeOutlivesFirstSession(t *testing.T) {
	tool := newFakeTool()
	p := newTestProvisioner(t, tool, nil)
	ctx := context.Background()

	first, err := p.Provision(ctx, "c1", 100, net.ParseIP("192.168.1.50"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Provision(ctx, "c2", 200, net.ParseIP("192.168.1.51"))
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Decommission(ctx, first); err != nil {
		t.Fatalf("decommission first: %v", err)
	}
	if !tool.exists("jail0") {
		t.Fatal("bridge removed while a session still uses it")
	}
	if !tool.exists("jc2a") {
		t.Fatal("second session's link removed")
	}

	if err := p.Decommission(ctx, second); err != nil {
		t.Fatalf("decommission second: %v", err)
	}
	if tool.exists("jail0") {
		t.Fatal("bridge left behind after last session")
	}
}

func TestBridgeKeptForForeignPorts(t *testing.T) {
	tool := newFakeTool()
	p := newTestProvisioner(t, tool, nil)
	ctx := context.Background()

	link, err := p.Provision(ctx, "c1", 100, net.ParseIP("192.168.1.50"))
	if err != nil {
		t.Fatal(err)
	}
	// A port owned by another process on the same host.
	tool.links["jothera"] = &fakeLink{kind: "veth", master: "jail0"}

	if err := p.Decommission(ctx, link); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	if !tool.exists("jail0") {
		t.Fatal("bridge removed while another process has a port on it")
	}
}

func TestProvisionReplacesStaleLink(t *testing.T) {
	tool := newFakeTool()
	tool.links["jc1a"] = &fakeLink{kind: "veth"}
	tool.links["jc1b"] = &fakeLink{kind: "veth"}
	p := newTestProvisioner(t, tool, nil)

	if _, err := p.Provision(context.Background(), "c1", 100, net.ParseIP("192.168.1.50")); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if tool.links["jc1b"].nsPID != 100 {
		t.Fatal("fresh peer was not moved into the namespace")
	}
}

func TestProvisionRollsBackOnMoveFailure(t *testing.T) {
	tool := newFakeTool()
	tool.fail["MoveToNamespace"] = errors.New("no such process")
	p := newTestProvisioner(t, tool, nil)

	_, err := p.Provision(context.Background(), "c1", 100, net.ParseIP("192.168.1.50"))
	if !appErr.Is(err, appErr.NetworkFailed) {
		t.Fatalf("err = %v, want NetworkFailed", err)
	}
	if tool.exists("jc1a") || tool.exists("jc1b") {
		t.Fatal("veth pair left behind after failure")
	}
}

func TestFailedProvisionRemovesCreatedBridge(t *testing.T) {
	tool := newFakeTool()
	tool.fail["AddVethPair"] = errors.New("veth create refused")
	nat := &fakeNAT{}
	p := newTestProvisioner(t, tool, nat)

	_, err := p.Provision(context.Background(), "c1", 100, net.ParseIP("192.168.1.50"))
	if !appErr.Is(err, appErr.NetworkFailed) {
		t.Fatalf("err = %v, want NetworkFailed", err)
	}
	if tool.exists("jail0") {
		t.Fatal("bridge left behind after failed provision")
	}
	if nat.installed {
		t.Fatal("NAT rules left behind after failed provision")
	}
}

func TestFailedProvisionKeepsExistingBridge(t *testing.T) {
	tool := newFakeTool()
	tool.links["jail0"] = &fakeLink{kind: "bridge"}
	tool.fail["AddVethPair"] = errors.New("veth create refused")
	p := newTestProvisioner(t, tool, nil)

	if _, err := p.Provision(context.Background(), "c1", 100, net.ParseIP("192.168.1.50")); err == nil {
		t.Fatal("provision succeeded")
	}
	if !tool.exists("jail0") {
		t.Fatal("pre-existing bridge removed by a failed provision")
	}
}

func TestFailedProvisionKeepsBridgeOfActiveSession(t *testing.T) {
	tool := newFakeTool()
	p := newTestProvisioner(t, tool, nil)
	ctx := context.Background()
	if _, err := p.Provision(ctx, "c1", 100, net.ParseIP("192.168.1.50")); err != nil {
		t.Fatal(err)
	}
	tool.fail["AddVethPair"] = errors.New("veth create refused")

	if _, err := p.Provision(ctx, "c2", 101, net.ParseIP("192.168.1.51")); err == nil {
		t.Fatal("provision succeeded")
	}
	if !tool.exists("jail0") || !tool.exists("jc1a") {
		t.Fatal("first session lost its bridge or link")
	}
}

func TestDecommissionToleratesMissingLink(t *testing.T) {
	tool := newFakeTool()
	p := newTestProvisioner(t, tool, nil)
	link := &Link{HostName: "jgonea", PeerName: "jgoneb", Bridge: "jail0"}
	if err := p.Decommission(context.Background(), link); err != nil {
		t.Fatalf("decommission of absent link: %v", err)
	}
}

func TestDecommissionReportsCleanupFailure(t *testing.T) {
	tool := newFakeTool()
	p := newTestProvisioner(t, tool, nil)
	ctx := context.Background()
	link, err := p.Provision(ctx, "c1", 100, net.ParseIP("192.168.1.50"))
	if err != nil {
		t.Fatal(err)
	}
	tool.fail["DeleteLink"] = errors.New("device or resource busy")

	err = p.Decommission(ctx, link)
	if !appErr.Is(err, appErr.CleanupFailed) {
		t.Fatalf("err = %v, want CleanupFailed", err)
	}
}

func TestLinkNames(t *testing.T) {
	tests := []struct {
		hostname string
		host     string
		peer     string
	}{
		{"c1", "jc1a", "jc1b"},
		{"web-01", "jweb-01a", "jweb-01b"},
		{"abcdefghijklm", "jabcdefghijklma", "jabcdefghijklmb"},
	}
	for _, tt := range tests {
		host, peer := LinkNames(tt.hostname)
		if host != tt.host || peer != tt.peer {
			t.Errorf("LinkNames(%q) = %s, %s", tt.hostname, host, peer)
		}
	}

	long := "a-very-long-session-hostname"
	host, peer := LinkNames(long)
	if len(host) != 10 || len(peer) != 10 {
		t.Fatalf("hashed names %q %q", host, peer)
	}
	if again, _ := LinkNames(long); again != host {
		t.Fatal("names are not deterministic")
	}
	if other, _ := LinkNames(long + "2"); other == host {
		t.Fatal("distinct hostnames collided")
	}
	if odd, _ := LinkNames("c_1"); odd == "jc_1a" {
		t.Fatal("underscore kept in interface name")
	}
}

func TestCheckAddress(t *testing.T) {
	subnet, err := ParseSubnet("10.8.8.0/24")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		ip   net.IP
		code appErr.ErrorCode
	}{
		{net.ParseIP("10.8.8.2"), appErr.Success},
		{net.ParseIP("10.8.8.254"), appErr.Success},
		{net.ParseIP("10.8.9.2"), appErr.AddressOutOfRange},
		{net.ParseIP("10.8.8.1"), appErr.ValidationFailed},
		{net.ParseIP("10.8.8.255"), appErr.ValidationFailed},
		{net.ParseIP("::1"), appErr.ValidationFailed},
	}
	for _, tt := range tests {
		if got := appErr.GetCode(CheckAddress(tt.ip, subnet)); got != tt.code {
			t.Errorf("CheckAddress(%s) code = %d, want %d", tt.ip, got, tt.code)
		}
	}
}

func TestParseSubnet(t *testing.T) {
	for _, bad := range []string{"", "10.0.0.0", "fd00::/64", "10.0.0.0/31"} {
		if _, err := ParseSubnet(bad); !appErr.Is(err, appErr.ValidationFailed) {
			t.Errorf("ParseSubnet(%q) = %v", bad, err)
		}
	}
	subnet, err := ParseSubnet("192.168.1.77/24")
	if err != nil {
		t.Fatal(err)
	}
	if subnet.String() != "192.168.1.0/24" {
		t.Errorf("subnet = %s", subnet)
	}
	if gw := GatewayFor(subnet); gw.String() != "192.168.1.1/24" {
		t.Errorf("gateway = %s", gw)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Bridge = "a-bridge-name-too-long"
	if err := cfg.Validate(); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("long bridge = %v", err)
	}
	cfg = DefaultConfig()
	cfg.Masquerade = true
	if _, err := NewProvisioner(cfg, newFakeTool(), nil); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("masquerade without NAT = %v", err)
	}
}
