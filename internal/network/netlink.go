//go:build linux

package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// NetlinkTool implements LinkTool over rtnetlink.
type NetlinkTool struct{}

func linkByName(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if strings.Contains(err.Error(), "Link not found") {
			return nil, fmt.Errorf("%s: %w", name, ErrLinkNotFound)
		}
		return nil, err
	}
	return link, nil
}

// EnsureBridge creates name as a bridge; an existing bridge is left alone.
func (NetlinkTool) EnsureBridge(name string) (bool, error) {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	err := netlink.LinkAdd(&netlink.Bridge{LinkAttrs: attrs})
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return false, err
	}
	link, err := linkByName(name)
	if err != nil {
		return false, err
	}
	if link.Type() != "bridge" {
		return false, fmt.Errorf("link %s exists and is a %s, not a bridge", name, link.Type())
	}
	return false, nil
}

// AddVethPair creates host<->peer.
func (NetlinkTool) AddVethPair(host, peer string) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = host
	return netlink.LinkAdd(&netlink.Veth{LinkAttrs: attrs, PeerName: peer})
}

// MoveToNamespace moves name into the network namespace of pid.
func (NetlinkTool) MoveToNamespace(name string, pid int) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetNsPid(link, pid)
}

// AddAddr assigns addr to name; an address already present is accepted.
func (NetlinkTool) AddAddr(name string, addr *net.IPNet) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

// HasAddr reports whether addr is assigned to name.
func (NetlinkTool) HasAddr(name string, addr *net.IPNet) (bool, error) {
	link, err := linkByName(name)
	if err != nil {
		return false, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if a.IPNet != nil && a.IP.Equal(addr.IP) && a.Mask.String() == addr.Mask.String() {
			return true, nil
		}
	}
	return false, nil
}

// SetMaster enslaves name to bridge.
func (NetlinkTool) SetMaster(name, bridge string) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	br, err := linkByName(bridge)
	if err != nil {
		return err
	}
	return netlink.LinkSetMasterByIndex(link, br.Attrs().Index)
}

// SetUp brings name up.
func (NetlinkTool) SetUp(name string) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

// SetDown brings name down.
func (NetlinkTool) SetDown(name string) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetDown(link)
}

// DeleteLink removes name. Deleting one end of a veth removes its peer.
func (NetlinkTool) DeleteLink(name string) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkDel(link)
}

// LinkExists reports whether name is present in the host namespace.
func (NetlinkTool) LinkExists(name string) (bool, error) {
	_, err := linkByName(name)
	if errors.Is(err, ErrLinkNotFound) {
		return false, nil
	}
	return err == nil, err
}

// BridgePorts lists links whose master is bridge.
func (NetlinkTool) BridgePorts(bridge string) ([]string, error) {
	br, err := linkByName(bridge)
	if err != nil {
		return nil, err
	}
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	var ports []string
	for _, l := range links {
		if l.Attrs().MasterIndex == br.Attrs().Index {
			ports = append(ports, l.Attrs().Name)
		}
	}
	return ports, nil
}

// ConfigureInNamespace works through a netlink handle bound to the
// target namespace, so the calling thread never changes namespace.
func (NetlinkTool) ConfigureInNamespace(pid int, name string, addr *net.IPNet, gateway net.IP) error {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("open netns of pid %d: %w", pid, err)
	}
	defer ns.Close()

	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle in netns of pid %d: %w", pid, err)
	}
	defer handle.Delete()

	link, err := handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find %s in namespace: %w", name, err)
	}
	if err := handle.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("assign %s to %s: %w", addr, name, err)
	}
	if err := handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", name, err)
	}

	// up namespace loopback interface
	if lo, err := handle.LinkByName("lo"); err == nil {
		if err := handle.LinkSetUp(lo); err != nil {
			return fmt.Errorf("bring up lo: %w", err)
		}
	}

	if gateway != nil {
		route := &netlink.Route{
			Scope:     netlink.SCOPE_UNIVERSE,
			LinkIndex: link.Attrs().Index,
			Gw:        gateway,
		}
		if err := handle.RouteAdd(route); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("add default route via %s: %w", gateway, err)
		}
	}
	return nil
}
