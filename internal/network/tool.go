package network

import (
	"errors"
	"net"
)

// ErrLinkNotFound is returned by a LinkTool when the named link is absent.
var ErrLinkNotFound = errors.New("Link not found")

// LinkTool is the link-management surface the provisioner depends on.
// Every method reports success or failure; the provisioner classifies it.
type LinkTool interface {
	// EnsureBridge creates the bridge unless it already exists.
	EnsureBridge(name string) (created bool, err error)
	AddVethPair(host, peer string) error
	MoveToNamespace(name string, pid int) error
	AddAddr(name string, addr *net.IPNet) error
	HasAddr(name string, addr *net.IPNet) (bool, error)
	SetMaster(name, bridge string) error
	SetUp(name string) error
	SetDown(name string) error
	DeleteLink(name string) error
	LinkExists(name string) (bool, error)
	// BridgePorts lists the links enslaved to bridge.
	BridgePorts(bridge string) ([]string, error)
	// ConfigureInNamespace assigns addr to name inside pid's network
	// namespace, brings it and loopback up and routes via gateway.
	ConfigureInNamespace(pid int, name string, addr *net.IPNet, gateway net.IP) error
}

// NATRules installs host masquerading for a bridge subnet.
type NATRules interface {
	Ensure(subnet *net.IPNet, bridge string) error
	Remove(subnet *net.IPNet, bridge string) error
}
