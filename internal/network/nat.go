package network

import (
	"net"
	"os"

	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"github.com/coreos/go-iptables/iptables"
)

const ruleComment = "jail rule"

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

type rule struct {
	table string
	chain string
	spec  []string
}

func natRules(subnet *net.IPNet, bridge string) []rule {
	tag := []string{"-m", "comment", "--comment", ruleComment}
	return []rule{
		{"nat", "POSTROUTING", append([]string{"-s", subnet.String(), "!", "-o", bridge}, append(tag, "-j", "MASQUERADE")...)},
		{"filter", "FORWARD", append([]string{"-i", bridge}, append(tag, "-j", "ACCEPT")...)},
		{"filter", "FORWARD", append([]string{"-o", bridge}, append(tag, "-j", "ACCEPT")...)},
	}
}

// IPTablesNAT masquerades the bridge subnet behind the host.
type IPTablesNAT struct {
	ipt *iptables.IPTables
}

// NewIPTablesNAT binds to the host's iptables binary.
func NewIPTablesNAT() (*IPTablesNAT, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.NetworkFailed, "locate iptables failed")
	}
	return &IPTablesNAT{ipt: ipt}, nil
}

// Ensure appends the rules that are not already present and turns on
// IPv4 forwarding. Forwarding is left on afterwards.
func (n *IPTablesNAT) Ensure(subnet *net.IPNet, bridge string) error {
	for _, r := range natRules(subnet, bridge) {
		has, err := n.ipt.Exists(r.table, r.chain, r.spec...)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if err := n.ipt.Append(r.table, r.chain, r.spec...); err != nil {
			return err
		}
	}
	return os.WriteFile(ipForwardPath, []byte("1"), 0644)
}

// Remove deletes whichever of the rules are present.
func (n *IPTablesNAT) Remove(subnet *net.IPNet, bridge string) error {
	for _, r := range natRules(subnet, bridge) {
		has, err := n.ipt.Exists(r.table, r.chain, r.spec...)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		if err := n.ipt.Delete(r.table, r.chain, r.spec...); err != nil {
			return err
		}
	}
	return nil
}
