package network

import (
	"encoding/binary"
	"net"

	appErr "github.com/Lylelee/nsjail/pkg/errors"
)

// ParseSubnet parses an IPv4 CIDR with room for a gateway and one host.
func ParseSubnet(cidr string) (*net.IPNet, error) {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, appErr.ValidationError("subnet", err.Error())
	}
	if subnet.IP.To4() == nil {
		return nil, appErr.ValidationError("subnet", "only IPv4 subnets are supported")
	}
	if ones, _ := subnet.Mask.Size(); ones > 30 {
		return nil, appErr.ValidationError("subnet", "prefix must be /30 or shorter")
	}
	subnet.IP = subnet.IP.To4()
	return subnet, nil
}

// GatewayFor returns the first host address of subnet, which the bridge owns.
func GatewayFor(subnet *net.IPNet) *net.IPNet {
	n := binary.BigEndian.Uint32(subnet.IP.To4())
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n+1)
	return &net.IPNet{IP: ip, Mask: subnet.Mask}
}

func broadcastFor(subnet *net.IPNet) net.IP {
	n := binary.BigEndian.Uint32(subnet.IP.To4())
	m := binary.BigEndian.Uint32(net.IP(subnet.Mask).To4())
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n|^m)
	return ip
}

// CheckAddress accepts ip only if it is a usable host address of subnet
// that the bridge does not own.
func CheckAddress(ip net.IP, subnet *net.IPNet) error {
	ip4 := ip.To4()
	if ip4 == nil {
		return appErr.ValidationError("ip", "must be an IPv4 address")
	}
	if !subnet.Contains(ip4) {
		return appErr.AddressRangeError(ip4.String(), subnet.String())
	}
	switch {
	case ip4.Equal(subnet.IP):
		return appErr.ValidationError("ip", "is the network address")
	case ip4.Equal(broadcastFor(subnet)):
		return appErr.ValidationError("ip", "is the broadcast address")
	case ip4.Equal(GatewayFor(subnet).IP):
		return appErr.ValidationError("ip", "is reserved for the bridge")
	}
	return nil
}
