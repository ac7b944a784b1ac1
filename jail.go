// Package jail runs one isolated session: a process tree in its own PID,
// UTS, mount and network namespaces, bounded by a cgroup and attached to
// a host bridge.
package jail

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/Lylelee/nsjail/internal/network"
	appErr "github.com/Lylelee/nsjail/pkg/errors"
)

const maxHostnameLen = 63

// SessionSpec is the validated, immutable description of one session.
type SessionSpec struct {
	RootPath string
	Hostname string
	IP       net.IP
	Command  []string
}

// NewSessionSpec validates the operator's input. The address must be a
// usable host address of subnet.
func NewSessionSpec(root, hostname, ip string, command []string, subnet *net.IPNet) (*SessionSpec, error) {
	if root == "" || !filepath.IsAbs(root) {
		return nil, appErr.ValidationError("root path", "must be an absolute path")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, appErr.ValidationError("root path", err.Error())
	}
	if !info.IsDir() {
		return nil, appErr.ValidationError("root path", "is not a directory")
	}

	if err := validateHostname(hostname); err != nil {
		return nil, err
	}

	if len(command) == 0 || command[0] == "" {
		return nil, appErr.ValidationError("command", "is required")
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, appErr.ValidationError("ip", fmt.Sprintf("%q is not an IP address", ip))
	}
	if err := network.CheckAddress(addr, subnet); err != nil {
		return nil, err
	}

	return &SessionSpec{
		RootPath: filepath.Clean(root),
		Hostname: hostname,
		IP:       addr.To4(),
		Command:  append([]string(nil), command...),
	}, nil
}

// validateHostname accepts a single RFC 1123 label.
func validateHostname(h string) error {
	if h == "" || len(h) > maxHostnameLen {
		return appErr.ValidationError("hostname", "must be 1 to 63 characters")
	}
	if h[0] == '-' || h[len(h)-1] == '-' {
		return appErr.ValidationError("hostname", "must not start or end with a hyphen")
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return appErr.ValidationError("hostname", fmt.Sprintf("invalid character %q", r))
		}
	}
	return nil
}
