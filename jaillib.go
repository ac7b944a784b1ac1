package jail

import (
	"os"
	"strings"

	appErr "github.com/Lylelee/nsjail/pkg/errors"
)

// defaultSharedTarget is where a shared folder appears when only the
// host side is given.
const defaultSharedTarget = "/shared"

// RequireRoot fails unless the process runs with effective uid 0.
// Creating namespaces, cgroups and veth pairs all need it.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return appErr.Newf(appErr.NotPrivileged, "need root to run this program: namespaces, cgroups and veth pairs require root privilege")
	}
	return nil
}

// ParseShared splits "host_dir[:target]" into source and target. The
// target is a path inside the session root.
func ParseShared(s string) (source, target string, err error) {
	if s == "" {
		return "", "", nil
	}
	source, target, _ = strings.Cut(s, ":")
	if target == "" {
		target = defaultSharedTarget
	}
	if !strings.HasPrefix(source, "/") {
		return "", "", appErr.ValidationError("shared", "host directory must be absolute")
	}
	if !strings.HasPrefix(target, "/") {
		return "", "", appErr.ValidationError("shared", "target must be absolute inside the root")
	}
	return source, target, nil
}

// cgroupName is the group a session's processes live in.
func cgroupName(hostname string) string {
	return "jail-" + hostname
}
