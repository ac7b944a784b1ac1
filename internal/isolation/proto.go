package isolation

import (
	"fmt"
	"path/filepath"
	"strings"

	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"github.com/fxamacker/cbor/v2"
)

// AttachMode selects how the entry process enters the session cgroup.
type AttachMode string

const (
	// AttachClone starts the entry process directly inside the group.
	AttachClone AttachMode = "clone"
	// AttachProcs writes the init pid to cgroup.procs before release.
	AttachProcs AttachMode = "procs"
)

// ParseAttachMode accepts "clone" or "procs".
func ParseAttachMode(s string) (AttachMode, error) {
	switch AttachMode(s) {
	case AttachClone, AttachProcs:
		return AttachMode(s), nil
	}
	return "", appErr.ValidationError("attach mode", fmt.Sprintf("%q is not clone or procs", s))
}

// Bootstrap is everything the init needs, written into the stack block
// by the parent and mapped read-only by the child.
type Bootstrap struct {
	SessionID    string     `cbor:"session_id"`
	Hostname     string     `cbor:"hostname"`
	Root         string     `cbor:"root"`
	Command      []string   `cbor:"command"`
	Env          []string   `cbor:"env"`
	SharedSource string     `cbor:"shared_source,omitempty"`
	SharedTarget string     `cbor:"shared_target,omitempty"`
	AttachMode   AttachMode `cbor:"attach_mode"`
	LogLevel     string     `cbor:"log_level,omitempty"`
	LogFormat    string     `cbor:"log_format,omitempty"`
}

// Validate rejects records the init could not act on.
func (b *Bootstrap) Validate() error {
	if b.Hostname == "" {
		return appErr.ValidationError("hostname", "is required")
	}
	if !filepath.IsAbs(b.Root) {
		return appErr.ValidationError("root", "must be an absolute path")
	}
	if len(b.Command) == 0 || b.Command[0] == "" {
		return appErr.ValidationError("command", "is required")
	}
	if (b.SharedSource == "") != (b.SharedTarget == "") {
		return appErr.ValidationError("shared", "source and target must be set together")
	}
	if b.SharedTarget != "" && !filepath.IsAbs(b.SharedTarget) {
		return appErr.ValidationError("shared target", "must be absolute inside the root")
	}
	if _, err := ParseAttachMode(string(b.AttachMode)); err != nil {
		return err
	}
	return nil
}

// Stage is the progress an init reports over the status pipe.
type Stage string

const (
	StageReady   Stage = "ready"
	StageStarted Stage = "started"
	StageFailed  Stage = "failed"
)

// FailureKind classifies a failed report.
type FailureKind string

const (
	FailNamespace FailureKind = "namespace"
	FailMount     FailureKind = "mount"
	FailExec      FailureKind = "exec"
)

// Report is one message from the init.
type Report struct {
	Stage   Stage       `cbor:"stage"`
	Kind    FailureKind `cbor:"kind,omitempty"`
	Message string      `cbor:"message,omitempty"`
}

// Err converts a failed report into a coded error; other stages yield nil.
func (r Report) Err() error {
	if r.Stage != StageFailed {
		return nil
	}
	code := appErr.NamespaceFailed
	switch r.Kind {
	case FailMount:
		code = appErr.MountFailed
	case FailExec:
		code = appErr.ExecFailed
	}
	return appErr.Newf(code, "init %s failure: %s", r.Kind, r.Message)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("isolation: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("isolation: CBOR decoder initialization failed: " + err.Error())
	}
}

// writeBootstrap encodes b at the start of mem. The rest of mem stays zero.
func writeBootstrap(mem []byte, b *Bootstrap) error {
	data, err := encMode.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bootstrap: %w", err)
	}
	if len(data) > len(mem) {
		return fmt.Errorf("bootstrap record of %d bytes exceeds block of %d", len(data), len(mem))
	}
	copy(mem, data)
	return nil
}

// readBootstrap decodes the first CBOR item in mem and ignores the zero tail.
func readBootstrap(mem []byte) (*Bootstrap, error) {
	var b Bootstrap
	if _, err := decMode.UnmarshalFirst(mem, &b); err != nil {
		return nil, fmt.Errorf("decode bootstrap: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// envValue looks key up in a KEY=VALUE list.
func envValue(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}
