package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10099: Generic errors
// 10100-10199: Input validation
// 10200-10299: Isolation (namespaces, mounts, exec)
// 10300-10399: Resource governor (cgroup)
// 10400-10499: Network provisioner
// 10500-10599: Teardown
const (
	Success       ErrorCode = 10000
	InternalError ErrorCode = 10001
	NotPrivileged ErrorCode = 10002
	Cancelled     ErrorCode = 10003

	ValidationFailed  ErrorCode = 10100
	AddressOutOfRange ErrorCode = 10101

	NamespaceFailed ErrorCode = 10200
	MountFailed     ErrorCode = 10201
	ExecFailed      ErrorCode = 10202

	CgroupFailed ErrorCode = 10300

	NetworkFailed ErrorCode = 10400

	CleanupFailed ErrorCode = 10500
)

var errorMessages = map[ErrorCode]string{
	Success:           "Success",
	InternalError:     "Internal error",
	NotPrivileged:     "Root privilege required",
	Cancelled:         "Session cancelled",
	ValidationFailed:  "Validation failed",
	AddressOutOfRange: "Address outside allowed subnet",
	NamespaceFailed:   "Failed to create namespaced context",
	MountFailed:       "Mount setup failed",
	ExecFailed:        "Failed to start entry command",
	CgroupFailed:      "Control group operation failed",
	NetworkFailed:     "Network operation failed",
	CleanupFailed:     "Cleanup failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// ExitCode returns the process exit status used by the command line
func (c ErrorCode) ExitCode() int {
	switch {
	case c == Success:
		return 0
	case c == Cancelled:
		return 130
	case c >= 10100 && c < 10200:
		return 2
	default:
		return 1
	}
}
