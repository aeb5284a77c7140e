// Package apperrors provides structured application errors for job cycles.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrImageNotFound   = errors.New("image not found")
	ErrPullFailed      = errors.New("image pull failed")
	ErrConfigInvalid   = errors.New("connector configuration invalid")
	ErrExecutionFailed = errors.New("connector execution failed")
	ErrStateParse      = errors.New("state parse error")
	ErrManifestCorrupt = errors.New("manifest corrupt")
	ErrLockTimeout     = errors.New("lock acquisition timeout")
	ErrResourceFetch   = errors.New("resource fetch failed")
)

// Connector sides for ExecutionFailed classification.
const (
	SideSource      = "source"
	SideDestination = "destination"
)

// Error provides a structured error with job-cycle context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Image    string // Connector image involved, if any
	Stage    string // Cycle stage that failed (e.g. "validate", "run")
	Side     string // Connector side for execution failures
	Op       string // Operation that failed (e.g. "docker.pull")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// ImageNotFound reports a connector image missing after a pull attempt.
func ImageNotFound(image string) error {
	return &Error{
		Sentinel: ErrImageNotFound,
		Message:  fmt.Sprintf("image %s not found", image),
		Image:    image,
		Stage:    "pull",
	}
}

// PullFailed reports a non-missing-image pull failure.
func PullFailed(image string, cause error) error {
	return &Error{
		Sentinel: ErrPullFailed,
		Message:  fmt.Sprintf("pulling image %s: %v", image, cause),
		Image:    image,
		Stage:    "pull",
		Cause:    cause,
	}
}

// ConfigInvalid reports a failed connector config check.
func ConfigInvalid(image string, exitCode int) error {
	return &Error{
		Sentinel: ErrConfigInvalid,
		Message:  fmt.Sprintf("config check for image %s failed with exit code %d", image, exitCode),
		Image:    image,
		Stage:    "validate",
	}
}

// ExecutionFailed reports a non-zero exit from one side of the extract/load pair.
func ExecutionFailed(side, image string, cause error) error {
	return &Error{
		Sentinel: ErrExecutionFailed,
		Message:  fmt.Sprintf("%s connector %s failed: %v", side, image, cause),
		Image:    image,
		Stage:    "run",
		Side:     side,
		Cause:    cause,
	}
}

// StateParse reports a malformed line in a connector's output stream.
func StateParse(line string, cause error) error {
	return &Error{
		Sentinel: ErrStateParse,
		Message:  fmt.Sprintf("decoding state line %q: %v", truncate(line, 120), cause),
		Stage:    "checkpoint",
		Cause:    cause,
	}
}

// ManifestCorrupt reports an unreadable or unwritable manifest. Fatal to the pass.
func ManifestCorrupt(op string, cause error) error {
	return &Error{
		Sentinel: ErrManifestCorrupt,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// LockTimeout reports a failed instance-lock acquisition.
func LockTimeout(path string, cause error) error {
	return &Error{
		Sentinel: ErrLockTimeout,
		Message:  fmt.Sprintf("acquiring lock %s: %v", path, cause),
		Op:       "lock.acquire",
		Cause:    cause,
	}
}

// ResourceFetch reports a failed remote config or catalog fetch.
func ResourceFetch(ref string, cause error) error {
	return &Error{
		Sentinel: ErrResourceFetch,
		Message:  fmt.Sprintf("fetching %s: %v", ref, cause),
		Op:       "fetch",
		Cause:    cause,
	}
}

// Internal wraps an unexpected failure with the operation that produced it.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrExecutionFailed,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
