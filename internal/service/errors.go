package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
)

// Sentinel errors for service lifecycle operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConfigInvalid is returned by New when the configuration cannot be used.
	ErrConfigInvalid = errors.New("service: invalid configuration")

	// ErrConnectTimeout is returned by Start when the driver never began
	// accepting connections on its port.
	ErrConnectTimeout = errors.New("service: timed out waiting for port to accept connections")

	// ErrAlreadyStarted is returned by Start on anything but a fresh service.
	// A Service runs at most one child over its lifetime.
	ErrAlreadyStarted = errors.New("service: already started")
)

// LaunchErrorKind classifies why the child process could not be spawned.
type LaunchErrorKind int

const (
	// LaunchSpawnFailed covers every spawn failure that is not one of the
	// more specific kinds below.
	LaunchSpawnFailed LaunchErrorKind = iota

	// LaunchNotFound means the executable does not exist or is not on PATH.
	LaunchNotFound

	// LaunchPermissionDenied means the executable exists but cannot be run.
	LaunchPermissionDenied
)

// String returns a short name for the kind.
func (k LaunchErrorKind) String() string {
	switch k {
	case LaunchNotFound:
		return "not_found"
	case LaunchPermissionDenied:
		return "permission_denied"
	default:
		return "spawn_failed"
	}
}

// LaunchError is returned by Start when the operating system refused to
// create the child process.
type LaunchError struct {
	Kind       LaunchErrorKind
	Executable string
	Hint       string
	Err        error
}

func (e *LaunchError) Error() string {
	name := filepath.Base(e.Executable)

	var msg string
	switch e.Kind {
	case LaunchNotFound:
		msg = fmt.Sprintf("'%s' executable needs to be in PATH.", name)
	case LaunchPermissionDenied:
		msg = fmt.Sprintf("'%s' executable may have wrong permissions.", name)
	default:
		msg = fmt.Sprintf("starting '%s': %v.", name, e.Err)
	}

	if e.Hint != "" {
		msg += " " + e.Hint
	}
	return msg
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ProcessExitedError is returned by Start when the child exited before its
// port became connectable. Any exit status counts, including zero.
type ProcessExitedError struct {
	Executable string
	Code       int
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("service %s unexpectedly exited, status code was: %d", e.Executable, e.Code)
}

// classifySpawnError wraps an error from exec.Cmd.Start in a LaunchError.
func classifySpawnError(executable, hint string, err error) *LaunchError {
	kind := LaunchSpawnFailed
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		kind = LaunchNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = LaunchPermissionDenied
	}

	return &LaunchError{
		Kind:       kind,
		Executable: executable,
		Hint:       strings.TrimSpace(hint),
		Err:        err,
	}
}
