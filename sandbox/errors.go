package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrClosed is returned by any operation on a sandbox after teardown.
	ErrClosed = errors.New("sandbox is closed")

	// ErrExecutionTimeout is wrapped when an execution exceeds its deadline.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrSandboxNotFound is returned by the Manager for unknown sandbox IDs.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrInvalidEnv is wrapped when an environment variable cannot be passed to exec.
	ErrInvalidEnv = errors.New("invalid environment variable")

	// ErrInvalidPath is wrapped when a file path cannot be used as an archive entry.
	ErrInvalidPath = errors.New("invalid path")
)

// ProvisioningError reports a failure while building the image or starting
// the container.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// FileTransferError reports a failure while writing or reading a file inside
// the container.
type FileTransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileTransferError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileTransferError) Unwrap() error {
	return e.Err
}

// ExecutionError describes a snippet that exited with a nonzero status.
// Its message is the legacy text rendering of the failure.
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("Error (exit code %d): %s", e.ExitCode, e.Stderr)
}
