package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// Engine is the subset of a container engine the sandbox relies on.
// Implementations must be safe for concurrent use by multiple sandboxes.
type Engine interface {
	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error
	// EnsureImage pulls ref unless it is already present locally.
	EnsureImage(ctx context.Context, ref string) error
	// BuildImage builds an image from a Dockerfile-only context and returns its ID.
	BuildImage(ctx context.Context, spec BuildSpec) (string, error)
	// RunContainer creates and starts a detached container and returns its ID.
	RunContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// Exec runs argv inside a running container with stdout and stderr kept apart.
	Exec(ctx context.Context, containerID string, cmd ExecCommand) (ExecOutput, error)
	// CopyTo extracts a tar stream into the container at dstPath.
	CopyTo(ctx context.Context, containerID, dstPath string, archive io.Reader) error
	// StopContainer stops a container, waiting up to grace before killing it.
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	// RemoveContainer force-removes a container.
	RemoveContainer(ctx context.Context, containerID string) error
	// RemoveImage force-removes an image.
	RemoveImage(ctx context.Context, imageID string) error
	// Close releases the engine client.
	Close() error
}

// BuildSpec describes a derived image build
type BuildSpec struct {
	Dockerfile []byte
	Tag        string
	Labels     map[string]string
}

// ContainerSpec describes the long-lived sandbox container
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	NetworkMode string
	MemoryLimit string // human-readable, e.g. "100m"
	CPUPeriod   int64
	CPUQuota    int64
	Labels      map[string]string
}

// ExecCommand describes one process started inside the container
type ExecCommand struct {
	Argv       []string
	Env        []string // KEY=VALUE
	WorkingDir string
}

// ExecOutput is the demultiplexed output of an exec
type ExecOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, stdin io.Reader, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments, feeding stdin when non-nil
func (RealCommandRunner) RunCommand(ctx context.Context, stdin io.Reader, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if stdin != nil {
		cmd.Stdin = stdin
	}

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return "", "", 0, err
		}
		exitCode = exitError.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
