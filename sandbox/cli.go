package sandbox

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLIEngine implements Engine by shelling out to a docker-compatible CLI
// (docker or podman).
type CLIEngine struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
	fs        FileSystem
}

// CLIEngineOption defines a functional option for CLIEngine
type CLIEngineOption func(*CLIEngine)

// WithCLICommandRunner sets the CommandRunner for CLIEngine
func WithCLICommandRunner(cmdRunner CommandRunner) CLIEngineOption {
	return func(c *CLIEngine) {
		c.cmdRunner = cmdRunner
	}
}

// WithCLIFileSystem sets the FileSystem used to stage build contexts
func WithCLIFileSystem(fs FileSystem) CLIEngineOption {
	return func(c *CLIEngine) {
		c.fs = fs
	}
}

// NewCLIEngine creates a CLIEngine driving binary ("docker" or "podman")
func NewCLIEngine(logger *zap.Logger, binary string, opts ...CLIEngineOption) *CLIEngine {
	engine := &CLIEngine{
		logger:    logger,
		binary:    binary,
		cmdRunner: &RealCommandRunner{}, // Default implementation
		fs:        &RealFileSystem{},    // Default implementation
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// Ping checks that the CLI can reach its engine.
func (c *CLIEngine) Ping(ctx context.Context) error {
	_, err := c.run(ctx, nil, "info")
	return err
}

// EnsureImage pulls ref unless `image inspect` already finds it.
func (c *CLIEngine) EnsureImage(ctx context.Context, ref string) error {
	if _, err := c.run(ctx, nil, "image", "inspect", ref); err == nil {
		return nil
	}

	c.logger.Info("pulling image", zap.String("image", ref), zap.String("binary", c.binary))

	if _, err := c.run(ctx, nil, "pull", ref); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// BuildImage stages the Dockerfile in a temp dir and builds it quietly,
// returning the image ID printed by the CLI.
func (c *CLIEngine) BuildImage(ctx context.Context, spec BuildSpec) (string, error) {
	tempDir, err := c.fs.MkdirTemp("", "codesandbox-build-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if rmErr := c.fs.RemoveAll(tempDir); rmErr != nil {
			c.logger.Error("failed to remove temp directory", zap.String("path", tempDir), zap.Error(rmErr))
		}
	}()

	dockerfilePath := filepath.Join(tempDir, BuildContextDockerfile)
	if err := c.fs.WriteFile(dockerfilePath, spec.Dockerfile, FilePermission); err != nil {
		return "", fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	args := []string{"build", "-q", "--force-rm", "-f", dockerfilePath}
	if spec.Tag != "" {
		args = append(args, "-t", spec.Tag)
	}
	args = append(args, labelArgs(spec.Labels)...)
	args = append(args, tempDir)

	stdout, err := c.run(ctx, nil, args...)
	if err != nil {
		return "", fmt.Errorf("image build failed: %w", err)
	}

	imageID := lastLine(stdout)
	if imageID == "" {
		if spec.Tag == "" {
			return "", fmt.Errorf("image build returned no image ID")
		}
		imageID = spec.Tag
	}

	return imageID, nil
}

// RunContainer starts a detached container and returns its ID.
func (c *CLIEngine) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.NetworkMode != "" {
		args = append(args, "--network", spec.NetworkMode)
	}
	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}
	if spec.CPUPeriod > 0 {
		args = append(args, "--cpu-period", strconv.FormatInt(spec.CPUPeriod, 10))
	}
	if spec.CPUQuota > 0 {
		args = append(args, "--cpu-quota", strconv.FormatInt(spec.CPUQuota, 10))
	}
	args = append(args, labelArgs(spec.Labels)...)
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	stdout, err := c.run(ctx, nil, args...)
	if err != nil {
		// `run` may have created the container before failing to start it
		if _, rmErr := c.run(ctx, nil, "rm", "-f", spec.Name); rmErr != nil && !isNoSuchObject(rmErr) {
			c.logger.Warn("failed to remove container after run failure",
				zap.String("container", spec.Name), zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to run container: %w", err)
	}

	containerID := lastLine(stdout)
	if containerID == "" {
		containerID = spec.Name
	}
	return containerID, nil
}

// Exec runs cmd through `<binary> exec`. The CLI passes the process exit code through.
func (c *CLIEngine) Exec(ctx context.Context, containerID string, cmd ExecCommand) (ExecOutput, error) {
	args := []string{c.binary, "exec"}
	if cmd.WorkingDir != "" {
		args = append(args, "-w", cmd.WorkingDir)
	}
	for _, kv := range cmd.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, containerID)
	args = append(args, cmd.Argv...)

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, args)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ExecOutput{Stdout: []byte(stdout), Stderr: []byte(stderr), ExitCode: -1}, ctxErr
	}
	if err != nil {
		return ExecOutput{}, fmt.Errorf("failed to run %s exec: %w", c.binary, err)
	}
	if isExecFailure(exitCode, stderr) {
		return ExecOutput{}, fmt.Errorf("%s exec exited with code %d: %s", c.binary, exitCode, strings.TrimSpace(stderr))
	}

	return ExecOutput{Stdout: []byte(stdout), Stderr: []byte(stderr), ExitCode: exitCode}, nil
}

// isExecFailure reports whether a nonzero exit came from the CLI or the
// container runtime rather than from the command inside the container.
// 125 is the CLI's own error status; 126 and 127 mean the command could not
// be started.
func isExecFailure(exitCode int, stderr string) bool {
	switch {
	case exitCode == 0:
		return false
	case exitCode >= 125 && exitCode <= 127:
		return true
	}

	msg := strings.TrimSpace(stderr)
	if strings.HasPrefix(msg, "Error response from daemon") {
		return true
	}
	return strings.HasPrefix(msg, "Error: ") && noSuchObject(msg)
}

// CopyTo streams a tar archive into the container via `<binary> cp -`.
func (c *CLIEngine) CopyTo(ctx context.Context, containerID, dstPath string, archive io.Reader) error {
	_, err := c.run(ctx, archive, "cp", "-", containerID+":"+dstPath)
	return err
}

// StopContainer stops the container with the given grace period.
func (c *CLIEngine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	_, err := c.run(ctx, nil, "stop", "-t", strconv.Itoa(int(grace.Seconds())), containerID)
	return err
}

// RemoveContainer force-removes the container. A missing container is not an error.
func (c *CLIEngine) RemoveContainer(ctx context.Context, containerID string) error {
	if _, err := c.run(ctx, nil, "rm", "-f", containerID); err != nil && !isNoSuchObject(err) {
		return err
	}
	return nil
}

// RemoveImage force-removes the image. A missing image is not an error.
func (c *CLIEngine) RemoveImage(ctx context.Context, imageID string) error {
	if _, err := c.run(ctx, nil, "rmi", "-f", imageID); err != nil && !isNoSuchObject(err) {
		return err
	}
	return nil
}

// Close is a no-op; the CLI holds no connection.
func (*CLIEngine) Close() error {
	return nil
}

// run executes `<binary> args...` and turns a nonzero exit into an error carrying stderr.
func (c *CLIEngine) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	cmdArgs := append([]string{c.binary}, args...)

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, stdin, cmdArgs)
	if err != nil {
		return "", fmt.Errorf("failed to run %s %s: %w", c.binary, args[0], err)
	}
	if exitCode != 0 {
		return stdout, fmt.Errorf("%s %s exited with code %d: %s", c.binary, args[0], exitCode, strings.TrimSpace(stderr))
	}

	return stdout, nil
}

func labelArgs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func isNoSuchObject(err error) bool {
	return noSuchObject(err.Error())
}

func noSuchObject(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no such image") ||
		strings.Contains(msg, "no container with name or id") ||
		strings.Contains(msg, "image not known")
}
