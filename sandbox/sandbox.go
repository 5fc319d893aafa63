package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Labels attached to every container and derived image
const (
	LabelManaged = "io.codesandbox.managed"
	LabelSandbox = "io.codesandbox.sandbox"
)

// lastImageRemoveTimeout bounds the single image removal made after the
// caller's context expired during teardown.
const lastImageRemoveTimeout = 10 * time.Second

// Sandbox is one isolated, long-lived container that accepts files and code.
// It is safe for concurrent use, but executions are not serialized: two
// concurrent Execute calls run side by side in the same container.
type Sandbox struct {
	logger      *zap.Logger
	engine      Engine
	opts        Options
	name        string
	interpreter []string

	mu          sync.RWMutex
	containerID string
	imageID     string
	closed      bool
}

// TeardownReport records what a teardown released and what it failed to release
type TeardownReport struct {
	ContainerID   string
	ImageID       string
	ContainerErr  error
	ImageErr      error
	ImageAttempts int
}

// Err combines the container and image errors
func (r TeardownReport) Err() error {
	return multierr.Combine(r.ContainerErr, r.ImageErr)
}

// New provisions a sandbox: it builds a derived image when packages are
// requested (or pulls the base image otherwise) and starts a detached,
// resource-limited container. On failure anything already created is torn
// down before the error is returned.
func New(ctx context.Context, engine Engine, logger *zap.Logger, opts ...Option) (*Sandbox, error) {
	if engine == nil {
		return nil, &ProvisioningError{Op: "create sandbox", Err: errors.New("no container engine")}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, &ProvisioningError{Op: "validate options", Err: err}
	}

	interpreter, err := SplitCommand(o.Interpreter)
	if err != nil {
		return nil, &ProvisioningError{Op: "parse interpreter", Err: err}
	}

	name := newSandboxName(o.ContainerPrefix)
	s := &Sandbox{
		logger:      logger.With(zap.String("sandbox", name)),
		engine:      engine,
		opts:        o,
		name:        name,
		interpreter: interpreter,
	}

	if err := s.provision(ctx); err != nil {
		// The caller's context may be the reason provisioning failed
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.closeTimeout())
		defer cancel()

		if report := s.Teardown(cleanupCtx); report.Err() != nil {
			s.logger.Warn("Failed to release resources after provisioning error", zap.Error(report.Err()))
		}
		return nil, err
	}

	return s, nil
}

// With provisions a sandbox, passes it to fn and tears it down afterwards,
// whatever fn returns.
func With(ctx context.Context, engine Engine, logger *zap.Logger, fn func(*Sandbox) error, opts ...Option) error {
	s, err := New(ctx, engine, logger, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(s)
}

func newSandboxName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return prefix + "_" + suffix
}

func (s *Sandbox) labels() map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelSandbox: s.name,
	}
}

func (s *Sandbox) provision(ctx context.Context) error {
	image := s.opts.BaseImage

	if len(s.opts.Packages) > 0 {
		installCmd, err := SplitCommand(s.opts.InstallCommand)
		if err != nil {
			return &ProvisioningError{Op: "parse install command", Err: err}
		}

		dockerfile, err := RenderDockerfile(s.opts.BaseImage, installCmd, s.opts.Packages)
		if err != nil {
			return &ProvisioningError{Op: "render Dockerfile", Err: err}
		}

		s.logger.Info("Building sandbox image",
			zap.String("base_image", s.opts.BaseImage),
			zap.Strings("packages", s.opts.Packages))

		imageID, err := s.engine.BuildImage(ctx, BuildSpec{
			Dockerfile: dockerfile,
			Tag:        s.name,
			Labels:     s.labels(),
		})
		if err != nil {
			return &ProvisioningError{Op: "build image", Err: err}
		}

		s.mu.Lock()
		s.imageID = imageID
		s.mu.Unlock()

		image = imageID
	} else if err := s.engine.EnsureImage(ctx, image); err != nil {
		return &ProvisioningError{Op: "pull image", Err: err}
	}

	containerID, err := s.engine.RunContainer(ctx, ContainerSpec{
		Name:        s.name,
		Image:       image,
		Cmd:         KeepAliveCmd,
		NetworkMode: s.opts.NetworkMode,
		MemoryLimit: s.opts.MemoryLimit,
		CPUPeriod:   s.opts.CPUPeriod,
		CPUQuota:    s.opts.CPUQuota,
		Labels:      s.labels(),
	})
	if err != nil {
		return &ProvisioningError{Op: "start container", Err: err}
	}

	s.mu.Lock()
	s.containerID = containerID
	s.mu.Unlock()

	s.logger.Info("Sandbox ready",
		zap.String("container_id", shortID(containerID)),
		zap.String("image", image),
		zap.String("network", s.opts.NetworkMode),
		zap.String("memory", s.opts.MemoryLimit))

	return nil
}

// ID returns the sandbox name, which is also the container name
func (s *Sandbox) ID() string {
	return s.name
}

// ContainerID returns the engine ID of the container, or "" once closed
func (s *Sandbox) ContainerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containerID
}

// ImageID returns the derived image ID, or "" when the base image is used or once closed
func (s *Sandbox) ImageID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.imageID
}

// Closed reports whether the sandbox has been torn down
func (s *Sandbox) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Sandbox) liveContainer() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.containerID == "" {
		return "", ErrClosed
	}
	return s.containerID, nil
}

// WriteFile writes content to filePath inside the container, creating parent
// directories as needed. Relative paths resolve against the container root.
func (s *Sandbox) WriteFile(ctx context.Context, filePath, content string) error {
	containerID, err := s.liveContainer()
	if err != nil {
		return &FileTransferError{Op: "write file", Path: filePath, Err: err}
	}

	archive, err := CreateFileArchive(filePath, []byte(content))
	if err != nil {
		return &FileTransferError{Op: "write file", Path: filePath, Err: err}
	}

	if dir := path.Dir(filePath); dir != "." && dir != "/" {
		if err := s.runFileCommand(ctx, containerID, "mkdir", "-p", dir); err != nil {
			return &FileTransferError{Op: "create directory for", Path: filePath, Err: err}
		}
	}

	if err := s.engine.CopyTo(ctx, containerID, "/", bytes.NewReader(archive)); err != nil {
		return &FileTransferError{Op: "write file", Path: filePath, Err: err}
	}

	if err := s.runFileCommand(ctx, containerID, "test", "-f", filePath); err != nil {
		return &FileTransferError{Op: "write file", Path: filePath, Err: fmt.Errorf("file not found after copy: %w", err)}
	}

	s.logger.Debug("Wrote file", zap.String("path", filePath), zap.Int("bytes", len(content)))
	return nil
}

// ReadFile returns the content of filePath inside the container
func (s *Sandbox) ReadFile(ctx context.Context, filePath string) (string, error) {
	containerID, err := s.liveContainer()
	if err != nil {
		return "", &FileTransferError{Op: "read file", Path: filePath, Err: err}
	}
	if err := validateEntryName(filePath); err != nil {
		return "", &FileTransferError{Op: "read file", Path: filePath, Err: err}
	}

	out, err := s.engine.Exec(ctx, containerID, ExecCommand{
		Argv:       []string{"cat", filePath},
		WorkingDir: "/",
	})
	if err != nil {
		return "", &FileTransferError{Op: "read file", Path: filePath, Err: err}
	}
	if out.ExitCode != 0 {
		return "", &FileTransferError{Op: "read file", Path: filePath, Err: errors.New(diagnostic(out))}
	}

	return string(out.Stdout), nil
}

func (s *Sandbox) runFileCommand(ctx context.Context, containerID string, argv ...string) error {
	out, err := s.engine.Exec(ctx, containerID, ExecCommand{Argv: argv, WorkingDir: "/"})
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return errors.New(diagnostic(out))
	}
	return nil
}

func diagnostic(out ExecOutput) string {
	if msg := strings.TrimSpace(string(out.Stderr)); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(string(out.Stdout)); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit code %d", out.ExitCode)
}

// Execute runs req.Code with the sandbox interpreter. The code is dedented
// first and passed as a single argument, never through a shell. A nonzero
// exit is reported in the result, not as an error; errors are reserved for
// timeouts and failures to run the code at all.
func (s *Sandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	containerID, err := s.liveContainer()
	if err != nil {
		return ExecuteResult{}, err
	}

	env, err := BuildEnv(req.Env)
	if err != nil {
		return ExecuteResult{}, err
	}

	timeout := s.execTimeout(req.Timeout)
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := s.engine.Exec(execCtx, containerID, ExecCommand{
		Argv: CodeArgv(s.interpreter, Dedent(req.Code)),
		Env:  env,
	})
	result := ExecuteResult{
		Stdout:   string(out.Stdout),
		Stderr:   string(out.Stderr),
		ExitCode: out.ExitCode,
		Duration: time.Since(start),
	}

	if err != nil {
		if timeout > 0 && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			s.logger.Warn("Execution timed out", zap.Duration("timeout", timeout))
			return result, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
		}
		return result, fmt.Errorf("failed to execute code: %w", err)
	}

	s.logger.Debug("Executed code",
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (s *Sandbox) execTimeout(requested time.Duration) time.Duration {
	switch {
	case requested > 0:
		return requested
	case requested < 0:
		return 0
	case s.opts.ExecTimeout > 0:
		return s.opts.ExecTimeout
	default:
		return 0
	}
}

// Teardown stops and removes the container, then removes the derived image
// with retries. It never panics or returns early on a failed step and is
// idempotent: a second call finds nothing left to release.
func (s *Sandbox) Teardown(ctx context.Context) TeardownReport {
	s.mu.Lock()
	containerID, imageID := s.containerID, s.imageID
	s.containerID, s.imageID = "", ""
	s.closed = true
	s.mu.Unlock()

	report := TeardownReport{ContainerID: containerID, ImageID: imageID}
	policy := s.opts.Teardown

	if containerID != "" {
		if err := s.engine.StopContainer(ctx, containerID, policy.StopTimeout); err != nil {
			s.logger.Warn("Failed to stop container", zap.String("container_id", shortID(containerID)), zap.Error(err))
			report.ContainerErr = multierr.Append(report.ContainerErr, fmt.Errorf("stop container: %w", err))
		}
		if err := s.engine.RemoveContainer(ctx, containerID); err != nil {
			s.logger.Error("Failed to remove container", zap.String("container_id", shortID(containerID)), zap.Error(err))
			report.ContainerErr = multierr.Append(report.ContainerErr, fmt.Errorf("remove container: %w", err))
		}
	}

	if imageID != "" {
		removeCtx := ctx
		if containerID != "" {
			if err := sleepContext(ctx, policy.SettleDelay); err != nil {
				s.logger.Warn("Settle delay interrupted, removing image once",
					zap.String("image_id", shortID(imageID)), zap.Error(err))
				var cancel context.CancelFunc
				removeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), lastImageRemoveTimeout)
				defer cancel()
				policy.ImageRemove.Attempts = 1
			}
		}

		attempts, err := policy.ImageRemove.Do(removeCtx, func(ctx context.Context) error {
			return s.engine.RemoveImage(ctx, imageID)
		}, func(err error, wait time.Duration) {
			s.logger.Warn("Failed to remove temporary image, retrying",
				zap.String("image_id", shortID(imageID)),
				zap.Duration("wait", wait),
				zap.Error(err))
		})
		report.ImageAttempts = attempts
		if err != nil {
			s.logger.Error("Failed to remove temporary image",
				zap.String("image_id", shortID(imageID)),
				zap.Int("attempts", attempts),
				zap.Error(err))
			report.ImageErr = fmt.Errorf("remove image: %w", err)
		}
	}

	if containerID != "" || imageID != "" {
		s.logger.Info("Sandbox closed", zap.Error(report.Err()))
	}

	return report
}

// Close tears the sandbox down within the configured close timeout. Cleanup
// failures are logged, never returned, so Close is safe in defer. It may be
// called more than once and on a nil *Sandbox.
func (s *Sandbox) Close() error {
	if s == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout())
	defer cancel()

	s.Teardown(ctx)
	return nil
}

func (s *Sandbox) closeTimeout() time.Duration {
	if s.opts.Teardown.CloseTimeout > 0 {
		return s.opts.Teardown.CloseTimeout
	}
	return DefaultTeardownPolicy().CloseTimeout
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
