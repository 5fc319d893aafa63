package sandbox

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Default sandbox settings
const (
	DefaultBaseImage       = "python:3.9-slim"
	DefaultInterpreter     = "python"
	DefaultInstallCommand  = "pip install"
	DefaultNetworkMode     = "none"
	DefaultMemoryLimit     = "100m"
	DefaultCPUPeriod       = 100000
	DefaultCPUQuota        = 50000
	DefaultExecTimeout     = 10 * time.Second
	DefaultContainerPrefix = "python_sandbox"
)

// Container prefixes double as image repository names, so they are restricted
// to lowercase names that are valid for both.
var containerPrefixPattern = regexp.MustCompile(`^[a-z0-9]+(?:[_-][a-z0-9]+)*$`)

// Options configures a single sandbox
type Options struct {
	BaseImage       string
	Packages        []string
	NetworkMode     string
	MemoryLimit     string
	CPUPeriod       int64
	CPUQuota        int64
	Interpreter     string
	InstallCommand  string
	ContainerPrefix string
	// ExecTimeout bounds each Execute call; zero or negative disables it.
	ExecTimeout time.Duration
	Teardown    TeardownPolicy
}

// TeardownPolicy controls how a sandbox releases its container and image
type TeardownPolicy struct {
	StopTimeout time.Duration
	// SettleDelay is waited between removing the container and removing the
	// image, giving the engine time to drop its image reference.
	SettleDelay time.Duration
	ImageRemove RetryPolicy
	// CloseTimeout bounds the whole teardown when triggered by Close.
	CloseTimeout time.Duration
}

// DefaultTeardownPolicy returns the stock teardown settings
func DefaultTeardownPolicy() TeardownPolicy {
	return TeardownPolicy{
		StopTimeout:  10 * time.Second,
		SettleDelay:  2 * time.Second,
		ImageRemove:  DefaultImageRemovePolicy(),
		CloseTimeout: 2 * time.Minute,
	}
}

// DefaultOptions returns options for a networkless python sandbox
func DefaultOptions() Options {
	return Options{
		BaseImage:       DefaultBaseImage,
		NetworkMode:     DefaultNetworkMode,
		MemoryLimit:     DefaultMemoryLimit,
		CPUPeriod:       DefaultCPUPeriod,
		CPUQuota:        DefaultCPUQuota,
		Interpreter:     DefaultInterpreter,
		InstallCommand:  DefaultInstallCommand,
		ContainerPrefix: DefaultContainerPrefix,
		ExecTimeout:     DefaultExecTimeout,
		Teardown:        DefaultTeardownPolicy(),
	}
}

// Option is a functional option for configuring a sandbox
type Option func(*Options)

// WithBaseImage sets the image the sandbox starts from
func WithBaseImage(image string) Option {
	return func(o *Options) {
		o.BaseImage = image
	}
}

// WithPackages installs packages into a derived image. An empty list uses the
// base image as is.
func WithPackages(packages ...string) Option {
	return func(o *Options) {
		o.Packages = append([]string(nil), packages...)
	}
}

// WithNetworkMode sets the container network mode
func WithNetworkMode(mode string) Option {
	return func(o *Options) {
		o.NetworkMode = mode
	}
}

// WithMemoryLimit sets the memory cap in human-readable form, e.g. "256m"
func WithMemoryLimit(limit string) Option {
	return func(o *Options) {
		o.MemoryLimit = limit
	}
}

// WithCPU sets the CFS period and quota in microseconds
func WithCPU(period, quota int64) Option {
	return func(o *Options) {
		o.CPUPeriod = period
		o.CPUQuota = quota
	}
}

// WithInterpreter sets the command used to run code, e.g. "python3 -u"
func WithInterpreter(interpreter string) Option {
	return func(o *Options) {
		o.Interpreter = interpreter
	}
}

// WithInstallCommand sets the package install command used in the derived image
func WithInstallCommand(command string) Option {
	return func(o *Options) {
		o.InstallCommand = command
	}
}

// WithContainerPrefix sets the prefix of generated container names
func WithContainerPrefix(prefix string) Option {
	return func(o *Options) {
		o.ContainerPrefix = prefix
	}
}

// WithExecTimeout sets the default deadline for Execute. Use NoTimeout to disable it.
func WithExecTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.ExecTimeout = timeout
	}
}

// WithTeardownPolicy replaces the teardown settings
func WithTeardownPolicy(policy TeardownPolicy) Option {
	return func(o *Options) {
		o.Teardown = policy
	}
}

func (o *Options) validate() error {
	if strings.TrimSpace(o.BaseImage) == "" {
		return fmt.Errorf("base image is required")
	}
	if strings.TrimSpace(o.Interpreter) == "" {
		return fmt.Errorf("interpreter is required")
	}
	if len(o.Packages) > 0 && strings.TrimSpace(o.InstallCommand) == "" {
		return fmt.Errorf("install command is required when packages are set")
	}
	if strings.TrimSpace(o.NetworkMode) == "" {
		return fmt.Errorf("network mode is required")
	}
	if _, err := units.RAMInBytes(o.MemoryLimit); err != nil {
		return fmt.Errorf("invalid memory limit %q: %w", o.MemoryLimit, err)
	}
	if o.CPUPeriod <= 0 || o.CPUQuota <= 0 {
		return fmt.Errorf("cpu period and quota must be positive")
	}
	if !containerPrefixPattern.MatchString(o.ContainerPrefix) {
		return fmt.Errorf("invalid container prefix %q", o.ContainerPrefix)
	}
	if o.Teardown.StopTimeout < 0 || o.Teardown.SettleDelay < 0 {
		return fmt.Errorf("teardown durations must not be negative")
	}
	if o.Teardown.ImageRemove.Attempts < 1 {
		return fmt.Errorf("image removal attempts must be at least 1")
	}
	return nil
}
