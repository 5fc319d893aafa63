package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/codesandbox/config"
)

// Supported backends
const (
	BackendDocker    = "docker"
	BackendDockerCLI = "docker-cli"
	BackendPodman    = "podman"
)

// NewEngine creates the container engine selected by the configuration
func NewEngine(logger *zap.Logger, cfg *config.Config) (Engine, error) {
	switch cfg.Sandbox.Backend {
	case BackendDocker:
		engine, err := NewDockerEngine(logger, cfg.Sandbox.DockerHost)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case BackendDockerCLI:
		return NewCLIEngine(logger, "docker"), nil
	case BackendPodman:
		return NewCLIEngine(logger, "podman"), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// OptionsFromConfig translates the sandbox and teardown sections into options
func OptionsFromConfig(cfg *config.Config) []Option {
	execTimeout := cfg.GetExecTimeout()
	if execTimeout <= 0 {
		execTimeout = NoTimeout
	}

	policy := DefaultTeardownPolicy()
	policy.StopTimeout = cfg.GetStopTimeout()
	policy.SettleDelay = cfg.Teardown.SettleDelay
	policy.ImageRemove = RetryPolicy{
		Attempts:   cfg.Teardown.ImageRemoveAttempts,
		Delay:      cfg.Teardown.ImageRemoveDelay,
		Multiplier: cfg.Teardown.ImageRemoveMultiplier,
		MaxDelay:   cfg.Teardown.ImageRemoveMaxDelay,
	}

	return []Option{
		WithBaseImage(cfg.Sandbox.BaseImage),
		WithInterpreter(cfg.Sandbox.Interpreter),
		WithInstallCommand(cfg.Sandbox.InstallCommand),
		WithNetworkMode(cfg.Sandbox.NetworkMode),
		WithMemoryLimit(cfg.Sandbox.MemoryLimit),
		WithCPU(cfg.Sandbox.CPUPeriod, cfg.Sandbox.CPUQuota),
		WithContainerPrefix(cfg.Sandbox.ContainerPrefix),
		WithExecTimeout(execTimeout),
		WithTeardownPolicy(policy),
	}
}
