package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// CODESANDBOX_SANDBOX_MEMORY_LIMIT=256m.
const EnvPrefix = "CODESANDBOX"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Teardown TeardownConfig `mapstructure:"teardown" yaml:"teardown"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
}

// SandboxConfig holds the defaults applied to every sandbox
type SandboxConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"`
	DockerHost      string `mapstructure:"docker_host" yaml:"docker_host"`
	BaseImage       string `mapstructure:"base_image" yaml:"base_image"`
	Interpreter     string `mapstructure:"interpreter" yaml:"interpreter"`
	InstallCommand  string `mapstructure:"install_command" yaml:"install_command"`
	NetworkMode     string `mapstructure:"network_mode" yaml:"network_mode"`
	MemoryLimit     string `mapstructure:"memory_limit" yaml:"memory_limit"`
	CPUPeriod       int64  `mapstructure:"cpu_period" yaml:"cpu_period"`
	CPUQuota        int64  `mapstructure:"cpu_quota" yaml:"cpu_quota"`
	ExecTimeoutSec  int    `mapstructure:"exec_timeout_sec" yaml:"exec_timeout_sec"` // 0 disables the timeout
	ContainerPrefix string `mapstructure:"container_prefix" yaml:"container_prefix"`
}

// TeardownConfig holds container and image cleanup settings
type TeardownConfig struct {
	StopTimeoutSec        int           `mapstructure:"stop_timeout_sec" yaml:"stop_timeout_sec"`
	SettleDelay           time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ImageRemoveAttempts   int           `mapstructure:"image_remove_attempts" yaml:"image_remove_attempts"`
	ImageRemoveDelay      time.Duration `mapstructure:"image_remove_delay" yaml:"image_remove_delay"`
	ImageRemoveMultiplier float64       `mapstructure:"image_remove_multiplier" yaml:"image_remove_multiplier"`
	ImageRemoveMaxDelay   time.Duration `mapstructure:"image_remove_max_delay" yaml:"image_remove_max_delay"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// New loads and validates the application configuration from the default
// search paths.
func New() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from path, or from config.yaml in the default
// search paths when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.base_image", "python:3.9-slim")
	v.SetDefault("sandbox.interpreter", "python")
	v.SetDefault("sandbox.install_command", "pip install")
	v.SetDefault("sandbox.network_mode", "none")
	v.SetDefault("sandbox.memory_limit", "100m")
	v.SetDefault("sandbox.cpu_period", 100000)
	v.SetDefault("sandbox.cpu_quota", 50000)
	v.SetDefault("sandbox.exec_timeout_sec", 10)
	v.SetDefault("sandbox.container_prefix", "python_sandbox")

	v.SetDefault("teardown.stop_timeout_sec", 10)
	v.SetDefault("teardown.settle_delay", "2s")
	v.SetDefault("teardown.image_remove_attempts", 3)
	v.SetDefault("teardown.image_remove_delay", "2s")
	v.SetDefault("teardown.image_remove_multiplier", 1.0)
	v.SetDefault("teardown.image_remove_max_delay", "30s")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	supportedBackends := map[string]bool{
		"docker":     true,
		"docker-cli": true,
		"podman":     true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if strings.TrimSpace(c.Sandbox.BaseImage) == "" {
		return fmt.Errorf("sandbox.base_image must not be empty")
	}

	if strings.TrimSpace(c.Sandbox.Interpreter) == "" {
		return fmt.Errorf("sandbox.interpreter must not be empty")
	}

	if _, err := units.RAMInBytes(c.Sandbox.MemoryLimit); err != nil {
		return fmt.Errorf("invalid sandbox.memory_limit: %s", c.Sandbox.MemoryLimit)
	}

	if c.Sandbox.CPUPeriod <= 0 {
		return fmt.Errorf("sandbox.cpu_period must be positive, got: %d", c.Sandbox.CPUPeriod)
	}

	if c.Sandbox.CPUQuota <= 0 {
		return fmt.Errorf("sandbox.cpu_quota must be positive, got: %d", c.Sandbox.CPUQuota)
	}

	if c.Sandbox.ExecTimeoutSec < 0 {
		return fmt.Errorf("sandbox.exec_timeout_sec must not be negative, got: %d", c.Sandbox.ExecTimeoutSec)
	}

	if c.Teardown.StopTimeoutSec < 0 {
		return fmt.Errorf("teardown.stop_timeout_sec must not be negative, got: %d", c.Teardown.StopTimeoutSec)
	}

	if c.Teardown.ImageRemoveAttempts <= 0 {
		return fmt.Errorf("teardown.image_remove_attempts must be positive, got: %d", c.Teardown.ImageRemoveAttempts)
	}

	if c.Teardown.ImageRemoveMultiplier < 1 {
		return fmt.Errorf("teardown.image_remove_multiplier must be at least 1, got: %g", c.Teardown.ImageRemoveMultiplier)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetExecTimeout returns the per-execution timeout, or zero when disabled.
func (c *Config) GetExecTimeout() time.Duration {
	return time.Duration(c.Sandbox.ExecTimeoutSec) * time.Second
}

// GetStopTimeout returns the container stop grace period.
func (c *Config) GetStopTimeout() time.Duration {
	return time.Duration(c.Teardown.StopTimeoutSec) * time.Second
}
