package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/codesandbox/config"
	"github.com/isdmx/codesandbox/logger"
	"github.com/isdmx/codesandbox/sandbox"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

// exitCodeError carries a snippet's exit status out of a command
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Run Python code in disposable containers",
		Long:          `sandboxctl provisions an isolated, resource-limited container, runs Python code in it and removes the container and any temporary image afterwards.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./config.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newWriteReadCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newPingCmd(opts))

	return cmd
}

// environment is what every engine-backed command needs
type environment struct {
	cfg    *config.Config
	logger *zap.Logger
	engine sandbox.Engine
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Logging.Mode = "development"
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func (o *rootOptions) setup() (*environment, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	engine, err := sandbox.NewEngine(log, cfg)
	if err != nil {
		return nil, err
	}

	return &environment{cfg: cfg, logger: log, engine: engine}, nil
}

func (e *environment) close() {
	if err := e.engine.Close(); err != nil {
		e.logger.Warn("failed to close engine", zap.Error(err))
	}
	_ = e.logger.Sync()
}
