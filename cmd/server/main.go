package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codesandbox/config"
	"github.com/isdmx/codesandbox/logger"
	"github.com/isdmx/codesandbox/mcpserver"
	"github.com/isdmx/codesandbox/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Container engine based on config
			sandbox.NewEngine,

			// Sandbox registry with configured defaults
			newManager,

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(register),

		// Teardown waits for container stops and image removal retries
		fx.StopTimeout(2*time.Minute),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newManager(log *zap.Logger, engine sandbox.Engine, cfg *config.Config) *sandbox.Manager {
	return sandbox.NewManager(log, engine, sandbox.OptionsFromConfig(cfg)...)
}

// register starts the configured transport and releases every sandbox and
// the engine on shutdown.
func register(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	engine sandbox.Engine,
	manager *sandbox.Manager,
	server *mcpserver.MCPServer,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := engine.Ping(ctx); err != nil {
				log.Warn("container engine is not reachable yet", zap.Error(err))
			}

			go func() {
				var err error
				switch cfg.Server.Transport {
				case "stdio":
					err = server.ServeStdio()
				case "http":
					err = server.ServeHTTP()
					if errors.Is(err, http.ErrServerClosed) {
						return
					}
				}
				if err != nil {
					log.Error("MCP server stopped", zap.Error(err))
				}
				// stdio returns once the client disconnects
				if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
					log.Error("failed to shut down", zap.Error(shutdownErr))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cfg.Server.Transport == "http" {
				if err := server.Shutdown(ctx); err != nil {
					log.Warn("failed to stop HTTP server", zap.Error(err))
				}
			}

			for _, report := range manager.CloseAll(ctx) {
				if err := report.Err(); err != nil {
					log.Warn("sandbox cleanup incomplete",
						zap.String("container_id", report.ContainerID),
						zap.String("image_id", report.ImageID),
						zap.Error(err))
				}
			}

			return engine.Close()
		},
	})
}
