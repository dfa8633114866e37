package main

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/httpserver"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/policy"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/workspace"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Execution pipeline
			policy.NewFromConfig,
			sandbox.NewRegistryFromConfig,
			sandbox.NewBackend,
			sandbox.NewRunnerFromConfig,
			workspace.NewFromConfig,
			execution.NewExecutor,

			// Outer surfaces
			newHTTPServer,
			newMCPServer,
		),

		fx.Invoke(purgeStaleWorkspaces, startTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newHTTPServer(cfg *config.Config, log *zap.Logger, executor execution.Executor, registry *sandbox.Registry) (*httpserver.Server, error) {
	return httpserver.New(cfg, log, executor, registry)
}

func newMCPServer(cfg *config.Config, log *zap.Logger, executor execution.Executor, registry *sandbox.Registry) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, executor, registry)
}

// purgeStaleWorkspaces removes workspaces left behind by a previous process.
func purgeStaleWorkspaces(cfg *config.Config, log *zap.Logger, manager *workspace.Manager) {
	age := cfg.GetStaleWorkspaceAge()
	if age <= 0 {
		return
	}

	removed, err := manager.PurgeStale(age)
	if err != nil {
		log.Warn("failed to purge stale workspaces", zap.String("root", manager.Root()), zap.Error(err))
		return
	}
	if removed > 0 {
		log.Info("purged stale workspaces", zap.Int("count", removed), zap.Duration("older_than", age))
	}
}

// startTransport starts the configured transport with the fx lifecycle.
func startTransport(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	httpServer *httpserver.Server,
	mcpServer *mcpserver.MCPServer,
) {
	log.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Bool("server.mcp_enabled", cfg.Server.MCPEnabled),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.execution_root", cfg.Sandbox.ExecutionRoot),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.compile_timeout_sec", cfg.Sandbox.CompileTimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Int("sandbox.max_concurrent", cfg.Sandbox.MaxConcurrent),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Bool("policy.enabled", cfg.Policy.Enabled),
	)

	switch cfg.Server.Transport {
	case "stdio":
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer close(done)
					if err := mcpServer.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
						log.Error("stdio transport failed", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
						return
					}
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
			OnStop: func(stopCtx context.Context) error {
				cancel()
				select {
				case <-done:
				case <-stopCtx.Done():
				}
				return nil
			},
		})
	case "http":
		if cfg.Server.MCPEnabled {
			httpServer.Mount(mcpserver.MountPath, mcpServer.HTTPHandler())
		}

		lc.Append(fx.Hook{
			OnStart: httpServer.Start,
			OnStop:  httpServer.Stop,
		})
	default:
		panic("unsupported transport: " + cfg.Server.Transport)
	}
}
