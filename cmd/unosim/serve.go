package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/unosim/internal/cleanup"
	"github.com/jkaninda/unosim/internal/compiler"
	"github.com/jkaninda/unosim/internal/config"
	"github.com/jkaninda/unosim/internal/gateway/httpapi"
	"github.com/jkaninda/unosim/internal/gateway/ws"
	"github.com/jkaninda/unosim/internal/observability"
	"github.com/jkaninda/unosim/internal/sandbox"
	"github.com/jkaninda/unosim/internal/session"
)

// wsPath is where the WebSocket session endpoint is mounted.
const wsPath = "/ws"

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the simulation server (HTTP + WebSocket)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `unosim --config path` and `unosim serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().IntVar(&servePort, "port", 0, "override HTTP listen port")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("UNOSIM_CONFIG", serveConfigPath), logger)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger.Info("starting unosim server", slog.String("addr", cfg.Server.Addr()))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	var tracer trace.Tracer
	if ts := obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := buildRunner(ctx, cfg, logger)

	toolchain := cfg.Compiler.Binary()
	if toolchain == "" {
		toolchain = "g++"
	}
	workRoot := cfg.Compiler.Root()
	if workRoot == "" {
		workRoot = os.TempDir()
	}

	comp := compiler.New(compiler.Config{
		Compiler: toolchain,
		WorkRoot: workRoot,
		Timeout:  cfg.Compiler.Timeout(),
	}, logger)

	reclaimer := cleanup.New(cleanup.Config{
		Interval: cfg.Cleanup.Interval(),
		Grace:    cfg.Cleanup.Grace(),
	}, workRoot, logger)
	if err := reclaimer.Start(); err != nil {
		logger.Error("starting build dir sweeper, trash will accumulate",
			slog.String("error", err.Error()))
	}

	registerHealthChecks(cfg, obs, runner, toolchain)

	manager := session.NewManager(session.Config{
		Limits: sandbox.ResourceLimits{
			MaxCPUSeconds:  cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:    cfg.Sandbox.MaxMemoryMB,
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		},
		Anomaly:      obs.Anomaly,
		SerialBuffer: cfg.Session.Buffer(),
		DrainTimeout: cfg.Session.DrainTimeout(),
		StopWait:     cfg.Session.StopWait(),
	}, comp, runner, reclaimer, obs.Metrics, logger, tracer)

	wsServer := ws.NewServer(manager, obs.Metrics, logger)

	httpCfg := httpapi.Config{
		ListenAddr:    cfg.Server.Addr(),
		EnableDocs:    cfg.Server.EnableDocs,
		MetricsPath:   cfg.Observability.MetricsPath(),
		HealthChecker: obs.Health,
		Metrics:       obs.Metrics,
		Tracer:        tracer,
	}
	if cfg.Observability.MetricsEnabled() {
		httpCfg.MetricsRegistry = obs.Metrics.Registry
	}
	gw := httpapi.NewGateway(httpCfg, logger).WithHandler(wsPath, wsServer.Handler())

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	manager.StopAll()
	reclaimer.Stop()
	obs.Shutdown(shutdownCtx)

	return nil
}

// loadConfig reads the config file, falling back to built-in defaults when
// the default path does not exist. An explicitly given path must exist.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultConfigPath() {
		logger.Info("no config file found, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildRunner selects the sandbox backend from config: forced docker or
// process, or an availability probe.
func buildRunner(ctx context.Context, cfg *config.Config, logger *slog.Logger) sandbox.Runner {
	dockerCfg := sandbox.DockerConfig{
		Image:     cfg.Sandbox.Docker.SandboxImage(),
		MemoryMB:  cfg.Sandbox.MaxMemoryMB,
		CPUCores:  cfg.Sandbox.Docker.Cores(),
		PIDsLimit: cfg.Sandbox.Docker.PIDs(),
	}
	processCfg := sandbox.ProcessConfig{}

	switch cfg.Sandbox.SandboxType() {
	case "docker":
		return sandbox.NewDockerRunner(dockerCfg, logger)
	case "process":
		logger.Warn("process isolation forced by config, weaker guarantees apply")
		return sandbox.NewProcessRunner(processCfg, logger)
	default:
		return sandbox.Probe(ctx, dockerCfg, processCfg, logger)
	}
}

// registerHealthChecks wires the readiness probe to the toolchain and the
// sandbox backend. Both checks default on when no health config is given.
func registerHealthChecks(cfg *config.Config, obs *observability.Observability, runner sandbox.Runner, toolchain string) {
	var health *config.HealthConfig
	if cfg.Observability != nil {
		health = cfg.Observability.Health
	}
	includeCompiler := health == nil || health.IncludeCompiler
	includeSandbox := health == nil || health.IncludeSandbox

	if includeCompiler {
		obs.Health.AddCheck("compiler", func(_ context.Context) error {
			_, err := exec.LookPath(toolchain)
			return err
		})
	}
	if includeSandbox {
		obs.Health.AddCheck("sandbox", func(ctx context.Context) error {
			if runner.Kind() != "docker" {
				return nil
			}
			return exec.CommandContext(ctx, "docker", "info").Run()
		})
	}
}
