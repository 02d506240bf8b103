package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oturie/relay/internal/config"
	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/registry"
	"github.com/oturie/relay/internal/runner"
)

var (
	serveConfigPath string
	serveLogLevel   string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution target (main command)",
	Long: `Start the execution target with the specified configuration.
This initializes the configured process launcher (exec or docker), the
process registry with its cleanup loop and the task HTTP API. Shutdown
is graceful on SIGINT and SIGTERM.`,
	Run: serveHandler,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "config file path (default ./config.toml)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "override configured log level")
}

func serveHandler(cmd *cobra.Command, args []string) {
	// Load .env file if exists
	if err := config.LoadEnvOptional("./.env"); err != nil {
		fmt.Printf("Failed to load .env file: %v\n", err)
		os.Exit(1)
	}

	configPath := serveConfigPath
	if configPath == "" {
		configPath = "./config.toml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if serveLogLevel != "" {
		cfg.Logging.Level = serveLogLevel
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Printf("Configuration validation failed:\n")
		for _, e := range errs {
			fmt.Printf("  - %v\n", e)
		}
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	log.Info("starting runnerd",
		logger.Field{Key: "version", Value: Version},
		logger.Field{Key: "git_commit", Value: GitCommit},
		logger.Field{Key: "config", Value: configPath},
		logger.Field{Key: "launcher", Value: cfg.Runner.Launcher},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var launcher runner.Launcher
	switch cfg.Runner.Launcher {
	case "exec":
		launcher, err = runner.NewExecLauncher(log, cfg.Runner.AgentCommand)
	case "docker":
		launcher, err = runner.NewDockerLauncher(log, cfg.Runner.AgentImage)
	default:
		log.Error("Unsupported launcher", nil,
			logger.Field{Key: "launcher", Value: cfg.Runner.Launcher})
		os.Exit(1)
	}
	if err != nil {
		log.Error("Failed to initialize launcher", err)
		os.Exit(1)
	}
	log.Info("launcher initialized",
		logger.Field{Key: "launcher", Value: cfg.Runner.Launcher})

	reg := registry.New(log,
		time.Duration(cfg.Runner.GracefulTimeout)*time.Second,
		time.Duration(cfg.Runner.KillTimeout)*time.Second,
	)
	reg.StartCleanupLoop(ctx, time.Duration(cfg.Runner.CleanupInterval)*time.Second)

	srv := runner.New(log, reg, launcher, cfg.Runner.Port)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error("Runner API server failed", err)
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received",
			logger.Field{Key: "signal", Value: sig.String()})
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("runner api shutdown incomplete",
			logger.Field{Key: "error", Value: err})
	}

	// stop anything still running so no agent process outlives the daemon
	for _, info := range reg.ListRunning() {
		res := reg.Terminate(shutdownCtx, info.ExecutionID)
		log.Info("terminated execution on shutdown",
			logger.Field{Key: "execution_id", Value: info.ExecutionID},
			logger.Field{Key: "status", Value: string(res.Status)})
	}

	cancel()
	log.Info("runnerd stopped")
}
