package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oturie/relay/internal/config"
	"github.com/oturie/relay/internal/events"
	"github.com/oturie/relay/internal/lock"
	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/metrics"
	"github.com/oturie/relay/internal/scheduler"
	"github.com/oturie/relay/internal/server"
	"github.com/oturie/relay/internal/store"
	"github.com/oturie/relay/internal/target"
)

var (
	serveConfigPath string
	serveLogLevel   string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the schedule dispatcher (main command)",
	Long: `Start the schedule dispatcher with the specified configuration.
This connects to the schedule store and the Redis coordination store,
loads all enabled schedules into the timer table, starts the periodic
sync loop and serves the operator HTTP API. Shutdown is graceful on
SIGINT and SIGTERM.`,
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

	log.Info("starting relayd",
		logger.Field{Key: "version", Value: Version},
		logger.Field{Key: "git_commit", Value: GitCommit},
		logger.Field{Key: "config", Value: configPath},
		logger.Field{Key: "sync_interval_seconds", Value: cfg.Scheduler.SyncInterval},
		logger.Field{Key: "dispatch_timeout_seconds", Value: cfg.Scheduler.DispatchTimeout},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.NewPostgresStore(ctx, cfg.Store.DSN, cfg.Store.MaxOpenConns)
	if err != nil {
		log.Error("Failed to connect to schedule store", err)
		os.Exit(1)
	}
	defer st.Close()
	log.Info("schedule store connected")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Coordination.RedisAddr,
		Password: cfg.Coordination.RedisPassword,
		DB:       cfg.Coordination.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("Failed to connect to coordination store", err,
			logger.Field{Key: "addr", Value: cfg.Coordination.RedisAddr})
		os.Exit(1)
	}
	log.Info("coordination store connected",
		logger.Field{Key: "addr", Value: cfg.Coordination.RedisAddr})

	lockTTL := time.Duration(cfg.Coordination.LockTTL) * time.Second
	lockRenew := time.Duration(cfg.Coordination.RenewInterval) * time.Second
	lockMgr := lock.NewManager(redisClient, log, lockTTL, lockRenew)

	targetClient := target.NewClient(
		cfg.Scheduler.TargetBaseURL,
		time.Duration(cfg.Scheduler.DispatchBuffer)*time.Second,
	)

	publisher := buildPublisher(cfg, log, redisClient)

	reg := prometheus.NewRegistry()
	m := metrics.New("relay", reg)

	sched := scheduler.New(log, st, scheduler.NewRedisLockManager(lockMgr),
		targetClient, publisher, m, scheduler.NewRobfigCron(), scheduler.Config{
			DispatchTimeout: time.Duration(cfg.Scheduler.DispatchTimeout) * time.Second,
		})
	if err := sched.Start(ctx); err != nil {
		log.Error("Failed to start scheduler", err)
		os.Exit(1)
	}
	go sched.RunSyncLoop(ctx, time.Duration(cfg.Scheduler.SyncInterval)*time.Second)

	apiSrv := server.New(log, sched, st, reg, cfg.Server.Port)
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil {
			log.Error("Operator API server failed", err)
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
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("operator api shutdown incomplete",
			logger.Field{Key: "error", Value: err})
	}
	if err := sched.Stop(); err == nil {
		log.Info("scheduler stopped")
	}
	cancel()
	log.Info("relayd stopped")
}

// buildPublisher assembles the configured event sinks into one fanout.
func buildPublisher(cfg *config.Config, log *logger.Logger, redisClient redis.UniversalClient) events.Publisher {
	var sinks []events.Publisher

	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.Events.WebhookURL, log))
		log.Info("webhook event sink enabled")
	}
	if cfg.Events.RedisChannel != "" {
		sinks = append(sinks, events.NewRedisSink(redisClient, cfg.Events.RedisChannel, log))
		log.Info("redis event sink enabled",
			logger.Field{Key: "channel", Value: cfg.Events.RedisChannel})
	}
	if cfg.Events.Telegram.Enabled {
		sink, err := events.NewTelegramSink(cfg.Events.Telegram.Token, cfg.Events.Telegram.ChatID, log)
		if err != nil {
			log.Error("Failed to initialize telegram event sink", err)
			os.Exit(1)
		}
		sinks = append(sinks, sink)
		log.Info("telegram event sink enabled")
	}

	return events.NewMulti(sinks...)
}
