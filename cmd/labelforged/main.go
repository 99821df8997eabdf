package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/antigravity-dev/labelforge/internal/api"
	"github.com/antigravity-dev/labelforge/internal/broker"
	"github.com/antigravity-dev/labelforge/internal/config"
	"github.com/antigravity-dev/labelforge/internal/controller"
	"github.com/antigravity-dev/labelforge/internal/dispatch"
	"github.com/antigravity-dev/labelforge/internal/metrics"
	"github.com/antigravity-dev/labelforge/internal/models"
	"github.com/antigravity-dev/labelforge/internal/store"
	"github.com/antigravity-dev/labelforge/internal/tracker"
	"github.com/antigravity-dev/labelforge/internal/watchdog"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "labelforge.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("labelforged starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfgManager := config.NewManager(cfg)

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConnections)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.Address,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	brk := broker.NewRedis(rdb, logger.With("component", "broker"))
	defer brk.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("broker not reachable at startup", "address", cfg.Broker.Address, "error", err)
	}

	registry, err := models.Bootstrap(logger.With("component", "models"))
	if err != nil {
		logger.Error("failed to bootstrap model registry", "error", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	compiler := workflow.NewCompiler(st, brk, registry, logger.With("component", "compiler"))
	cache := dispatch.NewTreeCache()
	dispatcher := dispatch.New(st, brk, cache, logger.With("component", "dispatch"))
	trk := tracker.New(st, brk, cache, logger.With("component", "tracker"))

	tasks := watchdog.NewTaskWatchdog(brk, cfg.Watchdog.TaskSnapshotInterval.Duration, logger.With("component", "taskwatchdog"))
	go tasks.Run(ctx)

	ctrl := controller.New(st, brk, compiler, dispatcher, trk, tasks, registry, m,
		cfg.General.MaxConcurrentTasks, logger.With("component", "controller"))

	pool := watchdog.NewPool(st, tasks, ctrl, trk, logger.With("component", "watchdog"))
	ctrl.AttachPool(pool)

	apiSrv := api.NewServer(ctrl, prometheus.DefaultGatherer, cfg.API.Bind, logger)
	go func() {
		if err := apiSrv.Start(ctx, cfg.API.ShutdownTimeout.Duration); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("labelforged running",
		"bind", cfg.API.Bind,
		"broker", cfg.Broker.Address,
		"max_concurrent_tasks", cfg.General.MaxConcurrentTasks,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := cfgManager.Reload(*configPath); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			reloaded := cfgManager.Get()
			logger = configureLogger(reloaded.General.LogLevel, *dev)
			slog.SetDefault(logger)
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			pool.StopAll()
			tasks.Stop()
			logger.Info("labelforged stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
