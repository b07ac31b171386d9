package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/scribehq/scribed/internal/config"
	"github.com/scribehq/scribed/internal/events"
	"github.com/scribehq/scribed/internal/gateway"
	"github.com/scribehq/scribed/internal/heartbeat"
	"github.com/scribehq/scribed/internal/llm"
	"github.com/scribehq/scribed/internal/models"
	"github.com/scribehq/scribed/internal/pipeline"
	"github.com/scribehq/scribed/internal/process"
	"github.com/scribehq/scribed/internal/queue"
	"github.com/scribehq/scribed/internal/scheduler"
	"github.com/scribehq/scribed/internal/secrets"
	"github.com/scribehq/scribed/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// NewServeCommand returns the daemon command.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the documentation server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to bind to",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on (0 = OS-assigned)",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	log := newLogger(cmd.Bool("debug"))

	cfg := loadConfig(cmd, log)
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}

	dataDir := cfg.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(config.ScribedPath(), 0o755); err != nil {
		return fmt.Errorf("create scribed dir: %w", err)
	}

	bus := events.NewBus(cfg.Events.SubscriberBuffer)
	defer bus.Close()

	var eventLog *storage.EventLog
	if cfg.Events.PersistLog {
		var err error
		eventLog, err = storage.NewEventLog(filepath.Join(dataDir, "events"), bus)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer eventLog.Close()
	}

	usage, err := storage.OpenUsageTracker(filepath.Join(dataDir, "usage.db"), bus, log)
	if err != nil {
		return fmt.Errorf("open usage tracker: %w", err)
	}
	defer usage.Close()

	store, err := process.OpenStore(filepath.Join(dataDir, "processes"), bus, log)
	if err != nil {
		return fmt.Errorf("open process store: %w", err)
	}
	defer store.Close()

	workspaces, err := process.OpenWorkspaceRegistry(dataDir, bus)
	if err != nil {
		return fmt.Errorf("open workspace registry: %w", err)
	}

	queueOpts := []queue.Option{queue.WithHistorySize(cfg.Queue.HistorySize)}
	if cfg.Queue.PersistHistory {
		queueOpts = append(queueOpts, queue.WithHistoryPersistence(filepath.Join(dataDir, "queue-history.json")))
	}
	q := queue.New(bus, queueOpts...)

	registry := models.NewRegistry(cfg.Models, secrets.NewResolver(secrets.KeyPath()))
	pool := llm.NewPool(&llm.ModelSessionFactory{Registry: registry}, llm.PoolConfig{
		MaxSessions:     cfg.Pool.MaxSessions,
		MinSessions:     cfg.Pool.MinSessions,
		IdleTimeout:     cfg.Pool.IdleTimeout.Duration(),
		CleanupInterval: cfg.Pool.CleanupInterval.Duration(),
		AcquireTimeout:  cfg.Pool.AcquireTimeout.Duration(),
	}, llm.SessionConfig{Model: cfg.Models.Default}, log)
	pool.Start()
	defer pool.Dispose()

	invoker := llm.NewInvoker(pool, bus)
	runner := pipeline.NewRunner(pipeline.NewCache(filepath.Join(dataDir, "cache")), invoker, bus, log)

	builder := &taskBuilder{
		cfg:        cfg,
		dataDir:    dataDir,
		store:      store,
		workspaces: workspaces,
		queue:      q,
		runner:     runner,
		invoker:    invoker,
		log:        log,
	}
	watchers := newWatchManager(builder, cfg.Rebuild.Debounce.Duration(), bus, log)
	builder.watchers = watchers
	defer watchers.close()
	for _, ws := range workspaces.List() {
		watchers.watch(ws.ID, ws.RootPath)
	}

	exec := queue.NewExecutor(q, store, log)
	exec.Start()
	defer exec.Stop()

	sched := scheduler.New(cfg.Schedules, builder, bus, filepath.Join(dataDir, "schedule-runs.json"), log)
	sched.Start()
	defer sched.Stop()

	server := gateway.NewServer(gateway.Config{
		Store:      store,
		Workspaces: workspaces,
		Queue:      q,
		Pool:       pool,
		Bus:        bus,
		Builder:    builder,
		Invoker:    invoker,
		Usage:      usage,
		Log:        log,
	})

	addr, err := server.Start(cfg.Server.Host, cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info("scribed listening", "addr", addr, "data_dir", dataDir)

	hb := heartbeat.NewWriter(filepath.Join(config.ScribedPath(), "heartbeat.json"), addr)
	hb.Start()
	defer hb.Stop()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newLogger builds the process-wide logger and installs it as the slog
// default so library code without an injected logger lands in the same
// stream.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

// loadConfig reads the configured file, falling back to defaults when it
// is missing or malformed. A broken config should not keep the daemon
// from starting.
func loadConfig(cmd *cli.Command, log *slog.Logger) *config.Config {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		log.Warn("using default configuration", "path", path, "error", err)
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}
	return cfg
}
