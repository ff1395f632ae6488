package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/bus"
	"foreman/internal/config"
	"foreman/internal/health"
	"foreman/internal/manifest"
	"foreman/internal/server"
	"foreman/internal/state"
	"foreman/internal/supervisor"
	"foreman/internal/task"
	"foreman/pkg/models"
)

var (
	runConfigPath   string
	runServerAddr   string
	runStateDB      string
	runManifestPath string
	runDebug        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker fleet",
	Long: `Start the coordinator: load the fleet manifest, launch its workers,
and keep them supervised until interrupted.

While running, foreman:
  - forwards worker events and tracks per-worker heartbeats
  - sweeps fleet health on an interval and flags stale workers
  - serves the HTTP status surface (if server.addr is configured)
  - snapshots task state to sqlite (if state.db_path is configured)
  - reloads the manifest on change and launches newly declared workers

Stop with Ctrl-C; workers get the configured shutdown grace period.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Config file (default: XDG + .foreman.yaml discovery)")
	runCmd.Flags().StringVar(&runServerAddr, "server-addr", "", "HTTP status surface listen address")
	runCmd.Flags().StringVar(&runStateDB, "state-db", "", "Sqlite snapshot path")
	runCmd.Flags().StringVar(&runManifestPath, "manifest", "", "Fleet manifest path")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Write verbose supervisor tracing to .foreman/logs")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}

	store := task.NewStore()
	msgBus := bus.New(bus.WithFlowHistoryCap(cfg.Bus.FlowHistoryCap))

	var db *state.DB
	if cfg.State.DBPath != "" {
		db, err = state.Open(cfg.State.DBPath)
		if err != nil {
			return fmt.Errorf("open state db: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate state db: %w", err)
		}
		restored, err := db.LoadSnapshot(store)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if restored > 0 {
			log.Printf("[foreman] restored %d tasks from %s", restored, cfg.State.DBPath)
		}
	}

	registry := supervisor.NewFactoryRegistry()
	supervisor.RegisterProcWorker(registry, cfg.Supervisor.ShutdownGrace)

	var debugLogger *supervisor.DebugLogger
	if runDebug {
		debugLogger = supervisor.NewDebugLoggerForProject(".")
		defer debugLogger.Close()
	}

	sup := supervisor.New(registry, supervisor.Config{
		HeartbeatStale:     cfg.Supervisor.HeartbeatStale,
		ShutdownGrace:      cfg.Supervisor.ShutdownGrace,
		EventBuffer:        cfg.Supervisor.EventBuffer,
		RestartBackoffBase: cfg.Supervisor.RestartBackoffBase,
		RestartBackoffMax:  cfg.Supervisor.RestartBackoffMax,
		AutoRestart:        cfg.Supervisor.AutoRestart,
		MaxAutoRestarts:    cfg.Supervisor.MaxAutoRestarts,
	},
		supervisor.WithTaskStore(store),
		supervisor.WithBus(msgBus),
		supervisor.WithDebugLogger(debugLogger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := health.New(sup,
		health.WithInterval(cfg.Health.Interval),
		health.WithNotify(func(n health.Notification) {
			for _, key := range n.NewlyUnhealthy {
				log.Printf("[foreman] worker %s went unhealthy", key)
			}
		}),
	)
	go monitor.Run(ctx)

	srv := server.New(store, msgBus, sup)
	var httpServer *http.Server
	if cfg.Server.Addr != "" {
		httpServer = &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}
		go func() {
			log.Printf("[foreman] status surface listening on %s", cfg.Server.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[foreman] http server: %v", err)
			}
		}()
	}

	// Drain forwarded events into the recent-events ring; errors also go
	// to the process log so they are visible without the HTTP surface.
	go func() {
		for ev := range sup.Events() {
			srv.RecordEvent(ev)
			if ev.Type == models.EventError {
				log.Printf("[foreman] %s/%s: %s", ev.ProjectID, ev.WorkerType, ev.Err)
			}
		}
	}()

	m, err := manifest.Load(cfg.Manifest.Path)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	launchFleet(sup, m)

	if cfg.Manifest.Watch {
		watcher, err := manifest.Watch(cfg.Manifest.Path)
		if err != nil {
			log.Printf("[foreman] manifest watch disabled: %v", err)
		} else {
			defer watcher.Close()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case reloaded := <-watcher.Reloads():
						log.Printf("[foreman] manifest reloaded")
						launchFleet(sup, reloaded)
					}
				}
			}()
		}
	}

	if db != nil {
		go snapshotLoop(ctx, db, store, cfg.State.SnapshotInterval)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Printf("[foreman] received %s, shutting down", sig)

	cancel()
	sup.StopAll()

	if db != nil {
		if err := db.SaveSnapshot(store); err != nil {
			log.Printf("[foreman] final snapshot: %v", err)
		}
	}
	if httpServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			log.Printf("[foreman] http shutdown: %v", err)
		}
	}

	return nil
}

// loadRunConfig loads configuration and applies flag overrides.
func loadRunConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if runConfigPath != "" {
		cfg, err = config.LoadFromPath(runConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if runServerAddr != "" {
		cfg.Server.Addr = runServerAddr
	}
	if runStateDB != "" {
		cfg.State.DBPath = runStateDB
	}
	if runManifestPath != "" {
		cfg.Manifest.Path = runManifestPath
	}
	return cfg, nil
}

// launchFleet launches every manifest worker that does not already have
// an active instance. Already-running workers are left alone.
func launchFleet(sup *supervisor.Supervisor, m *manifest.Manifest) {
	for _, spec := range m.Workers {
		_, err := sup.Launch(m.Project, spec.Type, supervisor.WorkerConfig{
			Command: spec.Command,
			Args:    spec.Args,
			Dir:     spec.Dir,
			Env:     spec.Env,
			Options: spec.Options,
		})
		if err != nil {
			if errors.Is(err, supervisor.ErrAlreadyRunning) {
				continue
			}
			log.Printf("[foreman] launch %s/%s: %v", m.Project, spec.Type, err)
			continue
		}
		log.Printf("[foreman] launched %s/%s", m.Project, spec.Type)
	}
}

func snapshotLoop(ctx context.Context, db *state.DB, store *task.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.SaveSnapshot(store); err != nil {
				log.Printf("[foreman] snapshot: %v", err)
			}
		}
	}
}
