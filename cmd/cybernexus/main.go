package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cipher-x-sudo/cybernexus/internal/api"
	"github.com/cipher-x-sudo/cybernexus/internal/capability"
	"github.com/cipher-x-sudo/cybernexus/internal/config"
	"github.com/cipher-x-sudo/cybernexus/internal/logging"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/netguard"
	"github.com/cipher-x-sudo/cybernexus/internal/orchestrator"
	"github.com/cipher-x-sudo/cybernexus/internal/scheduler"
	"github.com/cipher-x-sudo/cybernexus/internal/simexec"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
	"github.com/cipher-x-sudo/cybernexus/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "cybernexus",
	Short:   "CyberNexus - security job orchestration and scheduling service",
	Long:    `CyberNexus runs the job orchestration core for the security intelligence platform: capability worker pools, scheduled searches, network gatekeeping and the tenant-scoped REST/WebSocket API.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("CyberNexus %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger so config loading failures are already structured.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "cybernexus",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings.
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "cybernexus",
	})

	log.Info().
		Str("version", Version).
		Bool("mockMode", cfg.MockMode).
		Msg("Starting CyberNexus orchestration server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}

	jobs := store.NewJobStore(db)
	findings := store.NewFindingStore(db)
	schedules := store.NewScheduleStore(db)
	networkLogs := store.NewNetworkLogStore(db)
	activity := store.NewActivityStore(db)

	hub := websocket.NewHub()
	go hub.Run(ctx)

	registry := buildRegistry(cfg)

	orch := orchestrator.New(cfg, jobs, findings, registry, hub)
	orch.Start(ctx)

	sched := scheduler.New(cfg, schedules, orch)
	sched.Start(ctx)

	gate := netguard.New(cfg, networkLogs, hub)
	gate.Start(ctx)

	// Config watcher feeds hot-reloadable network settings into the
	// gatekeeper without a restart.
	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
		watcher = nil
	} else {
		watcher.OnChange(func(ns config.NetworkSettings) {
			gate.UpdateSettings(cfg.ApplyNetworkSettings(ns))
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	networkLogs.StartRetention(ctx, func() int {
		if watcher != nil {
			return watcher.Current().NetworkLogTTLDays
		}
		return cfg.NetworkLogTTLDays
	})

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		Orchestrator: orch,
		Scheduler:    sched,
		Gatekeeper:   gate,
		Jobs:         jobs,
		Findings:     findings,
		Schedules:    schedules,
		NetworkLogs:  networkLogs,
		Activity:     activity,
		Hub:          hub,
		Version: api.VersionInfo{
			Version:   Version,
			BuildTime: BuildTime,
			GitCommit: GitCommit,
			Runtime:   runtime.Version(),
		},
	})

	// ReadHeaderTimeout instead of ReadTimeout: a connection deadline would
	// survive the WebSocket upgrade and kill long-lived /ws sessions.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.BackendPort),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().
			Str("host", cfg.BackendHost).
			Int("port", cfg.BackendPort).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	// SIGTERM and SIGINT shut down; SIGHUP re-reads the .env file.
	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration...")
			if watcher != nil {
				watcher.Reload()
			}

		case <-sigChan:
			log.Info().Msg("Shutting down server...")
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Scheduler first so no new jobs are created while workers drain.
	sched.Stop()

	var g errgroup.Group
	g.Go(func() error {
		orch.Stop()
		return nil
	})
	g.Go(func() error {
		gate.Stop()
		return nil
	})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_ = g.Wait()
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown window elapsed before workers drained")
	}

	cancel()
	if watcher != nil {
		watcher.Stop()
	}
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("Database close error")
	}
	log.Info().Msg("Server stopped")
}

// buildRegistry sizes the per-capability worker pools and timeouts from
// config. Executors come from integrations at runtime; in mock mode the
// simulated set is installed so the pipeline runs end to end.
func buildRegistry(cfg *config.Config) *capability.Registry {
	registry := capability.NewRegistry()
	for _, c := range models.AllCapabilities() {
		registry.SetWorkers(c, cfg.WorkersPerCapability)
		registry.SetTimeout(c, cfg.ExecutionTimeout)
	}
	registry.SetWorkers(models.CapabilityDarkwebIntelligence, cfg.DarkwebMaxWorkers)

	if cfg.MockMode {
		simexec.RegisterAll(registry)
	} else if len(registry.Registered()) == 0 {
		log.Warn().Msg("No capability executors registered; submitted jobs will fail until integrations attach")
	}
	return registry
}
