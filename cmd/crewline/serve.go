package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crewline/internal/cache"
	"crewline/internal/config"
	"crewline/internal/contextpkg"
	"crewline/internal/dynamic"
	"crewline/internal/integration"
	"crewline/internal/orchestrator"
	"crewline/internal/registry"
	"crewline/internal/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Start the engine: recover interrupted workflows from the durable
store, seed the agent registry from the capability tables, and run the
dispatch, checkpoint, heartbeat, and request-processing loops until
interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Debug {
		installDebugLogging()
	}

	db, err := state.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state store: %w", err)
	}

	c := cache.New(cfg.Cache.Size, cfg.Cache.TTL)
	states := state.NewManager(db, c)
	agents := registry.New(db, c, cfg.Registry.OfflineThreshold)

	tables, err := config.LoadTables(cfg.TablesDir)
	if err != nil {
		return fmt.Errorf("load capability tables: %w", err)
	}
	defer tables.Close()
	if err := agents.Seed(tables); err != nil {
		return fmt.Errorf("seed registry: %w", err)
	}
	tables.Watch(func() {
		if err := agents.Seed(tables); err != nil {
			log.Printf("reseed registry after table reload: %v", err)
		}
	})

	generator := contextpkg.NewGenerator(c, cfg.Context.DefaultMaxTokens)
	orch := orchestrator.New(cfg.Engine, states, agents, generator, tables, c)
	requests := dynamic.NewHandler(cfg.Requests, dynamic.NewSelector(agents), generator, orch, states, db)

	// Restore workflows interrupted by the previous process before
	// accepting new work.
	report, err := states.Recover(cfg.State.RecoveryMaxAge)
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	if len(report.Recovered) > 0 {
		log.Printf("recovered %d interrupted workflow(s) in %s", len(report.Recovered), report.Elapsed)
	}
	for id, rerr := range report.Failed {
		log.Printf("workflow %s not recovered: %v", id, rerr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	loops := []func(){
		func() { states.RunCheckpointLoop(ctx, cfg.State.CheckpointInterval) },
		func() { agents.RunHeartbeatLoop(ctx, cfg.Registry.HeartbeatInterval) },
		func() { agents.RunDiscoveryLoop(ctx, cfg.Registry.DiscoveryInterval) },
		func() { orch.RunDispatchLoop(ctx, cfg.Engine.DispatchInterval) },
		func() { requests.RunProcessLoop(ctx, cfg.Requests.ProcessInterval) },
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func()) {
			defer wg.Done()
			run()
		}(loop)
	}

	log.Printf("crewline engine running (db %s)", db.Path())
	<-ctx.Done()
	log.Println("shutting down")

	// Bounded wait for the loops, then flush dirty state to the durable
	// store regardless.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Engine.ShutdownGrace):
		log.Println("shutdown grace elapsed, flushing anyway")
	}

	if err := states.FlushAll(); err != nil {
		return fmt.Errorf("flush state: %w", err)
	}
	return nil
}

// installDebugLogging routes every package's debug logger to stderr.
func installDebugLogging() {
	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	fn := func(format string, args ...any) {
		logger.Printf(format, args...)
	}
	state.SetDebugLog(fn)
	registry.SetDebugLog(fn)
	contextpkg.SetDebugLog(fn)
	integration.SetDebugLog(fn)
	orchestrator.SetDebugLog(fn)
	dynamic.SetDebugLog(fn)
}
