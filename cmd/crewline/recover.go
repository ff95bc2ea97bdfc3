package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"crewline/internal/cache"
	"crewline/internal/state"
)

var recoverPurge bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover interrupted workflows",
	Long: `Scan the durable store for workflows left in a non-terminal state
and mark them recovering, preserving their last checkpoint. The next
engine run resumes them from there. Safe to run repeatedly.

With --purge, terminal snapshots older than the configured retention are
also deleted.`,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverPurge, "purge", false, "Also purge terminal snapshots past retention")
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := state.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state store: %w", err)
	}

	states := state.NewManager(db, cache.New(cfg.Cache.Size, cfg.Cache.TTL))
	report, err := states.Recover(cfg.State.RecoveryMaxAge)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	if len(report.Recovered) == 0 && len(report.Failed) == 0 {
		fmt.Println("Nothing to recover.")
	}
	for _, id := range report.Recovered {
		fmt.Printf("recovered %s\n", id)
	}
	for id, rerr := range report.Failed {
		fmt.Printf("failed    %s: %v\n", id, rerr)
	}
	fmt.Printf("recovery pass took %s\n", report.Elapsed)

	if recoverPurge {
		removed, err := states.Cleanup(cfg.State.Retention)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		fmt.Printf("purged %d terminal snapshot(s)\n", removed)
	}
	return nil
}
