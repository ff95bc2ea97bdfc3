package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"crewline/internal/state"
	"crewline/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted engine state",
	Long: `Display what the durable store knows: in-flight workflows, their
latest checkpoints, registered agents, and each active workflow's dynamic
requests. Reads the SQLite store directly, so it works whether or not an
engine process is running.`,
	RunE: runStatus,
}

// activeStates are the workflow states shown by the status command.
var activeStates = []models.WorkflowStatus{
	models.WorkflowStatusCreated,
	models.WorkflowStatusQueued,
	models.WorkflowStatusRunning,
	models.WorkflowStatusPaused,
	models.WorkflowStatusRecovering,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.DBPath()
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No state store found. Run 'crewline serve' to start the engine.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state store: %w", err)
	}

	snapshots, err := db.LatestSnapshotsInStates(activeStates, time.Now().Add(-cfg.State.Retention))
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	if len(snapshots) == 0 {
		fmt.Println("No active workflows.")
	} else {
		fmt.Printf("Active workflows (%d):\n", len(snapshots))
		for _, s := range snapshots {
			fmt.Printf("  %s  %-11s seq %-4d checkpoint %s  %s\n",
				s.WorkflowID, s.State, s.SequenceNumber, s.CheckpointID,
				s.CreatedAt.Format(time.RFC3339))
		}
	}

	agents, err := db.ListAgents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	fmt.Printf("\nRegistered agents (%d):\n", len(agents))
	for _, a := range agents {
		fmt.Printf("  %-20s %-12s %-12s workload %d/%d  success %.0f%%\n",
			a.Name, a.Category, a.Status, a.CurrentWorkload, a.MaxConcurrent,
			a.Performance.SuccessRate*100)
	}

	for _, s := range snapshots {
		requests, err := db.ListRequestsByWorkflow(s.WorkflowID)
		if err != nil || len(requests) == 0 {
			continue
		}
		fmt.Printf("\nDynamic requests for %s:\n", s.WorkflowID)
		for _, r := range requests {
			fmt.Printf("  %s  %-22s %-9s %s\n", r.ID, r.Type, r.Urgency, r.Status)
		}
	}

	return nil
}
