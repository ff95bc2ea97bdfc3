package main

import (
	"os"

	"github.com/spf13/cobra"

	"crewline/internal/config"
)

var configPath string
var debugFlag bool

var rootCmd = &cobra.Command{
	Use:   "crewline",
	Short: "Agent Orchestration & Coordination Engine",
	Long: `Crewline coordinates multi-agent workflows: it matches tasks to
capable agents, gates dispatch on declared dependencies, persists every
workflow state transition for crash recovery, and generates token-budgeted
context packages for each assignment.

Agents running mid-workflow can request supplemental agents; crewline
selects a responder, executes it as a child workflow, and integrates the
findings back into the requester's context.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (skips discovery)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves configuration honoring the --config and --debug flags.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if debugFlag {
		cfg.Debug = true
	}
	return cfg, nil
}
