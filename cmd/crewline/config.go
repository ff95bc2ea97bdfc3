package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"crewline/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `Display the effective configuration after defaults, config files,
and CREWLINE_* environment variables are applied.

Without arguments, displays every value. With one argument, displays the
value for that key.

Configuration is read from $XDG_CONFIG_HOME/crewline/config.yaml, with
project overrides in .crewline.yaml.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		values := configValues(cfg)
		if len(args) == 0 {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s: %s\n", k, values[k])
			}
			return
		}

		v, ok := values[args[0]]
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown configuration key: %s\n", args[0])
			os.Exit(1)
		}
		fmt.Println(v)
	},
}

// configValues flattens the config into displayable key/value pairs.
func configValues(cfg *config.Config) map[string]string {
	return map[string]string{
		"engine.max_concurrent_workflows": fmt.Sprintf("%d", cfg.Engine.MaxConcurrentWorkflows),
		"engine.dispatch_interval":        cfg.Engine.DispatchInterval.String(),
		"engine.default_workflow_timeout": cfg.Engine.DefaultWorkflowTimeout.String(),
		"engine.shutdown_grace":           cfg.Engine.ShutdownGrace.String(),
		"engine.max_retries":              fmt.Sprintf("%d", cfg.Engine.MaxRetries),
		"registry.heartbeat_interval":     cfg.Registry.HeartbeatInterval.String(),
		"registry.offline_threshold":      cfg.Registry.OfflineThreshold.String(),
		"registry.discovery_interval":     cfg.Registry.DiscoveryInterval.String(),
		"state.db_path":                   cfg.DBPath(),
		"state.checkpoint_interval":       cfg.State.CheckpointInterval.String(),
		"state.recovery_max_age":          cfg.State.RecoveryMaxAge.String(),
		"state.retention":                 cfg.State.Retention.String(),
		"cache.size":                      fmt.Sprintf("%d", cfg.Cache.Size),
		"cache.ttl":                       cfg.Cache.TTL.String(),
		"context.default_max_tokens":      fmt.Sprintf("%d", cfg.Context.DefaultMaxTokens),
		"context.cache_ttl":               cfg.Context.CacheTTL.String(),
		"requests.process_interval":       cfg.Requests.ProcessInterval.String(),
		"requests.default_timeout":        cfg.Requests.DefaultTimeout.String(),
		"tables_dir":                      cfg.TablesDir,
		"debug":                           fmt.Sprintf("%t", cfg.Debug),
	}
}
