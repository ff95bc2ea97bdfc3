package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Engine.MaxConcurrentWorkflows != 10 {
		t.Errorf("expected max_concurrent_workflows 10, got %d", cfg.Engine.MaxConcurrentWorkflows)
	}
	if cfg.Engine.DispatchInterval != 2*time.Second {
		t.Errorf("expected dispatch_interval 2s, got %v", cfg.Engine.DispatchInterval)
	}
	if cfg.Registry.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected heartbeat_interval 30s, got %v", cfg.Registry.HeartbeatInterval)
	}
	if cfg.Registry.OfflineThreshold != 2*time.Minute {
		t.Errorf("expected offline_threshold 2m, got %v", cfg.Registry.OfflineThreshold)
	}
	if cfg.Context.DefaultMaxTokens != 4000 {
		t.Errorf("expected default_max_tokens 4000, got %d", cfg.Context.DefaultMaxTokens)
	}
	if cfg.State.CheckpointInterval != time.Minute {
		t.Errorf("expected checkpoint_interval 1m, got %v", cfg.State.CheckpointInterval)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
engine:
  max_concurrent_workflows: 3
  dispatch_interval: 500ms
registry:
  offline_threshold: 5m
debug: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Engine.MaxConcurrentWorkflows != 3 {
		t.Errorf("expected 3, got %d", cfg.Engine.MaxConcurrentWorkflows)
	}
	if cfg.Engine.DispatchInterval != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %v", cfg.Engine.DispatchInterval)
	}
	if cfg.Registry.OfflineThreshold != 5*time.Minute {
		t.Errorf("expected 5m, got %v", cfg.Registry.OfflineThreshold)
	}
	if !cfg.Debug {
		t.Error("expected debug true")
	}
	// Unset values keep defaults.
	if cfg.Context.DefaultMaxTokens != 4000 {
		t.Errorf("expected default 4000, got %d", cfg.Context.DefaultMaxTokens)
	}
}

func TestLoadTables(t *testing.T) {
	dir := t.TempDir()
	agentsYAML := `
code_analyzer:
  category: analysis
  capabilities: [code_analysis, quality_review]
  dependencies: [source_tree]
  max_concurrent: 3
  typical_duration: 5m
security_auditor:
  category: security
  capabilities: [security_review, vulnerability_scan]
  max_concurrent: 2
  typical_duration: 10m
`
	workflowsYAML := `
code_review:
  estimated_duration: 20m
  stages:
    - name: analyze
      agents: [code_analyzer]
      parallel: false
    - name: audit
      agents: [security_auditor]
      parallel: true
`
	if err := os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(agentsYAML), 0644); err != nil {
		t.Fatalf("write agents table: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "workflows.yaml"), []byte(workflowsYAML), 0644); err != nil {
		t.Fatalf("write workflows table: %v", err)
	}

	tables, err := LoadTables(dir)
	if err != nil {
		t.Fatalf("load tables: %v", err)
	}
	defer tables.Close()

	cap, ok := tables.Agent("code_analyzer")
	if !ok {
		t.Fatal("expected code_analyzer in agent table")
	}
	if cap.Category != "analysis" {
		t.Errorf("expected category analysis, got %q", cap.Category)
	}
	if cap.MaxConcurrent != 3 {
		t.Errorf("expected max_concurrent 3, got %d", cap.MaxConcurrent)
	}
	if cap.TypicalDuration != 5*time.Minute {
		t.Errorf("expected typical_duration 5m, got %v", cap.TypicalDuration)
	}

	tpl, ok := tables.Template("code_review")
	if !ok {
		t.Fatal("expected code_review template")
	}
	if tpl.EstimatedDuration != 20*time.Minute {
		t.Errorf("expected 20m, got %v", tpl.EstimatedDuration)
	}
	if len(tpl.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(tpl.Stages))
	}
	if tpl.Stages[0].Name != "analyze" || tpl.Stages[0].Parallel {
		t.Errorf("unexpected first stage: %+v", tpl.Stages[0])
	}
}

func TestLoadTablesMissingFiles(t *testing.T) {
	tables, err := LoadTables(t.TempDir())
	if err != nil {
		t.Fatalf("expected missing files to yield empty tables, got %v", err)
	}
	defer tables.Close()

	if len(tables.Agents()) != 0 {
		t.Errorf("expected empty agent table")
	}
	if _, ok := tables.Template("anything"); ok {
		t.Errorf("expected no templates")
	}
}

func TestLoadTablesEmptyDir(t *testing.T) {
	tables, err := LoadTables("")
	if err != nil {
		t.Fatalf("expected empty dir to be allowed, got %v", err)
	}
	defer tables.Close()

	if len(tables.Agents()) != 0 {
		t.Error("expected empty agent table")
	}
}
