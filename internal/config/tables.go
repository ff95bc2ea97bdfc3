package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// AgentCapability describes one entry in the static agent-capability table.
type AgentCapability struct {
	// Category groups related agents.
	Category string `yaml:"category"`
	// Capabilities lists what the agent can do.
	Capabilities []string `yaml:"capabilities"`
	// Dependencies lists resources the agent's tasks depend on.
	Dependencies []string `yaml:"dependencies,omitempty"`
	// MaxConcurrent is the agent's concurrency limit.
	MaxConcurrent int `yaml:"max_concurrent"`
	// TypicalDuration is the expected task duration for planning.
	TypicalDuration time.Duration `yaml:"typical_duration"`
}

// WorkflowTemplate describes one entry in the workflow-template table.
type WorkflowTemplate struct {
	// EstimatedDuration is the expected wall-clock duration for planning.
	EstimatedDuration time.Duration `yaml:"estimated_duration"`
	// Stages are ordered stage hints; each names agents and whether they
	// may run in parallel.
	Stages []TemplateStage `yaml:"stages,omitempty"`
}

// TemplateStage is a single stage hint in a workflow template.
type TemplateStage struct {
	Name     string   `yaml:"name"`
	Agents   []string `yaml:"agents"`
	Parallel bool     `yaml:"parallel"`
}

// Tables holds the static lookup tables consumed by the engine. They are
// read-only from the engine's perspective; Watch can refresh them when the
// backing files change.
type Tables struct {
	mu        sync.RWMutex
	agents    map[string]AgentCapability
	templates map[string]WorkflowTemplate
	dir       string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// agentTableFile and templateTableFile are the expected file names inside
// the tables directory.
const (
	agentTableFile    = "agents.yaml"
	templateTableFile = "workflows.yaml"
)

// LoadTables reads the agent-capability and workflow-template tables from
// the given directory. Missing files yield empty tables, not errors, so a
// deployment can rely entirely on runtime registration.
func LoadTables(dir string) (*Tables, error) {
	t := &Tables{
		agents:    make(map[string]AgentCapability),
		templates: make(map[string]WorkflowTemplate),
		dir:       dir,
		done:      make(chan struct{}),
	}

	if dir == "" {
		return t, nil
	}

	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// reload re-reads both tables from disk.
func (t *Tables) reload() error {
	agents, err := loadAgentTable(filepath.Join(t.dir, agentTableFile))
	if err != nil {
		return err
	}
	templates, err := loadTemplateTable(filepath.Join(t.dir, templateTableFile))
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.agents = agents
	t.templates = templates
	t.mu.Unlock()
	return nil
}

func loadAgentTable(path string) (map[string]AgentCapability, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]AgentCapability{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent table: %w", err)
	}

	var table map[string]AgentCapability
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse agent table %s: %w", path, err)
	}
	if table == nil {
		table = map[string]AgentCapability{}
	}
	return table, nil
}

func loadTemplateTable(path string) (map[string]WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]WorkflowTemplate{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read template table: %w", err)
	}

	var table map[string]WorkflowTemplate
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse template table %s: %w", path, err)
	}
	if table == nil {
		table = map[string]WorkflowTemplate{}
	}
	return table, nil
}

// Agent returns the static capability entry for an agent name.
func (t *Tables) Agent(name string) (AgentCapability, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.agents[name]
	return c, ok
}

// Agents returns a copy of the full agent-capability table.
func (t *Tables) Agents() map[string]AgentCapability {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]AgentCapability, len(t.agents))
	for name, c := range t.agents {
		out[name] = c
	}
	return out
}

// Template returns the workflow template for a workflow type.
func (t *Tables) Template(workflowType string) (WorkflowTemplate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tpl, ok := t.templates[workflowType]
	return tpl, ok
}

// Watch starts watching the tables directory and reloads both tables when a
// backing file is created or written. Watching is best-effort: if the
// watcher cannot be created the current tables simply stay as loaded.
// The callback, if non-nil, runs after each successful reload.
func (t *Tables) Watch(onReload func()) {
	if t.dir == "" || t.watcher != nil {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if err := watcher.Add(t.dir); err != nil {
		watcher.Close()
		return
	}
	t.watcher = watcher

	go func() {
		for {
			select {
			case <-t.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				base := filepath.Base(event.Name)
				if base != agentTableFile && base != templateTableFile {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if err := t.reload(); err != nil {
					// Keep the last good tables on parse errors.
					continue
				}
				if onReload != nil {
					onReload()
				}
			case <-watcher.Errors:
				// Ignore errors, keep watching.
			}
		}
	}()
}

// Close stops the table watcher if one is running.
func (t *Tables) Close() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	if t.watcher != nil {
		t.watcher.Close()
		t.watcher = nil
	}
}
