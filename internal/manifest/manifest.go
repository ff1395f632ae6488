// Package manifest loads the declarative fleet manifest: a YAML file
// listing the workers a project wants running. The watcher reports file
// changes so a running coordinator can reconcile the fleet.
package manifest

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerSpec declares one worker the fleet should run.
type WorkerSpec struct {
	// Type is the registered worker type ("proc", ...).
	Type string `yaml:"type"`
	// Command, Args, Dir and Env configure process-hosted workers.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	Env     []string `yaml:"env,omitempty"`
	// Options carries worker-type-specific settings.
	Options map[string]string `yaml:"options,omitempty"`
}

// Manifest declares the desired worker fleet for one project.
type Manifest struct {
	// Project identifies the project the workers belong to.
	Project string `yaml:"project"`
	// Workers lists the workers to launch, keyed implicitly by Type:
	// the supervisor allows one worker per (project, type).
	Workers []WorkerSpec `yaml:"workers"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for structural problems: a missing
// project name, workers without a type, duplicate worker types, and
// proc workers without a command.
func (m *Manifest) Validate() error {
	if m.Project == "" {
		return fmt.Errorf("manifest: project is required")
	}
	if len(m.Workers) == 0 {
		return fmt.Errorf("manifest: at least one worker is required")
	}

	seen := make(map[string]bool, len(m.Workers))
	for i, w := range m.Workers {
		if w.Type == "" {
			return fmt.Errorf("manifest: worker %d: type is required", i)
		}
		if seen[w.Type] {
			return fmt.Errorf("manifest: duplicate worker type %q", w.Type)
		}
		seen[w.Type] = true
		if w.Type == "proc" && w.Command == "" {
			return fmt.Errorf("manifest: proc worker requires a command")
		}
	}
	return nil
}

// Save writes the manifest to a file.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Starter returns a commented starter manifest for new projects.
func Starter(project string) string {
	return fmt.Sprintf(`# foreman fleet manifest
project: %s
workers:
  - type: proc
    command: echo
    args: ["replace me with a real worker command"]
`, project)
}

// debounce collapses bursts of file events; editors typically produce
// several writes per save.
const debounce = 250 * time.Millisecond
