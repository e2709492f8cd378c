// internal/agent/launcher.go
//
// Launcher profiles describe how to start an assistant CLI for one unit of
// work. The built-in profiles cover the common assistants; projects extend
// or shadow them with definitions under .loom/launchers (see the plugins
// package).

package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Placeholder tokens substituted into a launcher's argv before execution.
const (
	PlaceholderInstruction = "{instruction}"
	PlaceholderWorkstream  = "{id}"
	PlaceholderWorkspace   = "{workspace}"
)

// Launcher declares the command line used to start an assistant for a
// workstream. Command holds the argv template; any argument may reference
// the placeholder tokens. Env entries are appended to the unit's
// environment.
type Launcher struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Command     []string          `json:"command" yaml:"command"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Normalized returns a trimmed copy of the launcher. Empty command tokens
// and env keys are dropped.
func (l Launcher) Normalized() Launcher {
	clone := Launcher{
		Name:        strings.TrimSpace(l.Name),
		Description: strings.TrimSpace(l.Description),
	}
	if len(l.Command) > 0 {
		clone.Command = make([]string, 0, len(l.Command))
		for _, arg := range l.Command {
			trimmed := strings.TrimSpace(arg)
			if trimmed == "" {
				continue
			}
			clone.Command = append(clone.Command, trimmed)
		}
	}
	if len(l.Env) > 0 {
		clone.Env = make(map[string]string, len(l.Env))
		for key, value := range l.Env {
			trimmedKey := strings.TrimSpace(key)
			if trimmedKey == "" {
				continue
			}
			clone.Env[trimmedKey] = strings.TrimSpace(value)
		}
	}
	return clone
}

// Validate ensures the launcher can actually deliver an instruction to an
// assistant process.
func (l Launcher) Validate() error {
	normalized := l.Normalized()
	if normalized.Name == "" {
		return fmt.Errorf("agent: launcher name is required")
	}
	if len(normalized.Command) == 0 {
		return fmt.Errorf("agent: launcher %s: command is required", normalized.Name)
	}
	for _, arg := range normalized.Command {
		if strings.Contains(arg, PlaceholderInstruction) {
			return nil
		}
	}
	return fmt.Errorf("agent: launcher %s: command must reference %s", normalized.Name, PlaceholderInstruction)
}

// Argv expands the command template for one unit of work and returns a
// fresh argv slice.
func (l Launcher) Argv(instruction, workstreamID, workspaceDir string) []string {
	replacer := strings.NewReplacer(
		PlaceholderInstruction, instruction,
		PlaceholderWorkstream, workstreamID,
		PlaceholderWorkspace, workspaceDir,
	)
	argv := make([]string, len(l.Command))
	for i, arg := range l.Command {
		argv[i] = replacer.Replace(arg)
	}
	return argv
}

// Builtins returns the launcher profiles that ship with the tool.
func Builtins() []Launcher {
	return []Launcher{
		{
			Name:        "opencode",
			Description: "OpenCode CLI in non-interactive run mode",
			Command:     []string{"opencode", "run", PlaceholderInstruction},
		},
		{
			Name:        "claude",
			Description: "Claude CLI in non-interactive print mode",
			Command:     []string{"claude", "-p", PlaceholderInstruction},
		},
		{
			Name:        "codex",
			Description: "Codex CLI in exec mode",
			Command:     []string{"codex", "exec", PlaceholderInstruction},
		},
	}
}

// Registry maintains the launcher profiles known to a run. Built-ins are
// present from construction; user definitions may shadow a built-in by
// name but conflict with each other.
type Registry struct {
	mu        sync.RWMutex
	launchers map[string]Launcher
	builtin   map[string]bool
}

// NewRegistry returns a registry seeded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{
		launchers: map[string]Launcher{},
		builtin:   map[string]bool{},
	}
	for _, launcher := range Builtins() {
		r.launchers[launcher.Name] = launcher
		r.builtin[launcher.Name] = true
	}
	return r
}

// Register installs a launcher profile. Registering over a built-in
// replaces it; registering over another user profile is an error.
func (r *Registry) Register(launcher Launcher) error {
	if err := launcher.Validate(); err != nil {
		return err
	}
	normalized := launcher.Normalized()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.launchers[normalized.Name]; exists && !r.builtin[normalized.Name] {
		return fmt.Errorf("agent: launcher %s already registered", normalized.Name)
	}
	r.launchers[normalized.Name] = normalized
	delete(r.builtin, normalized.Name)
	return nil
}

// Resolve returns the launcher registered under name.
func (r *Registry) Resolve(name string) (Launcher, error) {
	trimmed := strings.TrimSpace(name)
	r.mu.RLock()
	launcher, ok := r.launchers[trimmed]
	r.mu.RUnlock()
	if !ok {
		return Launcher{}, fmt.Errorf("agent: unknown launcher %q (known: %s)", trimmed, strings.Join(r.Names(), ", "))
	}
	return launcher, nil
}

// Names returns a sorted list of registered launcher names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.launchers))
	for name := range r.launchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
