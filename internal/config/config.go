// internal/config/config.go
//
// This package handles configuration and the .loom directory structure.
// Every project that runs loom gets a .loom/ folder created in its root,
// holding worktrees, logs, and launcher definitions for that project.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// LoomDir is the name of the directory we create in each project.
	LoomDir = ".loom"

	defaultLauncher    = "opencode"
	defaultMaxParallel = 2
	defaultBusyPause   = 150 * time.Millisecond
	defaultIdleMax     = 2 * time.Second
)

const defaultProjectConfigYAML = `# loom project configuration
version: 1

# Launcher used to execute units of work unless overridden on the command line.
# Built-ins: opencode, claude, codex. Add more under .loom/launchers/.
launcher: opencode

# Workstreams allowed to run at once when -max-parallel is not given.
max_parallel: 2

# Dispatch loop pause tuning (Go duration strings).
pause:
  busy: 150ms
  idle_max: 2s

# Progress event bridge: a loopback HTTP listener running units can post
# progress notes to. Disable if your launcher never reports events.
bridge:
  enabled: true
  host: 127.0.0.1
  port: 8777
`

// PauseConfig tunes the dispatch loop's inter-iteration pauses. Values are
// Go duration strings; empty values fall back to the built-in defaults.
type PauseConfig struct {
	Busy    string `yaml:"busy,omitempty"`
	IdleMax string `yaml:"idle_max,omitempty"`
}

// BridgeConfig captures the progress event bridge section of config.yaml.
type BridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// ProjectConfig models .loom/config.yaml.
type ProjectConfig struct {
	Version     int          `yaml:"version"`
	Launcher    string       `yaml:"launcher,omitempty"`
	MaxParallel int          `yaml:"max_parallel,omitempty"`
	Pause       PauseConfig  `yaml:"pause,omitempty"`
	Bridge      BridgeConfig `yaml:"bridge,omitempty"`
}

// Config holds the runtime configuration for a loom run.
type Config struct {
	// ProjectDir is the repository the run operates against.
	ProjectDir string

	// LoomProjectDir is ProjectDir/.loom.
	LoomProjectDir string

	Project ProjectConfig
}

// InitLoomDir creates the .loom directory structure in the given project
// directory and seeds a commented config.yaml if none exists.
//
// Structure created:
// .loom/
// ├── worktrees/   <- one worktree workspace per workstream label
// ├── logs/        <- logbook, run log, per-workstream unit output
// └── launchers/   <- user launcher definitions (*.yaml, *.go)
func InitLoomDir(projectDir string) error {
	loomDir := filepath.Join(projectDir, LoomDir)

	dirs := []string{
		filepath.Join(loomDir, "worktrees"),
		filepath.Join(loomDir, "logs"),
		filepath.Join(loomDir, "launchers"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(loomDir, "config.yaml"))
}

// NewConfig creates a Config for the given project directory, loading
// .loom/config.yaml when present. A missing config file is not an error;
// defaults apply.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:     projectDir,
		LoomProjectDir: filepath.Join(projectDir, LoomDir),
		Project:        defaultProjectConfig(),
	}

	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.LoomProjectDir, "logs")
}

// LogbookPath returns the file backing the run history logbook.
func (c *Config) LogbookPath() string {
	return filepath.Join(c.LogsDir(), "logbook.log")
}

// RunLogPath returns the verbose diagnostic log file for the current run.
func (c *Config) RunLogPath() string {
	return filepath.Join(c.LogsDir(), "run.log")
}

// UnitLogPath returns the captured output file for one workstream's unit.
func (c *Config) UnitLogPath(workstreamID string) string {
	return filepath.Join(c.LogsDir(), workstreamID+".log")
}

// WorktreesDir returns the root directory where workspaces are materialized.
// Per-label paths are derived in the workspace package, which only ever sees
// the project directory.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.LoomProjectDir, "worktrees")
}

// LaunchersDir returns the directory holding user launcher definitions.
func (c *Config) LaunchersDir() string {
	return filepath.Join(c.LoomProjectDir, "launchers")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.LoomProjectDir, "config.yaml")
}

// Launcher returns the configured default launcher name.
func (c *Config) Launcher() string {
	if name := strings.TrimSpace(c.Project.Launcher); name != "" {
		return name
	}
	return defaultLauncher
}

// MaxParallel returns the configured default concurrency cap.
func (c *Config) MaxParallel() int {
	if c.Project.MaxParallel > 0 {
		return c.Project.MaxParallel
	}
	return defaultMaxParallel
}

// BusyPause returns the dispatch pause used while units are in flight.
func (c *Config) BusyPause() time.Duration {
	return parseDurationOr(c.Project.Pause.Busy, defaultBusyPause)
}

// IdleMaxPause returns the upper bound for the idle backoff pause.
func (c *Config) IdleMaxPause() time.Duration {
	return parseDurationOr(c.Project.Pause.IdleMax, defaultIdleMax)
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:     1,
		Launcher:    defaultLauncher,
		MaxParallel: defaultMaxParallel,
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Launcher) == "" {
		pc.Launcher = defaultLauncher
	}
	if pc.MaxParallel == 0 {
		pc.MaxParallel = defaultMaxParallel
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Launcher = strings.ToLower(strings.TrimSpace(pc.Launcher))
	pc.Pause.Busy = strings.TrimSpace(pc.Pause.Busy)
	pc.Pause.IdleMax = strings.TrimSpace(pc.Pause.IdleMax)
	pc.Bridge.Host = strings.TrimSpace(pc.Bridge.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be >= 1")
	}
	if err := validateDuration("pause.busy", pc.Pause.Busy); err != nil {
		return err
	}
	if err := validateDuration("pause.idle_max", pc.Pause.IdleMax); err != nil {
		return err
	}
	if pc.Bridge.Port != 0 && (pc.Bridge.Port < 1 || pc.Bridge.Port > 65535) {
		return fmt.Errorf("bridge.port %d is out of range", pc.Bridge.Port)
	}
	return nil
}

func validateDuration(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}
