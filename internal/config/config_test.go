package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeProjectConfig(t *testing.T, projectDir, body string) {
	t.Helper()
	loomDir := filepath.Join(projectDir, LoomDir)
	if err := os.MkdirAll(loomDir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(loomDir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(body)), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestNewConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Launcher() != defaultLauncher {
		t.Fatalf("launcher = %q, want %q", cfg.Launcher(), defaultLauncher)
	}
	if cfg.MaxParallel() != defaultMaxParallel {
		t.Fatalf("max parallel = %d, want %d", cfg.MaxParallel(), defaultMaxParallel)
	}
	if cfg.BusyPause() != defaultBusyPause {
		t.Fatalf("busy pause = %s, want %s", cfg.BusyPause(), defaultBusyPause)
	}
	if cfg.IdleMaxPause() != defaultIdleMax {
		t.Fatalf("idle max pause = %s, want %s", cfg.IdleMaxPause(), defaultIdleMax)
	}
}

func TestNewConfigParsesYAML(t *testing.T) {
	projectDir := t.TempDir()
	writeProjectConfig(t, projectDir, `
version: 1
launcher: Claude
max_parallel: 4
pause:
  busy: 50ms
  idle_max: 5s
bridge:
  enabled: false
  host: 0.0.0.0
  port: 9001
`)
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Launcher() != "claude" {
		t.Fatalf("launcher = %q, want lowercased claude", cfg.Launcher())
	}
	if cfg.MaxParallel() != 4 {
		t.Fatalf("max parallel = %d, want 4", cfg.MaxParallel())
	}
	if cfg.BusyPause() != 50*time.Millisecond {
		t.Fatalf("busy pause = %s, want 50ms", cfg.BusyPause())
	}
	if cfg.IdleMaxPause() != 5*time.Second {
		t.Fatalf("idle max pause = %s, want 5s", cfg.IdleMaxPause())
	}
	if cfg.Project.Bridge.Enabled == nil || *cfg.Project.Bridge.Enabled {
		t.Fatal("bridge.enabled = true, want explicit false")
	}
	if cfg.Project.Bridge.Host != "0.0.0.0" || cfg.Project.Bridge.Port != 9001 {
		t.Fatalf("bridge = %+v", cfg.Project.Bridge)
	}
}

func TestNewConfigRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"negative max parallel", "version: 1\nmax_parallel: -1"},
		{"bad busy duration", "version: 1\npause:\n  busy: fast"},
		{"negative idle duration", "version: 1\npause:\n  idle_max: -2s"},
		{"port out of range", "version: 1\nbridge:\n  port: 70000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			projectDir := t.TempDir()
			writeProjectConfig(t, projectDir, tc.body)
			if _, err := NewConfig(projectDir); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestInitLoomDirCreatesStructure(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitLoomDir(projectDir); err != nil {
		t.Fatalf("InitLoomDir: %v", err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	for _, dir := range []string{cfg.WorktreesDir(), cfg.LogsDir(), cfg.LaunchersDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("missing directory %s: %v", dir, err)
		}
	}
	data, err := os.ReadFile(cfg.ProjectConfigPath())
	if err != nil {
		t.Fatalf("read seeded config: %v", err)
	}
	if !strings.Contains(string(data), "launcher: opencode") {
		t.Fatalf("seeded config missing defaults: %s", data)
	}
}

func TestInitLoomDirKeepsExistingConfig(t *testing.T) {
	projectDir := t.TempDir()
	writeProjectConfig(t, projectDir, "version: 1\nlauncher: codex")
	if err := InitLoomDir(projectDir); err != nil {
		t.Fatalf("InitLoomDir: %v", err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Launcher() != "codex" {
		t.Fatalf("launcher = %q, init must not overwrite config", cfg.Launcher())
	}
}

func TestPathHelpers(t *testing.T) {
	projectDir := t.TempDir()
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	loomDir := filepath.Join(projectDir, LoomDir)
	if cfg.LoomProjectDir != loomDir {
		t.Fatalf("LoomProjectDir = %s, want %s", cfg.LoomProjectDir, loomDir)
	}
	if got := cfg.LogbookPath(); got != filepath.Join(loomDir, "logs", "logbook.log") {
		t.Fatalf("LogbookPath = %s", got)
	}
	if got := cfg.RunLogPath(); got != filepath.Join(loomDir, "logs", "run.log") {
		t.Fatalf("RunLogPath = %s", got)
	}
	if got := cfg.UnitLogPath("api"); got != filepath.Join(loomDir, "logs", "api.log") {
		t.Fatalf("UnitLogPath = %s", got)
	}
	if got := cfg.LaunchersDir(); got != filepath.Join(loomDir, "launchers") {
		t.Fatalf("LaunchersDir = %s", got)
	}
}
