package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/loom/internal/config"
	"github.com/kingrea/loom/internal/logging"
	"github.com/kingrea/loom/internal/workspace"
)

// Request identifies one unit of work for the executor: the base repository,
// the workspace label the unit runs in, the work-instruction reference, and
// the workstream identity.
type Request struct {
	BaseDir      string
	Workspace    string
	Instruction  string
	WorkstreamID string
}

// Runner starts a launcher process. Tests swap it to avoid spawning real
// assistants.
type Runner func(ctx context.Context, dir string, env []string, output io.Writer, name string, args ...string) error

func execRunner(ctx context.Context, dir string, env []string, output io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = output
	cmd.Stderr = output
	return cmd.Run()
}

// CLIExecutor runs each unit of work by launching an assistant CLI inside
// the unit's workspace. Combined output streams to the per-workstream log
// under .loom/logs so a failed unit can be diagnosed after the run.
type CLIExecutor struct {
	cfg       *config.Config
	registry  *Registry
	bridgeURL string
	extraEnv  map[string]string
	logger    *logging.Logger
	run       Runner
}

// Option customizes a CLIExecutor.
type Option func(*CLIExecutor)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(e *CLIExecutor) {
		if r != nil {
			e.run = r
		}
	}
}

// WithBridgeURL advertises the progress event bridge to launched units via
// LOOM_BRIDGE_URL.
func WithBridgeURL(url string) Option {
	return func(e *CLIExecutor) {
		e.bridgeURL = strings.TrimSpace(url)
	}
}

// WithEnv adds extra environment entries to every launched unit.
func WithEnv(env map[string]string) Option {
	return func(e *CLIExecutor) {
		if len(env) == 0 {
			return
		}
		if e.extraEnv == nil {
			e.extraEnv = make(map[string]string, len(env))
		}
		for key, value := range env {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			e.extraEnv[trimmed] = value
		}
	}
}

// WithLogger attaches a diagnostics logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *CLIExecutor) {
		e.logger = logger
	}
}

// NewCLIExecutor builds an executor over the given configuration and
// launcher registry. A nil registry falls back to the built-ins.
func NewCLIExecutor(cfg *config.Config, registry *Registry, opts ...Option) *CLIExecutor {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &CLIExecutor{
		cfg:      cfg,
		registry: registry,
		run:      execRunner,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one unit of work to completion and reports its terminal
// outcome. The unit inherits the parent environment plus the launcher's env
// entries and the LOOM_* identity variables.
func (e *CLIExecutor) Execute(ctx context.Context, req Request) error {
	launcher, err := e.registry.Resolve(e.cfg.Launcher())
	if err != nil {
		return err
	}
	dir := workspace.PathFor(req.BaseDir, req.Workspace)
	argv := launcher.Argv(req.Instruction, req.WorkstreamID, dir)
	logPath := e.cfg.UnitLogPath(req.WorkstreamID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("agent: ensure log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("agent: open unit log: %w", err)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "=== %s %s via %s: %s\n", time.Now().Format(time.RFC3339), req.WorkstreamID, launcher.Name, strings.Join(argv, " "))

	e.logger.Printf("executing %s via %s in %s", req.WorkstreamID, launcher.Name, dir)
	workspace.AppendUnitLog(dir, fmt.Sprintf("workstream %s started (launcher %s)", req.WorkstreamID, launcher.Name))

	env := e.unitEnv(launcher, req, dir)
	if err := e.run(ctx, dir, env, logFile, argv[0], argv[1:]...); err != nil {
		workspace.AppendUnitLog(dir, fmt.Sprintf("workstream %s failed: %v", req.WorkstreamID, err))
		return fmt.Errorf("agent: workstream %s: launcher %s: %w", req.WorkstreamID, launcher.Name, err)
	}
	workspace.AppendUnitLog(dir, fmt.Sprintf("workstream %s completed", req.WorkstreamID))
	return nil
}

func (e *CLIExecutor) unitEnv(launcher Launcher, req Request, dir string) []string {
	env := os.Environ()
	for _, key := range sortedKeys(launcher.Env) {
		env = append(env, key+"="+launcher.Env[key])
	}
	for _, key := range sortedKeys(e.extraEnv) {
		env = append(env, key+"="+e.extraEnv[key])
	}
	env = append(env,
		"LOOM_WORKSTREAM="+req.WorkstreamID,
		"LOOM_WORKSPACE="+dir,
	)
	if e.bridgeURL != "" {
		env = append(env, "LOOM_BRIDGE_URL="+e.bridgeURL)
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
