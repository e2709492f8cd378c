package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/loom/internal/agent"
	"github.com/kingrea/loom/internal/config"
	"github.com/kingrea/loom/internal/plan"
	"github.com/kingrea/loom/internal/workspace"
	"github.com/kingrea/loom/plugins"
)

// Dev harness: run a single workstream from a plan end to end (provision,
// execute, teardown) without the scheduler. Useful for debugging launcher
// profiles and workspace setup in isolation.
func main() {
	planPath := flag.String("plan", "", "path to the plan file (YAML or JSON)")
	workstreamID := flag.String("workstream", "", "workstream id to execute")
	projectDir := flag.String("project", "", "path to the project directory (defaults to cwd)")
	launcher := flag.String("launcher", "", "launcher profile override")
	keep := flag.Bool("keep", false, "keep the workspace instead of tearing it down")
	sets := keyValueFlag{}
	flag.Var(&sets, "set", "launcher env override (key=value, repeatable)")
	flag.Parse()

	if strings.TrimSpace(*planPath) == "" {
		die("-plan is required")
	}
	if strings.TrimSpace(*workstreamID) == "" {
		die("-workstream is required")
	}

	project := *projectDir
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	if err := config.InitLoomDir(absoluteProject); err != nil {
		die("init %s: %v", config.LoomDir, err)
	}
	cfg, err := config.NewConfig(absoluteProject)
	if err != nil {
		die("load config: %v", err)
	}
	if name := strings.TrimSpace(*launcher); name != "" {
		cfg.Project.Launcher = strings.ToLower(name)
	}

	registry := agent.NewRegistry()
	if err := plugins.RegisterLauncherPlugins(registry, cfg); err != nil {
		die("load launcher plugins: %v", err)
	}

	p, err := plan.LoadPlanFile(*planPath)
	if err != nil {
		die("%v", err)
	}
	ix := plan.NewIndex(p)
	ws, ok := ix.Lookup(strings.TrimSpace(*workstreamID))
	if !ok {
		die("workstream %q not in plan (have: %s)", *workstreamID, strings.Join(ix.IDs(), ", "))
	}

	baseDir := absoluteProject
	if dir := strings.TrimSpace(p.BaseDir); dir != "" {
		baseDir, err = filepath.Abs(dir)
		if err != nil {
			die("resolve base dir %s: %v", dir, err)
		}
	}

	ctx := context.Background()
	worktrees := workspace.NewWorktrees()
	label := ws.WorkspaceLabel()
	fmt.Printf("Provisioning workspace %s...\n", label)
	if err := worktrees.Provision(ctx, baseDir, label); err != nil {
		die("provision %s: %v", label, err)
	}

	executor := agent.NewCLIExecutor(cfg, registry, agent.WithEnv(map[string]string(sets)))
	fmt.Printf("Running workstream %s via %s...\n", ws.ID, cfg.Launcher())
	runErr := executor.Execute(ctx, agent.Request{
		BaseDir:      baseDir,
		Workspace:    label,
		Instruction:  ws.Instruction,
		WorkstreamID: ws.ID,
	})

	if *keep {
		fmt.Printf("Workspace kept at %s\n", workspace.PathFor(baseDir, label))
	} else if err := worktrees.Teardown(ctx, baseDir, label, false); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: teardown %s: %v\n", label, err)
	}

	if runErr != nil {
		die("workstream %s failed: %v", ws.ID, runErr)
	}
	fmt.Printf("Workstream %s completed. Output: %s\n", ws.ID, cfg.UnitLogPath(ws.ID))
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("override key is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = parts[1]
	return nil
}
