// cmd/loom/main.go
//
// Entry point for the loom CLI.
//
// Subcommands:
//   loom run      — validate a plan, then drive it to completion
//   loom validate — check a plan and print its execution order
//   loom init     — bootstrap the .loom directory
//
// Exit codes: 0 all workstreams completed, 1 configuration or setup
// failure, 2 plan validation failure, 3 one or more workstreams failed.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/kingrea/loom/internal/agent"
	"github.com/kingrea/loom/internal/config"
	"github.com/kingrea/loom/internal/console"
	"github.com/kingrea/loom/internal/eventbridge"
	"github.com/kingrea/loom/internal/logbook"
	"github.com/kingrea/loom/internal/logging"
	"github.com/kingrea/loom/internal/plan"
	"github.com/kingrea/loom/internal/scheduler"
	"github.com/kingrea/loom/internal/tui"
	"github.com/kingrea/loom/internal/workspace"
	"github.com/kingrea/loom/plugins"
)

const (
	exitOK         = 0
	exitConfig     = 1
	exitValidation = 2
	exitRunFailed  = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}
	out := console.New()
	var code int
	switch os.Args[1] {
	case "run":
		code = runCmd(out, os.Args[2:])
	case "validate":
		code = validateCmd(out, os.Args[2:])
	case "init":
		code = initCmd(out, os.Args[2:])
	case "help", "-h", "--help":
		usage()
		code = exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		code = exitConfig
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprint(os.Stderr, `loom drives a plan of dependent workstreams to completion.

Usage:
  loom run      -plan <file> [flags]   validate, then execute the plan
  loom validate -plan <file> [flags]   check the plan, print execution order
  loom init     [-project <dir>]       bootstrap the .loom directory

Run 'loom <command> -h' for the flags a command accepts.
`)
}

// fail reports a terminal CLI error and hands back the exit code so every
// command returns through the same path.
func fail(out *console.Console, code int, format string, args ...any) int {
	out.Error(format, args...)
	return code
}

func runCmd(out *console.Console, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	planPath := fs.String("plan", "", "path to the plan file (YAML or JSON)")
	depsPath := fs.String("deps", "", "optional dependency overlay file")
	maxParallel := fs.Int("max-parallel", 0, "concurrency cap (defaults to .loom config)")
	launcher := fs.String("launcher", "", "launcher profile (defaults to .loom config)")
	project := fs.String("project", "", "project directory (defaults to cwd)")
	useTUI := fs.Bool("tui", false, "render a live status board instead of log lines")
	verbose := fs.Bool("verbose", false, "write verbose diagnostics to .loom/logs/run.log")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	if strings.TrimSpace(*planPath) == "" {
		return fail(out, exitConfig, "-plan is required")
	}
	projectDir, err := resolveProjectDir(*project)
	if err != nil {
		return fail(out, exitConfig, "resolve project dir: %v", err)
	}
	if err := config.InitLoomDir(projectDir); err != nil {
		return fail(out, exitConfig, "init %s: %v", config.LoomDir, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return fail(out, exitConfig, "%v", err)
	}
	if name := strings.TrimSpace(*launcher); name != "" {
		cfg.Project.Launcher = strings.ToLower(name)
	}
	cap := cfg.MaxParallel()
	if flagProvided(fs, "max-parallel") {
		cap = *maxParallel
	}
	if cap < 1 {
		return fail(out, exitConfig, "concurrency cap must be >= 1, got %d", cap)
	}

	registry := agent.NewRegistry()
	if err := plugins.RegisterLauncherPlugins(registry, cfg); err != nil {
		return fail(out, exitConfig, "load launcher plugins: %v", err)
	}
	if _, err := registry.Resolve(cfg.Launcher()); err != nil {
		return fail(out, exitConfig, "%v", err)
	}

	p, err := plan.LoadPlanFile(*planPath)
	if err != nil {
		return fail(out, exitConfig, "%v", err)
	}

	book, err := logbook.New(cfg.LogbookPath(), consoleMirror(out, *useTUI))
	if err != nil {
		return fail(out, exitConfig, "open logbook: %v", err)
	}
	var logger *logging.Logger
	if *verbose {
		logger, err = logging.New(cfg.RunLogPath())
		if err != nil {
			return fail(out, exitConfig, "open run log: %v", err)
		}
		defer logger.Close()
	}

	graph := effectiveGraph(p, *depsPath, out, book)
	ix := plan.NewIndex(p)
	if result := plan.Validate(p, graph, ix); !result.OK() {
		for _, problem := range result.Problems {
			out.Error("%s", problem)
		}
		return exitValidation
	}
	order := plan.ExecutionOrder(graph, ix)

	runID := uuid.NewString()[:8]
	book.Info("run %s: plan %s, %d workstreams, cap %d, launcher %s",
		runID, planName(p, *planPath), len(order), cap, cfg.Launcher())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router, bridgeURL := startBridge(ctx, cfg, logger, out, book)

	baseDir := projectDir
	if dir := strings.TrimSpace(p.BaseDir); dir != "" {
		if baseDir, err = filepath.Abs(dir); err != nil {
			return fail(out, exitConfig, "resolve base dir %s: %v", dir, err)
		}
	}

	executor := agent.NewCLIExecutor(cfg, registry,
		agent.WithBridgeURL(bridgeURL),
		agent.WithLogger(logger),
	)
	options := []scheduler.Option{
		scheduler.WithCap(cap),
		scheduler.WithBaseDir(baseDir),
		scheduler.WithProvisioner(workspace.NewWorktrees()),
		scheduler.WithExecutor(executor),
		scheduler.WithLogbook(book),
		scheduler.WithLogger(logger),
		scheduler.WithPause(cfg.BusyPause(), cfg.IdleMaxPause()),
	}

	if *useTUI {
		return runWithBoard(ctx, cancel, out, p, graph, order, options, book, router, runID, *planPath)
	}

	sink := console.NewStatusRenderer(out)
	sched, err := scheduler.New(p, graph, append(options, scheduler.WithSink(sink))...)
	if err != nil {
		return fail(out, exitConfig, "%v", err)
	}
	summary, err := sched.Run(ctx)
	if err != nil {
		return fail(out, exitConfig, "run aborted: %v", err)
	}
	return report(out, runID, summary, order)
}

// runWithBoard drives the scheduler under a bubbletea status board. The
// scheduler runs in a background goroutine; quitting the board mid-run
// cancels the context and abandons the run.
func runWithBoard(ctx context.Context, cancel context.CancelFunc, out *console.Console,
	p *plan.Plan, graph plan.Graph, order []string, options []scheduler.Option,
	book *logbook.Logbook, router *eventbridge.Router, runID, planPath string) int {

	board := tui.NewBoard(planName(p, planPath), runID, order, tui.WithLogbook(book))
	program := tea.NewProgram(board)

	sched, err := scheduler.New(p, graph, append(options, scheduler.WithSink(tui.Sink(program)))...)
	if err != nil {
		return fail(out, exitConfig, "%v", err)
	}

	if router != nil {
		for _, id := range order {
			sub := router.Subscribe(id)
			defer sub.Close()
			go forwardNotes(program, id, sub)
		}
	}

	type outcome struct {
		summary scheduler.Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, runErr := sched.Run(ctx)
		done <- outcome{summary, runErr}
		program.Send(tui.DoneMsg{Summary: summary, Err: runErr})
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		return fail(out, exitConfig, "status board: %v", err)
	}
	select {
	case result := <-done:
		if result.err != nil {
			return fail(out, exitConfig, "run aborted: %v", result.err)
		}
		return report(out, runID, result.summary, order)
	default:
		// Board quit before the run finished: abandon the run.
		cancel()
		result := <-done
		book.Warn("run %s interrupted from the status board", runID)
		return fail(out, exitConfig, "run %s interrupted; workspaces may be left behind (%d completed)",
			runID, result.summary.Completed())
	}
}

func forwardNotes(program *tea.Program, id string, sub eventbridge.Subscription) {
	for event := range sub.Events {
		if note := event.Note(); note != "" {
			program.Send(tui.NoteMsg{Workstream: id, Note: note})
		}
	}
}

// report prints the final run summary and maps it to an exit code.
func report(out *console.Console, runID string, summary scheduler.Summary, order []string) int {
	if summary.AllCompleted() {
		out.Success("run %s: all %d workstreams completed in %s",
			runID, summary.Completed(), summary.Elapsed.Round(time.Millisecond))
		return exitOK
	}
	for _, id := range order {
		if cause, ok := summary.Failures[id]; ok {
			out.Error("workstream %s: %v", id, cause)
		}
	}
	out.Error("run %s: %d completed, %d failed (%s)",
		runID, summary.Completed(), summary.Failed(), summary.Elapsed.Round(time.Millisecond))
	return exitRunFailed
}

func validateCmd(out *console.Console, args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	planPath := fs.String("plan", "", "path to the plan file (YAML or JSON)")
	depsPath := fs.String("deps", "", "optional dependency overlay file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if strings.TrimSpace(*planPath) == "" {
		return fail(out, exitConfig, "-plan is required")
	}
	p, err := plan.LoadPlanFile(*planPath)
	if err != nil {
		return fail(out, exitConfig, "%v", err)
	}
	graph := effectiveGraph(p, *depsPath, out, nil)
	ix := plan.NewIndex(p)
	if result := plan.Validate(p, graph, ix); !result.OK() {
		for _, problem := range result.Problems {
			out.Error("%s", problem)
		}
		return exitValidation
	}
	order := plan.ExecutionOrder(graph, ix)
	out.Success("plan %s is valid: %d workstreams", planName(p, *planPath), len(order))
	out.Print("execution order:")
	for i, id := range order {
		out.Print("  %2d. %s", i+1, id)
	}
	return exitOK
}

func initCmd(out *console.Console, args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	project := fs.String("project", "", "project directory (defaults to cwd)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	projectDir, err := resolveProjectDir(*project)
	if err != nil {
		return fail(out, exitConfig, "resolve project dir: %v", err)
	}
	if err := config.InitLoomDir(projectDir); err != nil {
		return fail(out, exitConfig, "init %s: %v", config.LoomDir, err)
	}
	out.Success("initialized %s in %s", config.LoomDir, projectDir)
	return exitOK
}

// effectiveGraph merges an optional overlay file over the plan's declared
// edges. Overlay problems never abort the run: they degrade to a warning
// and the declared dependencies stand.
func effectiveGraph(p *plan.Plan, depsPath string, out *console.Console, book *logbook.Logbook) plan.Graph {
	graph := p.DeclaredGraph()
	if strings.TrimSpace(depsPath) == "" {
		return graph
	}
	overlay, err := plan.LoadOverlayFile(depsPath)
	if err != nil {
		out.Warn("dependency overlay ignored, using declared dependencies: %v", err)
		book.Warn("dependency overlay ignored: %v", err)
		return graph
	}
	return plan.MergeOverlay(graph, overlay)
}

// startBridge brings up the progress event bridge when configured. Start
// failure is a warning, never fatal: the run proceeds without progress
// events.
func startBridge(ctx context.Context, cfg *config.Config, logger *logging.Logger,
	out *console.Console, book *logbook.Logbook) (*eventbridge.Router, string) {

	settings := eventbridge.SettingsFromConfig(cfg)
	if !settings.Enabled {
		return nil, ""
	}
	router := eventbridge.NewRouter()
	server := eventbridge.NewServer(settings,
		eventbridge.WithProcessor(router),
		eventbridge.WithLogger(logger),
	)
	if err := server.Start(ctx); err != nil {
		out.Warn("event bridge unavailable, progress notes disabled: %v", err)
		book.Warn("event bridge unavailable: %v", err)
		return nil, ""
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return router, server.BaseURL()
}

// consoleMirror surfaces logbook warnings on the console. Suppressed in TUI
// mode, where stray writes would corrupt the board; the board shows the
// logbook tail instead.
func consoleMirror(out *console.Console, useTUI bool) logbook.Option {
	if useTUI {
		return nil
	}
	return logbook.WithMirror(func(level logbook.Level, message string) {
		if level == logbook.LevelWarn {
			out.Warn("%s", message)
		}
	})
}

func resolveProjectDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return cwd, nil
	}
	return filepath.Abs(dir)
}

func flagProvided(fs *flag.FlagSet, name string) bool {
	provided := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			provided = true
		}
	})
	return provided
}

func planName(p *plan.Plan, path string) string {
	if name := strings.TrimSpace(p.Name); name != "" {
		return name
	}
	return filepath.Base(path)
}
