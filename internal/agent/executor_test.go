package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/loom/internal/config"
	"github.com/kingrea/loom/internal/workspace"
)

type capturedRun struct {
	dir  string
	env  []string
	argv []string
}

type fakeRun struct {
	runs []capturedRun
	err  error
}

func (f *fakeRun) runner() Runner {
	return func(ctx context.Context, dir string, env []string, output io.Writer, name string, args ...string) error {
		f.runs = append(f.runs, capturedRun{dir: dir, env: env, argv: append([]string{name}, args...)})
		fmt.Fprintln(output, "assistant output")
		return f.err
	}
}

func hasEnv(env []string, entry string) bool {
	for _, e := range env {
		if e == entry {
			return true
		}
	}
	return false
}

func newTestExecutor(t *testing.T, opts ...Option) (*CLIExecutor, *fakeRun, *config.Config) {
	t.Helper()
	cfg, err := config.NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	run := &fakeRun{}
	opts = append([]Option{WithRunner(run.runner())}, opts...)
	return NewCLIExecutor(cfg, nil, opts...), run, cfg
}

func TestExecuteRunsLauncherInWorkspace(t *testing.T) {
	exec, run, cfg := newTestExecutor(t)
	req := Request{
		BaseDir:      cfg.ProjectDir,
		Workspace:    "streams-api",
		Instruction:  "implement the API",
		WorkstreamID: "api",
	}
	wsDir := workspace.PathFor(cfg.ProjectDir, "streams-api")
	if err := os.MkdirAll(wsDir, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	if err := exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(run.runs) != 1 {
		t.Fatalf("expected one launch, got %d", len(run.runs))
	}
	got := run.runs[0]
	if got.dir != wsDir {
		t.Fatalf("expected launch in %s, got %s", wsDir, got.dir)
	}
	wantArgv := []string{"opencode", "run", "implement the API"}
	for i := range wantArgv {
		if got.argv[i] != wantArgv[i] {
			t.Fatalf("expected argv %v, got %v", wantArgv, got.argv)
		}
	}
	if !hasEnv(got.env, "LOOM_WORKSTREAM=api") {
		t.Fatalf("missing LOOM_WORKSTREAM in env")
	}
	if !hasEnv(got.env, "LOOM_WORKSPACE="+wsDir) {
		t.Fatalf("missing LOOM_WORKSPACE in env")
	}
}

func TestExecuteWritesUnitLog(t *testing.T) {
	exec, _, cfg := newTestExecutor(t)
	req := Request{BaseDir: cfg.ProjectDir, Workspace: "ws", Instruction: "go", WorkstreamID: "unit-a"}
	if err := exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	data, err := os.ReadFile(cfg.UnitLogPath("unit-a"))
	if err != nil {
		t.Fatalf("read unit log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "unit-a via opencode") {
		t.Fatalf("expected launch header in unit log, got %q", content)
	}
	if !strings.Contains(content, "assistant output") {
		t.Fatalf("expected captured output in unit log, got %q", content)
	}
}

func TestExecuteAppendsWorkspaceLog(t *testing.T) {
	exec, _, cfg := newTestExecutor(t)
	wsDir := workspace.PathFor(cfg.ProjectDir, "ws")
	if err := os.MkdirAll(wsDir, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	req := Request{BaseDir: cfg.ProjectDir, Workspace: "ws", Instruction: "go", WorkstreamID: "unit-a"}
	if err := exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(wsDir, "LOG.md"))
	if err != nil {
		t.Fatalf("read workspace log: %v", err)
	}
	if !strings.Contains(string(data), "workstream unit-a completed") {
		t.Fatalf("expected completion entry, got %q", string(data))
	}
}

func TestExecuteFailureSurfaces(t *testing.T) {
	exec, run, cfg := newTestExecutor(t)
	run.err = fmt.Errorf("exit status 1")
	req := Request{BaseDir: cfg.ProjectDir, Workspace: "ws", Instruction: "go", WorkstreamID: "unit-a"}
	err := exec.Execute(context.Background(), req)
	if err == nil {
		t.Fatalf("expected launcher failure to surface")
	}
	if !strings.Contains(err.Error(), "unit-a") {
		t.Fatalf("expected workstream id in error, got %v", err)
	}
}

func TestExecuteUnknownLauncher(t *testing.T) {
	exec, run, cfg := newTestExecutor(t)
	cfg.Project.Launcher = "no-such-launcher"
	req := Request{BaseDir: cfg.ProjectDir, Workspace: "ws", Instruction: "go", WorkstreamID: "unit-a"}
	if err := exec.Execute(context.Background(), req); err == nil {
		t.Fatalf("expected unknown launcher error")
	}
	if len(run.runs) != 0 {
		t.Fatalf("expected no launch on unknown launcher")
	}
}

func TestExecutePassesBridgeAndExtraEnv(t *testing.T) {
	exec, run, cfg := newTestExecutor(t,
		WithBridgeURL("http://127.0.0.1:8777"),
		WithEnv(map[string]string{"LOOM_TRACE": "1"}),
	)
	req := Request{BaseDir: cfg.ProjectDir, Workspace: "ws", Instruction: "go", WorkstreamID: "unit-a"}
	if err := exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	env := run.runs[0].env
	if !hasEnv(env, "LOOM_BRIDGE_URL=http://127.0.0.1:8777") {
		t.Fatalf("missing bridge url in env")
	}
	if !hasEnv(env, "LOOM_TRACE=1") {
		t.Fatalf("missing extra env entry")
	}
}

func TestExecuteUsesLauncherEnv(t *testing.T) {
	reg := NewRegistry()
	custom := Launcher{
		Name:    "mytool",
		Command: []string{"mytool", "{instruction}"},
		Env:     map[string]string{"MYTOOL_MODE": "batch"},
	}
	if err := reg.Register(custom); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg, err := config.NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Project.Launcher = "mytool"
	run := &fakeRun{}
	exec := NewCLIExecutor(cfg, reg, WithRunner(run.runner()))
	req := Request{BaseDir: cfg.ProjectDir, Workspace: "ws", Instruction: "go", WorkstreamID: "unit-a"}
	if err := exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !hasEnv(run.runs[0].env, "MYTOOL_MODE=batch") {
		t.Fatalf("missing launcher env entry")
	}
}
