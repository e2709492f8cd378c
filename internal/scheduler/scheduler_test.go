package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/loom/internal/agent"
	"github.com/kingrea/loom/internal/plan"
)

type fakeProvisioner struct {
	mu         sync.Mutex
	provisions []string
	teardowns  []string
	failFor    map[string]error
}

func (f *fakeProvisioner) Provision(ctx context.Context, baseDir, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[label]; err != nil {
		return err
	}
	f.provisions = append(f.provisions, label)
	return nil
}

func (f *fakeProvisioner) Teardown(ctx context.Context, baseDir, label string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns = append(f.teardowns, label)
	return nil
}

// fakeExecutor records executions and tracks how many run at once. A
// non-nil gate blocks each execution until the test releases it.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	running  int
	maxSeen  int
	failFor  map[string]error
	gate     chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, req agent.Request) error {
	f.mu.Lock()
	f.running++
	if f.running > f.maxSeen {
		f.maxSeen = f.running
	}
	f.executed = append(f.executed, req.WorkstreamID)
	err := f.failFor[req.WorkstreamID]
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.running--
	f.mu.Unlock()
	return err
}

func (f *fakeExecutor) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	copy(out, f.executed)
	return out
}

func testPlan(workstreams ...plan.Workstream) *plan.Plan {
	return &plan.Plan{Name: "test", BaseDir: "/tmp/repo", Workstreams: workstreams}
}

func newTestScheduler(t *testing.T, p *plan.Plan, opts ...Option) (*Scheduler, *fakeProvisioner, *fakeExecutor) {
	t.Helper()
	prov := &fakeProvisioner{}
	exec := &fakeExecutor{}
	base := []Option{
		WithProvisioner(prov),
		WithExecutor(exec),
		WithSleep(func(time.Duration) {}),
	}
	s, err := New(p, nil, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, prov, exec
}

func TestNewRejectsInvalidPlan(t *testing.T) {
	p := testPlan(plan.Workstream{ID: "api", DependsOn: []string{"ghost"}})
	if _, err := New(p, nil, WithProvisioner(&fakeProvisioner{}), WithExecutor(&fakeExecutor{})); err == nil {
		t.Fatal("expected validation error for unknown dependency")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	p := testPlan(plan.Workstream{ID: "api"})
	if _, err := New(p, nil, WithExecutor(&fakeExecutor{})); err == nil {
		t.Fatal("expected error without provisioner")
	}
	if _, err := New(p, nil, WithProvisioner(&fakeProvisioner{})); err == nil {
		t.Fatal("expected error without executor")
	}
}

func TestSequentialRunsInDependencyOrder(t *testing.T) {
	p := testPlan(
		plan.Workstream{ID: "docs", DependsOn: []string{"api"}},
		plan.Workstream{ID: "api", Instruction: "build the API"},
	)
	s, prov, exec := newTestScheduler(t, p)

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.AllCompleted() {
		t.Fatalf("expected all completed, got %v", summary.Statuses)
	}
	got := exec.order()
	if len(got) != 2 || got[0] != "api" || got[1] != "docs" {
		t.Fatalf("execution order = %v, want [api docs]", got)
	}
	if len(prov.teardowns) != 2 {
		t.Fatalf("teardowns = %v, want both workspaces removed", prov.teardowns)
	}
}

func TestSequentialCompletesIndependentWorkstreams(t *testing.T) {
	p := testPlan(
		plan.Workstream{ID: "a"},
		plan.Workstream{ID: "b"},
		plan.Workstream{ID: "c"},
		plan.Workstream{ID: "d"},
		plan.Workstream{ID: "e"},
	)
	s, _, exec := newTestScheduler(t, p)

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.AllCompleted() {
		t.Fatalf("expected all completed, got %v", summary.Statuses)
	}
	if len(exec.order()) != 5 {
		t.Fatalf("executed %d workstreams, want all 5", len(exec.order()))
	}
}

func TestSequentialIsolatesFailures(t *testing.T) {
	p := testPlan(
		plan.Workstream{ID: "api"},
		plan.Workstream{ID: "docs", DependsOn: []string{"api"}},
		plan.Workstream{ID: "infra"},
	)
	s, _, exec := newTestScheduler(t, p)
	exec.failFor = map[string]error{"api": errors.New("unit exited 1")}

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Statuses["api"] != StatusFailed {
		t.Fatalf("api status = %s, want failed", summary.Statuses["api"])
	}
	if summary.Statuses["docs"] != StatusFailed {
		t.Fatalf("docs status = %s, want failed (blocked by api)", summary.Statuses["docs"])
	}
	if summary.Statuses["infra"] != StatusCompleted {
		t.Fatalf("infra status = %s, want completed", summary.Statuses["infra"])
	}
	if summary.Failures["docs"] == nil {
		t.Fatal("expected a recorded failure cause for docs")
	}
	for _, id := range exec.order() {
		if id == "docs" {
			t.Fatal("docs executed despite failed dependency")
		}
	}
}

func TestProvisionFailureSkipsExecutionAndTeardown(t *testing.T) {
	p := testPlan(
		plan.Workstream{ID: "api"},
		plan.Workstream{ID: "docs", DependsOn: []string{"api"}},
	)
	s, prov, exec := newTestScheduler(t, p)
	prov.failFor = map[string]error{"api": errors.New("worktree add failed")}

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Statuses["api"] != StatusFailed || summary.Statuses["docs"] != StatusFailed {
		t.Fatalf("statuses = %v, want both failed", summary.Statuses)
	}
	if len(exec.order()) != 0 {
		t.Fatalf("executed = %v, want none", exec.order())
	}
	if len(prov.teardowns) != 0 {
		t.Fatalf("teardowns = %v, want none after provisioning failure", prov.teardowns)
	}
}

func TestConcurrentRespectsCap(t *testing.T) {
	p := testPlan(
		plan.Workstream{ID: "a"},
		plan.Workstream{ID: "b"},
		plan.Workstream{ID: "c"},
		plan.Workstream{ID: "d"},
	)
	gate := make(chan struct{})
	s, _, exec := newTestScheduler(t, p,
		WithCap(2),
		WithSleep(func(time.Duration) {
			// Release at most one blocked unit per loop iteration.
			select {
			case gate <- struct{}{}:
			default:
			}
		}),
	)
	exec.gate = gate

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.AllCompleted() {
		t.Fatalf("expected all completed, got %v", summary.Statuses)
	}
	if exec.maxSeen > 2 {
		t.Fatalf("saw %d concurrent executions, cap is 2", exec.maxSeen)
	}
	if len(exec.order()) != 4 {
		t.Fatalf("executed %d workstreams, want 4", len(exec.order()))
	}
}

func TestConcurrentCascadesDependencyFailure(t *testing.T) {
	p := testPlan(
		plan.Workstream{ID: "api"},
		plan.Workstream{ID: "docs", DependsOn: []string{"api"}},
		plan.Workstream{ID: "e2e", DependsOn: []string{"docs"}},
		plan.Workstream{ID: "infra"},
	)
	s, _, exec := newTestScheduler(t, p, WithCap(3))
	exec.failFor = map[string]error{"api": errors.New("unit exited 1")}

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed() != 3 {
		t.Fatalf("failed = %d, want api plus both transitive dependents", summary.Failed())
	}
	if summary.Statuses["infra"] != StatusCompleted {
		t.Fatalf("infra status = %s, want completed", summary.Statuses["infra"])
	}
	for _, id := range exec.order() {
		if id == "docs" || id == "e2e" {
			t.Fatalf("%s executed despite failed dependency chain", id)
		}
	}
}

func TestStatusTransitionsStayLegal(t *testing.T) {
	p := testPlan(
		plan.Workstream{ID: "a"},
		plan.Workstream{ID: "b", DependsOn: []string{"a"}},
		plan.Workstream{ID: "c"},
	)
	var snapshots []StatusMap
	s, _, exec := newTestScheduler(t, p,
		WithCap(2),
		WithSink(StatusSinkFunc(func(m StatusMap) {
			snapshots = append(snapshots, m)
		})),
	)
	exec.failFor = map[string]error{"c": errors.New("unit exited 1")}

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(snapshots) < 2 {
		t.Fatalf("expected multiple rendered snapshots, got %d", len(snapshots))
	}
	for i, snapshot := range snapshots {
		running := 0
		for _, status := range snapshot {
			if status == StatusRunning {
				running++
			}
		}
		if running > 2 {
			t.Fatalf("snapshot %d shows %d running workstreams, cap is 2", i, running)
		}
	}
	for i := 1; i < len(snapshots); i++ {
		for id, prev := range snapshots[i-1] {
			next := snapshots[i][id]
			if prev == next {
				continue
			}
			if prev.Terminal() {
				t.Fatalf("snapshot %d: %s left terminal status %s for %s", i, id, prev, next)
			}
			if !allowedTransition(prev, next) {
				t.Fatalf("snapshot %d: %s moved %s -> %s", i, id, prev, next)
			}
		}
	}
}

func TestPauseStaysShortWhileUnitsInFlight(t *testing.T) {
	p := testPlan(plan.Workstream{ID: "a"})
	gate := make(chan struct{})
	var sleeps []time.Duration
	s, _, exec := newTestScheduler(t, p,
		WithCap(2),
		WithPause(10*time.Millisecond, 40*time.Millisecond),
		WithSleep(func(d time.Duration) {
			sleeps = append(sleeps, d)
			if len(sleeps) == 4 {
				close(gate)
			}
		}),
	)
	exec.gate = gate

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sleeps) < 4 {
		t.Fatalf("recorded %d pauses, want at least 4", len(sleeps))
	}
	for i, d := range sleeps {
		if d != 10*time.Millisecond {
			t.Fatalf("pause %d = %s, want the busy pause while a unit is in flight", i, d)
		}
	}
}

func TestIdlePauseBacksOffTowardMax(t *testing.T) {
	p := testPlan(plan.Workstream{ID: "a"})
	s, _, _ := newTestScheduler(t, p, WithPause(10*time.Millisecond, 40*time.Millisecond))

	pause := s.busyPause
	var got []time.Duration
	for i := 0; i < 4; i++ {
		pause = s.nextPause(pause, false)
		got = append(got, pause)
	}
	want := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	for i, d := range want {
		if got[i] != d {
			t.Fatalf("idle pause %d = %s, want %s", i, got[i], d)
		}
	}
	if next := s.nextPause(pause, true); next != 10*time.Millisecond {
		t.Fatalf("busy iteration should reset to the busy pause, got %s", next)
	}
}

func TestNewRejectsSharedWorkspaceLabels(t *testing.T) {
	shared := testPlan(
		plan.Workstream{ID: "a", Workspace: "shared"},
		plan.Workstream{ID: "b", Workspace: "shared"},
	)
	_, err := New(shared, nil, WithProvisioner(&fakeProvisioner{}), WithExecutor(&fakeExecutor{}))
	if err == nil || !strings.Contains(err.Error(), "share workspace") {
		t.Fatalf("expected shared-workspace error, got %v", err)
	}

	// Labels that differ as declared but collide once slugified bind the
	// same worktree directory and branch, so they are rejected too.
	colliding := testPlan(
		plan.Workstream{ID: "a", Workspace: "Streams API"},
		plan.Workstream{ID: "b", Workspace: "streams-api"},
	)
	if _, err := New(colliding, nil, WithProvisioner(&fakeProvisioner{}), WithExecutor(&fakeExecutor{})); err == nil {
		t.Fatal("expected slug-collision error")
	}

	distinct := testPlan(
		plan.Workstream{ID: "a", Workspace: "api-work"},
		plan.Workstream{ID: "b"},
	)
	if _, err := New(distinct, nil, WithProvisioner(&fakeProvisioner{}), WithExecutor(&fakeExecutor{})); err != nil {
		t.Fatalf("distinct labels should construct: %v", err)
	}
}

func TestRunReturnsContextError(t *testing.T) {
	p := testPlan(plan.Workstream{ID: "a"})
	s, _, exec := newTestScheduler(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if summary.Statuses["a"] != StatusPending {
		t.Fatalf("status = %s, want pending after early cancellation", summary.Statuses["a"])
	}
	if len(exec.order()) != 0 {
		t.Fatalf("executed = %v, want none", exec.order())
	}
}

func TestOrderFollowsDependencies(t *testing.T) {
	p := testPlan(
		plan.Workstream{ID: "deploy", DependsOn: []string{"build"}},
		plan.Workstream{ID: "build"},
	)
	s, _, _ := newTestScheduler(t, p)
	order := s.Order()
	if len(order) != 2 || order[0] != "build" || order[1] != "deploy" {
		t.Fatalf("order = %v, want [build deploy]", order)
	}
}

func TestSummaryCounts(t *testing.T) {
	sum := Summary{Statuses: StatusMap{
		"a": StatusCompleted,
		"b": StatusCompleted,
		"c": StatusFailed,
	}}
	if sum.Completed() != 2 || sum.Failed() != 1 {
		t.Fatalf("counts = %d/%d, want 2 completed, 1 failed", sum.Completed(), sum.Failed())
	}
	if sum.AllCompleted() {
		t.Fatal("AllCompleted should be false with a failure")
	}
}
