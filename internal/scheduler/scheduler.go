package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/loom/internal/agent"
	"github.com/kingrea/loom/internal/logbook"
	"github.com/kingrea/loom/internal/logging"
	"github.com/kingrea/loom/internal/plan"
	"github.com/kingrea/loom/internal/workspace"
)

const (
	defaultCap       = 1
	defaultBusyPause = 150 * time.Millisecond
	defaultIdleMax   = 2 * time.Second
)

// Executor runs one unit of work to completion inside its workspace.
// *agent.CLIExecutor satisfies this.
type Executor interface {
	Execute(ctx context.Context, req agent.Request) error
}

// inflightUnit tracks one asynchronously executing unit of work. The done
// channel is buffered so the worker goroutine can always deliver its
// terminal outcome and exit, even if the loop has stopped reaping.
type inflightUnit struct {
	id        string
	done      chan error
	startedAt time.Time
}

// Scheduler executes a validated plan. All lifecycle state is owned by the
// control loop goroutine; worker goroutines communicate exclusively through
// their unit's done channel.
type Scheduler struct {
	plan    plan.Plan
	graph   plan.Graph
	ix      *plan.Index
	order   []string
	baseDir string

	status   StatusMap
	failures map[string]error
	inflight map[string]*inflightUnit

	cap         int
	provisioner workspace.Provisioner
	executor    Executor
	sink        StatusSink
	book        *logbook.Logbook
	logger      *logging.Logger
	clock       func() time.Time
	sleep       func(time.Duration)
	busyPause   time.Duration
	idleMax     time.Duration
}

// Option customizes scheduler construction.
type Option func(*Scheduler)

// WithCap sets the concurrency cap. Cap 1 selects sequential mode; values
// above 1 select the concurrent reconciliation loop.
func WithCap(limit int) Option {
	return func(s *Scheduler) {
		if limit > 0 {
			s.cap = limit
		}
	}
}

// WithBaseDir overrides the base repository the run operates against.
func WithBaseDir(dir string) Option {
	return func(s *Scheduler) {
		if trimmed := strings.TrimSpace(dir); trimmed != "" {
			s.baseDir = trimmed
		}
	}
}

// WithProvisioner sets the workspace provisioner.
func WithProvisioner(p workspace.Provisioner) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.provisioner = p
		}
	}
}

// WithExecutor sets the unit-of-work executor.
func WithExecutor(e Executor) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.executor = e
		}
	}
}

// WithSink attaches a status sink for snapshot rendering.
func WithSink(sink StatusSink) Option {
	return func(s *Scheduler) {
		s.sink = sink
	}
}

// WithLogbook attaches the run history logbook.
func WithLogbook(book *logbook.Logbook) Option {
	return func(s *Scheduler) {
		s.book = book
	}
}

// WithLogger attaches a verbose diagnostics logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPause tunes the adaptive inter-iteration pause: busy is the short
// pause used while units progress, idleMax bounds the idle backoff.
func WithPause(busy, idleMax time.Duration) Option {
	return func(s *Scheduler) {
		if busy > 0 {
			s.busyPause = busy
		}
		if idleMax > 0 {
			s.idleMax = idleMax
		}
	}
}

// WithSleep replaces the pause function so tests avoid real sleeping.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// New builds a scheduler for the plan over the effective dependency graph.
// A nil graph falls back to the plan's declared dependencies. The plan is
// re-validated here: scheduling an invalid graph could never terminate, so
// validation failures are construction errors.
func New(p *plan.Plan, graph plan.Graph, opts ...Option) (*Scheduler, error) {
	if p == nil {
		return nil, fmt.Errorf("scheduler: plan is required")
	}
	if graph == nil {
		graph = p.DeclaredGraph()
	}
	ix := plan.NewIndex(p)
	if result := plan.Validate(p, graph, ix); !result.OK() {
		return nil, result.Err()
	}
	s := &Scheduler{
		plan:      p.Clone(),
		graph:     graph.Clone(),
		ix:        ix,
		order:     plan.ExecutionOrder(graph, ix),
		baseDir:   strings.TrimSpace(p.BaseDir),
		status:    make(StatusMap, ix.Len()),
		failures:  map[string]error{},
		inflight:  map[string]*inflightUnit{},
		cap:       defaultCap,
		clock:     time.Now,
		sleep:     time.Sleep,
		busyPause: defaultBusyPause,
		idleMax:   defaultIdleMax,
	}
	for _, id := range s.order {
		s.status[id] = StatusPending
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.baseDir == "" {
		s.baseDir = "."
	}
	if s.provisioner == nil {
		return nil, fmt.Errorf("scheduler: workspace provisioner is required")
	}
	if s.executor == nil {
		return nil, fmt.Errorf("scheduler: unit executor is required")
	}
	if err := s.checkWorkspaceLabels(); err != nil {
		return nil, err
	}
	return s, nil
}

// checkWorkspaceLabels rejects plans where two workstreams resolve to the
// same workspace. Concurrent units sharing a working copy would race each
// other, and reaping the first would tear the directory down under the
// sibling — every workstream needs its own workspace. Labels are compared
// after slugification, since that is the form the provisioner binds
// directories and branches to.
func (s *Scheduler) checkWorkspaceLabels() error {
	owners := make(map[string]string, s.ix.Len())
	for _, id := range s.ix.IDs() {
		ws, ok := s.ix.Lookup(id)
		if !ok {
			continue
		}
		slug := workspace.Slugify(ws.WorkspaceLabel())
		if owner, taken := owners[slug]; taken {
			return fmt.Errorf("scheduler: workstreams %s and %s share workspace %q", owner, id, slug)
		}
		owners[slug] = id
	}
	return nil
}

// Order returns the execution order the scheduler dispatches in.
func (s *Scheduler) Order() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Snapshot returns a copy of the current status map.
func (s *Scheduler) Snapshot() StatusMap {
	return s.status.Clone()
}

// Summary reports the terminal outcome of a run.
type Summary struct {
	Statuses StatusMap
	Failures map[string]error
	Elapsed  time.Duration
}

// Completed counts workstreams that finished successfully.
func (sum Summary) Completed() int {
	return sum.count(StatusCompleted)
}

// Failed counts workstreams that reached the failed state.
func (sum Summary) Failed() int {
	return sum.count(StatusFailed)
}

// AllCompleted reports whether every workstream succeeded.
func (sum Summary) AllCompleted() bool {
	return sum.Failed() == 0 && sum.Completed() == len(sum.Statuses)
}

func (sum Summary) count(status Status) int {
	n := 0
	for _, st := range sum.Statuses {
		if st == status {
			n++
		}
	}
	return n
}

// Run executes the plan to completion. Cap 1 runs units synchronously in
// execution order; larger caps run the reconciliation loop. Per-workstream
// failures are recorded in the summary, not returned as errors; the error
// return reports run-level aborts only (context cancellation).
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.clock()
	s.book.Info("run started: %d workstreams, cap %d", len(s.order), s.cap)
	var err error
	if s.cap <= 1 {
		err = s.runSequential(ctx)
	} else {
		err = s.runConcurrent(ctx)
	}
	summary := Summary{
		Statuses: s.status.Clone(),
		Failures: s.cloneFailures(),
		Elapsed:  s.clock().Sub(start),
	}
	if err != nil {
		s.book.Error("run aborted: %v", err)
		return summary, err
	}
	s.book.Info("run finished: %d completed, %d failed (%s)",
		summary.Completed(), summary.Failed(), summary.Elapsed.Round(time.Millisecond))
	return summary, nil
}

// runSequential makes a single pass over the execution order, executing
// each ready workstream synchronously. The order is topological, so by the
// time a workstream is reached its dependencies have already resolved.
func (s *Scheduler) runSequential(ctx context.Context) error {
	s.render()
	for _, id := range s.order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.status[id] != StatusPending {
			continue
		}
		if !s.depsCompleted(id) {
			continue
		}
		ws, ok := s.ix.Lookup(id)
		if !ok {
			continue
		}
		label := ws.WorkspaceLabel()
		startedAt := s.clock()
		s.transition(id, StatusRunning)
		s.render()
		if err := s.provisioner.Provision(ctx, s.baseDir, label); err != nil {
			s.fail(id, fmt.Errorf("provision %s: %w", label, err))
			s.render()
			continue
		}
		err := s.executor.Execute(ctx, s.request(ws))
		if err != nil {
			s.fail(id, err)
		} else {
			s.complete(id, startedAt)
		}
		s.teardown(ctx, label)
		s.render()
	}
	return nil
}

// runConcurrent is the reconciliation loop: reap finished units, dispatch
// ready ones under the cap, render, and pause. The loop re-evaluates full
// state every iteration and never blocks on a specific unit.
func (s *Scheduler) runConcurrent(ctx context.Context) error {
	s.render()
	pause := s.busyPause
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		reaped := s.reap(ctx)
		dispatched := s.dispatchReady(ctx)
		s.render()
		if s.terminated() {
			return nil
		}
		pause = s.nextPause(pause, reaped || dispatched || len(s.inflight) > 0)
		s.sleep(pause)
	}
}

// nextPause picks the inter-iteration pause. Any in-flight unit keeps the
// loop on the short busy pause so completions are reaped promptly; only a
// fully idle iteration backs off, doubling toward idleMax.
func (s *Scheduler) nextPause(current time.Duration, busy bool) time.Duration {
	if busy {
		return s.busyPause
	}
	next := current * 2
	if next > s.idleMax {
		next = s.idleMax
	}
	return next
}

// reap collects terminal outcomes from in-flight units without blocking.
func (s *Scheduler) reap(ctx context.Context) bool {
	reaped := false
	for _, id := range s.order {
		unit, ok := s.inflight[id]
		if !ok {
			continue
		}
		select {
		case err := <-unit.done:
			delete(s.inflight, id)
			if err != nil {
				s.fail(id, err)
			} else {
				s.complete(id, unit.startedAt)
			}
			if ws, ok := s.ix.Lookup(id); ok {
				s.teardown(ctx, ws.WorkspaceLabel())
			}
			reaped = true
		default:
		}
	}
	return reaped
}

// dispatchReady starts ready workstreams while execution slots remain.
// Provisioning happens synchronously here so a unit is only ever submitted
// into a workspace that exists; a provisioning failure consumes no slot.
func (s *Scheduler) dispatchReady(ctx context.Context) bool {
	dispatched := false
	for _, id := range s.order {
		if len(s.inflight) >= s.cap {
			break
		}
		if s.status[id] != StatusPending || !s.depsCompleted(id) {
			continue
		}
		ws, ok := s.ix.Lookup(id)
		if !ok {
			continue
		}
		label := ws.WorkspaceLabel()
		s.transition(id, StatusRunning)
		if err := s.provisioner.Provision(ctx, s.baseDir, label); err != nil {
			s.fail(id, fmt.Errorf("provision %s: %w", label, err))
			continue
		}
		unit := &inflightUnit{id: id, done: make(chan error, 1), startedAt: s.clock()}
		s.inflight[id] = unit
		s.logger.Printf("dispatching %s (in flight %d/%d)", id, len(s.inflight), s.cap)
		go func(req agent.Request, done chan<- error) {
			done <- s.executor.Execute(ctx, req)
		}(s.request(ws), unit.done)
		dispatched = true
	}
	return dispatched
}

func (s *Scheduler) request(ws plan.Workstream) agent.Request {
	return agent.Request{
		BaseDir:      s.baseDir,
		Workspace:    ws.WorkspaceLabel(),
		Instruction:  ws.Instruction,
		WorkstreamID: ws.ID,
	}
}

func (s *Scheduler) depsCompleted(id string) bool {
	for _, dep := range s.graph[id] {
		if s.status[dep] != StatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) transition(id string, next Status) bool {
	current, ok := s.status[id]
	if !ok || !allowedTransition(current, next) {
		return false
	}
	s.status[id] = next
	return true
}

func (s *Scheduler) complete(id string, startedAt time.Time) {
	if !s.transition(id, StatusCompleted) {
		return
	}
	s.book.Info("workstream %s completed in %s", id, s.clock().Sub(startedAt).Round(time.Millisecond))
}

// fail records a terminal failure and cascades it through the dependency
// graph: every pending dependent of a failed workstream fails as blocked.
func (s *Scheduler) fail(id string, cause error) {
	if !s.transition(id, StatusFailed) {
		return
	}
	s.failures[id] = cause
	s.book.Error("workstream %s failed: %v", id, cause)
	s.cascadeFailure()
}

// cascadeFailure marks pending workstreams with a failed dependency as
// failed. One pass suffices: the execution order is topological, so a
// failure propagates forward through transitive dependents within the
// same sweep.
func (s *Scheduler) cascadeFailure() {
	for _, id := range s.order {
		if s.status[id] != StatusPending {
			continue
		}
		for _, dep := range s.graph[id] {
			if s.status[dep] != StatusFailed {
				continue
			}
			if s.transition(id, StatusFailed) {
				s.failures[id] = fmt.Errorf("dependency %s failed", dep)
				s.book.Warn("workstream %s blocked: dependency %s failed", id, dep)
			}
			break
		}
	}
}

func (s *Scheduler) teardown(ctx context.Context, label string) {
	if err := s.provisioner.Teardown(ctx, s.baseDir, label, false); err != nil {
		s.book.Warn("teardown %s: %v", label, err)
	}
}

// terminated reports whether no workstream can make further progress.
func (s *Scheduler) terminated() bool {
	for _, status := range s.status {
		if !status.Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) render() {
	if s.sink == nil {
		return
	}
	s.sink.Render(s.status.Clone())
}

func (s *Scheduler) cloneFailures() map[string]error {
	out := make(map[string]error, len(s.failures))
	for id, err := range s.failures {
		out[id] = err
	}
	return out
}
