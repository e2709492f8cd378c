package plan

import (
	"fmt"
	"sort"
	"strings"
)

// ProblemCode classifies a validation failure.
type ProblemCode string

const (
	ProblemEmptyPlan         ProblemCode = "empty-plan"
	ProblemMissingID         ProblemCode = "missing-id"
	ProblemDuplicateID       ProblemCode = "duplicate-id"
	ProblemUnknownDependency ProblemCode = "unknown-dependency"
	ProblemUnknownTarget     ProblemCode = "unknown-target"
	ProblemDependencyCycle   ProblemCode = "dependency-cycle"
)

// Problem describes one validation failure with enough detail to fix the
// plan file.
type Problem struct {
	Code         ProblemCode
	WorkstreamID string
	Detail       string
}

func (p Problem) String() string {
	if p.WorkstreamID == "" {
		return fmt.Sprintf("%s: %s", p.Code, p.Detail)
	}
	return fmt.Sprintf("%s (%s): %s", p.Code, p.WorkstreamID, p.Detail)
}

// Result accumulates validation problems. Validation never panics and never
// stops at the first failure; callers get the full picture in one pass.
type Result struct {
	Problems []Problem
}

// OK reports whether the plan passed validation.
func (r *Result) OK() bool {
	return r == nil || len(r.Problems) == 0
}

// Err folds the problem list into a single error, or nil when the plan is
// valid.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	lines := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		lines = append(lines, p.String())
	}
	return fmt.Errorf("plan validation failed: %s", strings.Join(lines, "; "))
}

func (r *Result) add(code ProblemCode, workstreamID, format string, args ...any) {
	r.Problems = append(r.Problems, Problem{
		Code:         code,
		WorkstreamID: workstreamID,
		Detail:       fmt.Sprintf(format, args...),
	})
}

// Validate checks graph-level integrity of a plan against its effective
// dependency graph: every workstream has an ID, IDs are unique, every
// referenced dependency resolves to a declared workstream, and the graph is
// acyclic. The index must be the one built from this plan; it is the only
// ID lookup used, keeping the whole check O(V+E).
//
// Validate has no side effects and is idempotent: the same inputs always
// produce the same result.
func Validate(p *Plan, graph Graph, ix *Index) *Result {
	result := &Result{}

	if p == nil || len(p.Workstreams) == 0 {
		result.add(ProblemEmptyPlan, "", "plan declares no workstreams")
		return result
	}

	seen := make(map[string]struct{}, len(p.Workstreams))
	for i, ws := range p.Workstreams {
		if ws.ID == "" {
			result.add(ProblemMissingID, "", "workstream[%d] has no id", i)
			continue
		}
		if _, dup := seen[ws.ID]; dup {
			result.add(ProblemDuplicateID, ws.ID, "workstream[%d] reuses id %q", i, ws.ID)
			continue
		}
		seen[ws.ID] = struct{}{}
	}

	// Dependency references are checked against the effective graph so that
	// overlay-introduced edges get the same scrutiny as declared ones.
	for _, id := range ix.IDs() {
		for _, dep := range graph[id] {
			if !ix.Contains(dep) {
				result.add(ProblemUnknownDependency, id, "depends on unknown workstream %q", dep)
			}
		}
	}
	var unknownTargets []string
	for target := range graph {
		if !ix.Contains(target) {
			unknownTargets = append(unknownTargets, target)
		}
	}
	sort.Strings(unknownTargets)
	for _, target := range unknownTargets {
		result.add(ProblemUnknownTarget, target, "graph names %q, which is not a declared workstream", target)
	}

	findCycles(graph, ix, result)
	return result
}

// Traversal colors for cycle detection. A gray node is on the current DFS
// stack; revisiting one means the walk reached a node already on the path
// from the root, which is a cycle.
const (
	colorWhite = iota
	colorGray
	colorBlack
)

// findCycles runs a depth-first walk from every workstream in declaration
// order. Iterating all roots matters: a cycle in a component unreachable
// from earlier roots must still be found.
func findCycles(graph Graph, ix *Index, result *Result) {
	color := make(map[string]int, ix.Len())
	var stack []string

	var walk func(id string) bool
	walk = func(id string) bool {
		color[id] = colorGray
		stack = append(stack, id)
		for _, dep := range graph[id] {
			if !ix.Contains(dep) {
				continue // reported as unknown-dependency already
			}
			switch color[dep] {
			case colorGray:
				result.add(ProblemDependencyCycle, dep, "cycle: %s", witnessPath(stack, dep))
				stack = stack[:len(stack)-1]
				color[id] = colorBlack
				return true
			case colorWhite:
				if walk(dep) {
					stack = stack[:len(stack)-1]
					color[id] = colorBlack
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		return false
	}

	for _, id := range ix.IDs() {
		if color[id] == colorWhite {
			stack = stack[:0]
			walk(id)
		}
	}
}

// witnessPath renders the portion of the DFS stack that forms the cycle,
// closing the loop back to the repeated node.
func witnessPath(stack []string, repeat string) string {
	start := 0
	for i, id := range stack {
		if id == repeat {
			start = i
			break
		}
	}
	parts := append(append([]string{}, stack[start:]...), repeat)
	return strings.Join(parts, " -> ")
}
