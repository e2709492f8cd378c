package plan

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParsePlanYAML(t *testing.T) {
	const payload = `
name: release-train
base_dir: /tmp/repo
workstreams:
  - id: schema
    instruction: prompts/schema.md
  - id: api
    workspace: api-work
    instruction: prompts/api.md
    depends_on: [schema]
`
	p, err := ParsePlan([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if p.Name != "release-train" || p.BaseDir != "/tmp/repo" {
		t.Fatalf("plan header not parsed: %+v", p)
	}
	if len(p.Workstreams) != 2 {
		t.Fatalf("expected 2 workstreams, got %d", len(p.Workstreams))
	}
	api := p.Workstreams[1]
	if api.Workspace != "api-work" || !reflect.DeepEqual(api.DependsOn, []string{"schema"}) {
		t.Fatalf("unexpected api workstream: %+v", api)
	}
}

func TestParsePlanJSON(t *testing.T) {
	const payload = `{"workstreams": [{"id": "solo", "instruction": "solo.md"}]}`
	p, err := ParsePlan([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected parse error for JSON payload: %v", err)
	}
	if len(p.Workstreams) != 1 || p.Workstreams[0].ID != "solo" {
		t.Fatalf("unexpected plan from JSON: %+v", p)
	}
}

func TestParsePlanNormalizesWhitespace(t *testing.T) {
	const payload = `
workstreams:
  - id: "  padded  "
    instruction: "  doc.md "
    depends_on: ["  other ", "", "   "]
  - id: other
`
	p, err := ParsePlan([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	first := p.Workstreams[0]
	if first.ID != "padded" || first.Instruction != "doc.md" {
		t.Fatalf("fields should be trimmed: %+v", first)
	}
	if !reflect.DeepEqual(first.DependsOn, []string{"other"}) {
		t.Fatalf("blank dependency entries should be dropped, got %v", first.DependsOn)
	}
}

func TestParsePlanRejectsEmptyPayload(t *testing.T) {
	if _, err := ParsePlan([]byte("\n\t ")); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestLoadPlanFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	const payload = "workstreams:\n  - id: a\n"
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	p, err := LoadPlanFile(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(p.Workstreams) != 1 || p.Workstreams[0].ID != "a" {
		t.Fatalf("unexpected plan: %+v", p)
	}
}

func TestLoadPlanFileMissing(t *testing.T) {
	if _, err := LoadPlanFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing plan file")
	}
}

func TestWorkspaceLabelFallsBackToID(t *testing.T) {
	if label := (Workstream{ID: "feature-1"}).WorkspaceLabel(); label != "feature-1" {
		t.Fatalf("expected id fallback, got %q", label)
	}
	labeled := Workstream{ID: "feature-1", Workspace: "shared"}
	if labeled.WorkspaceLabel() != "shared" {
		t.Fatalf("explicit workspace should win, got %q", labeled.WorkspaceLabel())
	}
}

func TestDeclaredGraphCopiesDependencies(t *testing.T) {
	p := planOf(ws("a"), ws("b", "a"))
	graph := p.DeclaredGraph()
	graph["b"][0] = "mutated"
	if p.Workstreams[1].DependsOn[0] != "a" {
		t.Fatalf("graph mutation leaked into the plan: %+v", p.Workstreams[1])
	}
}

func TestNewIndexKeepsDeclarationOrder(t *testing.T) {
	p := planOf(ws("c"), ws("a"), ws("b"))
	ix := NewIndex(p)
	if !reflect.DeepEqual(ix.IDs(), []string{"c", "a", "b"}) {
		t.Fatalf("index order should follow declaration, got %v", ix.IDs())
	}
	if ix.Len() != 3 || !ix.Contains("a") || ix.Contains("ghost") {
		t.Fatalf("index lookups misbehave: %+v", ix)
	}
}

func TestNewIndexKeepsFirstDuplicate(t *testing.T) {
	p := planOf(
		Workstream{ID: "a", Instruction: "first.md"},
		Workstream{ID: "a", Instruction: "second.md"},
	)
	ix := NewIndex(p)
	ws, ok := ix.Lookup("a")
	if !ok || ws.Instruction != "first.md" {
		t.Fatalf("index should keep the first declaration, got %+v", ws)
	}
	if ix.Len() != 1 {
		t.Fatalf("duplicate ids should not inflate the index, got %d", ix.Len())
	}
}
