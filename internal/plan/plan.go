package plan

// Graph maps workstream IDs to the IDs they depend on. Keys and values both
// refer to Workstream.ID; readiness and ordering are computed from this map,
// never from the raw plan.
type Graph map[string][]string

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	if len(g) == 0 {
		return Graph{}
	}
	out := make(Graph, len(g))
	for key, deps := range g {
		if len(deps) == 0 {
			out[key] = nil
			continue
		}
		clone := make([]string, len(deps))
		copy(clone, deps)
		out[key] = clone
	}
	return out
}

// Workstream declares one unit of work: an identity, the workspace it runs
// in, an opaque work-instruction reference (typically a prompt file path),
// and the IDs it depends on. Immutable once the plan is loaded.
type Workstream struct {
	ID          string   `json:"id" yaml:"id"`
	Workspace   string   `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Instruction string   `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Clone returns a deep copy of the workstream.
func (ws Workstream) Clone() Workstream {
	clone := ws
	if len(ws.DependsOn) > 0 {
		clone.DependsOn = make([]string, len(ws.DependsOn))
		copy(clone.DependsOn, ws.DependsOn)
	}
	return clone
}

// WorkspaceLabel returns the label the workspace provisioner should use.
// Workstreams without an explicit workspace use their ID.
func (ws Workstream) WorkspaceLabel() string {
	if ws.Workspace != "" {
		return ws.Workspace
	}
	return ws.ID
}

// Plan is the declared collection of workstreams plus the base repository
// they operate against.
type Plan struct {
	Version     int          `json:"version,omitempty" yaml:"version,omitempty"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	BaseDir     string       `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`
	Workstreams []Workstream `json:"workstreams" yaml:"workstreams"`
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	clone := p
	if len(p.Workstreams) > 0 {
		clone.Workstreams = make([]Workstream, len(p.Workstreams))
		for i, ws := range p.Workstreams {
			clone.Workstreams[i] = ws.Clone()
		}
	}
	return clone
}

// IDs returns the workstream identifiers in declaration order.
func (p Plan) IDs() []string {
	ids := make([]string, 0, len(p.Workstreams))
	for _, ws := range p.Workstreams {
		ids = append(ids, ws.ID)
	}
	return ids
}

// DeclaredGraph builds the dependency graph from each workstream's declared
// depends_on list, before any overlay is applied.
func (p Plan) DeclaredGraph() Graph {
	graph := make(Graph, len(p.Workstreams))
	for _, ws := range p.Workstreams {
		if len(ws.DependsOn) == 0 {
			graph[ws.ID] = nil
			continue
		}
		deps := make([]string, len(ws.DependsOn))
		copy(deps, ws.DependsOn)
		graph[ws.ID] = deps
	}
	return graph
}

// Index resolves workstream IDs without rescanning the plan. It is built
// once, before validation, and handed to every component that needs ID
// lookup; it never changes for the lifetime of a run.
//
// When a plan declares duplicate IDs the first declaration wins here; the
// validator reports the duplicates from the plan itself.
type Index struct {
	byID  map[string]Workstream
	order []string
}

// NewIndex builds the ID index for a plan.
func NewIndex(p *Plan) *Index {
	ix := &Index{
		byID:  make(map[string]Workstream, len(p.Workstreams)),
		order: make([]string, 0, len(p.Workstreams)),
	}
	for _, ws := range p.Workstreams {
		if ws.ID == "" {
			continue
		}
		if _, exists := ix.byID[ws.ID]; exists {
			continue
		}
		ix.byID[ws.ID] = ws.Clone()
		ix.order = append(ix.order, ws.ID)
	}
	return ix
}

// Lookup returns the workstream for an ID.
func (ix *Index) Lookup(id string) (Workstream, bool) {
	ws, ok := ix.byID[id]
	return ws, ok
}

// Contains reports whether the ID names a declared workstream.
func (ix *Index) Contains(id string) bool {
	_, ok := ix.byID[id]
	return ok
}

// IDs returns the indexed workstream IDs in declaration order.
func (ix *Index) IDs() []string {
	out := make([]string, len(ix.order))
	copy(out, ix.order)
	return out
}

// Len returns the number of indexed workstreams.
func (ix *Index) Len() int {
	return len(ix.order)
}
