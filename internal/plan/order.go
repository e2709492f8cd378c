package plan

// ExecutionOrder computes a topological ordering of all workstream IDs:
// for every edge "A depends on B", B appears before A. The order biases
// which ready workstreams the scheduler considers first; it is not a
// serialization contract.
//
// The walk is seeded in declaration order and follows each dependency list
// as declared, so repeated calls on the same input return the same
// sequence. The graph must already have passed Validate; dependencies that
// do not resolve are skipped rather than invented.
func ExecutionOrder(graph Graph, ix *Index) []string {
	visited := make(map[string]bool, ix.Len())
	order := make([]string, 0, ix.Len())

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range graph[id] {
			if ix.Contains(dep) {
				visit(dep)
			}
		}
		order = append(order, id)
	}

	for _, id := range ix.IDs() {
		visit(id)
	}
	return order
}
