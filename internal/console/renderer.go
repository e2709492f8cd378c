package console

import (
	"sort"
	"sync"

	"github.com/kingrea/loom/internal/scheduler"
)

// StatusRenderer prints one line per workstream state change. It diffs each
// snapshot against the previous one, so rendering the same snapshot twice
// produces no output no matter how often the scheduler calls it.
type StatusRenderer struct {
	console *Console

	mu   sync.Mutex
	last scheduler.StatusMap
}

// NewStatusRenderer builds a renderer writing through the console.
func NewStatusRenderer(c *Console) *StatusRenderer {
	return &StatusRenderer{console: c}
}

// Render implements scheduler.StatusSink.
func (r *StatusRenderer) Render(statuses scheduler.StatusMap) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		status := statuses[id]
		if r.last[id] == status {
			continue
		}
		switch status {
		case scheduler.StatusRunning:
			r.console.Info("workstream %s started", id)
		case scheduler.StatusCompleted:
			r.console.Success("workstream %s completed", id)
		case scheduler.StatusFailed:
			r.console.Error("workstream %s failed", id)
		}
	}
	r.last = statuses.Clone()
}
