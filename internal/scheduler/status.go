package scheduler

// Status is the lifecycle state of one workstream.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedTransition enforces the lifecycle: pending may start running or
// fail outright (failed dependency), running resolves to a terminal state,
// terminal states are final.
func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// StatusMap is a snapshot of every workstream's lifecycle state.
type StatusMap map[string]Status

// Clone returns an independent copy of the snapshot.
func (m StatusMap) Clone() StatusMap {
	out := make(StatusMap, len(m))
	for id, status := range m {
		out[id] = status
	}
	return out
}

// StatusSink receives a snapshot after loop iterations and state changes.
// Implementations must tolerate being called at high frequency with
// unchanged snapshots.
type StatusSink interface {
	Render(StatusMap)
}

// StatusSinkFunc adapts a function into a StatusSink.
type StatusSinkFunc func(StatusMap)

// Render executes f(m).
func (f StatusSinkFunc) Render(m StatusMap) {
	if f == nil {
		return
	}
	f(m)
}
