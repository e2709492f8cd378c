// Package scheduler drives a validated plan to completion. It owns the
// per-workstream lifecycle (pending, running, completed, failed), dispatches
// ready units under the concurrency cap, and reconciles asynchronous
// completions from a single control loop without blocking on any one unit.
package scheduler
