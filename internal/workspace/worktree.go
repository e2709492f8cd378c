package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kingrea/loom/internal/config"
)

// Provisioner is the workspace boundary the scheduler drives. Provision is
// idempotent: asking for a workspace that already exists is a no-op success.
// Teardown is best-effort: callers log failures and move on.
type Provisioner interface {
	Provision(ctx context.Context, baseDir, label string) error
	Teardown(ctx context.Context, baseDir, label string, force bool) error
}

// Runner executes an external command in dir and returns its stdout.
// Injectable so tests never shell out.
type Runner func(ctx context.Context, dir, name string, args ...string) (string, error)

func execRunner(ctx context.Context, dir, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s %s failed: %s", name, strings.Join(args, " "), errMsg)
	}
	return stdout.String(), nil
}

// Worktrees provisions isolated working copies as git worktrees under
// .loom/worktrees/<slug>, each on its own loom/<slug> branch. Removing a
// workspace leaves the branch behind; that branch is where the unit's
// commits live after the working copy is gone.
type Worktrees struct {
	run Runner
}

// Option customizes worktree provisioning.
type Option func(*Worktrees)

// WithRunner overrides the command runner (used by tests).
func WithRunner(r Runner) Option {
	return func(w *Worktrees) {
		if r != nil {
			w.run = r
		}
	}
}

// NewWorktrees builds a git-backed provisioner.
func NewWorktrees(opts ...Option) *Worktrees {
	w := &Worktrees{run: execRunner}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// PathFor returns the working-copy directory for a workspace label. Every
// component that needs the on-disk location derives it here.
func PathFor(baseDir, label string) string {
	return filepath.Join(baseDir, config.LoomDir, "worktrees", Slugify(label))
}

// BranchFor returns the branch a workspace label is bound to.
func BranchFor(label string) string {
	return "loom/" + Slugify(label)
}

// Provision creates the worktree for label off the base repository. An
// existing healthy worktree short-circuits to success; an obstructed path
// (exists but is not a worktree) is an error so the workstream fails loudly
// instead of running in the wrong place.
func (w *Worktrees) Provision(ctx context.Context, baseDir, label string) error {
	dir := PathFor(baseDir, label)
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("workspace: %s exists and is not a directory", dir)
		}
		if _, err := w.run(ctx, dir, "git", "rev-parse", "--is-inside-work-tree"); err == nil {
			return nil
		}
		return fmt.Errorf("workspace: %s exists but is not a usable worktree", dir)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("workspace: prepare worktrees dir: %w", err)
	}
	branch := BranchFor(label)
	if _, err := w.run(ctx, baseDir, "git", "worktree", "add", "-B", branch, dir); err != nil {
		// The branch may be checked out elsewhere; a detached worktree still
		// gives the unit an isolated copy to work in.
		if _, detachErr := w.run(ctx, baseDir, "git", "worktree", "add", "--detach", dir); detachErr != nil {
			return fmt.Errorf("workspace: create worktree %s: %w", label, err)
		}
	}
	writeBreadcrumb(dir, label, branch)
	appendWorkspaceLog(dir, "workspace provisioned on "+branch)
	return nil
}

// Teardown removes the worktree for label. A missing workspace is a no-op.
// With force set, a failed removal falls back to deleting the directory and
// pruning git's bookkeeping.
func (w *Worktrees) Teardown(ctx context.Context, baseDir, label string, force bool) error {
	dir := PathFor(baseDir, label)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, dir)
	if _, err := w.run(ctx, baseDir, "git", args...); err != nil {
		if !force {
			return fmt.Errorf("workspace: remove worktree %s: %w", label, err)
		}
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return fmt.Errorf("workspace: force-remove worktree %s: %w", label, rmErr)
		}
		_, _ = w.run(ctx, baseDir, "git", "worktree", "prune")
	}
	return nil
}

// Slugify lowercases a workspace label and squeezes it into [a-z0-9-] so it
// is safe as a directory and branch name.
func Slugify(value string) string {
	lower := strings.ToLower(strings.TrimSpace(value))
	if lower == "" {
		return "workspace"
	}
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		switch r {
		case ' ', '-', '_', '.', '/':
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	result := strings.Trim(b.String(), "-")
	if result == "" {
		return "workspace"
	}
	return result
}
