package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Breadcrumb files are advisory: a human who wanders into a worktree should
// be able to tell what it is for. Failures here never fail provisioning.

func writeBreadcrumb(dir, label, branch string) {
	var b strings.Builder
	b.WriteString("# Workstream workspace\n\n")
	b.WriteString(fmt.Sprintf("- Workspace: %s\n", label))
	b.WriteString(fmt.Sprintf("- Branch: %s\n", branch))
	b.WriteString(fmt.Sprintf("- Created: %s\n\n", time.Now().UTC().Format(time.RFC3339)))
	b.WriteString("This directory was provisioned by loom for a single unit of work.\n")
	b.WriteString("Commits land on the branch above; the directory is removed when the\n")
	b.WriteString("unit reaches a terminal state.\n")
	_ = os.WriteFile(filepath.Join(dir, "WORKSTREAM.md"), []byte(b.String()), 0644)
}

// AppendUnitLog records a unit lifecycle note in the workspace's LOG.md.
// The executor calls this around each unit of work.
func AppendUnitLog(dir, message string) {
	appendWorkspaceLog(dir, message)
}

func appendWorkspaceLog(dir, message string) {
	path := filepath.Join(dir, "LOG.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	timestamp := time.Now().UTC().Format(time.RFC3339)
	_, _ = fmt.Fprintf(f, "- %s · %s\n", timestamp, message)
}
