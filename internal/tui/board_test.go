package tui

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/kingrea/loom/internal/logbook"
	"github.com/kingrea/loom/internal/scheduler"
)

func newTestBoard(t *testing.T, opts ...BoardOption) *Board {
	t.Helper()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return NewBoard("release-train", "run-1234", []string{"api", "docs"},
		append([]BoardOption{WithClock(clock)}, opts...)...)
}

func updateBoard(t *testing.T, b *Board, msg tea.Msg) (*Board, tea.Cmd) {
	t.Helper()
	model, cmd := b.Update(msg)
	board, ok := model.(*Board)
	if !ok {
		t.Fatalf("unexpected model type: %T", model)
	}
	return board, cmd
}

func TestBoardStartsAllPending(t *testing.T) {
	b := newTestBoard(t)
	view := b.View()
	if !strings.Contains(view, "LOOM · release-train · run-1234") {
		t.Fatalf("view missing header: %q", view)
	}
	if !strings.Contains(view, "api") || !strings.Contains(view, "docs") {
		t.Fatalf("view missing workstream rows: %q", view)
	}
	if !strings.Contains(view, string(scheduler.StatusPending)) {
		t.Fatalf("view missing pending status: %q", view)
	}
}

func TestSnapshotUpdatesRows(t *testing.T) {
	b := newTestBoard(t)
	b, _ = updateBoard(t, b, SnapshotMsg{Statuses: scheduler.StatusMap{
		"api":  scheduler.StatusRunning,
		"docs": scheduler.StatusPending,
	}})
	if b.statuses["api"] != scheduler.StatusRunning {
		t.Fatalf("api status = %s, want running", b.statuses["api"])
	}
	if b.startedAt["api"].IsZero() {
		t.Fatal("expected a start time once api is running")
	}

	b, _ = updateBoard(t, b, SnapshotMsg{Statuses: scheduler.StatusMap{
		"api":  scheduler.StatusCompleted,
		"docs": scheduler.StatusRunning,
	}})
	if _, ok := b.elapsed["api"]; !ok {
		t.Fatal("expected elapsed time frozen at completion")
	}
	view := b.View()
	if !strings.Contains(view, string(scheduler.StatusCompleted)) {
		t.Fatalf("view missing completed status: %q", view)
	}
}

func TestNoteAppearsInRow(t *testing.T) {
	b := newTestBoard(t)
	b.width = 120
	b, _ = updateBoard(t, b, NoteMsg{Workstream: "api", Note: "generating handlers"})
	if !strings.Contains(b.View(), "generating handlers") {
		t.Fatalf("view missing progress note: %q", b.View())
	}
	b, _ = updateBoard(t, b, NoteMsg{Workstream: " ", Note: "dropped"})
	if _, ok := b.notes[""]; ok {
		t.Fatal("blank workstream note must be ignored")
	}
}

func TestDoneQuitsWithSummary(t *testing.T) {
	b := newTestBoard(t)
	summary := scheduler.Summary{Statuses: scheduler.StatusMap{
		"api":  scheduler.StatusCompleted,
		"docs": scheduler.StatusFailed,
	}}
	b, cmd := updateBoard(t, b, DoneMsg{Summary: summary})
	if !b.done {
		t.Fatal("board not marked done")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg, got %T", cmd())
	}
	if !strings.Contains(b.statusMsg, "1 completed, 1 failed") {
		t.Fatalf("status line = %q", b.statusMsg)
	}
}

func TestDoneWithRunErrorShowsAbort(t *testing.T) {
	b := newTestBoard(t)
	b, _ = updateBoard(t, b, DoneMsg{Err: errors.New("context canceled")})
	if !strings.Contains(b.statusMsg, "run aborted") {
		t.Fatalf("status line = %q", b.statusMsg)
	}
}

func TestQuitKeysRespectRunState(t *testing.T) {
	b := newTestBoard(t)
	b, cmd := updateBoard(t, b, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd != nil {
		t.Fatal("q must not quit while the run is in progress")
	}
	b.done = true
	_, cmd = updateBoard(t, b, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q should quit once the run is done")
	}
}

func TestTickRefreshesLogPanel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logbook.log")
	book, err := logbook.New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.Info("run started")
	b := newTestBoard(t, WithLogbook(book))
	b, cmd := updateBoard(t, b, tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("tick should reschedule itself")
	}
	if len(b.logLines) == 0 {
		t.Fatal("expected log lines after tick")
	}
	if !strings.Contains(b.View(), "run started") {
		t.Fatalf("view missing log line: %q", b.View())
	}
}
