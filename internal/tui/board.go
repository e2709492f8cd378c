// internal/tui/board.go
//
// Live status board for a scheduled run. It uses bubbletea, which follows
// The Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// The board is read-only over scheduler state: the scheduler pushes status
// snapshots through a StatusSink adapter, the event bridge pushes progress
// notes, and the board only renders what it was sent.

package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/kingrea/loom/internal/logbook"
	"github.com/kingrea/loom/internal/scheduler"
)

const (
	logTailLines  = 6
	boardTickRate = time.Second
)

// SnapshotMsg carries a scheduler status snapshot into the board.
type SnapshotMsg struct {
	Statuses scheduler.StatusMap
}

// NoteMsg carries the latest progress note for one workstream.
type NoteMsg struct {
	Workstream string
	Note       string
}

// DoneMsg signals that the run reached a terminal state.
type DoneMsg struct {
	Summary scheduler.Summary
	Err     error
}

type tickMsg time.Time

// BoardOption customizes Board construction for tests.
type BoardOption func(*Board)

// WithLogbook attaches the run logbook whose tail the board displays.
func WithLogbook(book *logbook.Logbook) BoardOption {
	return func(b *Board) {
		b.book = book
	}
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) BoardOption {
	return func(b *Board) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// Board is the bubbletea model for a run in progress.
type Board struct {
	planName string
	runID    string
	order    []string

	statuses  scheduler.StatusMap
	notes     map[string]string
	startedAt map[string]time.Time
	elapsed   map[string]time.Duration

	spin     spinner.Model
	book     *logbook.Logbook
	logLines []string

	width  int
	height int

	done      bool
	summary   scheduler.Summary
	runErr    error
	statusMsg string
	clock     func() time.Time
}

// NewBoard builds a board for the workstreams in execution order.
func NewBoard(planName, runID string, order []string, opts ...BoardOption) *Board {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))

	b := &Board{
		planName:  strings.TrimSpace(planName),
		runID:     strings.TrimSpace(runID),
		order:     append([]string(nil), order...),
		statuses:  make(scheduler.StatusMap, len(order)),
		notes:     map[string]string{},
		startedAt: map[string]time.Time{},
		elapsed:   map[string]time.Duration{},
		spin:      spin,
		statusMsg: "run in progress · ctrl+c to abort",
		clock:     time.Now,
	}
	for _, id := range b.order {
		b.statuses[id] = scheduler.StatusPending
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Sink adapts a running program into a scheduler.StatusSink so the control
// loop can publish snapshots without knowing about bubbletea.
func Sink(p *tea.Program) scheduler.StatusSink {
	return scheduler.StatusSinkFunc(func(statuses scheduler.StatusMap) {
		p.Send(SnapshotMsg{Statuses: statuses})
	})
}

// Init is called once when the program starts.
func (b *Board) Init() tea.Cmd {
	return tea.Batch(b.spin.Tick, b.scheduleTick())
}

func (b *Board) scheduleTick() tea.Cmd {
	return tea.Tick(boardTickRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update is called when a message is received.
func (b *Board) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		b.width = msg.Width
		b.height = msg.Height
		return b, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return b, tea.Quit
		case "q":
			if b.done {
				return b, tea.Quit
			}
		}
		return b, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		b.spin, cmd = b.spin.Update(msg)
		return b, cmd

	case SnapshotMsg:
		b.applySnapshot(msg.Statuses)
		return b, nil

	case NoteMsg:
		id := strings.TrimSpace(msg.Workstream)
		note := strings.TrimSpace(msg.Note)
		if id != "" && note != "" {
			b.notes[id] = note
		}
		return b, nil

	case DoneMsg:
		b.done = true
		b.summary = msg.Summary
		b.runErr = msg.Err
		b.statusMsg = b.finalStatusLine()
		b.refreshLog()
		return b, tea.Quit

	case tickMsg:
		b.refreshLog()
		return b, b.scheduleTick()
	}

	return b, nil
}

// applySnapshot folds a scheduler snapshot into the board, stamping start
// times on pending→running edges and freezing elapsed time on terminal ones.
func (b *Board) applySnapshot(next scheduler.StatusMap) {
	now := b.clock()
	for id, status := range next {
		prev := b.statuses[id]
		if prev == status {
			continue
		}
		if status == scheduler.StatusRunning && b.startedAt[id].IsZero() {
			b.startedAt[id] = now
		}
		if status.Terminal() {
			if startedAt := b.startedAt[id]; !startedAt.IsZero() {
				b.elapsed[id] = now.Sub(startedAt)
			}
		}
	}
	b.statuses = next.Clone()
}

func (b *Board) refreshLog() {
	if b.book == nil {
		return
	}
	b.logLines = b.book.Tail(logTailLines)
}

func (b *Board) finalStatusLine() string {
	if b.runErr != nil {
		return fmt.Sprintf("run aborted: %v · press q to exit", b.runErr)
	}
	if b.summary.Failed() > 0 {
		return fmt.Sprintf("run finished: %d completed, %d failed · press q to exit",
			b.summary.Completed(), b.summary.Failed())
	}
	return fmt.Sprintf("run finished: all %d workstreams completed · press q to exit",
		b.summary.Completed())
}

// View renders the current state to a string.
func (b *Board) View() string {
	width := b.width
	if width <= 0 {
		width = 100
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render(fmt.Sprintf("⬡ LOOM · %s", b.titleLine()))
	table := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(40, width-2)).
		Render(b.renderRows(width - 8))
	sections := []string{header, table}
	if logPanel := b.renderLogPanel(width - 2); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(b.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (b *Board) titleLine() string {
	name := b.planName
	if name == "" {
		name = "run"
	}
	if b.runID == "" {
		return name
	}
	return fmt.Sprintf("%s · %s", name, b.runID)
}

func (b *Board) renderRows(width int) string {
	idWidth := 0
	for _, id := range b.order {
		if len(id) > idWidth {
			idWidth = len(id)
		}
	}
	rows := make([]string, 0, len(b.order))
	for _, id := range b.order {
		rows = append(rows, b.renderRow(id, idWidth, width))
	}
	if len(rows) == 0 {
		return "no workstreams"
	}
	return strings.Join(rows, "\n")
}

func (b *Board) renderRow(id string, idWidth, width int) string {
	status := b.statuses[id]
	cells := []string{
		b.statusGlyph(status),
		fmt.Sprintf("%-*s", idWidth, id),
		fmt.Sprintf("%-9s", string(status)),
		fmt.Sprintf("%6s", b.elapsedFor(id)),
	}
	row := strings.Join(cells, "  ")
	if note := b.notes[id]; note != "" {
		remaining := width - lipgloss.Width(row) - 2
		if remaining > 8 {
			row += "  " + lipgloss.NewStyle().
				Foreground(lipgloss.Color("#AAAAAA")).
				Render(truncate(note, remaining))
		}
	}
	return row
}

func (b *Board) statusGlyph(status scheduler.Status) string {
	switch status {
	case scheduler.StatusRunning:
		return b.spin.View()
	case scheduler.StatusCompleted:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Render("✓")
	case scheduler.StatusFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render("✗")
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("○")
	}
}

func (b *Board) elapsedFor(id string) string {
	if elapsed, ok := b.elapsed[id]; ok {
		return humanizeDuration(elapsed)
	}
	if startedAt, ok := b.startedAt[id]; ok && !startedAt.IsZero() {
		return humanizeDuration(b.clock().Sub(startedAt))
	}
	return ""
}

func (b *Board) renderLogPanel(width int) string {
	if len(b.logLines) == 0 {
		return ""
	}
	fileName := "log"
	if b.book != nil {
		if base := filepath.Base(b.book.Path()); base != "." && base != "" {
			fileName = base
		}
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(b.logLines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(40, width)).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 1 {
		return value[:limit]
	}
	return value[:limit-1] + "…"
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
