// internal/console/console.go
//
// Colored console output for the CLI. Severity prefixes are styled with
// lipgloss; styling switches off when stdout is not a terminal or NO_COLOR
// is set, so piped output stays clean.
package console

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Console writes leveled, prefix-styled messages. Informational and success
// messages go to out, warnings and errors to errOut. All methods are safe on
// a nil receiver.
type Console struct {
	out    io.Writer
	errOut io.Writer
	styled bool

	info    lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	success lipgloss.Style
}

// Option customizes console construction.
type Option func(*Console)

// WithWriters redirects output, primarily for tests.
func WithWriters(out, errOut io.Writer) Option {
	return func(c *Console) {
		if out != nil {
			c.out = out
		}
		if errOut != nil {
			c.errOut = errOut
		}
	}
}

// WithColor forces styling on or off regardless of terminal detection.
func WithColor(enabled bool) Option {
	return func(c *Console) {
		c.styled = enabled
	}
}

// New builds a console writing to stdout and stderr. Styling defaults to on
// when stdout is a terminal and NO_COLOR is unset.
func New(opts ...Option) *Console {
	c := &Console{
		out:     os.Stdout,
		errOut:  os.Stderr,
		styled:  defaultStyled(),
		info:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		err:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func defaultStyled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Info writes an informational message to out.
func (c *Console) Info(format string, args ...any) {
	if c == nil {
		return
	}
	c.emit(c.writer(false), c.info, "INFO:", format, args...)
}

// Warn writes a warning to errOut.
func (c *Console) Warn(format string, args ...any) {
	if c == nil {
		return
	}
	c.emit(c.writer(true), c.warn, "WARNING:", format, args...)
}

// Error writes an error to errOut.
func (c *Console) Error(format string, args ...any) {
	if c == nil {
		return
	}
	c.emit(c.writer(true), c.err, "ERROR:", format, args...)
}

// Success writes a success message to out.
func (c *Console) Success(format string, args ...any) {
	if c == nil {
		return
	}
	c.emit(c.writer(false), c.success, "SUCCESS:", format, args...)
}

// Print writes an unprefixed line to out.
func (c *Console) Print(format string, args ...any) {
	if c == nil {
		return
	}
	fmt.Fprintf(c.writer(false), format+"\n", args...)
}

func (c *Console) emit(w io.Writer, style lipgloss.Style, prefix, format string, args ...any) {
	if c == nil {
		return
	}
	if c.styled {
		prefix = style.Render(prefix)
	}
	fmt.Fprintf(w, "%s %s\n", prefix, fmt.Sprintf(format, args...))
}

func (c *Console) writer(stderr bool) io.Writer {
	if c == nil {
		if stderr {
			return os.Stderr
		}
		return os.Stdout
	}
	if stderr {
		if c.errOut != nil {
			return c.errOut
		}
		return os.Stderr
	}
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}
