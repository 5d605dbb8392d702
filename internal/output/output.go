// Package output provides formatted output for plan execution.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Stats holds execution statistics for output.
type Stats interface {
	GetOK() int
	GetChanged() int
	GetFailed() int
	GetSkipped() int
	GetDuration() time.Duration
}

// Output handles formatted output. It is safe for concurrent use by the
// goroutines running different hosts.
type Output struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	debug    bool

	bold, red, green, yellow, blue, cyan, gray *color.Color
}

// New creates a new output handler. Colour is on when w is a terminal.
func New(w io.Writer) *Output {
	o := &Output{
		w:      w,
		bold:   color.New(color.Bold),
		red:    color.New(color.FgRed),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		blue:   color.New(color.FgBlue),
		cyan:   color.New(color.FgCyan),
		gray:   color.New(color.FgHiBlack),
	}
	o.SetColor(isTerminal(w))
	return o
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.useColor = enabled
	for _, c := range []*color.Color{o.bold, o.red, o.green, o.yellow, o.blue, o.cyan, o.gray} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.debug = enabled
}

// PlanStart prints the plan start banner.
func (o *Output) PlanStart(path string) {
	o.printf("\n%s %s\n", o.bold.Sprint("PLAN"), path)
}

// PlanEnd prints the run summary.
func (o *Output) PlanEnd(stats Stats) {
	ok := o.green.Sprintf("ok=%d", stats.GetOK())
	changed := o.yellow.Sprintf("changed=%d", stats.GetChanged())
	failed := o.red.Sprintf("failed=%d", stats.GetFailed())
	skipped := o.cyan.Sprintf("skipped=%d", stats.GetSkipped())
	duration := o.gray.Sprintf("(%.2fs)", stats.GetDuration().Seconds())

	o.printf("\n%s %s %s %s %s %s\n", o.bold.Sprint("RECAP"), ok, changed, failed, skipped, duration)
}

// PlayStart prints the play start banner.
func (o *Output) PlayStart(name string, hosts []string) {
	if name == "" {
		name = strings.Join(hosts, ", ")
	}
	o.printf("\n%s %s\n", o.bold.Sprint("PLAY"), name)
}

// StepResult prints the step result in a single line.
// Format: [indicator] [host] step name
func (o *Output) StepResult(host, name, status, message string) {
	var indicator string
	var statusColor *color.Color

	switch {
	case strings.HasPrefix(status, "ok"):
		indicator = "✓"
		statusColor = o.green
	case strings.HasPrefix(status, "changed"):
		indicator = "✓"
		statusColor = o.yellow
	case strings.HasPrefix(status, "skipped"):
		indicator = "○"
		statusColor = o.cyan
	case strings.HasPrefix(status, "failed"):
		indicator = "✗"
		statusColor = o.red
	default:
		indicator = "?"
		statusColor = o.gray
	}

	line := fmt.Sprintf("  %s %s %s", statusColor.Sprint(indicator), o.gray.Sprintf("[%s]", host), name)
	if strings.Contains(status, "(") {
		line += " " + statusColor.Sprint(status[strings.Index(status, "("):])
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	fmt.Fprintln(o.w, line)

	// Failures always show why; other messages only in debug mode
	if message != "" && (o.debug || strings.HasPrefix(status, "failed")) {
		for _, l := range strings.Split(strings.TrimRight(message, "\n"), "\n") {
			fmt.Fprintf(o.w, "    %s %s\n", o.gray.Sprint("→"), l)
		}
	}
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.bold.Sprint(name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.blue.Sprint("INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.yellow.Sprint("WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.red.Sprint("ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	o.mu.Lock()
	debug := o.debug
	o.mu.Unlock()

	if debug {
		o.printf("%s %s\n", o.gray.Sprint("DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
