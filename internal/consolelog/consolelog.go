// Package consolelog implements the engine's default events.Sink, printing a
// colorized, box-drawn summary of each event to the terminal.
package consolelog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/harrison/conductor-engine/internal/events"
)

// Sink writes events to an io.Writer (normally os.Stderr) as colorized,
// box-drawn summaries. It is safe for concurrent use: each Emit call
// buffers its output and writes it in one shot to avoid interleaving
// between concurrently running tasks.
type Sink struct {
	out      io.Writer
	mu       sync.Mutex
	colorize bool

	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	value   *color.Color
}

// New builds a console Sink writing to out. Coloring is enabled
// automatically when out is a TTY (checked via go-isatty) and disabled
// otherwise, matching the teacher's console logger behavior.
func New(out *os.File) *Sink {
	colorize := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	return &Sink{
		out:      out,
		colorize: colorize,
		success:  color.New(color.FgGreen),
		fail:     color.New(color.FgRed),
		warn:     color.New(color.FgYellow),
		label:    color.New(color.FgCyan),
		value:    color.New(color.FgWhite),
	}
}

func (s *Sink) boxWidth() int {
	f, ok := s.out.(*os.File)
	if !ok {
		return 80
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width < 60 {
		return 80
	}
	if width > 120 {
		return 120
	}
	return width
}

// Emit renders e as a colorized box and writes it atomically.
func (s *Sink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	boxWidth := s.boxWidth()
	innerWidth := boxWidth - 4

	var buf strings.Builder
	hLine := strings.Repeat("─", boxWidth-2)

	header, headerColor := s.header(e)
	fmt.Fprintf(&buf, "\n┌%s┐\n", hLine)
	s.printHeader(&buf, header, headerColor, innerWidth)
	fmt.Fprintf(&buf, "├%s┤\n", hLine)

	for _, line := range s.bodyLines(e) {
		s.printLine(&buf, line.label, line.value, line.color, innerWidth)
	}

	fmt.Fprintf(&buf, "└%s┘\n\n", hLine)

	io.WriteString(s.out, buf.String())
}

func (s *Sink) header(e events.Event) (string, *color.Color) {
	switch e.Kind {
	case events.KindTaskKilled, events.KindTaskBlocked:
		return string(e.Kind), s.fail
	case events.KindTaskCompleted, events.KindCriticVerdict:
		return string(e.Kind), s.success
	case events.KindReEstimationDecided:
		return string(e.Kind), s.warn
	default:
		return string(e.Kind), s.label
	}
}

// formatComplexityChange renders a re-estimation's from→to transition, or
// the bare new value when no prior estimate is on the event.
func formatComplexityChange(e events.Event) string {
	if e.NewComplexity == "" {
		return ""
	}
	if e.FromComplexity != "" && e.FromComplexity != e.NewComplexity {
		return e.FromComplexity + " -> " + e.NewComplexity
	}
	return e.NewComplexity
}

type bodyLine struct {
	label, value string
	color        *color.Color
}

func (s *Sink) bodyLines(e events.Event) []bodyLine {
	var lines []bodyLine
	add := func(label, value string, c *color.Color) {
		if value == "" {
			return
		}
		lines = append(lines, bodyLine{label, value, c})
	}

	add("plan", e.PlanID, s.label)
	add("task", e.TaskID, s.label)
	add("title", e.Title, s.value)
	add("goal", e.Goal, s.value)
	if e.Kind == events.KindSprintStarted {
		add("total tasks", fmt.Sprintf("%d", e.TotalTasks), s.value)
	}
	if len(e.TaskIDs) > 0 {
		add("wave tasks", strings.Join(e.TaskIDs, ", "), s.value)
	}
	add("line", e.Line, s.value)
	if len(e.Artifacts) > 0 {
		add("artifacts", strings.Join(e.Artifacts, ", "), s.value)
	}
	add("actual complexity", e.ActualComplexity, s.value)
	add("kill reason", e.KillReason, s.fail)
	if e.Attempt > 0 {
		add("attempt", fmt.Sprintf("%d", e.Attempt), s.warn)
	}
	add("block reason", e.BlockReason, s.fail)
	add("persona", e.Persona, s.label)
	add("complexity", formatComplexityChange(e), s.warn)
	add("reasoning", e.Reasoning, s.value)
	if e.Kind == events.KindIterationStarted || e.Kind == events.KindCriticVerdict {
		add("iteration", fmt.Sprintf("%d", e.Iteration), s.value)
	}
	if e.Kind == events.KindCriticVerdict {
		if e.Success {
			add("success", "true", s.success)
		} else {
			add("success", "false", s.fail)
		}
	}
	return lines
}

func (s *Sink) printHeader(buf *strings.Builder, text string, c *color.Color, innerWidth int) {
	visible := runewidth.StringWidth(text)
	pad := innerWidth - visible
	if pad < 0 {
		pad = 0
	}
	rendered := text
	if s.colorize {
		rendered = c.Sprint(text)
	}
	fmt.Fprintf(buf, "│ %s%s │\n", rendered, strings.Repeat(" ", pad))
}

func (s *Sink) printLine(buf *strings.Builder, label, value string, valueColor *color.Color, innerWidth int) {
	labelWidth := runewidth.StringWidth(label)
	valueWidth := runewidth.StringWidth(value)

	maxValueWidth := innerWidth - labelWidth - 2
	if valueWidth > maxValueWidth && maxValueWidth > 3 {
		value = runewidth.Truncate(value, maxValueWidth-3, "...")
		valueWidth = runewidth.StringWidth(value)
	}

	padding := innerWidth - labelWidth - 2 - valueWidth
	if padding < 0 {
		padding = 0
	}

	renderedLabel := label
	renderedValue := value
	if s.colorize {
		renderedLabel = s.label.Sprint(label)
		renderedValue = valueColor.Sprint(value)
	}

	fmt.Fprintf(buf, "│ %s: %s%s │\n", renderedLabel, renderedValue, strings.Repeat(" ", padding))
}
