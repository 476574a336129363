package formatter

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/bubbles/progress"

	"conductor/pkg/ansi"
	"conductor/pkg/dispatcher"
	"conductor/pkg/protocol"
	"conductor/pkg/results"
	"conductor/pkg/screen"
	"conductor/pkg/supervisor"
)

// backtraceLimit caps the backtrace shown for the most recent failure.
const backtraceLimit = 10

// fancy redraws a fixed block in place: a progress bar, one line per
// worker, the progress characters so far and the most recent failure.
type fancy struct {
	base

	term        *screen.Terminal
	bar         progress.Model
	barLine     *screen.Line
	statusLine  *screen.Line
	workerLines map[int]*screen.Line
	dotsLine    *screen.Line
	failureLine *screen.Line

	dots        strings.Builder
	lastFailure *protocol.Message
}

func newFancy(o Options) *fancy {
	barWidth := max(o.Width-20, 20)
	return &fancy{
		base: newBase(o),
		bar: progress.New(
			progress.WithWidth(barWidth),
			progress.WithoutPercentage(),
			progress.WithSolidFill("2"),
			progress.WithFillCharacters('▓', ' '),
		),
		workerLines: make(map[int]*screen.Line),
	}
}

// Start prints the banner, then lays out the live block below it.
func (f *fancy) Start(info dispatcher.RunInfo) {
	f.base.Start(info)

	f.term = screen.NewTerminal(screen.NewBuffer(f.opts.Out, f.opts.TTY), f.opts.Width, f.opts.Height)
	f.barLine = f.term.Line(f.progressBar(0, 0, info.Items))
	f.statusLine = f.term.Puts("")
	workers := f.term.Box()
	for i := range f.opts.Workers {
		n := f.opts.Offset + i + 1
		f.workerLines[n] = workers.Line(f.workerStatus(dispatcher.WorkerSnapshot{Number: n}))
	}
	f.term.Puts("")
	f.dotsLine = f.term.Puts("")
	f.term.Puts("")
	f.failureLine = f.term.Puts("")
}

func (f *fancy) Message(w dispatcher.WorkerSnapshot, msg protocol.Message, r *results.Results) {
	if f.term == nil {
		return
	}
	if ch, color, ok := progressChar(msg.Type); ok {
		f.dots.WriteString(f.colorize(ch, color))
		f.dotsLine.Update(f.dots.String())
	}
	if msg.Type == protocol.MsgExecutionFailed {
		m := msg
		f.lastFailure = &m
	}

	if line, ok := f.workerLines[w.Number]; ok {
		line.Update(f.workerStatus(w))
	}
	f.barLine.Update(f.progressBar(r.Progress(), r.ItemsProcessed(), r.ItemsTotal()))
	if f.lastFailure != nil {
		f.failureLine.Update(f.failureBlock(*f.lastFailure))
	}
	f.term.ScrollToBottom()
}

// Output is dropped: worker output would scroll the block away, and
// workers are silenced whenever this renderer is picked automatically.
func (f *fancy) Output(dispatcher.WorkerSnapshot, supervisor.Stream, string) {}

func (f *fancy) Shutdown(forced bool) {
	if f.term == nil {
		f.base.Shutdown(forced)
		return
	}
	if forced {
		f.statusLine.Update(f.colorize("Killing workers...", ansi.Red))
	} else {
		f.statusLine.Update(f.colorize("Shutting down... (press ctrl-c again to force quit)", ansi.Yellow))
	}
	f.term.ScrollToBottom()
}

func (f *fancy) Summary(info dispatcher.RunInfo, r *results.Results, success bool) {
	if f.term != nil {
		f.term.ScrollToBottom()
	}
	f.base.Summary(info, r, success)
}

func (f *fancy) progressBar(pct float64, processed, total int) string {
	label := fmt.Sprintf(" %3d%% (%d/%d)", int(math.Floor(pct*100)), processed, total)
	return "[" + f.bar.ViewAs(pct) + "]" + label
}

func (f *fancy) workerStatus(w dispatcher.WorkerSnapshot) string {
	status := f.colorize(fmt.Sprintf("Worker %d: ", w.Number), ansi.Cyan)
	switch {
	case w.Status == dispatcher.WorkerShuttingDown || w.Status == dispatcher.WorkerShutDown:
		return status + "(finished)"
	case w.Status == dispatcher.WorkerTerminated:
		return status + f.colorize("(terminated)", ansi.Red)
	case w.Item != "":
		return status + f.relative(w.Item)
	default:
		return status + "(idle)"
	}
}

func (f *fancy) failureBlock(m protocol.Message) string {
	parts := []string{
		f.colorize("Most recent failure:", ansi.Red),
		"  " + m.Description,
		"  " + m.Location,
	}
	if s := joinNonEmpty(": ", m.ExceptionClass, ansi.VisibleChars(m.Message)); s != "" {
		parts = append(parts, "  "+s)
	}
	if len(m.Backtrace) > 0 {
		parts = append(parts, "  Backtrace:")
		for _, l := range m.Backtrace[:min(len(m.Backtrace), backtraceLimit)] {
			parts = append(parts, "    "+l)
		}
	}
	return strings.Join(parts, "\n")
}
