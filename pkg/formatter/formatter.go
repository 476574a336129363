// Package formatter renders a conductor run to the terminal. Three
// renderers are provided: plain prints progress characters and worker
// output as it arrives, ci prints a periodic status block, and fancy keeps
// a live view of every worker redrawn in place.
package formatter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"conductor/pkg/ansi"
	"conductor/pkg/config"
	"conductor/pkg/dispatcher"
	"conductor/pkg/protocol"
	"conductor/pkg/supervisor"
)

// Minimum terminal size for the fancy renderer to be picked automatically.
const (
	FancyMinWidth  = 80
	FancyMinHeight = 30
)

// Options configures a renderer.
type Options struct {
	Out io.Writer
	Err io.Writer
	// TTY enables colors and, for fancy, in-place redraws.
	TTY    bool
	Width  int
	Height int

	Workers int
	Offset  int
	Root    string

	DisplayRetryBacktraces bool

	// Interval between ci status blocks.
	Interval time.Duration
	Now      func() time.Time
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Out == nil {
		out.Out = os.Stdout
	}
	if out.Err == nil {
		out.Err = os.Stderr
	}
	if out.Width <= 0 {
		out.Width = 80
	}
	if out.Height <= 0 {
		out.Height = 25
	}
	if out.Interval <= 0 {
		out.Interval = 10 * time.Second
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// New returns the renderer called name.
func New(name string, opts Options) (dispatcher.Renderer, error) {
	o := opts.withDefaults()
	switch name {
	case config.FormatterPlain:
		return newPlain(o), nil
	case config.FormatterCI:
		return newCI(o), nil
	case config.FormatterFancy:
		return newFancy(o), nil
	default:
		return nil, fmt.Errorf("unknown formatter %q", name)
	}
}

// Resolve turns a configured formatter name into a concrete one: an empty
// name picks fancy on a large enough terminal unless verbose output is
// wanted, plain otherwise.
func Resolve(name string, verbose bool, out *os.File) string {
	if name != config.FormatterAuto {
		return name
	}
	if !verbose && FancyRecommended(out) {
		return config.FormatterFancy
	}
	return config.FormatterPlain
}

// FancyRecommended reports whether out is a terminal large enough for the
// fancy renderer.
func FancyRecommended(out *os.File) bool {
	if !ansi.IsTTY(out) {
		return false
	}
	w, h := ansi.TTYSize(out)
	return w >= FancyMinWidth && h >= FancyMinHeight
}

// base holds what every renderer prints the same way.
type base struct {
	opts   Options
	styles styles
}

func newBase(o Options) base {
	return base{opts: o, styles: newStyles(o.Out)}
}

func (b *base) colorize(s string, colors ...ansi.Color) string {
	if !b.opts.TTY {
		return s
	}
	return ansi.Colorize(s, colors...)
}

func (b *base) Start(info dispatcher.RunInfo) {
	fmt.Fprintf(b.opts.Out, "conductor starting with %d workers (seed: %d)\n", info.Workers, info.Seed)
	fmt.Fprintf(b.opts.Out, "Running %d items\n\n", info.Items)
}

func (b *base) Output(w dispatcher.WorkerSnapshot, stream supervisor.Stream, line string) {
	out := b.opts.Out
	if stream == supervisor.Stderr {
		out = b.opts.Err
	}
	fmt.Fprintf(out, "[worker %d] %s\n", w.Number, line)
}

func (b *base) Shutdown(forced bool) {
	if forced {
		fmt.Fprintln(b.opts.Out, b.colorize("Killing workers...", ansi.Red))
		return
	}
	fmt.Fprintln(b.opts.Out, "Shutting down... (press ctrl-c again to force quit)")
}

func (b *base) retry(msg protocol.Message) {
	if !b.opts.DisplayRetryBacktraces {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "\nRetried: %s\n", msg.Description)
	fmt.Fprintf(&sb, "  %s\n", msg.Location)
	fmt.Fprintf(&sb, "  %s\n", joinNonEmpty(": ", msg.ExceptionClass, msg.Message))
	if len(msg.Backtrace) > 0 {
		sb.WriteString("  Backtrace:\n")
		for _, l := range msg.Backtrace {
			fmt.Fprintf(&sb, "    %s\n", l)
		}
	}
	fmt.Fprint(b.opts.Out, sb.String())
}

// progressChar is the character printed for an execution event, if any.
func progressChar(t protocol.MessageType) (string, ansi.Color, bool) {
	switch t {
	case protocol.MsgExecutionPassed:
		return ".", ansi.Green, true
	case protocol.MsgExecutionFailed:
		return "F", ansi.Red, true
	case protocol.MsgExecutionPending:
		return "*", ansi.Yellow, true
	case protocol.MsgExecutionRetried:
		return "R", ansi.Magenta, true
	default:
		return "", "", false
	}
}

// relative shortens absolute item paths to the run root.
func (b *base) relative(item string) string {
	if !filepath.IsAbs(item) || b.opts.Root == "" {
		return item
	}
	root, err := filepath.Abs(b.opts.Root)
	if err != nil {
		return item
	}
	if rel, err := filepath.Rel(root, item); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return item
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
