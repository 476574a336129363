package formatter

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"conductor/pkg/dispatcher"
	"conductor/pkg/results"
)

type styles struct {
	pass, fail, pending, location lipgloss.Style
}

// newStyles binds styles to w, so colors are dropped when w is not a
// terminal.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		pass:     r.NewStyle().Foreground(lipgloss.Color("2")),
		fail:     r.NewStyle().Foreground(lipgloss.Color("1")),
		pending:  r.NewStyle().Foreground(lipgloss.Color("3")),
		location: r.NewStyle().Foreground(lipgloss.Color("6")),
	}
}

func (b *base) Summary(info dispatcher.RunInfo, r *results.Results, success bool) {
	fmt.Fprint(b.opts.Out, renderSummary(b.styles, info, r, success))
}

func renderSummary(st styles, info dispatcher.RunInfo, r *results.Results, success bool) string {
	var sb strings.Builder
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Randomized with seed %d\n", info.Seed)
	fmt.Fprintf(&sb, "%s, %s, %s\n",
		st.pass.Render(fmt.Sprintf("%d passed", r.Passed())),
		st.fail.Render(fmt.Sprintf("%d failed", r.Failed())),
		st.pending.Render(fmt.Sprintf("%d pending", r.Pending())))
	if n := r.WorkerCrashes(); n > 0 {
		sb.WriteString(st.fail.Render(fmt.Sprintf("Worker crashes: %d", n)) + "\n")
	}

	if failures := r.Failures(); len(failures) > 0 {
		sb.WriteString("\nFailures:\n\n")
		for i, f := range failures {
			fmt.Fprintf(&sb, "  %d) %s\n", i+1, f.Description)
			if msg := joinNonEmpty(": ", f.ExceptionClass, f.Message); msg != "" {
				for _, line := range strings.Split(msg, "\n") {
					sb.WriteString(st.fail.Render("     "+line) + "\n")
				}
			}
			sb.WriteString(st.location.Render("     "+f.Location) + "\n")
			if len(f.Backtrace) > 0 {
				sb.WriteString("     Backtrace:\n")
				for _, l := range f.Backtrace {
					fmt.Fprintf(&sb, "       %s\n", l)
				}
			}
			sb.WriteString("\n")
		}
	}

	fmt.Fprintf(&sb, "Items took: %s\n", seconds(r.ActiveRuntime()))
	fmt.Fprintf(&sb, "Total runtime: %s\n", seconds(r.TotalRuntime()))
	verdict := st.pass.Render("PASSED")
	if !success {
		verdict = st.fail.Render("FAILED")
	}
	fmt.Fprintf(&sb, "Suite: %s\n", verdict)
	return sb.String()
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
