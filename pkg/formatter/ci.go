package formatter

import (
	"fmt"
	"math"
	"strings"
	"time"

	"conductor/pkg/dispatcher"
	"conductor/pkg/protocol"
	"conductor/pkg/results"
)

// ci prints a status block at a fixed interval, for logs that are read
// after the fact.
type ci struct {
	base
	lastPrintout time.Time
}

func newCI(o Options) *ci {
	return &ci{base: newBase(o), lastPrintout: o.Now()}
}

func (c *ci) Message(_ dispatcher.WorkerSnapshot, msg protocol.Message, r *results.Results) {
	if msg.Type == protocol.MsgExecutionRetried {
		c.retry(msg)
	}
	if c.opts.Now().Sub(c.lastPrintout) > c.opts.Interval {
		c.printStatus(r)
	}
}

func (c *ci) printStatus(r *results.Results) {
	now := c.opts.Now()
	c.lastPrintout = now
	rule := strings.Repeat("-", c.opts.Width)

	var sb strings.Builder
	sb.WriteString(rule + "\n")
	fmt.Fprintf(&sb, "Current status [%s]:\n", now.Format(time.TimeOnly))
	fmt.Fprintf(&sb, "Processed: %d / %d (%d%%)\n", r.ItemsProcessed(), r.ItemsTotal(), int(math.Floor(r.Progress()*100)))
	fmt.Fprintf(&sb, "%d passed, %d failed, %d pending\n", r.Passed(), r.Failed(), r.Pending())
	if failures := r.Failures(); len(failures) > 0 {
		sb.WriteString("Failures:\n")
		for i, f := range failures {
			fmt.Fprintf(&sb, "  %d) %s\n", i+1, f.Description)
			fmt.Fprintf(&sb, "     %s\n", f.Location)
			if f.Message != "" {
				fmt.Fprintf(&sb, "     %s\n", f.Message)
			}
			if len(f.Backtrace) > 0 {
				sb.WriteString("     Backtrace:\n")
				for _, l := range f.Backtrace {
					fmt.Fprintf(&sb, "       %s\n", l)
				}
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString(rule + "\n")
	fmt.Fprint(c.opts.Out, sb.String())
}
