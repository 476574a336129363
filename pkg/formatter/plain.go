package formatter

import (
	"fmt"

	"conductor/pkg/dispatcher"
	"conductor/pkg/protocol"
	"conductor/pkg/results"
)

// plain prints one character per execution and every worker output line.
type plain struct {
	base
}

func newPlain(o Options) *plain {
	return &plain{base: newBase(o)}
}

func (p *plain) Message(_ dispatcher.WorkerSnapshot, msg protocol.Message, _ *results.Results) {
	if ch, color, ok := progressChar(msg.Type); ok {
		fmt.Fprint(p.opts.Out, p.colorize(ch, color))
	}
	if msg.Type == protocol.MsgExecutionRetried {
		p.retry(msg)
	}
}
