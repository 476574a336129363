package dispatcher

import (
	"conductor/pkg/protocol"
	"conductor/pkg/results"
	"conductor/pkg/supervisor"
)

// Notifications the dispatcher sends to its Renderer in addition to the
// protocol messages it relays. They never go over a channel.
const (
	MsgWorkerShutDown   protocol.MessageType = "worker_shut_down"
	MsgWorkerTerminated protocol.MessageType = "worker_terminated"
)

// RunInfo describes a run for banners and summaries.
type RunInfo struct {
	RunID   string
	Seed    uint64
	Workers int
	Items   int
}

// WorkerSnapshot is a read-only view of a worker handed to the Renderer.
type WorkerSnapshot struct {
	Number int
	Pid    int
	Status WorkerStatus
	Item   string
}

// Renderer presents a run. All methods are called from the dispatcher loop.
type Renderer interface {
	// Start is called once before any worker is spawned.
	Start(info RunInfo)
	// Message is called for every protocol message received from a worker
	// after Results has been updated, for every assignment sent, and for
	// the worker lifecycle notifications above.
	Message(w WorkerSnapshot, msg protocol.Message, r *results.Results)
	// Output is called for each line a worker writes to stdout or stderr.
	Output(w WorkerSnapshot, stream supervisor.Stream, line string)
	// Shutdown is called when a graceful shutdown starts and again if it
	// escalates to killing the workers.
	Shutdown(forced bool)
	// Summary is called once after every worker has exited.
	Summary(info RunInfo, r *results.Results, success bool)
}

type nopRenderer struct{}

func (nopRenderer) Start(RunInfo)                                            {}
func (nopRenderer) Message(WorkerSnapshot, protocol.Message, *results.Results) {}
func (nopRenderer) Output(WorkerSnapshot, supervisor.Stream, string)         {}
func (nopRenderer) Shutdown(bool)                                            {}
func (nopRenderer) Summary(RunInfo, *results.Results, bool)                  {}
