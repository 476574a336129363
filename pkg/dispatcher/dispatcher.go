// Package dispatcher implements the conductor event loop. The Dispatcher
// owns the work queue, a fixed pool of worker processes and the run's
// Results. It hands items out one at a time, relays worker events to a
// Renderer, streams worker output, detects crashed workers, and drives the
// graceful-then-forced shutdown sequence.
//
// The loop runs on the goroutine that calls Run. Only Interrupt may be
// called from other goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	charmlog "github.com/charmbracelet/log"

	"conductor/internal/logging"
	"conductor/pkg/config"
	"conductor/pkg/protocol"
	"conductor/pkg/results"
	"conductor/pkg/supervisor"
)

// --- Worker tracking ---

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

// Worker statuses. ShutDown and Terminated are final.
const (
	WorkerRunning      WorkerStatus = "running"
	WorkerShuttingDown WorkerStatus = "shutting_down"
	WorkerShutDown     WorkerStatus = "shut_down"
	WorkerTerminated   WorkerStatus = "terminated"
)

// WorkerHandle is the dispatcher's record of one worker process.
type WorkerHandle struct {
	Number int
	Status WorkerStatus
	Item   string

	proc   *supervisor.Process
	ch     *protocol.Channel
	inbox  <-chan protocol.Message
	killed bool
}

func (w *WorkerHandle) snapshot() WorkerSnapshot {
	s := WorkerSnapshot{Number: w.Number, Status: w.Status, Item: w.Item}
	if w.proc != nil {
		s.Pid = w.proc.Pid()
	}
	return s
}

func (w *WorkerHandle) alive() bool {
	return w.proc != nil && !w.proc.Exited()
}

// --- Shutdown state ---

// ShutdownState tracks how far a shutdown has progressed.
type ShutdownState int

// Shutdown states, in the only order they are entered.
const (
	ShutdownNone ShutdownState = iota
	ShutdownGracefulInitiated
	ShutdownMessagesSent
	ShutdownForced
)

func (s ShutdownState) String() string {
	switch s {
	case ShutdownNone:
		return "none"
	case ShutdownGracefulInitiated:
		return "graceful_initiated"
	case ShutdownMessagesSent:
		return "shutdown_messages_sent"
	case ShutdownForced:
		return "forced"
	default:
		return fmt.Sprintf("ShutdownState(%d)", int(s))
	}
}

// inboxSize bounds unread messages buffered per worker.
const inboxSize = 64

var errInterrupted = errors.New("interrupted before any worker started")

// --- Dispatcher ---

// Dispatcher runs one suite.
type Dispatcher struct {
	cfg        *config.Config
	seed       uint64
	runID      string
	queue      *workQueue
	results    *results.Results
	renderer   Renderer
	log        *charmlog.Logger
	cmdFactory CmdFactory
	sup        *supervisor.Supervisor

	workers  []*WorkerHandle
	shutdown ShutdownState

	wake       chan struct{}
	interrupts chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRenderer sets the Renderer. The default discards everything.
func WithRenderer(r Renderer) Option {
	return func(d *Dispatcher) { d.renderer = r }
}

// WithLogger sets the debug logger.
func WithLogger(l *charmlog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithCmdFactory sets how worker processes are started. The default
// re-executes the running binary as `worker`.
func WithCmdFactory(f CmdFactory) Option {
	return func(d *Dispatcher) { d.cmdFactory = f }
}

// WithRunID sets the run identifier exported to workers.
func WithRunID(id string) Option {
	return func(d *Dispatcher) { d.runID = id }
}

// WithResultsOptions passes options to the Results constructor.
func WithResultsOptions(opts ...results.Option) Option {
	return func(d *Dispatcher) { d.results = results.New(d.queue.len(), opts...) }
}

// New creates a Dispatcher for items. cfg must be valid; a missing seed is
// resolved here.
func New(cfg *config.Config, items []string, opts ...Option) *Dispatcher {
	seed := cfg.ResolveSeed()
	q := newWorkQueue(items, seed)
	d := &Dispatcher{
		cfg:        cfg,
		seed:       seed,
		queue:      q,
		results:    results.New(q.len()),
		renderer:   nopRenderer{},
		log:        logging.Discard(),
		cmdFactory: SelfCmdFactory("worker"),
		sup:        supervisor.New(),
		wake:       make(chan struct{}, 1),
		interrupts: make(chan struct{}, 8),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Results returns the run's accumulator.
func (d *Dispatcher) Results() *results.Results { return d.results }

// Info describes the run.
func (d *Dispatcher) Info() RunInfo {
	return RunInfo{RunID: d.runID, Seed: d.seed, Workers: d.cfg.Workers, Items: d.results.ItemsTotal()}
}

// Workers returns snapshots of every spawned worker.
func (d *Dispatcher) Workers() []WorkerSnapshot {
	out := make([]WorkerSnapshot, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w.snapshot())
	}
	return out
}

// ShutdownState returns the current shutdown state.
func (d *Dispatcher) ShutdownState() ShutdownState { return d.shutdown }

// Interrupt requests a shutdown as a user interrupt would: the first call
// starts a graceful shutdown, a later one kills workers that are still
// alive. It is safe to call from any goroutine, including a signal handler
// loop.
func (d *Dispatcher) Interrupt() {
	select {
	case d.interrupts <- struct{}{}:
	default:
	}
	d.notify()
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Success reports whether the run passed: everything ran, nothing failed,
// nothing crashed, and no shutdown was requested.
func (d *Dispatcher) Success() bool {
	return d.results.Success() && d.shutdown == ShutdownNone
}

// Run executes the suite and returns the process exit status: 0 on
// success, 1 otherwise. The error is non-nil only when the run could not
// be carried out.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	info := d.Info()
	d.renderer.Start(info)
	d.log.Debug("starting run", "seed", d.seed, "workers", d.cfg.Workers, "items", info.Items, "run_id", d.runID)

	if err := d.runPrefork(ctx); err != nil {
		if errors.Is(err, errInterrupted) {
			return 1, nil
		}
		return 1, err
	}

	if err := d.startWorkers(); err != nil {
		d.abort()
		return 1, err
	}

	ctxDone := ctx.Done()
	for d.anyRunning() {
		if ctxDone != nil {
			select {
			case <-ctxDone:
				ctxDone = nil
				d.Interrupt()
			default:
			}
		}
		if d.handleInterrupts() {
			d.abort()
			return 1, nil
		}
		if d.shutdown == ShutdownGracefulInitiated {
			d.sendShutdowns()
		}
		d.pollMessages()
		d.sup.TickAll(0)
		d.reap()
	}

	if aborted := d.waitForWorkers(); aborted {
		d.abort()
		return 1, nil
	}

	d.results.SuiteComplete()
	success := d.Success()
	d.renderer.Summary(info, d.results, success)
	if success {
		return 0, nil
	}
	return 1, nil
}

func (d *Dispatcher) startWorkers() error {
	for i := range d.cfg.Workers {
		w, err := d.spawn(d.cfg.Offset + i + 1)
		if err != nil {
			return err
		}
		d.workers = append(d.workers, w)
	}
	for _, w := range d.workers {
		d.assignWork(w)
	}
	return nil
}

// handleInterrupts applies pending interrupts. It returns true when the
// run must end at once because no worker is alive to shut down.
func (d *Dispatcher) handleInterrupts() bool {
	for {
		select {
		case <-d.interrupts:
			if !d.anyAlive() {
				d.log.Debug("interrupted with no live workers, exiting")
				return true
			}
			d.initiateShutdown()
		default:
			return false
		}
	}
}

// initiateShutdown starts a graceful shutdown, or escalates one already in
// progress by killing every worker that is still alive.
func (d *Dispatcher) initiateShutdown() {
	switch d.shutdown {
	case ShutdownNone:
		d.log.Debug("graceful shutdown initiated")
		d.shutdown = ShutdownGracefulInitiated
	case ShutdownForced:
	default:
		if !d.anyAlive() {
			return
		}
		d.log.Debug("forcing shutdown")
		d.shutdown = ShutdownForced
		d.renderer.Shutdown(true)
		for _, w := range d.workers {
			if w.alive() && !w.killed {
				w.killed = true
				if err := w.proc.Kill(); err != nil {
					d.log.Warn("kill worker", "worker", w.Number, "err", err)
				}
			}
		}
	}
}

func (d *Dispatcher) sendShutdowns() {
	d.shutdown = ShutdownMessagesSent
	d.renderer.Shutdown(false)
	for _, w := range d.workers {
		if w.Status == WorkerRunning {
			w.ch.Send(protocol.Shutdown())
			d.markShuttingDown(w)
		}
	}
}

// pollMessages takes at most one message from each running worker. When
// none is ready it waits up to the poll interval and tries once more.
func (d *Dispatcher) pollMessages() {
	if d.receiveOne() {
		return
	}
	t := time.NewTimer(d.cfg.PollInterval)
	select {
	case <-d.wake:
	case <-t.C:
	}
	t.Stop()
	d.receiveOne()
}

func (d *Dispatcher) receiveOne() bool {
	got := false
	for _, w := range d.workers {
		if w.Status != WorkerRunning || w.inbox == nil {
			continue
		}
		select {
		case msg, ok := <-w.inbox:
			if !ok {
				// End of stream is not death; reap decides that.
				w.inbox = nil
				continue
			}
			got = true
			d.handleMessage(w, msg)
		default:
		}
	}
	return got
}

func (d *Dispatcher) handleMessage(w *WorkerHandle, msg protocol.Message) {
	d.log.Debug("worker message", "worker", w.Number, "type", msg.Type, "item", msg.File)

	switch msg.Type {
	case protocol.MsgExecutionPassed:
		d.results.ExecutionPassed()
	case protocol.MsgExecutionFailed:
		d.results.ExecutionFailed(results.FailureFromMessage(msg))
		if d.cfg.FailFastAfter > 0 && d.results.Failed() >= d.cfg.FailFastAfter && d.shutdown == ShutdownNone {
			d.log.Debug("fail-fast threshold reached", "failures", d.results.Failed())
			d.initiateShutdown()
		}
	case protocol.MsgExecutionPending:
		d.results.ExecutionPending()
	case protocol.MsgItemComplete:
		d.results.ItemComplete()
		w.Item = ""
	case protocol.MsgItemError:
		d.results.ItemError(results.FailureFromMessage(msg))
		w.Item = ""
	case protocol.MsgItemInterrupted:
		w.Item = ""
	}
	d.renderer.Message(w.snapshot(), msg, d.results)

	if msg.Type == protocol.MsgItemComplete || msg.Type == protocol.MsgItemError {
		d.assignWork(w)
	}
}

// assignWork gives w the next item, or tells it to stop when there is
// none or a shutdown is in progress.
func (d *Dispatcher) assignWork(w *WorkerHandle) {
	item, ok := d.queue.pop()
	if !ok || d.shutdown != ShutdownNone {
		d.log.Debug("no more work, sending shutdown", "worker", w.Number)
		w.ch.Send(protocol.Shutdown())
		d.markShuttingDown(w)
		return
	}

	d.results.ItemAssigned()
	w.Item = item
	msg := protocol.Assignment(item)
	if !w.ch.Send(msg) {
		d.log.Debug("assignment not delivered", "worker", w.Number, "item", item)
	}
	d.renderer.Message(w.snapshot(), msg, d.results)
}

// markShuttingDown stops treating w as running. Its channel is closed; the
// process is expected to exit on its own.
func (d *Dispatcher) markShuttingDown(w *WorkerHandle) {
	w.Status = WorkerShuttingDown
	_ = w.ch.Close()
	d.renderer.Message(w.snapshot(), protocol.Message{Type: MsgWorkerShutDown}, d.results)
}

// reap detects running workers whose process has exited. Such a worker
// crashed; any item it held is lost.
func (d *Dispatcher) reap() {
	for _, w := range d.workers {
		if w.Status != WorkerRunning || !w.proc.Exited() {
			continue
		}
		d.log.Debug("worker exited unexpectedly", "worker", w.Number, "code", w.proc.ExitCode(), "err", w.proc.Err(), "item", w.Item)
		w.Status = WorkerTerminated
		_ = w.ch.Close()
		d.results.WorkerCrashed()
		d.renderer.Message(w.snapshot(), protocol.Message{Type: MsgWorkerTerminated, File: w.Item}, d.results)
	}
}

// waitForWorkers keeps streaming output until every worker has exited and
// its pipes are drained, then finalizes them. It still honors interrupts
// and returns true if the run must be abandoned.
func (d *Dispatcher) waitForWorkers() bool {
	for {
		if d.handleInterrupts() {
			return true
		}
		open := d.sup.TickAll(d.cfg.PollInterval)
		d.settleExited()
		if !open && !d.anyAlive() {
			break
		}
		if !open {
			time.Sleep(d.cfg.PollInterval)
		}
	}
	for _, w := range d.workers {
		w.proc.Finalize()
	}
	return false
}

// settleExited records the final status of workers that were shutting
// down and have now exited.
func (d *Dispatcher) settleExited() {
	for _, w := range d.workers {
		if w.Status != WorkerShuttingDown || !w.proc.Exited() {
			continue
		}
		w.Status = WorkerShutDown
		if code := w.proc.ExitCode(); code != 0 {
			d.log.Warn("worker exited with non-zero status after shutdown", "worker", w.Number, "code", code, "err", w.proc.Err())
		} else {
			d.log.Debug("worker shut down", "worker", w.Number)
		}
	}
}

// abort kills every child and waits for them.
func (d *Dispatcher) abort() {
	for _, p := range d.sup.Processes() {
		_ = p.Kill()
	}
	for _, w := range d.workers {
		if w.ch != nil {
			_ = w.ch.Close()
		}
	}
	for _, p := range d.sup.Processes() {
		p.Finalize()
	}
}

func (d *Dispatcher) anyRunning() bool {
	for _, w := range d.workers {
		if w.Status == WorkerRunning {
			return true
		}
	}
	return false
}

func (d *Dispatcher) anyAlive() bool {
	for _, w := range d.workers {
		if w.alive() {
			return true
		}
	}
	return false
}
