// Package worker implements the conductor worker process. A worker holds
// one end of a channel to the dispatcher, runs each assigned item through
// an execution backend, streams the backend's events back, and watches for
// shutdown requests while an item is running.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"conductor/internal/logging"
	"conductor/pkg/backend"
	"conductor/pkg/protocol"
)

// inboxSize bounds how many unread messages the reader goroutine holds.
const inboxSize = 16

// Config configures a Worker.
type Config struct {
	Number int
	// Postfork is run once during setup, before the first item.
	Postfork []string
	Dir      string
	Logger   *charmlog.Logger
}

// Worker is the worker-side event loop.
type Worker struct {
	cfg     Config
	ch      *protocol.Channel
	backend backend.Backend
	log     *charmlog.Logger
	queue   *MessageQueue

	mu            sync.Mutex
	in            <-chan protocol.Message
	stopRequested bool
	cancelItem    context.CancelFunc
}

// New creates a Worker talking to the dispatcher over ch.
func New(ch *protocol.Channel, b backend.Backend, cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{
		cfg:     cfg,
		ch:      ch,
		backend: b,
		log:     logger,
		queue:   NewMessageQueue(),
	}
}

// Run processes messages until the dispatcher sends a shutdown or closes
// the channel, or ctx is cancelled. The channel is always closed on return.
// A panic escaping the backend is logged and re-raised after the channel is
// closed, so the process exits non-zero and the dispatcher counts a crash.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker crashed", "panic", r, "stack", string(debug.Stack()))
			_ = w.ch.Close()
			panic(r)
		}
	}()
	defer func() { _ = w.ch.Close() }()

	w.log.Debug("worker starting", "number", w.cfg.Number)
	if err := w.setup(ctx); err != nil {
		return err
	}

	// Read messages in a goroutine so the loop can select on ctx.Done and
	// the reporter can poll without blocking.
	w.in = w.ch.Pump(inboxSize, nil)

	for {
		msg, ok := w.next(ctx)
		if !ok {
			w.log.Debug("channel closed, exiting")
			break
		}
		if done := w.handleMessage(ctx, msg); done {
			break
		}
	}

	w.log.Debug("worker shutting down", "number", w.cfg.Number)
	return w.teardown(ctx)
}

// handleMessage processes one message. It returns true when the loop
// should stop.
func (w *Worker) handleMessage(ctx context.Context, msg protocol.Message) bool {
	switch msg.Type {
	case protocol.MsgAssignment:
		w.log.Debug("running item", "item", msg.File)
		w.runItem(ctx, msg.File)
		w.log.Debug("finished item", "item", msg.File)
		return w.stopping()
	case protocol.MsgShutdown:
		w.log.Debug("shutdown received")
		w.mu.Lock()
		w.stopRequested = true
		w.mu.Unlock()
		return true
	default:
		w.log.Debug("ignoring message", "type", msg.Type)
		return false
	}
}

// next returns the oldest replayed message, or blocks for a new one.
func (w *Worker) next(ctx context.Context) (protocol.Message, bool) {
	if msg, ok := w.queue.Pop(); ok {
		return msg, true
	}
	w.mu.Lock()
	in := w.in
	w.mu.Unlock()
	if in == nil {
		return protocol.Message{}, false
	}
	select {
	case msg, ok := <-in:
		return msg, ok
	case <-ctx.Done():
		return protocol.Message{}, false
	}
}

func (w *Worker) stopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopRequested
}

func (w *Worker) runItem(ctx context.Context, item string) {
	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancelItem = cancel
	w.mu.Unlock()

	err := w.backend.Run(itemCtx, item, &reporter{w: w, item: item})

	w.mu.Lock()
	w.cancelItem = nil
	w.mu.Unlock()

	switch {
	case itemCtx.Err() != nil:
		w.ch.Send(protocol.ItemInterrupted(item))
	case err != nil:
		w.log.Debug("item error", "item", item, "err", err)
		msg := err.Error()
		var ie *backend.ItemError
		if errors.As(err, &ie) {
			msg = ie.Msg
		}
		w.ch.Send(protocol.ItemError(item, msg, backend.Backtrace(err)))
	default:
		w.ch.Send(protocol.ItemComplete(item))
	}
}

// checkForShutdown drains messages that have already arrived without
// blocking. A shutdown, or the dispatcher going away, stops the current
// item; anything else is queued for after it.
func (w *Worker) checkForShutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.in != nil {
		select {
		case msg, ok := <-w.in:
			if !ok {
				w.in = nil
				w.requestStopLocked()
				return
			}
			if msg.Type == protocol.MsgShutdown {
				w.log.Debug("shutdown received mid-item")
				w.requestStopLocked()
				continue
			}
			w.log.Debug("queueing message received mid-item", "type", msg.Type)
			w.queue.Push(msg)
		default:
			return
		}
	}
}

func (w *Worker) requestStopLocked() {
	w.stopRequested = true
	if w.cancelItem != nil {
		w.cancelItem()
	}
}

func (w *Worker) setup(ctx context.Context) error {
	if len(w.cfg.Postfork) > 0 {
		if err := runHook(ctx, w.cfg.Postfork, w.cfg.Dir); err != nil {
			return fmt.Errorf("postfork hook: %w", err)
		}
	}
	if lc, ok := w.backend.(backend.Lifecycle); ok {
		if err := lc.Setup(ctx); err != nil {
			return fmt.Errorf("backend setup: %w", err)
		}
	}
	return nil
}

func (w *Worker) teardown(ctx context.Context) error {
	if lc, ok := w.backend.(backend.Lifecycle); ok {
		// Teardown runs even after cancellation, with a bounded budget.
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := lc.Teardown(tctx); err != nil {
			return fmt.Errorf("backend teardown: %w", err)
		}
	}
	return nil
}

func runHook(ctx context.Context, argv []string, dir string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // user-configured hook
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	return nil
}

// reporter forwards backend events to the dispatcher and uses the
// outcome events as shutdown checkpoints.
type reporter struct {
	w    *Worker
	item string
}

func (r *reporter) Passed(e backend.Example) {
	r.w.ch.Send(r.message(protocol.MsgExecutionPassed, e))
	r.w.checkForShutdown()
}

func (r *reporter) Failed(e backend.Example) {
	r.w.ch.Send(r.message(protocol.MsgExecutionFailed, e))
	r.w.checkForShutdown()
}

func (r *reporter) Pending(e backend.Example) {
	r.w.ch.Send(r.message(protocol.MsgExecutionPending, e))
	r.w.checkForShutdown()
}

func (r *reporter) Retried(e backend.Example) {
	r.w.ch.Send(r.message(protocol.MsgExecutionRetried, e))
}

func (r *reporter) message(t protocol.MessageType, e backend.Example) protocol.Message {
	m := protocol.Message{
		Type:        t,
		File:        r.item,
		Description: e.Description,
		Location:    e.Location,
	}
	switch t {
	case protocol.MsgExecutionPassed:
		m.RunTime = e.RunTime.Seconds()
	case protocol.MsgExecutionFailed:
		m.RunTime = e.RunTime.Seconds()
		m.ExceptionClass, m.Message, m.Backtrace = e.ExceptionClass, e.Message, e.Backtrace
	case protocol.MsgExecutionRetried:
		m.ExceptionClass, m.Message, m.Backtrace = e.ExceptionClass, e.Message, e.Backtrace
	case protocol.MsgExecutionPending:
		m.PendingMessage = e.PendingMessage
	}
	return m
}
