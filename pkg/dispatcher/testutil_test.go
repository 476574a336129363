package dispatcher_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"conductor/pkg/backend"
	"conductor/pkg/config"
	"conductor/pkg/dispatcher"
	"conductor/pkg/protocol"
	"conductor/pkg/results"
	"conductor/pkg/supervisor"
	"conductor/pkg/worker"
)

// helperEnv marks a re-executed test binary as a worker process.
const helperEnv = "CONDUCTOR_HELPER_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperWorker())
	}
	os.Exit(m.Run())
}

func runHelperWorker() int {
	ch, err := protocol.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	n, _ := strconv.Atoi(os.Getenv(dispatcher.EnvWorkerNumber))
	if err := worker.New(ch, helperBackend{}, worker.Config{Number: n}).Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// helperBackend acts on the part of the item name before the first dash.
//
//	pass     one passing example
//	fail     one failing example
//	pending  one pending example
//	error    the item cannot be run
//	hang     passes every 20ms until cancelled
//	stubborn ignores cancellation for a long time
//	crash    exits the worker process
//	echo     prints a line to stdout and stderr, then passes
//	env      prints the worker environment, then passes
type helperBackend struct{}

func (helperBackend) Run(ctx context.Context, item string, r backend.Reporter) error {
	kind, _, _ := strings.Cut(item, "-")
	switch kind {
	case "pass":
		r.Passed(backend.Example{Description: item + " works", Location: item + ":1"})
	case "fail":
		r.Failed(backend.Example{Description: item + " breaks", Location: item + ":2", ExceptionClass: "Mismatch", Message: "want 1, got 2"})
	case "pending":
		r.Pending(backend.Example{Description: item + " later", PendingMessage: "todo"})
	case "error":
		return &backend.ItemError{Item: item, Msg: "syntax error", Backtrace: []string{item + ":3"}}
	case "hang":
		for {
			r.Passed(backend.Example{Description: item + " tick"})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
		}
	case "stubborn":
		time.Sleep(time.Minute)
	case "crash":
		os.Exit(3)
	case "echo":
		fmt.Println("hello from", item)
		fmt.Fprintln(os.Stderr, "warning from", item)
		r.Passed(backend.Example{Description: item})
	case "env":
		fmt.Printf("worker=%s test_env=%q groups=%s run=%s\n",
			os.Getenv(dispatcher.EnvWorkerNumber), os.Getenv(dispatcher.EnvTestEnvNumber),
			os.Getenv(dispatcher.EnvParallelGroups), os.Getenv(dispatcher.EnvRunID))
		r.Passed(backend.Example{Description: item})
	default:
		return fmt.Errorf("unknown item %q", item)
	}
	return nil
}

func helperCmdFactory(int) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^$") //nolint:gosec // re-exec of the test binary
	cmd.Env = append(os.Environ(), helperEnv+"=1")
	return cmd
}

// spyRenderer records everything the dispatcher reports. hooks run inside
// the dispatcher loop when an item is assigned.
type spyRenderer struct {
	mu        sync.Mutex
	started   *dispatcher.RunInfo
	messages  []spyMessage
	output    []spyLine
	shutdowns []bool
	summary   *spySummary

	onAssign func(w dispatcher.WorkerSnapshot, item string)
	onBanner func(forced bool)
}

type spyMessage struct {
	worker dispatcher.WorkerSnapshot
	msg    protocol.Message
}

type spyLine struct {
	worker dispatcher.WorkerSnapshot
	stream supervisor.Stream
	line   string
}

type spySummary struct {
	info    dispatcher.RunInfo
	success bool
}

func (s *spyRenderer) Start(info dispatcher.RunInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = &info
}

func (s *spyRenderer) Message(w dispatcher.WorkerSnapshot, msg protocol.Message, _ *results.Results) {
	s.mu.Lock()
	s.messages = append(s.messages, spyMessage{w, msg})
	hook := s.onAssign
	s.mu.Unlock()
	if msg.Type == protocol.MsgAssignment && hook != nil {
		hook(w, msg.File)
	}
}

func (s *spyRenderer) Output(w dispatcher.WorkerSnapshot, stream supervisor.Stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, spyLine{w, stream, line})
}

func (s *spyRenderer) Shutdown(forced bool) {
	s.mu.Lock()
	s.shutdowns = append(s.shutdowns, forced)
	hook := s.onBanner
	s.mu.Unlock()
	if hook != nil {
		hook(forced)
	}
}

func (s *spyRenderer) Summary(info dispatcher.RunInfo, _ *results.Results, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = &spySummary{info, success}
}

// assigned lists assigned items in order.
func (s *spyRenderer) assigned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []string
	for _, m := range s.messages {
		if m.msg.Type == protocol.MsgAssignment {
			items = append(items, m.msg.File)
		}
	}
	return items
}

func (s *spyRenderer) count(t protocol.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.msg.Type == t {
			n++
		}
	}
	return n
}

// newConfig returns a valid configuration for n workers with a fixed seed.
func newConfig(t *testing.T, n int) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Workers = n
	cfg.Root = t.TempDir()
	seed := uint64(7)
	cfg.Seed = &seed
	return &cfg
}

// run executes a suite with the helper workers and fails the test if it
// does not finish in time.
func run(t *testing.T, d *dispatcher.Dispatcher) int {
	t.Helper()
	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := d.Run(context.Background())
		done <- result{code, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run: %v", r.err)
		}
		return r.code
	case <-time.After(30 * time.Second):
		t.Fatal("dispatcher did not finish")
		return -1
	}
}

func killPid(t *testing.T, pid int) {
	t.Helper()
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Errorf("kill %d: %v", pid, err)
	}
}
