// Package backend defines how a worker executes one item and reports the
// outcome of every execution inside it, and provides the two backends
// conductor ships: go test packages and arbitrary commands.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Example is one execution inside an item: a test, a spec example, or the
// whole item for backends without finer granularity.
type Example struct {
	Description    string
	Location       string
	RunTime        time.Duration
	ExceptionClass string
	Message        string
	Backtrace      []string
	PendingMessage string
}

// Reporter receives execution events while an item runs. Implementations
// may use Passed, Failed and Pending as points to check for cancellation.
type Reporter interface {
	Passed(e Example)
	Failed(e Example)
	Pending(e Example)
	Retried(e Example)
}

// Backend runs one item. It returns an error only when the item could not be
// run at all; failing executions are reported through r. When ctx is
// cancelled the backend should stop as soon as it can.
type Backend interface {
	Run(ctx context.Context, item string, r Reporter) error
}

// Lifecycle is implemented by backends that need per-worker setup before
// the first item and teardown after the last.
type Lifecycle interface {
	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// ItemError is returned by a backend that could not run an item, with the
// output lines that explain why.
type ItemError struct {
	Item      string
	Msg       string
	Backtrace []string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Item, e.Msg)
}

// Backtrace extracts the backtrace carried by err, if any.
func Backtrace(err error) []string {
	var ie *ItemError
	if errors.As(err, &ie) {
		return ie.Backtrace
	}
	return nil
}

// Names of the shipped backends.
const (
	NameGoTest  = "gotest"
	NameCommand = "command"
)

// killGroup configures cmd so that cancelling its context kills the whole
// process group, including grandchildren such as a compiled test binary.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
}

// tail keeps the last n lines of s.
func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
