package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// outputTail is how many trailing output lines a failed command reports.
const outputTail = 20

// Command runs an item by appending it to a fixed command line. Each item
// is a single execution: exit status zero passes, anything else fails.
type Command struct {
	Argv   []string
	Dir    string
	Env    []string
	Logger *charmlog.Logger
}

// Setup checks that the command can be found.
func (c *Command) Setup(context.Context) error {
	if len(c.Argv) == 0 {
		return errors.New("command backend: no command configured")
	}
	if _, err := exec.LookPath(c.Argv[0]); err != nil {
		return fmt.Errorf("command backend: %w", err)
	}
	return nil
}

// Teardown is a no-op.
func (c *Command) Teardown(context.Context) error { return nil }

// Run executes the command for item.
func (c *Command) Run(ctx context.Context, item string, r Reporter) error {
	if len(c.Argv) == 0 {
		return &ItemError{Item: item, Msg: "no command configured"}
	}
	args := append(append([]string(nil), c.Argv[1:]...), item)
	cmd := exec.CommandContext(ctx, c.Argv[0], args...) //nolint:gosec // user-configured command
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	killGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: %w", item, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%s: %w", item, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &ItemError{Item: item, Msg: err.Error()}
	}
	if c.Logger != nil {
		c.Logger.Debug("command started", "item", item, "pid", cmd.Process.Pid)
	}

	var (
		mu    sync.Mutex
		lines []string
	)
	collect := func(rd io.Reader) error {
		sc := bufio.NewScanner(rd)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			mu.Lock()
			lines = tail(append(lines, sc.Text()), outputTail)
			mu.Unlock()
		}
		return sc.Err()
	}
	var eg errgroup.Group
	eg.Go(func() error { return collect(stdout) })
	eg.Go(func() error { return collect(stderr) })
	readErr := eg.Wait()
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", item, ctx.Err())
	}

	ex := Example{Description: item, Location: item, RunTime: elapsed}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		r.Passed(ex)
	case errors.As(waitErr, &exitErr):
		ex.ExceptionClass = exitErr.String()
		ex.Message = firstOr(reverse(lines), exitErr.String())
		ex.Backtrace = lines
		r.Failed(ex)
	default:
		return &ItemError{Item: item, Msg: waitErr.Error(), Backtrace: lines}
	}
	if readErr != nil && c.Logger != nil {
		c.Logger.Warn("reading command output", "item", item, "err", readErr)
	}
	return nil
}

func reverse(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[len(lines)-1-i] = l
	}
	return out
}
