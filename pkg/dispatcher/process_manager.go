package dispatcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"conductor/pkg/protocol"
	"conductor/pkg/supervisor"
)

// Environment variables set for every worker process.
const (
	EnvWorkerNumber   = "CONDUCTOR_WORKER_NUMBER"
	EnvRunID          = "CONDUCTOR_RUN_ID"
	EnvTestEnvNumber  = "TEST_ENV_NUMBER"
	EnvParallelGroups = "PARALLEL_TEST_GROUPS"
)

// CmdFactory builds the command for worker number n. The dispatcher adds
// the channel descriptor, the worker environment and output pipes.
type CmdFactory func(n int) *exec.Cmd

// SelfCmdFactory re-executes the running binary with args, typically the
// hidden worker subcommand and its flags.
func SelfCmdFactory(args ...string) CmdFactory {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return func(int) *exec.Cmd {
		//nolint:gosec // intentionally spawning worker subprocess
		return exec.CommandContext(context.Background(), self, args...)
	}
}

// workerEnv is the environment that identifies worker n to its backend.
func (d *Dispatcher) workerEnv(n int) []string {
	testEnv := strconv.Itoa(n)
	if n == 1 && !d.cfg.FirstIs1 {
		testEnv = ""
	}
	return []string{
		EnvWorkerNumber + "=" + strconv.Itoa(n),
		EnvTestEnvNumber + "=" + testEnv,
		EnvParallelGroups + "=" + strconv.Itoa(d.cfg.Workers),
		EnvRunID + "=" + d.runID,
		protocol.ChannelFDEnv + "=" + strconv.Itoa(protocol.ChildFD),
	}
}

// spawn starts worker n with a fresh channel as descriptor 3 and its
// output streamed to the renderer.
func (d *Dispatcher) spawn(n int) (*WorkerHandle, error) {
	parent, child, err := protocol.SocketPair()
	if err != nil {
		return nil, fmt.Errorf("spawn worker %d: %w", n, err)
	}

	cmd := d.cmdFactory(n)
	if cmd.Dir == "" {
		cmd.Dir = d.cfg.Root
	}
	cmd.Env = append(cmd.Environ(), d.workerEnv(n)...)
	cmd.ExtraFiles = []*os.File{child}

	w := &WorkerHandle{Number: n, Status: WorkerRunning}
	proc, err := d.sup.Spawn(cmd, func(stream supervisor.Stream, line string) {
		d.renderer.Output(w.snapshot(), stream, line)
	})
	// The child has its own copy now.
	_ = child.Close()
	if err != nil {
		_ = parent.Close()
		return nil, fmt.Errorf("spawn worker %d: %w", n, err)
	}
	w.proc = proc

	ch, err := protocol.FileChannel(parent)
	if err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("spawn worker %d: %w", n, err)
	}
	w.ch = ch
	w.inbox = ch.Pump(inboxSize, d.wake)

	d.log.Debug("worker started", "worker", n, "pid", proc.Pid())
	return w, nil
}

// runPrefork runs the prefork hook before any worker exists. An interrupt
// while it runs stops it and aborts the run.
func (d *Dispatcher) runPrefork(ctx context.Context) error {
	argv, err := d.cfg.PreforkArgs()
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		d.log.Debug("prefork hook not set, skipping")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // user-configured hook
	cmd.Dir = d.cfg.Root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	d.log.Debug("running prefork hook", "argv", argv)
	done := make(chan error, 1)
	go func() { done <- cmd.Run() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("prefork hook: %w", err)
		}
		return nil
	case <-d.interrupts:
		cancel()
		<-done
		return errInterrupted
	}
}
