// Package supervisor spawns child processes with piped output and services
// the output of many children from a single polling loop.
//
// Each child's stdout and stderr are read by a pump goroutine into a chunk
// channel; TickAll drains whatever has arrived, splits it into lines, and
// hands complete lines to the child's LineHandler. Process exit is observed
// by a separate reaper goroutine and is independent of the pipes reaching
// EOF: a child can exit while a grandchild still holds its stdout open.
package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ChunkSize is the largest single read from a child pipe.
const ChunkSize = 4096

// Stream identifies which output pipe a line came from.
type Stream int

// Output streams.
const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineHandler receives each complete output line, without its newline.
type LineHandler func(stream Stream, line string)

// Supervisor tracks spawned processes. Its methods are meant to be called
// from one goroutine.
type Supervisor struct {
	wake  chan struct{}
	procs []*Process
}

// New returns an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{wake: make(chan struct{}, 1)}
}

// Process is a supervised child.
type Process struct {
	cmd     *exec.Cmd
	onLine  LineHandler
	pipes   [2]*pipe
	exited  chan struct{}
	done    chan struct{}
	waitErr error
	code    int

	finalized bool
}

type pipe struct {
	chunks  chan []byte
	open    bool
	partial []byte
}

// Spawn starts cmd with its stdout and stderr connected to fresh pipes. The
// child runs in its own process group, so a terminal interrupt reaches only
// the parent. onLine may be nil.
func (s *Supervisor) Spawn(cmd *exec.Cmd, onLine LineHandler) (*Process, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Stdout = outW
	cmd.Stderr = errW
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	// The child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()

	if onLine == nil {
		onLine = func(Stream, string) {}
	}
	p := &Process{
		cmd:    cmd,
		onLine: onLine,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i, r := range []*os.File{outR, errR} {
		p.pipes[i] = &pipe{chunks: make(chan []byte, 16), open: true}
		go p.pump(r, p.pipes[i], s.wake)
	}
	go func() {
		p.waitErr = cmd.Wait()
		p.code = cmd.ProcessState.ExitCode()
		close(p.exited)
	}()

	s.procs = append(s.procs, p)
	return p, nil
}

func (p *Process) pump(r *os.File, pp *pipe, wake chan<- struct{}) {
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	defer notify()
	defer close(pp.chunks)
	defer func() { _ = r.Close() }()

	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case pp.chunks <- chunk:
				notify()
			case <-p.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Processes returns every process spawned so far, including finalized ones.
func (s *Supervisor) Processes() []*Process {
	return append([]*Process(nil), s.procs...)
}

// TickAll delivers buffered output from every process. When nothing is
// buffered it waits up to timeout for output to arrive. It reports whether
// any pipe is still open.
func (s *Supervisor) TickAll(timeout time.Duration) bool {
	if s.drain() || !s.anyOpen() {
		return s.anyOpen()
	}
	if timeout > 0 {
		t := time.NewTimer(timeout)
		select {
		case <-s.wake:
		case <-t.C:
		}
		t.Stop()
		s.drain()
	}
	return s.anyOpen()
}

func (s *Supervisor) drain() bool {
	got := false
	for _, p := range s.procs {
		if p.drain() {
			got = true
		}
	}
	return got
}

func (s *Supervisor) anyOpen() bool {
	for _, p := range s.procs {
		if p.Open() {
			return true
		}
	}
	return false
}

// drain consumes every chunk already buffered for p without blocking.
func (p *Process) drain() bool {
	got := false
	for i, pp := range p.pipes {
		for pp.open {
			chunk, ok := pp.next()
			if !ok {
				break
			}
			got = true
			p.feed(Stream(i), pp, chunk)
		}
	}
	return got
}

// next returns a buffered chunk if one is ready, marking the pipe closed
// when its pump has finished.
func (pp *pipe) next() ([]byte, bool) {
	select {
	case chunk, ok := <-pp.chunks:
		if !ok {
			pp.open = false
			return nil, false
		}
		return chunk, true
	default:
		return nil, false
	}
}

func (p *Process) feed(stream Stream, pp *pipe, chunk []byte) {
	pp.partial = append(pp.partial, chunk...)
	for {
		i := bytes.IndexByte(pp.partial, '\n')
		if i < 0 {
			return
		}
		p.onLine(stream, string(pp.partial[:i]))
		pp.partial = pp.partial[i+1:]
	}
}

// Open reports whether either output pipe has not reached EOF.
func (p *Process) Open() bool {
	return p.pipes[Stdout].open || p.pipes[Stderr].open
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited reports, without blocking, whether the OS process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// ExitCode is the exit status once the process has exited, -1 if it was
// killed by a signal or has not exited.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.code
}

// Err is the error returned by waiting on the process, nil for a zero exit.
func (p *Process) Err() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// Signal sends sig to the process group, falling back to the process itself.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	if err := syscall.Kill(-p.Pid(), sig); err != nil {
		if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("signal %d: %w", p.Pid(), err)
		}
	}
	return nil
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// finalizeGrace bounds how long Finalize keeps reading pipes that a
// lingering grandchild may hold open.
const finalizeGrace = 100 * time.Millisecond

// Finalize waits for the process to exit, delivers remaining output
// including any unterminated last line, and returns the exit code. Calling
// it again returns the recorded code.
func (p *Process) Finalize() int {
	if p.finalized {
		return p.code
	}
	<-p.exited

	deadline := time.Now().Add(finalizeGrace)
	for p.Open() && time.Now().Before(deadline) {
		if !p.drain() {
			time.Sleep(5 * time.Millisecond)
		}
	}
	p.drain()
	close(p.done)

	for i, pp := range p.pipes {
		if len(pp.partial) > 0 {
			p.onLine(Stream(i), string(pp.partial))
			pp.partial = nil
		}
		pp.open = false
	}
	p.finalized = true
	return p.code
}

// Finalized reports whether Finalize has completed.
func (p *Process) Finalized() bool {
	return p.finalized
}
