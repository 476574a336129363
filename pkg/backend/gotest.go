package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"regexp"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// GoTest runs an item as a Go package with `go test -json` and reports every
// leaf test as an execution. A test with subtests only counts when it fails
// outside of them.
type GoTest struct {
	GoBin  string   // defaults to "go"
	Args   []string // extra flags placed between -json and the package
	Dir    string
	Env    []string // appended to the worker's environment
	Logger *charmlog.Logger
}

// Setup checks that the go tool can be found.
func (g *GoTest) Setup(context.Context) error {
	bin, err := exec.LookPath(g.goBin())
	if err != nil {
		return fmt.Errorf("gotest backend: %w", err)
	}
	g.GoBin = bin
	return nil
}

// Teardown is a no-op.
func (g *GoTest) Teardown(context.Context) error { return nil }

func (g *GoTest) goBin() string {
	if g.GoBin == "" {
		return "go"
	}
	return g.GoBin
}

// Run executes `go test -json <args> <item>`.
func (g *GoTest) Run(ctx context.Context, item string, r Reporter) error {
	args := append([]string{"test", "-json"}, g.Args...)
	args = append(args, item)

	cmd := exec.CommandContext(ctx, g.goBin(), args...) //nolint:gosec // user-configured test command
	cmd.Dir = g.Dir
	if len(g.Env) > 0 {
		cmd.Env = append(cmd.Environ(), g.Env...)
	}
	killGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("go test %s: %w", item, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("go test %s: %w", item, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("go test %s: %w", item, err)
	}
	if g.Logger != nil {
		g.Logger.Debug("go test started", "item", item, "pid", cmd.Process.Pid)
	}

	parser := newTestEventParser(item, r)
	var stderrBuf bytes.Buffer
	var eg errgroup.Group
	eg.Go(func() error {
		skipped, err := readLines(stdout, maxEventLine, parser.line)
		if skipped > 0 && g.Logger != nil {
			g.Logger.Warn("dropped oversized go test output", "item", item, "lines", skipped, "limit", maxEventLine)
		}
		return err
	})
	eg.Go(func() error {
		_, err := io.Copy(&stderrBuf, stderr)
		return err
	})
	readErr := eg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return fmt.Errorf("go test %s: %w", item, ctx.Err())
	}
	if readErr != nil {
		return fmt.Errorf("go test %s: read output: %w", item, readErr)
	}

	output := append(parser.packageOutput, splitLines(stderrBuf.String())...)
	switch {
	case parser.packageFailed && parser.failedTests == 0:
		return &ItemError{Item: item, Msg: firstOr(output, "package failed without a failing test"), Backtrace: tail(output, 50)}
	case waitErr != nil && parser.events == 0:
		return &ItemError{Item: item, Msg: waitErr.Error(), Backtrace: tail(output, 50)}
	}
	return nil
}

// maxEventLine caps a single test2json line.
const maxEventLine = 4 << 20

// readLines calls fn with every line of r, newline stripped. Lines longer
// than limit are dropped whole and counted; r is always read to EOF so the
// writer never blocks on a full pipe.
func readLines(r io.Reader, limit int, fn func([]byte)) (skipped int, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+1 {
				tooLong = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return skipped, err
		}

		if tooLong {
			skipped++
		} else if len(line) > 0 {
			fn(bytes.TrimRight(line, "\r\n"))
		}
		line, tooLong = line[:0], false
		if err != nil {
			return skipped, nil
		}
	}
}

func firstOr(lines []string, fallback string) string {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return strings.TrimSpace(l)
		}
	}
	return fallback
}

//nolint:gochecknoglobals // compiled once
var (
	fileLineRe = regexp.MustCompile(`^\s*([\w./-]+\.go:\d+)`)
	noiseRe    = regexp.MustCompile(`^\s*(=== (RUN|PAUSE|CONT|NAME)|--- (PASS|FAIL|SKIP):)`)
)

// testEventParser turns test2json events into Reporter calls.
type testEventParser struct {
	item string
	r    Reporter

	outputs       map[string][]string
	packageOutput []string
	// parents maps a test with a finished subtest to whether one failed.
	parents       map[string]bool
	events        int
	failedTests   int
	packageFailed bool
}

func newTestEventParser(item string, r Reporter) *testEventParser {
	return &testEventParser{item: item, r: r, outputs: map[string][]string{}, parents: map[string]bool{}}
}

func (p *testEventParser) line(raw []byte) {
	if !gjson.ValidBytes(raw) {
		p.packageOutput = append(p.packageOutput, string(raw))
		return
	}
	ev := gjson.ParseBytes(raw)
	action := ev.Get("Action").String()
	test := ev.Get("Test").String()
	p.events++

	switch action {
	case "output", "build-output":
		out := strings.TrimRight(ev.Get("Output").String(), "\n")
		if test == "" {
			p.packageOutput = append(p.packageOutput, out)
		} else {
			p.outputs[test] = append(p.outputs[test], out)
		}
		return
	case "build-fail":
		p.packageFailed = true
		return
	}

	if test == "" {
		if action == "fail" {
			p.packageFailed = true
		}
		return
	}

	if action != "pass" && action != "fail" && action != "skip" {
		return
	}

	elapsed := time.Duration(ev.Get("Elapsed").Float() * float64(time.Second)).Round(time.Microsecond)
	lines := p.outputs[test]
	delete(p.outputs, test)

	for i := strings.LastIndexByte(test, '/'); i > 0; i = strings.LastIndexByte(test[:i], '/') {
		parent := test[:i]
		p.parents[parent] = p.parents[parent] || action == "fail"
	}
	// Only leaf tests are executions. A parent is reported only when it
	// failed on its own, outside any subtest.
	if childFailed, ok := p.parents[test]; ok {
		delete(p.parents, test)
		if action != "fail" || childFailed {
			return
		}
	}

	switch action {
	case "pass":
		p.r.Passed(Example{Description: test, Location: p.location(lines), RunTime: elapsed})
	case "fail":
		p.failedTests++
		msg, trace := summarize(lines)
		p.r.Failed(Example{
			Description: test,
			Location:    p.location(lines),
			RunTime:     elapsed,
			Message:     msg,
			Backtrace:   trace,
		})
	case "skip":
		msg, _ := summarize(lines)
		p.r.Pending(Example{Description: test, Location: p.location(lines), PendingMessage: msg})
	}
}

// location is the first file:line mentioned in a test's output, qualified
// with the package directory, or the package itself.
func (p *testEventParser) location(lines []string) string {
	for _, l := range lines {
		if m := fileLineRe.FindStringSubmatch(l); m != nil {
			if strings.HasPrefix(m[1], "/") {
				return m[1]
			}
			return path.Join(p.item, m[1])
		}
	}
	return p.item
}

// summarize drops the framework's own status lines, returning the rest as a
// message and the file:line lines as a backtrace.
func summarize(lines []string) (string, []string) {
	var msg, trace []string
	for _, l := range lines {
		if noiseRe.MatchString(l) || strings.TrimSpace(l) == "" {
			continue
		}
		msg = append(msg, strings.TrimPrefix(l, "    "))
		if m := fileLineRe.FindStringSubmatch(l); m != nil {
			trace = append(trace, m[1])
		}
	}
	return strings.Join(msg, "\n"), trace
}
