package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conductor/pkg/config"
)

// TestMain lets the test binary stand in for the conductor binary when the
// dispatcher re-executes itself as a worker.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		os.Exit(execute(context.Background(), os.Args[1:]))
	}
	os.Exit(m.Run())
}

// executeCommand runs the root command with the given args and returns stdout, stderr, and error.
func executeCommand(args ...string) (stdout string, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCLICommands(t *testing.T) {
	t.Run("root --help shows run flags", func(t *testing.T) {
		out, _, err := executeCommand("--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !containsAll(out, "--workers", "--seed", "--fail-fast-after", "--formatter", "--backend", "history") {
			t.Errorf("root help missing flags or subcommands:\n%s", out)
		}
		if strings.Contains(out, "worker [") {
			t.Errorf("hidden worker command listed:\n%s", out)
		}
	})

	t.Run("root --version prints version", func(t *testing.T) {
		out, _, err := executeCommand("--version")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(out, "conductor ") {
			t.Errorf("version output = %q", out)
		}
	})

	t.Run("invalid configuration is an error", func(t *testing.T) {
		_, _, err := executeCommand("--workers", "-1", "--no-history", "-C", t.TempDir())
		if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
			t.Fatalf("err = %v, want invalid configuration", err)
		}
	})
}

func TestExecute_UnknownFlagExitsOne(t *testing.T) {
	if code := execute(context.Background(), []string{"--no-such-flag"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRun_PassingSuite(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "spec", "a_spec.rb"), "ok\n")
	writeFile(t, filepath.Join(root, "spec", "nested", "b_spec.rb"), "ok\n")
	writeFile(t, filepath.Join(root, "spec", "helper.rb"), "not an item\n")

	out, _, err := executeCommand(
		"-C", root, "-w", "2", "--seed", "5", "--no-history",
		"--formatter", "plain", "--backend", "command", "--command", "grep -q ok",
	)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !containsAll(out, "conductor starting with 2 workers (seed: 5)", "Running 2 items", "2 passed, 0 failed", "Suite: PASSED") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRun_FailingSuiteExitsOne(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "spec", "a_spec.rb"), "ok\n")
	writeFile(t, filepath.Join(root, "spec", "b_spec.rb"), "nope\n")
	history := filepath.Join(t.TempDir(), "history.db")

	out, _, err := executeCommand(
		"-C", root, "-w", "1", "--history", history,
		"--formatter", "plain", "--backend", "command", "--command", "grep -q ok",
	)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 1 {
		t.Fatalf("err = %v, want exit status 1\n%s", err, out)
	}
	if !containsAll(out, "1 passed, 1 failed", "Suite: FAILED") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	out, _, err = executeCommand("history", "--history", history)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !containsAll(out, "RUN", "2/2", "FAILED") {
		t.Fatalf("history output:\n%s", out)
	}
}

func TestRun_BackendArgsAfterDash(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "spec", "a_spec.rb"), "OK\n")

	// grep is case sensitive unless -i arrives from after the dash
	out, _, err := executeCommand(
		"-C", root, "-w", "1", "--no-history",
		"--formatter", "plain", "--backend", "command", "--command", "grep -q ok",
		"--", "-i",
	)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 passed") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestExplicitFlags_ZeroValuesBeatProjectFile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".conductor.yaml"),
		"fail_fast_after: 3\nverbose: true\nfirst_is_1: true\ndisplay_retry_backtraces: true\nprefork: make fixtures\n")

	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--fail-fast-after", "0", "--verbose=false", "--first-is-1=false", "--prefork", ""}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	cfg, _, err := config.Resolve(config.Config{Root: root}, explicitFlags(cmd)...)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.FailFastAfter != 0 || cfg.Verbose || cfg.FirstIs1 || cfg.Prefork != "" {
		t.Fatalf("command line lost to the project file: %+v", cfg)
	}
	if !cfg.DisplayRetryBacktraces {
		t.Fatal("unset flags keep the project file value")
	}
}

func TestRun_FailFastAfterZeroOverridesProjectFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".conductor.yaml"), "fail_fast_after: 1\n")
	writeFile(t, filepath.Join(root, "spec", "a_spec.rb"), "nope\n")
	writeFile(t, filepath.Join(root, "spec", "b_spec.rb"), "nope\n")
	writeFile(t, filepath.Join(root, "spec", "c_spec.rb"), "nope\n")

	out, _, _ := executeCommand(
		"-C", root, "-w", "1", "--no-history", "--fail-fast-after", "0",
		"--formatter", "plain", "--backend", "command", "--command", "grep -q ok",
	)
	if !strings.Contains(out, "0 passed, 3 failed") {
		t.Fatalf("every item should run without fail-fast:\n%s", out)
	}
}

func TestWorkerArgs(t *testing.T) {
	t.Parallel()
	cfg := config.Config{
		Backend:     config.BackendCommand,
		Command:     "rspec",
		Root:        "/src",
		Verbose:     true,
		BackendArgs: []string{"--tag", "fast"},
	}
	got := strings.Join(workerArgs(cfg), " ")
	want := "worker --backend command --command rspec --postfork  --dir /src --verbose -- --tag fast"
	if got != want {
		t.Fatalf("workerArgs = %q, want %q", got, want)
	}
}

func TestNewLogger_EnvOverridesVerbose(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	if l := newLogger(true, "conductor"); l.GetLevel().String() != "error" {
		t.Fatalf("level = %s, want error", l.GetLevel())
	}
}

func TestNewLogger_VerboseIsDebug(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	if l := newLogger(true, "conductor"); l.GetLevel().String() != "debug" {
		t.Fatalf("level = %s, want debug", l.GetLevel())
	}
	if l := newLogger(false, "conductor"); l.GetLevel().String() != "warn" {
		t.Fatalf("level = %s, want warn", l.GetLevel())
	}
}
