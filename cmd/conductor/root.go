package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"conductor/internal/logging"
	"conductor/internal/version"
	"conductor/pkg/ansi"
	"conductor/pkg/config"
	"conductor/pkg/dispatcher"
	"conductor/pkg/formatter"
	"conductor/pkg/journal"
)

// EnvLogLevel overrides the level picked from --verbose.
const EnvLogLevel = "CONDUCTOR_LOG_LEVEL"

// runFlags holds what the root command reads from the command line on top
// of config.Config.
type runFlags struct {
	cfg       config.Config
	seed      uint64
	noHistory bool
}

// newRootCmd creates the root conductor command with all subcommands
// attached. The root command itself runs the suite.
func newRootCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "conductor [flags] [patterns...] [-- backend args]",
		Short: "Run a test suite across parallel worker processes",
		Long: `conductor discovers work items, shuffles them with a seed and hands
them one at a time to a pool of worker processes, reporting results as they
arrive.

Arguments after -- are passed to the backend unchanged.`,
		Args:          cobra.ArbitraryArgs,
		Version:       fmt.Sprintf("conductor %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns, backendArgs := splitAtDash(cmd, args)
			if cmd.Flags().Changed("seed") {
				f.cfg.Seed = &f.seed
			}
			f.cfg.Patterns = patterns
			f.cfg.BackendArgs = backendArgs
			return runSuite(cmd, f)
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	fl := cmd.Flags()
	fl.IntVarP(&f.cfg.Workers, "workers", "w", 0, "number of worker processes (default 4)")
	fl.IntVar(&f.cfg.Offset, "offset", 0, "number the workers from offset+1")
	fl.BoolVar(&f.cfg.FirstIs1, "first-is-1", false, "set TEST_ENV_NUMBER=1 for the first worker instead of empty")
	fl.Uint64Var(&f.seed, "seed", 0, "shuffle seed (default random)")
	fl.IntVar(&f.cfg.FailFastAfter, "fail-fast-after", 0, "shut down after this many failures (0 disables)")
	fl.StringVar(&f.cfg.Formatter, "formatter", "", "plain, ci or fancy (default: fancy on a large terminal, else plain)")
	fl.BoolVarP(&f.cfg.Verbose, "verbose", "v", false, "show worker output and debug logging")
	fl.BoolVar(&f.cfg.DisplayRetryBacktraces, "display-retry-backtraces", false, "print the failure behind each retry")
	fl.StringVar(&f.cfg.Backend, "backend", "", "gotest or command (default gotest)")
	fl.StringVar(&f.cfg.Command, "command", "", "command the command backend runs, the item is appended")
	fl.StringVar(&f.cfg.Prefork, "prefork", "", "command run once before the workers start")
	fl.StringVar(&f.cfg.Postfork, "postfork", "", "command each worker runs before its first item")
	fl.StringVarP(&f.cfg.Root, "root", "C", ".", "directory items are discovered in and workers run in")
	fl.StringVar(&f.cfg.HistoryPath, "history", "", "run history database (default in the user cache dir)")
	fl.BoolVar(&f.noHistory, "no-history", false, "do not record this run")

	cmd.AddCommand(
		newWorkerCmd(),
		newHistoryCmd(),
	)

	return cmd
}

// splitAtDash separates positional patterns from arguments after "--".
func splitAtDash(cmd *cobra.Command, args []string) (before, after []string) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return args, nil
	}
	return args[:dash], args[dash:]
}

// runSuite resolves the configuration, discovers items and runs them. A
// failed suite is reported as an exitError so main exits non-zero without
// printing anything more.
func runSuite(cmd *cobra.Command, f runFlags) error {
	root, err := filepath.Abs(f.cfg.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	f.cfg.Root = root

	cfg, projectFile, err := config.Resolve(f.cfg, explicitFlags(cmd)...)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Verbose, "conductor")
	if projectFile != "" {
		logger.Debug("loaded project file", "path", projectFile)
	}

	items, err := discover(cfg.Root, cfg.Backend, cfg.Patterns)
	if err != nil {
		return err
	}
	logger.Debug("discovered items", "count", len(items), "patterns", cfg.Patterns)

	out := os.Stdout
	width, height := ansi.TTYSize(out)
	name := formatter.Resolve(cfg.Formatter, cfg.Verbose, out)
	renderer, err := formatter.New(name, formatter.Options{
		Out:                    cmd.OutOrStdout(),
		Err:                    cmd.ErrOrStderr(),
		TTY:                    ansi.IsTTY(out),
		Width:                  width,
		Height:                 height,
		Workers:                cfg.Workers,
		Offset:                 cfg.Offset,
		Root:                   cfg.Root,
		DisplayRetryBacktraces: cfg.DisplayRetryBacktraces,
	})
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	d := dispatcher.New(&cfg, items,
		dispatcher.WithRenderer(renderer),
		dispatcher.WithLogger(logger),
		dispatcher.WithRunID(runID),
		dispatcher.WithCmdFactory(dispatcher.SelfCmdFactory(workerArgs(cfg)...)),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go forwardSignals(ctx, d)

	code, runErr := d.Run(ctx)

	if !f.noHistory && cfg.HistoryPath != "" {
		info := d.Info()
		run := journal.NewRun(runID, info.Seed, info.Workers, d.Results(), code == 0)
		if err := record(cfg.HistoryPath, run); err != nil {
			logger.Warn("could not record run history", "path", cfg.HistoryPath, "err", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// explicitFlags turns every run flag set on the command line into an
// override, so an explicit 0, false or "" still beats the project file.
func explicitFlags(cmd *cobra.Command) []config.Override {
	fl := cmd.Flags()
	var out []config.Override

	for name, field := range map[string]func(*config.Config) *int{
		"workers":         func(c *config.Config) *int { return &c.Workers },
		"offset":          func(c *config.Config) *int { return &c.Offset },
		"fail-fast-after": func(c *config.Config) *int { return &c.FailFastAfter },
	} {
		if v, err := fl.GetInt(name); err == nil && fl.Changed(name) {
			out = append(out, func(c *config.Config) { *field(c) = v })
		}
	}
	for name, field := range map[string]func(*config.Config) *bool{
		"first-is-1":               func(c *config.Config) *bool { return &c.FirstIs1 },
		"verbose":                  func(c *config.Config) *bool { return &c.Verbose },
		"display-retry-backtraces": func(c *config.Config) *bool { return &c.DisplayRetryBacktraces },
	} {
		if v, err := fl.GetBool(name); err == nil && fl.Changed(name) {
			out = append(out, func(c *config.Config) { *field(c) = v })
		}
	}
	for name, field := range map[string]func(*config.Config) *string{
		"formatter": func(c *config.Config) *string { return &c.Formatter },
		"backend":   func(c *config.Config) *string { return &c.Backend },
		"command":   func(c *config.Config) *string { return &c.Command },
		"prefork":   func(c *config.Config) *string { return &c.Prefork },
		"postfork":  func(c *config.Config) *string { return &c.Postfork },
		"history":   func(c *config.Config) *string { return &c.HistoryPath },
	} {
		if v, err := fl.GetString(name); err == nil && fl.Changed(name) {
			out = append(out, func(c *config.Config) { *field(c) = v })
		}
	}
	return out
}

// forwardSignals turns every SIGINT or SIGTERM into a dispatcher interrupt
// until ctx is done. Workers run in their own process groups, so a terminal
// ctrl-c only reaches the dispatcher.
func forwardSignals(ctx context.Context, d *dispatcher.Dispatcher) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			d.Interrupt()
		}
	}
}

// workerArgs is the command line the dispatcher re-executes this binary
// with for every worker.
func workerArgs(cfg config.Config) []string {
	args := []string{
		"worker",
		"--backend", cfg.Backend,
		"--command", cfg.Command,
		"--postfork", cfg.Postfork,
		"--dir", cfg.Root,
	}
	if cfg.Verbose {
		args = append(args, "--verbose")
	}
	if len(cfg.BackendArgs) > 0 {
		args = append(args, "--")
		args = append(args, cfg.BackendArgs...)
	}
	return args
}

func record(path string, run journal.Run) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	j, err := journal.Open(ctx, path)
	if err != nil {
		return err
	}
	defer j.Close()
	return j.Record(ctx, run)
}

// newLogger writes to stderr. CONDUCTOR_LOG_LEVEL, when set, wins over the
// level implied by --verbose.
func newLogger(verbose bool, prefix string) *charmlog.Logger {
	level := logging.LevelFor(verbose)
	if s := os.Getenv(EnvLogLevel); s != "" {
		level = logging.ParseLevel(s)
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Prefix = prefix
	return logging.New(cfg)
}

// workerNumber reads the ordinal the dispatcher assigned this process.
func workerNumber() int {
	n, err := strconv.Atoi(os.Getenv(dispatcher.EnvWorkerNumber))
	if err != nil {
		return 0
	}
	return n
}
