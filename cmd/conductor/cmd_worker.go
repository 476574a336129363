package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"conductor/pkg/backend"
	"conductor/pkg/config"
	"conductor/pkg/protocol"
	"conductor/pkg/worker"
)

// workerOptions mirrors the subset of config.Config a worker process needs.
type workerOptions struct {
	backend  string
	command  string
	postfork string
	dir      string
	verbose  bool
}

// newWorkerCmd creates the hidden "conductor worker" subcommand. The
// dispatcher starts one per worker with the channel on descriptor 3; it is
// not meant to be run by hand.
func newWorkerCmd() *cobra.Command {
	var o workerOptions

	cmd := &cobra.Command{
		Use:    "worker [-- backend args]",
		Short:  "Run a conductor worker process",
		Hidden: true,
		Args:   cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), o, args)
		},
	}

	cmd.Flags().StringVar(&o.backend, "backend", config.BackendGoTest, "gotest or command")
	cmd.Flags().StringVar(&o.command, "command", "", "command the command backend runs")
	cmd.Flags().StringVar(&o.postfork, "postfork", "", "command run before the first item")
	cmd.Flags().StringVar(&o.dir, "dir", "", "working directory for items")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "keep stdout and stderr")

	return cmd
}

// runWorker connects to the dispatcher and runs the worker loop until the
// dispatcher shuts it down.
func runWorker(ctx context.Context, o workerOptions, backendArgs []string) error {
	ch, err := protocol.FromEnv()
	if err != nil {
		return fmt.Errorf("worker channel: %w", err)
	}
	if !o.verbose {
		if err := worker.SuppressOutput(); err != nil {
			_ = ch.Close()
			return err
		}
	}

	n := workerNumber()
	logger := newLogger(o.verbose, fmt.Sprintf("worker %d", n))

	cfg := config.Config{Backend: o.backend, Command: o.command, Postfork: o.postfork, BackendArgs: backendArgs}
	b, err := newBackend(cfg, o.dir, logger)
	if err != nil {
		_ = ch.Close()
		return err
	}
	postfork, err := cfg.PostforkArgs()
	if err != nil {
		_ = ch.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	w := worker.New(ch, b, worker.Config{
		Number:   n,
		Postfork: postfork,
		Dir:      o.dir,
		Logger:   logger,
	})
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker %d: %w", n, err)
	}
	return nil
}

// newBackend builds the backend named in cfg.
func newBackend(cfg config.Config, dir string, logger *charmlog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendGoTest, "":
		return &backend.GoTest{Args: cfg.BackendArgs, Dir: dir, Logger: logger}, nil
	case config.BackendCommand:
		argv, err := cfg.CommandArgs()
		if err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("command backend: no command configured")
		}
		return &backend.Command{Argv: append(argv, cfg.BackendArgs...), Dir: dir, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
