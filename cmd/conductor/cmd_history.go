package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"conductor/pkg/config"
	"conductor/pkg/journal"
)

// newHistoryCmd creates the "conductor history" subcommand.
func newHistoryCmd() *cobra.Command {
	var (
		limit int
		path  string
		root  string
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs, or the failures of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				abs, err := filepath.Abs(root)
				if err != nil {
					return fmt.Errorf("resolve root: %w", err)
				}
				cfg, _, err := config.Resolve(config.Config{Root: abs})
				if err != nil {
					return err
				}
				path = cfg.HistoryPath
			}

			j, err := journal.Open(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer j.Close()

			if len(args) == 1 {
				run, err := j.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRun(cmd.OutOrStdout(), run)
				return nil
			}

			runs, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to list")
	cmd.Flags().StringVar(&path, "history", "", "run history database (default from the project file or user cache dir)")
	cmd.Flags().StringVarP(&root, "root", "C", ".", "project directory holding the project file")

	return cmd
}

func verdict(success bool) string {
	if success {
		return "PASSED"
	}
	return "FAILED"
}

func printRuns(w io.Writer, runs []journal.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSEED\tWORKERS\tITEMS\tPASSED\tFAILED\tPENDING\tCRASHES\tRUNTIME\tRESULT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d/%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Seed, r.Workers,
			r.Processed, r.Items, r.Passed, r.Failed, r.Pending, r.Crashes,
			r.TotalRuntime.Round(10*time.Millisecond), verdict(r.Success))
	}
	_ = tw.Flush()
}

func printRun(w io.Writer, r journal.Run) {
	fmt.Fprintf(w, "Run %s (%s)\n", r.ID, verdict(r.Success))
	fmt.Fprintf(w, "Started %s, seed %d, %d workers\n", r.StartedAt.Local().Format(time.DateTime), r.Seed, r.Workers)
	fmt.Fprintf(w, "Processed %d / %d: %d passed, %d failed, %d pending, %d worker crashes\n",
		r.Processed, r.Items, r.Passed, r.Failed, r.Pending, r.Crashes)
	fmt.Fprintf(w, "Items took %.2fs, total %.2fs\n", r.ActiveRuntime.Seconds(), r.TotalRuntime.Seconds())
	if len(r.Failures) == 0 {
		return
	}
	fmt.Fprintln(w, "\nFailures:")
	for i, f := range r.Failures {
		fmt.Fprintf(w, "  %d) %s\n", i+1, f.Description)
		fmt.Fprintf(w, "     %s\n", f.Location)
		if f.Message != "" {
			fmt.Fprintf(w, "     %s\n", f.Message)
		}
	}
}
