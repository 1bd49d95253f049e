package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/remotefn/internal/store"
)

func historyCmd(a *app) *cobra.Command {
	var f store.ListFilter

	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"ls"},
		Short:   "List journaled executions, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openJournal()
			if err != nil {
				return err
			}
			defer db.Close()

			recs, total, err := db.ListExecutions(cmd.Context(), f)
			if err != nil {
				return err
			}
			return a.printer(cmd.OutOrStdout()).executions(recs, total)
		},
	}

	cmd.Flags().StringVar(&f.Function, "function", "", "only executions of this function")
	cmd.Flags().StringVar(&f.State, "state", "", "only executions in this state")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	return cmd
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <journal-id>",
		Short: "Show a journaled execution and its stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openJournal()
			if err != nil {
				return err
			}
			defer db.Close()

			rec, err := db.GetExecution(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no execution %s in %s", args[0], a.cfg.JournalPath)
			}
			if err != nil {
				return err
			}
			lines, err := db.GetLogLines(cmd.Context(), rec.ID)
			if err != nil {
				return err
			}
			return a.printer(cmd.OutOrStdout()).execution(rec, lines)
		},
	}
}

func statsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openJournal()
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := db.GetExecutionStats(cmd.Context())
			if err != nil {
				return err
			}
			return a.printer(cmd.OutOrStdout()).stats(stats)
		},
	}
}
