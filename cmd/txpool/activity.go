package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/spf13/cobra"

	"txpool"
)

func newActivityCommand(e *env) *cobra.Command {
	var deadline time.Duration
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "List the statements running on the backend and their lock waits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), deadline)
			defer cancel()

			m, p, err := e.openPool()
			if err != nil {
				return err
			}
			defer m.Close()

			report, err := p.ActivityReport(ctx)
			if err != nil {
				return err
			}
			writeActivity(e, report)
			return nil
		},
	}
	cmd.Flags().DurationVar(&deadline, "deadline", time.Minute, "Overall time limit.")
	return cmd
}

func writeActivity(e *env, r txpool.ActivityReport) {
	if !r.Supported {
		fmt.Fprintln(e.stdout, "activity report not supported by this backend")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(e.stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Session", "User", "Database", "State", "Elapsed", "Query"})
	for _, q := range r.Queries {
		t.AppendRow(table.Row{q.SessionID, q.User, q.Database, q.State, q.Elapsed.Truncate(time.Millisecond), q.Query})
	}
	t.Render()

	if len(r.LockWaits) == 0 {
		fmt.Fprintf(e.stdout, "%s: %d statements, no lock waits at %s\n", r.Dialect, len(r.Queries), r.CollectedAt.Format(time.RFC3339))
		return
	}
	w := table.NewWriter()
	w.SetOutputMirror(e.stdout)
	w.SetStyle(table.StyleLight)
	w.AppendHeader(table.Row{"Waiting", "Waiting Query", "Blocking", "Blocking Query"})
	for _, l := range r.LockWaits {
		w.AppendRow(table.Row{l.WaitingID, l.WaitingQuery, l.BlockingID, l.BlockingQuery})
	}
	w.Render()
	fmt.Fprintf(e.stdout, "%s: %d statements, %d lock waits at %s\n", r.Dialect, len(r.Queries), len(r.LockWaits), r.CollectedAt.Format(time.RFC3339))
}
