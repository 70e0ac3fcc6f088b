package main

import (
	"context"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/spf13/cobra"

	"txpool"
)

func newStatsCommand(e *env) *cobra.Command {
	var (
		count    int
		sweep    bool
		deadline time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Warm up the pool and print its counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), deadline)
			defer cancel()

			m, p, err := e.openPool()
			if err != nil {
				return err
			}
			defer m.Close()

			conns, err := probe(ctx, p, count, false)
			for _, pc := range conns {
				pc.Release(probeLabel)
			}
			if err != nil {
				return err
			}
			if sweep {
				p.ReapSweep()
			}
			for _, s := range m.Stats() {
				writeStats(e, s)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Connections to open before reporting.")
	cmd.Flags().BoolVar(&sweep, "sweep", false, "Run one reaper cycle before reporting.")
	cmd.Flags().DurationVar(&deadline, "deadline", time.Minute, "Overall time limit.")
	return cmd
}

func writeStats(e *env, s txpool.PoolStats) {
	t := table.NewWriter()
	t.SetOutputMirror(e.stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Pool " + s.Name, "Value"})
	for _, row := range []table.Row{
		{"Soft limit", s.SoftLimit},
		{"Hard limit", s.HardLimit},
		{"Open", s.Open},
		{"Free", s.Free},
		{"Leased", s.Leased},
		{"Started", s.Started},
		{"Opened", s.Opened},
		{"Connect failures", s.ConnectFailures},
		{"Refused at hard limit", s.Exhausted},
		{"Disposed", s.Disposed},
		{"Stale disposed", s.StaleDisposed},
		{"Idle disposed", s.IdleDisposed},
		{"Shrunk", s.Shrunk},
		{"Ownership mismatches", s.Mismatches},
		{"Reaper sweeps", s.Sweeps},
	} {
		t.AppendRow(row)
	}
	t.Render()
}
