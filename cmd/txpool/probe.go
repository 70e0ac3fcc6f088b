package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"txpool"
)

const probeLabel = "txpool-probe"

func newProbeCommand(e *env) *cobra.Command {
	var (
		count    int
		withTx   bool
		deadline time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open connections, validate them and print the pool.",
		Long: `probe leases --count connections at once, validates each one and,
with --tx, drives it through start, prepare, commit and end. It then
releases them and prints the pool statistics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), deadline)
			defer cancel()

			m, p, err := e.openPool()
			if err != nil {
				return err
			}
			defer m.Close()

			conns, err := probe(ctx, p, count, withTx)
			for _, pc := range conns {
				pc.Release(probeLabel)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(e.stdout, p.DumpStatistics())
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Connections to lease at once.")
	cmd.Flags().BoolVar(&withTx, "tx", false, "Run an empty two phase commit on each connection.")
	cmd.Flags().DurationVar(&deadline, "deadline", time.Minute, "Overall time limit.")
	return cmd
}

// probe leases count connections and checks each one. The leased
// connections are returned even on error so the caller can release them.
func probe(ctx context.Context, p *txpool.Pool, count int, withTx bool) ([]*txpool.PooledConn, error) {
	var conns []*txpool.PooledConn
	for i := 0; i < count; i++ {
		xid := txpool.NewTxID()
		pc, err := p.Acquire(txpool.WithTx(ctx, xid), probeLabel)
		if err != nil {
			return conns, errors.Wrapf(err, "acquiring connection %d", i+1)
		}
		conns = append(conns, pc)

		if err := pc.Validate(ctx); err != nil {
			return conns, errors.Wrapf(err, "validating connection %s", pc.ID())
		}
		if !withTx {
			continue
		}
		if err := cycle(ctx, pc, xid); err != nil {
			return conns, errors.Wrapf(err, "transaction on connection %s", pc.ID())
		}
	}
	return conns, nil
}

func cycle(ctx context.Context, pc *txpool.PooledConn, xid txpool.TxID) error {
	if err := pc.Start(ctx, xid, txpool.TMNoFlags); err != nil {
		return err
	}
	vote, err := pc.Prepare(xid)
	if err != nil {
		pc.End(ctx, xid, txpool.TMFail)
		return err
	}
	if vote == txpool.VoteOK {
		if err := pc.Commit(ctx, xid); err != nil {
			pc.End(ctx, xid, txpool.TMFail)
			return err
		}
	}
	return pc.End(ctx, xid, txpool.TMSuccess)
}
