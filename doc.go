// Package txpool is a bounded pool of relational database connections that
// take part in distributed transactions as XA resource managers.
//
// A caller leases a PooledConn with Pool.Acquire, enlists it in a
// transaction with Start, drives Prepare and Commit or Rollback through it
// and detaches it with End. Released connections return to a free list,
// newest first, unless they are still enlisted. A background reaper
// disposes connections left idle or enlisted past the staleness timeout.
//
//	p, err := txpool.NewPool(cfg, nil)
//	...
//	xid := txpool.NewTxID()
//	pc, err := p.Acquire(txpool.WithTx(ctx, xid), "orders")
//	...
//	defer pc.Release("orders")
package txpool
