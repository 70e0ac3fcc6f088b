package txpool

import (
	"github.com/sirupsen/logrus"
)

// disposeReason says why a connection left the registry. It labels the
// disposal metric and the debug log line.
type disposeReason string

const (
	reasonCaller  disposeReason = "caller"
	reasonIdle    disposeReason = "idle"
	reasonStale   disposeReason = "stale"
	reasonShrink  disposeReason = "shrink"
	reasonInvalid disposeReason = "invalid"
	reasonClose   disposeReason = "close"
)

// Release gives back one lease of pc taken by label. The last release
// clears the owner and lease affinity; a connection that is not enlisted
// in a transaction then goes back to the free list, or is disposed when it
// was marked invalid. A label that holds none of the current leases is
// logged and the most recent lease is released anyway.
func (p *Pool) Release(pc *PooledConn, label string) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	if pc.disposed {
		p.mu.Unlock()
		return
	}
	if len(pc.holders) == 0 {
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{"conn": pc.id, "owner": label}).Debug("release: connection is not leased")
		return
	}
	i := pc.holderLocked(label)
	if i < 0 {
		p.counters.mismatches++
		p.log.WithFields(logrus.Fields{
			"code":  ErrLeaseOwnershipMismatch,
			"conn":  pc.id,
			"owner": pc.owner,
			"label": label,
		}).Warn("release by a label that does not own the lease")
		i = len(pc.holders) - 1
	}

	pc.holders = append(pc.holders[:i], pc.holders[i+1:]...)
	if len(pc.holders) > 0 {
		pc.owner = pc.holders[0]
		p.mu.Unlock()
		return
	}
	pc.holders = nil
	pc.owner = ""
	pc.leaseTx = ""
	pc.returnedAt = p.now()

	if pc.started || p.putFreeLocked(pc) {
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{"conn": pc.id, "owner": label}).Debug("released")
		return
	}
	p.removeLocked(pc, reasonInvalid)
	p.mu.Unlock()

	p.closeConns([]*PooledConn{pc}, reasonInvalid)
}

// Dispose removes pc from the pool whatever its state and closes the
// physical connection. Disposing twice is a no-op.
func (p *Pool) Dispose(pc *PooledConn) error {
	if pc == nil {
		return nil
	}
	p.mu.Lock()
	if pc.disposed {
		p.mu.Unlock()
		return nil
	}
	p.removeLocked(pc, reasonCaller)
	p.mu.Unlock()

	p.log.WithField("conn", pc.id).Debugf("disposing connection, reason %s", reasonCaller)
	return pc.closePhysical()
}

// putFreeLocked puts an unleased, non-started connection back on the free
// list. It reports false when the connection is invalid, in which case the
// caller must remove it.
func (p *Pool) putFreeLocked(pc *PooledConn) bool {
	if !pc.valid || p.closed {
		return false
	}
	p.free.push(pc)
	return true
}

// removeLocked forgets pc. The physical connection must be closed by the
// caller once the lock is released.
func (p *Pool) removeLocked(pc *PooledConn, reason disposeReason) {
	if pc.disposed {
		return
	}
	pc.disposed = true
	delete(p.registry, pc)
	p.free.remove(pc)
	if pc.started && p.enlisted[pc.xid] == pc {
		delete(p.enlisted, pc.xid)
	}
	p.numOpen--
	p.counters.disposed++
	p.metrics.disposed(reason)
}

// closeConns closes the physical connections of already removed entries.
func (p *Pool) closeConns(conns []*PooledConn, reason disposeReason) {
	for _, pc := range conns {
		p.log.WithField("conn", pc.id).Debugf("disposing connection, reason %s", reason)
		if err := pc.closePhysical(); err != nil {
			p.log.WithField("conn", pc.id).Errorf("closing connection: %v", err)
		}
	}
}
