package txpool

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Start enlists the connection in transaction xid so an external
// coordinator can drive it through Prepare/Commit/Rollback. With TMNoFlags
// autocommit is disabled on the physical connection; TMJoin and TMResume
// are only accepted for the transaction the connection is already in.
// The connection must be leased.
func (pc *PooledConn) Start(ctx context.Context, xid TxID, flags Flags) error {
	if xid == "" {
		return newError(ErrTransactionalProtocol, "start: empty transaction id")
	}
	p := pc.pool

	pc.ci.Lock()
	defer pc.ci.Unlock()

	p.mu.Lock()
	switch {
	case pc.disposed:
		p.mu.Unlock()
		return newErrorf(ErrTransactionalProtocol, "start %s: connection %s is disposed", xid, pc.id)
	case flags == TMJoin || flags == TMResume:
		if !pc.started || pc.xid != xid {
			p.mu.Unlock()
			return newErrorf(ErrTransactionalProtocol, "start %s with %v: connection %s is not enlisted in it", xid, flags, pc.id)
		}
		pc.lastUsed = p.now()
		p.mu.Unlock()
		return nil
	case flags != TMNoFlags:
		p.mu.Unlock()
		return newErrorf(ErrTransactionalProtocol, "start %s: unsupported flags %v", xid, flags)
	case pc.started:
		p.mu.Unlock()
		return newErrorf(ErrTransactionalProtocol, "start %s: connection %s is already enlisted in %s", xid, pc.id, pc.xid)
	case len(pc.holders) == 0:
		p.mu.Unlock()
		return newErrorf(ErrTransactionalProtocol, "start %s: connection %s is not leased", xid, pc.id)
	}
	if other, ok := p.enlisted[xid]; ok {
		p.mu.Unlock()
		return newErrorf(ErrTransactionalProtocol, "start %s: transaction already owns connection %s", xid, other.id)
	}
	p.mu.Unlock()

	err := pc.conn.SetAutoCommit(ctx, false)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if pc.isBadConn(err) {
			pc.valid = false
		}
		return err
	}
	if pc.disposed {
		return newErrorf(ErrTransactionalProtocol, "start %s: connection %s was disposed", xid, pc.id)
	}
	if other, ok := p.enlisted[xid]; ok {
		// Another connection was started in xid while autocommit was
		// being switched off.
		p.mu.Unlock()
		rerr := pc.conn.SetAutoCommit(ctx, true)
		p.mu.Lock()
		if rerr != nil {
			pc.valid = false
		}
		return newErrorf(ErrTransactionalProtocol, "start %s: transaction already owns connection %s", xid, other.id)
	}
	pc.started = true
	pc.xid = xid
	pc.autoCommit = false
	pc.lastUsed = p.now()
	p.enlisted[xid] = pc
	p.log.WithFields(logrus.Fields{"conn": pc.id, "owner": pc.owner, "tx": xid}).Debug("transaction started")
	return nil
}

// End ends the association with xid. TMSuccess re-enables autocommit,
// TMFail rolls back first. Both clear the enlistment; the connection goes
// back to the free list when its lease was already released. TMSuspend
// keeps the enlistment so the transaction can be resumed with Start.
func (pc *PooledConn) End(ctx context.Context, xid TxID, flags Flags) error {
	closing, err := pc.end(ctx, xid, flags)
	pc.pool.closeConns(closing, reasonInvalid)
	return err
}

func (pc *PooledConn) end(ctx context.Context, xid TxID, flags Flags) ([]*PooledConn, error) {
	p := pc.pool

	pc.ci.Lock()
	defer pc.ci.Unlock()

	p.mu.Lock()
	switch {
	case pc.disposed:
		p.mu.Unlock()
		return nil, newErrorf(ErrTransactionalProtocol, "end %s: connection %s is disposed", xid, pc.id)
	case !pc.started || pc.xid != xid:
		p.mu.Unlock()
		return nil, newErrorf(ErrTransactionalProtocol, "end %s: connection %s is not enlisted in it", xid, pc.id)
	case flags == TMSuspend:
		p.mu.Unlock()
		return nil, nil
	case flags != TMSuccess && flags != TMFail:
		p.mu.Unlock()
		return nil, newErrorf(ErrTransactionalProtocol, "end %s: unsupported flags %v", xid, flags)
	}
	p.mu.Unlock()

	var err error
	if flags == TMFail {
		err = pc.conn.Rollback(ctx)
	}
	if err == nil {
		err = pc.conn.SetAutoCommit(ctx, true)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pc.disposed {
		return nil, err
	}
	if err != nil {
		// The session is in an unknown transaction mode now.
		pc.valid = false
	}
	pc.started = false
	pc.xid = ""
	pc.autoCommit = err == nil
	if p.enlisted[xid] == pc {
		delete(p.enlisted, xid)
	}
	p.log.WithFields(logrus.Fields{"conn": pc.id, "owner": pc.owner, "tx": xid, "flags": flags}).Debug("transaction ended")

	var closing []*PooledConn
	if len(pc.holders) == 0 {
		pc.returnedAt = p.now()
		if p.putFreeLocked(pc) {
			return nil, err
		}
		p.removeLocked(pc, reasonInvalid)
		closing = append(closing, pc)
	}
	return closing, err
}

// Prepare asks the connection to vote on xid. It votes VoteReadOnly when
// the physical connection reports no pending writes.
func (pc *PooledConn) Prepare(xid TxID) (Vote, error) {
	pc.ci.Lock()
	defer pc.ci.Unlock()

	if err := pc.checkEnlisted("prepare", xid); err != nil {
		return VoteOK, err
	}
	if pw, ok := pc.conn.(PendingWriter); ok && !pw.PendingWrites() {
		return VoteReadOnly, nil
	}
	return VoteOK, nil
}

// Commit commits the work done under xid. Driver errors are returned as is.
func (pc *PooledConn) Commit(ctx context.Context, xid TxID) error {
	pc.ci.Lock()
	defer pc.ci.Unlock()

	if err := pc.checkEnlisted("commit", xid); err != nil {
		return err
	}
	err := pc.conn.Commit(ctx)
	pc.noteErr(err)
	return err
}

// Rollback discards the work done under xid. Driver errors are returned as is.
func (pc *PooledConn) Rollback(ctx context.Context, xid TxID) error {
	pc.ci.Lock()
	defer pc.ci.Unlock()

	if err := pc.checkEnlisted("rollback", xid); err != nil {
		return err
	}
	err := pc.conn.Rollback(ctx)
	pc.noteErr(err)
	return err
}

// checkEnlisted must be called with pc.ci held.
func (pc *PooledConn) checkEnlisted(op string, xid TxID) error {
	p := pc.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case pc.disposed:
		return newErrorf(ErrTransactionalProtocol, "%s %s: connection %s is disposed", op, xid, pc.id)
	case !pc.started:
		return newErrorf(ErrTransactionalProtocol, "%s %s: connection %s was never started", op, xid, pc.id)
	case pc.xid != xid:
		return newErrorf(ErrTransactionalProtocol, "%s %s: connection %s is enlisted in %s", op, xid, pc.id, pc.xid)
	case pc.autoCommit:
		return newErrorf(ErrTransactionalProtocol, "%s %s: autocommit is enabled on connection %s", op, xid, pc.id)
	}
	return nil
}

func (pc *PooledConn) noteErr(err error) {
	if !pc.isBadConn(err) {
		return
	}
	pc.pool.mu.Lock()
	pc.valid = false
	pc.pool.mu.Unlock()
}
