package txpool

import (
	"context"
	"database/sql/driver"
	"time"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// State is the lifecycle state of a PooledConn.
type State int

const (
	StateFree State = iota
	StateLeased
	StateStarted // enlisted in a transaction, leased or not
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateLeased:
		return "leased"
	case StateStarted:
		return "started"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// PooledConn wraps one physical connection of a Pool. It is handed out by
// Acquire and must be given back with Release (or Dispose). It also acts as
// the participant side of a two phase commit, see Start.
type PooledConn struct {
	pool *Pool
	id   string
	conn Conn

	// ci serializes calls into conn made by the pool and the participant
	// methods. It is never acquired while holding pool.mu.
	ci deadlock.Mutex

	// Guarded by pool.mu.
	createdAt  time.Time
	lastUsed   time.Time // bumped by acquire and start only
	returnedAt time.Time // last time the lease count dropped to zero
	owner      string    // first current lease holder
	holders    []string  // labels of the current leases, oldest first
	leaseTx    TxID
	xid        TxID // transaction the connection is enlisted in
	started    bool
	autoCommit bool
	valid      bool
	disposed   bool
}

func newPooledConn(p *Pool, id string, conn Conn, now time.Time) *PooledConn {
	return &PooledConn{
		pool:       p,
		id:         id,
		conn:       conn,
		createdAt:  now,
		lastUsed:   now,
		returnedAt: now,
		autoCommit: true,
		valid:      true,
	}
}

// ID returns the identity of the connection.
func (pc *PooledConn) ID() string { return pc.id }

// Conn returns the physical connection. It must not be used after Release.
func (pc *PooledConn) Conn() Conn { return pc.conn }

// State returns the current lifecycle state.
func (pc *PooledConn) State() State {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.stateLocked()
}

func (pc *PooledConn) stateLocked() State {
	switch {
	case pc.disposed:
		return StateDisposed
	case pc.started:
		return StateStarted
	case len(pc.holders) > 0:
		return StateLeased
	}
	return StateFree
}

// Owner returns the label of the current lease holder, empty when free.
func (pc *PooledConn) Owner() string {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.owner
}

// holderLocked returns the index of the most recent lease taken by label,
// or -1.
func (pc *PooledConn) holderLocked(label string) int {
	for i := len(pc.holders) - 1; i >= 0; i-- {
		if pc.holders[i] == label {
			return i
		}
	}
	return -1
}

// LeaseTx returns the transaction the lease was granted under, if any.
func (pc *PooledConn) LeaseTx() TxID {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.leaseTx
}

// Xid returns the transaction the connection is enlisted in, if any.
func (pc *PooledConn) Xid() TxID {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.xid
}

// LastUsed returns the last time the connection was acquired or started.
func (pc *PooledConn) LastUsed() time.Time {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.lastUsed
}

// Valid reports whether the connection may be reused after release.
func (pc *PooledConn) Valid() bool {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.valid
}

// Invalidate marks the connection as broken; it is disposed instead of
// being returned to the free list on its last release.
func (pc *PooledConn) Invalidate() {
	pc.pool.mu.Lock()
	pc.valid = false
	pc.pool.mu.Unlock()
}

// Release gives the lease back to the pool. See Pool.Release.
func (pc *PooledConn) Release(label string) {
	pc.pool.Release(pc, label)
}

// Dispose closes the physical connection and forgets it. See Pool.Dispose.
func (pc *PooledConn) Dispose() error {
	return pc.pool.Dispose(pc)
}

// Validate checks the physical connection and marks the entry invalid when
// the check fails.
func (pc *PooledConn) Validate(ctx context.Context) error {
	pc.ci.Lock()
	err := pc.conn.Validate(ctx)
	pc.ci.Unlock()
	if err != nil {
		pc.Invalidate()
	}
	return err
}

// isBadConn reports whether err leaves the physical connection unusable.
func (pc *PooledConn) isBadConn(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if c, ok := pc.conn.(BadConnChecker); ok {
		return c.IsBadConn(err)
	}
	return false
}

// closePhysical closes the physical connection.
func (pc *PooledConn) closePhysical() error {
	pc.ci.Lock()
	defer pc.ci.Unlock()
	return pc.conn.Close()
}
