package txpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startedConn returns a leased connection enlisted in a fresh transaction.
func startedConn(t *testing.T, p *Pool) (*PooledConn, TxID) {
	t.Helper()
	xid := NewTxID()
	pc, err := p.Acquire(WithTx(context.Background(), xid), "tx-owner")
	require.NoError(t, err)
	require.NoError(t, pc.Start(context.Background(), xid, TMNoFlags))
	return pc, xid
}

func TestCommitWithoutStart(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 1))

	pc, err := p.Acquire(context.Background(), "x")
	require.NoError(t, err)

	err = pc.Commit(context.Background(), NewTxID())
	assert.True(t, Is(err, ErrTransactionalProtocol), "%v", err)
	err = pc.Rollback(context.Background(), NewTxID())
	assert.True(t, Is(err, ErrTransactionalProtocol), "%v", err)
	_, err = pc.Prepare(NewTxID())
	assert.True(t, Is(err, ErrTransactionalProtocol), "%v", err)
	err = pc.End(context.Background(), NewTxID(), TMSuccess)
	assert.True(t, Is(err, ErrTransactionalProtocol), "%v", err)

	_, commits, _, _ := fakeOf(t, pc).snapshot()
	assert.Zero(t, commits)
}

func TestStart(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 3))
	ctx := context.Background()

	pc, xid := startedConn(t, p)
	autoCommit, _, _, _ := fakeOf(t, pc).snapshot()
	assert.False(t, autoCommit)
	assert.Equal(t, StateStarted, pc.State())
	assert.Equal(t, xid, pc.Xid())

	tests := []struct {
		name  string
		xid   TxID
		flags Flags
		ok    bool
	}{
		{name: "join same tx", xid: xid, flags: TMJoin, ok: true},
		{name: "resume same tx", xid: xid, flags: TMResume, ok: true},
		{name: "join other tx", xid: NewTxID(), flags: TMJoin},
		{name: "start twice", xid: xid, flags: TMNoFlags},
		{name: "start other tx", xid: NewTxID(), flags: TMNoFlags},
		{name: "end flag", xid: xid, flags: TMSuccess},
		{name: "empty xid", xid: "", flags: TMNoFlags},
	}
	for _, tt := range tests {
		err := pc.Start(ctx, tt.xid, tt.flags)
		if tt.ok {
			assert.NoError(t, err, tt.name)
		} else {
			assert.True(t, Is(err, ErrTransactionalProtocol), "%s: %v", tt.name, err)
		}
	}

	// A transaction owns a single connection.
	other, err := p.Acquire(ctx, "other")
	require.NoError(t, err)
	err = other.Start(ctx, xid, TMNoFlags)
	assert.True(t, Is(err, ErrTransactionalProtocol), "%v", err)
}

func TestStartRequiresLease(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 1))

	pc, err := p.Acquire(context.Background(), "x")
	require.NoError(t, err)
	pc.Release("x")

	err = pc.Start(context.Background(), NewTxID(), TMNoFlags)
	assert.True(t, Is(err, ErrTransactionalProtocol), "%v", err)
	assert.Equal(t, StateFree, pc.State())
}

func TestStartDriverError(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 1))

	pc, err := p.Acquire(context.Background(), "x")
	require.NoError(t, err)
	fakeOf(t, pc).failNext("autocommit", errFakeBroken)

	err = pc.Start(context.Background(), NewTxID(), TMNoFlags)
	assert.Equal(t, errFakeBroken, err)
	assert.Equal(t, StateLeased, pc.State())
	assert.False(t, pc.Valid())
}

func TestConcurrentStartSameTx(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 2))
	ctx := context.Background()
	xid := NewTxID()

	a, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	require.NotSame(t, a, b)

	// Hold both connections inside SetAutoCommit(false) so both Starts
	// pass the enlistment check before either one enlists.
	entered, gate := make(chan struct{}), make(chan struct{})
	fakeOf(t, a).holdAutoCommitOff(entered, gate)
	fakeOf(t, b).holdAutoCommitOff(entered, gate)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pc := range []*PooledConn{a, b} {
		wg.Add(1)
		go func(i int, pc *PooledConn) {
			defer wg.Done()
			errs[i] = pc.Start(ctx, xid, TMNoFlags)
		}(i, pc)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("Start did not reach the driver")
		}
	}
	close(gate)
	require.False(t, waitTimeout(&wg, 5*time.Second))

	winner, loser := a, b
	if errs[0] != nil {
		winner, loser = b, a
		errs[0], errs[1] = errs[1], errs[0]
	}
	require.NoError(t, errs[0])
	assert.True(t, Is(errs[1], ErrTransactionalProtocol), "%v", errs[1])

	assert.Equal(t, StateStarted, winner.State())
	assert.Equal(t, StateLeased, loser.State())
	assert.Empty(t, loser.Xid())
	autoCommit, _, _, _ := fakeOf(t, loser).snapshot()
	assert.True(t, autoCommit)

	// The loser cannot end the winner's enlistment.
	assert.True(t, Is(loser.End(ctx, xid, TMSuccess), ErrTransactionalProtocol))
	loser.Release(loser.Owner())

	got, err := p.Acquire(WithTx(ctx, xid), "again")
	require.NoError(t, err)
	assert.Same(t, winner, got)
}

func TestPrepareVotes(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 2))

	pc, xid := startedConn(t, p)
	vote, err := pc.Prepare(xid)
	require.NoError(t, err)
	assert.Equal(t, VoteReadOnly, vote)

	fakeOf(t, pc).write()
	vote, err = pc.Prepare(xid)
	require.NoError(t, err)
	assert.Equal(t, VoteOK, vote)
	assert.Equal(t, "XA_OK", vote.String())

	_, err = pc.Prepare(NewTxID())
	assert.True(t, Is(err, ErrTransactionalProtocol))
}

func TestCommitAndRollback(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 2))
	ctx := context.Background()

	pc, xid := startedConn(t, p)
	fc := fakeOf(t, pc)

	require.NoError(t, pc.Commit(ctx, xid))
	require.NoError(t, pc.Rollback(ctx, xid))
	_, commits, rollbacks, _ := fc.snapshot()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, rollbacks)

	err := pc.Commit(ctx, NewTxID())
	assert.True(t, Is(err, ErrTransactionalProtocol))

	// Driver errors come back untouched.
	driverErr := errors.New("deadlock found when trying to get lock")
	fc.failNext("commit", driverErr)
	assert.Equal(t, driverErr, pc.Commit(ctx, xid))
	assert.True(t, pc.Valid())

	fc.failNext("rollback", errFakeBroken)
	assert.Equal(t, errFakeBroken, pc.Rollback(ctx, xid))
	assert.False(t, pc.Valid())
}

func TestEndSuccessWhileLeased(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 1))
	ctx := context.Background()

	pc, xid := startedConn(t, p)
	require.NoError(t, pc.End(ctx, xid, TMSuccess))

	assert.Equal(t, StateLeased, pc.State())
	assert.Equal(t, TxID(""), pc.Xid())
	autoCommit, commits, _, _ := fakeOf(t, pc).snapshot()
	assert.True(t, autoCommit)
	assert.Equal(t, 1, commits)

	// The transaction no longer owns it.
	other, err := p.Acquire(WithTx(ctx, xid), "tx-owner")
	assert.True(t, Is(err, ErrResourceExhausted), "%v", err)
	assert.Nil(t, other)
}

func TestEndFailRollsBack(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 1))
	ctx := context.Background()

	pc, xid := startedConn(t, p)
	pc.Release("tx-owner")
	require.Equal(t, StateStarted, pc.State())

	require.NoError(t, pc.End(ctx, xid, TMFail))
	autoCommit, _, rollbacks, _ := fakeOf(t, pc).snapshot()
	assert.True(t, autoCommit)
	assert.Equal(t, 1, rollbacks)
	assert.Equal(t, StateFree, pc.State())

	next, err := p.Acquire(ctx, "next")
	require.NoError(t, err)
	assert.Same(t, pc, next)
}

func TestEndSuspendKeepsEnlistment(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 1))
	ctx := context.Background()

	pc, xid := startedConn(t, p)
	require.NoError(t, pc.End(ctx, xid, TMSuspend))
	assert.Equal(t, StateStarted, pc.State())
	require.NoError(t, pc.Start(ctx, xid, TMResume))
	require.NoError(t, pc.End(ctx, xid, TMSuccess))
	assert.Equal(t, StateLeased, pc.State())

	err := pc.End(ctx, xid, TMSuccess)
	assert.True(t, Is(err, ErrTransactionalProtocol))
}

func TestEndFailureDisposesReleasedConnection(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 1))
	ctx := context.Background()

	pc, xid := startedConn(t, p)
	pc.Release("tx-owner")
	fc := fakeOf(t, pc)
	fc.failNext("rollback", errFakeBroken)

	assert.Equal(t, errFakeBroken, pc.End(ctx, xid, TMFail))
	assert.Equal(t, StateDisposed, pc.State())
	assert.Equal(t, 0, p.Size())
	_, _, _, closed := fc.snapshot()
	assert.Equal(t, 1, closed)
}

func TestDisposedConnectionRejectsProtocolCalls(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testConfig(0, 1))
	ctx := context.Background()

	pc, xid := startedConn(t, p)
	require.NoError(t, pc.Dispose())

	assert.True(t, Is(pc.Commit(ctx, xid), ErrTransactionalProtocol))
	assert.True(t, Is(pc.End(ctx, xid, TMSuccess), ErrTransactionalProtocol))
	assert.True(t, Is(pc.Start(ctx, xid, TMJoin), ErrTransactionalProtocol))

	// The transaction id is free again.
	next, err := p.Acquire(WithTx(ctx, xid), "tx-owner")
	require.NoError(t, err)
	assert.NotSame(t, pc, next)
}
