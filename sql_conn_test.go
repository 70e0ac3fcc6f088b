package txpool

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSQLitePool returns a pool over a fresh sqlite database file with a
// single table. It skips the test when sqlite3 was built without cgo.
func newSQLitePool(t *testing.T, soft, hard int) *Pool {
	t.Helper()
	cfg := testConfig(soft, hard)
	cfg.Driver = DriverSQLite3
	cfg.Endpoint = "file:" + filepath.Join(t.TempDir(), "txpool.db") + "?_busy_timeout=5000"

	p, err := NewPool(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	pc, err := p.Acquire(context.Background(), "schema")
	if err != nil && strings.Contains(err.Error(), "CGO_ENABLED=0") {
		t.Skip("go-sqlite3 requires cgo")
	}
	require.NoError(t, err)
	defer pc.Release("schema")

	_, err = sqlConn(t, pc).ExecContext(context.Background(), `CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER NOT NULL)`)
	require.NoError(t, err)
	return p
}

func sqlConn(t *testing.T, pc *PooledConn) *SQLConn {
	t.Helper()
	c, ok := pc.Conn().(*SQLConn)
	require.True(t, ok)
	return c
}

func countAccounts(t *testing.T, p *Pool) int {
	t.Helper()
	pc, err := p.Acquire(context.Background(), "count")
	require.NoError(t, err)
	defer pc.Release("count")

	var n int
	require.NoError(t, sqlConn(t, pc).QueryRowContext(context.Background(), `SELECT COUNT(*) FROM accounts`).Scan(&n))
	return n
}

func TestSQLConnCommit(t *testing.T) {
	t.Parallel()
	p := newSQLitePool(t, 0, 2)
	ctx := context.Background()

	xid := NewTxID()
	pc, err := p.Acquire(WithTx(ctx, xid), "writer")
	require.NoError(t, err)
	require.NoError(t, pc.Start(ctx, xid, TMNoFlags))

	vote, err := pc.Prepare(xid)
	require.NoError(t, err)
	assert.Equal(t, VoteReadOnly, vote)

	_, err = sqlConn(t, pc).ExecContext(ctx, `INSERT INTO accounts (id, balance) VALUES (1, 100)`)
	require.NoError(t, err)
	vote, err = pc.Prepare(xid)
	require.NoError(t, err)
	assert.Equal(t, VoteOK, vote)

	require.NoError(t, pc.Commit(ctx, xid))
	require.NoError(t, pc.End(ctx, xid, TMSuccess))
	pc.Release("writer")

	assert.Equal(t, 1, countAccounts(t, p))
}

func TestSQLConnRollback(t *testing.T) {
	t.Parallel()
	p := newSQLitePool(t, 0, 2)
	ctx := context.Background()

	xid := NewTxID()
	pc, err := p.Acquire(WithTx(ctx, xid), "writer")
	require.NoError(t, err)
	require.NoError(t, pc.Start(ctx, xid, TMNoFlags))

	_, err = sqlConn(t, pc).ExecContext(ctx, `INSERT INTO accounts (id, balance) VALUES (1, 100)`)
	require.NoError(t, err)
	require.NoError(t, pc.End(ctx, xid, TMFail))
	pc.Release("writer")

	assert.Equal(t, 0, countAccounts(t, p))
}

func TestSQLConnQueryWriteVotesOK(t *testing.T) {
	t.Parallel()
	p := newSQLitePool(t, 0, 2)
	ctx := context.Background()

	xid := NewTxID()
	pc, err := p.Acquire(WithTx(ctx, xid), "writer")
	require.NoError(t, err)
	require.NoError(t, pc.Start(ctx, xid, TMNoFlags))

	rows, err := sqlConn(t, pc).QueryContext(ctx, `INSERT INTO accounts (balance) VALUES (5) RETURNING id`)
	require.NoError(t, err)
	require.True(t, rows.Next())
	var id int64
	require.NoError(t, rows.Scan(&id))
	require.NoError(t, rows.Close())

	vote, err := pc.Prepare(xid)
	require.NoError(t, err)
	assert.Equal(t, VoteOK, vote)

	require.NoError(t, pc.Rollback(ctx, xid))
	require.NoError(t, pc.End(ctx, xid, TMSuccess))
	pc.Release("writer")

	assert.Equal(t, 0, countAccounts(t, p))
}

func TestSQLConnQueryRowMarksPendingWrites(t *testing.T) {
	t.Parallel()
	p := newSQLitePool(t, 0, 2)
	ctx := context.Background()

	xid := NewTxID()
	pc, err := p.Acquire(WithTx(ctx, xid), "writer")
	require.NoError(t, err)
	require.NoError(t, pc.Start(ctx, xid, TMNoFlags))

	c := sqlConn(t, pc)
	assert.False(t, c.PendingWrites())
	var id int64
	require.NoError(t, c.QueryRowContext(ctx, `INSERT INTO accounts (balance) VALUES (7) RETURNING id`).Scan(&id))
	assert.True(t, c.PendingWrites())

	require.NoError(t, pc.Commit(ctx, xid))
	assert.False(t, c.PendingWrites())
	require.NoError(t, pc.End(ctx, xid, TMSuccess))
	pc.Release("writer")

	assert.Equal(t, 1, countAccounts(t, p))
}

func TestSQLConnAutoCommit(t *testing.T) {
	t.Parallel()
	p := newSQLitePool(t, 0, 2)
	ctx := context.Background()

	pc, err := p.Acquire(ctx, "writer")
	require.NoError(t, err)
	c := sqlConn(t, pc)
	_, err = c.ExecContext(ctx, `INSERT INTO accounts (id, balance) VALUES (1, 100)`)
	require.NoError(t, err)
	assert.False(t, c.PendingWrites())
	assert.Error(t, c.Commit(ctx))
	require.NoError(t, pc.Validate(ctx))
	pc.Release("writer")

	assert.Equal(t, 1, countAccounts(t, p))
}

func TestSQLConnClose(t *testing.T) {
	t.Parallel()
	p := newSQLitePool(t, 0, 1)
	ctx := context.Background()

	xid := NewTxID()
	pc, err := p.Acquire(WithTx(ctx, xid), "writer")
	require.NoError(t, err)
	require.NoError(t, pc.Start(ctx, xid, TMNoFlags))
	_, err = sqlConn(t, pc).ExecContext(ctx, `INSERT INTO accounts (id, balance) VALUES (1, 100)`)
	require.NoError(t, err)

	// Disposing an enlisted connection rolls its work back.
	require.NoError(t, pc.Dispose())
	assert.Equal(t, 0, countAccounts(t, p))
}

func TestSQLiteHasNoInspector(t *testing.T) {
	t.Parallel()
	p := newSQLitePool(t, 0, 1)

	report, err := p.ActivityReport(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Supported)
}

func TestSQLInspector(t *testing.T) {
	t.Parallel()
	p := newSQLitePool(t, 0, 1)
	ctx := context.Background()

	in := sqlInspector{
		dialect:      "sqlite3",
		queriesSQL:   `SELECT '7', 'app', 'main', 'running', 1.5, 'SELECT 1' UNION ALL SELECT '8', NULL, NULL, 'idle', NULL, NULL`,
		lockWaitsSQL: `SELECT '8', 'UPDATE accounts SET balance = 0', '7', 'SELECT 1'`,
	}
	pc, err := p.Acquire(ctx, "inspect")
	require.NoError(t, err)
	defer pc.Release("inspect")

	report, err := in.Inspect(ctx, sqlConn(t, pc))
	require.NoError(t, err)
	require.Len(t, report.Queries, 2)
	assert.Equal(t, ActiveQuery{SessionID: "7", User: "app", Database: "main", State: "running", Elapsed: 1500 * time.Millisecond, Query: "SELECT 1"}, report.Queries[0])
	assert.Equal(t, "idle", report.Queries[1].State)
	require.Len(t, report.LockWaits, 1)
	assert.Equal(t, "7", report.LockWaits[0].BlockingID)

	_, err = sqlInspector{dialect: "sqlite3", queriesSQL: `SELECT * FROM no_such_table`}.Inspect(ctx, sqlConn(t, pc))
	assert.Error(t, err)
}
