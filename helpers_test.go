package txpool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var errFakeBroken = errors.New("fake: connection broken")

// fakeConn records what the pool asked of it.
type fakeConn struct {
	mu         sync.Mutex
	id         int
	autoCommit bool
	writes     bool
	commits    int
	rollbacks  int
	closed     int
	failOn     map[string]error // op -> error returned once

	// When set, SetAutoCommit(false) signals offEntered and waits on offGate.
	offEntered chan struct{}
	offGate    chan struct{}
}

func newFakeConn(id int) *fakeConn {
	return &fakeConn{id: id, autoCommit: true, failOn: make(map[string]error)}
}

func (c *fakeConn) fail(op string) error {
	err := c.failOn[op]
	delete(c.failOn, op)
	return err
}

func (c *fakeConn) failNext(op string, err error) {
	c.mu.Lock()
	c.failOn[op] = err
	c.mu.Unlock()
}

// holdAutoCommitOff makes the next SetAutoCommit(false) calls block until
// gate is closed, after sending on entered.
func (c *fakeConn) holdAutoCommitOff(entered, gate chan struct{}) {
	c.mu.Lock()
	c.offEntered, c.offGate = entered, gate
	c.mu.Unlock()
}

func (c *fakeConn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	entered, gate := c.offEntered, c.offGate
	c.mu.Unlock()
	if !on && gate != nil {
		entered <- struct{}{}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("autocommit"); err != nil {
		return err
	}
	if on && !c.autoCommit {
		c.commits++
		c.writes = false
	}
	c.autoCommit = on
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("commit"); err != nil {
		return err
	}
	c.commits++
	c.writes = false
	return nil
}

func (c *fakeConn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("rollback"); err != nil {
		return err
	}
	c.rollbacks++
	c.writes = false
	return nil
}

func (c *fakeConn) Validate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fail("validate")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.fail("close")
}

func (c *fakeConn) PendingWrites() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *fakeConn) IsBadConn(err error) bool {
	return errors.Is(err, errFakeBroken)
}

// QueryContext makes fakeConn a Querier for inspector tests; fakeInspector
// never calls it.
func (c *fakeConn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, driver.ErrSkip
}

func (c *fakeConn) write() {
	c.mu.Lock()
	c.writes = true
	c.mu.Unlock()
}

func (c *fakeConn) snapshot() (autoCommit bool, commits, rollbacks, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit, c.commits, c.rollbacks, c.closed
}

// fakeOpener hands out fakeConns.
type fakeOpener struct {
	mu        sync.Mutex
	conns     []*fakeConn
	err       error
	delay     time.Duration
	inspector Inspector
}

func (o *fakeOpener) Open(ctx context.Context) (Conn, error) {
	o.mu.Lock()
	delay, err := o.delay, o.err
	o.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	c := newFakeConn(len(o.conns))
	o.conns = append(o.conns, c)
	return c, nil
}

func (o *fakeOpener) Inspector() Inspector { return o.inspector }

func (o *fakeOpener) setErr(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *fakeOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.conns)
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testConfig returns a config without a reaper so tests drive sweeps by hand.
func testConfig(soft, hard int) Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.SoftLimit = soft
	cfg.HardLimit = hard
	cfg.ReaperInterval = 0
	cfg.Logger = NopLogger()
	return cfg
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeOpener) {
	t.Helper()
	opener := &fakeOpener{}
	p, err := NewPool(cfg, opener)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, opener
}

// newClockedPool returns a pool whose time is driven by the returned clock.
func newClockedPool(t *testing.T, cfg Config) (*Pool, *fakeOpener, *testClock) {
	t.Helper()
	require.Zero(t, cfg.ReaperInterval, "a running reaper would race the clock swap")
	p, opener := newTestPool(t, cfg)
	clock := newTestClock()
	p.now = clock.Now
	return p, opener, clock
}

// newHookedLogger returns a logger whose entries can be inspected.
func newHookedLogger() (logrus.FieldLogger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// entriesAt returns the entries logged at level.
func entriesAt(hook *test.Hook, level logrus.Level) []logrus.Entry {
	var out []logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			out = append(out, *e)
		}
	}
	return out
}

func fakeOf(t *testing.T, pc *PooledConn) *fakeConn {
	t.Helper()
	fc, ok := pc.Conn().(*fakeConn)
	require.True(t, ok)
	return fc
}

// waitTimeout waits for the waitgroup for the specified max timeout.
// Returns true if waiting timed out.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}
