package txpool

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Pool is a bounded registry of physical connections leased to callers by
// label. It's safe for concurrent use by multiple goroutines.
//
// Acquire never waits for capacity: when HardLimit connections are open it
// fails with ErrResourceExhausted. A reaper goroutine disposes connections
// that stayed idle, or enlisted in a transaction, longer than the staleness
// timeout and shrinks the pool toward SoftLimit.
type Pool struct {
	name      string
	opener    Opener
	inspector Inspector
	log       logrus.FieldLogger
	metrics   *poolMetrics
	now       func() time.Time

	loginTimeout     time.Duration
	stalenessTimeout time.Duration

	mu         deadlock.Mutex // protects following fields
	registry   map[*PooledConn]struct{}
	enlisted   map[TxID]*PooledConn
	free       *freeList
	numOpen    int // registered connections
	numPending int // connections being opened outside the lock
	softLimit  int
	hardLimit  int
	closed     bool
	counters   counters

	reaperStop chan struct{} // closed by Close
	reaperDone chan struct{} // closed by the reaper on exit
}

// NewPool validates cfg and returns a pool opening its connections with
// opener. When opener is nil a SQLOpener is built from cfg.
func NewPool(cfg Config, opener Opener) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opener == nil {
		o, err := NewSQLOpener(cfg)
		if err != nil {
			return nil, err
		}
		opener = o
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Driver
	}
	log := cfg.Logger
	if log == nil {
		log = defaultLogger()
	}

	p := &Pool{
		name:             name,
		opener:           opener,
		log:              log.WithField("pool", name),
		now:              time.Now,
		loginTimeout:     cfg.LoginTimeout,
		stalenessTimeout: cfg.StalenessTimeout,
		registry:         make(map[*PooledConn]struct{}),
		enlisted:         make(map[TxID]*PooledConn),
		free:             newFreeList(cfg.HardLimit),
		softLimit:        cfg.SoftLimit,
		hardLimit:        cfg.HardLimit,
	}
	if ip, ok := opener.(InspectorProvider); ok {
		p.inspector = ip.Inspector()
	}

	m, err := newPoolMetrics(name, p, cfg.Registerer)
	if err != nil {
		return nil, err
	}
	p.metrics = m

	if cfg.ReaperInterval > 0 {
		p.startReaper(cfg.ReaperInterval)
	}
	p.log.Debugf("pool opened: soft %d, hard %d, staleness %v, reaper %v",
		cfg.SoftLimit, cfg.HardLimit, cfg.StalenessTimeout, cfg.ReaperInterval)
	return p, nil
}

// Name returns the name the pool logs and reports metrics under.
func (p *Pool) Name() string { return p.name }

// Acquire leases a connection to the caller identified by label.
//
// When ctx carries a transaction (see WithTx) and a connection is already
// enlisted in it, that connection is returned again. Otherwise the most
// recently returned free connection is reused, or a new one is opened if
// the hard limit allows it. At the hard limit Acquire fails immediately
// with ErrResourceExhausted.
func (p *Pool) Acquire(ctx context.Context, label string) (*PooledConn, error) {
	select {
	default:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	tx, inTx := TxFromContext(ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newErrorf(ErrPoolClosed, "acquire %q: pool %s is closed", label, p.name)
	}

	if inTx {
		if pc, ok := p.enlisted[tx]; ok {
			p.leaseLocked(pc, label, tx)
			p.mu.Unlock()
			p.metrics.acquired(pathAffinity)
			p.log.WithFields(logrus.Fields{"conn": pc.id, "owner": label, "tx": tx}).Debug("acquire: reusing enlisted connection")
			return pc, nil
		}
	}

	if pc := p.free.popNewest(); pc != nil {
		p.leaseLocked(pc, label, tx)
		p.mu.Unlock()
		p.metrics.acquired(pathFree)
		p.log.WithFields(logrus.Fields{"conn": pc.id, "owner": label}).Debug("acquire: reusing free connection")
		return pc, nil
	}

	if p.numOpen+p.numPending >= p.hardLimit {
		p.counters.exhausted++
		open, pending, hard := p.numOpen, p.numPending, p.hardLimit
		p.mu.Unlock()
		p.metrics.exhausted.Inc()
		return nil, newErrorf(ErrResourceExhausted, "acquire %q: %d connections open, %d opening, hard limit %d",
			label, open, pending, hard)
	}

	// Reserve the slot so concurrent callers cannot overshoot the hard
	// limit while the connection is opened without the lock.
	p.numPending++
	p.mu.Unlock()

	conn, err := p.open(ctx)

	p.mu.Lock()
	p.numPending--
	if err != nil {
		p.counters.connectFailures++
		p.mu.Unlock()
		p.metrics.connectFailures.Inc()
		p.log.WithField("owner", label).Debugf("acquire: opening connection: %v", err)
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		if cerr := conn.Close(); cerr != nil {
			p.log.Errorf("closing connection opened during shutdown: %v", cerr)
		}
		return nil, newErrorf(ErrPoolClosed, "acquire %q: pool %s closed while connecting", label, p.name)
	}
	pc := newPooledConn(p, uuid.NewString(), conn, p.now())
	p.registry[pc] = struct{}{}
	p.numOpen++
	p.counters.opened++
	p.leaseLocked(pc, label, tx)
	p.mu.Unlock()

	p.metrics.opened.Inc()
	p.metrics.acquired(pathNew)
	p.log.WithFields(logrus.Fields{"conn": pc.id, "owner": label}).Debug("acquire: opened new connection")
	return pc, nil
}

// open creates a physical connection bounded by the login timeout. Any
// failure is reported as ErrConnectivity.
func (p *Pool) open(ctx context.Context) (Conn, error) {
	if p.loginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.loginTimeout)
		defer cancel()
	}
	conn, err := p.opener.Open(ctx)
	switch {
	case err != nil && Is(err, ErrConnectivity):
		return nil, err
	case err != nil:
		return nil, wrapError(ErrConnectivity, err, "opening connection")
	case conn == nil:
		return nil, newError(ErrConnectivity, "opener returned no connection")
	}
	return conn, nil
}

func (p *Pool) leaseLocked(pc *PooledConn, label string, tx TxID) {
	if len(pc.holders) == 0 {
		pc.owner = label
		pc.leaseTx = tx
	}
	pc.holders = append(pc.holders, label)
	pc.lastUsed = p.now()
}

// Size returns the number of open physical connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numOpen
}

// SoftLimit returns the preferred pool size.
func (p *Pool) SoftLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.softLimit
}

// HardLimit returns the maximum number of open connections.
func (p *Pool) HardLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hardLimit
}

// SetSoftLimit changes the size the reaper shrinks the pool toward.
func (p *Pool) SetSoftLimit(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 {
		return newErrorf(ErrInvalidConfig, "soft limit must be non-negative, got %d", n)
	}
	if n > p.hardLimit {
		return newErrorf(ErrInvalidConfig, "soft limit %d exceeds hard limit %d", n, p.hardLimit)
	}
	p.softLimit = n
	return nil
}

// SetHardLimit changes the maximum number of open connections. It fails
// when n is lower than the soft limit. Connections already open above a
// lowered limit stay open; new ones are refused until the count drops.
func (p *Pool) SetHardLimit(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < p.softLimit {
		return newErrorf(ErrInvalidConfig, "hard limit %d is lower than soft limit %d", n, p.softLimit)
	}
	p.hardLimit = n
	size := n
	if p.numOpen > size {
		size = p.numOpen
	}
	p.free.resize(size)
	return nil
}

// Close disposes every connection and stops the reaper. Close is
// idempotent; Acquire fails with ErrPoolClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	closing := make([]*PooledConn, 0, len(p.registry))
	for pc := range p.registry {
		p.removeLocked(pc, reasonClose)
		closing = append(closing, pc)
	}
	stop, done := p.reaperStop, p.reaperDone
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	var g errgroup.Group
	for _, pc := range closing {
		pc := pc
		g.Go(func() error {
			if err := pc.closePhysical(); err != nil {
				return errors.Wrapf(err, "closing connection %s", pc.id)
			}
			return nil
		})
	}
	err := g.Wait()
	p.metrics.unregister()
	p.log.Debugf("pool closed, %d connections disposed", len(closing))
	return err
}
