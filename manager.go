package txpool

import (
	"sort"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Manager owns a set of named pools, typically one per database the
// application talks to. It's safe for concurrent use.
type Manager struct {
	pools cmap.ConcurrentMap // name -> *Pool
	log   logrus.FieldLogger

	mu     deadlock.Mutex // serializes Open, Remove and Close
	closed bool
}

// NewManager returns an empty Manager. Pools opened without a logger of
// their own log to log.
func NewManager(log logrus.FieldLogger) *Manager {
	if log == nil {
		log = defaultLogger()
	}
	return &Manager{
		pools: cmap.New(),
		log:   log,
	}
}

// Open returns the pool registered under cfg's name, creating it with
// opener when there is none yet. A nil opener means a SQLOpener.
func (m *Manager) Open(cfg Config, opener Opener) (*Pool, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.Driver
	}
	if name == "" {
		return nil, newError(ErrInvalidConfig, "pool needs a name or a driver")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, newErrorf(ErrPoolClosed, "open %s: manager is closed", name)
	}
	if tmp, ok := m.pools.Get(name); ok {
		return tmp.(*Pool), nil
	}

	cfg.Name = name
	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	p, err := NewPool(cfg, opener)
	if err != nil {
		return nil, errors.Wrapf(err, "opening pool %s", name)
	}
	m.pools.Set(name, p)
	return p, nil
}

// Get returns the pool registered under name.
func (m *Manager) Get(name string) (*Pool, bool) {
	tmp, ok := m.pools.Get(name)
	if !ok {
		return nil, false
	}
	return tmp.(*Pool), true
}

// Names returns the names of the registered pools, sorted.
func (m *Manager) Names() []string {
	names := m.pools.Keys()
	sort.Strings(names)
	return names
}

// Remove closes the pool registered under name and forgets it.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	tmp, ok := m.pools.Pop(name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return tmp.(*Pool).Close()
}

// Stats returns the statistics of every pool, sorted by name.
func (m *Manager) Stats() []PoolStats {
	stats := make([]PoolStats, 0, m.pools.Count())
	for tuple := range m.pools.IterBuffered() {
		stats = append(stats, tuple.Val.(*Pool).Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Close closes every pool concurrently. Open fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var pools []*Pool
	for tuple := range m.pools.IterBuffered() {
		pools = append(pools, tuple.Val.(*Pool))
		m.pools.Remove(tuple.Key)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range pools {
		p := p
		g.Go(func() error {
			return errors.Wrapf(p.Close(), "closing pool %s", p.Name())
		})
	}
	return g.Wait()
}
