package txpool

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/table"
)

// counters are cumulative; guarded by Pool.mu.
type counters struct {
	opened          int64
	connectFailures int64
	exhausted       int64
	disposed        int64
	mismatches      int64
	sweeps          int64
	staleDisposed   int64
	idleDisposed    int64
	shrunk          int64
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Name      string
	SoftLimit int
	HardLimit int

	// Pool status
	Open    int // established connections in any state
	Pending int // connections being opened
	Free    int
	Leased  int // leased and not enlisted
	Started int // enlisted in a transaction

	// Counters
	Opened          int64 // connections ever opened
	ConnectFailures int64 // failed attempts to open a connection
	Exhausted       int64 // Acquire calls refused at the hard limit
	Disposed        int64 // connections disposed for any reason
	Mismatches      int64 // releases by a label that did not own the lease
	Sweeps          int64 // reaper cycles run
	StaleDisposed   int64 // enlisted connections disposed by the reaper
	IdleDisposed    int64 // free connections disposed by the reaper
	Shrunk          int64 // free connections disposed to reach SoftLimit
}

// ConnStats describes one connection of a pool.
type ConnStats struct {
	ID       string
	State    State
	Owner    string
	Tx       TxID
	LastUsed time.Time
	Idle     time.Duration // since LastUsed
	Stale    bool          // a reaper cycle now would dispose it
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() PoolStats {
	s := PoolStats{
		Name:      p.name,
		SoftLimit: p.softLimit,
		HardLimit: p.hardLimit,
		Open:      p.numOpen,
		Pending:   p.numPending,

		Opened:          p.counters.opened,
		ConnectFailures: p.counters.connectFailures,
		Exhausted:       p.counters.exhausted,
		Disposed:        p.counters.disposed,
		Mismatches:      p.counters.mismatches,
		Sweeps:          p.counters.sweeps,
		StaleDisposed:   p.counters.staleDisposed,
		IdleDisposed:    p.counters.idleDisposed,
		Shrunk:          p.counters.shrunk,
	}
	for pc := range p.registry {
		switch pc.stateLocked() {
		case StateFree:
			s.Free++
		case StateLeased:
			s.Leased++
		case StateStarted:
			s.Started++
		}
	}
	return s
}

// ConnStats returns one entry per open connection, oldest first.
func (p *Pool) ConnStats() []ConnStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connStatsLocked()
}

func (p *Pool) connStatsLocked() []ConnStats {
	now := p.now()
	conns := make([]*PooledConn, 0, len(p.registry))
	for pc := range p.registry {
		conns = append(conns, pc)
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].createdAt.Equal(conns[j].createdAt) {
			return conns[i].id < conns[j].id
		}
		return conns[i].createdAt.Before(conns[j].createdAt)
	})

	out := make([]ConnStats, len(conns))
	for i, pc := range conns {
		state := pc.stateLocked()
		cs := ConnStats{
			ID:       pc.id,
			State:    state,
			Owner:    pc.owner,
			Tx:       pc.xid,
			LastUsed: pc.lastUsed,
			Idle:     now.Sub(pc.lastUsed),
		}
		if p.stalenessTimeout > 0 {
			switch state {
			case StateStarted:
				cs.Stale = now.Sub(pc.lastUsed) > p.stalenessTimeout
			case StateFree:
				cs.Stale = now.Sub(pc.returnedAt) > p.stalenessTimeout
			}
		}
		out[i] = cs
	}
	return out
}

// DumpStatistics returns a table with one row per connection followed by a
// summary line.
func (p *Pool) DumpStatistics() string {
	p.mu.Lock()
	s := p.statsLocked()
	conns := p.connStatsLocked()
	p.mu.Unlock()

	var b strings.Builder
	WriteConnTable(&b, conns)
	fmt.Fprintf(&b, "pool %s: %d open (%d free, %d leased, %d started), soft %d, hard %d, %d opened, %d disposed, %d refused\n",
		s.Name, s.Open, s.Free, s.Leased, s.Started, s.SoftLimit, s.HardLimit, s.Opened, s.Disposed, s.Exhausted)
	return b.String()
}

// WriteConnTable renders conns as a table to w.
func WriteConnTable(w io.Writer, conns []ConnStats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "State", "Owner", "Tx", "Last Used", "Idle", "Stale"})
	for _, c := range conns {
		stale := ""
		if c.Stale {
			stale = "yes"
		}
		t.AppendRow(table.Row{
			c.ID,
			c.State,
			c.Owner,
			c.Tx,
			c.LastUsed.Format(time.RFC3339),
			c.Idle.Truncate(time.Millisecond),
			stale,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", len(conns)})
	t.Render()
}
