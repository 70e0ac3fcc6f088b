package txpool

import (
	"time"

	"github.com/sirupsen/logrus"
)

// startReaper starts the reaper goroutine. It is called once, by NewPool.
func (p *Pool) startReaper(interval time.Duration) {
	p.reaperStop = make(chan struct{})
	p.reaperDone = make(chan struct{})
	go p.reaper(interval)
}

func (p *Pool) reaper(interval time.Duration) {
	defer close(p.reaperDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.reaperStop: // pool was closed
			return
		}
		p.ReapSweep()
	}
}

// ReapSweep runs one reaper cycle and returns the number of connections it
// disposed. It disposes connections enlisted in a transaction that saw no
// use for longer than the staleness timeout, free connections idle for
// longer than it, and then the oldest free connections while more than
// SoftLimit connections are open. Leased connections outside a transaction
// are never touched.
func (p *Pool) ReapSweep() int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	stale, idle, shrunk := p.reapLocked()
	fields := make([]logrus.Fields, len(stale))
	for i, pc := range stale {
		fields[i] = logrus.Fields{
			"code":  ErrStaleConnectionDisposed,
			"conn":  pc.id,
			"owner": pc.owner,
			"tx":    pc.xid,
		}
	}
	p.counters.sweeps++
	p.mu.Unlock()

	for _, f := range fields {
		p.log.WithFields(f).Warnf("disposing connection enlisted in a transaction unused for more than %v", p.stalenessTimeout)
	}
	p.closeConns(stale, reasonStale)
	p.closeConns(idle, reasonIdle)
	p.closeConns(shrunk, reasonShrink)

	n := len(stale) + len(idle) + len(shrunk)
	if n > 0 {
		p.log.Debugf("reaper disposed %d stale, %d idle, %d over soft limit", len(stale), len(idle), len(shrunk))
	}
	return n
}

func (p *Pool) reapLocked() (stale, idle, shrunk []*PooledConn) {
	now := p.now()

	if p.stalenessTimeout > 0 {
		expiredSince := now.Add(-p.stalenessTimeout)
		for pc := range p.registry {
			if pc.started && pc.lastUsed.Before(expiredSince) {
				stale = append(stale, pc)
			}
		}
		for _, pc := range stale {
			p.removeLocked(pc, reasonStale)
		}
		p.counters.staleDisposed += int64(len(stale))

		for _, pc := range p.free.snapshot() {
			if pc.returnedAt.Before(expiredSince) {
				p.removeLocked(pc, reasonIdle)
				idle = append(idle, pc)
			}
		}
		p.counters.idleDisposed += int64(len(idle))
	}

	for p.numOpen > p.softLimit {
		pc := p.free.oldest()
		if pc == nil {
			break
		}
		p.removeLocked(pc, reasonShrink)
		shrunk = append(shrunk, pc)
	}
	p.counters.shrunk += int64(len(shrunk))
	return stale, idle, shrunk
}
