package txpool

import (
	"github.com/hashicorp/golang-lru/simplelru"
)

// freeList holds the unleased connections of a pool ordered by the time
// they were returned. Acquire takes the newest, the reaper shrinks from the
// oldest. It is not safe for concurrent use; the pool guards it with mu.
type freeList struct {
	lru  *simplelru.LRU
	size int
}

func newFreeList(size int) *freeList {
	if size < 1 {
		size = 1
	}
	l, err := simplelru.NewLRU(size, nil)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &freeList{lru: l, size: size}
}

func (fl *freeList) len() int { return fl.lru.Len() }

func (fl *freeList) push(pc *PooledConn) {
	if fl.lru.Contains(pc) {
		// Refresh the position.
		fl.lru.Remove(pc)
	} else if fl.lru.Len() >= fl.size {
		// Never let the LRU evict a connection silently.
		fl.resize(fl.size * 2)
	}
	fl.lru.Add(pc, struct{}{})
}

// popNewest removes and returns the most recently returned connection.
func (fl *freeList) popNewest() *PooledConn {
	keys := fl.lru.Keys()
	if len(keys) == 0 {
		return nil
	}
	pc := keys[len(keys)-1].(*PooledConn)
	fl.lru.Remove(pc)
	return pc
}

// oldest returns the least recently returned connection without removing it.
func (fl *freeList) oldest() *PooledConn {
	k, _, ok := fl.lru.GetOldest()
	if !ok {
		return nil
	}
	return k.(*PooledConn)
}

// snapshot returns the free connections, oldest first.
func (fl *freeList) snapshot() []*PooledConn {
	keys := fl.lru.Keys()
	conns := make([]*PooledConn, len(keys))
	for i, k := range keys {
		conns[i] = k.(*PooledConn)
	}
	return conns
}

func (fl *freeList) remove(pc *PooledConn) {
	fl.lru.Remove(pc)
}

func (fl *freeList) resize(size int) {
	if size < 1 {
		size = 1
	}
	if size < fl.lru.Len() {
		size = fl.lru.Len()
	}
	fl.lru.Resize(size)
	fl.size = size
}
