package cache

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"
)

type shard struct {
	mu    sync.Mutex
	items map[string]*item
	order order
	// gen changes whenever a key in the shard is written or invalidated.
	// Store bumps it under capMu.
	gen atomic.Uint64
}

// victimRef is a policy victim as seen under the shard lock.
type victimRef struct {
	it   *item
	rank rank
	size int64
}

func newShard(p Policy) *shard {
	return &shard{items: make(map[string]*item), order: newOrder(p)}
}

// get returns a copy of the value and records the access. Expired items are
// removed and reported via expired.
func (s *shard) get(key string, now time.Time, seq uint64, p Policy) (value []byte, size int64, ok, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, found := s.items[key]
	if !found {
		return nil, 0, false, false
	}
	if it.Expired(now) {
		s.removeLocked(it)
		return nil, it.SizeBytes, false, true
	}
	it.AccessCount++
	it.LastAccess = now
	if p != PolicyFIFO {
		it.seq = seq
	}
	s.order.touch(it)
	return bytes.Clone(it.Value), 0, true, false
}

func (s *shard) insert(it *item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.Key] = it
	s.order.add(it)
}

// remove deletes key and returns the freed size.
func (s *shard) remove(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return 0, false
	}
	s.removeLocked(it)
	return it.SizeBytes, true
}

// removeIf deletes it only if it is still the resident item for its key.
func (s *shard) removeIf(it *item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[it.Key]; !ok || cur != it {
		return false
	}
	s.removeLocked(it)
	return true
}

func (s *shard) removeLocked(it *item) {
	s.order.remove(it)
	delete(s.items, it.Key)
}

func (s *shard) victim() (victimRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.order.victim()
	if it == nil {
		return victimRef{}, false
	}
	return victimRef{it: it, rank: it.rank(), size: it.SizeBytes}, true
}

// expire removes every expired item and returns the count and freed bytes.
func (s *shard) expire(now time.Time) (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	var freed int64
	for _, it := range s.items {
		if it.Expired(now) {
			s.removeLocked(it)
			n++
			freed += it.SizeBytes
		}
	}
	return n, freed
}

func (s *shard) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*item)
	s.order = newOrderLike(s.order)
}

func newOrderLike(o order) order {
	switch v := o.(type) {
	case *lfuOrder:
		return &lfuOrder{}
	case *listOrder:
		return &listOrder{l: v.l.Init(), moveOnTouch: v.moveOnTouch}
	default:
		return o
	}
}
