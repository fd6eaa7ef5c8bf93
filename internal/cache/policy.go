package cache

import (
	"container/heap"
	"container/list"
	"fmt"
	"strings"
)

// Policy selects which resident entry is evicted first.
type Policy string

const (
	PolicyLRU  Policy = "lru"
	PolicyLFU  Policy = "lfu"
	PolicyFIFO Policy = "fifo"
)

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PolicyLRU, nil
	case PolicyLRU, PolicyLFU, PolicyFIFO:
		return p, nil
	default:
		return "", fmt.Errorf("unknown eviction policy %q", raw)
	}
}

// item is a resident memory-tier entry.
type item struct {
	Entry
	// seq orders items across shards: last access for LRU/LFU, insertion for FIFO.
	seq   uint64
	elem  *list.Element
	index int
}

// rank is the part of an item the eviction order compares. It is read under
// the owning shard's lock.
type rank struct {
	accessCount uint64
	seq         uint64
}

func (it *item) rank() rank { return rank{accessCount: it.AccessCount, seq: it.seq} }

// before reports whether a should be evicted ahead of b.
func (p Policy) before(a, b rank) bool {
	if p == PolicyLFU && a.accessCount != b.accessCount {
		return a.accessCount < b.accessCount
	}
	return a.seq < b.seq
}

// order is the per-shard eviction structure.
type order interface {
	add(it *item)
	touch(it *item)
	remove(it *item)
	victim() *item
	len() int
}

func newOrder(p Policy) order {
	switch p {
	case PolicyLFU:
		return &lfuOrder{}
	case PolicyFIFO:
		return &listOrder{l: list.New()}
	default:
		return &listOrder{l: list.New(), moveOnTouch: true}
	}
}

// listOrder keeps the oldest item at the front.
type listOrder struct {
	l           *list.List
	moveOnTouch bool
}

func (o *listOrder) add(it *item) { it.elem = o.l.PushBack(it) }

func (o *listOrder) touch(it *item) {
	if o.moveOnTouch && it.elem != nil {
		o.l.MoveToBack(it.elem)
	}
}

func (o *listOrder) remove(it *item) {
	if it.elem != nil {
		o.l.Remove(it.elem)
		it.elem = nil
	}
}

func (o *listOrder) victim() *item {
	front := o.l.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*item)
}

func (o *listOrder) len() int { return o.l.Len() }

// lfuOrder is a min-heap on (AccessCount, seq).
type lfuOrder struct {
	items []*item
}

func (o *lfuOrder) Len() int { return len(o.items) }

func (o *lfuOrder) Less(i, j int) bool {
	return PolicyLFU.before(o.items[i].rank(), o.items[j].rank())
}

func (o *lfuOrder) Swap(i, j int) {
	o.items[i], o.items[j] = o.items[j], o.items[i]
	o.items[i].index = i
	o.items[j].index = j
}

func (o *lfuOrder) Push(x any) {
	it := x.(*item)
	it.index = len(o.items)
	o.items = append(o.items, it)
}

func (o *lfuOrder) Pop() any {
	old := o.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	o.items = old[:n-1]
	return it
}

func (o *lfuOrder) add(it *item) { heap.Push(o, it) }

func (o *lfuOrder) touch(it *item) {
	if it.index >= 0 && it.index < len(o.items) {
		heap.Fix(o, it.index)
	}
}

func (o *lfuOrder) remove(it *item) {
	if it.index >= 0 && it.index < len(o.items) && o.items[it.index] == it {
		heap.Remove(o, it.index)
	}
}

func (o *lfuOrder) victim() *item {
	if len(o.items) == 0 {
		return nil
	}
	return o.items[0]
}

func (o *lfuOrder) len() int { return len(o.items) }
