package pagecache

import "github.com/ncw/directio"

// pageList is an intrusive doubly-linked list over a single aligned
// allocation. Slot 0 is a sentinel (never handed out); slots 1..capacity
// hold page-sized buffers. Unused slots form an implicit singly-linked
// free chain through the same link array, so push/pop/insert/erase/move
// are all O(1) and never allocate.
type pageList struct {
	pageSize int
	capacity int
	buf      []byte // (capacity+1)*pageSize, directio-aligned

	prev []int
	next []int

	usingHead int
	usingTail int
	freeHead  int
	size      int
}

// end is the sentinel index returned by empty-list queries and used as the
// "past the tail" iterator value.
const end = 0

func newPageList(capacity, pageSize int) *pageList {
	pl := &pageList{
		pageSize: pageSize,
		capacity: capacity,
		buf:      directio.AlignedBlock((capacity + 1) * pageSize),
		prev:     make([]int, capacity+1),
		next:     make([]int, capacity+1),
	}
	for i := 1; i < capacity; i++ {
		pl.next[i] = i + 1
	}
	if capacity > 0 {
		pl.freeHead = 1
	}
	return pl
}

func (pl *pageList) Len() int    { return pl.size }
func (pl *pageList) Full() bool  { return pl.size == pl.capacity }
func (pl *pageList) Empty() bool { return pl.size == 0 }
func (pl *pageList) End() int    { return end }
func (pl *pageList) Head() int   { return pl.usingHead }
func (pl *pageList) Tail() int   { return pl.usingTail }
func (pl *pageList) Next(i int) int { return pl.next[i] }
func (pl *pageList) Prev(i int) int { return pl.prev[i] }

// Bytes returns the page-sized buffer backing slot i.
func (pl *pageList) Bytes(i int) []byte {
	return pl.buf[i*pl.pageSize : (i+1)*pl.pageSize]
}

func (pl *pageList) acquire() (int, bool) {
	if pl.freeHead == end {
		return end, false
	}
	idx := pl.freeHead
	pl.freeHead = pl.next[idx]
	return idx, true
}

func (pl *pageList) release(idx int) {
	pl.next[idx] = pl.freeHead
	pl.freeHead = idx
}

func (pl *pageList) linkAtFront(idx int) {
	pl.prev[idx] = end
	pl.next[idx] = pl.usingHead
	if pl.usingHead != end {
		pl.prev[pl.usingHead] = idx
	} else {
		pl.usingTail = idx
	}
	pl.usingHead = idx
}

func (pl *pageList) linkAtBack(idx int) {
	pl.next[idx] = end
	pl.prev[idx] = pl.usingTail
	if pl.usingTail != end {
		pl.next[pl.usingTail] = idx
	} else {
		pl.usingHead = idx
	}
	pl.usingTail = idx
}

// linkBefore splices idx immediately before `before` in the using list.
// before == end means "at the back".
func (pl *pageList) linkBefore(idx, before int) {
	if before == end {
		pl.linkAtBack(idx)
		return
	}
	if before == pl.usingHead {
		pl.linkAtFront(idx)
		return
	}
	pred := pl.prev[before]
	pl.prev[idx] = pred
	pl.next[idx] = before
	pl.next[pred] = idx
	pl.prev[before] = idx
}

// unlink removes idx from the using list without touching the free chain.
func (pl *pageList) unlink(idx int) {
	p, n := pl.prev[idx], pl.next[idx]
	if p != end {
		pl.next[p] = n
	} else {
		pl.usingHead = n
	}
	if n != end {
		pl.prev[n] = p
	} else {
		pl.usingTail = p
	}
}

// PushFront acquires a fresh slot and links it at the head.
func (pl *pageList) PushFront() (int, bool) {
	idx, ok := pl.acquire()
	if !ok {
		return end, false
	}
	pl.linkAtFront(idx)
	pl.size++
	return idx, true
}

// PushBack acquires a fresh slot and links it at the tail.
func (pl *pageList) PushBack() (int, bool) {
	idx, ok := pl.acquire()
	if !ok {
		return end, false
	}
	pl.linkAtBack(idx)
	pl.size++
	return idx, true
}

// Erase unlinks idx, returns it to the free chain, and returns its former
// successor.
func (pl *pageList) Erase(idx int) int {
	succ := pl.next[idx]
	pl.unlink(idx)
	pl.release(idx)
	pl.size--
	return succ
}

// PopBack evicts the tail slot.
func (pl *pageList) PopBack() {
	if pl.usingTail == end {
		return
	}
	pl.Erase(pl.usingTail)
}

// MoveToHead relinks an already-resident slot to the front, without
// touching its buffer contents.
func (pl *pageList) MoveToHead(idx int) {
	if idx == pl.usingHead {
		return
	}
	pl.unlink(idx)
	pl.linkAtFront(idx)
}

// MoveToBack relinks an already-resident slot to the back.
func (pl *pageList) MoveToBack(idx int) {
	if idx == pl.usingTail {
		return
	}
	pl.unlink(idx)
	pl.linkAtBack(idx)
}

// MoveBefore relinks idx to sit immediately before `before`.
func (pl *pageList) MoveBefore(idx, before int) {
	if idx == before {
		return
	}
	pl.unlink(idx)
	pl.linkBefore(idx, before)
}
