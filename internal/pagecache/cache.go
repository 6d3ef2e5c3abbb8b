package pagecache

import (
	"os"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// pageInfo tracks the cache-resident state of one page: which slot holds
// its bytes, how many callers currently hold it pinned, and whether it has
// been mutated since it was last written back.
type pageInfo struct {
	offset   uint64
	slot     int
	pinCount int
	dirty    bool
}

// Cache is a fixed-capacity, pin-aware LRU page cache backed by unbuffered
// (O_DIRECT) file I/O. The using list is kept in two contiguous regions:
// a pinned front region and an unpinned back region, separated by
// unusedHead. Eviction always takes from the tail of the unpinned region,
// so a pinned page is never evicted.
type Cache struct {
	file     *os.File
	pageSize int

	list       *pageList
	pages      map[uint64]*pageInfo
	slotOffset map[int]uint64

	// unusedHead is the slot at the boundary between pinned and unpinned
	// pages, or end if no page is currently unpinned.
	unusedHead int
}

// Open opens (creating if absent) the backing file for unbuffered I/O and
// constructs a cache with room for capacity resident pages of pageSize
// bytes each.
func Open(path string, pageSize, capacity int) (*Cache, error) {
	if pageSize <= 0 || pageSize%directio.BlockSize != 0 {
		return nil, errors.Wrapf(ErrConfigInvalid, "page size %d must be a positive multiple of %d", pageSize, directio.BlockSize)
	}
	if pageSize%os.Getpagesize() != 0 {
		return nil, errors.Wrapf(ErrConfigInvalid, "page size %d must be a multiple of the OS page size %d", pageSize, os.Getpagesize())
	}
	if capacity <= 0 {
		return nil, errors.Wrap(ErrConfigInvalid, "cache capacity must be positive")
	}
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return &Cache{
		file:       f,
		pageSize:   pageSize,
		list:       newPageList(capacity, pageSize),
		pages:      make(map[uint64]*pageInfo),
		slotOffset: make(map[int]uint64),
		unusedHead: end,
	}, nil
}

// PageHandle is a pinned reference to one cached page's bytes. Callers
// mutate Bytes() in place, call MarkDirty once they have, and must call
// Release exactly once when done.
type PageHandle struct {
	cache  *Cache
	Offset uint64
}

// Bytes returns the live, page-sized buffer for this handle. It is valid
// only until Release.
func (h *PageHandle) Bytes() []byte {
	info := h.cache.pages[h.Offset]
	return h.cache.list.Bytes(info.slot)
}

// MarkDirty flags the page as modified so it is written back before reuse.
func (h *PageHandle) MarkDirty() {
	h.cache.pages[h.Offset].dirty = true
}

// Release unpins the page. Once its pin count reaches zero it becomes
// eligible for eviction, ordered least-recently-released first.
func (h *PageHandle) Release() error {
	return h.cache.unpin(h.Offset)
}

// Get returns a pinned handle to the page at offset, reading it from disk
// unless isNew is true (a freshly allocated page whose bytes don't exist
// on disk yet). Repeated gets of an already-resident page simply bump its
// pin count.
func (c *Cache) Get(offset uint64, isNew bool) (*PageHandle, error) {
	if info, ok := c.pages[offset]; ok {
		wasUnusedHead := info.slot == c.unusedHead
		succ := c.list.Next(info.slot)
		c.list.MoveToHead(info.slot)
		info.pinCount++
		if wasUnusedHead {
			c.unusedHead = succ
		}
		return &PageHandle{cache: c, Offset: offset}, nil
	}

	if c.list.Full() {
		if c.unusedHead == end {
			return nil, errors.Wrapf(ErrCacheExhausted, "offset %#x", offset)
		}
		if err := c.evict(); err != nil {
			return nil, err
		}
	}

	slot, ok := c.list.PushFront()
	if !ok {
		return nil, errors.Wrapf(ErrCacheExhausted, "offset %#x", offset)
	}
	if !isNew {
		if _, err := c.file.ReadAt(c.list.Bytes(slot), int64(offset)); err != nil {
			c.list.Erase(slot)
			return nil, errors.Wrapf(ErrIO, "read page at %#x: %v", offset, err)
		}
	}

	c.pages[offset] = &pageInfo{offset: offset, slot: slot, pinCount: 1, dirty: isNew}
	c.slotOffset[slot] = offset
	return &PageHandle{cache: c, Offset: offset}, nil
}

// evict writes back (if dirty) and drops the least-recently-unused page.
func (c *Cache) evict() error {
	tail := c.list.Tail()
	offset := c.slotOffset[tail]
	info := c.pages[offset]
	if info.dirty {
		if _, err := c.file.WriteAt(c.list.Bytes(tail), int64(offset)); err != nil {
			return errors.Wrapf(ErrIO, "writeback page at %#x: %v", offset, err)
		}
	}
	if c.unusedHead == tail {
		c.unusedHead = end
	}
	c.list.PopBack()
	delete(c.pages, offset)
	delete(c.slotOffset, tail)
	return nil
}

func (c *Cache) unpin(offset uint64) error {
	info, ok := c.pages[offset]
	if !ok || info.pinCount == 0 {
		return errors.Wrapf(ErrIO, "unpin of non-pinned page %#x", offset)
	}
	info.pinCount--
	if info.pinCount > 0 {
		return nil
	}
	if c.unusedHead == end {
		c.list.MoveToBack(info.slot)
		c.unusedHead = info.slot
		return nil
	}
	c.list.MoveBefore(info.slot, c.unusedHead)
	c.unusedHead = info.slot
	return nil
}

// Sync writes a still-pinned dirty page back to disk immediately and fsyncs
// the file, used at root-change boundaries rather than waiting for eviction
// or Close.
func (c *Cache) Sync(offset uint64) error {
	info, ok := c.pages[offset]
	if !ok {
		return errors.Wrapf(ErrIO, "sync of non-resident page %#x", offset)
	}
	if !info.dirty {
		return nil
	}
	if _, err := c.file.WriteAt(c.list.Bytes(info.slot), int64(offset)); err != nil {
		return errors.Wrapf(ErrIO, "sync page at %#x: %v", offset, err)
	}
	if err := c.file.Sync(); err != nil {
		return errors.Wrapf(ErrIO, "fsync page at %#x: %v", offset, err)
	}
	info.dirty = false
	return nil
}

// Flush writes back every dirty resident page without evicting any of
// them.
func (c *Cache) Flush() error {
	for offset := range c.pages {
		if err := c.Sync(offset); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes all dirty pages and closes the backing file.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	if err := c.file.Close(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// PinCount reports how many outstanding handles a resident page has, or 0
// if it isn't resident.
func (c *Cache) PinCount(offset uint64) int {
	if info, ok := c.pages[offset]; ok {
		return info.pinCount
	}
	return 0
}

// Dirty reports whether a resident page has unwritten mutations.
func (c *Cache) Dirty(offset uint64) bool {
	if info, ok := c.pages[offset]; ok {
		return info.dirty
	}
	return false
}

// Resident reports whether offset currently has a cache entry.
func (c *Cache) Resident(offset uint64) bool {
	_, ok := c.pages[offset]
	return ok
}

// Len returns the number of pages currently resident.
func (c *Cache) Len() int {
	return c.list.Len()
}
