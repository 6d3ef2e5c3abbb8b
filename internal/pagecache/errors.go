// Package pagecache implements the fixed-capacity page buffer pool and LRU
// page cache that sit beneath the B+ tree engine: aligned page buffers,
// offset-keyed lookup, pin counts, dirty tracking, and the on-disk boot
// record that anchors the root offset, file size, and free list.
package pagecache

import "github.com/pkg/errors"

// InvalidOffset marks "no such page": an absent parent, an absent sibling,
// or an empty tree's root. It doubles as the boot record's free-list
// terminator.
const InvalidOffset uint64 = 0xdeadbeef

var (
	// ErrConfigInvalid is returned when a requested page size is not a
	// positive multiple of both the platform's direct-I/O alignment and the
	// OS page size, or when the cache capacity is not positive.
	ErrConfigInvalid = errors.New("pagecache: config invalid")
	// ErrIO wraps a read, write, or fsync failure against the backing file.
	ErrIO = errors.New("pagecache: io error")
	// ErrCacheExhausted is returned by Get when the pool is full and every
	// resident page is pinned, so nothing can be evicted.
	ErrCacheExhausted = errors.New("pagecache: cache exhausted")
)
