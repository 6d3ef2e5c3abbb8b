// Package bmap implements the disk-backed B+ tree engine: fixed-width
// uint32-keyed, int64-valued nodes built on top of the pagecache package,
// with binary-search lookup, split-on-insert, and borrow/merge-on-delete
// rebalancing.
package bmap

import (
	"github.com/pkg/errors"

	"github.com/relaxdb/bmap/internal/pagecache"
)

// Re-exported so callers of this package never need to import pagecache
// directly to compare against the lower-layer failure modes.
var (
	ErrConfigInvalid  = pagecache.ErrConfigInvalid
	ErrIO             = pagecache.ErrIO
	ErrCacheExhausted = pagecache.ErrCacheExhausted
)

var (
	// ErrDuplicateKey is returned by Insert when the key already exists.
	ErrDuplicateKey = errors.New("bmap: duplicate key")
	// ErrNotFound is returned by Delete when the key does not exist.
	ErrNotFound = errors.New("bmap: key not found")
)
