package bmap

import (
	"encoding/binary"

	"github.com/relaxdb/bmap/internal/pagecache"
)

// NodeType distinguishes a leaf (holds key/value pairs) from an internal
// node (holds keys/child-offset pairs).
type NodeType uint8

const (
	Leaf NodeType = iota
	Internal
)

// InvalidOffset re-exports the sentinel so bmap callers never need to
// import pagecache directly.
const InvalidOffset = pagecache.InvalidOffset

// Node header layout, little-endian, padded to headerSize bytes:
//
//	self     uint64  [0:8]
//	parent   uint64  [8:16]
//	prev     uint64  [16:24]  (leaf sibling chain; unused on internal nodes)
//	next     uint64  [24:32]  (leaf sibling chain; unused on internal nodes)
//	nodeType uint8   [32:33]
//	children uint32  [33:37]
//	reserved         [37:40]
const (
	offSelf     = 0
	offParent   = 8
	offPrev     = 16
	offNext     = 24
	offType     = 32
	offChildren = 33
	headerSize  = 40
)

// Node is a move-only, pin-counted handle onto one cached page,
// interpreted as a B+ tree node. Callers must call Release exactly once
// when finished with it.
type Node struct {
	ph    *pagecache.PageHandle
	tree  *Tree
	dirty bool
}

func (n *Node) buf() []byte { return n.ph.Bytes() }

func (n *Node) Self() uint64   { return binary.LittleEndian.Uint64(n.buf()[offSelf:]) }
func (n *Node) Parent() uint64 { return binary.LittleEndian.Uint64(n.buf()[offParent:]) }
func (n *Node) Prev() uint64   { return binary.LittleEndian.Uint64(n.buf()[offPrev:]) }
func (n *Node) Next() uint64   { return binary.LittleEndian.Uint64(n.buf()[offNext:]) }
func (n *Node) Type() NodeType { return NodeType(n.buf()[offType]) }
func (n *Node) IsLeaf() bool   { return n.Type() == Leaf }
func (n *Node) Children() uint32 {
	return binary.LittleEndian.Uint32(n.buf()[offChildren:])
}

func (n *Node) setSelf(v uint64) {
	binary.LittleEndian.PutUint64(n.buf()[offSelf:], v)
	n.dirty = true
}

func (n *Node) SetParent(v uint64) {
	binary.LittleEndian.PutUint64(n.buf()[offParent:], v)
	n.dirty = true
}

func (n *Node) SetPrev(v uint64) {
	binary.LittleEndian.PutUint64(n.buf()[offPrev:], v)
	n.dirty = true
}

func (n *Node) SetNext(v uint64) {
	binary.LittleEndian.PutUint64(n.buf()[offNext:], v)
	n.dirty = true
}

func (n *Node) setType(t NodeType) {
	n.buf()[offType] = byte(t)
	n.dirty = true
}

func (n *Node) SetChildren(c uint32) {
	binary.LittleEndian.PutUint32(n.buf()[offChildren:], c)
	n.dirty = true
}

func (n *Node) keysOffset() int { return headerSize }

func (n *Node) subsOffset() int {
	return headerSize + (n.tree.mInternal-1)*4
}

func (n *Node) dataOffset() int {
	return headerSize + n.tree.mLeaf*4
}

// Key returns the i-th key, valid for both node types.
func (n *Node) Key(i int) uint32 {
	off := n.keysOffset() + i*4
	return binary.LittleEndian.Uint32(n.buf()[off:])
}

func (n *Node) SetKey(i int, k uint32) {
	off := n.keysOffset() + i*4
	binary.LittleEndian.PutUint32(n.buf()[off:], k)
	n.dirty = true
}

// Sub returns the i-th child offset of an internal node.
func (n *Node) Sub(i int) uint64 {
	off := n.subsOffset() + i*8
	return binary.LittleEndian.Uint64(n.buf()[off:])
}

func (n *Node) SetSub(i int, v uint64) {
	off := n.subsOffset() + i*8
	binary.LittleEndian.PutUint64(n.buf()[off:], v)
	n.dirty = true
}

// Value returns the i-th value of a leaf node.
func (n *Node) Value(i int) int64 {
	off := n.dataOffset() + i*8
	return int64(binary.LittleEndian.Uint64(n.buf()[off:]))
}

func (n *Node) SetValue(i int, v int64) {
	off := n.dataOffset() + i*8
	binary.LittleEndian.PutUint64(n.buf()[off:], uint64(v))
	n.dirty = true
}

// Release propagates any accumulated mutation to the page cache as a dirty
// mark, then unpins the underlying page. Safe to call at most once; the
// tree's ownership discipline guarantees each fetched node is released
// along exactly one return path.
func (n *Node) Release() error {
	if n.dirty {
		n.ph.MarkDirty()
	}
	return n.ph.Release()
}
