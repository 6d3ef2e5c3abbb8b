package bmap

import (
	"github.com/pkg/errors"

	"github.com/relaxdb/bmap/internal/pagecache"
)

// Config describes how to open or create a tree file.
type Config struct {
	// FileName is the path to the data file. The boot record is stored
	// alongside it at FileName + ".boot".
	FileName string
	// BlockSize is the page size in bytes. On reopen it must match the
	// block size recorded in the boot record.
	BlockSize uint32
	// CacheSize is the number of pages the page cache may hold resident
	// at once.
	CacheSize int
}

// Tree is a disk-backed B+ tree mapping uint32 keys to int64 values.
type Tree struct {
	cfg  Config
	boot *pagecache.Boot
	pc   *pagecache.Cache

	bootPath string

	mInternal int
	mLeaf     int
}

func capacities(blockSize uint32) (mInternal, mLeaf int) {
	slot := 12 // 4-byte key + 8-byte value/offset, parallel arrays
	m := (int(blockSize) - headerSize) / slot
	// Rounded down to an odd count: with an odd M, a split of M+1 entries
	// and a merge of an underflowing node with a minimally filled sibling
	// both stay within [ceil((M+1)/2), M].
	if m%2 == 0 {
		m--
	}
	return m, m
}

// Validate checks c's fields in isolation, before any file is touched, and
// reports the first problem found wrapped in ErrConfigInvalid with
// field-level detail. Open calls this itself, but callers (the CLI driver,
// tests) may call it standalone to fail fast with the same error.
func (c Config) Validate() error {
	if c.FileName == "" {
		return errors.Wrap(ErrConfigInvalid, "field FileName: must not be empty")
	}
	if c.CacheSize <= 0 {
		return errors.Wrapf(ErrConfigInvalid, "field CacheSize: must be positive, got %d", c.CacheSize)
	}
	if c.BlockSize != 0 && c.BlockSize < 128 {
		return errors.Wrapf(ErrConfigInvalid, "field BlockSize: %d is too small for a usable node", c.BlockSize)
	}
	return nil
}

// Open creates a new tree file (and boot record) if none exists, or opens
// an existing one. On reopen, cfg.BlockSize must match the block size
// recorded in the boot record; a mismatch is rejected rather than
// silently honored, since the node layout is derived from it.
func Open(cfg Config) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootPath := cfg.FileName + ".boot"
	boot, err := pagecache.LoadBoot(bootPath)
	if err != nil {
		return nil, err
	}

	if boot.BlockSize == 0 {
		boot.BlockSize = uint64(cfg.BlockSize)
		boot.FileSize = uint64(cfg.BlockSize) // offset 0 is reserved, first node starts at BlockSize
	} else if boot.BlockSize != uint64(cfg.BlockSize) {
		return nil, errors.Wrapf(ErrConfigInvalid, "block size %d does not match stored block size %d", cfg.BlockSize, boot.BlockSize)
	}

	pc, err := pagecache.Open(cfg.FileName, int(boot.BlockSize), cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	mInternal, mLeaf := capacities(uint32(boot.BlockSize))
	if mInternal < 3 || mLeaf < 3 {
		pc.Close()
		return nil, errors.Wrapf(ErrConfigInvalid, "block size %d too small for a usable node capacity", boot.BlockSize)
	}

	return &Tree{
		cfg:       cfg,
		boot:      boot,
		pc:        pc,
		bootPath:  bootPath,
		mInternal: mInternal,
		mLeaf:     mLeaf,
	}, nil
}

// Close flushes all dirty pages, writes the boot record, and closes the
// backing file.
func (t *Tree) Close() error {
	if err := t.pc.Close(); err != nil {
		return err
	}
	return t.boot.Save(t.bootPath)
}

// syncRootBoundary writes the boot record and flushes the given
// still-pinned root page immediately. Called whenever the root offset
// changes (new root created, or root collapsed after a merge), so a crash
// right after never leaves the boot record pointing at a root whose
// contents were never written back.
func (t *Tree) syncRootBoundary(root *Node) error {
	if err := t.pc.Sync(root.Self()); err != nil {
		return err
	}
	return t.boot.Save(t.bootPath)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// binarySearch locates key among node's sorted keys (children-1 of them
// for an internal node, children for a leaf). It returns the index if
// found, or -(ins+1) where ins is the position key would be inserted at.
func binarySearch(n *Node, key uint32) int {
	length := int(n.Children())
	if !n.IsLeaf() {
		length--
	}
	lo, hi := 0, length-1
	for lo <= hi {
		mid := (lo + hi) / 2
		k := n.Key(mid)
		switch {
		case k == key:
			return mid
		case k < key:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -(lo + 1)
}

func childIndex(parent *Node, childOffset uint64) int {
	c := int(parent.Children())
	for i := 0; i < c; i++ {
		if parent.Sub(i) == childOffset {
			return i
		}
	}
	return -1
}

func (t *Tree) fetchNode(offset uint64) (*Node, error) {
	ph, err := t.pc.Get(offset, false)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch node at %#x", offset)
	}
	return &Node{ph: ph, tree: t}, nil
}

func (t *Tree) getFreeNode(typ NodeType) (*Node, error) {
	var offset uint64
	if v, ok := t.boot.PopFree(); ok {
		offset = v
	} else {
		offset = t.boot.FileSize
		t.boot.FileSize += uint64(t.boot.BlockSize)
	}
	ph, err := t.pc.Get(offset, true)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate node at %#x", offset)
	}
	n := &Node{ph: ph, tree: t}
	n.setSelf(offset)
	n.SetParent(InvalidOffset)
	n.SetPrev(InvalidOffset)
	n.SetNext(InvalidOffset)
	n.setType(typ)
	n.SetChildren(0)
	return n, nil
}

func (t *Tree) deleteNode(n *Node) error {
	t.boot.PushFree(n.Self())
	return n.Release()
}

func (t *Tree) reparentSingle(offset, newParent uint64) error {
	child, err := t.fetchNode(offset)
	if err != nil {
		return err
	}
	child.SetParent(newParent)
	return child.Release()
}

func (t *Tree) reparentAll(offsets []uint64, newParent uint64) error {
	for _, off := range offsets {
		if err := t.reparentSingle(off, newParent); err != nil {
			return err
		}
	}
	return nil
}

// Search looks up key, returning its value and true if present.
func (t *Tree) Search(key uint32) (int64, bool, error) {
	if t.boot.RootOffset == InvalidOffset {
		return 0, false, nil
	}
	node, err := t.fetchNode(t.boot.RootOffset)
	if err != nil {
		return 0, false, err
	}
	for {
		idx := binarySearch(node, key)
		if node.IsLeaf() {
			found := idx >= 0
			var v int64
			if found {
				v = node.Value(idx)
			}
			if err := node.Release(); err != nil {
				return 0, false, err
			}
			return v, found, nil
		}
		var childOff uint64
		if idx >= 0 {
			childOff = node.Sub(idx + 1)
		} else {
			childOff = node.Sub(-idx - 1)
		}
		next, err := t.fetchNode(childOff)
		if err != nil {
			node.Release()
			return 0, false, err
		}
		if err := node.Release(); err != nil {
			next.Release()
			return 0, false, err
		}
		node = next
	}
}

// Insert adds key/value to the tree. It returns ErrDuplicateKey if key is
// already present.
func (t *Tree) Insert(key uint32, value int64) error {
	if t.boot.RootOffset == InvalidOffset {
		root, err := t.getFreeNode(Leaf)
		if err != nil {
			return errors.Wrap(err, "allocate root leaf")
		}
		root.SetKey(0, key)
		root.SetValue(0, value)
		root.SetChildren(1)
		t.boot.RootOffset = root.Self()
		if err := t.syncRootBoundary(root); err != nil {
			root.Release()
			return err
		}
		return root.Release()
	}
	root, err := t.fetchNode(t.boot.RootOffset)
	if err != nil {
		return errors.Wrap(err, "fetch root")
	}
	return t.insertDescend(root, key, value)
}

func (t *Tree) insertDescend(node *Node, key uint32, value int64) error {
	idx := binarySearch(node, key)
	if node.IsLeaf() {
		return t.leafInsert(node, idx, key, value)
	}
	var childOff uint64
	if idx >= 0 {
		childOff = node.Sub(idx + 1)
	} else {
		childOff = node.Sub(-idx - 1)
	}
	child, err := t.fetchNode(childOff)
	if err != nil {
		node.Release()
		return err
	}
	if err := node.Release(); err != nil {
		child.Release()
		return err
	}
	return t.insertDescend(child, key, value)
}

func (t *Tree) leafInsert(node *Node, idx int, key uint32, value int64) error {
	if idx >= 0 {
		node.Release()
		return errors.Wrapf(ErrDuplicateKey, "key %d", key)
	}
	ins := -idx - 1
	c := int(node.Children())
	if c < t.mLeaf {
		for i := c; i > ins; i-- {
			node.SetKey(i, node.Key(i-1))
			node.SetValue(i, node.Value(i-1))
		}
		node.SetKey(ins, key)
		node.SetValue(ins, value)
		node.SetChildren(uint32(c + 1))
		return node.Release()
	}
	return t.leafSplit(node, ins, key, value)
}

func (t *Tree) spliceLeafBefore(anchor, newLeaf *Node) error {
	prevOff := anchor.Prev()
	newLeaf.SetPrev(prevOff)
	newLeaf.SetNext(anchor.Self())
	anchor.SetPrev(newLeaf.Self())
	if prevOff != InvalidOffset {
		prevNode, err := t.fetchNode(prevOff)
		if err != nil {
			return err
		}
		prevNode.SetNext(newLeaf.Self())
		return prevNode.Release()
	}
	return nil
}

func (t *Tree) spliceLeafAfter(anchor, newLeaf *Node) error {
	nextOff := anchor.Next()
	newLeaf.SetNext(nextOff)
	newLeaf.SetPrev(anchor.Self())
	anchor.SetNext(newLeaf.Self())
	if nextOff != InvalidOffset {
		nextNode, err := t.fetchNode(nextOff)
		if err != nil {
			return err
		}
		nextNode.SetPrev(newLeaf.Self())
		return nextNode.Release()
	}
	return nil
}

func (t *Tree) leafSplit(node *Node, ins int, key uint32, value int64) error {
	M := t.mLeaf
	keys := make([]uint32, M+1)
	vals := make([]int64, M+1)
	for i := 0; i < ins; i++ {
		keys[i] = node.Key(i)
		vals[i] = node.Value(i)
	}
	keys[ins] = key
	vals[ins] = value
	for i := ins; i < M; i++ {
		keys[i+1] = node.Key(i)
		vals[i+1] = node.Value(i)
	}

	split := ceilDiv(M+1, 2)

	newLeaf, err := t.getFreeNode(Leaf)
	if err != nil {
		node.Release()
		return errors.Wrap(err, "allocate node for leaf split")
	}
	newLeaf.SetParent(node.Parent())

	var sepKey uint32
	var newIsRight bool
	if ins < split {
		for i := 0; i < split; i++ {
			newLeaf.SetKey(i, keys[i])
			newLeaf.SetValue(i, vals[i])
		}
		newLeaf.SetChildren(uint32(split))

		remaining := M + 1 - split
		for i := 0; i < remaining; i++ {
			node.SetKey(i, keys[split+i])
			node.SetValue(i, vals[split+i])
		}
		node.SetChildren(uint32(remaining))

		if err := t.spliceLeafBefore(node, newLeaf); err != nil {
			node.Release()
			newLeaf.Release()
			return err
		}
		sepKey = node.Key(0)
		newIsRight = false
	} else {
		for i := 0; i < split; i++ {
			node.SetKey(i, keys[i])
			node.SetValue(i, vals[i])
		}
		node.SetChildren(uint32(split))

		remaining := M + 1 - split
		for i := 0; i < remaining; i++ {
			newLeaf.SetKey(i, keys[split+i])
			newLeaf.SetValue(i, vals[split+i])
		}
		newLeaf.SetChildren(uint32(remaining))

		if err := t.spliceLeafAfter(node, newLeaf); err != nil {
			node.Release()
			newLeaf.Release()
			return err
		}
		sepKey = newLeaf.Key(0)
		newIsRight = true
	}

	return t.attachParent(newLeaf, node, newIsRight, sepKey)
}

// attachParent links newChild and existingChild (the freshly split pair)
// under existingChild's parent, building a new root if existingChild was
// the root. It releases both newChild and existingChild along every
// return path.
func (t *Tree) attachParent(newChild, existingChild *Node, newIsRight bool, sepKey uint32) error {
	if existingChild.Parent() == InvalidOffset {
		var left, right *Node
		if newIsRight {
			left, right = existingChild, newChild
		} else {
			left, right = newChild, existingChild
		}
		root, err := t.getFreeNode(Internal)
		if err != nil {
			left.Release()
			right.Release()
			return errors.Wrap(err, "allocate new root")
		}
		root.SetKey(0, sepKey)
		root.SetSub(0, left.Self())
		root.SetSub(1, right.Self())
		root.SetChildren(2)
		left.SetParent(root.Self())
		right.SetParent(root.Self())
		t.boot.RootOffset = root.Self()

		syncErr := t.syncRootBoundary(root)
		e1 := left.Release()
		e2 := right.Release()
		e3 := root.Release()
		return firstErr(syncErr, e1, e2, e3)
	}

	parent, err := t.fetchNode(existingChild.Parent())
	if err != nil {
		newChild.Release()
		existingChild.Release()
		return errors.Wrap(err, "fetch parent for attach")
	}
	return t.internalInsert(parent, newChild, existingChild, newIsRight, sepKey)
}

// internalInsert inserts one key and one child pointer (for newChild) into
// parent, splitting it if full. It releases parent, newChild, and
// existingChild along every return path.
func (t *Tree) internalInsert(parent, newChild, existingChild *Node, newIsRight bool, sepKey uint32) error {
	idxRes := binarySearch(parent, sepKey)
	insPos := idxRes
	if idxRes < 0 {
		insPos = -idxRes - 1
	}
	subPos := insPos
	if newIsRight {
		subPos = insPos + 1
	}

	c := int(parent.Children())
	if c < t.mInternal {
		for i := c - 1; i >= insPos; i-- {
			parent.SetKey(i+1, parent.Key(i))
		}
		parent.SetKey(insPos, sepKey)
		for i := c; i >= subPos; i-- {
			parent.SetSub(i+1, parent.Sub(i))
		}
		parent.SetSub(subPos, newChild.Self())
		parent.SetChildren(uint32(c + 1))
		newChild.SetParent(parent.Self())
		existingChild.SetParent(parent.Self())
		e1 := parent.Release()
		e2 := newChild.Release()
		e3 := existingChild.Release()
		return firstErr(e1, e2, e3)
	}

	return t.internalSplit(parent, insPos, subPos, sepKey, newChild, existingChild)
}

func (t *Tree) internalSplit(parent *Node, insPos, subPos int, sepKey uint32, newChild, existingChild *Node) error {
	M := int(parent.Children())
	keys := make([]uint32, M)
	subs := make([]uint64, M+1)

	for i := 0; i < insPos; i++ {
		keys[i] = parent.Key(i)
	}
	keys[insPos] = sepKey
	for i := insPos; i < M-1; i++ {
		keys[i+1] = parent.Key(i)
	}

	for i := 0; i < subPos; i++ {
		subs[i] = parent.Sub(i)
	}
	subs[subPos] = newChild.Self()
	for i := subPos; i < M; i++ {
		subs[i+1] = parent.Sub(i)
	}

	split := M / 2
	pushUpKey := keys[split]

	newInternal, err := t.getFreeNode(Internal)
	if err != nil {
		newChild.Release()
		existingChild.Release()
		parent.Release()
		return errors.Wrap(err, "allocate node for internal split")
	}
	newInternal.SetParent(parent.Parent())

	newIsRight := insPos >= split
	abort := func(err error) error {
		newChild.Release()
		existingChild.Release()
		newInternal.Release()
		parent.Release()
		return err
	}

	if !newIsRight {
		for i := 0; i < split; i++ {
			newInternal.SetKey(i, keys[i])
		}
		for i := 0; i <= split; i++ {
			newInternal.SetSub(i, subs[i])
		}
		newInternal.SetChildren(uint32(split + 1))

		rightLen := M - split - 1
		for i := 0; i < rightLen; i++ {
			parent.SetKey(i, keys[split+1+i])
		}
		for i := 0; i <= rightLen; i++ {
			parent.SetSub(i, subs[split+1+i])
		}
		parent.SetChildren(uint32(rightLen + 1))

		if err := t.reparentAll(subs[0:split+1], newInternal.Self()); err != nil {
			return abort(err)
		}
		if err := t.reparentAll(subs[split+1:M+1], parent.Self()); err != nil {
			return abort(err)
		}
	} else {
		rightLen := M - split - 1
		for i := 0; i < rightLen; i++ {
			newInternal.SetKey(i, keys[split+1+i])
		}
		for i := 0; i <= rightLen; i++ {
			newInternal.SetSub(i, subs[split+1+i])
		}
		newInternal.SetChildren(uint32(rightLen + 1))

		for i := 0; i < split; i++ {
			parent.SetKey(i, keys[i])
		}
		for i := 0; i <= split; i++ {
			parent.SetSub(i, subs[i])
		}
		parent.SetChildren(uint32(split + 1))

		if err := t.reparentAll(subs[split+1:M+1], newInternal.Self()); err != nil {
			return abort(err)
		}
		if err := t.reparentAll(subs[0:split+1], parent.Self()); err != nil {
			return abort(err)
		}
	}

	if err := newChild.Release(); err != nil {
		existingChild.Release()
		newInternal.Release()
		parent.Release()
		return err
	}
	if err := existingChild.Release(); err != nil {
		newInternal.Release()
		parent.Release()
		return err
	}

	return t.attachParent(newInternal, parent, newIsRight, pushUpKey)
}

// Delete removes key from the tree. It returns ErrNotFound if key is
// absent.
func (t *Tree) Delete(key uint32) error {
	if t.boot.RootOffset == InvalidOffset {
		return errors.Wrapf(ErrNotFound, "key %d", key)
	}
	root, err := t.fetchNode(t.boot.RootOffset)
	if err != nil {
		return errors.Wrap(err, "fetch root")
	}
	return t.deleteDescend(root, key)
}

func (t *Tree) deleteDescend(node *Node, key uint32) error {
	idx := binarySearch(node, key)
	if node.IsLeaf() {
		return t.leafRemove(node, idx, key)
	}
	var childOff uint64
	if idx >= 0 {
		childOff = node.Sub(idx + 1)
	} else {
		childOff = node.Sub(-idx - 1)
	}
	child, err := t.fetchNode(childOff)
	if err != nil {
		node.Release()
		return err
	}
	if err := node.Release(); err != nil {
		child.Release()
		return err
	}
	return t.deleteDescend(child, key)
}

func (t *Tree) leafRemove(node *Node, idx int, key uint32) error {
	if idx < 0 {
		node.Release()
		return errors.Wrapf(ErrNotFound, "key %d", key)
	}
	c := int(node.Children())

	if node.Parent() == InvalidOffset && c == 1 {
		t.boot.RootOffset = InvalidOffset
		if err := t.boot.Save(t.bootPath); err != nil {
			node.Release()
			return err
		}
		return t.deleteNode(node)
	}

	for i := idx; i < c-1; i++ {
		node.SetKey(i, node.Key(i+1))
		node.SetValue(i, node.Value(i+1))
	}
	node.SetChildren(uint32(c - 1))

	minLeaf := ceilDiv(t.mLeaf+1, 2)
	if node.Parent() == InvalidOffset || int(node.Children()) >= minLeaf {
		return node.Release()
	}

	return t.rebalanceLeaf(node)
}

func (t *Tree) rebalanceLeaf(node *Node) error {
	parent, err := t.fetchNode(node.Parent())
	if err != nil {
		node.Release()
		return err
	}
	p := childIndex(parent, node.Self())
	c := int(parent.Children())

	var left, right *Node
	if p > 0 {
		left, err = t.fetchNode(parent.Sub(p - 1))
		if err != nil {
			node.Release()
			parent.Release()
			return err
		}
	}
	if p < c-1 {
		right, err = t.fetchNode(parent.Sub(p + 1))
		if err != nil {
			node.Release()
			parent.Release()
			if left != nil {
				left.Release()
			}
			return err
		}
	}

	chooseLeft := false
	switch {
	case left == nil:
		chooseLeft = false
	case right == nil:
		chooseLeft = true
	default:
		chooseLeft = left.Children() >= right.Children()
	}

	minLeaf := ceilDiv(t.mLeaf+1, 2)

	if chooseLeft {
		if right != nil {
			right.Release()
		}
		if int(left.Children()) > minLeaf {
			return t.leafBorrowFromLeft(parent, left, node, p)
		}
		return t.leafMergeIntoLeft(parent, left, node, p)
	}

	if left != nil {
		left.Release()
	}
	if int(right.Children()) > minLeaf {
		return t.leafBorrowFromRight(parent, node, right, p)
	}
	return t.leafMergeFromRight(parent, node, right, p)
}

func (t *Tree) leafBorrowFromLeft(parent, left, node *Node, p int) error {
	lc := int(left.Children())
	movedKey := left.Key(lc - 1)
	movedVal := left.Value(lc - 1)

	c := int(node.Children())
	for i := c; i > 0; i-- {
		node.SetKey(i, node.Key(i-1))
		node.SetValue(i, node.Value(i-1))
	}
	node.SetKey(0, movedKey)
	node.SetValue(0, movedVal)
	node.SetChildren(uint32(c + 1))

	left.SetChildren(uint32(lc - 1))
	parent.SetKey(p-1, movedKey)

	e1 := parent.Release()
	e2 := left.Release()
	e3 := node.Release()
	return firstErr(e1, e2, e3)
}

func (t *Tree) leafBorrowFromRight(parent, node, right *Node, p int) error {
	c := int(node.Children())
	movedKey := right.Key(0)
	movedVal := right.Value(0)
	node.SetKey(c, movedKey)
	node.SetValue(c, movedVal)
	node.SetChildren(uint32(c + 1))

	rc := int(right.Children())
	for i := 0; i < rc-1; i++ {
		right.SetKey(i, right.Key(i+1))
		right.SetValue(i, right.Value(i+1))
	}
	right.SetChildren(uint32(rc - 1))

	parent.SetKey(p, right.Key(0))

	e1 := parent.Release()
	e2 := node.Release()
	e3 := right.Release()
	return firstErr(e1, e2, e3)
}

func (t *Tree) leafMergeIntoLeft(parent, left, node *Node, p int) error {
	lc := int(left.Children())
	nc := int(node.Children())
	for i := 0; i < nc; i++ {
		left.SetKey(lc+i, node.Key(i))
		left.SetValue(lc+i, node.Value(i))
	}
	left.SetChildren(uint32(lc + nc))

	nextOff := node.Next()
	left.SetNext(nextOff)
	if nextOff != InvalidOffset {
		nextNode, err := t.fetchNode(nextOff)
		if err != nil {
			left.Release()
			node.Release()
			parent.Release()
			return err
		}
		nextNode.SetPrev(left.Self())
		if err := nextNode.Release(); err != nil {
			left.Release()
			node.Release()
			parent.Release()
			return err
		}
	}

	if err := t.deleteNode(node); err != nil {
		left.Release()
		parent.Release()
		return err
	}
	if err := left.Release(); err != nil {
		parent.Release()
		return err
	}

	return t.internalRemove(parent, p-1)
}

func (t *Tree) leafMergeFromRight(parent, node, right *Node, p int) error {
	nc := int(node.Children())
	rc := int(right.Children())
	for i := 0; i < rc; i++ {
		node.SetKey(nc+i, right.Key(i))
		node.SetValue(nc+i, right.Value(i))
	}
	node.SetChildren(uint32(nc + rc))

	nextOff := right.Next()
	node.SetNext(nextOff)
	if nextOff != InvalidOffset {
		nextNode, err := t.fetchNode(nextOff)
		if err != nil {
			node.Release()
			right.Release()
			parent.Release()
			return err
		}
		nextNode.SetPrev(node.Self())
		if err := nextNode.Release(); err != nil {
			node.Release()
			right.Release()
			parent.Release()
			return err
		}
	}

	if err := t.deleteNode(right); err != nil {
		node.Release()
		parent.Release()
		return err
	}
	if err := node.Release(); err != nil {
		parent.Release()
		return err
	}

	return t.internalRemove(parent, p)
}

// internalRemove removes key[keyIdx] and sub[keyIdx+1] from parent,
// collapsing the root or rebalancing as needed.
func (t *Tree) internalRemove(parent *Node, keyIdx int) error {
	c := int(parent.Children())

	if parent.Parent() == InvalidOffset && c == 2 {
		survivor, err := t.fetchNode(parent.Sub(0))
		if err != nil {
			parent.Release()
			return err
		}
		survivor.SetParent(InvalidOffset)
		t.boot.RootOffset = survivor.Self()
		if err := t.syncRootBoundary(survivor); err != nil {
			survivor.Release()
			t.deleteNode(parent)
			return err
		}
		if err := survivor.Release(); err != nil {
			t.deleteNode(parent)
			return err
		}
		return t.deleteNode(parent)
	}

	for i := keyIdx; i < c-2; i++ {
		parent.SetKey(i, parent.Key(i+1))
	}
	for i := keyIdx + 1; i < c-1; i++ {
		parent.SetSub(i, parent.Sub(i+1))
	}
	parent.SetChildren(uint32(c - 1))

	minInternal := ceilDiv(t.mInternal+1, 2)
	if parent.Parent() == InvalidOffset || int(parent.Children()) >= minInternal {
		return parent.Release()
	}

	return t.rebalanceInternal(parent)
}

func (t *Tree) rebalanceInternal(node *Node) error {
	parent, err := t.fetchNode(node.Parent())
	if err != nil {
		node.Release()
		return err
	}
	p := childIndex(parent, node.Self())
	c := int(parent.Children())

	var left, right *Node
	if p > 0 {
		left, err = t.fetchNode(parent.Sub(p - 1))
		if err != nil {
			node.Release()
			parent.Release()
			return err
		}
	}
	if p < c-1 {
		right, err = t.fetchNode(parent.Sub(p + 1))
		if err != nil {
			node.Release()
			parent.Release()
			if left != nil {
				left.Release()
			}
			return err
		}
	}

	chooseLeft := false
	switch {
	case left == nil:
		chooseLeft = false
	case right == nil:
		chooseLeft = true
	default:
		chooseLeft = left.Children() >= right.Children()
	}

	minInternal := ceilDiv(t.mInternal+1, 2)

	if chooseLeft {
		if right != nil {
			right.Release()
		}
		if int(left.Children()) > minInternal {
			return t.internalBorrowFromLeft(parent, left, node, p)
		}
		return t.internalMergeIntoLeft(parent, left, node, p)
	}

	if left != nil {
		left.Release()
	}
	if int(right.Children()) > minInternal {
		return t.internalBorrowFromRight(parent, node, right, p)
	}
	return t.internalMergeFromRight(parent, node, right, p)
}

func (t *Tree) internalBorrowFromLeft(parent, left, node *Node, p int) error {
	lc := int(left.Children())
	pivot := parent.Key(p - 1)
	movedSub := left.Sub(lc - 1)
	promoted := left.Key(lc - 2)

	nc := int(node.Children())
	for i := nc - 1; i >= 1; i-- {
		node.SetKey(i, node.Key(i-1))
	}
	node.SetKey(0, pivot)
	for i := nc; i >= 1; i-- {
		node.SetSub(i, node.Sub(i-1))
	}
	node.SetSub(0, movedSub)
	node.SetChildren(uint32(nc + 1))

	if err := t.reparentSingle(movedSub, node.Self()); err != nil {
		left.Release()
		node.Release()
		parent.Release()
		return err
	}

	left.SetChildren(uint32(lc - 1))
	parent.SetKey(p-1, promoted)

	e1 := parent.Release()
	e2 := left.Release()
	e3 := node.Release()
	return firstErr(e1, e2, e3)
}

func (t *Tree) internalBorrowFromRight(parent, node, right *Node, p int) error {
	pivot := parent.Key(p)
	movedSub := right.Sub(0)

	nc := int(node.Children())
	node.SetKey(nc-1, pivot)
	node.SetSub(nc, movedSub)
	node.SetChildren(uint32(nc + 1))

	if err := t.reparentSingle(movedSub, node.Self()); err != nil {
		node.Release()
		right.Release()
		parent.Release()
		return err
	}

	rc := int(right.Children())
	promoted := right.Key(0)
	for i := 0; i < rc-2; i++ {
		right.SetKey(i, right.Key(i+1))
	}
	for i := 0; i < rc-1; i++ {
		right.SetSub(i, right.Sub(i+1))
	}
	right.SetChildren(uint32(rc - 1))

	parent.SetKey(p, promoted)

	e1 := parent.Release()
	e2 := node.Release()
	e3 := right.Release()
	return firstErr(e1, e2, e3)
}

func (t *Tree) internalMergeIntoLeft(parent, left, node *Node, p int) error {
	pivot := parent.Key(p - 1)
	lc := int(left.Children())
	nc := int(node.Children())

	left.SetKey(lc-1, pivot)
	for i := 0; i < nc-1; i++ {
		left.SetKey(lc+i, node.Key(i))
	}
	for i := 0; i < nc; i++ {
		left.SetSub(lc+i, node.Sub(i))
	}
	left.SetChildren(uint32(lc + nc))

	for i := 0; i < nc; i++ {
		if err := t.reparentSingle(node.Sub(i), left.Self()); err != nil {
			left.Release()
			node.Release()
			parent.Release()
			return err
		}
	}

	if err := t.deleteNode(node); err != nil {
		left.Release()
		parent.Release()
		return err
	}
	if err := left.Release(); err != nil {
		parent.Release()
		return err
	}

	return t.internalRemove(parent, p-1)
}

func (t *Tree) internalMergeFromRight(parent, node, right *Node, p int) error {
	pivot := parent.Key(p)
	nc := int(node.Children())
	rc := int(right.Children())

	node.SetKey(nc-1, pivot)
	for i := 0; i < rc-1; i++ {
		node.SetKey(nc+i, right.Key(i))
	}
	for i := 0; i < rc; i++ {
		node.SetSub(nc+i, right.Sub(i))
	}
	node.SetChildren(uint32(nc + rc))

	for i := 0; i < rc; i++ {
		if err := t.reparentSingle(right.Sub(i), node.Self()); err != nil {
			node.Release()
			right.Release()
			parent.Release()
			return err
		}
	}

	if err := t.deleteNode(right); err != nil {
		node.Release()
		parent.Release()
		return err
	}
	if err := node.Release(); err != nil {
		parent.Release()
		return err
	}

	return t.internalRemove(parent, p)
}

// RootOffset reports the current root offset, or InvalidOffset for an
// empty tree. Exposed for the CLI driver and tests.
func (t *Tree) RootOffset() uint64 { return t.boot.RootOffset }

func (t *Tree) fetchForVisualize(offset uint64) (*Node, error) {
	return t.fetchNode(offset)
}
