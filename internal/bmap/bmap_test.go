package bmap

import (
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"testing/quick"

	"github.com/pkg/errors"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want bool // true if Validate should return an error
	}{
		{"empty file name", Config{FileName: "", CacheSize: 16, BlockSize: 4096}, true},
		{"zero cache size", Config{FileName: "x.db", CacheSize: 0, BlockSize: 4096}, true},
		{"negative cache size", Config{FileName: "x.db", CacheSize: -1, BlockSize: 4096}, true},
		{"block size too small", Config{FileName: "x.db", CacheSize: 16, BlockSize: 16}, true},
		{"valid", Config{FileName: "x.db", CacheSize: 16, BlockSize: 4096}, false},
	}
	for _, c := range cases {
		err := c.cfg.Validate()
		if c.want && errors.Cause(err) != ErrConfigInvalid {
			t.Errorf("%s: Validate() = %v, want ErrConfigInvalid", c.name, err)
		}
		if !c.want && err != nil {
			t.Errorf("%s: Validate() = %v, want nil", c.name, err)
		}
	}
}

// walkNode descends the tree from offset, verifying per-node key ordering,
// minimum fill (except at the root), and separator-key correctness against
// the children it points at. It records every visited offset in visited and
// every leaf offset in leaves, and returns the subtree's min/max key and its
// leftmost/rightmost leaf offset so the caller can check separators and
// stitch together the expected leaf chain.
func walkNode(t *testing.T, tr *Tree, offset uint64, isRoot bool, visited, leaves map[uint64]bool) (minKey, maxKey uint32, leftLeaf, rightLeaf uint64) {
	t.Helper()
	if visited[offset] {
		t.Fatalf("offset %#x reached twice while walking the tree (cycle or shared child)", offset)
	}
	visited[offset] = true

	node, err := tr.fetchNode(offset)
	if err != nil {
		t.Fatalf("fetchNode(%#x): %v", offset, err)
	}
	defer node.Release()

	c := int(node.Children())
	if c == 0 {
		t.Fatalf("node %#x has zero children", offset)
	}

	if node.IsLeaf() {
		leaves[offset] = true
		minFill := ceilDiv(tr.mLeaf+1, 2)
		if !isRoot && c < minFill {
			t.Fatalf("leaf %#x underfull: %d children, want >= %d", offset, c, minFill)
		}
		for i := 1; i < c; i++ {
			if node.Key(i-1) >= node.Key(i) {
				t.Fatalf("leaf %#x: keys not strictly increasing at index %d", offset, i)
			}
		}
		return node.Key(0), node.Key(c - 1), offset, offset
	}

	minFill := ceilDiv(tr.mInternal+1, 2)
	if !isRoot && c < minFill {
		t.Fatalf("internal node %#x underfull: %d children, want >= %d", offset, c, minFill)
	}
	if c < 2 {
		t.Fatalf("internal node %#x has fewer than 2 children", offset)
	}
	for i := 1; i < c-1; i++ {
		if node.Key(i-1) >= node.Key(i) {
			t.Fatalf("internal node %#x: keys not strictly increasing at index %d", offset, i)
		}
	}

	var prevMax uint32
	for i := 0; i < c; i++ {
		childMin, childMax, childLeftLeaf, childRightLeaf := walkNode(t, tr, node.Sub(i), false, visited, leaves)
		if i == 0 {
			minKey, leftLeaf = childMin, childLeftLeaf
		}
		if i == c-1 {
			rightLeaf = childRightLeaf
		}
		if i > 0 {
			sep := node.Key(i - 1)
			if childMin < sep {
				t.Fatalf("internal node %#x: child %d min key %d precedes separator %d", offset, i, childMin, sep)
			}
			if prevMax >= sep {
				t.Fatalf("internal node %#x: child %d max key %d does not precede separator %d", offset, i-1, prevMax, sep)
			}
		}
		prevMax = childMax
	}
	maxKey = prevMax
	return minKey, maxKey, leftLeaf, rightLeaf
}

// verifyTreeInvariants walks the whole tree and asserts the structural
// invariants the tree must hold after every mutation: per-node key
// ordering, minimum fill everywhere but the root, separator-key correctness,
// an in-order leaf chain consistent with the tree shape, and a free list
// disjoint from every offset reachable from the root.
func verifyTreeInvariants(t *testing.T, tr *Tree) {
	t.Helper()
	root := tr.RootOffset()
	if root == InvalidOffset {
		return
	}

	visited := make(map[uint64]bool)
	leaves := make(map[uint64]bool)
	_, _, leftLeaf, rightLeaf := walkNode(t, tr, root, true, visited, leaves)

	// Walk the leaf chain left to right via Next() and confirm it visits
	// exactly the leaves found above, in increasing key order, with Prev()
	// consistent at every step.
	seen := make(map[uint64]bool)
	prevOffset := InvalidOffset
	var lastKey uint32
	first := true
	cur := leftLeaf
	for cur != InvalidOffset {
		if seen[cur] {
			t.Fatalf("leaf chain cycles back to offset %#x", cur)
		}
		seen[cur] = true
		node, err := tr.fetchNode(cur)
		if err != nil {
			t.Fatalf("fetchNode(%#x) while walking leaf chain: %v", cur, err)
		}
		if node.Prev() != prevOffset {
			t.Fatalf("leaf %#x: Prev() = %#x, want %#x", cur, node.Prev(), prevOffset)
		}
		c := int(node.Children())
		key := node.Key(0)
		if !first && key < lastKey {
			t.Fatalf("leaf chain out of order at %#x: key %d after %d", cur, key, lastKey)
		}
		first = false
		lastKey = node.Key(c - 1)
		next := node.Next()
		node.Release()
		prevOffset = cur
		cur = next
	}
	if prevOffset != rightLeaf {
		t.Fatalf("leaf chain ends at %#x, want rightmost leaf %#x", prevOffset, rightLeaf)
	}
	if len(seen) != len(leaves) {
		t.Fatalf("leaf chain visited %d leaves, tree walk found %d", len(seen), len(leaves))
	}
	for off := range leaves {
		if !seen[off] {
			t.Fatalf("leaf %#x reachable from root but absent from the leaf chain", off)
		}
	}

	// The free list must not overlap with anything reachable from the root.
	for _, off := range tr.boot.FreeList {
		if visited[off] {
			t.Fatalf("offset %#x is both allocated (reachable from root) and on the free list", off)
		}
	}
}

func openTestTree(t *testing.T, cacheSize int) *Tree {
	t.Helper()
	dir := t.TempDir()
	tr, err := Open(Config{
		FileName:  filepath.Join(dir, "tree.db"),
		BlockSize: 4096,
		CacheSize: cacheSize,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSearchOnEmptyTree(t *testing.T) {
	tr := openTestTree(t, 64)
	_, found, err := tr.Search(42)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found {
		t.Fatal("expected not found on empty tree")
	}
}

func TestInsertThenSearch(t *testing.T) {
	tr := openTestTree(t, 64)
	if err := tr.Insert(7, 700); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, found, err := tr.Search(7)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !found || v != 700 {
		t.Fatalf("Search = (%d, %v), want (700, true)", v, found)
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	tr := openTestTree(t, 64)
	if err := tr.Insert(1, 10); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := tr.Insert(1, 20)
	if errors.Cause(err) != ErrDuplicateKey {
		t.Fatalf("Insert duplicate err = %v, want ErrDuplicateKey", err)
	}
}

func TestDeleteThenSearch(t *testing.T) {
	tr := openTestTree(t, 64)
	if err := tr.Insert(5, 50); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Delete(5); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, found, err := tr.Search(5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestDeleteMissingKey(t *testing.T) {
	tr := openTestTree(t, 64)
	err := tr.Delete(99)
	if errors.Cause(err) != ErrNotFound {
		t.Fatalf("Delete missing err = %v, want ErrNotFound", err)
	}
}

func TestMonotonicBulkLoad(t *testing.T) {
	tr := openTestTree(t, 2000)
	const n = 20000
	for i := uint32(0); i < n; i++ {
		if err := tr.Insert(i, int64(i)*10); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := uint32(0); i < n; i += 997 {
		v, found, err := tr.Search(i)
		if err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
		if !found || v != int64(i)*10 {
			t.Fatalf("Search(%d) = (%d, %v), want (%d, true)", i, v, found, int64(i)*10)
		}
	}
	verifyTreeInvariants(t, tr)
}

func TestFullDeletionCycle(t *testing.T) {
	tr := openTestTree(t, 256)
	const n = 2000
	keys := rand.New(rand.NewSource(1)).Perm(n)
	for _, k := range keys {
		if err := tr.Insert(uint32(k), int64(k)); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}
	verifyTreeInvariants(t, tr)

	del := rand.New(rand.NewSource(2)).Perm(n)
	for i, k := range del {
		if err := tr.Delete(uint32(k)); err != nil {
			t.Fatalf("Delete(%d): %v", k, err)
		}
		if i%200 == 0 {
			verifyTreeInvariants(t, tr)
		}
	}
	verifyTreeInvariants(t, tr)
	for _, k := range keys {
		_, found, err := tr.Search(uint32(k))
		if err != nil {
			t.Fatalf("Search(%d): %v", k, err)
		}
		if found {
			t.Fatalf("key %d still present after full deletion", k)
		}
	}
	if tr.RootOffset() != InvalidOffset {
		t.Fatal("expected empty tree after deleting every key")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.db")
	tr, err := Open(Config{FileName: path, BlockSize: 4096, CacheSize: 64})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint32(0); i < 500; i++ {
		if err := tr.Insert(i, int64(i)+1); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tr2, err := Open(Config{FileName: path, BlockSize: 4096, CacheSize: 64})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tr2.Close()
	for i := uint32(0); i < 500; i++ {
		v, found, err := tr2.Search(i)
		if err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
		if !found || v != int64(i)+1 {
			t.Fatalf("Search(%d) = (%d, %v), want (%d, true)", i, v, found, int64(i)+1)
		}
	}
}

func TestReopenRejectsBlockSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.db")
	tr, err := Open(Config{FileName: path, BlockSize: 4096, CacheSize: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = Open(Config{FileName: path, BlockSize: 8192, CacheSize: 16})
	if errors.Cause(err) != ErrConfigInvalid {
		t.Fatalf("reopen with mismatched block size err = %v, want ErrConfigInvalid", err)
	}
}

// TestSearchAgreesWithReferenceMap checks insert/search against a plain
// map for randomized key sets, using testing/quick to vary the sample.
func TestSearchAgreesWithReferenceMap(t *testing.T) {
	f := func(keys []uint32) bool {
		tr := openTestTree(t, 128)
		ref := make(map[uint32]int64)
		for _, k := range dedup(keys) {
			v := int64(k) * 3
			if err := tr.Insert(k, v); err != nil {
				t.Logf("Insert(%d): %v", k, err)
				return false
			}
			ref[k] = v
		}
		for k, want := range ref {
			got, found, err := tr.Search(k)
			if err != nil || !found || got != want {
				t.Logf("Search(%d) = (%d, %v, %v), want (%d, true, nil)", k, got, found, err, want)
				return false
			}
		}
		return true
	}
	cfg := &quick.Config{MaxLen: 200}
	if err := quick.Check(f, cfg); err != nil {
		t.Error(err)
	}
}

func dedup(keys []uint32) []uint32 {
	seen := make(map[uint32]bool)
	out := make([]uint32, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
