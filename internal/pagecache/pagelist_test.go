package pagecache

import "testing"

func TestPageListPushPopIntegrity(t *testing.T) {
	pl := newPageList(20, 64)

	var slots []int
	for i := 0; i < 20; i++ {
		s, ok := pl.PushFront()
		if !ok {
			t.Fatalf("push %d: expected room", i)
		}
		slots = append(slots, s)
	}
	if _, ok := pl.PushFront(); ok {
		t.Fatal("expected list to be full")
	}
	if !pl.Full() {
		t.Fatal("Full() should report true")
	}

	for i := 0; i < 5; i++ {
		pl.PopBack()
	}
	if pl.Len() != 15 {
		t.Fatalf("len = %d, want 15", pl.Len())
	}

	for i := 0; i < 5; i++ {
		if _, ok := pl.PushBack(); !ok {
			t.Fatalf("repush %d: expected room after pop", i)
		}
	}
	if pl.Len() != 20 {
		t.Fatalf("len = %d, want 20", pl.Len())
	}

	// Walk the using list front to back and confirm prev/next are mutually
	// consistent and the walk terminates at exactly Len() nodes.
	count := 0
	prev := end
	for i := pl.Head(); i != end; i = pl.Next(i) {
		if pl.Prev(i) != prev {
			t.Fatalf("slot %d: prev link broken", i)
		}
		prev = i
		count++
		if count > pl.capacity {
			t.Fatal("walk did not terminate: cycle in using list")
		}
	}
	if count != pl.Len() {
		t.Fatalf("walked %d nodes, want %d", count, pl.Len())
	}
	if pl.Tail() != prev {
		t.Fatalf("tail = %d, want %d", pl.Tail(), prev)
	}
}

func TestPageListMoveOperationsPreserveBuffer(t *testing.T) {
	pl := newPageList(4, 16)
	a, _ := pl.PushBack()
	b, _ := pl.PushBack()
	c, _ := pl.PushBack()

	copy(pl.Bytes(b), []byte("marker-b-data...")[:16])

	pl.MoveToHead(b)
	if pl.Head() != b {
		t.Fatalf("head = %d, want %d", pl.Head(), b)
	}
	if string(pl.Bytes(b)[:9]) != "marker-b-" {
		t.Fatal("MoveToHead must not touch buffer contents")
	}

	pl.MoveToBack(a)
	if pl.Tail() != a {
		t.Fatalf("tail = %d, want %d", pl.Tail(), a)
	}

	pl.MoveBefore(a, c)
	if pl.Next(a) != c {
		t.Fatalf("expected %d to precede %d", a, c)
	}
}
