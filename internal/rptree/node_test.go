package rptree

import (
	"testing"

	"github.com/lincketheo/numstore/internal/store"
)

func TestDLAppendFillRespectsCapacity(t *testing.T) {
	buf := store.InitDataList(64)
	n := dlAppendFill(buf, []byte("hello world"))
	if n != len("hello world") {
		t.Fatalf("expected full fill, got %d", n)
	}
	if store.DLUsed(buf) != uint32(n) {
		t.Fatalf("used not updated")
	}
	if string(store.DLData(buf)) != "hello world" {
		t.Fatalf("data mismatch: %q", store.DLData(buf))
	}

	free := dlFreeSpace(buf)
	big := make([]byte, free+10)
	n2 := dlAppendFill(buf, big)
	if n2 != free {
		t.Fatalf("expected capped fill of %d, got %d", free, n2)
	}
	if dlFreeSpace(buf) != 0 {
		t.Fatalf("expected buffer full")
	}
}

func TestRebuildInnerNodeRecomputesCumulativeKeys(t *testing.T) {
	buf := store.InitInnerNode(256)
	children := []store.PGNO{1, 2, 3}
	sizes := []store.BSize{10, 20, 30}
	rebuildInnerNode(buf, children, sizes)

	if store.INNKeys(buf) != 2 {
		t.Fatalf("expected 2 keys for 3 children, got %d", store.INNKeys(buf))
	}
	if store.INKey(buf, 0) != 10 {
		t.Fatalf("key 0 = %d, want 10", store.INKey(buf, 0))
	}
	if store.INKey(buf, 1) != 30 {
		t.Fatalf("key 1 = %d, want 30", store.INKey(buf, 1))
	}
	if got := innerTotalSize(buf, sizes[2]); got != 60 {
		t.Fatalf("total = %d, want 60", got)
	}
	for i, c := range children {
		if store.INChild(buf, i) != c {
			t.Fatalf("child %d = %d, want %d", i, store.INChild(buf, i), c)
		}
	}
}

func TestSplitChildrenIntoChunksEvenSplit(t *testing.T) {
	children := []store.PGNO{1, 2, 3, 4, 5}
	sizes := []store.BSize{1, 2, 3, 4, 5}
	childChunks, sizeChunks := splitChildrenIntoChunks(children, sizes, 3)
	if len(childChunks) != 2 {
		t.Fatalf("expected 2 chunks for 5 children capped at 3, got %d", len(childChunks))
	}
	total := 0
	for i, c := range childChunks {
		if len(c) > 3 {
			t.Fatalf("chunk %d has %d children, exceeds cap of 3", i, len(c))
		}
		if len(c) != len(sizeChunks[i]) {
			t.Fatalf("chunk %d: children/sizes length mismatch", i)
		}
		total += len(c)
	}
	if total != len(children) {
		t.Fatalf("chunks cover %d children, want %d", total, len(children))
	}
	if childChunks[0][0] != 1 || sizeChunks[0][0] != 1 {
		t.Fatalf("first chunk should start at the first child, got %v", childChunks[0])
	}
}

func TestSplitChildrenIntoChunksWithinCapacity(t *testing.T) {
	children := []store.PGNO{1, 2, 3}
	sizes := []store.BSize{1, 2, 3}
	childChunks, sizeChunks := splitChildrenIntoChunks(children, sizes, 10)
	if len(childChunks) != 1 || len(childChunks[0]) != 3 {
		t.Fatalf("expected a single chunk of 3 when under capacity, got %v", childChunks)
	}
	if len(sizeChunks[0]) != 3 {
		t.Fatalf("size chunk length mismatch")
	}
}

func TestLinkLeaves(t *testing.T) {
	a := store.InitDataList(64)
	b := store.InitDataList(64)
	linkLeaves(a, 7, b, 9)
	if store.DLNext(a) != 9 {
		t.Fatalf("a.next = %d, want 9", store.DLNext(a))
	}
	if store.DLPrev(b) != 7 {
		t.Fatalf("b.prev = %d, want 7", store.DLPrev(b))
	}
}
