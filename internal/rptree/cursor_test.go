package rptree

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/lincketheo/numstore/internal/config"
	"github.com/lincketheo/numstore/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.PageSize = 512
	s, err := store.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "wal.log"), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s, cfg
}

func newTestRoot(t *testing.T, s *store.Store, tid store.TxID) store.PGNO {
	t.Helper()
	h, err := s.Pool.New(tid, store.PageRPTRoot, s.PageSize)
	if err != nil {
		t.Fatalf("alloc rpt root: %v", err)
	}
	pgno := h.Pgno()
	if err := h.Save(); err != nil {
		t.Fatalf("save rpt root: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("release rpt root: %v", err)
	}
	return pgno
}

func TestInsertReadRoundTrip(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rr := newTestRoot(t, s, tid)

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := Insert(s, cfg, tid, rr, 0, data); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := make([]byte, len(data))
	n, err := Read(s, cfg, tid, rr, 0, got, len(data), 1, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(data) {
		t.Fatalf("read %d elements, want %d", n, len(data))
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round-tripped data mismatch")
	}

	if err := s.Commit(tid); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestInsertMidStreamShiftsTail(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rr := newTestRoot(t, s, tid)

	head := bytes.Repeat([]byte{0xAA}, 100)
	tail := bytes.Repeat([]byte{0xBB}, 100)
	initial := append(append([]byte{}, head...), tail...)
	if err := Insert(s, cfg, tid, rr, 0, initial); err != nil {
		t.Fatalf("insert initial: %v", err)
	}

	mid := bytes.Repeat([]byte{0xCC}, 50)
	if err := Insert(s, cfg, tid, rr, store.BSize(len(head)), mid); err != nil {
		t.Fatalf("insert mid: %v", err)
	}

	want := append(append(append([]byte{}, head...), mid...), tail...)
	got := make([]byte, len(want))
	n, err := Read(s, cfg, tid, rr, 0, got, len(want), 1, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("insert-mid-stream mismatch: got %d bytes", n)
	}
}

func TestWriteOverwritesInPlace(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rr := newTestRoot(t, s, tid)

	data := bytes.Repeat([]byte{0x11}, 800)
	if err := Insert(s, cfg, tid, rr, 0, data); err != nil {
		t.Fatalf("insert: %v", err)
	}

	patch := bytes.Repeat([]byte{0x22}, 50)
	if err := Write(s, cfg, tid, rr, 400, patch, 1, 1); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := append([]byte{}, data...)
	copy(want[400:], patch)

	got := make([]byte, len(data))
	n, err := Read(s, cfg, tid, rr, 0, got, len(data), 1, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("write round-trip mismatch")
	}
}

func TestRemoveShrinksStream(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rr := newTestRoot(t, s, tid)

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	if err := Insert(s, cfg, tid, rr, 0, data); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed := make([]byte, 200)
	n, err := Remove(s, cfg, tid, rr, 300, removed, 200, 1, 1)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n != 200 {
		t.Fatalf("removed %d bytes, want 200", n)
	}
	if !bytes.Equal(removed, data[300:500]) {
		t.Fatalf("removed bytes mismatch")
	}

	want := append(append([]byte{}, data[:300]...), data[500:]...)
	got := make([]byte, len(want))
	gn, err := Read(s, cfg, tid, rr, 0, got, len(want), 1, 1)
	if err != nil {
		t.Fatalf("read after remove: %v", err)
	}
	if gn != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("post-remove stream mismatch")
	}
}

func TestReadPastEOFReturnsShortCount(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rr := newTestRoot(t, s, tid)

	data := bytes.Repeat([]byte{0x5A}, 100)
	if err := Insert(s, cfg, tid, rr, 0, data); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dest := make([]byte, 200)
	n, err := Read(s, cfg, tid, rr, 0, dest, 200, 1, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 100 {
		t.Fatalf("expected short read of 100 elements at EOF, got %d", n)
	}
}

// TestLargeInsertFoldsIntoChainedRootLevel drives a single insert large
// enough to produce more leaves than one INNER_NODE page's capacity can
// hold as direct children, forcing rebalanceAtRoot to chain several
// INNER_NODE pages under a freshly allocated root.
func TestLargeInsertFoldsIntoChainedRootLevel(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rr := newTestRoot(t, s, tid)

	chunk := maxInsertChunk(cfg, s.PageSize)
	data := make([]byte, chunk-(chunk%7))
	for i := range data {
		data[i] = byte(i % 211)
	}

	c := NewCursor(s, cfg, tid, rr)
	if err := c.Seek(0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if err := c.Insert(data); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := make([]byte, len(data))
	n, err := Read(s, cfg, tid, rr, 0, got, len(data), 1, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(data) || !bytes.Equal(got, data) {
		t.Fatalf("chained-root round-trip mismatch: got %d bytes", n)
	}
}

func TestStridedReadSkipsElements(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rr := newTestRoot(t, s, tid)

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}
	if err := Insert(s, cfg, tid, rr, 0, data); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dest := make([]byte, 4*4)
	n, err := Read(s, cfg, tid, rr, 0, dest, 4, 4, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 elements, got %d", n)
	}
	want := append(append(append(append([]byte{}, data[0:4]...), data[8:12]...), data[16:20]...), data[24:28]...)
	if !bytes.Equal(dest, want) {
		t.Fatalf("strided read mismatch: got %v want %v", dest, want)
	}
}
