package varindex

import (
	"path/filepath"
	"testing"

	"github.com/lincketheo/numstore/internal/config"
	"github.com/lincketheo/numstore/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.PageSize = 256
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

func TestPutGetRoundTrip(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	hpg, err := Create(s, tid)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ix := Open(s, cfg, hpg)

	if err := ix.Put(tid, "temperature", []byte("f64"), store.PGNO(42)); err != nil {
		t.Fatalf("put: %v", err)
	}

	typ, rpt, ok, err := ix.Get("temperature")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected variable to be found")
	}
	if string(typ) != "f64" {
		t.Fatalf("type = %q, want f64", typ)
	}
	if rpt != 42 {
		t.Fatalf("rptRoot = %d, want 42", rpt)
	}

	if err := s.Commit(tid); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	hpg, err := Create(s, tid)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ix := Open(s, cfg, hpg)

	_, _, ok, err := ix.Get("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected lookup of unknown variable to miss")
	}
}

func TestPutOverwritesExistingMapping(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	hpg, err := Create(s, tid)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ix := Open(s, cfg, hpg)

	if err := ix.Put(tid, "x", []byte("i32"), store.PGNO(1)); err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if err := ix.Put(tid, "x", []byte("i64"), store.PGNO(2)); err != nil {
		t.Fatalf("put 2: %v", err)
	}

	typ, rpt, ok, err := ix.Get("x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(typ) != "i64" || rpt != 2 {
		t.Fatalf("overwrite failed: typ=%q rpt=%d ok=%v", typ, rpt, ok)
	}
}

func TestDeleteRemovesMapping(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	hpg, err := Create(s, tid)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ix := Open(s, cfg, hpg)

	if err := ix.Put(tid, "y", []byte("bool"), store.PGNO(7)); err != nil {
		t.Fatalf("put: %v", err)
	}
	found, err := ix.Delete(tid, "y")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !found {
		t.Fatal("expected delete to report the mapping existed")
	}
	_, _, ok, err := ix.Get("y")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if ok {
		t.Fatal("expected lookup after delete to miss")
	}
}

func TestManyVariablesShareBucketsAndChainOverflow(t *testing.T) {
	s, cfg := newTestStore(t)
	tid := store.TxID(1)
	if err := s.Begin(tid); err != nil {
		t.Fatalf("begin: %v", err)
	}
	hpg, err := Create(s, tid)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ix := Open(s, cfg, hpg)

	// A 100-byte type descriptor makes each record 115 bytes, so only two
	// fit on a 256-byte VAR_PAGE; any bucket holding three or more of the 40
	// names must spill into a VAR_TAIL.
	typ := make([]byte, 100)
	names := make([]string, 40)
	for i := range names {
		names[i] = string(rune('a'+i%26)) + string(rune('0'+i%10))
		if err := ix.Put(tid, names[i], typ, store.PGNO(i+1)); err != nil {
			t.Fatalf("put %s: %v", names[i], err)
		}
	}
	for i, name := range names {
		_, rpt, ok, err := ix.Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if !ok || rpt != store.PGNO(i+1) {
			t.Fatalf("variable %s: rpt=%d ok=%v, want %d", name, rpt, ok, i+1)
		}
	}
}
