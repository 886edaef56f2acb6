package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/lincketheo/numstore/internal/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.PageSize = 512
	cfg.CheckpointCron = ""
	cfg.EngineWorkers = 2
	eng, err := Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "wal.log"), cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Errorf("close engine: %v", err)
		}
	})
	return eng
}

func TestCreateInsertReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if _, err := eng.CreateVariable(ctx, "temperature", []byte("f64")); err != nil {
		t.Fatalf("create: %v", err)
	}

	data := bytes.Repeat([]byte{0x7E}, 400)
	if err := eng.Insert(ctx, "temperature", 0, data); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := make([]byte, len(data))
	n, err := eng.Read(ctx, "temperature", 0, got, len(data), 1, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(data) || !bytes.Equal(got, data) {
		t.Fatalf("round-trip mismatch: got %d bytes", n)
	}
}

func TestCreateVariableRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if _, err := eng.CreateVariable(ctx, "x", []byte("i32")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.CreateVariable(ctx, "x", []byte("i32")); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestOperationsOnUnknownVariableFail(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if err := eng.Insert(ctx, "missing", 0, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected insert on unknown variable to fail")
	}
	if _, err := eng.Read(ctx, "missing", 0, make([]byte, 3), 3, 1, 1); err == nil {
		t.Fatal("expected read on unknown variable to fail")
	}
}

func TestRemoveVariableDeletesMapping(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if _, err := eng.CreateVariable(ctx, "y", []byte("bool")); err != nil {
		t.Fatalf("create: %v", err)
	}
	found, err := eng.RemoveVariable(ctx, "y")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !found {
		t.Fatal("expected remove to report the variable existed")
	}
	if err := eng.Insert(ctx, "y", 0, []byte{1}); err == nil {
		t.Fatal("expected insert after remove to fail")
	}
}

func TestReadAsyncMatchesSynchronousRead(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if _, err := eng.CreateVariable(ctx, "z", []byte("i8")); err != nil {
		t.Fatalf("create: %v", err)
	}
	data := bytes.Repeat([]byte{0x3C}, 64)
	if err := eng.Insert(ctx, "z", 0, data); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dest := make([]byte, len(data))
	res := <-eng.ReadAsync(ctx, "z", 0, dest, len(data), 1, 1)
	if res.Err != nil {
		t.Fatalf("read async: %v", res.Err)
	}
	if n, ok := res.Value.(int); !ok || n != len(data) {
		t.Fatalf("read async n = %v, want %d", res.Value, len(data))
	}
	if !bytes.Equal(dest, data) {
		t.Fatal("read async data mismatch")
	}
}

func TestCheckpointSucceeds(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if _, err := eng.CreateVariable(ctx, "w", []byte("i32")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.Insert(ctx, "w", 0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := eng.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
}
