// Package engine wires the storage core (internal/store), the rope
// B+tree (internal/rptree), the variable hash index (internal/varindex),
// and the lock table (internal/locktable) into the single façade
// numstore's entry points (the REPL and the gRPC server) drive: named
// variables backed by independent byte-stream trees, transactions, and
// checkpoints.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lincketheo/numstore/internal/config"
	"github.com/lincketheo/numstore/internal/locktable"
	"github.com/lincketheo/numstore/internal/rptree"
	"github.com/lincketheo/numstore/internal/store"
	"github.com/lincketheo/numstore/internal/varindex"
)

// ErrVariableNotFound is returned by any operation naming a variable that
// has no mapping in the variable hash index.
var ErrVariableNotFound = errors.New("engine: variable not found")

// Engine is the top-level handle onto one open numstore database.
type Engine struct {
	s      *store.Store
	cfg    config.Config
	locks  *locktable.Table
	hpg    store.PGNO
	pool   *WorkerPool
	sched  *checkpointScheduler
	nextTx atomic.Uint64
}

// Open opens (or creates) the database at dataPath/walPath, creating the
// variable hash index at page 1 the first time the database is opened
// (spec's well-known page layout: page 0 is the root node, page 1 is the
// variable hash index root), starts the engine's worker pool, and starts
// the background checkpoint scheduler if cfg.CheckpointCron is set.
func Open(dataPath, walPath string, cfg config.Config) (*Engine, error) {
	s, err := store.Open(dataPath, walPath, cfg)
	if err != nil {
		return nil, err
	}

	eng := &Engine{
		s:     s,
		cfg:   cfg,
		locks: locktable.New(),
		pool:  NewWorkerPool(cfg.EngineWorkers, cfg.EngineWorkers*4),
	}

	fresh := s.File.NPages() == 1
	if fresh {
		tid := eng.allocTxID()
		if err := s.Begin(tid); err != nil {
			return nil, err
		}
		hpg, err := varindex.Create(s, tid)
		if err != nil {
			s.Rollback(tid)
			return nil, err
		}
		if err := s.Commit(tid); err != nil {
			return nil, err
		}
		eng.hpg = hpg
	} else {
		eng.hpg = 1
	}

	sched, err := newCheckpointScheduler(eng, cfg.CheckpointCron)
	if err != nil {
		return nil, fmt.Errorf("schedule checkpoint job: %w", err)
	}
	sched.Start()
	eng.sched = sched

	return eng, nil
}

func (eng *Engine) allocTxID() store.TxID {
	return store.TxID(eng.nextTx.Add(1))
}

func (eng *Engine) varindex() *varindex.Index {
	return varindex.Open(eng.s, eng.cfg, eng.hpg)
}

// SessionID mints a fresh opaque identifier for a client connection, for
// callers (the gRPC server) that want to correlate log lines to one
// client session without exposing internal transaction IDs.
func (eng *Engine) SessionID() string {
	return uuid.NewString()
}

// BeginTxn starts a new transaction and returns its ID.
func (eng *Engine) BeginTxn() (store.TxID, error) {
	tid := eng.allocTxID()
	if err := eng.s.Begin(tid); err != nil {
		return 0, err
	}
	return tid, nil
}

// Commit commits tid and releases every lock it still holds.
func (eng *Engine) Commit(tid store.TxID) error {
	defer eng.locks.Unlock(locktable.TxID(tid))
	return eng.s.Commit(tid)
}

// Rollback rolls tid back and releases every lock it still holds.
func (eng *Engine) Rollback(tid store.TxID) error {
	defer eng.locks.Unlock(locktable.TxID(tid))
	return eng.s.Rollback(tid)
}

func (eng *Engine) lockVariable(ctx context.Context, tid store.TxID, rrPgno store.PGNO, mode locktable.Mode) error {
	return eng.locks.Lock(ctx, locktable.TxID(tid), locktable.ResourceID{Kind: locktable.ResPage, ID: uint64(rrPgno)}, mode)
}

func (eng *Engine) lockHashIndex(ctx context.Context, tid store.TxID, mode locktable.Mode) error {
	return eng.locks.Lock(ctx, locktable.TxID(tid), locktable.ResourceID{Kind: locktable.ResPage, ID: uint64(eng.hpg)}, mode)
}

// CreateVariable allocates a fresh RPT_ROOT for name and registers it in
// the variable hash index with the given type descriptor bytes. It is an
// error to create a name that already exists.
func (eng *Engine) CreateVariable(ctx context.Context, name string, typ []byte) (store.PGNO, error) {
	tid, err := eng.BeginTxn()
	if err != nil {
		return 0, err
	}
	if err := eng.lockHashIndex(ctx, tid, locktable.X); err != nil {
		eng.Rollback(tid)
		return 0, err
	}

	ix := eng.varindex()
	if _, _, found, err := ix.Get(name); err != nil {
		eng.Rollback(tid)
		return 0, err
	} else if found {
		eng.Rollback(tid)
		return 0, fmt.Errorf("engine: variable %q already exists", name)
	}

	rrh, err := eng.s.Pool.New(tid, store.PageRPTRoot, eng.s.PageSize)
	if err != nil {
		eng.Rollback(tid)
		return 0, err
	}
	rrPgno := rrh.Pgno()
	if err := rrh.Save(); err != nil {
		rrh.Release()
		eng.Rollback(tid)
		return 0, err
	}
	if err := rrh.Release(); err != nil {
		eng.Rollback(tid)
		return 0, err
	}

	if err := ix.Put(tid, name, typ, rrPgno); err != nil {
		eng.Rollback(tid)
		return 0, err
	}
	if err := eng.Commit(tid); err != nil {
		return 0, err
	}
	return rrPgno, nil
}

// RemoveVariable deletes name's mapping from the variable hash index,
// reporting whether it existed. It does not reclaim the RPT_ROOT's pages:
// the variable's tree stays allocated in the data file.
func (eng *Engine) RemoveVariable(ctx context.Context, name string) (bool, error) {
	tid, err := eng.BeginTxn()
	if err != nil {
		return false, err
	}
	if err := eng.lockHashIndex(ctx, tid, locktable.X); err != nil {
		eng.Rollback(tid)
		return false, err
	}
	found, err := eng.varindex().Delete(tid, name)
	if err != nil {
		eng.Rollback(tid)
		return false, err
	}
	if err := eng.Commit(tid); err != nil {
		return false, err
	}
	return found, nil
}

// resolve looks up name's RPT_ROOT page, locking the hash index with
// intention-share so a concurrent CreateVariable/RemoveVariable can still
// detect the conflict.
func (eng *Engine) resolve(ctx context.Context, tid store.TxID, name string) (store.PGNO, error) {
	if err := eng.lockHashIndex(ctx, tid, locktable.IS); err != nil {
		return 0, err
	}
	rrPgno, _, found, err := eng.varindex().Get(name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrVariableNotFound
	}
	return rrPgno, nil
}

// Insert inserts buf into name's byte stream at bstart, shifting any
// existing bytes at or past bstart to the right.
func (eng *Engine) Insert(ctx context.Context, name string, bstart store.BSize, buf []byte) error {
	tid, err := eng.BeginTxn()
	if err != nil {
		return err
	}
	rrPgno, err := eng.resolve(ctx, tid, name)
	if err != nil {
		eng.Rollback(tid)
		return err
	}
	if err := eng.lockVariable(ctx, tid, rrPgno, locktable.X); err != nil {
		eng.Rollback(tid)
		return err
	}
	if err := rptree.Insert(eng.s, eng.cfg, tid, rrPgno, bstart, buf); err != nil {
		eng.Rollback(tid)
		return err
	}
	return eng.Commit(tid)
}

// Write overwrites name's byte stream in place starting at bstart.
func (eng *Engine) Write(ctx context.Context, name string, bstart store.BSize, buf []byte, bsize store.BSize, stride int) error {
	tid, err := eng.BeginTxn()
	if err != nil {
		return err
	}
	rrPgno, err := eng.resolve(ctx, tid, name)
	if err != nil {
		eng.Rollback(tid)
		return err
	}
	if err := eng.lockVariable(ctx, tid, rrPgno, locktable.X); err != nil {
		eng.Rollback(tid)
		return err
	}
	if err := rptree.Write(eng.s, eng.cfg, tid, rrPgno, bstart, buf, bsize, stride); err != nil {
		eng.Rollback(tid)
		return err
	}
	return eng.Commit(tid)
}

// Read reads up to nelems strided elements of name's byte stream into
// dest, returning the number of elements actually read.
func (eng *Engine) Read(ctx context.Context, name string, bstart store.BSize, dest []byte, nelems int, bsize store.BSize, stride int) (int, error) {
	tid, err := eng.BeginTxn()
	if err != nil {
		return 0, err
	}
	rrPgno, err := eng.resolve(ctx, tid, name)
	if err != nil {
		eng.Rollback(tid)
		return 0, err
	}
	if err := eng.lockVariable(ctx, tid, rrPgno, locktable.S); err != nil {
		eng.Rollback(tid)
		return 0, err
	}
	n, err := rptree.Read(eng.s, eng.cfg, tid, rrPgno, bstart, dest, nelems, bsize, stride)
	if err != nil {
		eng.Rollback(tid)
		return 0, err
	}
	return n, eng.Commit(tid)
}

// ReadAsync submits a Read to the engine's worker pool and returns a
// channel carrying its (int, error) result, letting a caller fan out many
// concurrent reads without spawning its own goroutines.
func (eng *Engine) ReadAsync(ctx context.Context, name string, bstart store.BSize, dest []byte, nelems int, bsize store.BSize, stride int) <-chan TaskResult {
	return eng.pool.Submit(func(ctx context.Context) (any, error) {
		return eng.Read(ctx, name, bstart, dest, nelems, bsize, stride)
	})
}

// Remove deletes up to maxRemove bytes from name's byte stream starting at
// bstart, copying the removed bytes into dest when non-nil.
func (eng *Engine) Remove(ctx context.Context, name string, bstart store.BSize, dest []byte, maxRemove int, bsize store.BSize, stride int) (int, error) {
	tid, err := eng.BeginTxn()
	if err != nil {
		return 0, err
	}
	rrPgno, err := eng.resolve(ctx, tid, name)
	if err != nil {
		eng.Rollback(tid)
		return 0, err
	}
	if err := eng.lockVariable(ctx, tid, rrPgno, locktable.X); err != nil {
		eng.Rollback(tid)
		return 0, err
	}
	n, err := rptree.Remove(eng.s, eng.cfg, tid, rrPgno, bstart, dest, maxRemove, bsize, stride)
	if err != nil {
		eng.Rollback(tid)
		return 0, err
	}
	return n, eng.Commit(tid)
}

// Checkpoint forces an immediate checkpoint, independent of the
// background scheduler.
func (eng *Engine) Checkpoint() error {
	tid := eng.allocTxID()
	if err := eng.s.Begin(tid); err != nil {
		return err
	}
	if err := eng.s.Checkpoint(tid); err != nil {
		eng.s.Rollback(tid)
		return err
	}
	return eng.s.Commit(tid)
}

// Close stops the background scheduler and worker pool, then closes the
// underlying store.
func (eng *Engine) Close() error {
	eng.sched.Stop()
	eng.pool.Close()
	return eng.s.Close()
}
