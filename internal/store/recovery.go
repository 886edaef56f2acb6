package store

import (
	"sort"

	"github.com/lincketheo/numstore/internal/config"
)

// Open opens (or creates) a database at dataPath/walPath, runs ARIES
// recovery if the root node points at a prior checkpoint, and returns a
// ready-to-use Store.
func Open(dataPath, walPath string, cfg config.Config) (*Store, error) {
	file, err := OpenFile(dataPath, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	if file.NPages() == 0 {
		if _, err := file.New(); err != nil {
			return nil, err
		}
		if err := file.Write(0, InitRootNode(cfg.PageSize)); err != nil {
			return nil, err
		}
	}

	wal, err := OpenWAL(walPath, cfg.WALBufferCap)
	if err != nil {
		return nil, err
	}

	rootBuf := make([]byte, cfg.PageSize)
	if err := file.Read(0, rootBuf); err != nil {
		return nil, err
	}
	root := ReadRootNode(rootBuf)

	txns := NewTxnTable(cfg.MaxTids)
	dpt := NewDirtyPageTable(cfg.MaxTids * 4)

	if root.MasterLSN != 0 {
		if err := analyze(wal, root.MasterLSN, txns, dpt, cfg.PageSize); err != nil {
			return nil, err
		}
		if err := redo(file, wal, dpt, cfg.PageSize); err != nil {
			return nil, err
		}
	}

	pool := NewPool(file, wal, dpt, txns, cfg.MemoryPageLen, 0)

	s := &Store{File: file, WAL: wal, Pool: pool, Txns: txns, Dirty: dpt, PageSize: cfg.PageSize, RootPgno: 0}

	if err := undo(s, txns); err != nil {
		return nil, err
	}
	return s, nil
}

// analyze replays BEGIN/UPDATE/COMPENSATION/COMMIT/END/CHECKPOINT_END
// records from masterLSN forward, reconstructing the transaction and
// dirty-page tables. Transactions still RUNNING when the log ends are
// marked CANDIDATE_FOR_UNDO.
func analyze(wal *WAL, masterLSN LSN, txns *TxnTable, dpt *DirtyPageTable, pageSize int) error {
	r := wal.NewReaderAt(masterLSN)
	for {
		rec, err := r.Next()
		if err != nil {
			return err
		}
		if rec.Type == RecEOF {
			break
		}

		switch rec.Type {
		case RecBegin:
			_ = txns.Begin(rec.TxID, rec.LSN) // ignore TxnFull during analysis: table was sized for this run

		case RecUpdate:
			_ = txns.RecordWrite(rec.TxID, rec.LSN)
			up, err := unmarshalUpdatePayload(rec.Payload, pageSize)
			if err != nil {
				return Wrap(ErrCorrupt, err)
			}
			_ = dpt.MarkDirty(up.Pgno, rec.LSN)

		case RecCompensation:
			cp, err := unmarshalCompensationPayload(rec.Payload, pageSize)
			if err != nil {
				return Wrap(ErrCorrupt, err)
			}
			_ = txns.RecordCompensation(rec.TxID, rec.LSN, cp.UndoNextLSN)
			_ = dpt.MarkDirty(cp.Pgno, rec.LSN)

		case RecCommit:
			_ = txns.Commit(rec.TxID)
			_ = txns.RecordWrite(rec.TxID, rec.LSN)

		case RecEnd:
			txns.End(rec.TxID)

		case RecCheckpointEnd:
			cp, err := unmarshalCheckpointPayload(rec.Payload)
			if err != nil {
				return Wrap(ErrCorrupt, err)
			}
			for _, e := range cp.Txns {
				if _, ok := txns.Get(e.TID); !ok {
					txns.set(e)
				}
			}
			var toAdd []DirtyPageEntry
			for _, d := range cp.Dirty {
				if _, ok := dpt.RecLSN(d.Pgno); !ok {
					toAdd = append(toAdd, d)
				}
			}
			if len(toAdd) > 0 {
				dpt.restore(append(dpt.Snapshot(), toAdd...))
			}
		}
	}

	for _, e := range txns.Active() {
		if e.State == TxnRunning {
			e.State = TxnCandidateForUndo
			txns.set(e)
		}
	}
	return nil
}

// redo re-applies, in LSN order, every UPDATE/COMPENSATION record from the
// smallest rec_lsn in the dirty-page table forward, whose LSN exceeds the
// affected page's current on-disk page-LSN. This makes redo idempotent: a
// page already reflecting a record's effect (page-LSN >= record LSN) is
// left untouched.
func redo(file *File, wal *WAL, dpt *DirtyPageTable, pageSize int) error {
	dirty := dpt.Snapshot()
	if len(dirty) == 0 {
		return nil
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].RecLSN < dirty[j].RecLSN })
	from := dirty[0].RecLSN

	r := wal.NewReaderAt(from)
	buf := make([]byte, pageSize)
	for {
		rec, err := r.Next()
		if err != nil {
			return err
		}
		if rec.Type == RecEOF {
			break
		}

		var pgno PGNO
		var after []byte
		switch rec.Type {
		case RecUpdate:
			up, err := unmarshalUpdatePayload(rec.Payload, pageSize)
			if err != nil {
				return Wrap(ErrCorrupt, err)
			}
			pgno, after = up.Pgno, up.After
		case RecCompensation:
			cp, err := unmarshalCompensationPayload(rec.Payload, pageSize)
			if err != nil {
				return Wrap(ErrCorrupt, err)
			}
			pgno, after = cp.Pgno, cp.Image
		default:
			continue
		}

		if _, tracked := dpt.RecLSN(pgno); !tracked {
			continue
		}
		if pgno >= file.NPages() {
			// The record allocated this page; extend the file to hold it.
			for file.NPages() <= pgno {
				if _, err := file.New(); err != nil {
					return err
				}
			}
		}
		if err := file.Read(pgno, buf); err != nil {
			return err
		}
		if PageLSN(buf) >= rec.LSN {
			continue // already reflected, redo is a no-op here
		}
		if err := file.Write(pgno, after); err != nil {
			return err
		}
	}
	return file.Sync()
}

// undo rolls back every CANDIDATE_FOR_UNDO transaction left by analysis.
func undo(s *Store, txns *TxnTable) error {
	for _, e := range txns.Active() {
		if e.State != TxnCandidateForUndo {
			continue
		}
		if err := undoChain(s, e.TID, e.UndoNextLSN); err != nil {
			return err
		}
		endLSN, err := s.WAL.Write(Record{Type: RecEnd, TxID: e.TID})
		if err != nil {
			return err
		}
		_ = endLSN
		txns.End(e.TID)
	}
	return nil
}
