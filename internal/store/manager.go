package store

// Store bundles the file pager, WAL, buffer pool, and transaction/dirty-page
// tables into the single unit recovery and cursors operate on.
type Store struct {
	File     *File
	WAL      *WAL
	Pool     *Pool
	Txns     *TxnTable
	Dirty    *DirtyPageTable
	PageSize int
	RootPgno PGNO
}

// Begin starts a new transaction, logging its BEGIN record.
func (s *Store) Begin(tid TxID) error {
	lsn, err := s.WAL.Write(Record{Type: RecBegin, TxID: tid})
	if err != nil {
		return err
	}
	return s.Txns.Begin(tid, lsn)
}

// Commit appends a COMMIT record, flushes the WAL through it (the
// durability point of the transaction), then appends END and removes the
// transaction from the table.
func (s *Store) Commit(tid TxID) error {
	e, ok := s.Txns.Get(tid)
	if !ok {
		return Wrapf(ErrNoTxn, "no such transaction %d", tid)
	}
	lsn, err := s.WAL.Write(Record{Type: RecCommit, TxID: tid, PrevLSN: e.LastLSN})
	if err != nil {
		return err
	}
	if err := s.Txns.Commit(tid); err != nil {
		return err
	}
	if err := s.Txns.RecordWrite(tid, lsn); err != nil {
		return err
	}
	if err := s.WAL.FlushTo(lsn); err != nil {
		return err
	}
	endLSN, err := s.WAL.Write(Record{Type: RecEnd, TxID: tid, PrevLSN: lsn})
	if err != nil {
		return err
	}
	_ = endLSN
	s.Txns.End(tid)
	return nil
}

// Rollback walks tid's undo chain back to the BEGIN record, applying the
// inverse (before-image) of each UPDATE and writing a CLR for it, then
// appends END and removes the transaction.
func (s *Store) Rollback(tid TxID) error {
	e, ok := s.Txns.Get(tid)
	if !ok {
		return Wrapf(ErrNoTxn, "no such transaction %d", tid)
	}
	// The undo walk reads records back from the WAL file, so the chain must
	// be on disk first.
	if err := s.WAL.FlushTo(e.LastLSN); err != nil {
		return err
	}
	if err := undoChain(s, tid, e.UndoNextLSN); err != nil {
		return err
	}
	lsn, ok2 := s.Txns.Get(tid)
	var prevLSN LSN
	if ok2 {
		prevLSN = lsn.LastLSN
	}
	endLSN, err := s.WAL.Write(Record{Type: RecEnd, TxID: tid, PrevLSN: prevLSN})
	if err != nil {
		return err
	}
	_ = endLSN
	s.Txns.End(tid)
	return nil
}

// undoChain walks backward from fromLSN along the PrevLSN chain, applying
// each UPDATE's before-image and writing a CLR, until it reaches a BEGIN
// record (PrevLSN == 0). Records already compensated are skipped via
// UndoNextLSN, the mechanism shared with crash recovery's undo pass.
func undoChain(s *Store, tid TxID, fromLSN LSN) error {
	cur := fromLSN
	for cur != 0 {
		r := s.WAL.NewReaderAt(cur)
		rec, err := r.Next()
		if err != nil {
			return err
		}
		if rec.Type == RecEOF {
			return Wrapf(ErrCorrupt, "undo chain for txn %d: record at %d missing", tid, cur)
		}

		switch rec.Type {
		case RecBegin:
			return nil
		case RecUpdate:
			up, err := unmarshalUpdatePayload(rec.Payload, s.PageSize)
			if err != nil {
				return Wrap(ErrCorrupt, err)
			}
			if err := applyCompensation(s, tid, up.Pgno, up.Before, rec.PrevLSN); err != nil {
				return err
			}
		case RecCompensation:
			cp, err := unmarshalCompensationPayload(rec.Payload, s.PageSize)
			if err != nil {
				return Wrap(ErrCorrupt, err)
			}
			cur = cp.UndoNextLSN
			continue
		}
		cur = rec.PrevLSN
	}
	return nil
}

// applyCompensation writes image back to pgno directly (bypassing the
// normal get_writable path, since undo is not itself undoable) and logs a
// COMPENSATION record pointing undo at undoNext.
func applyCompensation(s *Store, tid TxID, pgno PGNO, image []byte, undoNext LSN) error {
	h, err := s.Pool.GetWritable(tid, pgno, PageTombstone)
	if err != nil {
		return err
	}
	copy(h.fr.page, image)

	var prevLSN LSN
	if e, ok := s.Txns.Get(tid); ok {
		prevLSN = e.LastLSN
	}
	lsn, err := s.WAL.Append(RecCompensation, tid, prevLSN, func(lsn LSN) []byte {
		SetPageLSN(h.fr.page, lsn)
		return marshalCompensationPayload(CompensationPayload{Pgno: pgno, Image: append([]byte(nil), h.fr.page...), UndoNextLSN: undoNext})
	})
	if err != nil {
		h.Release()
		return err
	}
	h.fr.pageLSN = lsn
	wasDirty := h.fr.dirty
	h.fr.dirty = true
	if !wasDirty {
		if err := s.Dirty.MarkDirty(pgno, lsn); err != nil {
			h.Release()
			return err
		}
	}
	if err := s.Txns.RecordCompensation(tid, lsn, undoNext); err != nil {
		h.Release()
		return err
	}
	return h.Release()
}

// Checkpoint performs pgr_checkpoint: write CHECKPOINT_BEGIN, flush every
// dirty frame (shrinking the dirty-page table to empty), snapshot the
// (now-empty) dirty-page table and the live transaction table into
// CHECKPOINT_END, flush the WAL, and advance root_node.master_lsn.
func (s *Store) Checkpoint(tid TxID) error {
	beginLSN, err := s.WAL.Write(Record{Type: RecCheckpointBegin})
	if err != nil {
		return err
	}
	if err := s.Pool.Checkpoint(); err != nil {
		return err
	}
	payload := marshalCheckpointPayload(CheckpointPayload{
		Txns:  s.Txns.Active(),
		Dirty: s.Dirty.Snapshot(),
	})
	if _, err := s.WAL.Write(Record{Type: RecCheckpointEnd, Payload: payload}); err != nil {
		return err
	}
	if err := s.WAL.FlushTo(s.WAL.NextLSN()); err != nil {
		return err
	}

	rh, err := s.Pool.GetWritable(tid, s.RootPgno, PageRootNode)
	if err != nil {
		return err
	}
	root := ReadRootNode(rh.Page())
	root.MasterLSN = beginLSN
	WriteRootNode(rh.Page(), root)
	if err := rh.Save(); err != nil {
		return err
	}
	return rh.Release()
}

// Close flushes the WAL and closes the data file and WAL file.
func (s *Store) Close() error {
	if err := s.WAL.Close(); err != nil {
		return err
	}
	if err := s.File.Close(); err != nil {
		return err
	}
	return nil
}
