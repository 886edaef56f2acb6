package store

import "sync"

// TxnState is where a transaction sits in the ARIES lifecycle.
type TxnState int

const (
	TxnRunning TxnState = iota
	TxnCommitted
	// TxnCandidateForUndo marks a transaction found active at the end of
	// the analysis pass: it never committed before the crash and must be
	// rolled back during the undo pass.
	TxnCandidateForUndo
	TxnDone
)

func (s TxnState) String() string {
	switch s {
	case TxnRunning:
		return "RUNNING"
	case TxnCommitted:
		return "COMMITTED"
	case TxnCandidateForUndo:
		return "CANDIDATE_FOR_UNDO"
	case TxnDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// TxnEntry is one row of the transaction table: the minimal state ARIES
// needs to drive undo for a single transaction.
type TxnEntry struct {
	TID TxID
	// LastLSN is the LSN of the most recent record this transaction wrote.
	// Undo walks backward from here via each record's PrevLSN.
	LastLSN LSN
	// UndoNextLSN is where undo should resume after a CLR has been
	// applied, letting recovery skip a chain of records that a prior,
	// already-durable CLR already compensated.
	UndoNextLSN LSN
	State       TxnState
}

// TxnTable is the in-memory active-transaction table. It is checkpointed
// into a CHECKPOINT_END record's payload and rebuilt by the analysis pass
// after a crash.
type TxnTable struct {
	mu      sync.Mutex
	entries map[TxID]*TxnEntry
	maxTids int
}

// NewTxnTable returns an empty table bounded to hold at most maxTids
// concurrently active transactions.
func NewTxnTable(maxTids int) *TxnTable {
	return &TxnTable{entries: make(map[TxID]*TxnEntry), maxTids: maxTids}
}

// Begin registers a new running transaction. Returns ErrTxnFull if the
// table is already at capacity.
func (t *TxnTable) Begin(tid TxID, beginLSN LSN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.maxTids {
		return Wrapf(ErrTxnFull, "transaction table full at %d entries", t.maxTids)
	}
	if _, ok := t.entries[tid]; ok {
		return Wrapf(ErrInvalidArgument, "txn %d already began", tid)
	}
	t.entries[tid] = &TxnEntry{TID: tid, LastLSN: beginLSN, State: TxnRunning}
	return nil
}

// RecordWrite updates tid's LastLSN after it appends a new forward (UPDATE)
// log record. UndoNextLSN tracks LastLSN until a CLR says otherwise: an
// un-compensated record must still be undone starting at itself.
func (t *TxnTable) RecordWrite(tid TxID, lsn LSN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tid]
	if !ok {
		return Wrapf(ErrNoTxn, "no such transaction %d", tid)
	}
	e.LastLSN = lsn
	e.UndoNextLSN = lsn
	return nil
}

// RecordCompensation updates tid's LastLSN to clrLSN (the chain still
// includes the CLR just written) but sets UndoNextLSN to resumeAt, the
// point before the record the CLR just compensated — so a subsequent undo
// pass skips it rather than re-compensating it.
func (t *TxnTable) RecordCompensation(tid TxID, clrLSN, resumeAt LSN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tid]
	if !ok {
		return Wrapf(ErrNoTxn, "no such transaction %d", tid)
	}
	e.LastLSN = clrLSN
	e.UndoNextLSN = resumeAt
	return nil
}

// Commit marks tid committed. The entry is retained until End removes it,
// mirroring the COMMIT/END record pair.
func (t *TxnTable) Commit(tid TxID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tid]
	if !ok {
		return Wrapf(ErrNoTxn, "no such transaction %d", tid)
	}
	if e.State == TxnCommitted || e.State == TxnDone {
		return Wrapf(ErrDuplicateCommit, "transaction %d already committed", tid)
	}
	e.State = TxnCommitted
	return nil
}

// End removes tid from the table; callers invoke it after appending the
// END record.
func (t *TxnTable) End(tid TxID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, tid)
}

// Get returns a copy of tid's entry, or ok == false if it is not active.
func (t *TxnTable) Get(tid TxID) (TxnEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tid]
	if !ok {
		return TxnEntry{}, false
	}
	return *e, true
}

// Active returns a snapshot of every entry in the table, sorted by no
// particular order; callers that need determinism should sort by TID.
func (t *TxnTable) Active() []TxnEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TxnEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// set installs an entry verbatim, used by the analysis pass to rebuild the
// table from the log and by checkpoint restore.
func (t *TxnTable) set(e TxnEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := e
	t.entries[e.TID] = &cp
}

// DirtyPageEntry is one row of the dirty-page table: the page and the LSN
// of the first record that dirtied it since it was last flushed.
type DirtyPageEntry struct {
	Pgno   PGNO
	RecLSN LSN
}

// DirtyPageTable tracks, for every page with an update not yet reflected
// on disk, the earliest LSN recovery must redo from.
type DirtyPageTable struct {
	mu      sync.Mutex
	entries map[PGNO]LSN
	maxLen  int
}

// NewDirtyPageTable returns an empty table bounded to maxLen pages.
func NewDirtyPageTable(maxLen int) *DirtyPageTable {
	return &DirtyPageTable{entries: make(map[PGNO]LSN), maxLen: maxLen}
}

// MarkDirty records that pgno was dirtied by a write at lsn, if it is not
// already present (first dirtying LSN wins). Returns ErrDPGTFull if the
// table would need to grow past capacity to hold a new page.
func (d *DirtyPageTable) MarkDirty(pgno PGNO, lsn LSN) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[pgno]; ok {
		return nil
	}
	if len(d.entries) >= d.maxLen {
		return Wrapf(ErrDPGTFull, "dirty page table full at %d entries", d.maxLen)
	}
	d.entries[pgno] = lsn
	return nil
}

// Clean removes pgno once it has been flushed to the data file.
func (d *DirtyPageTable) Clean(pgno PGNO) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, pgno)
}

// RecLSN returns the recorded dirtying LSN for pgno, or ok == false.
func (d *DirtyPageTable) RecLSN(pgno PGNO) (LSN, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lsn, ok := d.entries[pgno]
	return lsn, ok
}

// MinRecLSN returns the smallest RecLSN across all entries, the point
// before which the WAL holds nothing recovery still needs; it is 0 if the
// table is empty.
func (d *DirtyPageTable) MinRecLSN() LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	var min LSN
	first := true
	for _, lsn := range d.entries {
		if first || lsn < min {
			min = lsn
			first = false
		}
	}
	return min
}

// Snapshot returns every entry, for serialization into a CHECKPOINT_END
// record.
func (d *DirtyPageTable) Snapshot() []DirtyPageEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DirtyPageEntry, 0, len(d.entries))
	for pg, lsn := range d.entries {
		out = append(out, DirtyPageEntry{Pgno: pg, RecLSN: lsn})
	}
	return out
}

// restore replaces the table's contents, used when rebuilding from a
// checkpoint during analysis.
func (d *DirtyPageTable) restore(entries []DirtyPageEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[PGNO]LSN, len(entries))
	for _, e := range entries {
		d.entries[e.Pgno] = e.RecLSN
	}
}
