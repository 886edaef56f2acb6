package store

import (
	"fmt"
	"sync"
)

// HMode is the mode a page handle was acquired in.
type HMode int

const (
	HNone HMode = iota
	HShared
	HExclusive
)

// frame is one slot in the buffer pool.
type frame struct {
	latch   sync.RWMutex
	page    []byte
	pgno    PGNO
	valid   bool
	pinned  int
	dirty   bool
	refBit  bool // clock "recently used" bit
	pageLSN LSN
}

// Handle is a pinned, latched view of a page. Callers must call Release
// (directly or via Save then Release) exactly once per successful Get or
// GetWritable/New.
type Handle struct {
	pool   *Pool
	fr     *frame
	pgno   PGNO
	mode   HMode
	tx     TxID
	before []byte // snapshot taken at acquisition, for UPDATE undo images
}

// Page returns the handle's page bytes. For an S handle, mutating the
// returned slice is a caller error; for X it is the intended way to make
// changes, which Save then durably records.
func (h *Handle) Page() []byte { return h.fr.page }

// Pgno returns the page number this handle refers to.
func (h *Handle) Pgno() PGNO { return h.pgno }

// Mode reports whether h is currently S- or X-latched.
func (h *Handle) Mode() HMode { return h.mode }

// Pool is the fixed-capacity buffer manager: MemoryPageLen frames, clock
// eviction, write-ahead-log-before-data on every eviction of a dirty frame.
type Pool struct {
	mu        sync.Mutex
	file      *File
	wal       *WAL
	dpt       *DirtyPageTable
	txns      *TxnTable
	frames    []*frame
	index     map[PGNO]int // pgno -> frame slot
	clockHand int
	rootPgno  PGNO
}

// NewPool builds a pool of memoryPageLen frames over file, appending each
// UPDATE record to wal (and flushing wal before a dirty frame is written
// back), recording dirty pages in dpt, and chaining each
// UPDATE record into the writing transaction's last_lsn via txns.
// rootPgno is the page holding the tombstone free-list head (page 0 by
// convention).
func NewPool(file *File, wal *WAL, dpt *DirtyPageTable, txns *TxnTable, memoryPageLen int, rootPgno PGNO) *Pool {
	frames := make([]*frame, memoryPageLen)
	for i := range frames {
		frames[i] = &frame{}
	}
	return &Pool{file: file, wal: wal, dpt: dpt, txns: txns, frames: frames, index: make(map[PGNO]int), rootPgno: rootPgno}
}

// Get acquires a shared handle on pg, loading it from disk if absent. If
// wantKind is not PageTombstone (used as "don't care"), the loaded page's
// kind must match or CORRUPT is returned.
func (p *Pool) Get(pg PGNO, wantKind PageKind) (*Handle, error) {
	fr, err := p.pin(pg)
	if err != nil {
		return nil, err
	}
	fr.latch.RLock()
	if !VerifyChecksum(fr.page) {
		fr.latch.RUnlock()
		p.unpin(fr)
		return nil, Wrapf(ErrCorrupt, "page %d: checksum mismatch", pg)
	}
	if wantKind != PageTombstone && Kind(fr.page) != wantKind {
		fr.latch.RUnlock()
		p.unpin(fr)
		return nil, Wrapf(ErrCorrupt, "page %d: kind %d, want %d", pg, Kind(fr.page), wantKind)
	}
	return &Handle{pool: p, fr: fr, pgno: pg, mode: HShared}, nil
}

// GetWritable acquires an exclusive handle on pg for transaction tx. The
// frame is not marked dirty until Save logs the first UPDATE record.
func (p *Pool) GetWritable(tx TxID, pg PGNO, wantKind PageKind) (*Handle, error) {
	fr, err := p.pin(pg)
	if err != nil {
		return nil, err
	}
	fr.latch.Lock()
	if !VerifyChecksum(fr.page) {
		fr.latch.Unlock()
		p.unpin(fr)
		return nil, Wrapf(ErrCorrupt, "page %d: checksum mismatch", pg)
	}
	if wantKind != PageTombstone && Kind(fr.page) != wantKind {
		fr.latch.Unlock()
		p.unpin(fr)
		return nil, Wrapf(ErrCorrupt, "page %d: kind %d, want %d", pg, Kind(fr.page), wantKind)
	}
	before := append([]byte(nil), fr.page...)
	return &Handle{pool: p, fr: fr, pgno: pg, mode: HExclusive, tx: tx, before: before}, nil
}

// New allocates a page for tx, preferring a tombstone off the free list
// (fast path) and falling back to growing the file. The returned handle is
// X-latched and logged with an UPDATE record whose undo image is the
// tombstone (or blank extension) being replaced.
func (p *Pool) New(tx TxID, kind PageKind, pageSize int) (*Handle, error) {
	pgno, before, err := p.popTombstone(tx)
	if err != nil {
		return nil, err
	}
	if pgno == PGNONull {
		n, err := p.file.New()
		if err != nil {
			return nil, err
		}
		pgno = n
		before = NewBlankPage(pageSize, PageTombstone)
	}

	fr, err := p.pin(pgno)
	if err != nil {
		return nil, err
	}
	fr.latch.Lock()

	var fresh []byte
	switch kind {
	case PageDataList:
		fresh = InitDataList(pageSize)
	case PageInnerNode:
		fresh = InitInnerNode(pageSize)
	case PageRPTRoot:
		fresh = InitRPTRoot(pageSize)
	default:
		fresh = InitOpaquePage(pageSize, kind)
	}
	copy(fr.page, fresh)

	h := &Handle{pool: p, fr: fr, pgno: pgno, mode: HExclusive, tx: tx, before: before}
	if err := p.logAndStampLocked(h); err != nil {
		fr.latch.Unlock()
		p.unpin(fr)
		return nil, err
	}
	return h, nil
}

// popTombstone unlinks the head of the free list rooted at p.rootPgno, if
// any, returning its page number and pre-unlink bytes (the undo image). It
// returns PGNONull with no error if the free list is empty.
func (p *Pool) popTombstone(tx TxID) (PGNO, []byte, error) {
	rh, err := p.GetWritable(tx, p.rootPgno, PageRootNode)
	if err != nil {
		return 0, nil, err
	}
	root := ReadRootNode(rh.Page())
	if root.FirstTombstone == PGNONull {
		if err := rh.Release(); err != nil {
			return 0, nil, err
		}
		return PGNONull, nil, nil
	}
	victim := root.FirstTombstone

	vh, err := p.GetWritable(tx, victim, PageTombstone)
	if err != nil {
		rh.Release()
		return 0, nil, err
	}
	before := append([]byte(nil), vh.Page()...)
	next := TombstoneNext(vh.Page())
	if err := vh.Release(); err != nil {
		rh.Release()
		return 0, nil, err
	}

	root.FirstTombstone = next
	WriteRootNode(rh.Page(), root)
	if err := rh.Save(); err != nil {
		return 0, nil, err
	}
	if err := rh.Release(); err != nil {
		return 0, nil, err
	}
	return victim, before, nil
}

// Save logs the in-place change recorded on h as an UPDATE record, stamps
// the page's LSN, updates the dirty-page table, and downgrades h to S.
func (h *Handle) Save() error {
	if h.mode != HExclusive {
		return Wrapf(ErrInvalidArgument, "Save called on non-exclusive handle for page %d", h.pgno)
	}
	if err := h.pool.logAndStampLocked(h); err != nil {
		return err
	}
	h.fr.latch.Unlock()
	h.fr.latch.RLock()
	h.mode = HShared
	return nil
}

// logAndStampLocked writes the UPDATE record for h's current dirty bytes
// against its before-image, sets the page LSN, and marks the frame dirty.
// Caller must hold h.fr.latch for writing.
func (p *Pool) logAndStampLocked(h *Handle) error {
	var prevLSN LSN
	if p.txns != nil {
		if e, ok := p.txns.Get(h.tx); ok {
			prevLSN = e.LastLSN
		}
	}

	lsn, err := p.wal.Append(RecUpdate, h.tx, prevLSN, func(lsn LSN) []byte {
		SetPageLSN(h.fr.page, lsn)
		after := append([]byte(nil), h.fr.page...)
		return marshalUpdatePayload(UpdatePayload{Pgno: h.pgno, Before: h.before, After: after})
	})
	if err != nil {
		return err
	}
	h.fr.pageLSN = lsn

	wasDirty := h.fr.dirty
	h.fr.dirty = true
	h.before = append([]byte(nil), h.fr.page...)
	if !wasDirty {
		if err := p.dpt.MarkDirty(h.pgno, lsn); err != nil {
			return err
		}
	}
	if p.txns != nil {
		if err := p.txns.RecordWrite(h.tx, lsn); err != nil {
			return err
		}
	}
	return nil
}

// Release unpins h. Once the last pin on a clean frame is released, the
// frame becomes eligible for clock eviction.
func (h *Handle) Release() error {
	if h.mode == HExclusive {
		h.fr.latch.Unlock()
	} else {
		h.fr.latch.RUnlock()
	}
	h.pool.unpin(h.fr)
	h.mode = HNone
	return nil
}

// DeleteAndRelease rewrites h's page as a TOMBSTONE linking onto the free
// list, logs the change, and releases it.
func (h *Handle) DeleteAndRelease(tx TxID) error {
	if h.mode != HExclusive {
		return Wrapf(ErrInvalidArgument, "DeleteAndRelease called on non-exclusive handle for page %d", h.pgno)
	}
	rh, err := h.pool.GetWritable(tx, h.pool.rootPgno, PageRootNode)
	if err != nil {
		return err
	}
	root := ReadRootNode(rh.Page())
	InitTombstone(h.fr.page, root.FirstTombstone)
	root.FirstTombstone = h.pgno
	WriteRootNode(rh.Page(), root)
	if err := rh.Save(); err != nil {
		return err
	}
	if err := rh.Release(); err != nil {
		return err
	}
	return h.Save()
}

// pin finds pg in the pool or loads it from disk, incrementing its pin
// count, evicting a victim frame first if every frame is occupied.
func (p *Pool) pin(pg PGNO) (*frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i, ok := p.index[pg]; ok {
		fr := p.frames[i]
		fr.pinned++
		fr.refBit = true
		return fr, nil
	}

	slot, err := p.evictLocked()
	if err != nil {
		return nil, err
	}
	fr := p.frames[slot]
	buf := make([]byte, p.file.pageSize)
	if err := p.file.Read(pg, buf); err != nil {
		return nil, err
	}
	fr.page = buf
	fr.pgno = pg
	fr.valid = true
	fr.pinned = 1
	fr.dirty = false
	fr.refBit = true
	fr.pageLSN = PageLSN(buf)
	p.index[pg] = slot
	return fr, nil
}

// unpin decrements a frame's pin count.
func (p *Pool) unpin(fr *frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fr.pinned > 0 {
		fr.pinned--
	}
}

// evictLocked runs one pass of clock eviction and returns a free (or
// freed) slot index. Caller holds p.mu.
func (p *Pool) evictLocked() (int, error) {
	for i, fr := range p.frames {
		if !fr.valid {
			return i, nil
		}
	}
	n := len(p.frames)
	for tries := 0; tries < 2*n+1; tries++ {
		i := p.clockHand
		p.clockHand = (p.clockHand + 1) % n
		fr := p.frames[i]
		if fr.pinned > 0 {
			continue
		}
		if fr.refBit {
			fr.refBit = false
			continue
		}
		if fr.dirty {
			if err := p.flushLocked(fr); err != nil {
				return 0, err
			}
		}
		delete(p.index, fr.pgno)
		fr.valid = false
		return i, nil
	}
	return 0, Wrap(ErrNoMem, fmt.Errorf("buffer pool exhausted: no unpinned victim in %d frames", n))
}

// flushLocked enforces WAL-before-data: the WAL is flushed up to the
// frame's page LSN, then its bytes are written to the data file.
func (p *Pool) flushLocked(fr *frame) error {
	if err := p.wal.FlushTo(fr.pageLSN); err != nil {
		return err
	}
	if err := p.file.Write(fr.pgno, fr.page); err != nil {
		return err
	}
	fr.dirty = false
	p.dpt.Clean(fr.pgno)
	return nil
}

// Checkpoint flushes every dirty frame to disk, enforcing WAL-before-data
// for each. Used by the checkpoint operation to shrink the dirty-page
// table before a CHECKPOINT_END record is written.
func (p *Pool) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fr := range p.frames {
		if fr.valid && fr.dirty {
			if err := p.flushLocked(fr); err != nil {
				return err
			}
		}
	}
	return p.file.Sync()
}
