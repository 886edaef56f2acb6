package rptree

import (
	"fmt"

	"github.com/lincketheo/numstore/internal/config"
	"github.com/lincketheo/numstore/internal/store"
)

// SubState is the cursor's position in its coroutine-style state machine.
// execute methods dispatch on SubState and return at well-defined yield
// points; the WAL, not this struct, is the authoritative record of a
// mid-operation crash, so nothing here needs to survive a process restart.
type SubState int

const (
	Unseeked SubState = iota
	Seeking
	Seeked
	DLWriting
	DLInserting
	DLRemoving
	InRebalancing
	DLReading
	Permissive
)

func (s SubState) String() string {
	switch s {
	case Unseeked:
		return "UNSEEKED"
	case Seeking:
		return "SEEKING"
	case Seeked:
		return "SEEKED"
	case DLWriting:
		return "DL_WRITING"
	case DLInserting:
		return "DL_INSERTING"
	case DLRemoving:
		return "DL_REMOVING"
	case InRebalancing:
		return "IN_REBALANCING"
	case DLReading:
		return "DL_READING"
	case Permissive:
		return "PERMISSIVE"
	default:
		return "?"
	}
}

// maxStackDepth bounds how many INNER_NODE levels a seek may descend
// through before RPTREE_PAGE_STACK_OVERFLOW.
const maxStackDepth = 20

// stackFrame is one level of the descent path: the inner node visited, the
// child index taken, and that node's total byte size before the current
// operation (recovered from the parent during descent, since INNER_NODE
// pages never cache their own total).
type stackFrame struct {
	pgno     store.PGNO
	childIdx int
	oldTotal store.BSize
}

// Cursor drives one RPTree traversal/mutation. Only one cursor operation
// may be in flight at a time; a caller that stops calling execute mid-chain
// leaks the latch currently held by cur, per the core's cancellation model.
type Cursor struct {
	s      *store.Store
	cfg    config.Config
	tx     store.TxID
	rrPgno store.PGNO // RPT_ROOT page naming this cursor's tree

	state SubState
	stack []stackFrame
	cur   *store.Handle // latched page: INNER_NODE while SEEKING, DATA_LIST once SEEKED
	lidx  int            // byte offset within cur's DATA_LIST payload

	remaining         store.BSize // SEEKING scratch: bytes left to descend
	rootTotal         store.BSize // tree's total size, captured at StartSeek
	pendingChildTotal store.BSize // size of the child about to be descended into

	// DL_WRITING scratch
	wSrc      []byte
	wSrcPos   int
	wBSize    int
	wStride   int
	wInStride int
	wActive   bool
	wTotal    store.BSize

	// DL_READING scratch
	rDest     []byte
	rBSize    int
	rStride   int
	rNElems   int
	rElems    int
	rInStride int
	rActive   bool

	// DL_INSERTING / DL_REMOVING shared output
	nodeUpdates []NodeUpdate

	iSrc []byte
	iPos int

	// DL_REMOVING scratch
	xDest     []byte
	xHaveDest bool
	xDestOff  int
	xBSize    int
	xStride   int
	xMax      int
	xRemoved  int
	xInStride int
	xActive   bool

	// IN_REBALANCING scratch: the child-level deltas still to be folded
	// into the next level up.
	rebalanceIn []NodeUpdate
}

// NewCursor returns a cursor over the tree named by the RPT_ROOT page
// rrPgno, ready for StartSeek.
func NewCursor(s *store.Store, cfg config.Config, tx store.TxID, rrPgno store.PGNO) *Cursor {
	return &Cursor{s: s, cfg: cfg, tx: tx, rrPgno: rrPgno, state: Unseeked}
}

// Close releases any latch the cursor still holds. Callers must not reuse
// the cursor afterward.
func (c *Cursor) Close() error { return c.release() }

func (c *Cursor) release() error {
	if c.cur == nil {
		return nil
	}
	err := c.cur.Release()
	c.cur = nil
	return err
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// maxInsertChunk returns NUPD_MAX_DATA_LENGTH: the largest single insert
// seeked_to_insert will accept before requiring the caller to chunk and
// re-seek, derived from NUPD_LENGTH = MAX_NUPD_SIZE + 5*IN_MAX_KEYS.
func maxInsertChunk(cfg config.Config, pageSize int) int {
	nupdLength := cfg.MaxNupdSize + 5*cfg.InnerMaxKeysFor()
	return nupdLength * store.DLDataSize(pageSize)
}

// ───────────────────────────────────────────────────────────────────────────
// Seek
// ───────────────────────────────────────────────────────────────────────────

// StartSeek transitions UNSEEKED/SEEKED/PERMISSIVE -> SEEKING, targeting
// byte offset loc in the tree named by the cursor's RPT_ROOT page.
func (c *Cursor) StartSeek(loc store.BSize) error {
	if c.state != Unseeked && c.state != Seeked && c.state != Permissive {
		return errRPTreeInvalid("start_seek: cursor busy in state %s", c.state)
	}
	if err := c.release(); err != nil {
		return err
	}
	c.stack = c.stack[:0]

	rrh, err := c.s.Pool.Get(c.rrPgno, store.PageRPTRoot)
	if err != nil {
		return err
	}
	rootPg := store.RRRoot(rrh.Page())
	total := store.RRNBytes(rrh.Page())
	if err := rrh.Release(); err != nil {
		return err
	}
	c.rootTotal = total

	if rootPg == store.PGNONull {
		c.lidx = 0
		c.remaining = 0
		c.state = Seeked
		return nil
	}
	if loc > total {
		loc = total
	}

	h, err := c.s.Pool.Get(rootPg, store.PageTombstone) // kind is checked per level below
	if err != nil {
		return err
	}
	c.cur = h
	c.remaining = loc
	c.state = Seeking
	return nil
}

// curNodeTotal returns the cached total size of the node currently held in
// c.cur during descent: the root's total at depth 0, or the size computed
// for that child one level up otherwise.
func (c *Cursor) curNodeTotal() store.BSize {
	if len(c.stack) == 0 {
		return c.rootTotal
	}
	return c.pendingChildTotal
}

// seekingExecute descends one level: on an INNER_NODE it pushes a stack
// frame and loads the chosen child; on a DATA_LIST the descent terminates
// and the cursor becomes SEEKED.
func (c *Cursor) seekingExecute() error {
	buf := c.cur.Page()
	switch store.Kind(buf) {
	case store.PageInnerNode:
		nkeys := store.INNKeys(buf)
		i := 0
		for i < nkeys && store.INKey(buf, i) < c.remaining {
			i++
		}
		if len(c.stack) >= maxStackDepth {
			return store.Wrap(store.ErrRPTreePageStackOverflow, fmt.Errorf("descent exceeds %d levels", maxStackDepth))
		}

		curTotal := c.curNodeTotal()
		var leftCum store.BSize
		if i > 0 {
			leftCum = store.INKey(buf, i-1)
		}
		c.stack = append(c.stack, stackFrame{pgno: c.cur.Pgno(), childIdx: i, oldTotal: curTotal})

		var childSize store.BSize
		if i < nkeys {
			childSize = store.INKey(buf, i) - leftCum
		} else {
			childSize = curTotal - leftCum
		}
		c.remaining -= leftCum
		c.pendingChildTotal = childSize

		child := store.INChild(buf, i)
		if err := c.release(); err != nil {
			return err
		}
		h, err := c.s.Pool.Get(child, store.PageTombstone)
		if err != nil {
			return err
		}
		c.cur = h
		return nil

	case store.PageDataList:
		used := store.BSize(store.DLUsed(buf))
		lidx := c.remaining
		if lidx > used {
			lidx = used
		}
		c.lidx = int(lidx)
		c.state = Seeked
		return nil

	default:
		return errRPTreeInvalid("seek encountered unexpected page kind %v", store.Kind(buf))
	}
}

// Seek drives StartSeek/seekingExecute to completion.
func (c *Cursor) Seek(loc store.BSize) error {
	if err := c.StartSeek(loc); err != nil {
		return err
	}
	for c.state == Seeking {
		if err := c.seekingExecute(); err != nil {
			return err
		}
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Write (in-place overwrite)
// ───────────────────────────────────────────────────────────────────────────

func (c *Cursor) upgradeCurToWritable() error {
	if c.cur == nil || c.cur.Mode() == store.HExclusive {
		return nil
	}
	pgno := c.cur.Pgno()
	if err := c.cur.Release(); err != nil {
		return err
	}
	h, err := c.s.Pool.GetWritable(c.tx, pgno, store.PageDataList)
	if err != nil {
		return err
	}
	c.cur = h
	return nil
}

// SeekedToWrite transitions SEEKED -> DL_WRITING.
func (c *Cursor) SeekedToWrite(src []byte, bsize store.BSize, stride int) error {
	if c.state != Seeked {
		return errRPTreeInvalid("seeked_to_write: cursor not SEEKED (state %s)", c.state)
	}
	if stride < 1 {
		stride = 1
	}
	if c.cur == nil {
		if len(src) > 0 {
			return errRPTreeInvalid("write at EOF with %d bytes pending", len(src))
		}
		c.state = Unseeked
		return nil
	}
	if err := c.upgradeCurToWritable(); err != nil {
		return err
	}
	c.wSrc, c.wSrcPos = src, 0
	c.wBSize, c.wStride = int(bsize), stride
	c.wInStride, c.wActive, c.wTotal = 0, true, 0
	c.state = DLWriting
	return nil
}

func (c *Cursor) writeExecute() error {
	if c.cur == nil {
		if c.wSrcPos < len(c.wSrc) {
			c.state = Unseeked
			return errRPTreeInvalid("write ran past end of tree with %d bytes unwritten", len(c.wSrc)-c.wSrcPos)
		}
		return c.finishWrite()
	}

	buf := c.cur.Page()
	used := int(store.DLUsed(buf))
	data := store.DLCapacity(buf)

	for c.lidx < used && c.wSrcPos < len(c.wSrc) {
		if c.wActive {
			n := minInt(c.wBSize-c.wInStride, used-c.lidx, len(c.wSrc)-c.wSrcPos)
			if n <= 0 {
				break
			}
			copy(data[c.lidx:c.lidx+n], c.wSrc[c.wSrcPos:c.wSrcPos+n])
			c.lidx += n
			c.wSrcPos += n
			c.wInStride += n
			c.wTotal += store.BSize(n)
			if c.wInStride == c.wBSize {
				c.wInStride = 0
				c.wActive = c.wStride <= 1
			}
		} else {
			skip := c.wBSize * (c.wStride - 1)
			n := minInt(skip-c.wInStride, used-c.lidx)
			if n <= 0 {
				break
			}
			c.lidx += n
			c.wInStride += n
			if c.wInStride == skip {
				c.wInStride = 0
				c.wActive = true
			}
		}
	}

	if err := c.cur.Save(); err != nil {
		return err
	}
	if c.wSrcPos >= len(c.wSrc) {
		return c.finishWrite()
	}

	next := store.DLNext(c.cur.Page())
	if err := c.cur.Release(); err != nil {
		return err
	}
	c.cur = nil
	if next == store.PGNONull {
		c.state = Unseeked
		return errRPTreeInvalid("write ran past end of tree with %d bytes unwritten", len(c.wSrc)-c.wSrcPos)
	}
	h, err := c.s.Pool.GetWritable(c.tx, next, store.PageDataList)
	if err != nil {
		return err
	}
	c.cur = h
	c.lidx = 0
	return nil
}

func (c *Cursor) finishWrite() error {
	err := c.release()
	if c.wBSize > 0 && c.wTotal%store.BSize(c.wBSize) != 0 {
		c.state = Unseeked
		if err != nil {
			return err
		}
		return store.Wrap(store.ErrCorrupt, fmt.Errorf("write total %d bytes not a multiple of element size %d", c.wTotal, c.wBSize))
	}
	c.state = Unseeked
	return err
}

// Write drives SeekedToWrite/writeExecute to completion.
func (c *Cursor) Write(src []byte, bsize store.BSize, stride int) error {
	if err := c.SeekedToWrite(src, bsize, stride); err != nil {
		return err
	}
	for c.state == DLWriting {
		if err := c.writeExecute(); err != nil {
			return err
		}
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Read
// ───────────────────────────────────────────────────────────────────────────

// SeekedToRead transitions SEEKED -> DL_READING.
func (c *Cursor) SeekedToRead(dest []byte, nelems int, bsize store.BSize, stride int) error {
	if c.state != Seeked {
		return errRPTreeInvalid("seeked_to_read: cursor not SEEKED (state %s)", c.state)
	}
	if stride < 1 {
		stride = 1
	}
	c.rDest = dest
	c.rBSize, c.rStride, c.rNElems = int(bsize), stride, nelems
	c.rElems, c.rInStride, c.rActive = 0, 0, true
	c.state = DLReading
	return nil
}

func (c *Cursor) readExecute() error {
	if c.cur == nil || c.rElems >= c.rNElems {
		c.state = Unseeked
		return c.release()
	}

	buf := c.cur.Page()
	used := int(store.DLUsed(buf))
	data := store.DLCapacity(buf)
	destOff := c.rElems*c.rBSize + c.rInStride

	for c.lidx < used && c.rElems < c.rNElems {
		if c.rActive {
			n := minInt(c.rBSize-c.rInStride, used-c.lidx)
			if n <= 0 {
				break
			}
			copy(c.rDest[destOff:destOff+n], data[c.lidx:c.lidx+n])
			c.lidx += n
			c.rInStride += n
			destOff += n
			if c.rInStride == c.rBSize {
				c.rInStride = 0
				c.rElems++
				c.rActive = c.rStride <= 1
			}
		} else {
			skip := c.rBSize * (c.rStride - 1)
			n := minInt(skip-c.rInStride, used-c.lidx)
			if n <= 0 {
				break
			}
			c.lidx += n
			c.rInStride += n
			if c.rInStride == skip {
				c.rInStride = 0
				c.rActive = true
			}
		}
	}

	if c.rElems >= c.rNElems {
		c.state = Unseeked
		return c.release()
	}
	if c.lidx >= used {
		next := store.DLNext(buf)
		if err := c.release(); err != nil {
			return err
		}
		if next == store.PGNONull {
			c.state = Unseeked
			return nil // EOF mid-read is not an error
		}
		h, err := c.s.Pool.Get(next, store.PageDataList)
		if err != nil {
			return err
		}
		c.cur = h
		c.lidx = 0
	}
	return nil
}

// Read drives SeekedToRead/readExecute to completion, returning the number
// of elements actually read (less than nelems at EOF).
func (c *Cursor) Read(dest []byte, nelems int, bsize store.BSize, stride int) (int, error) {
	if err := c.SeekedToRead(dest, nelems, bsize, stride); err != nil {
		return 0, err
	}
	for c.state == DLReading {
		if err := c.readExecute(); err != nil {
			return c.rElems, err
		}
	}
	return c.rElems, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Insert
// ───────────────────────────────────────────────────────────────────────────

// SeekedToInsert transitions SEEKED -> DL_INSERTING. src must not exceed
// NUPD_MAX_DATA_LENGTH; larger inserts are chunked by the one-off façade.
func (c *Cursor) SeekedToInsert(src []byte) error {
	if c.state != Seeked {
		return errRPTreeInvalid("seeked_to_insert: cursor not SEEKED (state %s)", c.state)
	}
	if max := maxInsertChunk(c.cfg, c.s.PageSize); len(src) > max {
		return errRPTreeInvalid("insert of %d bytes exceeds NUPD_MAX_DATA_LENGTH %d; caller must chunk and re-seek", len(src), max)
	}
	c.iSrc, c.iPos = src, 0
	c.nodeUpdates = c.nodeUpdates[:0]
	c.state = DLInserting
	return nil
}

// insertExecute performs the whole chunk's worth of leaf splicing in one
// step: it caps the right-hand tail of the current leaf into a scratch
// buffer, fills forward from src (allocating and chaining new leaves as
// needed), then re-appends the tail, before handing the touched leaves up
// to rebalance as node_updates.
func (c *Cursor) insertExecute() error {
	var oldNext store.PGNO
	var tail []byte

	if c.cur == nil {
		h, err := c.s.Pool.New(c.tx, store.PageDataList, c.s.PageSize)
		if err != nil {
			return err
		}
		c.cur = h
		oldNext = store.PGNONull
	} else {
		if err := c.upgradeCurToWritable(); err != nil {
			return err
		}
		buf := c.cur.Page()
		used := int(store.DLUsed(buf))
		oldNext = store.DLNext(buf)
		tail = append([]byte(nil), store.DLCapacity(buf)[c.lidx:used]...)
		store.SetDLUsed(buf, uint32(c.lidx))
	}

	fill := func(data []byte) error {
		for len(data) > 0 {
			n := dlAppendFill(c.cur.Page(), data)
			data = data[n:]
			if len(data) == 0 {
				break
			}
			nh, err := c.s.Pool.New(c.tx, store.PageDataList, c.s.PageSize)
			if err != nil {
				return err
			}
			linkLeaves(c.cur.Page(), c.cur.Pgno(), nh.Page(), nh.Pgno())
			c.nodeUpdates = append(c.nodeUpdates, NodeUpdate{Pgno: c.cur.Pgno(), Key: store.BSize(store.DLUsed(c.cur.Page()))})
			if err := c.cur.Save(); err != nil {
				return err
			}
			if err := c.cur.Release(); err != nil {
				return err
			}
			c.cur = nh
		}
		return nil
	}

	if err := fill(c.iSrc); err != nil {
		return err
	}
	c.iPos = len(c.iSrc)
	if err := fill(tail); err != nil {
		return err
	}

	if oldNext != store.PGNONull {
		store.SetDLNext(c.cur.Page(), oldNext)
		nx, err := c.s.Pool.GetWritable(c.tx, oldNext, store.PageDataList)
		if err != nil {
			return err
		}
		store.SetDLPrev(nx.Page(), c.cur.Pgno())
		if err := nx.Save(); err != nil {
			nx.Release()
			return err
		}
		if err := nx.Release(); err != nil {
			return err
		}
	}
	c.nodeUpdates = append(c.nodeUpdates, NodeUpdate{Pgno: c.cur.Pgno(), Key: store.BSize(store.DLUsed(c.cur.Page()))})
	if err := c.cur.Save(); err != nil {
		return err
	}
	if err := c.release(); err != nil {
		return err
	}

	c.enterRebalance()
	return nil
}

// Insert drives SeekedToInsert/insertExecute and the following rebalance to
// completion.
func (c *Cursor) Insert(src []byte) error {
	if err := c.SeekedToInsert(src); err != nil {
		return err
	}
	for c.state == DLInserting {
		if err := c.insertExecute(); err != nil {
			return err
		}
	}
	return c.driveRebalance()
}

// ───────────────────────────────────────────────────────────────────────────
// Remove
// ───────────────────────────────────────────────────────────────────────────

// SeekedToRemove transitions SEEKED -> DL_REMOVING. dest may be nil to
// discard the removed bytes.
func (c *Cursor) SeekedToRemove(dest []byte, maxRemove int, bsize store.BSize, stride int) error {
	if c.state != Seeked {
		return errRPTreeInvalid("seeked_to_remove: cursor not SEEKED (state %s)", c.state)
	}
	if stride < 1 {
		stride = 1
	}
	if c.cur == nil {
		if maxRemove > 0 {
			return errRPTreeInvalid("remove at EOF with %d bytes requested", maxRemove)
		}
		c.state = Unseeked
		return nil
	}
	c.xDest, c.xHaveDest, c.xDestOff = dest, len(dest) > 0, 0
	c.xBSize, c.xStride, c.xMax = int(bsize), stride, maxRemove
	c.xRemoved, c.xInStride, c.xActive = 0, 0, true
	c.nodeUpdates = c.nodeUpdates[:0]
	c.state = DLRemoving
	return nil
}

const mergeThresholdFrac = 2 // a leaf below capacity/mergeThresholdFrac bytes used seeks a merge

func (c *Cursor) removeExecute() error {
	if c.cur == nil || c.xRemoved >= c.xMax {
		return c.finishRemove()
	}
	if err := c.upgradeCurToWritable(); err != nil {
		return err
	}

	buf := c.cur.Page()
	used := int(store.DLUsed(buf))
	data := store.DLCapacity(buf)
	read, write := c.lidx, c.lidx

	for read < used && c.xRemoved < c.xMax {
		if c.xActive {
			n := minInt(c.xBSize-c.xInStride, used-read, c.xMax-c.xRemoved)
			if n <= 0 {
				break
			}
			if c.xHaveDest {
				copy(c.xDest[c.xDestOff:c.xDestOff+n], data[read:read+n])
				c.xDestOff += n
			}
			read += n
			c.xInStride += n
			c.xRemoved += n
			if c.xInStride == c.xBSize {
				c.xInStride = 0
				c.xActive = c.xStride <= 1
			}
		} else {
			skip := c.xBSize * (c.xStride - 1)
			n := minInt(skip-c.xInStride, used-read)
			if n <= 0 {
				break
			}
			if write != read {
				copy(data[write:write+n], data[read:read+n])
			}
			read += n
			write += n
			c.xInStride += n
			if c.xInStride == skip {
				c.xInStride = 0
				c.xActive = true
			}
		}
	}
	if read != write && read < used {
		copy(data[write:write+(used-read)], data[read:used])
		write += used - read
	}
	newUsed := write
	store.SetDLUsed(buf, uint32(newUsed))
	c.lidx = newUsed

	if newUsed == 0 {
		prev := store.DLPrev(buf)
		next := store.DLNext(buf)
		pgno := c.cur.Pgno()
		if err := c.cur.DeleteAndRelease(c.tx); err != nil {
			return err
		}
		c.cur = nil
		if err := c.relink(prev, next); err != nil {
			return err
		}
		c.nodeUpdates = append(c.nodeUpdates, NodeUpdate{Pgno: pgno, Tombstoned: true})
		if c.xRemoved < c.xMax && next != store.PGNONull {
			h, err := c.s.Pool.Get(next, store.PageDataList)
			if err != nil {
				return err
			}
			c.cur = h
			c.lidx = 0
			return nil
		}
		return c.finishRemove()
	}

	capacity := store.DLDataSize(len(buf))
	if newUsed < capacity/mergeThresholdFrac {
		if err := c.mergeIfPossible(); err != nil {
			return err
		}
	} else {
		c.nodeUpdates = append(c.nodeUpdates, NodeUpdate{Pgno: c.cur.Pgno(), Key: store.BSize(newUsed)})
		if err := c.cur.Save(); err != nil {
			return err
		}
	}

	if c.xRemoved >= c.xMax || c.cur == nil || store.DLNext(c.cur.Page()) == store.PGNONull {
		return c.finishRemove()
	}
	next := store.DLNext(c.cur.Page())
	if err := c.release(); err != nil {
		return err
	}
	h, err := c.s.Pool.Get(next, store.PageDataList)
	if err != nil {
		return err
	}
	c.cur = h
	c.lidx = 0
	return nil
}

// relink fixes up prev/next sibling pointers after pgno between prev and
// next is removed from the chain.
func (c *Cursor) relink(prev, next store.PGNO) error {
	if prev != store.PGNONull {
		ph, err := c.s.Pool.GetWritable(c.tx, prev, store.PageDataList)
		if err != nil {
			return err
		}
		store.SetDLNext(ph.Page(), next)
		if err := ph.Save(); err != nil {
			ph.Release()
			return err
		}
		if err := ph.Release(); err != nil {
			return err
		}
	}
	if next != store.PGNONull {
		nh, err := c.s.Pool.GetWritable(c.tx, next, store.PageDataList)
		if err != nil {
			return err
		}
		store.SetDLPrev(nh.Page(), prev)
		if err := nh.Save(); err != nil {
			nh.Release()
			return err
		}
		if err := nh.Release(); err != nil {
			return err
		}
	}
	return nil
}

// mergeIfPossible pulls the right neighbor's bytes into the current
// under-threshold leaf when the combined bytes fit a single page,
// tombstoning the neighbor; otherwise the leaf is left as-is.
func (c *Cursor) mergeIfPossible() error {
	buf := c.cur.Page()
	used := int(store.DLUsed(buf))
	next := store.DLNext(buf)
	if next != store.PGNONull {
		nh, err := c.s.Pool.GetWritable(c.tx, next, store.PageDataList)
		if err != nil {
			return err
		}
		nbuf := nh.Page()
		nused := int(store.DLUsed(nbuf))
		if used+nused <= store.DLDataSize(len(buf)) {
			copy(store.DLCapacity(buf)[used:used+nused], store.DLData(nbuf))
			store.SetDLUsed(buf, uint32(used+nused))
			nnext := store.DLNext(nbuf)
			store.SetDLNext(buf, nnext)
			victim := nh.Pgno()
			if err := nh.DeleteAndRelease(c.tx); err != nil {
				return err
			}
			if nnext != store.PGNONull {
				nnh, err := c.s.Pool.GetWritable(c.tx, nnext, store.PageDataList)
				if err != nil {
					return err
				}
				store.SetDLPrev(nnh.Page(), c.cur.Pgno())
				if err := nnh.Save(); err != nil {
					nnh.Release()
					return err
				}
				if err := nnh.Release(); err != nil {
					return err
				}
			}
			c.nodeUpdates = append(c.nodeUpdates, NodeUpdate{Pgno: victim, Tombstoned: true})
			c.nodeUpdates = append(c.nodeUpdates, NodeUpdate{Pgno: c.cur.Pgno(), Key: store.BSize(store.DLUsed(buf))})
			return c.cur.Save()
		}
		if err := nh.Release(); err != nil {
			return err
		}
	}
	c.nodeUpdates = append(c.nodeUpdates, NodeUpdate{Pgno: c.cur.Pgno(), Key: store.BSize(used)})
	return c.cur.Save()
}

func (c *Cursor) finishRemove() error {
	err := c.release()
	if c.xBSize > 0 && c.xRemoved%c.xBSize != 0 {
		c.state = Unseeked
		if err != nil {
			return err
		}
		return store.Wrap(store.ErrCorrupt, fmt.Errorf("remove total %d bytes not a multiple of element size %d", c.xRemoved, c.xBSize))
	}
	if err != nil {
		return err
	}
	c.enterRebalance()
	return nil
}

// Remove drives SeekedToRemove/removeExecute and the following rebalance
// to completion, returning the number of bytes actually removed.
func (c *Cursor) Remove(dest []byte, maxRemove int, bsize store.BSize, stride int) (int, error) {
	if err := c.SeekedToRemove(dest, maxRemove, bsize, stride); err != nil {
		return 0, err
	}
	for c.state == DLRemoving {
		if err := c.removeExecute(); err != nil {
			return c.xRemoved, err
		}
	}
	return c.xRemoved, c.driveRebalance()
}

// ───────────────────────────────────────────────────────────────────────────
// Rebalance
// ───────────────────────────────────────────────────────────────────────────

func (c *Cursor) enterRebalance() {
	c.rebalanceIn = c.nodeUpdates
	c.state = InRebalancing
}

func (c *Cursor) driveRebalance() error {
	for c.state == InRebalancing {
		if err := c.rebalanceExecute(); err != nil {
			return err
		}
	}
	return nil
}

// rebalanceExecute walks one level up the stack, folding rebalanceIn (the
// child-level deltas) into the parent inner node named by the top stack
// frame, splitting it if it has no room. Once the stack is empty, the
// surviving top-level node(s) are installed on the RPT_ROOT page.
func (c *Cursor) rebalanceExecute() error {
	if len(c.stack) == 0 {
		return c.rebalanceAtRoot()
	}

	frame := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]

	ph, err := c.s.Pool.GetWritable(c.tx, frame.pgno, store.PageInnerNode)
	if err != nil {
		return err
	}
	buf := ph.Page()
	oldNkeys := store.INNKeys(buf)

	oldChildren := make([]store.PGNO, oldNkeys+1)
	oldSizes := make([]store.BSize, oldNkeys+1)
	var leftCum store.BSize
	for j := 0; j <= oldNkeys; j++ {
		oldChildren[j] = store.INChild(buf, j)
		if j < oldNkeys {
			cum := store.INKey(buf, j)
			oldSizes[j] = cum - leftCum
			leftCum = cum
		} else {
			oldSizes[j] = frame.oldTotal - leftCum
		}
	}

	var newChildren []store.PGNO
	var newSizes []store.BSize
	for j := 0; j <= oldNkeys; j++ {
		if j == frame.childIdx {
			for _, nu := range c.rebalanceIn {
				if nu.Tombstoned {
					continue
				}
				newChildren = append(newChildren, nu.Pgno)
				newSizes = append(newSizes, nu.Key)
			}
			continue
		}
		newChildren = append(newChildren, oldChildren[j])
		newSizes = append(newSizes, oldSizes[j])
	}

	if len(newChildren) == 0 {
		if err := ph.DeleteAndRelease(c.tx); err != nil {
			return err
		}
		c.rebalanceIn = []NodeUpdate{{Tombstoned: true}}
		return nil
	}

	capKeys := c.cfg.InnerMaxKeysFor()
	if len(newChildren)-1 <= capKeys {
		rebuildInnerNode(buf, newChildren, newSizes)
		if err := ph.Save(); err != nil {
			ph.Release()
			return err
		}
		total := innerTotalSize(buf, newSizes[len(newSizes)-1])
		if err := ph.Release(); err != nil {
			return err
		}
		c.rebalanceIn = []NodeUpdate{{Pgno: frame.pgno, Key: total}}
		return nil
	}

	oldNext := store.INNext(buf)
	updates, err := c.foldIntoPages(newChildren, newSizes, capKeys, ph, oldNext)
	if err != nil {
		return err
	}
	c.rebalanceIn = updates
	return nil
}

// foldIntoPages writes an ordered (children, sizes) list across as many
// INNER_NODE pages as needed to keep each page within capKeys keys,
// reusing reuse for the first page produced (rather than allocating a
// fresh one) when reuse is non-nil, and linking the resulting chain's tail
// to oldNext. It returns one NodeUpdate per page produced, in order.
func (c *Cursor) foldIntoPages(children []store.PGNO, sizes []store.BSize, capKeys int, reuse *store.Handle, oldNext store.PGNO) ([]NodeUpdate, error) {
	childChunks, sizeChunks := splitChildrenIntoChunks(children, sizes, capKeys+1)

	handles := make([]*store.Handle, len(childChunks))
	pgnos := make([]store.PGNO, len(childChunks))
	totals := make([]store.BSize, len(childChunks))

	abort := func(upTo int, err error) ([]NodeUpdate, error) {
		for _, h := range handles[:upTo] {
			h.Release()
		}
		return nil, err
	}

	for i, chunk := range childChunks {
		var h *store.Handle
		var err error
		if i == 0 && reuse != nil {
			h = reuse
		} else {
			h, err = c.s.Pool.New(c.tx, store.PageInnerNode, c.s.PageSize)
			if err != nil {
				return abort(i, err)
			}
		}
		rebuildInnerNode(h.Page(), chunk, sizeChunks[i])
		var total store.BSize
		for _, s := range sizeChunks[i] {
			total += s
		}
		handles[i] = h
		pgnos[i] = h.Pgno()
		totals[i] = total
	}

	for i, h := range handles {
		var next, prev store.PGNO
		if i+1 < len(handles) {
			next = pgnos[i+1]
		} else {
			next = oldNext
		}
		if i > 0 {
			prev = pgnos[i-1]
		} else if reuse != nil {
			prev = store.INPrev(h.Page())
		}
		store.SetINNext(h.Page(), next)
		store.SetINPrev(h.Page(), prev)
	}

	if oldNext != store.PGNONull {
		onh, err := c.s.Pool.GetWritable(c.tx, oldNext, store.PageInnerNode)
		if err != nil {
			return abort(len(handles), err)
		}
		store.SetINPrev(onh.Page(), pgnos[len(pgnos)-1])
		if err := onh.Save(); err != nil {
			onh.Release()
			return abort(len(handles), err)
		}
		if err := onh.Release(); err != nil {
			return abort(len(handles), err)
		}
	}

	updates := make([]NodeUpdate, len(handles))
	for i, h := range handles {
		if err := h.Save(); err != nil {
			return abort(len(handles), err)
		}
		updates[i] = NodeUpdate{Pgno: pgnos[i], Key: totals[i]}
	}
	for _, h := range handles {
		if err := h.Release(); err != nil {
			return nil, err
		}
	}
	return updates, nil
}

// rebalanceAtRoot installs the final surviving top-level node(s) on the
// RPT_ROOT page, allocating a fresh INNER_NODE as the new root if more than
// one node propagated all the way up.
func (c *Cursor) rebalanceAtRoot() error {
	rrh, err := c.s.Pool.GetWritable(c.tx, c.rrPgno, store.PageRPTRoot)
	if err != nil {
		return err
	}

	var live []NodeUpdate
	for _, nu := range c.rebalanceIn {
		if !nu.Tombstoned {
			live = append(live, nu)
		}
	}

	switch len(live) {
	case 0:
		store.SetRRRoot(rrh.Page(), store.PGNONull)
		store.SetRRNBytes(rrh.Page(), 0)
	case 1:
		store.SetRRRoot(rrh.Page(), live[0].Pgno)
		store.SetRRNBytes(rrh.Page(), live[0].Key)
	default:
		// live may exceed what a single INNER_NODE can hold (a large enough
		// single insert can produce more new leaves than IN_MAX_KEYS+1);
		// fold it down one level of chained INNER_NODE pages at a time
		// until it fits in one, then wrap that in the new root.
		capKeys := c.cfg.InnerMaxKeysFor()
		for len(live) > capKeys+1 {
			children := make([]store.PGNO, len(live))
			sizes := make([]store.BSize, len(live))
			for i, nu := range live {
				children[i] = nu.Pgno
				sizes[i] = nu.Key
			}
			updates, err := c.foldIntoPages(children, sizes, capKeys, nil, store.PGNONull)
			if err != nil {
				rrh.Release()
				return err
			}
			live = updates
		}

		children := make([]store.PGNO, len(live))
		sizes := make([]store.BSize, len(live))
		var total store.BSize
		for i, nu := range live {
			children[i] = nu.Pgno
			sizes[i] = nu.Key
			total += nu.Key
		}
		nh, err := c.s.Pool.New(c.tx, store.PageInnerNode, c.s.PageSize)
		if err != nil {
			rrh.Release()
			return err
		}
		rebuildInnerNode(nh.Page(), children, sizes)
		if err := nh.Save(); err != nil {
			nh.Release()
			rrh.Release()
			return err
		}
		newRoot := nh.Pgno()
		if err := nh.Release(); err != nil {
			rrh.Release()
			return err
		}
		store.SetRRRoot(rrh.Page(), newRoot)
		store.SetRRNBytes(rrh.Page(), total)
	}

	if err := rrh.Save(); err != nil {
		rrh.Release()
		return err
	}
	if err := rrh.Release(); err != nil {
		return err
	}
	c.state = Unseeked
	return nil
}
