package varindex

import (
	"fmt"

	"github.com/lincketheo/numstore/internal/config"
	"github.com/lincketheo/numstore/internal/store"
)

// Index is a handle onto one variable hash index: the VAR_HASH_PAGE naming
// it, plus the store needed to walk and extend its bucket chains.
type Index struct {
	s   *store.Store
	cfg config.Config
	hpg store.PGNO
}

// Open returns an Index over an already-created VAR_HASH_PAGE.
func Open(s *store.Store, cfg config.Config, hpg store.PGNO) *Index {
	return &Index{s: s, cfg: cfg, hpg: hpg}
}

// Create allocates and initializes a fresh VAR_HASH_PAGE, returning its
// page number for the caller to persist across opens (numstore's engine
// creates it first in a fresh data file and relies on it landing at the
// well-known page 1).
func Create(s *store.Store, tx store.TxID) (store.PGNO, error) {
	h, err := s.Pool.New(tx, store.PageVarHash, s.PageSize)
	if err != nil {
		return 0, err
	}
	initVarHash(h.Page())
	pgno := h.Pgno()
	if err := h.Save(); err != nil {
		h.Release()
		return 0, err
	}
	return pgno, h.Release()
}

func errRecordTooLarge(name string, typ []byte) error {
	return store.Wrap(store.ErrInvalidArgument, fmt.Errorf("variable record for %q (%d bytes) exceeds one page", name, recordSize(name, typ)))
}

// Put maps name to (typ, rptRoot), replacing any existing mapping for the
// same name.
func (ix *Index) Put(tx store.TxID, name string, typ []byte, rptRoot store.PGNO) error {
	name = normalizeName(name)
	hh, err := ix.s.Pool.GetWritable(tx, ix.hpg, store.PageVarHash)
	if err != nil {
		return err
	}
	pos := hashPos(name, ix.s.PageSize)
	head := vhGetHash(hh.Page(), pos)

	if head != store.PGNONull {
		if err := hh.Release(); err != nil {
			return err
		}
		return ix.putInChain(tx, head, name, typ, rptRoot)
	}

	if vlDataOff+recordSize(name, typ) > ix.s.PageSize {
		hh.Release()
		return errRecordTooLarge(name, typ)
	}

	lh, err := ix.s.Pool.New(tx, store.PageVarPage, ix.s.PageSize)
	if err != nil {
		hh.Release()
		return err
	}
	initVarLeaf(lh.Page())
	writeRecordAt(lh.Page(), vlDataOff, record{present: true, rptRoot: rptRoot, name: name, typ: typ})
	if err := lh.Save(); err != nil {
		lh.Release()
		hh.Release()
		return err
	}
	vhSetHash(hh.Page(), pos, lh.Pgno())
	if err := lh.Release(); err != nil {
		hh.Release()
		return err
	}
	if err := hh.Save(); err != nil {
		hh.Release()
		return err
	}
	return hh.Release()
}

// putInChain tombstones any existing record for name anywhere in the chain
// rooted at head, then appends the fresh record to the first page with
// room, extending the chain with a new VAR_TAIL page if none has any.
func (ix *Index) putInChain(tx store.TxID, head store.PGNO, name string, typ []byte, rptRoot store.PGNO) error {
	if err := ix.tombstoneInChain(tx, head, name); err != nil {
		return err
	}

	pgno := head
	var lastPgno store.PGNO
	for pgno != store.PGNONull {
		h, err := ix.s.Pool.GetWritable(tx, pgno, store.PageTombstone)
		if err != nil {
			return err
		}
		buf := h.Page()
		off := freeOffset(buf)
		if off+recordSize(name, typ) <= len(buf) {
			writeRecordAt(buf, off, record{present: true, rptRoot: rptRoot, name: name, typ: typ})
			err := h.Save()
			if rerr := h.Release(); err == nil {
				err = rerr
			}
			return err
		}
		lastPgno = pgno
		pgno = vlNext(buf)
		if err := h.Release(); err != nil {
			return err
		}
	}

	if vlDataOff+recordSize(name, typ) > ix.s.PageSize {
		return errRecordTooLarge(name, typ)
	}

	nh, err := ix.s.Pool.New(tx, store.PageVarTail, ix.s.PageSize)
	if err != nil {
		return err
	}
	initVarLeaf(nh.Page())
	writeRecordAt(nh.Page(), vlDataOff, record{present: true, rptRoot: rptRoot, name: name, typ: typ})
	if err := nh.Save(); err != nil {
		nh.Release()
		return err
	}
	newPgno := nh.Pgno()
	if err := nh.Release(); err != nil {
		return err
	}

	lh, err := ix.s.Pool.GetWritable(tx, lastPgno, store.PageTombstone)
	if err != nil {
		return err
	}
	setVLNext(lh.Page(), newPgno)
	if err := lh.Save(); err != nil {
		lh.Release()
		return err
	}
	return lh.Release()
}

func (ix *Index) tombstoneInChain(tx store.TxID, head store.PGNO, name string) error {
	pgno := head
	for pgno != store.PGNONull {
		h, err := ix.s.Pool.GetWritable(tx, pgno, store.PageTombstone)
		if err != nil {
			return err
		}
		buf := h.Page()
		off := vlDataOff
		changed := false
		for {
			r, next, ok := readRecordAt(buf, off)
			if !ok {
				break
			}
			if r.present && r.name == name {
				buf[off] = 0
				changed = true
			}
			off = next
		}
		next := vlNext(buf)
		if changed {
			if err := h.Save(); err != nil {
				h.Release()
				return err
			}
		}
		if err := h.Release(); err != nil {
			return err
		}
		pgno = next
	}
	return nil
}

// Get looks up name, returning its type descriptor bytes and RPT_ROOT page
// number.
func (ix *Index) Get(name string) ([]byte, store.PGNO, bool, error) {
	name = normalizeName(name)
	hh, err := ix.s.Pool.Get(ix.hpg, store.PageVarHash)
	if err != nil {
		return nil, 0, false, err
	}
	pos := hashPos(name, ix.s.PageSize)
	pgno := vhGetHash(hh.Page(), pos)
	if err := hh.Release(); err != nil {
		return nil, 0, false, err
	}

	for pgno != store.PGNONull {
		h, err := ix.s.Pool.Get(pgno, store.PageTombstone)
		if err != nil {
			return nil, 0, false, err
		}
		buf := h.Page()
		off := vlDataOff
		for {
			r, next, ok := readRecordAt(buf, off)
			if !ok {
				break
			}
			if r.present && r.name == name {
				typ := append([]byte(nil), r.typ...)
				rpt := r.rptRoot
				if err := h.Release(); err != nil {
					return nil, 0, false, err
				}
				return typ, rpt, true, nil
			}
			off = next
		}
		next := vlNext(buf)
		if err := h.Release(); err != nil {
			return nil, 0, false, err
		}
		pgno = next
	}
	return nil, 0, false, nil
}

// Delete removes name's mapping, if present, returning whether it existed.
func (ix *Index) Delete(tx store.TxID, name string) (bool, error) {
	name = normalizeName(name)
	hh, err := ix.s.Pool.Get(ix.hpg, store.PageVarHash)
	if err != nil {
		return false, err
	}
	pos := hashPos(name, ix.s.PageSize)
	head := vhGetHash(hh.Page(), pos)
	if err := hh.Release(); err != nil {
		return false, err
	}

	found := false
	pgno := head
	for pgno != store.PGNONull {
		h, err := ix.s.Pool.GetWritable(tx, pgno, store.PageTombstone)
		if err != nil {
			return false, err
		}
		buf := h.Page()
		off := vlDataOff
		changed := false
		for {
			r, next, ok := readRecordAt(buf, off)
			if !ok {
				break
			}
			if r.present && r.name == name {
				buf[off] = 0
				changed = true
				found = true
			}
			off = next
		}
		next := vlNext(buf)
		if changed {
			if err := h.Save(); err != nil {
				h.Release()
				return false, err
			}
		}
		if err := h.Release(); err != nil {
			return false, err
		}
		pgno = next
	}
	return found, nil
}
