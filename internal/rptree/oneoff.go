package rptree

import (
	"github.com/lincketheo/numstore/internal/config"
	"github.com/lincketheo/numstore/internal/store"
)

// Insert opens a cursor over rrPgno, seeks to bstart, and drives an insert
// of len(buf) bytes to completion, re-seeking and chunking by
// NUPD_MAX_DATA_LENGTH as needed. It is the primary entry point higher
// layers use instead of driving a Cursor by hand.
func Insert(s *store.Store, cfg config.Config, tx store.TxID, rrPgno store.PGNO, bstart store.BSize, buf []byte) error {
	c := NewCursor(s, cfg, tx, rrPgno)
	defer c.Close()

	chunk := maxInsertChunk(cfg, s.PageSize)
	off := bstart
	for pos := 0; pos < len(buf); {
		n := len(buf) - pos
		if n > chunk {
			n = chunk
		}
		if err := c.Seek(off); err != nil {
			return err
		}
		if err := c.Insert(buf[pos : pos+n]); err != nil {
			return err
		}
		off += store.BSize(n)
		pos += n
	}
	return nil
}

// Write opens a cursor over rrPgno, seeks to bstart, and overwrites the
// existing byte stream in place with buf, honoring bsize/stride exactly as
// Cursor.Write does.
func Write(s *store.Store, cfg config.Config, tx store.TxID, rrPgno store.PGNO, bstart store.BSize, buf []byte, bsize store.BSize, stride int) error {
	c := NewCursor(s, cfg, tx, rrPgno)
	defer c.Close()
	if err := c.Seek(bstart); err != nil {
		return err
	}
	return c.Write(buf, bsize, stride)
}

// Read opens a cursor over rrPgno, seeks to bstart, and reads up to nelems
// elements of bsize bytes (spaced stride apart) into dest, returning the
// number of elements actually read.
func Read(s *store.Store, cfg config.Config, tx store.TxID, rrPgno store.PGNO, bstart store.BSize, dest []byte, nelems int, bsize store.BSize, stride int) (int, error) {
	c := NewCursor(s, cfg, tx, rrPgno)
	defer c.Close()
	if err := c.Seek(bstart); err != nil {
		return 0, err
	}
	return c.Read(dest, nelems, bsize, stride)
}

// Remove opens a cursor over rrPgno, seeks to bstart, and removes up to
// maxRemove bytes (spaced stride apart in units of bsize), copying the
// removed bytes into dest when non-nil, returning the number of bytes
// actually removed.
func Remove(s *store.Store, cfg config.Config, tx store.TxID, rrPgno store.PGNO, bstart store.BSize, dest []byte, maxRemove int, bsize store.BSize, stride int) (int, error) {
	c := NewCursor(s, cfg, tx, rrPgno)
	defer c.Close()
	if err := c.Seek(bstart); err != nil {
		return 0, err
	}
	return c.Remove(dest, maxRemove, bsize, stride)
}
