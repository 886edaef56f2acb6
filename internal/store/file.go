package store

import (
	"fmt"
	"os"
)

// File is the file pager: a page-indexed byte container over one regular
// file. It owns only npages (derived from file size at open and advanced
// on allocation) and raw I/O; page re-use via the tombstone free list is
// handled one layer up, in the buffer Pool.
type File struct {
	f        *os.File
	pageSize int
	npages   PGNO
}

// OpenFile creates fname if absent and validates that its length is a
// multiple of pageSize; any other length is CORRUPT.
func OpenFile(fname string, pageSize int) (*File, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, Wrap(ErrIO, fmt.Errorf("open %s: %w", fname, err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Wrap(ErrIO, fmt.Errorf("stat %s: %w", fname, err))
	}
	if info.Size()%int64(pageSize) != 0 {
		f.Close()
		return nil, Wrapf(ErrCorrupt, "file %s length %d is not a multiple of page size %d",
			fname, info.Size(), pageSize)
	}
	return &File{
		f:        f,
		pageSize: pageSize,
		npages:   PGNO(info.Size() / int64(pageSize)),
	}, nil
}

// NPages returns the number of pages currently in the file.
func (fl *File) NPages() PGNO { return fl.npages }

// Read reads exactly pageSize bytes at offset pgno*pageSize into buf. A
// short read is CORRUPT; any other OS error is IO.
func (fl *File) Read(pgno PGNO, buf []byte) error {
	if pgno >= fl.npages {
		return Wrapf(ErrPageOutOfRange, "page %d >= npages %d", pgno, fl.npages)
	}
	if len(buf) != fl.pageSize {
		return Wrapf(ErrInvalidArgument, "read buffer is %d bytes, want %d", len(buf), fl.pageSize)
	}
	n, err := fl.f.ReadAt(buf, int64(pgno)*int64(fl.pageSize))
	if err != nil {
		return Wrap(ErrIO, fmt.Errorf("read page %d: %w", pgno, err))
	}
	if n != fl.pageSize {
		return Wrapf(ErrCorrupt, "short read on page %d: got %d bytes, want %d", pgno, n, fl.pageSize)
	}
	return nil
}

// Write pwrites exactly pageSize bytes at offset pgno*pageSize. The caller
// must fsync separately (via Sync) when durability is required.
func (fl *File) Write(pgno PGNO, buf []byte) error {
	if pgno >= fl.npages {
		return Wrapf(ErrPageOutOfRange, "page %d >= npages %d", pgno, fl.npages)
	}
	if len(buf) != fl.pageSize {
		return Wrapf(ErrInvalidArgument, "write buffer is %d bytes, want %d", len(buf), fl.pageSize)
	}
	n, err := fl.f.WriteAt(buf, int64(pgno)*int64(fl.pageSize))
	if err != nil {
		return Wrap(ErrIO, fmt.Errorf("write page %d: %w", pgno, err))
	}
	if n != fl.pageSize {
		return Wrapf(ErrIO, "short write on page %d: wrote %d bytes, want %d", pgno, n, fl.pageSize)
	}
	return nil
}

// New extends the file by one page (ftruncate) and returns its page
// number. The page's bytes are unspecified; the caller must initialize and
// Write them. Re-use of freed pages happens one layer up via the tombstone
// list — New always grows the file.
func (fl *File) New() (PGNO, error) {
	pgno := fl.npages
	newSize := int64(pgno+1) * int64(fl.pageSize)
	if err := fl.f.Truncate(newSize); err != nil {
		return 0, Wrap(ErrIO, fmt.Errorf("extend file to %d bytes: %w", newSize, err))
	}
	fl.npages++
	return pgno, nil
}

// Sync fsyncs the data file.
func (fl *File) Sync() error {
	if err := fl.f.Sync(); err != nil {
		return Wrap(ErrIO, fmt.Errorf("fsync: %w", err))
	}
	return nil
}

// Close closes the underlying file.
func (fl *File) Close() error {
	if err := fl.f.Close(); err != nil {
		return Wrap(ErrIO, fmt.Errorf("close: %w", err))
	}
	return nil
}
