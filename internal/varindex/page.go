// Package varindex implements the variable hash index: the external
// collaborator that maps a variable name to its type descriptor bytes and
// the RPT_ROOT page naming that variable's byte-stream tree. The core
// (internal/store, internal/rptree) treats VAR_HASH_PAGE/VAR_PAGE/VAR_TAIL
// pages as opaque blobs it allocates, checksums, and WAL-logs through the
// ordinary buffer manager path; this package is the only one that
// interprets their payload.
package varindex

import (
	"encoding/binary"
	"hash/fnv"

	"golang.org/x/text/unicode/norm"

	"github.com/lincketheo/numstore/internal/store"
)

// normalizeName puts a variable name into Unicode NFC form before it is
// hashed, stored, or compared, so that two byte sequences a caller
// considers the same name always land in the same bucket and compare
// equal against a stored record.
func normalizeName(name string) string {
	return norm.NFC.String(name)
}

// ───────────────────────────────────────────────────────────────────────────
// VAR_HASH_PAGE: a fixed array of bucket-head page numbers
// ───────────────────────────────────────────────────────────────────────────

const vhHashOff = store.HeaderSize

// vhHashLen returns how many buckets fit on a VAR_HASH_PAGE of pageSize
// bytes: the page size less the common header, one pgno per bucket.
func vhHashLen(pageSize int) int {
	return (pageSize - vhHashOff) / 8
}

// hashPos hashes name to a bucket index with FNV-1a, mirroring the
// original implementation's vh_get_hash_pos.
func hashPos(name string, pageSize int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % uint32(vhHashLen(pageSize)))
}

func vhGetHash(buf []byte, pos int) store.PGNO {
	off := vhHashOff + pos*8
	return store.PGNO(binary.LittleEndian.Uint64(buf[off:]))
}

func vhSetHash(buf []byte, pos int, pg store.PGNO) {
	off := vhHashOff + pos*8
	binary.LittleEndian.PutUint64(buf[off:], uint64(pg))
}

// initVarHash sets every bucket of a freshly allocated VAR_HASH_PAGE to
// PGNONull. A blank page is all-zero bytes, which is pgno 0, not
// PGNONull — every bucket must be stamped explicitly.
func initVarHash(buf []byte) {
	for i := 0; i < vhHashLen(len(buf)); i++ {
		vhSetHash(buf, i, store.PGNONull)
	}
	store.SetChecksum(buf)
}

// ───────────────────────────────────────────────────────────────────────────
// VAR_PAGE / VAR_TAIL: a chain of variable-length records
// ───────────────────────────────────────────────────────────────────────────
//
// Layout after the common header, following the original hash_leaf format:
// a `next` overflow chain pointer, then a run of records:
//
//	present   1 byte  (0 = tombstoned)
//	rptRoot   8 bytes (pgno)
//	nameLen   2 bytes
//	typeLen   2 bytes
//	name      nameLen bytes
//	type      typeLen bytes
//
// The run ends at the first record whose nameLen reads 0 — variable names
// are never empty, so a zero nameLen marks the start of unused space.
// VAR_PAGE (a bucket head) and VAR_TAIL (an overflow page) share this same
// layout; only the page kind tag distinguishes them, for callers that care.

const (
	vlNextOff     = store.HeaderSize
	vlDataOff     = vlNextOff + 8
	recHeaderSize = 1 + 8 + 2 + 2
)

func vlNext(buf []byte) store.PGNO { return store.PGNO(binary.LittleEndian.Uint64(buf[vlNextOff:])) }

func setVLNext(buf []byte, pg store.PGNO) {
	binary.LittleEndian.PutUint64(buf[vlNextOff:], uint64(pg))
}

func initVarLeaf(buf []byte) {
	setVLNext(buf, store.PGNONull)
	store.SetChecksum(buf)
}

// record is one decoded VAR_PAGE/VAR_TAIL entry.
type record struct {
	present bool
	rptRoot store.PGNO
	name    string
	typ     []byte
}

func recordSize(name string, typ []byte) int {
	return recHeaderSize + len(name) + len(typ)
}

// readRecordAt decodes the record at off, returning it, the offset just
// past it, and whether a record was actually present there (false at the
// start of unused space or if it wouldn't fit in buf).
func readRecordAt(buf []byte, off int) (record, int, bool) {
	if off+recHeaderSize > len(buf) {
		return record{}, 0, false
	}
	present := buf[off] != 0
	rpt := store.PGNO(binary.LittleEndian.Uint64(buf[off+1:]))
	nameLen := int(binary.LittleEndian.Uint16(buf[off+9:]))
	typeLen := int(binary.LittleEndian.Uint16(buf[off+11:]))
	if nameLen == 0 {
		return record{}, 0, false
	}
	end := off + recHeaderSize + nameLen + typeLen
	if end > len(buf) {
		return record{}, 0, false
	}
	name := string(buf[off+recHeaderSize : off+recHeaderSize+nameLen])
	typ := buf[off+recHeaderSize+nameLen : end]
	return record{present: present, rptRoot: rpt, name: name, typ: typ}, end, true
}

// writeRecordAt encodes r at off, returning the offset just past it. The
// caller must have checked off+recordSize(r.name, r.typ) <= len(buf).
func writeRecordAt(buf []byte, off int, r record) int {
	if r.present {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	binary.LittleEndian.PutUint64(buf[off+1:], uint64(r.rptRoot))
	binary.LittleEndian.PutUint16(buf[off+9:], uint16(len(r.name)))
	binary.LittleEndian.PutUint16(buf[off+11:], uint16(len(r.typ)))
	copy(buf[off+recHeaderSize:], r.name)
	copy(buf[off+recHeaderSize+len(r.name):], r.typ)
	return off + recordSize(r.name, r.typ)
}

// freeOffset scans a VAR_PAGE/VAR_TAIL's record run and returns the byte
// offset where the next record may be appended.
func freeOffset(buf []byte) int {
	off := vlDataOff
	for {
		_, next, ok := readRecordAt(buf, off)
		if !ok {
			return off
		}
		off = next
	}
}
