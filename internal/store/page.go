// Package store implements the paged file store: a page-indexed byte
// container over one data file and one WAL file, the buffer manager that
// caches and latches pages, and the ARIES-style recovery pass that replays
// the WAL on open. It is the bottom of numstore's five-subsystem stack;
// internal/rptree and internal/varindex build on top of it.
package store

import (
	"encoding/binary"
	"hash/crc32"
)

// PGNO is an unsigned page index. PGNONull is the reserved "no page" value.
type PGNO uint64

// PGNONull is the null page pointer (spec: PGNO_NULL = UINT64_MAX).
const PGNONull PGNO = ^PGNO(0)

// LSN is a monotonic byte offset into the WAL identifying a record.
type LSN uint64

// TxID identifies a transaction.
type TxID uint64

// PSize is a page-local size (counts bytes within one page).
type PSize = uint32

// BSize is a whole-tree byte size (counts bytes across many pages).
type BSize = uint64

// PageKind tags the common page header's type field.
type PageKind uint8

const (
	PageTombstone PageKind = iota
	PageRootNode
	PageDataList
	PageInnerNode
	PageRPTRoot
	PageVarHash
	PageVarPage
	PageVarTail
)

func (k PageKind) String() string {
	switch k {
	case PageTombstone:
		return "TOMBSTONE"
	case PageRootNode:
		return "ROOT_NODE"
	case PageDataList:
		return "DATA_LIST"
	case PageInnerNode:
		return "INNER_NODE"
	case PageRPTRoot:
		return "RPT_ROOT"
	case PageVarHash:
		return "VAR_HASH_PAGE"
	case PageVarPage:
		return "VAR_PAGE"
	case PageVarTail:
		return "VAR_TAIL"
	default:
		return "UNKNOWN"
	}
}

// Common page header layout (spec §3):
//
//	[0:4]  checksum  CRC-32C over bytes [4:end]
//	[4]    type tag
//	[5:13] page LSN
const (
	HeaderChecksumOff = 0
	HeaderTypeOff     = 4
	HeaderLSNOff      = 5
	HeaderSize        = 13
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum returns the CRC-32C of page[4:], i.e. everything after
// the checksum field itself.
func ComputeChecksum(page []byte) uint32 {
	return crc32.Checksum(page[HeaderChecksumOff+4:], crcTable)
}

// SetChecksum writes the checksum of page into its header.
func SetChecksum(page []byte) {
	binary.LittleEndian.PutUint32(page[HeaderChecksumOff:], ComputeChecksum(page))
}

// VerifyChecksum reports whether page's stored checksum matches its
// contents. A mismatch means CORRUPT (testable property #2).
func VerifyChecksum(page []byte) bool {
	stored := binary.LittleEndian.Uint32(page[HeaderChecksumOff:])
	return stored == ComputeChecksum(page)
}

// Kind reads the page's type tag.
func Kind(page []byte) PageKind { return PageKind(page[HeaderTypeOff]) }

// SetKind writes the page's type tag.
func SetKind(page []byte, k PageKind) { page[HeaderTypeOff] = byte(k) }

// PageLSN reads the LSN of the most recent log record that updated page.
func PageLSN(page []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(page[HeaderLSNOff:]))
}

// SetPageLSN writes the page's LSN field.
func SetPageLSN(page []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(page[HeaderLSNOff:], uint64(lsn))
}

// NewBlankPage allocates a zeroed page buffer of pageSize bytes tagged with
// kind; checksum is left stale until the caller fills in the body and calls
// SetChecksum.
func NewBlankPage(pageSize int, kind PageKind) []byte {
	buf := make([]byte, pageSize)
	SetKind(buf, kind)
	return buf
}

// ───────────────────────────────────────────────────────────────────────────
// ROOT_NODE (page 0): database header
// ───────────────────────────────────────────────────────────────────────────

const (
	rootFirstTombstoneOff = HeaderSize     // pgno, 8 bytes
	rootMasterLSNOff      = HeaderSize + 8 // lsn, 8 bytes
)

// RootNode holds the parsed ROOT_NODE fields (page 0).
type RootNode struct {
	FirstTombstone PGNO
	MasterLSN      LSN
}

// ReadRootNode decodes the ROOT_NODE body from buf.
func ReadRootNode(buf []byte) RootNode {
	return RootNode{
		FirstTombstone: PGNO(binary.LittleEndian.Uint64(buf[rootFirstTombstoneOff:])),
		MasterLSN:      LSN(binary.LittleEndian.Uint64(buf[rootMasterLSNOff:])),
	}
}

// WriteRootNode encodes rn into buf's ROOT_NODE body (header untouched).
func WriteRootNode(buf []byte, rn RootNode) {
	binary.LittleEndian.PutUint64(buf[rootFirstTombstoneOff:], uint64(rn.FirstTombstone))
	binary.LittleEndian.PutUint64(buf[rootMasterLSNOff:], uint64(rn.MasterLSN))
}

// InitRootNode creates a fresh ROOT_NODE page buffer.
func InitRootNode(pageSize int) []byte {
	buf := NewBlankPage(pageSize, PageRootNode)
	WriteRootNode(buf, RootNode{FirstTombstone: PGNONull, MasterLSN: 0})
	SetChecksum(buf)
	return buf
}

// ───────────────────────────────────────────────────────────────────────────
// TOMBSTONE: freed page, linked onto the root node's free list
// ───────────────────────────────────────────────────────────────────────────

const tombstoneNextOff = HeaderSize // pgno, 8 bytes

// TombstoneNext reads the "next" pointer of a tombstoned page.
func TombstoneNext(buf []byte) PGNO {
	return PGNO(binary.LittleEndian.Uint64(buf[tombstoneNextOff:]))
}

// SetTombstoneNext writes the "next" pointer of a tombstoned page.
func SetTombstoneNext(buf []byte, next PGNO) {
	binary.LittleEndian.PutUint64(buf[tombstoneNextOff:], uint64(next))
}

// InitTombstone overwrites buf in place as a TOMBSTONE pointing at next.
func InitTombstone(buf []byte, next PGNO) {
	for i := range buf {
		buf[i] = 0
	}
	SetKind(buf, PageTombstone)
	SetTombstoneNext(buf, next)
	SetChecksum(buf)
}

// ───────────────────────────────────────────────────────────────────────────
// DATA_LIST: RPTree leaf
// ───────────────────────────────────────────────────────────────────────────

const (
	DLNextOff = HeaderSize    // pgno, 8 bytes
	DLPrevOff = DLNextOff + 8 // pgno, 8 bytes
	DLUsedOff = DLPrevOff + 8 // p_size, 4 bytes
	DLDataOff = DLUsedOff + 4 // raw payload bytes start here
)

// DLDataSize returns the number of payload bytes a DATA_LIST page of
// pageSize bytes can hold.
func DLDataSize(pageSize int) int { return pageSize - DLDataOff }

// DLNext, DLPrev, DLUsed read the DATA_LIST header fields.
func DLNext(buf []byte) PGNO  { return PGNO(binary.LittleEndian.Uint64(buf[DLNextOff:])) }
func DLPrev(buf []byte) PGNO  { return PGNO(binary.LittleEndian.Uint64(buf[DLPrevOff:])) }
func DLUsed(buf []byte) PSize { return binary.LittleEndian.Uint32(buf[DLUsedOff:]) }

func SetDLNext(buf []byte, pg PGNO) { binary.LittleEndian.PutUint64(buf[DLNextOff:], uint64(pg)) }
func SetDLPrev(buf []byte, pg PGNO) { binary.LittleEndian.PutUint64(buf[DLPrevOff:], uint64(pg)) }
func SetDLUsed(buf []byte, used PSize) {
	binary.LittleEndian.PutUint32(buf[DLUsedOff:], used)
}

// DLData returns the slice of buf holding the first `used` payload bytes.
func DLData(buf []byte) []byte {
	return buf[DLDataOff : DLDataOff+int(DLUsed(buf))]
}

// DLCapacity returns the full payload region of buf, regardless of `used`.
func DLCapacity(buf []byte) []byte { return buf[DLDataOff:] }

// InitDataList creates a fresh, empty DATA_LIST page buffer.
func InitDataList(pageSize int) []byte {
	buf := NewBlankPage(pageSize, PageDataList)
	SetDLNext(buf, PGNONull)
	SetDLPrev(buf, PGNONull)
	SetDLUsed(buf, 0)
	SetChecksum(buf)
	return buf
}

// ───────────────────────────────────────────────────────────────────────────
// INNER_NODE: RPTree inner page
// ───────────────────────────────────────────────────────────────────────────

const (
	INNextOff  = HeaderSize    // pgno, 8 bytes
	INPrevOff  = INNextOff + 8 // pgno, 8 bytes
	INNKeysOff = INPrevOff + 8 // p_size, 4 bytes
	INBodyOff  = INNKeysOff + 4
)

func INNext(buf []byte) PGNO { return PGNO(binary.LittleEndian.Uint64(buf[INNextOff:])) }
func INPrev(buf []byte) PGNO { return PGNO(binary.LittleEndian.Uint64(buf[INPrevOff:])) }
func INNKeys(buf []byte) int { return int(binary.LittleEndian.Uint32(buf[INNKeysOff:])) }

func SetINNext(buf []byte, pg PGNO) { binary.LittleEndian.PutUint64(buf[INNextOff:], uint64(pg)) }
func SetINPrev(buf []byte, pg PGNO) { binary.LittleEndian.PutUint64(buf[INPrevOff:], uint64(pg)) }
func SetINNKeys(buf []byte, n int) {
	binary.LittleEndian.PutUint32(buf[INNKeysOff:], uint32(n))
}

// INChild returns the i-th child page number (0 <= i <= nkeys).
func INChild(buf []byte, i int) PGNO {
	off := INBodyOff + i*8
	return PGNO(binary.LittleEndian.Uint64(buf[off:]))
}

// SetINChild sets the i-th child page number.
func SetINChild(buf []byte, i int, pg PGNO) {
	off := INBodyOff + i*8
	binary.LittleEndian.PutUint64(buf[off:], uint64(pg))
}

// keysBase returns the offset of key i, counting from the page end: keys
// grow down from the end of the page, one b_size (8 bytes) each.
func keysBase(pageSize, i int) int {
	return pageSize - (i+1)*8
}

// INKey returns cumulative key i (0 <= i < nkeys).
func INKey(buf []byte, i int) BSize {
	off := keysBase(len(buf), i)
	return binary.LittleEndian.Uint64(buf[off:])
}

// SetINKey sets cumulative key i.
func SetINKey(buf []byte, i int, key BSize) {
	off := keysBase(len(buf), i)
	binary.LittleEndian.PutUint64(buf[off:], key)
}

// InnerNodeCapacity returns how many keys an INNER_NODE page of pageSize
// bytes can hold before child pointers and keys collide: nkeys*8 (keys,
// from the end) + (nkeys+1)*8 (children, from INBodyOff) <= pageSize -
// INBodyOff.
func InnerNodeCapacity(pageSize int) int {
	usable := pageSize - INBodyOff - 8 // reserve the 0th child pointer
	n := usable / 16
	if n < 0 {
		n = 0
	}
	return n
}

// InitInnerNode creates a fresh INNER_NODE page with zero keys and a single
// child (the caller must still SetINChild(buf, 0, child)).
func InitInnerNode(pageSize int) []byte {
	buf := NewBlankPage(pageSize, PageInnerNode)
	SetINNext(buf, PGNONull)
	SetINPrev(buf, PGNONull)
	SetINNKeys(buf, 0)
	SetChecksum(buf)
	return buf
}

// ───────────────────────────────────────────────────────────────────────────
// RPT_ROOT: names one variable's RPTree root and caches its total size
// ───────────────────────────────────────────────────────────────────────────

const (
	RRRootOff   = HeaderSize    // pgno, 8 bytes
	RRNBytesOff = RRRootOff + 8 // b_size, 8 bytes
)

func RRRoot(buf []byte) PGNO    { return PGNO(binary.LittleEndian.Uint64(buf[RRRootOff:])) }
func RRNBytes(buf []byte) BSize { return binary.LittleEndian.Uint64(buf[RRNBytesOff:]) }

func SetRRRoot(buf []byte, pg PGNO) { binary.LittleEndian.PutUint64(buf[RRRootOff:], uint64(pg)) }
func SetRRNBytes(buf []byte, n BSize) {
	binary.LittleEndian.PutUint64(buf[RRNBytesOff:], n)
}

// InitRPTRoot creates a fresh, empty RPT_ROOT page (no tree yet).
func InitRPTRoot(pageSize int) []byte {
	buf := NewBlankPage(pageSize, PageRPTRoot)
	SetRRRoot(buf, PGNONull)
	SetRRNBytes(buf, 0)
	SetChecksum(buf)
	return buf
}

// ───────────────────────────────────────────────────────────────────────────
// VAR_HASH_PAGE / VAR_PAGE / VAR_TAIL: opaque to the core
// ───────────────────────────────────────────────────────────────────────────

// InitOpaquePage creates a blank page of the given kind whose body is left
// zeroed for the variable hash index (internal/varindex) to interpret. The
// core never reads or writes these bytes except as checksummed, WAL-logged
// blobs.
func InitOpaquePage(pageSize int, kind PageKind) []byte {
	buf := NewBlankPage(pageSize, kind)
	SetChecksum(buf)
	return buf
}
